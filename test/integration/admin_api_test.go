//go:build integration

package integration_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/freelan-go/freelan/internal/core"
	"github.com/freelan-go/freelan/internal/server"
)

type peerView struct {
	Endpoint string `json:"endpoint"`
}

func listPeers(t *testing.T, baseURL string) []peerView {
	t.Helper()
	resp, err := http.Get(baseURL + "/v1/peers")
	if err != nil {
		t.Fatalf("GET /v1/peers: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Peers []peerView `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode peers response: %v", err)
	}
	return out.Peers
}

func greetPeer(t *testing.T, baseURL, endpoint string) {
	t.Helper()
	escaped := strings.ReplaceAll(endpoint, ":", "_")
	resp, err := http.Post(baseURL+"/v1/peers/"+escaped+"/greet", "application/json", nil)
	if err != nil {
		t.Fatalf("POST greet: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("greet status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
}

// TestAdminAPIDrivesRealHandshake exercises the daemon's admin HTTP API
// against a live FSCP server and Core: posting a greet through the API
// must produce an actual established session observable through the same
// API's peer listing, the way freelanctl's "peers greet" followed by
// "peers list" behaves against a running daemon.
func TestAdminAPIDrivesRealHandshake(t *testing.T) {
	t.Parallel()

	ca := newCA(t)
	idA, _ := ca.leaf(t, "admin-a", 20)
	idB, _ := ca.leaf(t, "admin-b", 21)

	a := newNode(t, idA, core.Config{ContactPeriod: time.Hour})
	b := newNode(t, idB, core.Config{ContactPeriod: time.Hour})

	adminA := server.New(a.srv, testLogger())
	httpA := httptest.NewServer(adminA.Handler())
	t.Cleanup(httpA.Close)

	bEp := b.endpoint()
	greetPeer(t, httpA.URL, bEp.String())

	waitEstablished(t, a, bEp, 5*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		peers := listPeers(t, httpA.URL)
		if containsEndpoint(peers, bEp) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("admin API never listed %s as a peer: got %+v", bEp, peers)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func containsEndpoint(peers []peerView, ep netip.AddrPort) bool {
	for _, p := range peers {
		if p.Endpoint == ep.String() {
			return true
		}
	}
	return false
}

