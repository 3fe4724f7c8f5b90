package router_test

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/freelan-go/freelan/internal/router"
)

type capture struct {
	mu  sync.Mutex
	got []router.Port
}

func (c *capture) write(port router.Port, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, port)
	return nil
}

func (c *capture) ports() []router.Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]router.Port(nil), c.got...)
}

func TestRouterLongestPrefixMatch(t *testing.T) {
	t.Parallel()
	var cap capture
	r := router.New(router.Config{ClientRouting: true, Write: cap.write})
	tun := router.Port{ID: "tun", Kind: router.PortTUNAdapter, Group: 0}
	p1 := router.Port{ID: "peer1", Kind: router.PortPeer, Group: 1}
	p2 := router.Port{ID: "peer2", Kind: router.PortPeer, Group: 2}
	r.AddPort(tun, nil)
	r.AddPort(p1, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})
	r.AddPort(p2, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")})

	r.Handle(tun, netip.MustParseAddr("10.0.0.5"), []byte("pkt"))

	got := cap.ports()
	if len(got) != 1 || got[0].ID != "peer2" {
		t.Fatalf("expected longest-prefix match to peer2, got %v", got)
	}
}

func TestRouterTieBrokenByRegistrationOrder(t *testing.T) {
	t.Parallel()
	var cap capture
	r := router.New(router.Config{ClientRouting: true, Write: cap.write})
	p1 := router.Port{ID: "peer1", Kind: router.PortPeer, Group: 1}
	p2 := router.Port{ID: "peer2", Kind: router.PortPeer, Group: 2}
	r.AddPort(p1, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")})
	r.AddPort(p2, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")})

	r.Handle(router.Port{ID: "tun", Kind: router.PortTUNAdapter}, netip.MustParseAddr("10.0.0.5"), []byte("pkt"))

	got := cap.ports()
	if len(got) != 1 || got[0].ID != "peer1" {
		t.Fatalf("expected the earlier-registered port to win the tie, got %v", got)
	}
}

func TestRouterDropsUnmatchedDestination(t *testing.T) {
	t.Parallel()
	var cap capture
	r := router.New(router.Config{ClientRouting: true, Write: cap.write})
	p1 := router.Port{ID: "peer1", Kind: router.PortPeer, Group: 1}
	r.AddPort(p1, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")})

	r.Handle(router.Port{ID: "tun", Kind: router.PortTUNAdapter}, netip.MustParseAddr("192.168.1.1"), []byte("pkt"))

	if got := cap.ports(); len(got) != 0 {
		t.Fatalf("expected drop on no matching route, got %v", got)
	}
}

func TestRouterGroupIsolationWithoutClientRouting(t *testing.T) {
	t.Parallel()
	var cap capture
	r := router.New(router.Config{ClientRouting: false, Write: cap.write})
	p1 := router.Port{ID: "peer1", Kind: router.PortPeer, Group: 7}
	p2 := router.Port{ID: "peer2", Kind: router.PortPeer, Group: 7}
	r.AddPort(p1, nil)
	r.AddPort(p2, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")})

	r.Handle(p1, netip.MustParseAddr("10.0.0.5"), []byte("pkt"))

	if got := cap.ports(); len(got) != 0 {
		t.Fatalf("expected same-group forwarding to be dropped without client routing, got %v", got)
	}
}

func TestRouterLearnRouteRespectsLimit(t *testing.T) {
	t.Parallel()
	var cap capture
	r := router.New(router.Config{ClientRouting: true, MaxLearnedRoutes: 1, Write: cap.write})
	p1 := router.Port{ID: "peer1", Kind: router.PortPeer, Group: 1}
	r.AddPort(p1, nil)

	if !r.LearnRoute(p1, netip.MustParsePrefix("10.0.0.0/24"), router.RouteScopeAny) {
		t.Fatal("expected the first learned route to be accepted")
	}
	if r.LearnRoute(p1, netip.MustParsePrefix("10.0.1.0/24"), router.RouteScopeAny) {
		t.Fatal("expected the second learned route to be rejected by the per-port limit")
	}

	r.Handle(router.Port{ID: "tun", Kind: router.PortTUNAdapter}, netip.MustParseAddr("10.0.0.5"), []byte("pkt"))
	if got := cap.ports(); len(got) != 1 || got[0].ID != "peer1" {
		t.Fatalf("expected the accepted learned route to forward, got %v", got)
	}
}

func TestRouterLearnRouteRejectsScopeNone(t *testing.T) {
	t.Parallel()
	r := router.New(router.Config{Write: func(router.Port, []byte) error { return nil }})
	p1 := router.Port{ID: "peer1", Kind: router.PortPeer}
	r.AddPort(p1, nil)

	if r.LearnRoute(p1, netip.MustParsePrefix("10.0.0.0/24"), router.RouteScopeNone) {
		t.Fatal("expected RouteScopeNone to reject the route")
	}
}

func TestRouterRemovePortForgetsRoutes(t *testing.T) {
	t.Parallel()
	var cap capture
	r := router.New(router.Config{ClientRouting: true, Write: cap.write})
	p1 := router.Port{ID: "peer1", Kind: router.PortPeer}
	r.AddPort(p1, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")})
	r.RemovePort("peer1")

	r.Handle(router.Port{ID: "tun", Kind: router.PortTUNAdapter}, netip.MustParseAddr("10.0.0.5"), []byte("pkt"))
	if got := cap.ports(); len(got) != 0 {
		t.Fatalf("expected no route after the owning port was removed, got %v", got)
	}
}
