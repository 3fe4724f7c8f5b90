package switchboard_test

import (
	"net"
	"sync"
	"testing"

	"github.com/freelan-go/freelan/internal/switchboard"
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

type capture struct {
	mu  sync.Mutex
	got []switchboard.Port
}

func (c *capture) write(port switchboard.Port, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, port)
	return nil
}

func (c *capture) ports() []switchboard.Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]switchboard.Port(nil), c.got...)
}

func TestSwitchBroadcastsOnUnknownDestination(t *testing.T) {
	t.Parallel()
	var cap capture
	sw := switchboard.New(switchboard.Config{Mode: switchboard.ModeSwitch, RelayMode: true, Write: cap.write})
	tap := switchboard.Port{ID: "tap", Kind: switchboard.PortTapAdapter, Group: 0}
	p1 := switchboard.Port{ID: "peer1", Kind: switchboard.PortPeer, Group: 1}
	p2 := switchboard.Port{ID: "peer2", Kind: switchboard.PortPeer, Group: 2}
	sw.AddPort(tap)
	sw.AddPort(p1)
	sw.AddPort(p2)

	sw.Handle(tap, mustMAC("02:00:00:00:00:01"), mustMAC("02:00:00:00:00:ff"), []byte("frame"))

	got := cap.ports()
	if len(got) != 2 {
		t.Fatalf("expected broadcast to 2 ports, got %d: %v", len(got), got)
	}
}

func TestSwitchUnicastsToLearnedPort(t *testing.T) {
	t.Parallel()
	var cap capture
	sw := switchboard.New(switchboard.Config{Mode: switchboard.ModeSwitch, RelayMode: true, Write: cap.write})
	tap := switchboard.Port{ID: "tap", Kind: switchboard.PortTapAdapter, Group: 0}
	p1 := switchboard.Port{ID: "peer1", Kind: switchboard.PortPeer, Group: 1}
	p2 := switchboard.Port{ID: "peer2", Kind: switchboard.PortPeer, Group: 2}
	sw.AddPort(tap)
	sw.AddPort(p1)
	sw.AddPort(p2)

	macA := mustMAC("02:00:00:00:00:0a")
	// peer1 sends a frame, learning macA -> peer1.
	sw.Handle(p1, macA, mustMAC("02:00:00:00:00:ff"), []byte("hello"))
	cap.got = nil

	// Now TAP sends to macA: must go only to peer1.
	sw.Handle(tap, mustMAC("02:00:00:00:00:02"), macA, []byte("reply"))
	got := cap.ports()
	if len(got) != 1 || got[0].ID != "peer1" {
		t.Fatalf("expected unicast to peer1 only, got %v", got)
	}
}

func TestSwitchHubModeAlwaysBroadcasts(t *testing.T) {
	t.Parallel()
	var cap capture
	sw := switchboard.New(switchboard.Config{Mode: switchboard.ModeHub, RelayMode: true, Write: cap.write})
	tap := switchboard.Port{ID: "tap", Kind: switchboard.PortTapAdapter, Group: 0}
	p1 := switchboard.Port{ID: "peer1", Kind: switchboard.PortPeer, Group: 1}
	p2 := switchboard.Port{ID: "peer2", Kind: switchboard.PortPeer, Group: 2}
	sw.AddPort(tap)
	sw.AddPort(p1)
	sw.AddPort(p2)

	macA := mustMAC("02:00:00:00:00:0a")
	// Learn macA -> peer1; in switch mode this would make the next frame to
	// macA a unicast to peer1 only. In hub mode it must still reach peer2.
	sw.Handle(p1, macA, mustMAC("02:00:00:00:00:ff"), []byte("hello"))
	cap.got = nil

	sw.Handle(tap, mustMAC("02:00:00:00:00:02"), macA, []byte("reply"))
	got := cap.ports()
	if len(got) != 2 {
		t.Fatalf("hub mode should broadcast to every other port regardless of the learning table, got %v", got)
	}
}

func TestSwitchRelayModeOffSuppressesPeerToPeer(t *testing.T) {
	t.Parallel()
	var cap capture
	sw := switchboard.New(switchboard.Config{Mode: switchboard.ModeHub, RelayMode: false, Write: cap.write})
	tap := switchboard.Port{ID: "tap", Kind: switchboard.PortTapAdapter, Group: 0}
	p1 := switchboard.Port{ID: "peer1", Kind: switchboard.PortPeer, Group: 1}
	p2 := switchboard.Port{ID: "peer2", Kind: switchboard.PortPeer, Group: 2}
	sw.AddPort(tap)
	sw.AddPort(p1)
	sw.AddPort(p2)

	sw.Handle(p1, mustMAC("02:00:00:00:00:0a"), mustMAC("02:00:00:00:00:ff"), []byte("hello"))
	got := cap.ports()
	if len(got) != 1 || got[0].ID != "tap" {
		t.Fatalf("with relay mode off, a peer frame must only reach the TAP port, got %v", got)
	}
}

func TestSwitchGroupIsolation(t *testing.T) {
	t.Parallel()
	var cap capture
	sw := switchboard.New(switchboard.Config{Mode: switchboard.ModeHub, RelayMode: true, ClientRouting: false, Write: cap.write})
	p1 := switchboard.Port{ID: "peer1", Kind: switchboard.PortPeer, Group: 5}
	p2 := switchboard.Port{ID: "peer2", Kind: switchboard.PortPeer, Group: 5}
	sw.AddPort(p1)
	sw.AddPort(p2)

	sw.Handle(p1, mustMAC("02:00:00:00:00:0a"), mustMAC("02:00:00:00:00:ff"), []byte("hello"))
	if got := cap.ports(); len(got) != 0 {
		t.Fatalf("same-group ports must not forward without client routing, got %v", got)
	}
}

func TestSwitchRemovePortForgetsLearning(t *testing.T) {
	t.Parallel()
	var cap capture
	sw := switchboard.New(switchboard.Config{Mode: switchboard.ModeSwitch, RelayMode: true, Write: cap.write})
	tap := switchboard.Port{ID: "tap", Kind: switchboard.PortTapAdapter, Group: 0}
	p1 := switchboard.Port{ID: "peer1", Kind: switchboard.PortPeer, Group: 1}
	sw.AddPort(tap)
	sw.AddPort(p1)

	macA := mustMAC("02:00:00:00:00:0a")
	sw.Handle(p1, macA, mustMAC("02:00:00:00:00:ff"), []byte("hello"))
	sw.RemovePort("peer1")
	cap.got = nil

	sw.Handle(tap, mustMAC("02:00:00:00:00:02"), macA, []byte("reply"))
	if got := cap.ports(); len(got) != 0 {
		t.Fatalf("forwarding to a removed port's forgotten MAC must broadcast to nothing (no other ports), got %v", got)
	}
}
