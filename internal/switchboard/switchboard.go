// Package switchboard implements a layer-2 learning switch across a set of
// ports: the local TAP adapter and zero or more remote FSCP peers.
package switchboard

import (
	"net"
	"sync"
	"time"
)

// agingTimeout evicts a learning-table entry once it has gone unseen this
// long, per spec.md's 5-minute aging window.
const agingTimeout = 5 * time.Minute

// Mode selects how frames with no learned destination are forwarded.
type Mode uint8

const (
	// ModeSwitch forwards unicast to the learned port when known,
	// broadcasting only on a miss.
	ModeSwitch Mode = iota
	// ModeHub broadcasts every frame to every other port.
	ModeHub
)

// PortKind distinguishes the local TAP adapter from a remote peer port.
type PortKind uint8

const (
	PortTapAdapter PortKind = iota
	PortPeer
)

// Port is one endpoint a Switch forwards frames to or from. Group is a
// caller-assigned tag: ports sharing a Group don't forward to each other
// unless client routing is enabled (spec.md's port-group isolation). The
// core orchestrator assigns each peer its own Group by default, so
// isolation only takes effect when two or more ports are explicitly
// configured into the same group.
type Port struct {
	ID    string
	Kind  PortKind
	Group int
}

// Switch holds a set of ports grouped by integer group, a MAC-learning
// table, and forwards Ethernet frames between them according to Mode and
// RelayMode.
type Switch struct {
	mode          Mode
	relayMode     bool
	clientRouting bool
	write         func(port Port, frame []byte) error

	mu      sync.Mutex
	ports   map[string]Port
	learned map[string]learnedEntry // key: HardwareAddr.String()
}

type learnedEntry struct {
	port Port
	seen time.Time
}

// Config configures a new Switch.
type Config struct {
	Mode Mode
	// RelayMode, when false, suppresses forwarding between two peer ports:
	// only peer<->TAP forwarding is allowed.
	RelayMode bool
	// ClientRouting, when true, allows forwarding between two ports in the
	// same group. Otherwise intra-group forwarding is suppressed.
	ClientRouting bool
	// Write transmits frame out of port. Supplied by the core orchestrator,
	// which owns the TAP device and the FSCP server.
	Write func(port Port, frame []byte) error
}

// New creates a Switch with no ports registered.
func New(cfg Config) *Switch {
	return &Switch{
		mode:          cfg.Mode,
		relayMode:     cfg.RelayMode,
		clientRouting: cfg.ClientRouting,
		write:         cfg.Write,
		ports:         make(map[string]Port),
		learned:       make(map[string]learnedEntry),
	}
}

// AddPort registers a port. Re-adding an existing ID updates its Kind/Group.
func (s *Switch) AddPort(p Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[p.ID] = p
}

// RemovePort unregisters a port and forgets any learned MAC bound to it.
func (s *Switch) RemovePort(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, id)
	for mac, entry := range s.learned {
		if entry.port.ID == id {
			delete(s.learned, mac)
		}
	}
}

// Ports returns a snapshot of every registered port.
func (s *Switch) Ports() []Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Port, 0, len(s.ports))
	for _, p := range s.ports {
		out = append(out, p)
	}
	return out
}

// Handle ingests an Ethernet frame arriving on ingress, learns its source
// MAC, and forwards it per Mode/RelayMode. srcMAC/dstMAC are the frame's
// Ethernet header addresses.
func (s *Switch) Handle(ingress Port, srcMAC, dstMAC net.HardwareAddr, frame []byte) {
	s.mu.Lock()
	s.learn(srcMAC, ingress)
	targets := s.forwardTargets(ingress, dstMAC)
	s.mu.Unlock()

	for _, port := range targets {
		_ = s.write(port, frame)
	}
}

func (s *Switch) learn(mac net.HardwareAddr, port Port) {
	if len(mac) == 0 {
		return
	}
	s.learned[mac.String()] = learnedEntry{port: port, seen: time.Now()}
}

// forwardTargets must be called with s.mu held.
func (s *Switch) forwardTargets(ingress Port, dstMAC net.HardwareAddr) []Port {
	if s.mode == ModeSwitch {
		if entry, ok := s.lookupFresh(dstMAC); ok {
			if s.allowed(ingress, entry.port) {
				return []Port{entry.port}
			}
			return nil
		}
	}

	var out []Port
	for _, p := range s.ports {
		if p.ID == ingress.ID {
			continue
		}
		if s.allowed(ingress, p) {
			out = append(out, p)
		}
	}
	return out
}

// lookupFresh returns the learned port for mac, evicting it first if it has
// aged out.
func (s *Switch) lookupFresh(mac net.HardwareAddr) (learnedEntry, bool) {
	key := mac.String()
	entry, ok := s.learned[key]
	if !ok {
		return learnedEntry{}, false
	}
	if time.Since(entry.seen) > agingTimeout {
		delete(s.learned, key)
		return learnedEntry{}, false
	}
	return entry, true
}

// allowed reports whether a frame from ingress may be forwarded to egress:
// same-group ports don't forward to each other unless client routing is
// enabled, and peer-to-peer forwarding is additionally suppressed unless
// relay mode is on.
func (s *Switch) allowed(ingress, egress Port) bool {
	if ingress.Group == egress.Group && !s.clientRouting {
		return false
	}
	if ingress.Kind == PortPeer && egress.Kind == PortPeer {
		return s.relayMode
	}
	return true
}
