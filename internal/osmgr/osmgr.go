// Package osmgr manages the OS-level routes, addresses, and DNS servers
// that the Core orchestrator attaches to the TAP/TUN interface, using
// scoped, reference-counted handles so two callers asking for the same
// route don't fight over removing it.
package osmgr

import (
	"net/netip"
	"sync"
)

// Kind identifies what a Handle represents, for logging and bookkeeping.
type Kind uint8

const (
	KindRoute Kind = iota
	KindAddress
	KindDNSServer
)

// key uniquely identifies one OS resource regardless of how many callers
// have requested it.
type key struct {
	kind      Kind
	ifIndex   int
	prefix    netip.Prefix
	gateway   netip.Addr
	dnsServer netip.Addr
}

type entry struct {
	refcount int
	release  func() error
}

// Manager tracks OS resources bound to network interfaces and releases
// each one only once its last reference-counted Handle is closed.
type Manager struct {
	routes  routeAPI
	addrs   addressAPI
	dns     dnsAPI

	mu      sync.Mutex
	entries map[key]*entry
}

// routeAPI/addressAPI/dnsAPI abstract the platform-specific netlink/dbus
// calls so Manager's reference-counting logic can be tested without a
// real network namespace.
type routeAPI interface {
	AddRoute(ifIndex int, prefix netip.Prefix, gateway netip.Addr) error
	DeleteRoute(ifIndex int, prefix netip.Prefix, gateway netip.Addr) error
}

type addressAPI interface {
	AddAddress(ifIndex int, prefix netip.Prefix) error
	DeleteAddress(ifIndex int, prefix netip.Prefix) error
}

type dnsAPI interface {
	SetLinkDNS(ifIndex int, server netip.Addr) error
	UnsetLinkDNS(ifIndex int, server netip.Addr) error
}

// New creates a Manager backed by the given platform APIs.
func New(routes routeAPI, addrs addressAPI, dns dnsAPI) *Manager {
	return &Manager{
		routes:  routes,
		addrs:   addrs,
		dns:     dns,
		entries: make(map[key]*entry),
	}
}

// Handle releases one reference to an OS resource when closed.
type Handle struct {
	m   *Manager
	key key
}

// Close releases this reference. The underlying OS resource is removed
// once no Handle referencing it remains open.
func (h *Handle) Close() error {
	return h.m.release(h.key)
}

func (m *Manager) acquire(k key, create func() error, release func() error) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[k]; ok {
		e.refcount++
		return &Handle{m: m, key: k}, nil
	}

	if err := create(); err != nil {
		return nil, err
	}
	m.entries[k] = &entry{refcount: 1, release: release}
	return &Handle{m: m, key: k}, nil
}

func (m *Manager) release(k key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[k]
	if !ok {
		return nil
	}
	e.refcount--
	if e.refcount > 0 {
		return nil
	}
	delete(m.entries, k)
	return e.release()
}

// AddRoute installs prefix on ifIndex via gateway, returning a Handle that
// must be closed to release this caller's reference to the route.
func (m *Manager) AddRoute(ifIndex int, prefix netip.Prefix, gateway netip.Addr) (*Handle, error) {
	k := key{kind: KindRoute, ifIndex: ifIndex, prefix: prefix, gateway: gateway}
	return m.acquire(k,
		func() error { return m.routes.AddRoute(ifIndex, prefix, gateway) },
		func() error { return m.routes.DeleteRoute(ifIndex, prefix, gateway) },
	)
}

// AddAddress assigns prefix to ifIndex, returning a Handle that must be
// closed to release this caller's reference to the address.
func (m *Manager) AddAddress(ifIndex int, prefix netip.Prefix) (*Handle, error) {
	k := key{kind: KindAddress, ifIndex: ifIndex, prefix: prefix}
	return m.acquire(k,
		func() error { return m.addrs.AddAddress(ifIndex, prefix) },
		func() error { return m.addrs.DeleteAddress(ifIndex, prefix) },
	)
}

// SetDNSServer registers server as a DNS resolver for ifIndex, returning a
// Handle that must be closed to release this caller's reference.
func (m *Manager) SetDNSServer(ifIndex int, server netip.Addr) (*Handle, error) {
	k := key{kind: KindDNSServer, ifIndex: ifIndex, dnsServer: server}
	return m.acquire(k,
		func() error { return m.dns.SetLinkDNS(ifIndex, server) },
		func() error { return m.dns.UnsetLinkDNS(ifIndex, server) },
	)
}

