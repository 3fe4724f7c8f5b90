// Package arpproxy answers ARP requests on behalf of addresses reachable
// only through the FSCP overlay, so TAP-mode clients never need to see the
// real topology behind a port.
package arpproxy

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/freelan-go/freelan/internal/codec"
)

// MissFunc is consulted when no static entry answers a request, so the
// caller can resolve an address dynamically (e.g. against a DHCP lease
// table) before giving up.
type MissFunc func(ip netip.Addr) (net.HardwareAddr, bool)

// Proxy answers ARP requests for a precomputed IPv4 -> MAC table.
type Proxy struct {
	logger *slog.Logger
	miss   MissFunc

	mu      sync.RWMutex
	entries map[netip.Addr]net.HardwareAddr
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithMissFunc installs a fallback resolver consulted when Entries has no
// static answer.
func WithMissFunc(f MissFunc) Option {
	return func(p *Proxy) { p.miss = f }
}

// New creates a Proxy with a static table of proxied addresses.
func New(logger *slog.Logger, entries map[netip.Addr]net.HardwareAddr, opts ...Option) *Proxy {
	p := &Proxy{
		logger:  logger,
		entries: make(map[netip.Addr]net.HardwareAddr, len(entries)),
	}
	for ip, mac := range entries {
		p.entries[ip] = mac
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Set adds or updates a single proxied address.
func (p *Proxy) Set(ip netip.Addr, mac net.HardwareAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[ip] = mac
}

// Remove drops a proxied address.
func (p *Proxy) Remove(ip netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, ip)
}

func (p *Proxy) resolve(ip netip.Addr) (net.HardwareAddr, bool) {
	p.mu.RLock()
	mac, ok := p.entries[ip]
	p.mu.RUnlock()
	if ok {
		return mac, true
	}
	if p.miss != nil {
		return p.miss(ip)
	}
	return nil, false
}

// Handle inspects frame for an ARP request this proxy can answer. It returns
// the serialized reply frame and true if one was generated; the caller is
// responsible for writing it back out the ingress port.
func (p *Proxy) Handle(frame []byte) ([]byte, bool) {
	f, err := codec.DecodeEthernet(frame)
	if err != nil || f.ARP == nil {
		return nil, false
	}
	target, ok := netip.AddrFromSlice(f.ARP.DstProtAddress)
	if !ok || !codec.IsARPRequestFor(f, target) {
		return nil, false
	}
	mac, ok := p.resolve(target)
	if !ok {
		return nil, false
	}
	requesterIP, ok := netip.AddrFromSlice(f.ARP.SourceProtAddress)
	if !ok {
		return nil, false
	}
	reply, err := codec.ARPReplyFrame(mac, net.HardwareAddr(f.ARP.SourceHwAddress), target, requesterIP)
	if err != nil {
		p.logger.Error("build arp reply", slog.String("error", err.Error()))
		return nil, false
	}
	return reply, true
}
