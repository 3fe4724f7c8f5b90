// Package dhcpproxy answers DHCPv4 DISCOVER/REQUEST messages from TAP-mode
// clients out of a static lease table, so the overlay doesn't need a real
// DHCP server reachable through the tunnel.
package dhcpproxy

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// ErrNoLease is returned when a client has no configured lease and the
// proxy has no default pool to draw from.
var ErrNoLease = errors.New("dhcpproxy: no lease for client")

// Lease describes the network configuration offered to one client.
type Lease struct {
	Address    net.IP
	Netmask    net.IPMask
	Gateway    net.IP
	DNS        []net.IP
	LeaseTime  time.Duration
	DomainName string
}

// Proxy answers DHCPv4 requests out of a static MAC -> Lease table.
type Proxy struct {
	logger   *slog.Logger
	serverIP net.IP

	mu     sync.RWMutex
	leases map[string]Lease // keyed by HardwareAddr.String()
}

// New creates a Proxy. serverIP is used for the DHCP server-identifier
// option and as the relay/server source address in replies.
func New(logger *slog.Logger, serverIP net.IP, leases map[string]Lease) *Proxy {
	p := &Proxy{
		logger:   logger,
		serverIP: serverIP,
		leases:   make(map[string]Lease, len(leases)),
	}
	for mac, lease := range leases {
		p.leases[mac] = lease
	}
	return p
}

// SetLease adds or updates the lease offered to mac.
func (p *Proxy) SetLease(mac net.HardwareAddr, lease Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leases[mac.String()] = lease
}

// RemoveLease withdraws a client's lease.
func (p *Proxy) RemoveLease(mac net.HardwareAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leases, mac.String())
}

func (p *Proxy) leaseFor(mac net.HardwareAddr) (Lease, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	lease, ok := p.leases[mac.String()]
	return lease, ok
}

// Handle answers req with an OFFER or ACK built from the client's lease. It
// returns nil, false for message types this proxy doesn't answer (RELEASE,
// DECLINE, INFORM) or for a client with no configured lease.
func (p *Proxy) Handle(req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, bool) {
	var msgType dhcpv4.MessageType
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		msgType = dhcpv4.MessageTypeOffer
	case dhcpv4.MessageTypeRequest:
		msgType = dhcpv4.MessageTypeAck
	default:
		return nil, false
	}

	lease, ok := p.leaseFor(req.ClientHWAddr)
	if !ok {
		p.logger.Debug("no lease for client", slog.String("mac", req.ClientHWAddr.String()))
		return nil, false
	}

	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithServerIP(p.serverIP),
		dhcpv4.WithYourIP(lease.Address),
		dhcpv4.WithNetmask(lease.Netmask),
		dhcpv4.WithGeneric(dhcpv4.OptionServerIdentifier, p.serverIP),
	}
	if lease.Gateway != nil {
		mods = append(mods, dhcpv4.WithRouter(lease.Gateway))
	}
	if len(lease.DNS) > 0 {
		mods = append(mods, dhcpv4.WithDNS(lease.DNS...))
	}
	if lease.LeaseTime > 0 {
		mods = append(mods, dhcpv4.WithLeaseTime(uint32(lease.LeaseTime/time.Second)))
		mods = append(mods,
			dhcpv4.WithOption(dhcpv4.OptRenewTimeValue(renewTime(lease.LeaseTime))),
			dhcpv4.WithOption(dhcpv4.OptRebindingTimeValue(rebindingTime(lease.LeaseTime))),
		)
	}
	if lease.DomainName != "" {
		mods = append(mods, dhcpv4.WithDomainName(lease.DomainName))
	}

	reply, err := dhcpv4.NewReplyFromRequest(req, mods...)
	if err != nil {
		p.logger.Error("build dhcp reply", slog.String("error", err.Error()))
		return nil, false
	}
	return reply, true
}

// renewTime and rebindingTime derive options 58 and 59 from the lease
// time: renewal at 0.875x, rebinding at 0.5x, the same ratios BOOTP/DHCP
// relays have used since RFC 2131.
func renewTime(lease time.Duration) time.Duration {
	return time.Duration(float64(lease) * 0.875)
}

func rebindingTime(lease time.Duration) time.Duration {
	return time.Duration(float64(lease) * 0.5)
}
