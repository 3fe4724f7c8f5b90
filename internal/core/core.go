// Package core wires an FSCP server to a local TAP/TUN adapter through a
// layer-2 Switch or layer-3 Router, runs the ARP/DHCP proxies in TAP mode,
// and drives the static and dynamic contact loops. It is the single owner
// of every port; nothing it wires holds a back-reference to it.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/freelan-go/freelan/internal/arpproxy"
	"github.com/freelan-go/freelan/internal/codec"
	"github.com/freelan-go/freelan/internal/dhcpproxy"
	"github.com/freelan-go/freelan/internal/identity"
	freelanmetrics "github.com/freelan-go/freelan/internal/metrics"
	"github.com/freelan-go/freelan/internal/router"
	"github.com/freelan-go/freelan/internal/switchboard"

	"github.com/freelan-go/freelan/internal/fscp"
)

// tapPortID names the single local adapter port in the Switch/Router port
// registry; every other port ID is a peer endpoint's AddrPort string.
const tapPortID = "tap0"

// dataChannel is the reserved FSCP channel carrying tunnel frames.
const dataChannel = 0

// device is the subset of netio.Device the Core needs. Kept as an
// interface so tests can drive Core without opening a real kernel device.
type device interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

// Mode selects whether the Core runs a layer-2 Switch over a TAP adapter
// or a layer-3 Router over a TUN adapter.
type Mode uint8

const (
	ModeTAP Mode = iota
	ModeTUN
)

// Contact is one statically configured peer the contact loop greets every
// CONTACT_PERIOD. Endpoint may be a hostname:port; it is resolved lazily.
type Contact struct {
	Endpoint string
	Group    int
}

// Config assembles everything Core needs to wire the session protocol to
// the local adapter.
type Config struct {
	Mode Mode

	Server *fscp.Server
	Device device

	ARPProxy  *arpproxy.Proxy  // optional, TAP mode only
	DHCPProxy *dhcpproxy.Proxy // optional, TAP mode only

	Metrics *freelanmetrics.Collector

	Contacts             []Contact
	NeverContact         []netip.Prefix
	DynamicContactHashes [][32]byte
	ContactPeriod        time.Duration
	DynamicContactPeriod time.Duration

	Logger *slog.Logger
}

// Core owns one FSCP server, one local adapter, and the Switch or Router
// that bridges them.
type Core struct {
	mode    Mode
	server  *fscp.Server
	device  device
	sw      *switchboard.Switch
	rt      *router.Router
	arp     *arpproxy.Proxy
	dhcp    *dhcpproxy.Proxy
	metrics *freelanmetrics.Collector
	logger  *slog.Logger

	contacts             []Contact
	neverContact         []netip.Prefix
	dynamicHashes        [][32]byte
	contactPeriod        time.Duration
	dynamicContactPeriod time.Duration

	nextAutoGroup atomic.Int64

	mu       sync.Mutex
	peers    map[string]netip.AddrPort // port ID -> endpoint
	resolved map[string]netip.AddrPort // contact endpoint -> last resolved address
	certHash map[string][32]byte       // port ID -> sha256(peer certificate DER)
}

// New builds a Core from cfg. The caller must still construct its
// Switch or Router (using SwitchWriter/RouterWriter as the Write callback)
// and attach it with AttachSwitch/AttachRouter before calling Run — the
// Switch/Router's own Write callback needs a live Core to call back into,
// so the two can't be built in one step.
func New(cfg Config) (*Core, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Core{
		mode:                 cfg.Mode,
		server:               cfg.Server,
		device:               cfg.Device,
		arp:                  cfg.ARPProxy,
		dhcp:                 cfg.DHCPProxy,
		metrics:              cfg.Metrics,
		logger:               logger,
		contacts:             cfg.Contacts,
		neverContact:         cfg.NeverContact,
		dynamicHashes:        cfg.DynamicContactHashes,
		contactPeriod:        cfg.ContactPeriod,
		dynamicContactPeriod: cfg.DynamicContactPeriod,
		peers:                make(map[string]netip.AddrPort),
		resolved:             make(map[string]netip.AddrPort),
		certHash:             make(map[string][32]byte),
	}
	c.nextAutoGroup.Store(1 << 20) // keep auto-assigned peer groups out of the way of configured ones

	return c, nil
}

// SwitchWriter returns the Write callback a TAP-mode switchboard.Config
// must use.
func (c *Core) SwitchWriter() func(switchboard.Port, []byte) error {
	return c.writeSwitchPort
}

// RouterWriter returns the Write callback a TUN-mode router.Config must
// use.
func (c *Core) RouterWriter() func(router.Port, []byte) error {
	return c.writeRouterPort
}

// AttachSwitch finishes TAP-mode wiring: registers the local adapter port
// and makes sw the target of all forwarding decisions.
func (c *Core) AttachSwitch(sw *switchboard.Switch) {
	c.sw = sw
	c.sw.AddPort(switchboard.Port{ID: tapPortID, Kind: switchboard.PortTapAdapter})
}

// AttachRouter finishes TUN-mode wiring: registers the local adapter port
// and makes rt the target of all forwarding decisions.
func (c *Core) AttachRouter(rt *router.Router, localRoutes []netip.Prefix) {
	c.rt = rt
	c.rt.AddPort(router.Port{ID: tapPortID, Kind: router.PortTUNAdapter}, localRoutes)
}

// Callbacks returns the FSCP server callback set Core drives the Switch/
// Router and proxies from. The caller installs it with
// fscp.Server.SetCallbacks.
func (c *Core) Callbacks() *fscp.Callbacks {
	return &fscp.Callbacks{
		OnPresentation:   c.onPresentation,
		OnEstablished:    c.onEstablished,
		OnLost:           c.onLost,
		OnData:           c.onData,
		OnContactRequest: c.onContactRequest,
		OnContact:        c.onContact,
	}
}

// onPresentation records the hash of every peer's certificate as soon as
// it presents, so a later CONTACT_REQUEST can be answered even if the
// requester asks before the handshake with that peer fully establishes.
// Validation already happened in the peer driver before this fires;
// always accept.
func (c *Core) onPresentation(ep netip.AddrPort, certDER []byte) bool {
	c.mu.Lock()
	c.certHash[ep.String()] = identity.HashCertificate(certDER)
	c.mu.Unlock()
	return true
}

func (c *Core) isBanned(addr netip.Addr) bool {
	for _, p := range c.neverContact {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (c *Core) onEstablished(ep netip.AddrPort) {
	if c.isBanned(ep.Addr()) {
		return
	}

	group := c.groupFor(ep)
	id := ep.String()

	c.mu.Lock()
	c.peers[id] = ep
	c.mu.Unlock()

	if c.mode == ModeTAP {
		c.sw.AddPort(switchboard.Port{ID: id, Kind: switchboard.PortPeer, Group: group})
	} else {
		c.rt.AddPort(router.Port{ID: id, Kind: router.PortPeer, Group: group}, nil)
	}

	if c.metrics != nil {
		c.metrics.RegisterSession(ep.Addr(), c.server.LocalAddr().Addr())
	}
	c.logger.Info("peer session established", slog.String("peer", id), slog.Int("group", group))
}

func (c *Core) onLost(ep netip.AddrPort, err error) {
	id := ep.String()

	c.mu.Lock()
	delete(c.peers, id)
	delete(c.certHash, id)
	c.mu.Unlock()

	if c.mode == ModeTAP {
		c.sw.RemovePort(id)
	} else {
		c.rt.RemovePort(id)
	}

	if c.metrics != nil {
		c.metrics.UnregisterSession(ep.Addr(), c.server.LocalAddr().Addr())
	}

	logAttrs := []any{slog.String("peer", id)}
	if err != nil {
		logAttrs = append(logAttrs, slog.String("error", err.Error()))
	}
	c.logger.Info("peer session lost", logAttrs...)
}

func (c *Core) onData(ep netip.AddrPort, channel uint8, payload []byte) {
	if channel != dataChannel {
		return
	}

	id := ep.String()
	if c.metrics != nil {
		c.metrics.IncDataReceived(ep.Addr(), c.server.LocalAddr().Addr())
	}

	if c.mode == ModeTAP {
		f, err := codec.DecodeEthernet(payload)
		if err != nil {
			return
		}
		c.sw.Handle(switchboard.Port{ID: id, Kind: switchboard.PortPeer, Group: c.groupFor(ep)}, f.SourceMAC(), f.DestinationMAC(), payload)
		return
	}

	dstIP, ok := destinationIP(payload)
	if !ok {
		return
	}
	c.rt.Handle(router.Port{ID: id, Kind: router.PortPeer, Group: c.groupFor(ep)}, dstIP, payload)
}

// onContactRequest answers a peer's request for the endpoints of other
// peers it knows by certificate hash, matched against every endpoint this
// node has itself seen a PRESENTATION from (whether or not a session with
// that endpoint is currently established).
func (c *Core) onContactRequest(ep netip.AddrPort, hashes [][32]byte) {
	if c.isBanned(ep.Addr()) {
		return
	}

	records := c.matchContactHashes(hashes)
	if len(records) == 0 {
		return
	}

	if err := c.server.SendContact(context.Background(), ep, records); err != nil {
		c.logger.Warn("send contact reply", slog.String("peer", ep.String()), slog.String("error", err.Error()))
	}
}

func (c *Core) matchContactHashes(hashes [][32]byte) []fscp.ContactRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	var records []fscp.ContactRecord
	for id, known := range c.certHash {
		for _, want := range hashes {
			if known != want {
				continue
			}
			target, err := netip.ParseAddrPort(id)
			if err != nil {
				break
			}
			records = append(records, contactRecordFor(known, target))
			break
		}
	}
	return records
}

func contactRecordFor(hash [32]byte, ep netip.AddrPort) fscp.ContactRecord {
	addr := ep.Addr().Unmap()
	family := uint8(6)
	if addr.Is4() {
		family = 4
	}
	return fscp.ContactRecord{
		Hash:   hash,
		Family: family,
		Addr:   addr.AsSlice(),
		Port:   ep.Port(),
	}
}

func (c *Core) onContact(ep netip.AddrPort, records []fscp.ContactRecord) {
	for _, r := range records {
		addr, ok := netip.AddrFromSlice(r.Addr)
		if !ok {
			continue
		}
		target := netip.AddrPortFrom(addr.Unmap(), r.Port)
		if c.isBanned(target.Addr()) {
			continue
		}
		c.server.Greet(context.Background(), target)
	}
}

// groupFor returns the port group assigned to ep: the configured contact
// group if ep matches a static contact's last-resolved address, otherwise
// a freshly minted group unique to this peer so isolation stays opt-in.
func (c *Core) groupFor(ep netip.AddrPort) int {
	c.mu.Lock()
	for _, contact := range c.contacts {
		if resolved, ok := c.resolved[contact.Endpoint]; ok && resolved == ep {
			c.mu.Unlock()
			return contact.Group
		}
	}
	c.mu.Unlock()
	return int(c.nextAutoGroup.Add(1))
}

// writeSwitchPort implements switchboard.Config.Write.
func (c *Core) writeSwitchPort(port switchboard.Port, frame []byte) error {
	if port.Kind == switchboard.PortTapAdapter {
		_, err := c.device.Write(frame)
		return err
	}
	return c.sendToPeer(port.ID, frame)
}

// writeRouterPort implements router.Config.Write.
func (c *Core) writeRouterPort(port router.Port, packet []byte) error {
	if port.Kind == router.PortTUNAdapter {
		_, err := c.device.Write(packet)
		return err
	}
	return c.sendToPeer(port.ID, packet)
}

func (c *Core) sendToPeer(portID string, payload []byte) error {
	c.mu.Lock()
	ep, ok := c.peers[portID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("core: no live peer for port %s", portID)
	}

	if err := c.server.SendData(context.Background(), ep, dataChannel, payload); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.IncDataSent(ep.Addr(), c.server.LocalAddr().Addr())
	}
	return nil
}

func destinationIP(packet []byte) (netip.Addr, bool) {
	f, err := codec.DecodeIP(packet)
	if err != nil {
		return netip.Addr{}, false
	}
	return f.DestinationIP()
}

// Run starts the adapter read loop and the contact timers. It blocks
// until ctx is cancelled or a component fails.
func (c *Core) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.adapterLoop(gctx) })
	g.Go(func() error { return c.contactLoop(gctx) })
	if c.dynamicContactPeriod > 0 {
		g.Go(func() error { return c.dynamicContactLoop(gctx) })
	}

	return g.Wait()
}

func (c *Core) adapterLoop(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := c.device.Read(buf)
		if err != nil {
			return fmt.Errorf("core: adapter read: %w", err)
		}
		frame := append([]byte(nil), buf[:n]...)

		if c.mode == ModeTAP {
			c.handleTAPFrame(frame)
		} else {
			c.handleTUNPacket(frame)
		}
	}
}

func (c *Core) handleTAPFrame(frame []byte) {
	if c.arp != nil {
		if reply, consumed := c.arp.Handle(frame); consumed {
			if _, err := c.device.Write(reply); err != nil {
				c.logger.Warn("write ARP reply", slog.String("error", err.Error()))
			} else if c.metrics != nil {
				c.metrics.ARPRepliesSent.Inc()
			}
			return
		}
	}

	if c.dhcp != nil {
		if reply, consumed := c.handleDHCPFrame(frame); consumed {
			if reply != nil {
				if _, err := c.device.Write(reply); err != nil {
					c.logger.Warn("write DHCP reply", slog.String("error", err.Error()))
				}
				if c.metrics != nil {
					c.metrics.DHCPRepliesSent.Inc()
				}
			}
			return
		}
	}

	f, err := codec.DecodeEthernet(frame)
	if err != nil {
		return
	}
	c.sw.Handle(switchboard.Port{ID: tapPortID, Kind: switchboard.PortTapAdapter}, f.SourceMAC(), f.DestinationMAC(), frame)
}

func (c *Core) handleTUNPacket(packet []byte) {
	dst, ok := destinationIP(packet)
	if !ok {
		return
	}
	c.rt.Handle(router.Port{ID: tapPortID, Kind: router.PortTUNAdapter}, dst, packet)
}

func (c *Core) contactLoop(ctx context.Context) error {
	period := c.contactPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	c.sweepContacts(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweepContacts(ctx)
		}
	}
}

func (c *Core) sweepContacts(ctx context.Context) {
	for _, contact := range c.contacts {
		ep, err := c.resolveContact(contact)
		if err != nil {
			c.logger.Warn("resolve contact", slog.String("endpoint", contact.Endpoint), slog.String("error", err.Error()))
			continue
		}
		if c.isBanned(ep.Addr()) {
			continue
		}
		c.server.Greet(ctx, ep)
	}
}

// resolveContact resolves a "host:port" contact endpoint, caching the last
// successful resolution so a transient DNS failure doesn't drop the peer.
func (c *Core) resolveContact(contact Contact) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(contact.Endpoint)
	if err != nil {
		return netip.AddrPort{}, err
	}

	if ap, err := netip.ParseAddrPort(contact.Endpoint); err == nil {
		c.cacheResolved(contact.Endpoint, ap)
		return ap, nil
	}

	addrs, err := net.DefaultResolver.LookupHost(context.Background(), host)
	if err != nil || len(addrs) == 0 {
		c.mu.Lock()
		cached, ok := c.resolved[contact.Endpoint]
		c.mu.Unlock()
		if ok {
			return cached, nil
		}
		if err == nil {
			err = fmt.Errorf("core: no addresses for %s", host)
		}
		return netip.AddrPort{}, err
	}

	addr, err := netip.ParseAddr(addrs[0])
	if err != nil {
		return netip.AddrPort{}, err
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return netip.AddrPort{}, err
	}

	ap := netip.AddrPortFrom(addr, port)
	c.cacheResolved(contact.Endpoint, ap)
	return ap, nil
}

func (c *Core) cacheResolved(endpoint string, ap netip.AddrPort) {
	c.mu.Lock()
	c.resolved[endpoint] = ap
	c.mu.Unlock()
}

func (c *Core) dynamicContactLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.dynamicContactPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if len(c.dynamicHashes) == 0 {
				continue
			}
			for _, ep := range c.server.Peers() {
				if err := c.server.SendContactRequest(ctx, ep, c.dynamicHashes); err != nil {
					c.logger.Warn("send contact request", slog.String("peer", ep.String()), slog.String("error", err.Error()))
				}
			}
		}
	}
}
