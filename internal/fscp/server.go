package fscp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/freelan-go/freelan/internal/identity"
)

// Server multiplexes a single UDP socket across every peer endpoint this
// node talks to. One peer goroutine per remote endpoint; the server's own
// goroutine only reads datagrams and routes them to the owning Peer.
type Server struct {
	conn     *net.UDPConn
	logger   *slog.Logger
	identity *identity.Store
	cb       *Callbacks
	peerCfg  PeerConfig
	banned   []netip.Prefix

	mu    sync.RWMutex
	peers map[netip.AddrPort]*peerEntry

	peerWG sync.WaitGroup
}

type peerEntry struct {
	peer   *Peer
	cancel context.CancelFunc
}

// ServerOption configures optional Server parameters.
type ServerOption func(*Server)

// WithBannedNetworks rejects every inbound and outbound message to or from
// an endpoint whose address falls in one of these prefixes.
func WithBannedNetworks(prefixes []netip.Prefix) ServerOption {
	return func(s *Server) { s.banned = prefixes }
}

// WithPeerConfig sets the handshake parameters (cipher suites, curves,
// timers) applied to every peer the server creates.
func WithPeerConfig(cfg PeerConfig) ServerOption {
	return func(s *Server) { s.peerCfg = cfg }
}

// NewServer binds a UDP socket at laddr and returns a Server ready to
// Serve. id may be nil only in tests that never need PRESENTATION/SESSION
// exchanges.
func NewServer(laddr string, id *identity.Store, cb *Callbacks, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("fscp: resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("fscp: listen udp: %w", err)
	}

	s := &Server{
		conn:     conn,
		logger:   logger.With(slog.String("component", "fscp.server")),
		identity: id,
		cb:       cb,
		peers:    make(map[netip.AddrPort]*peerEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetCallbacks replaces the callback set used for peers created from now
// on. Used when the callback set needs a component (such as a Core) that
// can only be built after the Server itself exists; callers must call this
// before Serve starts handling datagrams, since peers already created keep
// the callbacks they were built with.
func (s *Server) SetCallbacks(cb *Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// LocalAddr returns the bound socket's address.
func (s *Server) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (s *Server) isBanned(ep netip.AddrPort) bool {
	for _, prefix := range s.banned {
		if prefix.Contains(ep.Addr()) {
			return true
		}
	}
	return false
}

// Serve reads datagrams until ctx is cancelled, dispatching each to its
// owning peer (creating one passively on first contact from an unknown
// endpoint, same as the original greeting behavior).
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	buf, _ := MessagePool.Get().(*[]byte)
	defer MessagePool.Put(buf)

	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(*buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				return fmt.Errorf("fscp: read udp: %w", err)
			}
			continue
		}
		s.dispatch(ctx, addr, (*buf)[:n])
	}
}

func (s *Server) dispatch(ctx context.Context, ep netip.AddrPort, datagram []byte) {
	if s.isBanned(ep) {
		s.logger.Debug("dropping datagram from banned endpoint", slog.String("endpoint", ep.String()))
		return
	}

	msg, _, err := Unmarshal(datagram)
	if err != nil {
		s.logger.Debug("dropping malformed datagram", slog.String("endpoint", ep.String()), slog.String("error", err.Error()))
		return
	}
	if msg.Header.Version != Version {
		s.logger.Debug("dropping datagram with unsupported version", slog.Uint64("version", uint64(msg.Header.Version)))
		return
	}

	// Copy the payload: msg.Payload aliases the pooled read buffer, which
	// the next Serve iteration will overwrite before the peer goroutine
	// gets around to processing this message.
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)

	peer := s.peerFor(ctx, ep)
	peer.Deliver(Raw{Header: msg.Header, Payload: payload})
}

// peerFor returns the Peer driving ep, creating and starting it if this is
// the first message seen from that endpoint.
func (s *Server) peerFor(ctx context.Context, ep netip.AddrPort) *Peer {
	s.mu.RLock()
	entry, ok := s.peers[ep]
	s.mu.RUnlock()
	if ok {
		return entry.peer
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.peers[ep]; ok {
		return entry.peer
	}

	peerCtx, cancel := context.WithCancel(ctx)
	peer := NewPeer(ep, s.identity, s.sendTo(ep), s.cb, s.logger, s.peerCfg)
	s.peers[ep] = &peerEntry{peer: peer, cancel: cancel}

	s.peerWG.Add(1)
	go func() {
		defer s.peerWG.Done()
		peer.Run(peerCtx)
		s.mu.Lock()
		delete(s.peers, ep)
		s.mu.Unlock()
	}()

	return peer
}

func (s *Server) sendTo(ep netip.AddrPort) sendFunc {
	return func(payload []byte) error {
		if s.isBanned(ep) {
			return ErrBannedEndpoint
		}
		_, err := s.conn.WriteToUDPAddrPort(payload, ep)
		return err
	}
}

// Greet starts (or restarts) the handshake toward ep, creating its Peer if
// this is the first contact.
func (s *Server) Greet(ctx context.Context, ep netip.AddrPort) {
	if s.isBanned(ep) {
		return
	}
	s.peerFor(ctx, ep).Greet()
}

// RequestSession asks an already-presented peer to establish or rekey a
// session.
func (s *Server) RequestSession(ctx context.Context, ep netip.AddrPort) {
	s.peerFor(ctx, ep).RequestSession()
}

// SendData transmits an encrypted application frame to an established
// peer on the given channel.
func (s *Server) SendData(ctx context.Context, ep netip.AddrPort, channel uint8, payload []byte) error {
	peer, ok := s.lookup(ep)
	if !ok {
		return ErrSessionNotEstablished
	}
	return peer.SendData(ctx, channel, payload)
}

// SendContactRequest asks an established peer to report back the
// endpoints it knows for the given certificate hashes.
func (s *Server) SendContactRequest(ctx context.Context, ep netip.AddrPort, hashes [][32]byte) error {
	peer, ok := s.lookup(ep)
	if !ok {
		return ErrSessionNotEstablished
	}
	return peer.SendContactRequest(ctx, hashes)
}

// SendContact answers a peer's CONTACT_REQUEST with the endpoints this
// node knows for the requested certificate hashes.
func (s *Server) SendContact(ctx context.Context, ep netip.AddrPort, records []ContactRecord) error {
	peer, ok := s.lookup(ep)
	if !ok {
		return ErrSessionNotEstablished
	}
	return peer.SendContact(ctx, records)
}

// SetPresentation pins a certificate for ep, bypassing CA validation for
// its future PRESENTATION messages.
func (s *Server) SetPresentation(ep netip.AddrPort, certDER []byte) {
	if s.identity != nil {
		s.identity.SetPresentation(ep.String(), certDER)
	}
}

// Peers returns a snapshot of every endpoint with a live Peer driver.
func (s *Server) Peers() []netip.AddrPort {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]netip.AddrPort, 0, len(s.peers))
	for ep := range s.peers {
		out = append(out, ep)
	}
	return out
}

func (s *Server) lookup(ep netip.AddrPort) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.peers[ep]
	if !ok {
		return nil, false
	}
	return entry.peer, true
}

// Close tears down every peer and closes the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, entry := range s.peers {
		entry.peer.Close()
		entry.cancel()
	}
	s.mu.Unlock()

	s.peerWG.Wait()
	return s.conn.Close()
}
