package fscp

import (
	"context"
	"crypto/cipher"
	"crypto/ecdh"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freelan-go/freelan/internal/identity"
)

// sendFunc transmits a fully framed FSCP message to this peer's endpoint.
// Supplied by the server, which owns the shared UDP socket.
type sendFunc func(payload []byte) error

// Peer drives one remote endpoint's FSCP handshake and session lifecycle.
// One goroutine (Run) owns all mutable state below the atomic fields;
// every other method either hands work to that goroutine through recvCh
// and cmdCh or reads only the atomic snapshot fields.
type Peer struct {
	endpoint netip.AddrPort
	logger   *slog.Logger
	identity *identity.Store
	send     sendFunc
	cb       *Callbacks

	cipherSuites       []uint8
	curves             []uint8
	helloTimeout       time.Duration
	idleTimeout        time.Duration
	sessionMaxLifetime time.Duration
	sessionMaxBytes    uint64

	state atomic.Uint32 // fscp.State

	recvCh  chan Raw
	cmdCh   chan func()
	closeCh chan struct{}
	once    sync.Once

	// Fields below are touched only inside Run's goroutine.
	requestID      uint32
	wantsSession   bool
	isInitiator    bool
	remoteCertDER  []byte
	localEphemeral *ecdh.PrivateKey
	localCurve     Curve
	localIdx       SessionIndexAllocator
	remoteIdx      uint32
	keys           SessionKeys
	txAEAD         cipher.AEAD
	rxAEAD         cipher.AEAD
	txSeq          uint32
	replay         ReplayWindow
	txBytes        uint64
	violations     int

	// prev* retain the session material a rekey just replaced, so a DATA
	// frame already in flight under the old keys still decrypts during
	// RekeyGraceWindow instead of being dropped as an unknown session.
	prevRxAEAD         cipher.AEAD
	prevRemoteIdx      uint32
	prevReplay         *ReplayWindow
	rekeyGraceDeadline time.Time
}

// PeerConfig groups the construction-time, effectively-immutable settings
// a Peer needs beyond its endpoint and identity store.
type PeerConfig struct {
	CipherSuites []uint8
	Curves       []uint8
	HelloTimeout time.Duration
	IdleTimeout  time.Duration
	// SessionMaxLifetime bounds how long an established session goes
	// without a rekey before the side that initiated it (via Greet)
	// starts a new SESSION_REQUEST on its own.
	SessionMaxLifetime time.Duration
	// SessionMaxBytes is the other rekey trigger: once this many bytes
	// have been sent under one session's keys, the initiating side
	// rekeys regardless of how much of SessionMaxLifetime has elapsed.
	SessionMaxBytes uint64
}

// NewPeer creates a peer driver in StateUnknown. Call Run in its own
// goroutine, then Greet to start the handshake.
func NewPeer(endpoint netip.AddrPort, id *identity.Store, send sendFunc, cb *Callbacks, logger *slog.Logger, cfg PeerConfig) *Peer {
	if cfg.CipherSuites == nil {
		cfg.CipherSuites = DefaultCipherSuites
	}
	if cfg.Curves == nil {
		cfg.Curves = DefaultCurves
	}
	if cfg.HelloTimeout == 0 {
		cfg.HelloTimeout = DefaultHelloTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SessionMaxLifetime == 0 {
		cfg.SessionMaxLifetime = DefaultSessionMaxLifetime
	}
	if cfg.SessionMaxBytes == 0 {
		cfg.SessionMaxBytes = DefaultSessionMaxBytes
	}
	p := &Peer{
		endpoint:           endpoint,
		logger:             logger.With(slog.String("peer", endpoint.String())),
		identity:           id,
		send:               send,
		cb:                 cb,
		cipherSuites:       cfg.CipherSuites,
		curves:             cfg.Curves,
		helloTimeout:       cfg.HelloTimeout,
		idleTimeout:        cfg.IdleTimeout,
		sessionMaxLifetime: cfg.SessionMaxLifetime,
		sessionMaxBytes:    cfg.SessionMaxBytes,
		recvCh:             make(chan Raw, 32),
		cmdCh:              make(chan func(), 8),
		closeCh:            make(chan struct{}),
	}
	p.state.Store(uint32(StateUnknown))
	return p
}

// State returns the peer's current handshake/session state.
func (p *Peer) State() State { return State(p.state.Load()) }

// Endpoint returns the remote address this peer drives.
func (p *Peer) Endpoint() netip.AddrPort { return p.endpoint }

// Deliver hands an inbound message to the peer's goroutine. Non-blocking:
// a full queue drops the message, matching how a slow peer should not
// stall the server's dispatch loop.
func (p *Peer) Deliver(msg Raw) {
	select {
	case p.recvCh <- msg:
	default:
		p.logger.Debug("recv queue full, dropping message", slog.String("type", msg.Header.Type.String()))
	}
}

// Greet sends a HELLO_REQUEST and arms the hello timer, starting the
// handshake. A no-op if the peer has already moved past StateUnknown.
// Marks this side as the one that should request a session once the
// peer presents, so a plain HELLO reciprocation (see handleHelloRequest)
// never races both ends into sending SESSION_REQUEST at once.
func (p *Peer) Greet() {
	p.enqueue(func() {
		p.wantsSession = true
		p.doGreet()
	})
}

// RequestSession starts a SESSION_REQUEST exchange, either as the initial
// handshake step after PRESENTATION or to rekey an established session.
func (p *Peer) RequestSession() {
	p.enqueue(func() { p.doRequestSession() })
}

// SendData encrypts and transmits an application frame on the given
// channel (0..7). Returns ErrSessionNotEstablished if no session exists.
func (p *Peer) SendData(ctx context.Context, channel uint8, payload []byte) error {
	return p.runEncryptedSend(ctx, func() error { return p.doSendData(channel, payload) })
}

// SendContactRequest encrypts and transmits the certificate hashes this
// peer should report CONTACT records for.
func (p *Peer) SendContactRequest(ctx context.Context, hashes [][32]byte) error {
	return p.runEncryptedSend(ctx, func() error {
		buf, _ := MessagePool.Get().(*[]byte)
		defer MessagePool.Put(buf)
		n, err := MarshalContactHashes(hashes, *buf)
		if err != nil {
			return err
		}
		return p.doSendEncrypted(TypeContactRequest, (*buf)[:n])
	})
}

// SendContact encrypts and transmits the contact records answering a peer's
// CONTACT_REQUEST.
func (p *Peer) SendContact(ctx context.Context, records []ContactRecord) error {
	return p.runEncryptedSend(ctx, func() error {
		buf, _ := MessagePool.Get().(*[]byte)
		defer MessagePool.Put(buf)
		n, err := MarshalContactRecords(records, *buf)
		if err != nil {
			return err
		}
		return p.doSendEncrypted(TypeContact, (*buf)[:n])
	})
}

func (p *Peer) runEncryptedSend(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case p.cmdCh <- func() { errCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closeCh:
		return ErrSessionNotEstablished
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closeCh:
		return ErrSessionNotEstablished
	}
}

// Close tears the peer down and stops its goroutine.
func (p *Peer) Close() {
	p.once.Do(func() { close(p.closeCh) })
}

func (p *Peer) enqueue(fn func()) {
	select {
	case p.cmdCh <- fn:
	case <-p.closeCh:
	}
}

// Run is the peer's event loop. It blocks until ctx is cancelled or Close
// is called.
func (p *Peer) Run(ctx context.Context) {
	helloTimer := time.NewTimer(time.Hour)
	helloTimer.Stop()
	defer helloTimer.Stop()

	sessionTimer := time.NewTimer(time.Hour)
	sessionTimer.Stop()
	defer sessionTimer.Stop()

	rekeyTimer := time.NewTimer(time.Hour)
	rekeyTimer.Stop()
	defer rekeyTimer.Stop()

	idleTimer := time.NewTimer(p.idleTimeout)
	defer idleTimer.Stop()

	p.logger.Info("peer started")

	for {
		select {
		case <-ctx.Done():
			p.transition(EventTeardown)
			return

		case <-p.closeCh:
			p.transition(EventTeardown)
			return

		case msg := <-p.recvCh:
			idleTimer.Reset(p.idleTimeout)
			p.handleMessage(msg, helloTimer, sessionTimer, rekeyTimer)

		case fn := <-p.cmdCh:
			fn()

		case <-helloTimer.C:
			p.logger.Debug("hello timeout, re-greeting")
			p.doGreet()

		case <-sessionTimer.C:
			p.logger.Warn("session timed out awaiting SESSION reply")
			p.transition(EventIdleTimeout)

		case <-rekeyTimer.C:
			if p.wantsSession && p.State() == StateSessionEstablished {
				p.logger.Debug("session lifetime elapsed, requesting rekey")
				p.doRequestSession()
			}

		case <-idleTimer.C:
			p.logger.Info("peer idle timeout")
			p.transition(EventIdleTimeout)
			return
		}
	}
}

func (p *Peer) handleMessage(msg Raw, helloTimer, sessionTimer, rekeyTimer *time.Timer) {
	switch msg.Header.Type {
	case TypeHelloRequest:
		p.handleHelloRequest(msg.Payload)
	case TypeHelloResponse:
		helloTimer.Stop()
		p.handleHelloResponse(msg.Payload)
	case TypePresentation:
		p.handlePresentation(msg.Payload)
	case TypeSessionRequest:
		p.handleSessionRequest(msg.Payload, rekeyTimer)
	case TypeSession:
		sessionTimer.Stop()
		p.handleSession(msg.Payload, rekeyTimer)
	case TypeContactRequest:
		p.handleContactRequest(msg.Payload)
	case TypeContact:
		p.handleContact(msg.Payload)
	case TypeKeepalive:
		// no state effect; arrival alone resets the idle timer above.
	default:
		if ch, ok := msg.Header.Type.IsData(); ok {
			p.handleDataMessage(ch, msg.Payload)
		}
	}
}

func (p *Peer) doGreet() {
	if p.State() != StateUnknown {
		return
	}
	p.requestID++
	buf, _ := MessagePool.Get().(*[]byte)
	defer MessagePool.Put(buf)
	payloadLen, err := MarshalHello(HelloPayload{RequestID: p.requestID}, (*buf)[HeaderSize:])
	if err != nil {
		p.logger.Error("marshal hello", slog.String("error", err.Error()))
		return
	}
	p.frameAndSend(TypeHelloRequest, (*buf)[HeaderSize:HeaderSize+payloadLen], *buf)
	p.transition(EventSendHello)
}

func (p *Peer) handleHelloRequest(payload []byte) {
	hello, err := UnmarshalHello(payload)
	if err != nil {
		p.recordViolation("malformed hello request")
		return
	}
	p.recordValid()
	if p.cb != nil && p.cb.OnHello != nil && !p.cb.OnHello(p.endpoint) {
		return
	}
	buf, _ := MessagePool.Get().(*[]byte)
	defer MessagePool.Put(buf)
	n, err := MarshalHello(hello, (*buf)[HeaderSize:])
	if err != nil {
		return
	}
	p.frameAndSend(TypeHelloResponse, (*buf)[HeaderSize:HeaderSize+n], *buf)

	// A greeting from a still-unknown endpoint starts our own greet back:
	// FSCP's handshake only reaches Presented once both sides have sent
	// their own HELLO_REQUEST, so a purely passive responder would
	// otherwise never leave StateUnknown and could never accept the
	// PRESENTATION that follows.
	if p.State() == StateUnknown {
		p.doGreet()
	}
}

func (p *Peer) handleHelloResponse(_ []byte) {
	result := Apply(p.State(), EventRecvHelloResponse)
	p.applyResult(result)
	p.sendPresentation()
}

func (p *Peer) sendPresentation() {
	if p.identity == nil {
		return
	}
	certDER := p.identity.CertificateDER()
	buf, _ := MessagePool.Get().(*[]byte)
	defer MessagePool.Put(buf)
	n, err := MarshalPresentation(PresentationPayload{CertDER: certDER}, (*buf)[HeaderSize:])
	if err != nil {
		p.logger.Error("marshal presentation", slog.String("error", err.Error()))
		return
	}
	p.frameAndSend(TypePresentation, (*buf)[HeaderSize:HeaderSize+n], *buf)
}

func (p *Peer) handlePresentation(payload []byte) {
	pres := UnmarshalPresentation(payload)
	if p.identity != nil {
		if err := p.identity.Validate(p.endpoint.String(), pres.CertDER); err != nil {
			p.logger.Warn("presented certificate rejected", slog.String("error", err.Error()))
			p.transition(EventFatalAuthFailure)
			return
		}
	}
	if p.cb != nil && p.cb.OnPresentation != nil && !p.cb.OnPresentation(p.endpoint, pres.CertDER) {
		return
	}
	p.remoteCertDER = pres.CertDER
	p.recordValid()
	result := Apply(p.State(), EventRecvValidPresentation)
	p.applyResult(result)

	if p.wantsSession && p.State() == StatePresented {
		p.doRequestSession()
	}
}

func (p *Peer) doRequestSession() {
	state := p.State()
	if state != StatePresented && state != StateSessionEstablished {
		return
	}
	curve := Curve(p.curves[0])
	ephemeral, err := GenerateEphemeral(curve)
	if err != nil {
		p.logger.Error("generate ephemeral key", slog.String("error", err.Error()))
		return
	}
	p.localEphemeral = ephemeral
	p.localCurve = curve
	p.isInitiator = true

	sigData := ephemeral.PublicKey().Bytes()
	var sig []byte
	if p.identity != nil {
		sig, err = p.identity.Sign(sigData)
		if err != nil {
			p.logger.Error("sign session request", slog.String("error", err.Error()))
			return
		}
	}

	buf, _ := MessagePool.Get().(*[]byte)
	defer MessagePool.Put(buf)
	n, err := MarshalSessionRequest(SessionRequestPayload{
		CipherSuites:   p.cipherSuites,
		EllipticCurves: p.curves,
		PublicKey:      sigData,
		Signature:      sig,
	}, (*buf)[HeaderSize:])
	if err != nil {
		p.logger.Error("marshal session request", slog.String("error", err.Error()))
		return
	}
	p.frameAndSend(TypeSessionRequest, (*buf)[HeaderSize:HeaderSize+n], *buf)

	event := EventSendSessionRequest
	p.applyResult(Apply(state, event))
}

func (p *Peer) handleSessionRequest(payload []byte, rekeyTimer *time.Timer) {
	req, err := UnmarshalSessionRequest(payload)
	if err != nil {
		p.recordViolation("malformed session request")
		return
	}
	rekeying := p.State() == StateSessionEstablished
	if p.State() != StatePresented && !rekeying {
		return
	}
	if p.identity != nil && p.remoteCertDER != nil {
		if err := identity.Verify(p.remoteCertDER, req.PublicKey, req.Signature); err != nil {
			p.recordViolation("bad session request signature")
			return
		}
	}

	suites, curves := p.cipherSuites, p.curves
	if p.cb != nil && p.cb.OnSessionRequest != nil {
		accept, csOverride, curveOverride := p.cb.OnSessionRequest(p.endpoint)
		if !accept {
			return
		}
		if csOverride != nil {
			suites = csOverride
		}
		if curveOverride != nil {
			curves = curveOverride
		}
	}

	suite, ok := PickCommon(suites, req.CipherSuites)
	if !ok {
		p.logger.Warn("no common cipher suite", slog.Any("remote", req.CipherSuites))
		return
	}
	curveByte, ok := PickCommon(curves, req.EllipticCurves)
	if !ok {
		p.logger.Warn("no common curve", slog.Any("remote", req.EllipticCurves))
		return
	}
	curve := Curve(curveByte)

	remotePub, err := ParsePublicKey(curve, req.PublicKey)
	if err != nil {
		p.recordViolation("malformed session request public key")
		return
	}

	ephemeral, err := GenerateEphemeral(curve)
	if err != nil {
		p.logger.Error("generate ephemeral key", slog.String("error", err.Error()))
		return
	}
	idx, err := p.localIdx.Next()
	if err != nil {
		p.logger.Error("allocate session index", slog.String("error", err.Error()))
		p.transition(EventIdleTimeout)
		return
	}
	p.localEphemeral = ephemeral
	p.localCurve = curve
	p.isInitiator = false

	var sig []byte
	if p.identity != nil {
		sig, err = p.identity.Sign(ephemeral.PublicKey().Bytes())
		if err != nil {
			p.logger.Error("sign session", slog.String("error", err.Error()))
			return
		}
	}

	// Derive and install our half of the session now: we already hold both
	// ephemeral keys needed for the ECDH, and we never receive a SESSION
	// message of our own to trigger handleSession.
	keys, err := DeriveSessionKeys(CipherSuite(suite), ephemeral, remotePub, idx)
	if err != nil {
		p.logger.Error("derive session keys", slog.String("error", err.Error()))
		return
	}
	txAEAD, rxAEAD, err := p.pickDirectionalAEAD(CipherSuite(suite), keys)
	if err != nil {
		p.logger.Error("build aead", slog.String("error", err.Error()))
		return
	}

	buf, _ := MessagePool.Get().(*[]byte)
	defer MessagePool.Put(buf)
	n, err := MarshalSession(SessionPayload{
		SessionIndex:  idx,
		CipherSuite:   suite,
		EllipticCurve: curveByte,
		PublicKey:     ephemeral.PublicKey().Bytes(),
		Signature:     sig,
	}, (*buf)[HeaderSize:])
	if err != nil {
		p.logger.Error("marshal session", slog.String("error", err.Error()))
		return
	}
	p.frameAndSend(TypeSession, (*buf)[HeaderSize:HeaderSize+n], *buf)

	if rekeying {
		p.saveGraceKeys()
	}
	p.keys = keys
	p.txAEAD = txAEAD
	p.rxAEAD = rxAEAD
	p.remoteIdx = idx
	p.txSeq = 0
	p.txBytes = 0
	p.replay = ReplayWindow{}
	p.recordValid()

	event := EventRecvValidSession
	if rekeying {
		event = EventRecvRekeySession
	}
	p.applyResult(Apply(p.State(), event))
	rekeyTimer.Reset(p.sessionMaxLifetime)
}

func (p *Peer) handleSession(payload []byte, rekeyTimer *time.Timer) {
	sp, err := UnmarshalSession(payload)
	if err != nil {
		p.recordViolation("malformed session reply")
		return
	}
	state := p.State()
	if state != StateSessionRequested && state != StateSessionEstablished {
		return
	}
	if p.localEphemeral == nil {
		return
	}
	if !p.localIdx.Accept(sp.SessionIndex) {
		p.recordViolation("non-increasing session index")
		return
	}

	curve := Curve(sp.EllipticCurve)
	remotePub, err := ParsePublicKey(curve, sp.PublicKey)
	if err != nil {
		p.recordViolation("malformed session reply public key")
		return
	}
	if p.identity != nil && p.remoteCertDER != nil {
		if err := identity.Verify(p.remoteCertDER, sp.PublicKey, sp.Signature); err != nil {
			p.recordViolation("bad session reply signature")
			return
		}
	}
	if p.cb != nil && p.cb.OnSession != nil && !p.cb.OnSession(p.endpoint, CipherSuite(sp.CipherSuite), curve) {
		return
	}

	keys, err := DeriveSessionKeys(CipherSuite(sp.CipherSuite), p.localEphemeral, remotePub, sp.SessionIndex)
	if err != nil {
		p.logger.Error("derive session keys", slog.String("error", err.Error()))
		return
	}
	txAEAD, rxAEAD, err := p.pickDirectionalAEAD(CipherSuite(sp.CipherSuite), keys)
	if err != nil {
		p.logger.Error("build aead", slog.String("error", err.Error()))
		return
	}

	if state == StateSessionEstablished {
		p.saveGraceKeys()
	}
	p.keys = keys
	p.txAEAD = txAEAD
	p.rxAEAD = rxAEAD
	p.remoteIdx = sp.SessionIndex
	p.txSeq = 0
	p.txBytes = 0
	p.replay = ReplayWindow{}
	p.recordValid()

	event := EventRecvValidSession
	if state == StateSessionEstablished {
		event = EventRecvRekeySession
	}
	p.applyResult(Apply(state, event))
	rekeyTimer.Reset(p.sessionMaxLifetime)
}

// saveGraceKeys retains the session material a rekey is about to replace,
// so a DATA frame already in flight under the old keys still decrypts for
// RekeyGraceWindow instead of being dropped as an unknown session index.
func (p *Peer) saveGraceKeys() {
	if p.rxAEAD == nil {
		return
	}
	p.prevRxAEAD = p.rxAEAD
	p.prevRemoteIdx = p.remoteIdx
	p.prevReplay = p.replay.clone()
	p.rekeyGraceDeadline = time.Now().Add(RekeyGraceWindow)
}

// recordViolation counts a dropped malformed, bad-signature or replayed
// message. Three in a row with no valid message in between tear the
// session down via the same Close path an operator-driven shutdown uses.
func (p *Peer) recordViolation(reason string) {
	p.violations++
	p.logger.Debug("dropping message after protocol violation",
		slog.String("reason", reason), slog.Int("count", p.violations))
	if p.violations >= 3 {
		p.logger.Warn("peer exceeded consecutive violation threshold, tearing down")
		p.Close()
	}
}

// recordValid resets the consecutive violation count on any successfully
// processed inbound message.
func (p *Peer) recordValid() {
	p.violations = 0
}

func (p *Peer) pickDirectionalAEAD(suite CipherSuite, keys SessionKeys) (tx, rx cipher.AEAD, err error) {
	var txKey, rxKey []byte
	if p.isInitiator {
		txKey, rxKey = keys.AtoB, keys.BtoA
	} else {
		txKey, rxKey = keys.BtoA, keys.AtoB
	}
	tx, err = NewAEAD(suite, txKey)
	if err != nil {
		return nil, nil, err
	}
	rx, err = NewAEAD(suite, rxKey)
	if err != nil {
		return nil, nil, err
	}
	return tx, rx, nil
}

func (p *Peer) doSendData(channel uint8, payload []byte) error {
	return p.doSendEncrypted(DataType(channel), payload)
}

// doSendEncrypted wraps plaintext in a DataHeader, seals it under the
// session's outbound AEAD key and transmits it as message type t. Shared
// by DATA, CONTACT_REQUEST and CONTACT, which all use the same framing.
func (p *Peer) doSendEncrypted(t Type, payload []byte) error {
	if p.State() != StateSessionEstablished || p.txAEAD == nil {
		return ErrSessionNotEstablished
	}
	p.txSeq++
	nonce := SequenceNonce(p.txAEAD, p.txSeq)
	sealed := p.txAEAD.Seal(nil, nonce, payload, nil)

	buf, _ := MessagePool.Get().(*[]byte)
	defer MessagePool.Put(buf)
	hdrLen, err := MarshalDataHeader(DataHeader{SessionIndex: p.remoteIdx, SequenceNumber: p.txSeq}, (*buf)[HeaderSize:])
	if err != nil {
		return err
	}
	off := HeaderSize + hdrLen
	if off+len(sealed) > len(*buf) {
		return ErrPayloadTooLong
	}
	copy((*buf)[off:], sealed)
	p.frameAndSend(t, (*buf)[HeaderSize:off+len(sealed)], *buf)

	p.txBytes += uint64(len(payload))
	if p.wantsSession && p.txBytes >= p.sessionMaxBytes {
		p.logger.Debug("session byte budget exhausted, requesting rekey")
		p.doRequestSession()
	}
	return nil
}

func (p *Peer) handleDataMessage(channel uint8, payload []byte) {
	plain, ok := p.decryptFramed(payload)
	if !ok {
		return
	}
	if p.cb != nil && p.cb.OnData != nil {
		p.cb.OnData(p.endpoint, channel, plain)
	}
}

func (p *Peer) handleContactRequest(payload []byte) {
	plain, ok := p.decryptFramed(payload)
	if !ok {
		return
	}
	hashes, err := UnmarshalContactHashes(plain)
	if err != nil {
		p.logger.Debug("malformed contact request", slog.String("error", err.Error()))
		return
	}
	if p.cb != nil && p.cb.OnContactRequest != nil {
		p.cb.OnContactRequest(p.endpoint, hashes)
	}
}

func (p *Peer) handleContact(payload []byte) {
	plain, ok := p.decryptFramed(payload)
	if !ok {
		return
	}
	records, err := UnmarshalContactRecords(plain)
	if err != nil {
		p.logger.Debug("malformed contact", slog.String("error", err.Error()))
		return
	}
	if p.cb != nil && p.cb.OnContact != nil {
		p.cb.OnContact(p.endpoint, records)
	}
}

// decryptFramed validates the session index and replay window of an
// inbound DATA/CONTACT_REQUEST/CONTACT message, then opens it. A message
// matching the session just replaced by a rekey still opens against the
// retained prev* keys until rekeyGraceDeadline passes.
func (p *Peer) decryptFramed(payload []byte) ([]byte, bool) {
	if p.State() != StateSessionEstablished || p.rxAEAD == nil {
		return nil, false
	}
	hdr, body, err := UnmarshalDataHeader(payload)
	if err != nil {
		p.recordViolation("malformed data header")
		return nil, false
	}

	switch hdr.SessionIndex {
	case p.remoteIdx:
		if !p.replay.Accept(hdr.SequenceNumber) {
			p.recordViolation("replayed sequence number")
			return nil, false
		}
		nonce := SequenceNonce(p.rxAEAD, hdr.SequenceNumber)
		plain, err := p.rxAEAD.Open(nil, nonce, body, nil)
		if err != nil {
			p.recordViolation("aead open failed")
			return nil, false
		}
		p.recordValid()
		return plain, true

	case p.prevRemoteIdx:
		if p.prevRxAEAD == nil || time.Now().After(p.rekeyGraceDeadline) {
			p.recordViolation("unknown session index")
			return nil, false
		}
		if !p.prevReplay.Accept(hdr.SequenceNumber) {
			p.recordViolation("replayed sequence number")
			return nil, false
		}
		nonce := SequenceNonce(p.prevRxAEAD, hdr.SequenceNumber)
		plain, err := p.prevRxAEAD.Open(nil, nonce, body, nil)
		if err != nil {
			p.recordViolation("aead open failed")
			return nil, false
		}
		p.recordValid()
		return plain, true

	default:
		p.recordViolation("unknown session index")
		return nil, false
	}
}

func (p *Peer) frameAndSend(t Type, payload []byte, scratch []byte) {
	n, err := Marshal(t, payload, scratch)
	if err != nil {
		p.logger.Error("marshal message", slog.String("type", t.String()), slog.String("error", err.Error()))
		return
	}
	if err := p.send(scratch[:n]); err != nil {
		p.logger.Warn("send failed", slog.String("type", t.String()), slog.String("error", err.Error()))
		if p.cb != nil && p.cb.OnNetworkError != nil {
			p.cb.OnNetworkError(p.endpoint, err)
		}
	}
}

func (p *Peer) transition(event Event) {
	p.applyResult(Apply(p.State(), event))
}

func (p *Peer) applyResult(result Result) {
	if !result.Changed && len(result.Actions) == 0 {
		return
	}
	p.state.Store(uint32(result.NewState))
	if result.Changed {
		p.logger.Debug("state transition", slog.String("from", result.OldState.String()), slog.String("to", result.NewState.String()))
	}
	for _, action := range result.Actions {
		p.executeAction(action)
	}
}

func (p *Peer) executeAction(action Action) {
	switch action {
	case ActionNotifyEstablished:
		if p.cb != nil && p.cb.OnEstablished != nil {
			p.cb.OnEstablished(p.endpoint)
		}
	case ActionNotifyLost:
		if p.cb != nil && p.cb.OnLost != nil {
			p.cb.OnLost(p.endpoint, fmt.Errorf("fscp: session lost"))
		}
	case ActionCancelTimers, ActionArmHelloTimer, ActionArmSessionTimer, ActionSendPresentation, ActionInstallSessionKeys:
		// timer arming is driven directly by the goroutine loop (doGreet,
		// doRequestSession) and key installation already happened in
		// handleSession; these actions exist for the FSM's own bookkeeping
		// and observers reading Result.Actions, not for further dispatch here.
	}
}
