package fscp

import "net/netip"

// Callbacks is the full set of user-registrable hooks a Server fires.
// Any field left nil uses the documented default behavior.
type Callbacks struct {
	// OnHello decides whether to respond to an incoming HELLO_REQUEST
	// from ep. Returning false drops the request silently.
	OnHello func(ep netip.AddrPort) bool

	// OnPresentation decides, on top of CA/CRL validation, whether to
	// accept a presented certificate from ep.
	OnPresentation func(ep netip.AddrPort, certDER []byte) bool

	// OnSessionRequest decides whether to accept a SESSION_REQUEST from
	// ep and may override the local capability lists used to pick the
	// common cipher suite/curve.
	OnSessionRequest func(ep netip.AddrPort) (accept bool, cipherSuites, curves []uint8)

	// OnSession decides whether to accept an incoming SESSION.
	OnSession func(ep netip.AddrPort, suite CipherSuite, curve Curve) bool

	OnEstablished     func(ep netip.AddrPort)
	OnLost            func(ep netip.AddrPort, err error)
	OnData            func(ep netip.AddrPort, channel uint8, payload []byte)
	OnContactRequest  func(ep netip.AddrPort, hashes [][32]byte)
	OnContact         func(ep netip.AddrPort, records []ContactRecord)
	OnNetworkError    func(ep netip.AddrPort, err error)
}
