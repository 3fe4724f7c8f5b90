package fscp

import "errors"

// Package-wide sentinel errors not tied to wire decoding (see packet.go
// for codec-specific errors).
var (
	// ErrSessionIndexExhausted is returned by SessionIndexAllocator.Next
	// when the session index counter has reached its maximum value. The
	// caller tears the session down rather than wrapping to 0.
	ErrSessionIndexExhausted = errors.New("fscp: session index exhausted")

	// ErrNoCommonCipherSuite indicates SESSION_REQUEST's cipher-suite list
	// has no member in common with the local capability set.
	ErrNoCommonCipherSuite = errors.New("fscp: no common cipher suite")

	// ErrNoCommonCurve indicates SESSION_REQUEST's curve list has no
	// member in common with the local capability set.
	ErrNoCommonCurve = errors.New("fscp: no common elliptic curve")

	// ErrNoPresentation indicates a SESSION_REQUEST or SESSION arrived for
	// a peer with no presentation on file.
	ErrNoPresentation = errors.New("fscp: no presentation for peer")

	// ErrCertificateNotTrusted indicates chain validation rejected a
	// presented certificate.
	ErrCertificateNotTrusted = errors.New("fscp: certificate not trusted")

	// ErrBannedEndpoint indicates the peer endpoint matches a configured
	// banned network and all inbound processing is refused.
	ErrBannedEndpoint = errors.New("fscp: endpoint is banned")

	// ErrUnknownSessionIndex indicates a DATA/CONTACT_REQUEST/CONTACT
	// message's session index does not match the installed session.
	ErrUnknownSessionIndex = errors.New("fscp: unknown session index")

	// ErrReplayed indicates a message's sequence number was rejected by
	// the replay window.
	ErrReplayed = errors.New("fscp: replayed sequence number")

	// ErrSessionNotEstablished indicates an operation requiring an
	// established session was attempted before one exists.
	ErrSessionNotEstablished = errors.New("fscp: session not established")

	// ErrUnsupportedCipherSuite and ErrUnsupportedCurve indicate a wire
	// value outside the enumerated sets this implementation supports.
	ErrUnsupportedCipherSuite = errors.New("fscp: unsupported cipher suite")
	ErrUnsupportedCurve       = errors.New("fscp: unsupported elliptic curve")
)
