// Package fscp implements the FreeLAN Secure Channel Protocol: the
// per-peer handshake/session state machine, the wire message codec, and
// the UDP server that multiplexes one socket across many peers.
package fscp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Version is the FSCP protocol version carried in every message header.
const Version uint8 = 2

// HeaderSize is the fixed message header: version(1) + type(1) + length(2).
const HeaderSize = 4

// MaxMessageSize bounds a single FSCP datagram (UDP payload, no IP/UDP
// headers). Large enough for a PRESENTATION carrying a multi-KB chain
// certificate plus the 4-byte header.
const MaxMessageSize = 4096

// Type identifies an FSCP message (header byte 1).
type Type uint8

const (
	TypeHelloRequest    Type = 0x00
	TypeHelloResponse   Type = 0x01
	TypePresentation    Type = 0x02
	TypeSessionRequest  Type = 0x03
	TypeSession         Type = 0x04
	TypeDataChannelBase Type = 0x70 // channels 0..7 occupy 0x70..0x77
	TypeContactRequest  Type = 0x78
	TypeContact         Type = 0x79
	TypeKeepalive       Type = 0x7F
)

// IsData reports whether t is one of the eight DATA channel types and
// returns the channel number.
func (t Type) IsData() (channel uint8, ok bool) {
	if t >= TypeDataChannelBase && t < TypeDataChannelBase+8 {
		return uint8(t - TypeDataChannelBase), true
	}
	return 0, false
}

// DataType returns the message type for the given channel (0..7).
func DataType(channel uint8) Type {
	return TypeDataChannelBase + Type(channel)
}

func (t Type) String() string {
	if ch, ok := t.IsData(); ok {
		return fmt.Sprintf("DATA(channel=%d)", ch)
	}
	switch t {
	case TypeHelloRequest:
		return "HELLO_REQUEST"
	case TypeHelloResponse:
		return "HELLO_RESPONSE"
	case TypePresentation:
		return "PRESENTATION"
	case TypeSessionRequest:
		return "SESSION_REQUEST"
	case TypeSession:
		return "SESSION"
	case TypeContactRequest:
		return "CONTACT_REQUEST"
	case TypeContact:
		return "CONTACT"
	case TypeKeepalive:
		return "KEEPALIVE"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// Sentinel errors for message decoding failures. Unknown types and
// version mismatches are not errors from Unmarshal's perspective — the
// caller (the server's dispatch loop) decides whether to drop silently
// or log, per the message's own disposition rules.
var (
	ErrMessageTooShort   = errors.New("fscp: message shorter than header")
	ErrLengthMismatch    = errors.New("fscp: header length does not match payload")
	ErrBufTooSmall       = errors.New("fscp: destination buffer too small")
	ErrPayloadTooLong    = errors.New("fscp: payload exceeds maximum message size")
	ErrTruncatedList     = errors.New("fscp: truncated cipher/curve list")
	ErrTruncatedKey      = errors.New("fscp: truncated public key")
	ErrTruncatedContact  = errors.New("fscp: truncated contact record")
	ErrUnsupportedFamily = errors.New("fscp: unsupported address family byte")
)

// Header is the decoded 4-byte message prefix.
type Header struct {
	Version Version_
	Type    Type
	Length  uint16
}

// Version_ avoids colliding with the package-level Version constant while
// keeping the header field named the way the wire format names it.
type Version_ = uint8

// Raw is a fully decoded message: its header plus the unparsed payload
// slice (a view into the caller's buffer — callers needing the bytes to
// outlive the buffer's return to Pool must copy).
type Raw struct {
	Header  Header
	Payload []byte
}

// Unmarshal reads one message's header and payload from the front of buf.
// Returns the decoded message and the number of bytes consumed. Multiple
// messages may be coalesced in one datagram only if the caller chooses to
// loop; the FSCP server sends exactly one message per UDP datagram, but
// Unmarshal does not assume that.
func Unmarshal(buf []byte) (Raw, int, error) {
	if len(buf) < HeaderSize {
		return Raw{}, 0, fmt.Errorf("unmarshal fscp message: %w", ErrMessageTooShort)
	}

	h := Header{
		Version: buf[0],
		Type:    Type(buf[1]),
		Length:  binary.BigEndian.Uint16(buf[2:4]),
	}

	total := HeaderSize + int(h.Length)
	if total > len(buf) {
		return Raw{}, 0, fmt.Errorf("unmarshal fscp message: need %d bytes, have %d: %w",
			total, len(buf), ErrLengthMismatch)
	}

	return Raw{Header: h, Payload: buf[HeaderSize:total]}, total, nil
}

// Marshal writes a message header plus payload into buf and returns the
// number of bytes written.
func Marshal(t Type, payload []byte, buf []byte) (int, error) {
	total := HeaderSize + len(payload)
	if len(payload) > MaxMessageSize {
		return 0, fmt.Errorf("marshal fscp message: %w", ErrPayloadTooLong)
	}
	if len(buf) < total {
		return 0, fmt.Errorf("marshal fscp message: need %d bytes, have %d: %w",
			total, len(buf), ErrBufTooSmall)
	}

	buf[0] = Version
	buf[1] = uint8(t)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[HeaderSize:total], payload)

	return total, nil
}

// --- Per-type payloads -----------------------------------------------

// HelloPayload is the body of both HELLO_REQUEST and HELLO_RESPONSE.
type HelloPayload struct {
	RequestID uint32
}

func MarshalHello(p HelloPayload, buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrBufTooSmall
	}
	binary.BigEndian.PutUint32(buf[:4], p.RequestID)
	return 4, nil
}

func UnmarshalHello(buf []byte) (HelloPayload, error) {
	if len(buf) < 4 {
		return HelloPayload{}, ErrMessageTooShort
	}
	return HelloPayload{RequestID: binary.BigEndian.Uint32(buf[:4])}, nil
}

// PresentationPayload carries the sender's DER-encoded certificate.
type PresentationPayload struct {
	CertDER []byte
}

func MarshalPresentation(p PresentationPayload, buf []byte) (int, error) {
	if len(buf) < len(p.CertDER) {
		return 0, ErrBufTooSmall
	}
	n := copy(buf, p.CertDER)
	return n, nil
}

func UnmarshalPresentation(buf []byte) PresentationPayload {
	return PresentationPayload{CertDER: buf}
}

// SessionRequestPayload carries the requester's ordered cipher-suite and
// elliptic-curve preference lists plus its ephemeral public key, so the
// responder can derive the shared secret and install its own session keys
// without waiting on a further round trip. The signature, if present,
// covers the ephemeral public key and is verified by the peer state
// machine, not the codec.
type SessionRequestPayload struct {
	CipherSuites   []uint8
	EllipticCurves []uint8
	PublicKey      []byte
	Signature      []byte
}

func MarshalSessionRequest(p SessionRequestPayload, buf []byte) (int, error) {
	need := 2 + len(p.CipherSuites) + 2 + len(p.EllipticCurves) + 2 + len(p.PublicKey) + len(p.Signature)
	if len(buf) < need {
		return 0, ErrBufTooSmall
	}
	off := 0
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(p.CipherSuites)))
	off += 2
	off += copy(buf[off:], p.CipherSuites)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(p.EllipticCurves)))
	off += 2
	off += copy(buf[off:], p.EllipticCurves)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(p.PublicKey)))
	off += 2
	off += copy(buf[off:], p.PublicKey)
	off += copy(buf[off:], p.Signature)
	return off, nil
}

func UnmarshalSessionRequest(buf []byte) (SessionRequestPayload, error) {
	if len(buf) < 2 {
		return SessionRequestPayload{}, ErrTruncatedList
	}
	csCount := int(binary.BigEndian.Uint16(buf[0:2]))
	off := 2
	if off+csCount > len(buf) {
		return SessionRequestPayload{}, ErrTruncatedList
	}
	cs := buf[off : off+csCount]
	off += csCount

	if off+2 > len(buf) {
		return SessionRequestPayload{}, ErrTruncatedList
	}
	ecCount := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+ecCount > len(buf) {
		return SessionRequestPayload{}, ErrTruncatedList
	}
	ec := buf[off : off+ecCount]
	off += ecCount

	if off+2 > len(buf) {
		return SessionRequestPayload{}, ErrTruncatedList
	}
	klen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+klen > len(buf) {
		return SessionRequestPayload{}, ErrTruncatedKey
	}
	pub := buf[off : off+klen]
	off += klen

	return SessionRequestPayload{
		CipherSuites:   cs,
		EllipticCurves: ec,
		PublicKey:      pub,
		Signature:      buf[off:],
	}, nil
}

// SessionPayload is the accepting side's answer to SESSION_REQUEST: the
// chosen suite/curve, the session index it will use going forward, and
// its ephemeral public key.
type SessionPayload struct {
	SessionIndex  uint32
	CipherSuite   uint8
	EllipticCurve uint8
	PublicKey     []byte
	Signature     []byte
}

func MarshalSession(p SessionPayload, buf []byte) (int, error) {
	need := 4 + 1 + 1 + 2 + len(p.PublicKey) + len(p.Signature)
	if len(buf) < need {
		return 0, ErrBufTooSmall
	}
	off := 0
	binary.BigEndian.PutUint32(buf[off:off+4], p.SessionIndex)
	off += 4
	buf[off] = p.CipherSuite
	off++
	buf[off] = p.EllipticCurve
	off++
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(p.PublicKey)))
	off += 2
	off += copy(buf[off:], p.PublicKey)
	off += copy(buf[off:], p.Signature)
	return off, nil
}

func UnmarshalSession(buf []byte) (SessionPayload, error) {
	if len(buf) < 8 {
		return SessionPayload{}, ErrMessageTooShort
	}
	p := SessionPayload{
		SessionIndex:  binary.BigEndian.Uint32(buf[0:4]),
		CipherSuite:   buf[4],
		EllipticCurve: buf[5],
	}
	klen := int(binary.BigEndian.Uint16(buf[6:8]))
	off := 8
	if off+klen > len(buf) {
		return SessionPayload{}, ErrTruncatedKey
	}
	p.PublicKey = buf[off : off+klen]
	off += klen
	p.Signature = buf[off:]
	return p, nil
}

// DataHeader prefixes every DATA, CONTACT_REQUEST and CONTACT payload:
// the session index it was encrypted under, and the sequence number used
// to derive the AEAD nonce and to drive the replay window.
type DataHeader struct {
	SessionIndex   uint32
	SequenceNumber uint32
}

const DataHeaderSize = 8

func MarshalDataHeader(h DataHeader, buf []byte) (int, error) {
	if len(buf) < DataHeaderSize {
		return 0, ErrBufTooSmall
	}
	binary.BigEndian.PutUint32(buf[0:4], h.SessionIndex)
	binary.BigEndian.PutUint32(buf[4:8], h.SequenceNumber)
	return DataHeaderSize, nil
}

func UnmarshalDataHeader(buf []byte) (DataHeader, []byte, error) {
	if len(buf) < DataHeaderSize {
		return DataHeader{}, nil, ErrMessageTooShort
	}
	return DataHeader{
		SessionIndex:   binary.BigEndian.Uint32(buf[0:4]),
		SequenceNumber: binary.BigEndian.Uint32(buf[4:8]),
	}, buf[DataHeaderSize:], nil
}

// ContactRecord is one entry of a decrypted CONTACT payload: a
// certificate hash and the endpoint at which the sender last observed
// it. Family follows the same byte convention as net package address
// families: 4 for IPv4 (4-byte addr), 6 for IPv6 (16-byte addr).
type ContactRecord struct {
	Hash     [32]byte
	Family   uint8
	Addr     []byte
	Port     uint16
}

func contactRecordSize(family uint8) (int, error) {
	switch family {
	case 4:
		return 32 + 1 + 4 + 2, nil
	case 6:
		return 32 + 1 + 16 + 2, nil
	default:
		return 0, ErrUnsupportedFamily
	}
}

func contactAddrLen(family uint8) int {
	if family == 4 {
		return 4
	}
	return 16
}

// MarshalContactHashes encodes the plaintext of a CONTACT_REQUEST payload
// (before AEAD sealing): a count followed by 32-byte hashes.
func MarshalContactHashes(hashes [][32]byte, buf []byte) (int, error) {
	need := 2 + 32*len(hashes)
	if len(buf) < need {
		return 0, ErrBufTooSmall
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(hashes)))
	off := 2
	for _, h := range hashes {
		off += copy(buf[off:], h[:])
	}
	return off, nil
}

func UnmarshalContactHashes(buf []byte) ([][32]byte, error) {
	if len(buf) < 2 {
		return nil, ErrTruncatedList
	}
	count := int(binary.BigEndian.Uint16(buf[0:2]))
	off := 2
	out := make([][32]byte, 0, count)
	for range count {
		if off+32 > len(buf) {
			return nil, ErrTruncatedList
		}
		var h [32]byte
		copy(h[:], buf[off:off+32])
		out = append(out, h)
		off += 32
	}
	return out, nil
}

// MarshalContactRecords encodes the plaintext of a CONTACT payload
// (before AEAD sealing): a sequence of ContactRecord entries.
func MarshalContactRecords(recs []ContactRecord, buf []byte) (int, error) {
	off := 0
	for _, r := range recs {
		size, err := contactRecordSize(r.Family)
		if err != nil {
			return 0, err
		}
		if len(r.Addr) != contactAddrLen(r.Family) {
			return 0, ErrUnsupportedFamily
		}
		if off+size > len(buf) {
			return 0, ErrBufTooSmall
		}
		copy(buf[off:off+32], r.Hash[:])
		buf[off+32] = r.Family
		addrEnd := off + 33 + len(r.Addr)
		copy(buf[off+33:addrEnd], r.Addr)
		binary.BigEndian.PutUint16(buf[addrEnd:off+size], r.Port)
		off += size
	}
	return off, nil
}

func UnmarshalContactRecords(buf []byte) ([]ContactRecord, error) {
	var out []ContactRecord
	off := 0
	for off < len(buf) {
		if off+33 > len(buf) {
			return nil, ErrTruncatedContact
		}
		var r ContactRecord
		copy(r.Hash[:], buf[off:off+32])
		r.Family = buf[off+32]
		size, err := contactRecordSize(r.Family)
		if err != nil {
			return nil, err
		}
		if off+size > len(buf) {
			return nil, ErrTruncatedContact
		}
		addrLen := size - 33 - 2
		r.Addr = buf[off+33 : off+33+addrLen]
		r.Port = binary.BigEndian.Uint16(buf[off+size-2 : off+size])
		out = append(out, r)
		off += size
	}
	return out, nil
}

// MessagePool provides reusable MaxMessageSize buffers for FSCP I/O,
// mirroring the per-packet sync.Pool pattern used for control-plane
// buffers elsewhere in this codebase.
var MessagePool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxMessageSize)
		return &buf
	},
}
