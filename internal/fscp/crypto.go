package fscp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// CipherSuite identifies the AEAD used to protect DATA, CONTACT_REQUEST
// and CONTACT payloads once a session is established.
type CipherSuite uint8

const (
	CipherSuiteEd25519ChaCha20Poly1305 CipherSuite = 0x00
	CipherSuiteECDSAP256AES256GCM      CipherSuite = 0x01
)

// Curve identifies the elliptic curve used for the session's ECDH step.
type Curve uint8

const (
	CurveX25519   Curve = 0x00
	CurveP256     Curve = 0x01
	CurveP384     Curve = 0x02
)

// DefaultCipherSuites and DefaultCurves are this node's preference lists
// when none are configured, ordered most to least preferred.
var (
	DefaultCipherSuites = []uint8{uint8(CipherSuiteEd25519ChaCha20Poly1305), uint8(CipherSuiteECDSAP256AES256GCM)}
	DefaultCurves       = []uint8{uint8(CurveX25519), uint8(CurveP256), uint8(CurveP384)}
)

// ecdhCurve maps a wire Curve byte to the stdlib crypto/ecdh curve.
func ecdhCurve(c Curve) (ecdh.Curve, error) {
	switch c {
	case CurveX25519:
		return ecdh.X25519(), nil
	case CurveP256:
		return ecdh.P256(), nil
	case CurveP384:
		return ecdh.P384(), nil
	default:
		return nil, fmt.Errorf("ecdh curve %d: %w", c, ErrUnsupportedCurve)
	}
}

// GenerateEphemeral creates a fresh ECDH keypair for the given curve.
func GenerateEphemeral(c Curve) (*ecdh.PrivateKey, error) {
	curve, err := ecdhCurve(c)
	if err != nil {
		return nil, err
	}
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return priv, nil
}

// ParsePublicKey decodes a peer's ephemeral public key for the given curve.
func ParsePublicKey(c Curve, raw []byte) (*ecdh.PublicKey, error) {
	curve, err := ecdhCurve(c)
	if err != nil {
		return nil, err
	}
	pub, err := curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	return pub, nil
}

// SessionKeys holds the two directional symmetric keys derived for a
// session: one for traffic from the session's initiator (the side that
// sent SESSION_REQUEST) to the responder ("A->B"), and the reverse. Which
// side is "A" is not decided by comparing session indices.
type SessionKeys struct {
	AtoB []byte
	BtoA []byte
}

// DeriveSessionKeys runs ECDH followed by HKDF-SHA256 to derive the two
// directional AEAD keys for a session, per the cipher suite's key size.
func DeriveSessionKeys(suite CipherSuite, local *ecdh.PrivateKey, remote *ecdh.PublicKey, sessionIndex uint32) (SessionKeys, error) {
	shared, err := local.ECDH(remote)
	if err != nil {
		return SessionKeys{}, fmt.Errorf("ecdh: %w", err)
	}

	keySize, err := aeadKeySize(suite)
	if err != nil {
		return SessionKeys{}, err
	}

	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], sessionIndex)
	info := append([]byte("FSCP session key"), idxBuf[:]...)

	kdf := hkdf.New(sha256.New, shared, nil, info)
	out := make([]byte, 2*keySize)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return SessionKeys{}, fmt.Errorf("hkdf expand: %w", err)
	}

	return SessionKeys{AtoB: out[:keySize], BtoA: out[keySize:]}, nil
}

func aeadKeySize(suite CipherSuite) (int, error) {
	switch suite {
	case CipherSuiteEd25519ChaCha20Poly1305:
		return chacha20poly1305.KeySize, nil
	case CipherSuiteECDSAP256AES256GCM:
		return 32, nil // AES-256
	default:
		return 0, fmt.Errorf("cipher suite %d: %w", suite, ErrUnsupportedCipherSuite)
	}
}

// NewAEAD builds the cipher.AEAD for a cipher suite and key.
func NewAEAD(suite CipherSuite, key []byte) (cipher.AEAD, error) {
	switch suite {
	case CipherSuiteEd25519ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case CipherSuiteECDSAP256AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("cipher suite %d: %w", suite, ErrUnsupportedCipherSuite)
	}
}

// SequenceNonce expands a 32-bit sequence number into an AEAD's nonce by
// zero-extending it to the left, matching how the wire DataHeader's
// sequence number doubles as the nonce source.
func SequenceNonce(aead cipher.AEAD, seq uint32) []byte {
	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], seq)
	return nonce
}

// PickCommon picks the first entry of local that also appears in remote,
// scanning local in its preference order (receiver-order tie-break, per
// FSCP's session-negotiation rule).
func PickCommon(local, remote []uint8) (uint8, bool) {
	set := make(map[uint8]struct{}, len(remote))
	for _, v := range remote {
		set[v] = struct{}{}
	}
	for _, v := range local {
		if _, ok := set[v]; ok {
			return v, true
		}
	}
	return 0, false
}
