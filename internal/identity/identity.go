// Package identity holds this node's signature keypair and certificate,
// and the CA bundle/CRL policy used to validate peers' PRESENTATION
// certificates.
package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// RevocationPolicy controls how aggressively a presented certificate's
// revocation status is checked.
type RevocationPolicy uint8

const (
	// RevocationNone skips CRL checking entirely; only the chain of
	// trust to a CA in the bundle is verified.
	RevocationNone RevocationPolicy = iota
	// RevocationLast checks only the leaf certificate against its
	// issuer's CRL.
	RevocationLast
	// RevocationAll checks every certificate in the chain against its
	// issuer's CRL.
	RevocationAll
)

var (
	ErrNoPrivateKey       = errors.New("identity: certificate has no matching private key")
	ErrUnsupportedKeyType = errors.New("identity: unsupported private key type")
	ErrChainNotTrusted    = errors.New("identity: certificate chain not trusted")
	ErrRevoked            = errors.New("identity: certificate is revoked")
	ErrBadSignature       = errors.New("identity: signature verification failed")
)

// Store bundles this node's own certificate/key plus the peer-validation
// material (CA pool, CRLs, revocation policy).
type Store struct {
	cert       *x509.Certificate
	certDER    []byte
	signer     crypto.Signer
	caPool     *x509.CertPool
	crls       []*x509.RevocationList
	revocation RevocationPolicy

	// pinned holds per-endpoint certificates installed via SetPresentation,
	// bypassing CA validation for that specific peer.
	pinned map[string][]byte
}

// Load builds a Store from PEM-encoded certificate and PKCS#8 private key
// bytes, an optional CA bundle (concatenated PEM certificates) and zero or
// more CRL bundles (each either concatenated PEM "X509 CRL" blocks or a
// single raw DER-encoded list).
func Load(certPEM, keyPEM, caBundlePEM []byte, crlBundles [][]byte, revocation RevocationPolicy) (*Store, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("identity: no PEM block found in certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("identity: no PEM block found in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("identity: key type %T: %w", key, ErrUnsupportedKeyType)
	}
	switch signer.(type) {
	case *ecdsa.PrivateKey, ed25519.PrivateKey:
	default:
		return nil, fmt.Errorf("identity: key type %T: %w", key, ErrUnsupportedKeyType)
	}

	pool := x509.NewCertPool()
	if len(caBundlePEM) > 0 {
		if !pool.AppendCertsFromPEM(caBundlePEM) {
			return nil, errors.New("identity: no certificates found in CA bundle")
		}
	}

	var crls []*x509.RevocationList
	for _, bundle := range crlBundles {
		parsed, err := parseCRLBundle(bundle)
		if err != nil {
			return nil, err
		}
		crls = append(crls, parsed...)
	}

	return &Store{
		cert:       cert,
		certDER:    certBlock.Bytes,
		signer:     signer,
		caPool:     pool,
		crls:       crls,
		revocation: revocation,
		pinned:     make(map[string][]byte),
	}, nil
}

// parseCRLBundle decodes one CRL file's contents, which may be one or more
// concatenated PEM "X509 CRL" blocks or a single raw DER-encoded list.
func parseCRLBundle(data []byte) ([]*x509.RevocationList, error) {
	var out []*x509.RevocationList
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("identity: parse crl pem block: %w", err)
		}
		out = append(out, crl)
	}
	if len(out) == 0 && len(data) > 0 {
		crl, err := x509.ParseRevocationList(data)
		if err != nil {
			return nil, fmt.Errorf("identity: parse crl: %w", err)
		}
		out = append(out, crl)
	}
	return out, nil
}

// CertificateDER returns this node's own certificate in DER form, for
// embedding into an outgoing PRESENTATION message.
func (s *Store) CertificateDER() []byte { return s.certDER }

// Sign produces a signature over data using this node's private key.
// Ed25519 signs data directly (its own hashing is internal to the
// algorithm and crypto/ed25519 rejects a pre-hashed digest under
// crypto.SHA256); every other supported key type signs a SHA-256 digest.
func (s *Store) Sign(data []byte) ([]byte, error) {
	if _, ok := s.signer.(ed25519.PrivateKey); ok {
		sig, err := s.signer.Sign(rand.Reader, data, crypto.Hash(0))
		if err != nil {
			return nil, fmt.Errorf("identity: sign: %w", err)
		}
		return sig, nil
	}
	h := sha256.Sum256(data)
	sig, err := s.signer.Sign(rand.Reader, h[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return sig, nil
}

// SetPresentation pins a certificate for an endpoint key, bypassing CA
// validation for future PRESENTATION messages from that endpoint.
func (s *Store) SetPresentation(endpointKey string, certDER []byte) {
	s.pinned[endpointKey] = certDER
}

// Validate checks a peer's presented certificate: pinned certificates
// are accepted unconditionally (matched by exact DER bytes); otherwise
// the chain is verified against the CA pool and, per policy, against the
// CRL set.
func (s *Store) Validate(endpointKey string, certDER []byte) error {
	if pinned, ok := s.pinned[endpointKey]; ok {
		if subtle.ConstantTimeCompare(pinned, certDER) == 1 {
			return nil
		}
		return ErrChainNotTrusted
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("identity: parse presented certificate: %w", err)
	}

	if s.revocation != RevocationNone {
		if err := s.checkRevocation(cert); err != nil {
			return err
		}
	}

	if s.caPool == nil || len(s.caPool.Subjects()) == 0 { //nolint:staticcheck // Subjects is deprecated but pool emptiness check is still valid
		// No CA bundle configured: trust is established purely by
		// per-endpoint pinning (SetPresentation), already checked above.
		return ErrChainNotTrusted
	}

	opts := x509.VerifyOptions{Roots: s.caPool}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %w", ErrChainNotTrusted, err)
	}
	return nil
}

func (s *Store) checkRevocation(cert *x509.Certificate) error {
	lists := s.crls
	if s.revocation == RevocationLast && len(lists) > 1 {
		lists = lists[len(lists)-1:]
	}
	for _, crl := range lists {
		for _, rc := range crl.RevokedCertificateEntries {
			if rc.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return ErrRevoked
			}
		}
	}
	return nil
}

// Verify checks sig over data against the public key embedded in certDER,
// the signing counterpart of Sign. Used to authenticate a peer's
// SESSION_REQUEST/SESSION payload against the certificate it presented.
// Mirrors Sign's per-key-type hashing: Ed25519 verifies data directly,
// every other supported key type verifies a SHA-256 digest of it.
func Verify(certDER, data, sig []byte) error {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("identity: parse certificate for verify: %w", err)
	}
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		h := sha256.Sum256(data)
		if !ecdsa.VerifyASN1(pub, h[:], sig) {
			return ErrBadSignature
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, data, sig) {
			return ErrBadSignature
		}
		return nil
	default:
		return fmt.Errorf("identity: unsupported public key type %T", pub)
	}
}

// HashCertificate returns the SHA-256 hash used to identify a certificate
// in CONTACT_REQUEST/CONTACT exchanges.
func HashCertificate(certDER []byte) [32]byte {
	return sha256.Sum256(certDER)
}
