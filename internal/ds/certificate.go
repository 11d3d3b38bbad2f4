package ds

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
)

const probeTimeout = 10 * time.Second

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// TrustAnchor is the controller certificate every later HTTPS and WSS
// connection is pinned to. It is created once and never mutated.
type TrustAnchor struct {
	PEM         string
	Fingerprint string // normalized lower-case hex SHA-256 of the DER bytes
	Certificate *x509.Certificate
}

// NewTrustAnchor builds an anchor from a parsed certificate.
func NewTrustAnchor(cert *x509.Certificate) *TrustAnchor {
	// pem.EncodeToMemory wraps the base64 body at 64 columns.
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	return &TrustAnchor{
		PEM:         string(block),
		Fingerprint: Fingerprint(cert.Raw),
		Certificate: cert,
	}
}

// TLSConfig returns a client TLS config that accepts exactly the anchored
// certificate. Chain and hostname checks are replaced by the pin: the
// controller ships a self-signed certificate that rarely matches its address.
func (a *TrustAnchor) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, //nolint:gosec // verified in VerifyConnection
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return fmt.Errorf("%w: no peer certificate", ErrCertificateMismatch)
			}
			if got := Fingerprint(cs.PeerCertificates[0].Raw); got != a.Fingerprint {
				return fmt.Errorf("%w: pinned %s, got %s", ErrCertificateMismatch, a.Fingerprint, got)
			}
			return nil
		},
	}
}

// Fingerprint returns the lower-case hex SHA-256 digest of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint strips whitespace and colons and lower-cases s.
// The result must be exactly 64 hex digits.
func NormalizeFingerprint(s string) (string, error) {
	normalized := strings.Map(func(r rune) rune {
		if r == ':' || unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)

	if !fingerprintPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: want 64 hex digits, got %q", ErrInvalidFingerprintFormat, s)
	}
	return normalized, nil
}

// ValidateCertificate fetches the controller's leaf certificate from
// host:port and compares its fingerprint with expected.
// On mismatch no anchor is returned and the caller must stop.
func ValidateCertificate(ctx context.Context, host string, port int, expected string) (*TrustAnchor, error) {
	want, err := NormalizeFingerprint(expected)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	cert, err := fetchCertificate(ctx, addr)
	if err != nil {
		return nil, err
	}

	got := Fingerprint(cert.Raw)
	if got != want {
		return nil, fmt.Errorf("%w: expected %s, controller at %s presented %s",
			ErrCertificateMismatch, want, addr, got)
	}

	log.Info().
		Str("addr", addr).
		Str("subject", cert.Subject.String()).
		Time("not_after", cert.NotAfter).
		Msg("Controller certificate validated")

	return NewTrustAnchor(cert), nil
}

// ProbeFingerprint returns the fingerprint of the certificate presented at
// host:port without deciding anything about trust.
func ProbeFingerprint(ctx context.Context, host string, port int) (string, error) {
	cert, err := fetchCertificate(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "", err
	}
	return Fingerprint(cert.Raw), nil
}

// fetchCertificate opens a bare TLS connection only to read the leaf.
func fetchCertificate(ctx context.Context, addr string) (*x509.Certificate, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: probeTimeout},
		Config: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // probe, trust is decided by the fingerprint
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateUnavailable, err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%w: %s presented no certificate", ErrCertificateUnavailable, addr)
	}
	return state.PeerCertificates[0], nil
}
