// Package certs manages the compile server's keypair and self-signed
// certificate, and produces the detached signatures placed beside artifacts
// handed to unprivileged clients.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jav/stapserve/internal/logutil"
)

const (
	certFileName = "stap.cert"
	keyFileName  = "stap.key"
)

var (
	ErrCertExpired = errors.New("certificate has expired or is not yet valid")
	ErrNoKeypair   = errors.New("missing certificate or key file")
)

// Manager owns the keypair stored in a certificate directory.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager creates a manager over dir. The directory is created on demand.
func NewManager(dir string, logger *slog.Logger) *Manager {
	return &Manager{dir: dir, logger: logutil.NoopIfNil(logger)}
}

// CertPath returns the PEM certificate path inside the managed directory.
func (m *Manager) CertPath() string { return filepath.Join(m.dir, certFileName) }

// KeyPath returns the PEM key path inside the managed directory.
func (m *Manager) KeyPath() string { return filepath.Join(m.dir, keyFileName) }

// Load returns the stored keypair, or ErrNoKeypair when absent and
// ErrCertExpired when present but no longer valid.
func (m *Manager) Load() (cryptotls.Certificate, error) {
	for _, p := range []string{m.CertPath(), m.KeyPath()} {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return cryptotls.Certificate{}, ErrNoKeypair
			}
			return cryptotls.Certificate{}, fmt.Errorf("failed to stat %s: %w", p, err)
		}
	}
	cert, err := cryptotls.LoadX509KeyPair(m.CertPath(), m.KeyPath())
	if err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("failed to load keypair: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("failed to parse certificate: %w", err)
	}
	cert.Leaf = leaf
	if err := CheckValidity(leaf); err != nil {
		return cryptotls.Certificate{}, err
	}
	return cert, nil
}

// LoadOrGenerate returns a valid keypair, generating a fresh self-signed one
// when the stored pair is absent or expired.
func (m *Manager) LoadOrGenerate(hostname string) (cryptotls.Certificate, error) {
	cert, err := m.Load()
	if err == nil {
		m.logger.Info("loaded existing server certificate",
			"cert_file", m.CertPath(),
			"serial", SerialString(cert.Leaf))
		return cert, nil
	}
	if !errors.Is(err, ErrNoKeypair) && !errors.Is(err, ErrCertExpired) {
		return cryptotls.Certificate{}, err
	}

	m.logger.Info("generating server certificate", "hostname", hostname, "reason", err)
	return m.Generate(hostname)
}

// Generate creates and persists a new self-signed server certificate,
// replacing any stored one.
func (m *Manager) Generate(hostname string) (cryptotls.Certificate, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Systemtap Compile Server"},
			CommonName:   hostname,
		},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else if hostname != "" {
		template.DNSNames = append(template.DNSNames, hostname)
	}
	template.DNSNames = append(template.DNSNames, "localhost")
	template.IPAddresses = append(template.IPAddresses, net.ParseIP("127.0.0.1"), net.ParseIP("::1"))

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("failed to create cert directory: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(m.CertPath(), certPEM, 0o644); err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("failed to write certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("failed to marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(m.KeyPath(), keyPEM, 0o600); err != nil {
		return cryptotls.Certificate{}, fmt.Errorf("failed to write key: %w", err)
	}

	cert, err := cryptotls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return cryptotls.Certificate{}, err
	}
	cert.Leaf, _ = x509.ParseCertificate(certDER)

	m.logger.Info("generated server certificate",
		"cert_file", m.CertPath(),
		"serial", SerialString(cert.Leaf),
		"expires", template.NotAfter)

	return cert, nil
}

// CheckValidity reports ErrCertExpired when now is outside the certificate's
// validity window.
func CheckValidity(cert *x509.Certificate) error {
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return ErrCertExpired
	}
	return nil
}

// SerialString renders a certificate serial number as colon-separated
// lowercase hex bytes, the form exchanged in discovery records and stored in
// the trust database.
func SerialString(cert *x509.Certificate) string {
	raw := cert.SerialNumber.Bytes()
	if len(raw) == 0 {
		raw = []byte{0}
	}
	var b strings.Builder
	for i, by := range raw {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", by)
	}
	return b.String()
}

// ParsePEMCertificate decodes the first CERTIFICATE block in data.
func ParsePEMCertificate(data []byte) (*x509.Certificate, error) {
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
	return nil, errors.New("no certificate PEM block found")
}

// EncodePEMCertificate renders cert as a PEM CERTIFICATE block.
func EncodePEMCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}
