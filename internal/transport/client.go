package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jav/stapserve/internal/certs"
	"github.com/jav/stapserve/internal/logutil"
	"github.com/jav/stapserve/internal/protocol"
	"github.com/jav/stapserve/internal/trust"
)

// BootstrapPolicy decides what to do with an untrusted server certificate.
type BootstrapPolicy int

const (
	// BootstrapNone rejects untrusted certificates.
	BootstrapNone BootstrapPolicy = iota
	// BootstrapSession accepts untrusted certificates for this process only.
	BootstrapSession
	// BootstrapAlways accepts untrusted certificates and exposes them for
	// permanent trust after the exchange succeeds.
	BootstrapAlways
)

const (
	connectAttempts = 5
	connectBackoff  = 1 * time.Second
)

// Dialer performs single-shot exchanges against compile servers, checking
// each peer certificate against one trust store at a time.
type Dialer struct {
	store    *trust.Store // nil means nothing is trusted
	policy   BootstrapPolicy
	logger   *slog.Logger
	accepted map[string][]byte // serial -> PEM accepted under a bootstrap policy
	lastPeer *x509.Certificate
}

// NewDialer builds a dialer over one trust store (which may be nil when the
// store does not exist yet).
func NewDialer(store *trust.Store, policy BootstrapPolicy, logger *slog.Logger) *Dialer {
	return &Dialer{
		store:    store,
		policy:   policy,
		logger:   logutil.NoopIfNil(logger),
		accepted: map[string][]byte{},
	}
}

// AcceptedCertificates returns the certificates (PEM, by serial) that only a
// bootstrap policy let through. Under BootstrapAlways the caller persists
// these into the trust store after a successful exchange — never before.
func (d *Dialer) AcceptedCertificates() map[string][]byte {
	return d.accepted
}

// PeerCertificate returns the certificate presented during the most recent
// exchange.
func (d *Dialer) PeerCertificate() *x509.Certificate { return d.lastPeer }

// Exchange ships requestZip to the server and returns the response bytes.
// Retryable failures (connection reset or refused, truncated reply) are
// tried at most 5 times in all, with a 1-second pause between attempts;
// certificate errors are returned as their distinguished kinds immediately.
func (d *Dialer) Exchange(ctx context.Context, server protocol.ServerInfo, requestZip []byte) ([]byte, error) {
	op := func() ([]byte, error) {
		payload, err := d.exchangeOnce(ctx, server, requestZip)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return payload, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(connectBackoff)),
		backoff.WithMaxTries(connectAttempts))
}

// FetchCertificate performs the zero-length bootstrap exchange: connect,
// announce no work, and return whatever certificate the server presented.
// Trust is not consulted; the caller inspects the result.
func (d *Dialer) FetchCertificate(ctx context.Context, server protocol.ServerInfo) (*x509.Certificate, error) {
	conn, err := d.dial(ctx, server, true)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := WriteFrame(conn, nil); err != nil {
		return nil, err
	}
	// Drain until close so the server sees an orderly shutdown.
	io.Copy(io.Discard, conn)

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, fmt.Errorf("server at %s presented no certificate", hostPort(server))
	}
	return peers[0], nil
}

func (d *Dialer) exchangeOnce(ctx context.Context, server protocol.ServerInfo, requestZip []byte) ([]byte, error) {
	conn, err := d.dial(ctx, server, false)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := WriteFrame(conn, requestZip); err != nil {
		return nil, err
	}
	conn.CloseWrite()

	var response bytes.Buffer
	if _, err := io.Copy(&response, conn); err != nil {
		return nil, fmt.Errorf("failed to read server response: %w", err)
	}
	return response.Bytes(), nil
}

// dial opens a TLS stream to the server. The peer certificate is accepted
// when the trust store verifies it, or when bootstrapping (or fetchOnly) is
// in effect; expiry is checked first so the two failures stay distinct.
func (d *Dialer) dial(ctx context.Context, server protocol.ServerInfo, fetchOnly bool) (*tls.Conn, error) {
	target := hostPort(server)

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: server.Host,
		// The chain is self-signed and pinned by serial through the trust
		// store; stdlib chain verification cannot apply.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrCertUntrusted
			}
			peer, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("failed to parse server certificate: %w", err)
			}
			d.lastPeer = peer
			if fetchOnly {
				return nil
			}
			return d.verifyPeer(ctx, peer)
		},
	}

	dialer := &net.Dialer{}
	netConn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	conn := tls.Client(netConn, tlsCfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		netConn.Close()
		// Unwrap the verification error set by VerifyPeerCertificate.
		if e := unwrapCertError(err); e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", target, err)
	}
	return conn, nil
}

func (d *Dialer) verifyPeer(ctx context.Context, peer *x509.Certificate) error {
	if err := certs.CheckValidity(peer); err != nil {
		return ErrCertExpired
	}

	serial := certs.SerialString(peer)
	if d.store != nil {
		ok, err := d.store.VerifyDER(ctx, peer.Raw, serial)
		if err != nil {
			return fmt.Errorf("trust store lookup failed: %w", err)
		}
		if ok {
			return nil
		}
	}
	if _, ok := d.accepted[serial]; ok {
		return nil
	}

	switch d.policy {
	case BootstrapSession, BootstrapAlways:
		d.logger.Info("accepting untrusted server certificate under bootstrap policy",
			"serial", serial)
		d.accepted[serial] = certs.EncodePEMCertificate(peer)
		return nil
	}
	return ErrCertUntrusted
}

// unwrapCertError recovers our distinguished errors from the handshake
// error chain (tls wraps the verification callback's error).
func unwrapCertError(err error) error {
	if errors.Is(err, ErrCertExpired) {
		return ErrCertExpired
	}
	if errors.Is(err, ErrCertUntrusted) {
		return ErrCertUntrusted
	}
	return nil
}

func hostPort(server protocol.ServerInfo) string {
	if server.HasAddr() {
		return server.Addr.String()
	}
	return server.Host
}
