package transport

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// Errors the caller must branch on. Everything else is fatal for the attempt.
var (
	// ErrCertExpired means the server presented a certificate outside its
	// validity window. The server regenerates its certificate on its next
	// accept-loop pass, so the caller may retry after a pause.
	ErrCertExpired = errors.New("server certificate expired")

	// ErrCertUntrusted means the presented certificate is not in the trust
	// store and no bootstrap policy accepted it.
	ErrCertUntrusted = errors.New("server certificate untrusted")
)

// retryable reports whether an attempt failed in a way that plain
// re-connection may fix: the server was not ready yet.
func retryable(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		// A reset surfacing without a wrapped errno, e.g. through the TLS
		// record layer.
		return strings.Contains(netErr.Err.Error(), "connection reset")
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
