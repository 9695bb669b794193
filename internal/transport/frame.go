package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// The wire frame: a 32-bit network-byte-order length prefix, then exactly
// that many payload bytes. Length 0 is a legal request meaning "hand me your
// certificate, do no work". The response direction has no frame; it is read
// until the peer closes.

// WriteFrame writes the length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// ReadFrameToFile reads one frame from r into path and returns the payload
// length. Length 0 returns (0, nil) without creating the file. Fewer payload
// bytes than announced is an error; no partial request may be processed.
func ReadFrameToFile(r io.Reader, path string) (int64, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, fmt.Errorf("failed to read length prefix: %w", err)
	}
	expected := int64(binary.BigEndian.Uint32(prefix[:]))
	if expected == 0 {
		return 0, nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to open request file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r, expected))
	if err != nil {
		return n, fmt.Errorf("failed to read request payload: %w", err)
	}
	if n != expected {
		return n, fmt.Errorf("expected %d bytes, got %d while reading request", expected, n)
	}
	return n, nil
}

// WriteFileTo streams the file at path to w, unframed.
func WriteFileTo(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open response file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
