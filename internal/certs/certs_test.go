package certs

import (
	"crypto/x509"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerate(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	if _, err := m.Load(); !errors.Is(err, ErrNoKeypair) {
		t.Fatalf("Load on empty dir: err = %v, want ErrNoKeypair", err)
	}

	cert, err := m.LoadOrGenerate("buildhost")
	if err != nil {
		t.Fatal(err)
	}
	if cert.Leaf == nil {
		t.Fatal("generated certificate has no parsed leaf")
	}
	if err := CheckValidity(cert.Leaf); err != nil {
		t.Errorf("fresh certificate invalid: %v", err)
	}

	// A second call must load the same certificate, not regenerate.
	again, err := m.LoadOrGenerate("buildhost")
	if err != nil {
		t.Fatal(err)
	}
	if SerialString(cert.Leaf) != SerialString(again.Leaf) {
		t.Errorf("certificate regenerated: %s != %s",
			SerialString(cert.Leaf), SerialString(again.Leaf))
	}

	// Key material must not be world readable.
	fi, err := os.Stat(m.KeyPath())
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %o, want 0600", fi.Mode().Perm())
	}
}

func TestGenerateReplacesKeypair(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	first, err := m.Generate("host")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Generate("host")
	if err != nil {
		t.Fatal(err)
	}
	if SerialString(first.Leaf) == SerialString(second.Leaf) {
		t.Error("regeneration kept the old serial")
	}
}

func TestSerialString(t *testing.T) {
	tests := []struct {
		name   string
		serial int64
		want   string
	}{
		{"single byte", 0x5f, "5f"},
		{"multi byte", 0x0102ff, "01:02:ff"},
		{"zero", 0, "00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{SerialNumber: big.NewInt(tt.serial)}
			if got := SerialString(cert); got != tt.want {
				t.Errorf("SerialString = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSignAndVerifyFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	cert, err := m.Generate("host")
	if err != nil {
		t.Fatal(err)
	}

	artifact := filepath.Join(dir, "probe.ko")
	if err := os.WriteFile(artifact, []byte("fake module bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.SignFile(cert, artifact); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(artifact + SignatureSuffix); err != nil {
		t.Fatalf("no detached signature written: %v", err)
	}

	if err := VerifyFile(cert.Leaf, artifact); err != nil {
		t.Errorf("verify of untampered artifact: %v", err)
	}

	if err := os.WriteFile(artifact, []byte("tampered bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyFile(cert.Leaf, artifact); !errors.Is(err, ErrBadSignature) {
		t.Errorf("verify of tampered artifact: err = %v, want ErrBadSignature", err)
	}
}

func TestParsePEMCertificateRoundTrip(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	cert, err := m.Generate("host")
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePEMCertificate(EncodePEMCertificate(cert.Leaf))
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(cert.Leaf) {
		t.Error("PEM round trip changed the certificate")
	}
}
