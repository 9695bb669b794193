package certs

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	cryptotls "crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// SignatureSuffix is appended to an artifact path to name its detached
// signature.
const SignatureSuffix = ".sgn"

var ErrBadSignature = errors.New("signature verification failed")

// SignFile writes a detached signature for path to path + ".sgn" using the
// keypair's private key. The signature is ECDSA (ASN.1 DER) over the SHA-256
// digest of the file contents.
func (m *Manager) SignFile(cert cryptotls.Certificate, path string) error {
	key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("unsupported private key type %T", cert.PrivateKey)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return fmt.Errorf("failed to sign artifact: %w", err)
	}
	if err := os.WriteFile(path+SignatureSuffix, sig, 0o644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	return nil
}

// VerifyFile checks the detached signature at path + ".sgn" against the
// signer certificate's public key.
func VerifyFile(signer *x509.Certificate, path string) error {
	pub, ok := signer.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("unsupported public key type %T", signer.PublicKey)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	sig, err := os.ReadFile(path + SignatureSuffix)
	if err != nil {
		return fmt.Errorf("failed to read signature: %w", err)
	}
	digest := sha256.Sum256(data)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return ErrBadSignature
	}
	return nil
}
