// Package trust persists the certificates of compile servers the local user
// (or machine) has decided to trust. Two independent collections exist: SSL
// peer trust, kept per-user and machine-wide, and module-signer trust, kept
// machine-wide only. Certificates are matched by serial number, not by host
// name; a server is identified by the certificate it presented over TLS.
package trust

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jav/stapserve/internal/certs"
	"github.com/jav/stapserve/internal/protocol"
)

// Kind selects one of the independent trust collections.
type Kind int

const (
	// SSLPrivate is the per-user SSL peer store.
	SSLPrivate Kind = iota
	// SSLGlobal is the machine-wide SSL peer store.
	SSLGlobal
	// Signer is the machine-wide module-signer store.
	Signer
)

func (k Kind) String() string {
	switch k {
	case SSLPrivate:
		return "ssl-private"
	case SSLGlobal:
		return "ssl-global"
	case Signer:
		return "signer"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

const dbFileName = "trust.db"

// Common errors for trust store operations.
var (
	ErrNotFound = errors.New("not found")
	ErrNoStore  = errors.New("trust store does not exist")
)

// Record is one trusted certificate with the server details known at the
// time trust was granted. Serial is the colon-hex certificate serial and is
// unique within a store.
type Record struct {
	ID      uint   `gorm:"primaryKey"`
	Serial  string `gorm:"uniqueIndex"`
	Host    string
	Address string
	Sysinfo string
	Version string
	PEM     []byte
}

// ServerInfo converts a record to the client's server descriptor form.
func (r Record) ServerInfo() protocol.ServerInfo {
	info := protocol.ServerInfo{
		Host:       r.Host,
		Version:    protocol.Version(r.Version),
		Sysinfo:    r.Sysinfo,
		CertSerial: r.Serial,
	}
	if ap, err := netip.ParseAddrPort(r.Address); err == nil {
		info.Addr = ap
	}
	return info
}

// Store is one on-disk certificate database.
type Store struct {
	kind Kind
	dir  string
	db   *gorm.DB
}

// Open opens the store in dir, creating the database when create is set.
// Without create, a missing directory yields ErrNoStore — the caller treats
// it as an empty store, matching a host that has never trusted anything.
func Open(kind Kind, dir string, create bool) (*Store, error) {
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat trust store %s: %w", dir, err)
		}
		if !create {
			return nil, ErrNoStore
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create trust store %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, dbFileName)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open trust database: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate trust database: %w", err)
	}
	return &Store{kind: kind, dir: dir, db: db}, nil
}

// Kind returns the collection this store belongs to.
func (s *Store) Kind() Kind { return s.kind }

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AddResult reports what Add did.
type AddResult int

const (
	// Added means a new record was stored.
	Added AddResult = iota
	// AlreadyTrusted means a record with the same serial already existed.
	// This is a status, not an error.
	AlreadyTrusted
)

// Add stores trust for the certificate a server presented. The server info
// is recorded as known at trust time; the serial is derived from the
// certificate itself.
func (s *Store) Add(ctx context.Context, server protocol.ServerInfo, cert []byte) (AddResult, error) {
	parsed, err := certs.ParsePEMCertificate(cert)
	if err != nil {
		return 0, fmt.Errorf("failed to parse certificate: %w", err)
	}
	serial := certs.SerialString(parsed)

	var existing Record
	result := s.db.WithContext(ctx).First(&existing, "serial = ?", serial)
	if result.Error == nil {
		return AlreadyTrusted, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return 0, result.Error
	}

	rec := Record{
		Serial:  serial,
		Host:    server.Host,
		Sysinfo: server.Sysinfo,
		Version: string(server.Version),
		PEM:     cert,
	}
	if server.HasAddr() {
		rec.Address = server.Addr.String()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, err
	}
	return Added, nil
}

// RevokeResult reports what Revoke did.
type RevokeResult int

const (
	// Revoked means the matching record was removed.
	Revoked RevokeResult = iota
	// AlreadyUntrusted means no record matched the server's serial.
	// This is a status, not an error.
	AlreadyUntrusted
)

// Revoke removes trust for the certificate whose serial matches the server
// descriptor.
func (s *Store) Revoke(ctx context.Context, server protocol.ServerInfo) (RevokeResult, error) {
	if server.CertSerial == "" {
		return AlreadyUntrusted, nil
	}
	result := s.db.WithContext(ctx).Delete(&Record{}, "serial = ?", server.CertSerial)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return AlreadyUntrusted, nil
	}
	return Revoked, nil
}

// List enumerates all trusted records.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var recs []Record
	if err := s.db.WithContext(ctx).Order("serial").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// ServerInfos lists trusted records as server descriptors, for intersection
// with discovery results.
func (s *Store) ServerInfos(ctx context.Context) ([]protocol.ServerInfo, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]protocol.ServerInfo, 0, len(recs))
	for _, r := range recs {
		infos = append(infos, r.ServerInfo())
	}
	return infos, nil
}

// Verify reports whether the given certificate (PEM) is trusted: a record
// with the same serial must exist and carry byte-identical DER.
func (s *Store) Verify(ctx context.Context, cert []byte) (bool, error) {
	parsed, err := certs.ParsePEMCertificate(cert)
	if err != nil {
		return false, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return s.VerifyDER(ctx, parsed.Raw, certs.SerialString(parsed))
}

// VerifyDER is Verify for an already-parsed certificate.
func (s *Store) VerifyDER(ctx context.Context, der []byte, serial string) (bool, error) {
	var rec Record
	result := s.db.WithContext(ctx).First(&rec, "serial = ?", serial)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, result.Error
	}
	stored, err := certs.ParsePEMCertificate(rec.PEM)
	if err != nil {
		return false, fmt.Errorf("corrupted trust record %s: %w", serial, err)
	}
	return string(stored.Raw) == string(der), nil
}
