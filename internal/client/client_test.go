package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jav/stapserve/internal/certs"
	"github.com/jav/stapserve/internal/config"
	"github.com/jav/stapserve/internal/protocol"
	"github.com/jav/stapserve/internal/sysinfo"
	"github.com/jav/stapserve/internal/transport"
	"github.com/jav/stapserve/internal/trust"
	"github.com/jav/stapserve/internal/wire"
)

// testConfig builds a config with every path under the test directory and
// discovery disabled, so tests never touch the network beyond loopback.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	disabled := false
	cfg := config.Default()
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Trust.SSLPrivateDir = filepath.Join(dir, "ssl", "client")
	cfg.Trust.SSLGlobalDir = filepath.Join(dir, "ssl", "global")
	cfg.Trust.SignerDir = filepath.Join(dir, "staprun")
	cfg.Discovery.Enabled = &disabled
	return cfg
}

func newDriver(t *testing.T, cfg *config.Config) *Driver {
	t.Helper()
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	d.Stdout = &bytes.Buffer{}
	d.Stderr = &bytes.Buffer{}
	return d
}

// generateCert creates a keypair valid over the given window.
func generateCert(t *testing.T, notBefore, notAfter time.Time) cryptotls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "fake-server"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := cryptotls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		t.Fatal(err)
	}
	cert.Leaf, _ = x509.ParseCertificate(der)
	return cert
}

func validCert(t *testing.T) cryptotls.Certificate {
	return generateCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
}

func expiredCert(t *testing.T) cryptotls.Certificate {
	return generateCert(t, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
}

// cannedResponse builds a response zip: rc 0, one module, its intermediate
// source, plus a stdout line the client must strip.
func cannedResponse(t *testing.T) []byte {
	t.Helper()
	dir := t.TempDir()
	scratch := filepath.Join(dir, "stap000000")
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(dir, "version"):           "1.6",
		filepath.Join(dir, "rc"):                "0",
		filepath.Join(dir, "stdout"):            "probe_1234.ko\n",
		filepath.Join(dir, "stderr"):            "",
		filepath.Join(scratch, "probe_1234.ko"): "ELFDATA",
		filepath.Join(scratch, "probe_1234.c"):  "/* generated */",
	}
	for p, contents := range files {
		if err := os.WriteFile(p, []byte(contents), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := wire.ZipDir(dir, &buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// startFakeServer serves the compile protocol on loopback: certFor picks
// the certificate per connection, respZip is returned for any nonzero
// request. The connection counter increments per accepted connection.
func startFakeServer(t *testing.T, certFor func(conn int32) cryptotls.Certificate, respZip []byte, conns *int32) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	scratch := t.TempDir()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			n := atomic.AddInt32(conns, 1)
			go func(conn net.Conn, n int32) {
				defer conn.Close()
				tlsConn := cryptotls.Server(conn, &cryptotls.Config{
					Certificates: []cryptotls.Certificate{certFor(n)},
					MinVersion:   cryptotls.VersionTLS12,
				})
				defer tlsConn.Close()
				tlsConn.SetDeadline(time.Now().Add(10 * time.Second))

				reqFile := filepath.Join(scratch, fmt.Sprintf("req-%d.zip", n))
				size, err := transport.ReadFrameToFile(tlsConn, reqFile)
				if err != nil || size == 0 {
					return
				}
				tlsConn.Write(respZip)
			}(conn, n)
		}
	}()

	return netip.MustParseAddrPort(ln.Addr().String())
}

func trustCert(t *testing.T, dir string, cert cryptotls.Certificate) {
	t.Helper()
	store, err := trust.Open(trust.SSLPrivate, dir, true)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := store.Add(context.Background(), protocol.ServerInfo{Host: "fake-server"},
		certs.EncodePEMCertificate(cert.Leaf)); err != nil {
		t.Fatal(err)
	}
}

func writeScript(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probe.stp")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseServerSpec(t *testing.T) {
	tests := []struct {
		spec     string
		wantHost string
		wantAddr bool
		wantPort uint16
		wantErr  bool
	}{
		{"10.0.0.1:2017", "", true, 2017, false},
		{"[::1]:2017", "", true, 2017, false},
		{"10.0.0.1", "", true, 0, false},
		{"buildhost", "buildhost", false, 0, false},
		{"", "", false, 0, true},
		{"host:notaport", "", false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			info, err := parseServerSpec(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if info.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", info.Host, tt.wantHost)
			}
			if info.HasAddr() != tt.wantAddr {
				t.Errorf("HasAddr = %v, want %v", info.HasAddr(), tt.wantAddr)
			}
			if info.Port() != tt.wantPort {
				t.Errorf("Port = %d, want %d", info.Port(), tt.wantPort)
			}
		})
	}
}

func TestCompileEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cert := validCert(t)
	var conns int32
	addr := startFakeServer(t, func(int32) cryptotls.Certificate { return cert }, cannedResponse(t), &conns)
	cfg.Client.Servers = []string{addr.String()}
	trustCert(t, cfg.Trust.SSLPrivateDir, cert)

	d := newDriver(t, cfg)
	saveDir := t.TempDir()
	rc, err := d.Compile(context.Background(), CompileOptions{
		ScriptPath:   writeScript(t, "probe begin { exit() }"),
		Args:         []string{"-p4"},
		SaveModuleTo: saveDir,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	if _, err := os.Stat(filepath.Join(saveDir, "probe_1234.ko")); err != nil {
		t.Errorf("module not saved: %v", err)
	}
	// The synthetic server-side module line must be stripped from stdout.
	if out := d.Stdout.(*bytes.Buffer).String(); strings.Contains(out, ".ko") {
		t.Errorf("stdout still carries the module line: %q", out)
	}
}

func TestCompileCacheHitSkipsServers(t *testing.T) {
	cfg := testConfig(t)
	cert := validCert(t)
	var conns int32
	addr := startFakeServer(t, func(int32) cryptotls.Certificate { return cert }, cannedResponse(t), &conns)
	cfg.Client.Servers = []string{addr.String()}
	trustCert(t, cfg.Trust.SSLPrivateDir, cert)

	script := writeScript(t, "probe begin { exit() }")

	d := newDriver(t, cfg)
	rc, err := d.Compile(context.Background(), CompileOptions{ScriptPath: script, Args: []string{"-p4"}})
	if err != nil || rc != 0 {
		t.Fatalf("first compile: rc=%d err=%v", rc, err)
	}
	if atomic.LoadInt32(&conns) == 0 {
		t.Fatal("first compile should have contacted the server")
	}

	// Second identical compile: unreachable server list proves no contact.
	cfg.Client.Servers = []string{"127.0.0.1:1"}
	d2 := newDriver(t, cfg)
	saveDir := t.TempDir()
	before := atomic.LoadInt32(&conns)
	rc, err = d2.Compile(context.Background(), CompileOptions{
		ScriptPath:   script,
		Args:         []string{"-p4"},
		SaveModuleTo: saveDir,
	})
	if err != nil || rc != 0 {
		t.Fatalf("cached compile: rc=%d err=%v", rc, err)
	}
	if atomic.LoadInt32(&conns) != before {
		t.Error("cached compile contacted a server")
	}
	// The cache keeps the module under its fingerprint, so a hit saves it
	// under that name.
	req, err := d2.buildRequest(CompileOptions{ScriptPath: script, Args: []string{"-p4"}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(saveDir, req.Fingerprint()+".ko"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ELFDATA" {
		t.Errorf("cached artifact bytes differ: %q", got)
	}
}

func TestCompileExpiredCertRetries(t *testing.T) {
	cfg := testConfig(t)
	expired := expiredCert(t)
	valid := validCert(t)
	var conns int32
	// First connection presents the expired certificate; later ones the
	// regenerated valid one.
	addr := startFakeServer(t, func(n int32) cryptotls.Certificate {
		if n == 1 {
			return expired
		}
		return valid
	}, cannedResponse(t), &conns)
	cfg.Client.Servers = []string{addr.String()}
	trustCert(t, cfg.Trust.SSLPrivateDir, valid)

	d := newDriver(t, cfg)
	rc, err := d.Compile(context.Background(), CompileOptions{
		ScriptPath: writeScript(t, "probe begin { exit() }"),
		Args:       []string{"-p4"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rc != 0 {
		t.Fatalf("rc = %d", rc)
	}
	if got := atomic.LoadInt32(&conns); got != 2 {
		t.Errorf("connects = %d, want exactly 2", got)
	}
}

func TestCompileUntrustedCert(t *testing.T) {
	cfg := testConfig(t)
	cert := validCert(t)
	var conns int32
	addr := startFakeServer(t, func(int32) cryptotls.Certificate { return cert }, cannedResponse(t), &conns)
	cfg.Client.Servers = []string{addr.String()}
	// No trust store entry, no bootstrap policy.

	d := newDriver(t, cfg)
	rc, err := d.Compile(context.Background(), CompileOptions{
		ScriptPath: writeScript(t, "probe begin { exit() }"),
		Args:       []string{"-p4"},
	})
	if err == nil {
		t.Fatal("want error for untrusted server certificate")
	}
	if rc != protocol.ExitCertUntrusted {
		t.Errorf("rc = %d, want %d", rc, protocol.ExitCertUntrusted)
	}
}

func TestTrustBootstrapFlow(t *testing.T) {
	cfg := testConfig(t)
	cert := validCert(t)
	var conns int32
	addr := startFakeServer(t, func(int32) cryptotls.Certificate { return cert }, cannedResponse(t), &conns)

	d := newDriver(t, cfg)

	// Step 1: trust the server; the stored certificate is the one the TLS
	// exchange presented.
	err := d.Trust(context.Background(), TrustOptions{Servers: []string{addr.String()}})
	if err != nil {
		t.Fatal(err)
	}
	store, err := trust.Open(trust.SSLPrivate, cfg.Trust.SSLPrivateDir, false)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := store.List(context.Background())
	store.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("trust store holds %d records, want 1", len(recs))
	}
	if recs[0].Serial != certs.SerialString(cert.Leaf) {
		t.Errorf("stored serial = %q, want %q", recs[0].Serial, certs.SerialString(cert.Leaf))
	}

	// Step 2: a compile over that server now succeeds without any
	// bootstrap policy.
	cfg.Client.Servers = []string{addr.String()}
	d2 := newDriver(t, cfg)
	rc, err := d2.Compile(context.Background(), CompileOptions{
		ScriptPath: writeScript(t, "probe begin { exit() }"),
		Args:       []string{"-p4"},
	})
	if err != nil || rc != 0 {
		t.Fatalf("compile after trust: rc=%d err=%v", rc, err)
	}
}

func TestSelectServersEmptyDiagnostic(t *testing.T) {
	cfg := testConfig(t)
	d := newDriver(t, cfg)

	_, err := d.selectServers(context.Background(), false)
	if err == nil {
		t.Fatal("want diagnostic error for empty selection")
	}
	if !strings.Contains(err.Error(), "no servers online") {
		t.Errorf("diagnostic = %q", err)
	}
}

func TestCompileFingerprintMatchesWire(t *testing.T) {
	// The driver must fingerprint exactly the way wire does, or the cache
	// key would drift between runs.
	cfg := testConfig(t)
	d := newDriver(t, cfg)
	script := writeScript(t, "probe begin { exit() }")

	req, err := d.buildRequest(CompileOptions{ScriptPath: script, Args: []string{"-p4"}})
	if err != nil {
		t.Fatal(err)
	}

	sys, err := sysinfo.Local()
	if err != nil {
		t.Fatal(err)
	}
	want := wire.NewRequest(sys)
	want.AddScript("probe.stp", []byte("probe begin { exit() }"))
	want.AddArg("-p4")

	if req.Fingerprint() != want.Fingerprint() {
		t.Error("driver request fingerprint diverges from wire request")
	}
}

func TestBuildRequestPackagesIncludeDirs(t *testing.T) {
	cfg := testConfig(t)
	d := newDriver(t, cfg)

	include := t.TempDir()
	sub := filepath.Join(include, "linux")
	if err := os.MkdirAll(sub, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "helper.stp"), []byte("function f() {}"), 0o600); err != nil {
		t.Fatal(err)
	}

	req, err := d.buildRequest(CompileOptions{
		ScriptPath:  writeScript(t, "probe begin { exit() }"),
		IncludeDirs: []string{include},
		Args:        []string{"-p4"},
	})
	if err != nil {
		t.Fatal(err)
	}

	base := filepath.Base(include)
	if _, ok := req.Files["tapset/"+base+"/linux/helper.stp"]; !ok {
		t.Errorf("include file not packaged: %v", keysOf(req.Files))
	}
	var sawFlag bool
	for i, arg := range req.Args {
		if arg == "-I" && i+1 < len(req.Args) && req.Args[i+1] == "tapset/"+base {
			sawFlag = true
		}
	}
	if !sawFlag {
		t.Errorf("-I tapset path not in args: %q", req.Args)
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestListServersTrustedProperty(t *testing.T) {
	cfg := testConfig(t)
	cert := validCert(t)
	trustCert(t, cfg.Trust.SSLPrivateDir, cert)

	d := newDriver(t, cfg)
	servers, err := d.ListServers(context.Background(), []string{PropTrusted})
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers = %v", servers)
	}
	if servers[0].CertSerial != certs.SerialString(cert.Leaf) {
		t.Errorf("CertSerial = %q", servers[0].CertSerial)
	}
}

func TestRevokeTrust(t *testing.T) {
	cfg := testConfig(t)
	cert := validCert(t)
	trustCert(t, cfg.Trust.SSLPrivateDir, cert)

	d := newDriver(t, cfg)
	err := d.Trust(context.Background(), TrustOptions{
		Servers: []string{"fake-server"},
		Revoke:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	store, err := trust.Open(trust.SSLPrivate, cfg.Trust.SSLPrivateDir, false)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	recs, err := store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("records remain after revoke: %v", recs)
	}
}
