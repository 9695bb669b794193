// Package client implements the compile-server client driver: it packages a
// compile request, selects a server, drives the transport, unpacks the
// response and applies it locally. A fingerprint cache short-circuits the
// whole flow when an identical request was compiled before.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jav/stapserve/internal/cache"
	"github.com/jav/stapserve/internal/certs"
	"github.com/jav/stapserve/internal/config"
	"github.com/jav/stapserve/internal/logutil"
	"github.com/jav/stapserve/internal/protocol"
	"github.com/jav/stapserve/internal/sysinfo"
	"github.com/jav/stapserve/internal/transport"
	"github.com/jav/stapserve/internal/trust"
	"github.com/jav/stapserve/internal/wire"
)

// expiredRetryPause is how long the client waits before re-running the
// candidate loop after a server-wide certificate expiry: long enough for the
// server to regenerate and re-register.
const expiredRetryPause = 2 * time.Second

// Driver runs compiles against remote servers.
type Driver struct {
	cfg    *config.Config
	sys    sysinfo.Info
	cache  *cache.Cache // nil when caching is disabled
	logger *slog.Logger

	Stdout io.Writer
	Stderr io.Writer

	online []protocol.ServerInfo // browse result, captured once per run
}

// New builds a driver from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Driver, error) {
	logger = logutil.NoopIfNil(logger)

	sys, err := sysinfo.Local()
	if err != nil {
		return nil, err
	}

	var artifactCache *cache.Cache
	if !cfg.Cache.Disabled {
		artifactCache, err = cache.New(cfg.Cache.Dir, logger)
		if err != nil {
			return nil, err
		}
	}

	return &Driver{
		cfg:    cfg,
		sys:    sys,
		cache:  artifactCache,
		logger: logger,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// CompileOptions name one compile invocation.
type CompileOptions struct {
	// ScriptPath is the script file; "-" reads standard input.
	ScriptPath string

	// Args are the compiler arguments, in order, script arguments included.
	Args []string

	// IncludeDirs are extra script search paths, packaged under tapset/
	// and passed to the server as -I arguments.
	IncludeDirs []string

	// SaveModuleTo copies the compiled module (and signature) into this
	// directory; empty means don't save.
	SaveModuleTo string
}

// Compile runs the full driver state machine and returns the process exit
// code: the server's rc on a completed exchange, or one of the
// protocol.Exit* codes.
func (d *Driver) Compile(ctx context.Context, opts CompileOptions) (int, error) {
	req, err := d.buildRequest(opts)
	if err != nil {
		return protocol.ExitGeneralError, err
	}

	fingerprint := req.Fingerprint()
	if d.cache != nil {
		if entry, err := d.cache.Get(fingerprint); err == nil {
			d.logger.Info("using cached compile result", "fingerprint", fingerprint)
			return protocol.ExitSuccess, d.applyCached(entry, opts)
		}
	}

	requestZip, err := req.PackBytes()
	if err != nil {
		return protocol.ExitGeneralError, err
	}

	needSigner := protocol.PrivilegeFromArgs(opts.Args).NeedsSigning()
	servers, err := d.selectServers(ctx, needSigner)
	if err != nil {
		return protocol.ExitGeneralError, err
	}

	responseZip, winner, err := d.compileUsingServers(ctx, servers, requestZip)
	if err != nil {
		return exitCodeFor(err), err
	}
	d.logger.Info("compile succeeded", "server", winner.String())

	tmpdir, err := os.MkdirTemp("", "stapserve-client.")
	if err != nil {
		return protocol.ExitGeneralError, err
	}
	defer os.RemoveAll(tmpdir)

	resp, err := d.unpackResponse(responseZip, tmpdir)
	if err != nil {
		return protocol.ExitGeneralError, err
	}

	return d.applyResponse(resp, fingerprint, opts)
}

// buildRequest assembles the request: version, sysinfo, locale, the script
// and every argument as its own numbered file.
func (d *Driver) buildRequest(opts CompileOptions) (*wire.Request, error) {
	req := wire.NewRequest(d.sys)
	req.CaptureLocale(os.Environ())

	if opts.ScriptPath != "" {
		var contents []byte
		var name string
		var err error
		if opts.ScriptPath == "-" {
			contents, err = io.ReadAll(os.Stdin)
			name = "-"
		} else {
			contents, err = os.ReadFile(opts.ScriptPath)
			name = filepath.Base(opts.ScriptPath)
		}
		if err != nil {
			return nil, fmt.Errorf("could not open input file %s: %w", opts.ScriptPath, err)
		}
		req.AddScript(name, contents)
	}

	// Include directories travel inside the package; the server sees them
	// as -I tapset/<name>.
	for _, dir := range opts.IncludeDirs {
		base := filepath.Base(filepath.Clean(dir))
		if err := addTapsetDir(req, dir, base); err != nil {
			return nil, err
		}
		req.AddArg("-I")
		req.AddArg(path.Join("tapset", base))
	}

	for _, arg := range opts.Args {
		req.AddArg(arg)
	}
	return req, nil
}

// addTapsetDir packages every regular file under dir below tapset/<rel>.
func addTapsetDir(req *wire.Request, dir, rel string) error {
	return filepath.Walk(dir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("could not read include directory %s: %w", dir, err)
		}
		if fi.IsDir() {
			return nil
		}
		sub, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		req.AddTapset(path.Join(rel, filepath.ToSlash(sub)), data)
		return nil
	})
}

// compileUsingServers tries each trust database (private first, then
// global), and within each database every candidate server in preferred
// order. A certificate-expired failure is remembered: when everything else
// fails too, the client sleeps and runs the whole candidate loop once more,
// giving the server time to regenerate.
func (d *Driver) compileUsingServers(ctx context.Context, servers []protocol.ServerInfo, requestZip []byte) ([]byte, protocol.ServerInfo, error) {
	payload, winner, err := d.tryCandidates(ctx, servers, requestZip)
	if err == nil {
		return payload, winner, nil
	}
	if errors.Is(err, transport.ErrCertExpired) {
		d.logger.Info("server certificate was expired, trying again", "pause", expiredRetryPause)
		select {
		case <-time.After(expiredRetryPause):
		case <-ctx.Done():
			return nil, protocol.ServerInfo{}, ctx.Err()
		}
		payload, winner, err = d.tryCandidates(ctx, servers, requestZip)
	}
	if err != nil {
		d.logger.Error("unable to connect to a server", "tried", len(servers))
	}
	return payload, winner, err
}

func (d *Driver) tryCandidates(ctx context.Context, servers []protocol.ServerInfo, requestZip []byte) ([]byte, protocol.ServerInfo, error) {
	policy := d.bootstrapPolicy()
	sawExpired := false
	var lastErr error

	dbs := []struct {
		kind trust.Kind
		dir  string
	}{
		{trust.SSLPrivate, d.cfg.Trust.SSLPrivateDir},
		{trust.SSLGlobal, d.cfg.Trust.SSLGlobalDir},
	}
	type attempt struct {
		store *trust.Store
		dir   string
	}
	var attempts []attempt
	for _, db := range dbs {
		store, err := trust.Open(db.kind, db.dir, false)
		if err != nil {
			if !errors.Is(err, trust.ErrNoStore) {
				d.logger.Warn("unable to open trust store", "dir", db.dir, "error", err)
			}
			continue
		}
		attempts = append(attempts, attempt{store: store, dir: db.dir})
	}
	// With no store on disk nothing is trusted, but the connection attempt
	// still runs: it yields the distinguished untrusted error, or lets a
	// bootstrap policy accept the certificate.
	if len(attempts) == 0 {
		attempts = append(attempts, attempt{dir: "(none)"})
	}

	for _, db := range attempts {
		store := db.store
		dialer := transport.NewDialer(store, policy, d.logger)
		for _, server := range servers {
			if !server.HasAddr() || server.Port() == 0 {
				continue
			}
			d.logger.Debug("attempting SSL connection",
				"server", server.String(), "trust_db", db.dir)

			payload, err := dialer.Exchange(ctx, server, requestZip)
			if err == nil {
				d.persistBootstrapTrust(ctx, server, dialer)
				if store != nil {
					store.Close()
				}
				return payload, server, nil
			}
			lastErr = err
			if errors.Is(err, transport.ErrCertExpired) {
				// The server should regenerate; note it and move on.
				sawExpired = true
				continue
			}
			d.logger.Debug("unable to connect", "server", server.String(), "error", err)
		}
		if store != nil {
			store.Close()
		}
	}

	if sawExpired {
		return nil, protocol.ServerInfo{}, transport.ErrCertExpired
	}
	if lastErr == nil {
		lastErr = errors.New("no contactable server in the candidate list")
	}
	return nil, protocol.ServerInfo{}, lastErr
}

func (d *Driver) bootstrapPolicy() transport.BootstrapPolicy {
	switch d.cfg.Client.TrustBootstrap {
	case "session":
		return transport.BootstrapSession
	case "always":
		return transport.BootstrapAlways
	}
	return transport.BootstrapNone
}

// persistBootstrapTrust makes "always" bootstrap permanent: certificates a
// bootstrap policy accepted are stored only now, after the exchange they
// secured has succeeded.
func (d *Driver) persistBootstrapTrust(ctx context.Context, server protocol.ServerInfo, dialer *transport.Dialer) {
	if d.cfg.Client.TrustBootstrap != "always" {
		return
	}
	accepted := dialer.AcceptedCertificates()
	if len(accepted) == 0 {
		return
	}
	store, err := trust.Open(trust.SSLPrivate, d.cfg.Trust.SSLPrivateDir, true)
	if err != nil {
		d.logger.Warn("unable to persist bootstrap trust", "error", err)
		return
	}
	defer store.Close()
	for serial, pem := range accepted {
		if _, err := store.Add(ctx, server, pem); err != nil {
			d.logger.Warn("unable to persist bootstrap trust", "serial", serial, "error", err)
		} else {
			d.logger.Info("added trust for server certificate", "serial", serial)
		}
	}
}

// unpackResponse extracts the response and applies the documented
// compatibility rewrites for down-level servers.
func (d *Driver) unpackResponse(responseZip []byte, tmpdir string) (*wire.Response, error) {
	zipPath := filepath.Join(tmpdir, "server.zip")
	if err := os.WriteFile(zipPath, responseZip, 0o600); err != nil {
		return nil, err
	}
	serverDir := filepath.Join(tmpdir, "server")
	if err := wire.UnpackResponseDir(zipPath, serverDir); err != nil {
		return nil, fmt.Errorf("unable to unzip the server response: %w", err)
	}

	resp, err := wire.OpenResponseDir(serverDir)
	if err != nil {
		return nil, err
	}
	d.showServerCompatibility(resp.Version)

	// Pre-1.6 servers run the compiler with a synthetic -k; remove the
	// resulting "Keeping temporary directory" line from their stderr.
	if resp.Version.Less("1.6") {
		if err := stripLines(resp.StderrPath(), func(line string) bool {
			return strings.HasPrefix(line, "Keeping temporary directory")
		}); err != nil {
			return nil, err
		}
	}

	// The synthetic server-side -p4 prints the module path; drop it from
	// stdout, the local driver reports its own.
	if err := stripLines(resp.StdoutPath(), func(line string) bool {
		return strings.HasSuffix(line, ".ko")
	}); err != nil {
		return nil, err
	}

	return resp, nil
}

func (d *Driver) showServerCompatibility(v protocol.Version) {
	if v.Less("1.6") {
		d.logger.Warn("server does not use localization information passed by the client",
			"server_version", string(v))
	}
}

// applyResponse propagates the server's streams and rc, saves artifacts and
// populates the cache.
func (d *Driver) applyResponse(resp *wire.Response, fingerprint string, opts CompileOptions) (int, error) {
	module, err := resp.Module()
	if err != nil {
		return protocol.ExitGeneralError, err
	}

	if module != "" {
		sig := ""
		if _, err := os.Stat(module + certs.SignatureSuffix); err == nil {
			sig = module + certs.SignatureSuffix
		}
		source := strings.TrimSuffix(module, ".ko") + ".c"
		if _, err := os.Stat(source); err != nil {
			source = ""
		}
		if d.cache != nil && resp.RC == 0 {
			if err := d.cache.Put(fingerprint, module, sig, source); err != nil {
				d.logger.Warn("unable to cache compile result", "error", err)
			}
		}
		if opts.SaveModuleTo != "" {
			if err := copyInto(module, opts.SaveModuleTo); err != nil {
				return protocol.ExitGeneralError, err
			}
			if sig != "" {
				if err := copyInto(sig, opts.SaveModuleTo); err != nil {
					return protocol.ExitGeneralError, err
				}
			}
		}
		if uprobes := resp.Uprobes(); uprobes != "" {
			d.logger.Info("server response includes auxiliary runtime module", "path", uprobes)
		}
	} else if resp.RC == 0 && opts.ScriptPath != "" {
		fmt.Fprintln(d.Stderr, "No module was returned by the server.")
		return protocol.ExitGeneralError, nil
	}

	streamFile(resp.StderrPath(), d.Stderr)
	streamFile(resp.StdoutPath(), d.Stdout)

	return resp.RC, nil
}

// applyCached applies a cache hit without any server contact.
func (d *Driver) applyCached(entry cache.Entry, opts CompileOptions) error {
	if opts.SaveModuleTo == "" {
		return nil
	}
	if err := copyInto(entry.ModulePath, opts.SaveModuleTo); err != nil {
		return err
	}
	if entry.SigPath != "" {
		return copyInto(entry.SigPath, opts.SaveModuleTo)
	}
	return nil
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, transport.ErrCertExpired):
		return protocol.ExitCertExpired
	case errors.Is(err, transport.ErrCertUntrusted):
		return protocol.ExitCertUntrusted
	}
	return protocol.ExitGeneralError
}

// stripLines rewrites path without the lines matching drop.
func stripLines(path string, drop func(string) bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	lines := strings.Split(string(data), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line != "" && drop(line) {
			continue
		}
		kept = append(kept, line)
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o600)
}

func streamFile(path string, w io.Writer) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	io.Copy(w, f)
}

func copyInto(src, destDir string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	dest := filepath.Join(destDir, filepath.Base(src))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("unable to save %s: %w", dest, err)
	}
	return nil
}
