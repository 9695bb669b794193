// Package server implements the compile-server daemon: a TLS listener that
// accepts one request at a time, spawns the compiler under reduced resource
// limits, signs artifacts for unprivileged clients, and announces itself
// over zero-configuration discovery.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/jav/stapserve/internal/certs"
	"github.com/jav/stapserve/internal/config"
	"github.com/jav/stapserve/internal/discovery"
	"github.com/jav/stapserve/internal/logutil"
	"github.com/jav/stapserve/internal/protocol"
	"github.com/jav/stapserve/internal/sysinfo"
	"github.com/jav/stapserve/internal/transport"
	"github.com/jav/stapserve/internal/trust"
	"github.com/jav/stapserve/internal/wire"
)

// Daemon is the compile server. One request is served at a time; the only
// cross-request state is the certificate and the logger.
type Daemon struct {
	cfg     *config.Config
	sys     sysinfo.Info
	certMgr *certs.Manager
	limits  *limitSet
	logger  *slog.Logger

	cert tls.Certificate

	// runCtx is the lifetime of the current Run call; compile subprocesses
	// are bound to it so teardown kills them.
	runCtx context.Context
}

// New builds a daemon from configuration. Resource limits are armed only
// when the process runs as the configured service account.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	logger = logutil.NoopIfNil(logger)

	sys, err := sysinfo.Local()
	if err != nil {
		return nil, err
	}

	limits, err := limitsForUser(cfg.Server.ServiceUser)
	if err != nil {
		return nil, err
	}
	if limits != nil {
		logger.Info("running as service account, compile resource limits armed",
			"user", cfg.Server.ServiceUser)
	}

	return &Daemon{
		cfg:     cfg,
		sys:     sys,
		certMgr: certs.NewManager(cfg.Server.CertDir, logger),
		limits:  limits,
		logger:  logger,
	}, nil
}

// Run serves until ctx is canceled. At the top of each pass the daemon
// verifies its own certificate, regenerating and re-registering when it has
// expired; clients observe that as a transient cert-expired error and retry.
func (d *Daemon) Run(ctx context.Context) error {
	d.runCtx = ctx
	d.watchLimitSignals(ctx)

	hostname, _ := os.Hostname()

	for {
		if ctx.Err() != nil {
			return nil
		}

		cert, err := d.certMgr.LoadOrGenerate(hostname)
		if err != nil {
			return fmt.Errorf("cannot establish server certificate: %w", err)
		}
		d.cert = cert

		// Authorize our certificate for the local client so loopback
		// compiles need no manual trust step.
		if err := d.authorizeLocalClient(ctx); err != nil {
			d.logger.Warn("unable to authorize certificate for the local client", "error", err)
		}

		if err := d.servePass(ctx, hostname); err != nil {
			return err
		}
	}
}

// servePass runs one accept loop under the current certificate. It returns
// nil when the certificate expired (the caller regenerates and re-enters)
// and when ctx was canceled.
func (d *Daemon) servePass(ctx context.Context, hostname string) error {
	ln, port, err := d.listen()
	if err != nil {
		return err
	}
	defer ln.Close()
	d.logger.Info("using network port", "port", port)

	var announcer *discovery.Announcer
	if d.cfg.DiscoveryEnabled() {
		announcer, err = discovery.Announce(discovery.Announcement{
			InstanceName: fmt.Sprintf("Systemtap Compile Server on %s", hostname),
			Port:         port,
			Sysinfo:      d.sys.Tag(),
			CertSerial:   certs.SerialString(d.cert.Leaf),
			Options:      d.optinfo(),
		}, d.logger)
		if err != nil {
			d.logger.Warn("unable to advertise presence on the network", "error", err)
		}
	}
	if announcer != nil {
		defer announcer.Shutdown()
	}

	g, gctx := errgroup.WithContext(ctx)

	// Unblock Accept on cancellation or when the accept loop ends.
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					d.logger.Info("shutdown requested, closing listener")
					return nil
				}
				return fmt.Errorf("error accepting client connection: %w", err)
			}

			d.logger.Info("accepted connection", "remote", conn.RemoteAddr().String())
			if err := d.handleConnection(conn); err != nil {
				d.logger.Error("error processing client request", "error", err)
			}
			d.logger.Info("request complete", "remote", conn.RemoteAddr().String())

			// When our certificate is no longer valid, exit this pass so a
			// new one can be generated. Not an error.
			if err := certs.CheckValidity(d.cert.Leaf); err != nil {
				d.logger.Info("server certificate no longer valid, regenerating")
				return errCertRotation
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errCertRotation) {
		return err
	}
	return nil
}

// errCertRotation ends an accept pass so the run loop can regenerate the
// certificate. Never surfaced to callers.
var errCertRotation = errors.New("certificate rotation")

// listen binds the configured port, falling back to an ephemeral port when
// it is busy.
func (d *Daemon) listen() (net.Listener, int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", d.cfg.Server.Port))
	if err != nil {
		if d.cfg.Server.Port != 0 && errors.Is(err, syscall.EADDRINUSE) {
			d.logger.Warn("network port is busy, trying another port", "port", d.cfg.Server.Port)
			ln, err = net.Listen("tcp", ":0")
		}
		if err != nil {
			return nil, 0, fmt.Errorf("error creating listening socket: %w", err)
		}
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

// handleConnection copies in the request zip, processes it, and copies out
// the response. Scratch directories are created and destroyed here.
func (d *Daemon) handleConnection(conn net.Conn) error {
	defer conn.Close()

	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{d.cert},
		MinVersion:   tls.VersionTLS12,
	})
	defer tlsConn.Close()

	tmpdir, err := os.MkdirTemp("", "stap-server."+uuid.NewString()[:8]+".")
	if err != nil {
		return fmt.Errorf("could not create temporary directory: %w", err)
	}
	defer func() {
		if d.cfg.Server.KeepScratch {
			d.logger.Info("keeping temporary directory", "dir", tmpdir)
			return
		}
		os.RemoveAll(tmpdir)
	}()

	requestZip := filepath.Join(tmpdir, "request.zip")
	requestDir := filepath.Join(tmpdir, "request")
	responseDir := filepath.Join(tmpdir, "response")
	responseZip := filepath.Join(tmpdir, "response.zip")
	for _, dir := range []string{requestDir, responseDir} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			return fmt.Errorf("could not create temporary directory %s: %w", dir, err)
		}
	}

	tlsConn.SetDeadline(time.Now().Add(5 * time.Minute))

	n, err := transport.ReadFrameToFile(tlsConn, requestZip)
	if err != nil {
		return err
	}
	if n == 0 {
		// Certificate-only exchange: the handshake already delivered it.
		d.logger.Debug("certificate-only request")
		return nil
	}

	// A failure from here on still produces a response: the diagnostic goes
	// into the response's stderr file where the client will print it.
	if err := wire.UnpackRequestDir(requestZip, requestDir); err != nil {
		d.serverError(filepath.Join(responseDir, wire.ResponseStderrFile),
			fmt.Sprintf("unable to extract client request: %v", err))
		writeResponseFile(responseDir, wire.ResponseRCFile, "1")
		writeResponseFile(responseDir, wire.ResponseVersionFile, string(protocol.CurrentVersion))
	} else {
		d.handleRequest(requestDir, responseDir)
	}

	zf, err := os.Create(responseZip)
	if err != nil {
		return fmt.Errorf("unable to create server response: %w", err)
	}
	if err := wire.ZipDir(responseDir, zf); err != nil {
		zf.Close()
		return fmt.Errorf("unable to compress server response: %w", err)
	}
	zf.Close()

	return transport.WriteFileTo(tlsConn, responseZip)
}

// authorizeLocalClient inserts the server certificate into the local
// private SSL trust store.
func (d *Daemon) authorizeLocalClient(ctx context.Context) error {
	store, err := trust.Open(trust.SSLPrivate, d.cfg.Trust.SSLPrivateDir, true)
	if err != nil {
		return err
	}
	defer store.Close()

	hostname, _ := os.Hostname()
	_, err = store.Add(ctx, protocol.ServerInfo{
		Host:    hostname,
		Version: protocol.CurrentVersion,
		Sysinfo: d.sys.Tag(),
	}, certs.EncodePEMCertificate(d.cert.Leaf))
	return err
}

// optinfo renders the advertised compile options.
func (d *Daemon) optinfo() []string {
	var opts []string
	opts = append(opts, d.cfg.Server.RArgs...)
	opts = append(opts, d.cfg.Server.BArgs...)
	opts = append(opts, d.cfg.Server.DArgs...)
	opts = append(opts, d.cfg.Server.IArgs...)
	return opts
}

// watchLimitSignals distinguishes SIGXFSZ/SIGXCPU raised by the lowered
// subprocess limits (ignored; the child carries the consequence) from the
// daemon exceeding its own limits (orderly exit via the signal context).
func (d *Daemon) watchLimitSignals(ctx context.Context) {
	if d.limits == nil {
		return
	}
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGXFSZ, syscall.SIGXCPU)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				return
			case sig := <-ch:
				res := unix.RLIMIT_FSIZE
				if sig == syscall.SIGXCPU {
					res = unix.RLIMIT_CPU
				}
				if d.limits.childLimitExceeded(res) {
					d.logger.Debug("resource limit signal belongs to compile subprocess", "signal", sig.String())
					continue
				}
				d.logger.Error("daemon resource limit exceeded, exiting", "signal", sig.String())
				// Re-raise with default disposition for an orderly exit.
				signal.Stop(ch)
				unix.Kill(os.Getpid(), sig.(syscall.Signal))
			}
		}
	}()
}
