package server

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jav/stapserve/internal/protocol"
	"github.com/jav/stapserve/internal/wire"
)

// scratchName is the fixed compiler scratch directory inside a response,
// named so the client's stapNNNNNN glob finds it.
const scratchName = "stap000000"

// handleRequest runs the compiler on an unpacked request and fills the
// response directory. Failures land in the response's stderr file so the
// client sees them as compiler output; the exchange itself still completes.
func (d *Daemon) handleRequest(requestDir, responseDir string) {
	stderrPath := filepath.Join(responseDir, wire.ResponseStderrFile)

	// The client learns our version even when the request goes nowhere.
	writeResponseFile(responseDir, wire.ResponseVersionFile, string(protocol.CurrentVersion))

	req, err := wire.ReadRequestDir(requestDir)
	if err != nil {
		d.serverError(stderrPath, fmt.Sprintf("unable to read client request: %v", err))
		return
	}
	d.logger.Info("client request", "version", req.Version, "args", len(req.Args))

	scratch := filepath.Join(responseDir, scratchName)
	if err := os.Mkdir(scratch, 0o700); err != nil {
		d.serverError(stderrPath, fmt.Sprintf("could not create temporary directory %s: %v", scratch, err))
		return
	}

	args := make([]string, 0, len(d.cfg.Server.StapOptions)+len(req.Args)+2)
	args = append(args, d.cfg.Server.StapOptions...)
	args = append(args, "--tmpdir="+scratch, "--client-options")
	args = append(args, req.Args...)

	rc := d.spawnCompiler(args, req.LocaleEnv(), requestDir, responseDir)
	writeResponseFile(responseDir, wire.ResponseRCFile, fmt.Sprintf("%d", rc))

	// Unprivileged clients need the module (and any auxiliary module)
	// signed before their runtime will load it.
	privilege := protocol.PrivilegeFromArgs(req.Args)
	if privilege.NeedsSigning() {
		d.signModule(scratch, stderrPath)
	}
	d.placeUprobes(scratch, responseDir, req.Version, privilege, stderrPath)

	// Keep server-side paths out of the response.
	filterResponseFile(filepath.Join(responseDir, wire.ResponseStdoutFile), responseDir)
	filterResponseFile(stderrPath, responseDir)
}

// spawnCompiler runs the compiler with explicit fd plumbing: stdin from
// /dev/null, stdout/stderr into the response (stderr appended, since the
// server writes there too), CWD the request directory, and the client's
// locale variables layered over the daemon environment. Resource limits are
// lowered around the spawn and restored after the child exits.
func (d *Daemon) spawnCompiler(args, localeEnv []string, requestDir, responseDir string) int {
	stderrPath := filepath.Join(responseDir, wire.ResponseStderrFile)

	stdout, err := os.OpenFile(filepath.Join(responseDir, wire.ResponseStdoutFile),
		os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		d.serverError(stderrPath, fmt.Sprintf("unable to open stdout file: %v", err))
		return 1
	}
	defer stdout.Close()

	stderr, err := os.OpenFile(stderrPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		d.serverError(stderrPath, fmt.Sprintf("unable to open stderr file: %v", err))
		return 1
	}
	defer stderr.Close()

	ctx := d.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := exec.CommandContext(ctx, d.cfg.Server.StapCommand, args...)
	cmd.Dir = requestDir
	cmd.Stdin = nil // /dev/null
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), localeEnv...)

	if d.limits != nil {
		if err := d.limits.lower(); err != nil {
			d.serverError(stderrPath, fmt.Sprintf("unable to set resource limits: %v", err))
			return 1
		}
	}
	runErr := cmd.Run()
	if d.limits != nil {
		if err := d.limits.restore(); err != nil {
			d.logger.Warn("unable to restore resource limits", "error", err)
		}
	}

	if runErr == nil {
		return 0
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// Killed by a signal, typically a resource limit. The daemon keeps
		// serving; the client sees a nonzero rc with the diagnostic below.
		d.serverError(stderrPath, fmt.Sprintf("compiler terminated: %v", exitErr))
		return 1
	}
	d.serverError(stderrPath, fmt.Sprintf("error spawning compiler: %v", runErr))
	return 1
}

// signModule signs the single compiled module inside the scratch directory.
func (d *Daemon) signModule(scratch, stderrPath string) {
	matches, err := filepath.Glob(filepath.Join(scratch, "*.ko"))
	if err != nil || len(matches) == 0 {
		d.serverError(stderrPath, fmt.Sprintf("unable to find a module in %s", scratch))
		return
	}
	if len(matches) != 1 {
		d.serverError(stderrPath, fmt.Sprintf("too many modules (%d) in %s", len(matches), scratch))
		return
	}
	if err := d.certMgr.SignFile(d.cert, matches[0]); err != nil {
		d.serverError(stderrPath, fmt.Sprintf("unable to sign module: %v", err))
	}
}

// placeUprobes handles the auxiliary runtime module when the compile
// produced one: pre-1.6 clients get a copy at the response root, and
// unprivileged sessions get it signed wherever it lives.
func (d *Daemon) placeUprobes(scratch, responseDir string, clientVersion protocol.Version,
	privilege protocol.Privilege, stderrPath string) {
	uprobes := filepath.Join(scratch, filepath.FromSlash(wire.UprobesPath))
	if fi, err := os.Stat(uprobes); err != nil || fi.Size() == 0 {
		return
	}

	target := uprobes
	if clientVersion.Less("1.6") {
		target = filepath.Join(responseDir, wire.LegacyUprobesName)
		data, err := os.ReadFile(uprobes)
		if err == nil {
			err = os.WriteFile(target, data, 0o600)
		}
		if err != nil {
			d.serverError(stderrPath, fmt.Sprintf("could not copy %s to %s: %v", uprobes, target, err))
			return
		}
	}

	if privilege.NeedsSigning() {
		if err := d.certMgr.SignFile(d.cert, target); err != nil {
			d.serverError(stderrPath, fmt.Sprintf("unable to sign %s: %v", target, err))
		}
	}
}

// serverError logs a message and mirrors it into the response stderr file,
// where the client will surface it alongside compiler diagnostics.
func (d *Daemon) serverError(stderrPath, msg string) {
	d.logger.Error(msg)
	f, err := os.OpenFile(stderrPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "Server: %s\n", msg)
}

func writeResponseFile(dir, name, contents string) {
	os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o600)
}

// filterResponseFile rewrites the daemon home directory and the response
// directory to a placeholder so leaked absolute paths cannot disclose
// server-side layout.
func filterResponseFile(path, responseDir string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	s := string(data)
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		s = strings.ReplaceAll(s, home, "<server>")
	}
	s = strings.ReplaceAll(s, responseDir, "<server>")
	os.WriteFile(path, []byte(s), 0o600)
}
