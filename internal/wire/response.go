package wire

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jav/stapserve/internal/protocol"
)

// Response file names inside the response archive.
const (
	ResponseVersionFile = "version"
	ResponseRCFile      = "rc"
	ResponseStdoutFile  = "stdout"
	ResponseStderrFile  = "stderr"

	// UprobesPath is where 1.6+ servers leave the auxiliary runtime module,
	// relative to the compiler scratch directory.
	UprobesPath = "uprobes/uprobes.ko"

	// LegacyUprobesName is where pre-1.6 clients expect it, relative to the
	// response root.
	LegacyUprobesName = "uprobes.ko"
)

// ScratchDirPrefix prefixes the compiler scratch directory inside the
// response ("stapNNNNNN").
const ScratchDirPrefix = "stap"

// Response is an unpacked server response rooted at a directory.
type Response struct {
	Dir     string
	Version protocol.Version
	RC      int
}

// OpenResponseDir reads the version and rc files of an unpacked response.
// A missing rc is an error (the exchange did not complete); a missing
// version falls back to the default for very old servers.
func OpenResponseDir(dir string) (*Response, error) {
	r := &Response{Dir: dir, Version: protocol.DefaultVersion}

	if data, err := os.ReadFile(filepath.Join(dir, ResponseVersionFile)); err == nil {
		r.Version = protocol.Version(strings.TrimSpace(string(data))).OrDefault()
	}

	data, err := os.ReadFile(filepath.Join(dir, ResponseRCFile))
	if err != nil {
		return nil, fmt.Errorf("server response carries no rc: %w", err)
	}
	rc, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("malformed rc in server response: %w", err)
	}
	r.RC = rc
	return r, nil
}

// StdoutPath returns the response stdout file path.
func (r *Response) StdoutPath() string { return filepath.Join(r.Dir, ResponseStdoutFile) }

// StderrPath returns the response stderr file path.
func (r *Response) StderrPath() string { return filepath.Join(r.Dir, ResponseStderrFile) }

// ScratchDir locates the single stapNNNNNN scratch directory inside the
// response, or "" when the server produced none. More than one is an error.
func (r *Response) ScratchDir() (string, error) {
	matches, err := filepath.Glob(filepath.Join(r.Dir, ScratchDirPrefix+"??????"))
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			dirs = append(dirs, m)
		}
	}
	switch len(dirs) {
	case 0:
		return "", nil
	case 1:
		return dirs[0], nil
	}
	return "", fmt.Errorf("incorrect number of scratch directories in server response: %d", len(dirs))
}

// Module locates the single compiled module inside the response scratch
// directory, or "" when none was produced.
func (r *Response) Module() (string, error) {
	scratch, err := r.ScratchDir()
	if err != nil || scratch == "" {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(scratch, "*.ko"))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", nil
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("incorrect number of modules in server response: %d", len(matches))
}

// Uprobes locates the auxiliary runtime module, honoring the layout of the
// server's protocol version: inside the scratch directory for 1.6+, at the
// response root for older servers.
func (r *Response) Uprobes() string {
	var p string
	if r.Version.Less("1.6") {
		p = filepath.Join(r.Dir, LegacyUprobesName)
	} else {
		scratch, err := r.ScratchDir()
		if err != nil || scratch == "" {
			return ""
		}
		p = filepath.Join(scratch, filepath.FromSlash(UprobesPath))
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// UnpackResponseDir extracts a response zip into dir.
func UnpackResponseDir(zipPath, dir string) error {
	return unzipInto(zipPath, dir)
}
