// Package wire defines the on-the-wire form of a compile exchange: the
// request and response zip archives with their fixed internal layouts, and
// the request fingerprint used as the cache key.
package wire

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jav/stapserve/internal/protocol"
	"github.com/jav/stapserve/internal/sysinfo"
)

// LocaleVariables are the environment variables forwarded to the server's
// compile subprocess. Anything else in the client environment stays local.
var LocaleVariables = []string{
	"LANG", "LC_ALL", "LC_CTYPE", "LC_COLLATE",
	"LC_MESSAGES", "LC_MONETARY", "LC_NUMERIC", "LC_TIME",
}

// Request is a compile request before packaging.
//
// Script and tapset files keep their archive-relative paths ("script/foo.stp",
// "tapset/dir/bar.stp"); Args are the compiler arguments in order, each
// carried as its own numbered file to avoid any quoting.
type Request struct {
	Version protocol.Version
	Sysinfo sysinfo.Info
	Locale  map[string]string
	Args    []string
	Files   map[string][]byte
}

// NewRequest builds a request for the local protocol version and system.
func NewRequest(info sysinfo.Info) *Request {
	return &Request{
		Version: protocol.CurrentVersion,
		Sysinfo: info,
		Locale:  map[string]string{},
		Files:   map[string][]byte{},
	}
}

// AddArg appends one compiler argument.
func (r *Request) AddArg(arg string) { r.Args = append(r.Args, arg) }

// AddScript stores script contents under script/<name> and names it in the
// packaged arguments, the way the server will see it.
func (r *Request) AddScript(name string, contents []byte) {
	rel := path.Join("script", name)
	r.Files[rel] = contents
	r.AddArg(rel)
}

// AddTapset stores an extra search-path file under tapset/<rel>.
func (r *Request) AddTapset(rel string, contents []byte) {
	r.Files[path.Join("tapset", rel)] = contents
}

// CaptureLocale copies the recognized locale variables out of environ
// ("KEY=VALUE" strings, as from os.Environ).
func (r *Request) CaptureLocale(environ []string) {
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, name := range LocaleVariables {
			if k == name {
				r.Locale[k] = v
			}
		}
	}
}

// LocaleEnv renders the captured locale variables as "KEY=VALUE" strings
// for a subprocess environment, in the recognized-variable order.
func (r *Request) LocaleEnv() []string {
	var env []string
	for _, name := range LocaleVariables {
		if v, ok := r.Locale[name]; ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// Pack serializes the request into its zip form:
//
//	version          protocol version, one line
//	sysinfo          "sysinfo: <kernel-release> <arch>\n"
//	locale           NAME=VALUE lines
//	script/…         script files
//	tapset/…         extra search paths
//	argv1, argv2, …  one file per argument, no trailing newline
func (r *Request) Pack(w io.Writer) error {
	zw := zip.NewWriter(w)

	if err := writeZipFile(zw, "version", []byte(r.Version)); err != nil {
		return err
	}
	if err := writeZipFile(zw, "sysinfo", []byte(r.Sysinfo.FileLine())); err != nil {
		return err
	}

	var locale bytes.Buffer
	for _, name := range LocaleVariables {
		if v, ok := r.Locale[name]; ok {
			fmt.Fprintf(&locale, "%s=%s\n", name, v)
		}
	}
	if err := writeZipFile(zw, "locale", locale.Bytes()); err != nil {
		return err
	}

	names := make([]string, 0, len(r.Files))
	for name := range r.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeZipFile(zw, name, r.Files[name]); err != nil {
			return err
		}
	}

	for i, arg := range r.Args {
		if err := writeZipFile(zw, fmt.Sprintf("argv%d", i+1), []byte(arg)); err != nil {
			return err
		}
	}

	return zw.Close()
}

// PackBytes is Pack into a fresh buffer.
func (r *Request) PackBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Pack(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnpackRequestDir extracts a request zip into dir, preserving the layout
// described under Pack. Entries escaping the directory are rejected.
func UnpackRequestDir(zipPath, dir string) error {
	return unzipInto(zipPath, dir)
}

// ReadRequestDir loads an unpacked request directory back into a Request.
// The server uses this to assemble the compiler invocation.
func ReadRequestDir(dir string) (*Request, error) {
	r := &Request{Locale: map[string]string{}, Files: map[string][]byte{}}

	if data, err := os.ReadFile(filepath.Join(dir, "version")); err == nil {
		r.Version = protocol.Version(strings.TrimSpace(string(data))).OrDefault()
	} else {
		r.Version = protocol.DefaultVersion
	}

	if data, err := os.ReadFile(filepath.Join(dir, "sysinfo")); err == nil {
		tag := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(data)), "sysinfo:"))
		if info, err := sysinfo.ParseTag(tag); err == nil {
			r.Sysinfo = info
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, "locale")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if k, v, ok := strings.Cut(line, "="); ok {
				for _, name := range LocaleVariables {
					if k == name {
						r.Locale[k] = v
					}
				}
			}
		}
	}

	// Arguments are numbered from 1; stop at the first gap.
	for i := 1; ; i++ {
		data, err := os.ReadFile(filepath.Join(dir, "argv"+strconv.Itoa(i)))
		if err != nil {
			break
		}
		r.Args = append(r.Args, string(data))
	}

	return r, nil
}
