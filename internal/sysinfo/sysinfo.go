// Package sysinfo derives the target-system tag exchanged between client and
// server: the kernel release and the normalized machine architecture.
package sysinfo

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Info is the target system a compile request is built for.
type Info struct {
	KernelRelease string
	Architecture  string
}

// Tag is the wire form, "<kernel-release> <arch>", as carried in the sysinfo
// request file and the discovery TXT record.
func (i Info) Tag() string {
	return i.KernelRelease + " " + i.Architecture
}

// FileLine is the sysinfo request-file contents.
func (i Info) FileLine() string {
	return fmt.Sprintf("sysinfo: %s\n", i.Tag())
}

// Local queries the running kernel.
func Local() (Info, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return Info{}, fmt.Errorf("uname: %w", err)
	}
	return Info{
		KernelRelease: cstr(uts.Release[:]),
		Architecture:  NormalizeMachine(cstr(uts.Machine[:])),
	}, nil
}

// ParseTag splits a "<release> <arch>" tag. Extra fields are tolerated and
// ignored.
func ParseTag(tag string) (Info, error) {
	fields := strings.Fields(tag)
	if len(fields) < 2 {
		return Info{}, fmt.Errorf("malformed sysinfo tag %q", tag)
	}
	return Info{KernelRelease: fields[0], Architecture: fields[1]}, nil
}

// NormalizeMachine folds equivalent uname -m values into the architecture
// name used by kernel build trees.
func NormalizeMachine(machine string) string {
	switch {
	case len(machine) == 4 && machine[0] == 'i' && machine[2] == '8' && machine[3] == '6':
		return "i386"
	case machine == "sun4u":
		return "sparc64"
	case strings.HasPrefix(machine, "arm"):
		return "arm"
	case strings.HasPrefix(machine, "sa1"):
		return "arm"
	case strings.HasPrefix(machine, "s390"):
		return "s390"
	case strings.HasPrefix(machine, "ppc"):
		return "powerpc"
	case strings.HasPrefix(machine, "mips"):
		return "mips"
	case strings.HasPrefix(machine, "sh2"), strings.HasPrefix(machine, "sh3"), strings.HasPrefix(machine, "sh4"):
		return "sh"
	}
	return machine
}

func cstr(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
