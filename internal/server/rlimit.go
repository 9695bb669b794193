package server

import (
	"fmt"
	"os/user"

	"golang.org/x/sys/unix"
)

// Reduced limits for the compile subprocess when the daemon runs as its
// dedicated service account. Each is clamped to the daemon's own current
// limit so lowering can never raise.
const (
	limitFSizeBytes = 50000 * 1024
	limitStackBytes = 1000 * 1024
	limitCPUSeconds = 60
	limitNProc      = 20
	limitASBytes    = 500000 * 1024
)

var limitResources = []int{
	unix.RLIMIT_FSIZE,
	unix.RLIMIT_STACK,
	unix.RLIMIT_CPU,
	unix.RLIMIT_NPROC,
	unix.RLIMIT_AS,
}

var limitCeilings = map[int]uint64{
	unix.RLIMIT_FSIZE: limitFSizeBytes,
	unix.RLIMIT_STACK: limitStackBytes,
	unix.RLIMIT_CPU:   limitCPUSeconds,
	unix.RLIMIT_NPROC: limitNProc,
	unix.RLIMIT_AS:    limitASBytes,
}

// limitSet snapshots the daemon's own limits and the reduced set applied
// around each compile subprocess.
type limitSet struct {
	ours       map[int]unix.Rlimit
	translator map[int]unix.Rlimit
}

// newLimitSet captures the current limits and derives the subprocess set.
func newLimitSet() (*limitSet, error) {
	ls := &limitSet{
		ours:       make(map[int]unix.Rlimit, len(limitResources)),
		translator: make(map[int]unix.Rlimit, len(limitResources)),
	}
	for _, res := range limitResources {
		var rl unix.Rlimit
		if err := unix.Getrlimit(res, &rl); err != nil {
			return nil, fmt.Errorf("failed to obtain current resource limits: %w", err)
		}
		ls.ours[res] = rl

		reduced := rl
		if ceiling := limitCeilings[res]; reduced.Cur > ceiling {
			reduced.Cur = ceiling
		}
		ls.translator[res] = reduced
	}
	return ls, nil
}

// lower applies the subprocess limits to the daemon so the spawned compiler
// inherits them.
func (ls *limitSet) lower() error {
	for _, res := range limitResources {
		rl := ls.translator[res]
		if err := unix.Setrlimit(res, &rl); err != nil {
			return fmt.Errorf("failed to set resource limits: %w", err)
		}
	}
	return nil
}

// restore puts the daemon's own limits back after the subprocess exits.
func (ls *limitSet) restore() error {
	for _, res := range limitResources {
		rl := ls.ours[res]
		if err := unix.Setrlimit(res, &rl); err != nil {
			return fmt.Errorf("failed to restore resource limits: %w", err)
		}
	}
	return nil
}

// childLimitExceeded reports whether the current soft limit for res is
// below the daemon's saved one, meaning a delivered SIGXFSZ/SIGXCPU belongs
// to the lowered subprocess limits, not the daemon's own.
func (ls *limitSet) childLimitExceeded(res int) bool {
	var rl unix.Rlimit
	if err := unix.Getrlimit(res, &rl); err != nil {
		return false
	}
	return rl.Cur < ls.ours[res].Cur
}

// limitsForUser returns the limit set when the effective user is the
// configured service account, nil otherwise.
func limitsForUser(serviceUser string) (*limitSet, error) {
	if serviceUser == "" {
		return nil, nil
	}
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("unable to determine effective user name: %w", err)
	}
	if u.Username != serviceUser {
		return nil, nil
	}
	return newLimitSet()
}
