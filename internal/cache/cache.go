// Package cache stores compiled artifacts keyed by request fingerprint so a
// repeated compile never contacts a server. Entries live in per-fingerprint
// directories; total size is bounded by a limit file in the cache root and
// enforced by evicting whole entries in ascending modification-time order.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jav/stapserve/internal/logutil"
)

const (
	// limitFileName holds the cache size limit, a single decimal number of
	// megabytes, created with the default on first use.
	limitFileName = "cache_mb_limit"

	// DefaultLimitMB applies when the limit file is missing.
	DefaultLimitMB = 64
)

// ErrMiss is returned by Get when no complete entry exists.
var ErrMiss = errors.New("cache miss")

// Entry is one complete cached compile result.
type Entry struct {
	Fingerprint string
	ModulePath  string // <fpr>.ko
	SigPath     string // <fpr>.ko.sgn, empty when absent
	SourcePath  string // <fpr>.c, empty when absent
}

// Cache is a size-bounded artifact store rooted at a directory. It is meant
// to be read concurrently but written from a single driver process;
// cross-process exclusion is the caller's concern.
type Cache struct {
	root   string
	logger *slog.Logger
}

// New opens (and creates, if needed) a cache rooted at dir.
func New(dir string, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{root: dir, logger: logutil.NoopIfNil(logger)}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

func (c *Cache) entryDir(fingerprint string) string {
	return filepath.Join(c.root, fingerprint)
}

// Put materializes an entry for fingerprint from the given source files
// (sigPath and sourcePath may be empty) and then enforces the size limit.
// Eviction runs before the new entry lands so that the fresh entry can never
// be the victim of its own add.
func (c *Cache) Put(fingerprint, modulePath, sigPath, sourcePath string) error {
	incoming := fileSize(modulePath)
	if sigPath != "" {
		incoming += fileSize(sigPath)
	}
	if sourcePath != "" {
		incoming += fileSize(sourcePath)
	}
	if err := c.clean(incoming); err != nil {
		c.logger.Warn("cache cleaning failed", "error", err)
	}

	dir := c.entryDir(fingerprint)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache entry: %w", err)
	}

	if err := copyFile(modulePath, filepath.Join(dir, fingerprint+".ko")); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to cache module: %w", err)
	}
	if sigPath != "" {
		if err := copyFile(sigPath, filepath.Join(dir, fingerprint+".ko.sgn")); err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("failed to cache signature: %w", err)
		}
	}
	if sourcePath != "" {
		// Failure to cache the intermediate source is not severe enough to
		// discard the module already copied.
		if err := copyFile(sourcePath, filepath.Join(dir, fingerprint+".c")); err != nil {
			c.logger.Warn("failed to cache intermediate source", "error", err)
		}
	}
	return nil
}

// Get returns the complete entry for fingerprint, or ErrMiss. A partial
// entry (module present but its .c source missing) is deleted and reported
// as a miss; a missing signature leaves SigPath empty.
func (c *Cache) Get(fingerprint string) (Entry, error) {
	dir := c.entryDir(fingerprint)
	modPath := filepath.Join(dir, fingerprint+".ko")
	if _, err := os.Stat(modPath); err != nil {
		return Entry{}, ErrMiss
	}

	e := Entry{Fingerprint: fingerprint, ModulePath: modPath}

	sigPath := modPath + ".sgn"
	if _, err := os.Stat(sigPath); err == nil {
		e.SigPath = sigPath
	}

	srcPath := filepath.Join(dir, fingerprint+".c")
	if _, err := os.Stat(srcPath); err == nil {
		e.SourcePath = srcPath
	} else {
		// The module is there but the source is not: a half-written entry.
		// Remove it and report a miss so the compile regenerates both.
		os.RemoveAll(dir)
		return Entry{}, ErrMiss
	}

	return e, nil
}

// LimitBytes reads the configured cache limit, creating the limit file with
// the default on first use.
func (c *Cache) LimitBytes() (int64, error) {
	path := filepath.Join(c.root, limitFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return 0, err
		}
		if werr := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", DefaultLimitMB)), 0o644); werr != nil {
			return 0, fmt.Errorf("failed to create cache limit file: %w", werr)
		}
		c.logger.Debug("cache limit file missing, created default",
			"path", path, "limit_mb", DefaultLimitMB)
		return DefaultLimitMB * 1024 * 1024, nil
	}
	mb, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cache limit file %s: %w", path, err)
	}
	return mb * 1024 * 1024, nil
}

// entInfo is one cache entry as seen by the cleaner. Weight is the module's
// modification time; lower weight is removed earlier.
type entInfo struct {
	dir    string
	size   int64
	weight int64
}

// Clean enforces the size limit: entries are removed whole, lowest weight
// first, until the cache is within the limit. A cache exactly at the limit
// is left alone.
func (c *Cache) Clean() error { return c.clean(0) }

// clean evicts until total + reserve fits the limit. Put passes the size of
// the entry about to land so eviction makes room for it without the fresh
// entry ever being a candidate.
func (c *Cache) clean(reserve int64) error {
	limit, err := c.LimitBytes()
	if err != nil {
		return err
	}

	dirs, err := os.ReadDir(c.root)
	if err != nil {
		return err
	}

	var entries []entInfo
	var total int64
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(c.root, d.Name())
		info := entInfo{dir: dir}
		modPath := filepath.Join(dir, d.Name()+".ko")
		fi, err := os.Stat(modPath)
		if err != nil {
			continue
		}
		info.weight = fi.ModTime().Unix()
		// Entry size counts the module, the signature and the intermediate
		// source together.
		info.size = fi.Size() + fileSize(modPath+".sgn") + fileSize(filepath.Join(dir, d.Name()+".c"))
		total += info.size
		entries = append(entries, info)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].weight < entries[j].weight })

	var removed []string
	for _, e := range entries {
		if total+reserve <= limit {
			break
		}
		if err := os.RemoveAll(e.dir); err != nil {
			return fmt.Errorf("failed to evict cache entry %s: %w", e.dir, err)
		}
		total -= e.size
		removed = append(removed, filepath.Base(e.dir))
	}
	if len(removed) > 0 {
		c.logger.Debug("cache cleaning removed entries", "entries", strings.Join(removed, ", "))
	}
	return nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
