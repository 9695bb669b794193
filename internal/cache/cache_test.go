package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newCache(t *testing.T, limitMB int) *Cache {
	t.Helper()
	dir := t.TempDir()
	if limitMB > 0 {
		err := os.WriteFile(filepath.Join(dir, "cache_mb_limit"), []byte(fmt.Sprintf("%d\n", limitMB)), 0o644)
		if err != nil {
			t.Fatal(err)
		}
	}
	c, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// writeSource creates a file of the given size to use as a Put source.
func writeSource(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newCache(t, 0)
	src := t.TempDir()
	mod := writeSource(t, src, "m.ko", 128)
	sig := writeSource(t, src, "m.ko.sgn", 16)
	cfile := writeSource(t, src, "m.c", 64)

	if err := c.Put("fpr1", mod, sig, cfile); err != nil {
		t.Fatal(err)
	}

	e, err := c.Get("fpr1")
	if err != nil {
		t.Fatal(err)
	}
	if e.ModulePath == "" || e.SigPath == "" || e.SourcePath == "" {
		t.Errorf("incomplete entry: %+v", e)
	}
	data, err := os.ReadFile(e.ModulePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 128 {
		t.Errorf("module size = %d, want 128", len(data))
	}
}

func TestGetMiss(t *testing.T) {
	c := newCache(t, 0)
	if _, err := c.Get("nope"); !errors.Is(err, ErrMiss) {
		t.Fatalf("err = %v, want ErrMiss", err)
	}
}

func TestGetPartialEntryDeleted(t *testing.T) {
	c := newCache(t, 0)
	src := t.TempDir()
	mod := writeSource(t, src, "m.ko", 128)
	cfile := writeSource(t, src, "m.c", 64)

	if err := c.Put("fpr1", mod, "", cfile); err != nil {
		t.Fatal(err)
	}
	// Corrupt the entry: module present, source companion gone.
	if err := os.Remove(filepath.Join(c.Root(), "fpr1", "fpr1.c")); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Get("fpr1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("err = %v, want ErrMiss", err)
	}
	// The partial entry must be gone entirely.
	if _, err := os.Stat(filepath.Join(c.Root(), "fpr1")); !os.IsNotExist(err) {
		t.Errorf("partial entry not deleted: %v", err)
	}
}

func TestLimitFileCreatedWithDefault(t *testing.T) {
	c := newCache(t, 0)
	limit, err := c.LimitBytes()
	if err != nil {
		t.Fatal(err)
	}
	if limit != DefaultLimitMB*1024*1024 {
		t.Errorf("limit = %d, want %d MiB", limit, DefaultLimitMB)
	}
	data, err := os.ReadFile(filepath.Join(c.Root(), "cache_mb_limit"))
	if err != nil {
		t.Fatalf("limit file not created: %v", err)
	}
	if string(data) != "64\n" {
		t.Errorf("limit file contents = %q", data)
	}
}

// putSized inserts an entry totalling exactly size bytes with the given
// module mtime, so eviction ordering is deterministic.
func putSized(t *testing.T, c *Cache, fpr string, size int, mtime time.Time) {
	t.Helper()
	src := t.TempDir()
	mod := writeSource(t, src, fpr+".ko", size/2)
	cfile := writeSource(t, src, fpr+".c", size-size/2)
	if err := c.Put(fpr, mod, "", cfile); err != nil {
		t.Fatal(err)
	}
	modPath := filepath.Join(c.Root(), fpr, fpr+".ko")
	if err := os.Chtimes(modPath, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestEvictionOrder(t *testing.T) {
	const mib = 1024 * 1024
	c := newCache(t, 3)

	base := time.Now().Add(-time.Hour)
	putSized(t, c, "e1", mib, base.Add(1*time.Minute))
	putSized(t, c, "e2", mib, base.Add(2*time.Minute))
	putSized(t, c, "e3", mib, base.Add(3*time.Minute))
	putSized(t, c, "e4", mib, base.Add(4*time.Minute))

	// Exactly the oldest entry makes room for e4.
	for _, want := range []struct {
		fpr     string
		present bool
	}{
		{"e1", false},
		{"e2", true},
		{"e3", true},
		{"e4", true},
	} {
		_, err := c.Get(want.fpr)
		if present := err == nil; present != want.present {
			t.Errorf("entry %s present = %v, want %v", want.fpr, present, want.present)
		}
	}
}

func TestNoEvictionAtExactLimit(t *testing.T) {
	const mib = 1024 * 1024
	c := newCache(t, 3)

	base := time.Now().Add(-time.Hour)
	putSized(t, c, "e1", mib, base.Add(1*time.Minute))
	putSized(t, c, "e2", mib, base.Add(2*time.Minute))
	putSized(t, c, "e3", mib, base.Add(3*time.Minute))

	// At exactly the limit an explicit clean removes nothing.
	if err := c.Clean(); err != nil {
		t.Fatal(err)
	}
	for _, fpr := range []string{"e1", "e2", "e3"} {
		if _, err := c.Get(fpr); err != nil {
			t.Errorf("entry %s evicted at exact limit", fpr)
		}
	}
}

func TestEvictionCountsAllEntryFiles(t *testing.T) {
	// A 2 MiB limit with one 1.5 MiB entry split across .ko/.sgn/.c: the
	// whole entry counts, so adding a second 1.5 MiB entry evicts the first.
	c := newCache(t, 2)
	src := t.TempDir()
	half := 512 * 1024

	mod := writeSource(t, src, "a.ko", half)
	sig := writeSource(t, src, "a.sgn", half)
	cfile := writeSource(t, src, "a.c", half)
	if err := c.Put("a", mod, sig, cfile); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(c.Root(), "a", "a.ko"), old, old); err != nil {
		t.Fatal(err)
	}

	mod2 := writeSource(t, src, "b.ko", half)
	sig2 := writeSource(t, src, "b.sgn", half)
	cfile2 := writeSource(t, src, "b.c", half)
	if err := c.Put("b", mod2, sig2, cfile2); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Get("a"); !errors.Is(err, ErrMiss) {
		t.Error("entry a should have been evicted; its companion files must count toward its size")
	}
	if _, err := c.Get("b"); err != nil {
		t.Errorf("entry b missing: %v", err)
	}
}
