package aotcache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestPutGet(t *testing.T) {
	cache := openTestCache(t)
	e := Entry{
		Class:    "demo.Counters",
		Status:   "initialized",
		Strict:   true,
		Duration: 1500 * time.Microsecond,
	}
	if err := cache.Put(e); err != nil {
		t.Fatal(err)
	}

	got, err := cache.Get("demo.Counters")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "initialized" || !got.Strict || got.Duration != e.Duration {
		t.Errorf("entry %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not defaulted")
	}
}

func TestGetMissing(t *testing.T) {
	cache := openTestCache(t)
	if _, err := cache.Get("no.Such"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error %v, want ErrNotFound", err)
	}
}

func TestPutReplaces(t *testing.T) {
	cache := openTestCache(t)
	if err := cache.Put(Entry{Class: "demo.Meddler", Status: "resolved", AbortMessage: "Can't set fields of class demo.Counters"}); err != nil {
		t.Fatal(err)
	}
	if err := cache.Put(Entry{Class: "demo.Meddler", Status: "initialized"}); err != nil {
		t.Fatal(err)
	}

	got, err := cache.Get("demo.Meddler")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "initialized" || got.AbortMessage != "" {
		t.Errorf("entry %+v after replace", got)
	}

	entries, err := cache.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("%d entries after replace", len(entries))
	}
}

func TestListOrdering(t *testing.T) {
	cache := openTestCache(t)
	for _, name := range []string{"z.Last", "a.First", "m.Middle"} {
		if err := cache.Put(Entry{Class: name, Status: "initialized"}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := cache.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("%d entries", len(entries))
	}
	for i, want := range []string{"a.First", "m.Middle", "z.Last"} {
		if entries[i].Class != want {
			t.Errorf("entry %d is %q, want %q", i, entries[i].Class, want)
		}
	}
}

func TestPrune(t *testing.T) {
	cache := openTestCache(t)
	old := Entry{Class: "demo.Stale", Status: "erroneous", UpdatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := Entry{Class: "demo.Fresh", Status: "initialized"}
	for _, e := range []Entry{old, fresh} {
		if err := cache.Put(e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := cache.Prune(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d entries, want 1", n)
	}
	if _, err := cache.Get("demo.Stale"); !errors.Is(err, ErrNotFound) {
		t.Error("stale entry survived pruning")
	}
	if _, err := cache.Get("demo.Fresh"); err != nil {
		t.Errorf("fresh entry pruned: %v", err)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cache, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.Put(Entry{Class: "demo.Persist", Status: "initialized"}); err != nil {
		t.Fatal(err)
	}
	if err := cache.Close(); err != nil {
		t.Fatal(err)
	}

	cache, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()
	if _, err := cache.Get("demo.Persist"); err != nil {
		t.Errorf("entry lost across reopen: %v", err)
	}
}
