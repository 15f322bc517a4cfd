package buildsys

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCache(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "state", "cache.db")

	cache, err := OpenCache(file)
	if err != nil {
		t.Fatal(err)
	}

	if _, found, err := cache.Lookup("style"); err != nil || found {
		t.Fatalf("empty cache returned an entry (%v)", err)
	}

	output := filepath.Join(dir, "a.css")
	if err := os.WriteFile(output, []byte("a{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry := CacheEntry{Fingerprint: "abc", Outputs: []string{output}, Updated: time.Now()}
	if err := cache.Store("style", entry); err != nil {
		t.Fatal(err)
	}

	// entries survive reopening
	if err := cache.Close(); err != nil {
		t.Fatal(err)
	}
	cache, err = OpenCache(file)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	got, found, err := cache.Lookup("style")
	if err != nil || !found || got.Fingerprint != "abc" || len(got.Outputs) != 1 {
		t.Fatalf("unexpected entry %+v (found: %v, err: %v)", got, found, err)
	}

	if ok, err := cache.upToDate("style", "abc"); err != nil || !ok {
		t.Fatalf("expected up to date (%v)", err)
	}
	if ok, _ := cache.upToDate("style", "other"); ok {
		t.Fatal("different fingerprint reported as up to date")
	}

	if err := os.Remove(output); err != nil {
		t.Fatal(err)
	}
	if ok, _ := cache.upToDate("style", "abc"); ok {
		t.Fatal("missing output reported as up to date")
	}

	if err := cache.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := cache.Lookup("style"); found {
		t.Fatal("Reset kept the entry")
	}
}
