package cache

import (
	"fmt"
	"os"
	"testing"
	"time"
)

func openTestLru(t *testing.T, dir string, size int) *PersistentLru {
	t.Helper()
	l, err := OpenLru(dir, size)
	if err != nil {
		t.Fatalf("OpenLru: %v", err)
	}
	return l
}

func TestLru_EvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	l := openTestLru(t, dir, 10)

	// Pin a strictly increasing clock so recency is unambiguous.
	var tick int64
	l.now = func() time.Time {
		tick++
		return time.UnixMilli(tick)
	}

	for i := 1; i <= 11; i++ {
		if err := l.Insert(fmt.Sprintf("k%d", i), []byte("v")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if l.Size() != 10 {
		t.Fatalf("size = %d, want 10", l.Size())
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(files) != 10 {
		t.Fatalf("directory holds %d files, want 10", len(files))
	}
	if l.Exists("k1") {
		t.Fatalf("k1 not evicted")
	}

	// Touch k2, then insert one more: k3 is the tail now, not k2.
	if _, ok := l.Find("k2"); !ok {
		t.Fatalf("k2 missing")
	}
	if err := l.Insert("k12", []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if l.Exists("k3") {
		t.Fatalf("k3 survived eviction")
	}
	if !l.Exists("k2") {
		t.Fatalf("k2 was evicted despite the recent find")
	}
}

func TestLru_FindReturnsValue(t *testing.T) {
	l := openTestLru(t, t.TempDir(), 4)

	if err := l.Insert("key", []byte("value-bytes")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok := l.Find("key")
	if !ok || string(got) != "value-bytes" {
		t.Fatalf("Find = %q, %v", got, ok)
	}
	if _, ok := l.Find("other"); ok {
		t.Fatalf("found a key never inserted")
	}
}

func TestLru_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l := openTestLru(t, dir, 10)

	var tick int64
	l.now = func() time.Time {
		tick++
		return time.UnixMilli(tick)
	}

	for i := 1; i <= 5; i++ {
		if err := l.Insert(fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	re := openTestLru(t, dir, 10)
	if re.Size() != 5 {
		t.Fatalf("reopened size = %d, want 5", re.Size())
	}
	got, ok := re.Find("k3")
	if !ok || string(got) != "v3" {
		t.Fatalf("reopened Find(k3) = %q, %v", got, ok)
	}

	// Oldest first after reopen: reopening with a smaller bound evicts k1.
	small := openTestLru(t, dir, 4)
	if small.Exists("k1") {
		t.Fatalf("reopening with a smaller bound kept the oldest entry")
	}
	if !small.Exists("k5") {
		t.Fatalf("reopening dropped the newest entry")
	}
}

func TestLru_EvictCallback(t *testing.T) {
	l := openTestLru(t, t.TempDir(), 2)

	var tick int64
	l.now = func() time.Time {
		tick++
		return time.UnixMilli(tick)
	}

	var evicted []string
	l.OnEvict = func(key string) { evicted = append(evicted, key) }

	for _, k := range []string{"a", "b", "c"} {
		if err := l.Insert(k, nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("evicted = %v, want [a]", evicted)
	}
}

func TestLru_MalformedFileRemovedOnLoad(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/garbage", []byte("xx"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l := openTestLru(t, dir, 4)
	if l.Size() != 0 {
		t.Fatalf("garbage file became an entry")
	}
	if _, err := os.Stat(dir + "/garbage"); !os.IsNotExist(err) {
		t.Fatalf("garbage file not removed")
	}
}
