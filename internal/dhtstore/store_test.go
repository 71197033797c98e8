package dhtstore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "contacts.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CandidatesMostRecentFirst(t *testing.T) {
	s := openTestStore(t)

	// Millisecond timestamps order the index; space the notes out.
	s.NoteSuccess("aa", "10.0.0.1:6881")
	time.Sleep(2 * time.Millisecond)
	s.NoteSuccess("bb", "10.0.0.2:6881")
	time.Sleep(2 * time.Millisecond)
	s.NoteSuccess("cc", "10.0.0.3:6881")
	time.Sleep(2 * time.Millisecond)
	s.NoteSuccess("aa", "10.0.0.1:6881") // refreshed, most recent again

	got := s.Candidates(10)
	if len(got) != 3 {
		t.Fatalf("candidates = %v", got)
	}
	if got[0] != "10.0.0.1:6881" {
		t.Fatalf("most recent first, got %v", got)
	}
}

func TestStore_CandidatesLimit(t *testing.T) {
	s := openTestStore(t)
	s.NoteSuccess("aa", "10.0.0.1:6881")
	s.NoteSuccess("bb", "10.0.0.2:6881")

	if got := s.Candidates(1); len(got) != 1 {
		t.Fatalf("limit ignored: %v", got)
	}
	if got := s.Candidates(0); got != nil {
		t.Fatalf("zero limit must return nothing, got %v", got)
	}
}

func TestStore_FailuresEvict(t *testing.T) {
	s := openTestStore(t)
	s.NoteSuccess("aa", "10.0.0.1:6881")

	for i := 0; i <= maxFailures; i++ {
		s.NoteFailure("aa")
	}

	if got := s.Candidates(10); len(got) != 0 {
		t.Fatalf("failed contact still a candidate: %v", got)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.NoteSuccess("aa", "10.0.0.1:6881")
	s.Close()

	re, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()

	if got := re.Candidates(10); len(got) != 1 || got[0] != "10.0.0.1:6881" {
		t.Fatalf("contact lost across reopen: %v", got)
	}
}
