// Package dhtstore persists DHT contacts that have replied to us, so a
// later run can bootstrap from known-good peers before falling back to
// the public seed hosts.
package dhtstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bByID      = "contacts_by_id"
	bBySuccess = "contacts_by_success"

	defaultTO = 2 * time.Second

	maxFailures = 5
)

type contactRecord struct {
	ID          string    `json:"id"` // hex node id
	Addr        string    `json:"addr"`
	LastSuccess time.Time `json:"last_success"`
	Failures    int       `json:"failures"`
}

// Store is a BoltDB-backed contact cache.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bByID)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bBySuccess)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// NoteSuccess records a reply from a contact, resetting its failure count
// and refreshing its position in the by-success index.
func (s *Store) NoteSuccess(idHex, addr string) {
	if idHex == "" || addr == "" {
		return
	}
	now := time.Now()

	_ = s.db.Update(func(tx *bolt.Tx) error {
		byID := tx.Bucket([]byte(bByID))
		bySuccess := tx.Bucket([]byte(bBySuccess))

		var rec contactRecord
		if raw := byID.Get([]byte(idHex)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err == nil && !rec.LastSuccess.IsZero() {
				_ = bySuccess.Delete(tsKey(rec.LastSuccess, rec.ID))
			}
		}
		rec = contactRecord{ID: idHex, Addr: addr, LastSuccess: now}

		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := byID.Put([]byte(idHex), raw); err != nil {
			return err
		}
		return bySuccess.Put(tsKey(now, idHex), nil)
	})
}

// NoteFailure bumps a contact's failure count; contacts past maxFailures
// are dropped.
func (s *Store) NoteFailure(idHex string) {
	if idHex == "" {
		return
	}

	_ = s.db.Update(func(tx *bolt.Tx) error {
		byID := tx.Bucket([]byte(bByID))
		bySuccess := tx.Bucket([]byte(bBySuccess))

		raw := byID.Get([]byte(idHex))
		if raw == nil {
			return nil
		}
		var rec contactRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return byID.Delete([]byte(idHex))
		}

		rec.Failures++
		if rec.Failures > maxFailures {
			if !rec.LastSuccess.IsZero() {
				_ = bySuccess.Delete(tsKey(rec.LastSuccess, rec.ID))
			}
			return byID.Delete([]byte(idHex))
		}

		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return byID.Put([]byte(idHex), out)
	})
}

// Candidates returns addresses to try first, most recently successful
// first, deduplicated.
func (s *Store) Candidates(limit int) []string {
	if limit <= 0 {
		return nil
	}

	out := make([]string, 0, limit)
	seen := make(map[string]struct{})

	_ = s.db.View(func(tx *bolt.Tx) error {
		byID := tx.Bucket([]byte(bByID))
		bySuccess := tx.Bucket([]byte(bBySuccess))

		c := bySuccess.Cursor()
		for k, _ := c.Last(); k != nil && len(out) < limit; k, _ = c.Prev() {
			_, id := splitTSKey(k)
			if id == "" {
				continue
			}
			raw := byID.Get([]byte(id))
			if raw == nil {
				continue
			}
			var rec contactRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			if rec.Addr == "" {
				continue
			}
			if _, ok := seen[rec.Addr]; ok {
				continue
			}
			seen[rec.Addr] = struct{}{}
			out = append(out, rec.Addr)
		}
		return nil
	})
	return out
}

func tsKey(ts time.Time, id string) []byte {
	// big-endian timestamp for correct ordering; 0x00 + id for uniqueness.
	b := make([]byte, 8+1+len(id))
	binary.BigEndian.PutUint64(b[:8], uint64(ts.UnixMilli()))
	b[8] = 0
	copy(b[9:], id)
	return b
}

func splitTSKey(k []byte) (int64, string) {
	if len(k) < 9 {
		return 0, ""
	}
	return int64(binary.BigEndian.Uint64(k[:8])), string(k[9:])
}
