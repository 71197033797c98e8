package cache

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"io"
	"testing"
	"time"

	"peercache/internal/crypto/noiseconn"
	"peercache/internal/netx"
	"peercache/internal/stream"
)

func newTestClient(t *testing.T, pk ed25519.PublicKey) *Client {
	t.Helper()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	lru, err := OpenLru(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("OpenLru: %v", err)
	}
	key, err := noiseconn.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	c := NewClient(ClientConfig{
		Store:     store,
		Lru:       lru,
		PublicKey: pk,
		Network:   netx.NewTCPNetwork(),
		BindAddr:  "127.0.0.1:0",
		NoiseKey:  key,
		Logf:      t.Logf,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_FetchFromPeerVerifiesAndStores(t *testing.T) {
	pk := storeTestKey(t).Public().(ed25519.PublicKey)

	server := newTestClient(t, pk)
	if err := server.cfg.Store.Store(storeTestURI, verifiedTestStream(t, storeTestURI)); err != nil {
		t.Fatalf("seed server store: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}

	fetcher := newTestClient(t, pk)

	sess, err := fetcher.fetchFrom(context.Background(), string(server.Addr()), storeTestURI)
	if err != nil {
		t.Fatalf("fetchFrom: %v", err)
	}

	var body bytes.Buffer
	for {
		p, err := sess.ReadPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("session read: %v", err)
		}
		if b, ok := p.(stream.ChunkBody); ok {
			body.Write(b)
		}
	}
	sess.Close()

	if !bytes.Equal(body.Bytes(), storeTestBody()) {
		t.Fatalf("fetched body differs")
	}

	// The tee stores the fetched response in the background.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := fetcher.cfg.Store.Reader(storeTestURI); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fetched response never reached the store")
		}
		time.Sleep(20 * time.Millisecond)
	}
	storeReplayVerifies(t, fetcher.cfg.Store)
}

func TestClient_LoadLocalHit(t *testing.T) {
	pk := storeTestKey(t).Public().(ed25519.PublicKey)

	c := newTestClient(t, pk)
	if err := c.cfg.Store.Store(storeTestURI, verifiedTestStream(t, storeTestURI)); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	sess, err := c.loadLocal(storeTestURI)
	if err != nil {
		t.Fatalf("loadLocal: %v", err)
	}
	defer sess.Close()

	head := sess.Head()
	if head.Status != 200 {
		t.Fatalf("head status = %d", head.Status)
	}

	var body bytes.Buffer
	for {
		p, err := sess.ReadPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("session read: %v", err)
		}
		if b, ok := p.(stream.ChunkBody); ok {
			body.Write(b)
		}
	}
	if !bytes.Equal(body.Bytes(), storeTestBody()) {
		t.Fatalf("local session body differs")
	}
}

func TestClient_StaleEntryDropped(t *testing.T) {
	pk := storeTestKey(t).Public().(ed25519.PublicKey)

	c := newTestClient(t, pk)
	// The canned injection is from 2018; one hour of allowed age makes
	// it stale.
	c.cfg.MaxCachedAge = time.Hour

	if err := c.cfg.Store.Store(storeTestURI, verifiedTestStream(t, storeTestURI)); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	if _, err := c.loadLocal(storeTestURI); err == nil {
		t.Fatalf("stale entry served")
	}
	if _, err := c.cfg.Store.Reader(storeTestURI); err != ErrNotFound {
		t.Fatalf("stale entry not removed: %v", err)
	}
}

func TestTeeParts_SideSeesEverything(t *testing.T) {
	inner := &fixedParts{parts: []stream.Part{
		stream.ChunkHdr{Size: 1},
		stream.ChunkBody("x"),
	}}
	main, side := teeParts(inner)

	var got []stream.Part
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			p, err := side.ReadPart()
			if err != nil {
				return
			}
			got = append(got, p)
		}
	}()

	for {
		_, err := main.ReadPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("main read: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("side reader never finished")
	}
	if len(got) != 2 {
		t.Fatalf("side saw %d parts, want 2", len(got))
	}
}

func TestTeeParts_ClosedSideDoesNotBlockMain(t *testing.T) {
	parts := make([]stream.Part, 0, 100)
	for i := 0; i < 100; i++ {
		parts = append(parts, stream.ChunkBody("data"))
	}
	main, side := teeParts(&fixedParts{parts: parts})
	side.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := main.ReadPart(); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("main blocked after the side detached")
	}
}
