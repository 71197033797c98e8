package dht

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestLookup_FindsSeededNode(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	bID := b.ID()
	a.Table().TryAdd(Contact{ID: bID, Addr: b.LocalAddr()}, true)

	got, err := a.FindClosestNodes(context.Background(), randID(t), nil)
	if err != nil {
		t.Fatalf("FindClosestNodes: %v", err)
	}
	if len(got) != 1 || got[0].ID != bID {
		t.Fatalf("expected just the seeded node, got %v", got)
	}
}

func TestLookup_WalksTowardTarget(t *testing.T) {
	// a knows b only; b knows c. A lookup from a must reach c through b.
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)

	bID := b.ID()
	cID := c.ID()
	a.Table().TryAdd(Contact{ID: bID, Addr: b.LocalAddr()}, true)
	b.Table().TryAdd(Contact{ID: cID, Addr: c.LocalAddr()}, true)

	got, err := a.FindClosestNodes(context.Background(), cID, nil)
	if err != nil {
		t.Fatalf("FindClosestNodes: %v", err)
	}

	found := false
	for _, contact := range got {
		if contact.ID == cID {
			found = true
		}
	}
	if !found {
		t.Fatalf("lookup did not reach the second-hop node: %v", got)
	}

	// Results come closest first and without duplicates.
	seen := make(map[NodeID]bool)
	for i, contact := range got {
		if seen[contact.ID] {
			t.Fatalf("duplicate in results")
		}
		seen[contact.ID] = true
		if i > 0 && CloserTo(cID, contact.ID, got[i-1].ID) {
			t.Fatalf("results not sorted by closeness")
		}
	}
	if len(got) > lookupMaxNodes {
		t.Fatalf("more than %d results", lookupMaxNodes)
	}
}

func TestLookup_EmptyTableTerminates(t *testing.T) {
	a := newTestNode(t)

	done := make(chan struct{})
	var got []Contact
	var err error
	go func() {
		got, err = a.FindClosestNodes(context.Background(), randID(t), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("lookup with no candidates never terminated")
	}
	if err != nil {
		t.Fatalf("FindClosestNodes: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no contacts, got %v", got)
	}
}

func TestLookup_CancelAborts(t *testing.T) {
	a := newTestNode(t)

	// Seed with a silent endpoint so the lookup has work in flight.
	silent := newTestConn(t)
	defer silent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.FindClosestNodes(ctx, randID(t), []*net.UDPAddr{silent.LocalAddr().(*net.UDPAddr)})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		// Either the lookup was aborted mid-flight or it had already
		// finished with the empty table.
		if err != nil && err != ErrAborted {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cancelled lookup never returned")
	}
}

func TestTrackerAnnounce_StoresPeerOnResponder(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	bID := b.ID()
	a.Table().TryAdd(Contact{ID: bID, Addr: b.LocalAddr()}, true)

	infohash := InfohashForKey("https://example.com/announced")
	if _, err := a.TrackerAnnounce(context.Background(), infohash, 7070); err != nil {
		t.Fatalf("TrackerAnnounce: %v", err)
	}

	peers := b.Providers(infohash)
	if len(peers) != 1 {
		t.Fatalf("expected one provider on the responder, got %v", peers)
	}
	if peers[0].Port != 7070 {
		t.Fatalf("provider port = %d, want 7070", peers[0].Port)
	}

	// A later get_peers through the same responder finds the peer.
	found, err := a.FindPeers(context.Background(), infohash)
	if err != nil {
		t.Fatalf("FindPeers: %v", err)
	}
	if len(found) != 1 || found[0].Port != 7070 {
		t.Fatalf("expected the announced peer, got %v", found)
	}
}
