package dht

import (
	"net"
	"testing"
	"time"
)

func testContact(t *testing.T, id NodeID, port int) Contact {
	t.Helper()
	return Contact{ID: id, Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}}
}

// idWithBytes builds an id with the given first byte and last byte,
// zeros in between.
func idWithBytes(first, last byte) NodeID {
	var id NodeID
	id[0] = first
	id[19] = last
	return id
}

func collectNodes(tb *Table) map[NodeID]int {
	out := make(map[NodeID]int)
	var walk func(n *treeNode)
	walk = func(n *treeNode) {
		if n.bucket != nil {
			for _, rn := range n.bucket.nodes {
				out[rn.contact.ID]++
			}
			return
		}
		walk(n.left)
		walk(n.right)
	}
	walk(tb.root)
	return out
}

func TestTable_GrowsPastOneBucket(t *testing.T) {
	self := randID(t)
	tb := NewTable(self, nil)

	for i := 0; i < 200; i++ {
		tb.TryAdd(testContact(t, randID(t), 2000+i), true)
	}

	if tb.NodeCount() <= BucketSize {
		t.Fatalf("expected the table to split past one bucket, have %d nodes", tb.NodeCount())
	}

	for id, n := range collectNodes(tb) {
		if n != 1 {
			t.Fatalf("node %s appears in %d buckets", id.Hex(), n)
		}
	}
}

func TestTable_BucketNeverExceedsSize(t *testing.T) {
	self := randID(t)
	tb := NewTable(self, nil)

	for i := 0; i < 500; i++ {
		tb.TryAdd(testContact(t, randID(t), 3000+i), true)
	}

	var walk func(n *treeNode)
	walk = func(n *treeNode) {
		if n.bucket != nil {
			if len(n.bucket.nodes) > BucketSize {
				t.Fatalf("bucket with %d nodes", len(n.bucket.nodes))
			}
			return
		}
		walk(n.left)
		walk(n.right)
	}
	walk(tb.root)
}

func TestTable_SelfNeverInserted(t *testing.T) {
	self := randID(t)
	tb := NewTable(self, nil)
	tb.TryAdd(testContact(t, self, 4000), true)
	if tb.NodeCount() != 0 {
		t.Fatalf("self must not be inserted")
	}
}

func TestTable_ClosestBoundedAndUnique(t *testing.T) {
	self := randID(t)
	tb := NewTable(self, nil)

	for i := 0; i < 100; i++ {
		tb.TryAdd(testContact(t, randID(t), 5000+i), true)
	}

	target := randID(t)
	got := tb.Closest(target, BucketSize)
	if len(got) == 0 {
		t.Fatalf("expected some contacts")
	}
	if len(got) > BucketSize {
		t.Fatalf("expected at most %d contacts, got %d", BucketSize, len(got))
	}

	seen := make(map[NodeID]bool)
	for _, c := range got {
		if seen[c.ID] {
			t.Fatalf("duplicate contact %s", c.ID.Hex())
		}
		seen[c.ID] = true
	}
}

func TestTable_UnverifiedContactIsPingedNotInserted(t *testing.T) {
	self := randID(t)
	var pinged []Contact
	tb := NewTable(self, func(c Contact) { pinged = append(pinged, c) })

	c := testContact(t, randID(t), 6000)
	tb.TryAdd(c, false)

	if tb.NodeCount() != 0 {
		t.Fatalf("unverified contact must not be inserted directly")
	}
	if len(pinged) != 1 || !pinged[0].Equal(c) {
		t.Fatalf("expected the contact to be pinged")
	}
}

// fullFarTable builds a table for self=0 with a full near bucket and a
// full, unsplittable far bucket (ids sharing their first five bits, at
// tree depth five away from self).
func fullFarTable(t *testing.T, tb *Table) (far []Contact) {
	t.Helper()

	// Near side: eight nodes under the same first bit as self.
	for i := 1; i <= BucketSize; i++ {
		tb.TryAdd(testContact(t, idWithBytes(0x00, byte(i)), 7000+i), true)
	}
	// Far side: eight nodes sharing the prefix 10000.
	for i := 1; i <= BucketSize; i++ {
		c := testContact(t, idWithBytes(0x80, byte(i)), 7100+i)
		far = append(far, c)
		tb.TryAdd(c, true)
	}
	return far
}

func TestTable_FailNodeReplacesWithVerifiedCandidate(t *testing.T) {
	self := NodeID{}
	tb := NewTable(self, func(Contact) {})

	now := time.Now()
	tb.now = func() time.Time { return now }

	far := fullFarTable(t, tb)

	// While every resident is fresh, a verified extra is dropped.
	dropped := testContact(t, idWithBytes(0x80, 0xf0), 7200)
	tb.TryAdd(dropped, true)
	if n := collectNodes(tb)[dropped.ID]; n != 0 {
		t.Fatalf("extra contact inserted into a full bucket")
	}

	// Age the residents; now a verified extra queues as a candidate.
	now = now.Add(recentPeriod + time.Minute)
	cand := testContact(t, idWithBytes(0x80, 0xf1), 7201)
	tb.TryAdd(cand, true)

	// Fail one resident until it goes bad; the candidate takes over.
	victim := far[0]
	for i := 0; i < maxFailures; i++ {
		tb.FailNode(victim)
	}

	nodes := collectNodes(tb)
	if nodes[victim.ID] != 0 {
		t.Fatalf("bad node was not evicted")
	}
	if nodes[cand.ID] != 1 {
		t.Fatalf("verified candidate did not take the bad node's slot")
	}
}

func TestTable_CandidateQueuesBoundedByQuestionable(t *testing.T) {
	self := NodeID{}
	tb := NewTable(self, func(Contact) {})

	now := time.Now()
	tb.now = func() time.Time { return now }

	fullFarTable(t, tb)

	checkBounds := func() {
		t.Helper()
		var walk func(n *treeNode)
		walk = func(n *treeNode) {
			if n.bucket != nil {
				q := 0
				for i := range n.bucket.nodes {
					if n.bucket.nodes[i].isQuestionable(now) {
						q++
					}
				}
				if len(n.bucket.verified) > q {
					t.Fatalf("verified candidates %d > questionable %d", len(n.bucket.verified), q)
				}
				if len(n.bucket.verified)+len(n.bucket.unverified) > q {
					t.Fatalf("candidates %d > questionable %d",
						len(n.bucket.verified)+len(n.bucket.unverified), q)
				}
				return
			}
			walk(n.left)
			walk(n.right)
		}
		walk(tb.root)
	}

	// Fresh residents: queues stay empty.
	for i := 0; i < 4; i++ {
		tb.TryAdd(testContact(t, idWithBytes(0x80, byte(0xe0+i)), 7300+i), true)
	}
	checkBounds()

	// Aged residents: candidates are accepted but stay bounded.
	now = now.Add(recentPeriod + time.Minute)
	for i := 0; i < 2*BucketSize; i++ {
		tb.TryAdd(testContact(t, idWithBytes(0x80, byte(0xc0+i)), 7400+i), true)
	}
	checkBounds()
}

func TestTable_RefreshTargetsCoverBuckets(t *testing.T) {
	self := randID(t)
	tb := NewTable(self, nil)

	for i := 0; i < 100; i++ {
		tb.TryAdd(testContact(t, randID(t), 9000+i), true)
	}

	stale := tb.StaleBuckets(time.Nanosecond)
	if len(stale) == 0 {
		t.Fatalf("expected stale buckets")
	}

	rnd := newTestRand()
	for _, rt := range stale {
		id := rt.RandomID(rnd)
		for bit := 0; bit < rt.Depth; bit++ {
			if id.Bit(bit) != rt.Prefix.Bit(bit) {
				t.Fatalf("random id escapes its bucket range at bit %d", bit)
			}
		}
	}

	tb.TouchRefresh(stale[0].Prefix)
	for _, rt := range tb.StaleBuckets(time.Hour) {
		if rt.Prefix == stale[0].Prefix && rt.Depth == stale[0].Depth {
			t.Fatalf("touched bucket still reported stale")
		}
	}
}
