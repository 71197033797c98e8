package dht

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// BucketSize is the number of good nodes a leaf bucket holds.
	BucketSize = 8

	// treeBase amortizes splits: away from the own-id subtree, a full
	// bucket stops splitting once it reaches a depth that is a multiple of
	// treeBase, giving 2^treeBase-ary branching.
	treeBase = 5

	recentPeriod = 15 * time.Minute
	maxFailures  = 3
)

type routingNode struct {
	contact     Contact
	recvTime    time.Time // last query or reply received
	replyTime   time.Time // last reply received
	failed      int
	pingOngoing bool
}

func (n *routingNode) isGood(now time.Time) bool {
	if n.replyTime.IsZero() || n.failed >= maxFailures {
		return false
	}
	cutoff := now.Add(-recentPeriod)
	return !n.replyTime.Before(cutoff) || !n.recvTime.Before(cutoff)
}

func (n *routingNode) isBad(now time.Time) bool {
	return n.failed >= maxFailures
}

func (n *routingNode) isQuestionable(now time.Time) bool {
	return !n.isBad(now) && !n.isGood(now)
}

type routingBucket struct {
	nodes []routingNode // oldest first

	// Verified candidates have replied to a query; unverified ones still
	// need a ping. Queue sizes stay bounded by the number of questionable
	// nodes in the bucket.
	verified   []routingNode
	unverified []routingNode

	lastRefresh time.Time
}

type treeNode struct {
	depth  int
	bucket *routingBucket // non-nil iff leaf
	left   *treeNode
	right  *treeNode
}

// Table is a split-bucket Kademlia routing table: a binary tree whose
// leaves are buckets. A full leaf splits if it covers the own id, sits at
// a depth that is not a multiple of treeBase, or lies inside the
// exhaustive subtree around the own id.
type Table struct {
	mu   sync.Mutex
	self NodeID
	root *treeNode
	ping func(Contact)
	now  func() time.Time
}

func NewTable(self NodeID, ping func(Contact)) *Table {
	return &Table{
		self: self,
		root: &treeNode{bucket: &routingBucket{}},
		ping: ping,
		now:  time.Now,
	}
}

func (t *Table) Self() NodeID { return t.self }

func (t *Table) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSubtree(t.root)
}

func countSubtree(n *treeNode) int {
	if n.bucket != nil {
		return len(n.bucket.nodes)
	}
	return countSubtree(n.left) + countSubtree(n.right)
}

// findLeaf descends to the leaf covering id. With split set, full buckets
// along the way are split where permitted.
func (t *Table) findLeaf(id NodeID, split bool) *treeNode {
	node := t.root
	ancestors := map[*treeNode]bool{node: true}
	containsSelf := true

	for node.bucket == nil {
		if id.Bit(node.depth) {
			node = node.right
		} else {
			node = node.left
		}
		if id.Bit(node.depth-1) != t.self.Bit(node.depth-1) {
			containsSelf = false
		}
		ancestors[node] = true
	}

	if !split {
		return node
	}

	for _, n := range node.bucket.nodes {
		if n.contact.ID == id {
			return node
		}
	}

	exhaustiveRoot := t.exhaustiveSubtreeRoot()
	for len(node.bucket.nodes) == BucketSize && node.depth < IDBytes*8 {
		if !containsSelf && node.depth%treeBase == 0 && !ancestors[exhaustiveRoot] {
			break
		}

		t.splitLeaf(node)

		if id.Bit(node.depth) {
			node = node.right
		} else {
			node = node.left
		}
		if id.Bit(node.depth-1) != t.self.Bit(node.depth-1) {
			containsSelf = false
		}
		ancestors[node] = true
	}

	return node
}

// splitLeaf turns a leaf into an interior node, redistributing nodes and
// queued candidates by the next id bit.
func (t *Table) splitLeaf(node *treeNode) {
	b := node.bucket
	node.left = &treeNode{depth: node.depth + 1, bucket: &routingBucket{lastRefresh: b.lastRefresh}}
	node.right = &treeNode{depth: node.depth + 1, bucket: &routingBucket{lastRefresh: b.lastRefresh}}

	for _, n := range b.nodes {
		if n.contact.ID.Bit(node.depth) {
			node.right.bucket.nodes = append(node.right.bucket.nodes, n)
		} else {
			node.left.bucket.nodes = append(node.left.bucket.nodes, n)
		}
	}
	for _, n := range b.verified {
		if n.contact.ID.Bit(node.depth) {
			node.right.bucket.verified = append(node.right.bucket.verified, n)
		} else {
			node.left.bucket.verified = append(node.left.bucket.verified, n)
		}
	}
	for _, n := range b.unverified {
		if n.contact.ID.Bit(node.depth) {
			node.right.bucket.unverified = append(node.right.bucket.unverified, n)
		} else {
			node.left.bucket.unverified = append(node.left.bucket.unverified, n)
		}
	}

	node.bucket = nil
}

// exhaustiveSubtreeRoot returns the root of the smallest subtree that
// contains the own id and at least BucketSize nodes. Leaves below it may
// always split when full.
func (t *Table) exhaustiveSubtreeRoot() *treeNode {
	var path []*treeNode
	node := t.root
	for node.bucket == nil {
		path = append(path, node)
		if t.self.Bit(node.depth) {
			node = node.right
		} else {
			node = node.left
		}
	}

	size := len(node.bucket.nodes)
	for size < BucketSize && len(path) > 0 {
		node = path[len(path)-1]
		path = path[:len(path)-1]
		if t.self.Bit(node.depth) {
			size += countSubtree(node.left)
		} else {
			size += countSubtree(node.right)
		}
	}
	return node
}

// TryAdd records a contact, space permitting. Verified contacts have just
// replied to us; unverified ones are pinged first and re-added by the
// reply path. With no space, bad nodes are replaced and the contact may be
// queued as a candidate.
func (t *Table) TryAdd(c Contact, verified bool) {
	if c.ID == t.self {
		return
	}

	var pings []Contact
	t.mu.Lock()

	now := t.now()
	leaf := t.findLeaf(c.ID, true)
	b := leaf.bucket

	// Already present: bump to the newest slot and refresh timestamps.
	for i := range b.nodes {
		if b.nodes[i].contact.Equal(c) {
			n := b.nodes[i]
			n.recvTime = now
			if verified {
				n.replyTime = now
				n.failed = 0
				n.pingOngoing = false
			}
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.nodes = append(b.nodes, n)
			t.mu.Unlock()
			return
		}
	}

	removeCandidate(&b.verified, c)
	removeCandidate(&b.unverified, c)

	if len(b.nodes) < BucketSize {
		if verified {
			b.nodes = append(b.nodes, routingNode{contact: c, recvTime: now, replyTime: now})
		} else {
			pings = append(pings, c)
		}
		t.mu.Unlock()
		t.firePings(pings)
		return
	}

	// Replace a bad node, if any.
	for i := range b.nodes {
		if b.nodes[i].isBad(now) {
			if verified {
				b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
				b.nodes = append(b.nodes, routingNode{contact: c, recvTime: now, replyTime: now})
			} else {
				pings = append(pings, c)
			}
			t.mu.Unlock()
			t.firePings(pings)
			return
		}
	}

	// Count questionable nodes and make sure each is being pinged.
	questionable := 0
	for i := range b.nodes {
		if b.nodes[i].isQuestionable(now) {
			questionable++
			if !b.nodes[i].pingOngoing {
				pings = append(pings, b.nodes[i].contact)
				b.nodes[i].pingOngoing = true
			}
		}
	}

	cand := routingNode{contact: c, recvTime: now, replyTime: now}
	if verified {
		if questionable > 0 {
			b.verified = append(b.verified, cand)
		}
	} else {
		for len(b.verified) > 0 && b.verified[0].isQuestionable(now) {
			b.verified = b.verified[1:]
		}
		if len(b.verified) < questionable {
			b.unverified = append(b.unverified, cand)
		}
	}
	trimCandidates(b, questionable)

	t.mu.Unlock()
	t.firePings(pings)
}

// FailNode records a failed query against a contact. A node gone bad is
// replaced by a queued candidate when one is available.
func (t *Table) FailNode(c Contact) {
	var pings []Contact
	t.mu.Lock()

	now := t.now()
	b := t.findLeaf(c.ID, false).bucket

	idx := -1
	for i := range b.nodes {
		if b.nodes[i].contact.Equal(c) {
			idx = i
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return
	}

	b.nodes[idx].failed++
	if !b.nodes[idx].isBad(now) {
		if b.nodes[idx].isQuestionable(now) && !b.nodes[idx].pingOngoing {
			b.nodes[idx].pingOngoing = true
			pings = append(pings, c)
		}
		t.mu.Unlock()
		t.firePings(pings)
		return
	}

	// Drop candidates that themselves went stale while queued.
	for len(b.verified) > 0 && b.verified[0].isQuestionable(now) {
		b.verified = b.verified[1:]
	}
	for len(b.unverified) > 0 && b.unverified[0].isQuestionable(now) {
		b.unverified = b.unverified[1:]
	}

	if len(b.verified) > 0 {
		b.nodes = append(b.nodes[:idx], b.nodes[idx+1:]...)

		repl := b.verified[0]
		b.verified = b.verified[1:]
		repl.failed = 0
		repl.pingOngoing = false

		inserted := false
		for i := range b.nodes {
			if b.nodes[i].replyTime.After(repl.replyTime) {
				b.nodes = append(b.nodes[:i], append([]routingNode{repl}, b.nodes[i:]...)...)
				inserted = true
				break
			}
		}
		if !inserted {
			b.nodes = append(b.nodes, repl)
		}
	} else if len(b.unverified) > 0 {
		next := b.unverified[0].contact
		b.unverified = b.unverified[1:]
		pings = append(pings, next)
	}

	questionable := 0
	for i := range b.nodes {
		if b.nodes[i].isQuestionable(now) {
			questionable++
		}
	}
	trimCandidates(b, questionable)

	t.mu.Unlock()
	t.firePings(pings)
}

// Closest returns up to count contacts not known to be bad, nearest to
// target first. Within a bucket newer nodes come first.
func (t *Table) Closest(target NodeID, count int) []Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	var ancestors []*treeNode
	ancestors = append(ancestors, node)
	for node.bucket == nil {
		if target.Bit(node.depth) {
			node = node.right
		} else {
			node = node.left
		}
		ancestors = append(ancestors, node)
	}

	now := t.now()
	var out []Contact
	for i := len(ancestors) - 1; i >= 0; i-- {
		collectClosest(ancestors[i], target, count, now, &out)
		if len(out) >= count {
			break
		}
	}
	return out
}

func collectClosest(n *treeNode, target NodeID, max int, now time.Time, out *[]Contact) {
	if len(*out) >= max {
		return
	}
	if n.bucket != nil {
		// Nodes are stored oldest first, walk them newest first.
		for i := len(n.bucket.nodes) - 1; i >= 0; i-- {
			rn := &n.bucket.nodes[i]
			if rn.isBad(now) {
				continue
			}
			present := false
			for _, c := range *out {
				if c.ID == rn.contact.ID {
					present = true
					break
				}
			}
			if !present {
				*out = append(*out, rn.contact)
			}
			if len(*out) >= max {
				return
			}
		}
		return
	}
	if target.Bit(n.depth) {
		collectClosest(n.right, target, max, now, out)
		collectClosest(n.left, target, max, now, out)
	} else {
		collectClosest(n.left, target, max, now, out)
		collectClosest(n.right, target, max, now, out)
	}
}

// RefreshTarget describes a leaf bucket due for a refresh lookup.
type RefreshTarget struct {
	Prefix NodeID
	Depth  int
}

// RandomID picks a uniformly random id within the bucket's range.
func (rt RefreshTarget) RandomID(rnd *rand.Rand) NodeID {
	id := rt.Prefix
	for i := rt.Depth; i < IDBytes*8; i++ {
		if rnd.Intn(2) == 1 {
			id[i/8] |= 1 << (7 - uint(i%8))
		} else {
			id[i/8] &^= 1 << (7 - uint(i%8))
		}
	}
	return id
}

// StaleBuckets lists buckets no lookup has touched within interval.
func (t *Table) StaleBuckets(interval time.Duration) []RefreshTarget {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-interval)
	var out []RefreshTarget
	var walk func(n *treeNode, prefix NodeID)
	walk = func(n *treeNode, prefix NodeID) {
		if n.bucket != nil {
			if n.bucket.lastRefresh.Before(cutoff) {
				out = append(out, RefreshTarget{Prefix: prefix, Depth: n.depth})
			}
			return
		}
		walk(n.left, prefix)
		right := prefix
		right[n.depth/8] |= 1 << (7 - uint(n.depth%8))
		walk(n.right, right)
	}
	walk(t.root, NodeID{})
	return out
}

// TouchRefresh marks the bucket covering id as freshly looked up.
func (t *Table) TouchRefresh(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.findLeaf(id, false).bucket.lastRefresh = t.now()
}

func (t *Table) firePings(contacts []Contact) {
	if t.ping == nil {
		return
	}
	for _, c := range contacts {
		t.ping(c)
	}
}

func removeCandidate(q *[]routingNode, c Contact) {
	for i := range *q {
		if (*q)[i].contact.Equal(c) {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return
		}
	}
}

func trimCandidates(b *routingBucket, questionable int) {
	for len(b.verified) > questionable {
		b.verified = b.verified[1:]
	}
	for len(b.verified)+len(b.unverified) > questionable {
		b.unverified = b.unverified[1:]
	}
}
