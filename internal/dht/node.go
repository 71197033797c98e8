package dht

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"
)

const (
	queryTimeout     = 2 * time.Second
	bootstrapTimeout = 15 * time.Second
	refreshInterval  = 15 * time.Minute
)

// DefaultSeeds are the hard-coded bootstrap hosts.
var DefaultSeeds = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// ContactStore persists contacts that replied to us so later runs can
// bootstrap without the public seed hosts.
type ContactStore interface {
	NoteSuccess(idHex, addr string)
	NoteFailure(idHex string)
	Candidates(limit int) []string
}

type Config struct {
	Conn  *net.UDPConn
	Seeds []string
	Store ContactStore
	Rand  *rand.Rand
	Logf  func(format string, args ...any)
}

type transaction struct {
	dest *net.UDPAddr
	ch   chan map[string]interface{}
}

// Node is a mainline-DHT participant: it answers inbound queries, keeps
// the routing table fresh and runs iterative lookups and announces for
// the cache layer.
type Node struct {
	mux *Mux
	v4  bool

	mu      sync.Mutex
	self    NodeID
	table   *Table
	nextTID uint32
	pending map[string]*transaction
	ready   bool

	tokens    *tokenManager
	providers *providerStore
	store     ContactStore
	seeds     []string
	rnd       *rand.Rand
	rndMu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	logf   func(format string, args ...any)
}

func NewNode(cfg Config) *Node {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	seeds := cfg.Seeds
	if len(seeds) == 0 {
		seeds = DefaultSeeds
	}

	v4 := true
	if ip := cfg.Conn.LocalAddr().(*net.UDPAddr).IP; ip != nil && ip.To4() == nil && !ip.IsUnspecified() {
		v4 = false
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		mux:       NewMux(cfg.Conn),
		v4:        v4,
		self:      RandomNodeID(cfg.Rand),
		nextTID:   1,
		pending:   make(map[string]*transaction),
		tokens:    newTokenManager(),
		providers: newProviderStore(),
		store:     cfg.Store,
		seeds:     seeds,
		rnd:       cfg.Rand,
		ctx:       ctx,
		cancel:    cancel,
		logf:      cfg.Logf,
	}
	n.table = NewTable(n.self, n.sendPing)

	go n.readLoop()
	return n
}

func (n *Node) ID() NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.self
}

func (n *Node) Table() *Table {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.table
}

func (n *Node) LocalAddr() *net.UDPAddr { return n.mux.LocalAddr() }

// Providers returns the peers recently announced to us for an infohash.
func (n *Node) Providers(infohash NodeID) []*net.UDPAddr {
	return n.providers.Get(infohash)
}

// Ready reports whether bootstrap completed.
func (n *Node) Ready() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ready
}

// Close aborts all pending queries and loops and shuts the socket down.
func (n *Node) Close() error {
	n.cancel()
	return n.mux.Close()
}

func (n *Node) randIntn(max int) int {
	n.rndMu.Lock()
	defer n.rndMu.Unlock()
	return n.rnd.Intn(max)
}

func (n *Node) randomID() NodeID {
	n.rndMu.Lock()
	defer n.rndMu.Unlock()
	return RandomNodeID(n.rnd)
}

// newTID assigns the next transaction id: the counter value little-endian
// with trailing zero bytes dropped.
func (n *Node) newTID() string {
	v := n.nextTID
	n.nextTID++
	var b []byte
	for v != 0 {
		b = append(b, byte(v))
		v >>= 8
	}
	if len(b) == 0 {
		b = []byte{0}
	}
	return string(b)
}

func (n *Node) readLoop() {
	for {
		data, from, err := n.mux.Receive(n.ctx.Done())
		if err != nil {
			return
		}

		msg, err := decodePacket(data)
		if err != nil {
			continue
		}
		y, okY := stringField(msg, "y")
		tid, okT := stringField(msg, "t")
		if !okY || !okT {
			continue
		}

		switch y {
		case "q":
			n.handleQuery(from, tid, msg)
		case "r", "e":
			n.mu.Lock()
			tx := n.pending[tid]
			if tx != nil && sameUDPAddr(tx.dest, from) {
				delete(n.pending, tid)
			} else {
				tx = nil // unmatched replies are ignored
			}
			n.mu.Unlock()
			if tx != nil {
				tx.ch <- msg
			}
		}
	}
}

// SendQueryAwaitReply sends one query and waits for a matched reply or the
// timeout. When destID is known the outcome is reported to the routing
// table: a proper reply upserts the node as verified; a timeout, an error
// reply or a reply without "r" counts as a failure, while cancellation
// reports nothing.
func (n *Node) SendQueryAwaitReply(
	ctx context.Context,
	dest *net.UDPAddr,
	destID *NodeID,
	qtype string,
	args map[string]interface{},
	timeout time.Duration,
) (map[string]interface{}, error) {
	n.mu.Lock()
	self := n.self
	tid := n.newTID()
	tx := &transaction{dest: dest, ch: make(chan map[string]interface{}, 1)}
	n.pending[tid] = tx
	n.mu.Unlock()

	if args == nil {
		args = make(map[string]interface{})
	}
	args["id"] = string(self[:])

	packet, err := encodeQuery(tid, qtype, args)
	if err != nil {
		n.dropPending(tid)
		return nil, err
	}
	n.mux.Send(packet, dest)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var msg map[string]interface{}
	select {
	case msg = <-tx.ch:
	case <-timer.C:
		n.dropPending(tid)
		if destID != nil {
			n.failContact(Contact{ID: *destID, Addr: dest})
		}
		return nil, ErrTimedOut
	case <-ctx.Done():
		n.dropPending(tid)
		return nil, ErrAborted
	case <-n.ctx.Done():
		n.dropPending(tid)
		return nil, ErrAborted
	}

	y, _ := stringField(msg, "y")
	if y != "r" {
		if destID != nil {
			n.failContact(Contact{ID: *destID, Addr: dest})
		}
		if e, ok := msg["e"].([]interface{}); ok && len(e) >= 2 {
			return nil, fmt.Errorf("%w: remote error %v: %v", ErrMalformed, e[0], e[1])
		}
		return nil, fmt.Errorf("%w: reply type %q", ErrMalformed, y)
	}

	r, ok := mapField(msg, "r")
	if !ok {
		if destID != nil {
			n.failContact(Contact{ID: *destID, Addr: dest})
		}
		return nil, fmt.Errorf("%w: reply without 'r'", ErrMalformed)
	}

	if destID != nil {
		n.Table().TryAdd(Contact{ID: *destID, Addr: dest}, true)
		if n.store != nil {
			n.store.NoteSuccess(destID.Hex(), dest.String())
		}
	}
	return r, nil
}

func (n *Node) dropPending(tid string) {
	n.mu.Lock()
	delete(n.pending, tid)
	n.mu.Unlock()
}

func (n *Node) failContact(c Contact) {
	n.Table().FailNode(c)
	if n.store != nil {
		n.store.NoteFailure(c.ID.Hex())
	}
}

// sendPing fires a background ping; the reply path inserts the contact.
func (n *Node) sendPing(c Contact) {
	go func() {
		_, _ = n.SendQueryAwaitReply(n.ctx, c.Addr, &c.ID, "ping", nil, queryTimeout)
	}()
}

func (n *Node) sendReply(dest *net.UDPAddr, tid string, reply map[string]interface{}) {
	n.mu.Lock()
	self := n.self
	n.mu.Unlock()

	if reply == nil {
		reply = make(map[string]interface{})
	}
	reply["id"] = string(self[:])
	packet, err := encodeReply(tid, reply)
	if err != nil {
		return
	}
	n.mux.Send(packet, dest)
}

func (n *Node) sendError(dest *net.UDPAddr, tid string, code int, msg string) {
	packet, err := encodeError(tid, code, msg)
	if err != nil {
		return
	}
	n.mux.Send(packet, dest)
}

func (n *Node) handleQuery(from *net.UDPAddr, tid string, msg map[string]interface{}) {
	qtype, ok := stringField(msg, "q")
	if !ok {
		n.sendError(from, tid, errProtocol, "Missing field 'q'")
		return
	}
	args, ok := mapField(msg, "a")
	if !ok {
		n.sendError(from, tid, errProtocol, "Missing field 'a'")
		return
	}
	senderID, ok := stringField(args, "id")
	if !ok {
		n.sendError(from, tid, errProtocol, "Missing argument 'id'")
		return
	}
	if len(senderID) != IDBytes {
		n.sendError(from, tid, errProtocol, "Malformed argument 'id'")
		return
	}
	sender, _ := NodeIDFromBytes([]byte(senderID))

	// Per BEP 43, read-only senders are not considered for routing.
	if ro, _ := intField(args, "ro"); ro != 1 {
		n.Table().TryAdd(Contact{ID: sender, Addr: from}, false)
	}

	switch qtype {
	case "ping":
		n.sendReply(from, tid, nil)

	case "find_node":
		target, ok := stringField(args, "target")
		if !ok {
			n.sendError(from, tid, errProtocol, "Missing argument 'target'")
			return
		}
		if len(target) != IDBytes {
			n.sendError(from, tid, errProtocol, "Malformed argument 'target'")
			return
		}
		targetID, _ := NodeIDFromBytes([]byte(target))
		n.sendReply(from, tid, map[string]interface{}{
			n.nodesKey(): string(n.closestBlob(targetID)),
		})

	case "get_peers":
		infohash, ok := stringField(args, "info_hash")
		if !ok {
			n.sendError(from, tid, errProtocol, "Missing argument 'info_hash'")
			return
		}
		if len(infohash) != IDBytes {
			n.sendError(from, tid, errProtocol, "Malformed argument 'info_hash'")
			return
		}
		ih, _ := NodeIDFromBytes([]byte(infohash))

		reply := map[string]interface{}{
			"token": n.tokens.Token(from.IP),
		}
		if peers := n.providers.Get(ih); len(peers) > 0 {
			values := make([]interface{}, 0, len(peers))
			for _, p := range peers {
				values = append(values, string(EncodeEndpoint(p)))
			}
			reply["values"] = values
		} else {
			reply[n.nodesKey()] = string(n.closestBlob(ih))
		}
		n.sendReply(from, tid, reply)

	case "announce_peer":
		infohash, ok := stringField(args, "info_hash")
		if !ok || len(infohash) != IDBytes {
			n.sendError(from, tid, errProtocol, "Malformed argument 'info_hash'")
			return
		}
		token, ok := stringField(args, "token")
		if !ok || !n.tokens.Valid(token, from.IP) {
			n.sendError(from, tid, errProtocol, "Invalid token")
			return
		}
		port := from.Port
		if implied, _ := intField(args, "implied_port"); implied != 1 {
			p, ok := intField(args, "port")
			if !ok || p <= 0 || p > 65535 {
				n.sendError(from, tid, errProtocol, "Malformed argument 'port'")
				return
			}
			port = int(p)
		}
		ih, _ := NodeIDFromBytes([]byte(infohash))
		n.providers.Add(ih, &net.UDPAddr{IP: from.IP, Port: port})
		n.sendReply(from, tid, nil)

	default:
		n.sendError(from, tid, errMethodUnknown, "Query type not implemented")
	}
}

func (n *Node) nodesKey() string {
	if n.v4 {
		return "nodes"
	}
	return "nodes6"
}

// closestBlob returns the compact records for the closest known contacts;
// an exact match for the target is returned alone.
func (n *Node) closestBlob(target NodeID) []byte {
	contacts := n.Table().Closest(target, BucketSize)
	for _, c := range contacts {
		if c.ID == target {
			return EncodeContacts([]Contact{c})
		}
	}
	return EncodeContacts(contacts)
}

// Bootstrap resolves a seed endpoint, learns our external endpoint from
// its ping reply, derives the BEP 42 node id from it, and seeds the table
// with a self lookup plus one lookup per bucket range.
func (n *Node) Bootstrap(ctx context.Context) error {
	candidates := n.bootstrapEndpoints()
	if len(candidates) == 0 {
		return fmt.Errorf("dht: no bootstrap endpoint resolves")
	}

	var external *net.UDPAddr
	var seed *net.UDPAddr
	for _, ep := range candidates {
		r, err := n.SendQueryAwaitReply(ctx, ep, nil, "ping", nil, bootstrapTimeout)
		if err != nil {
			continue
		}
		ipField, ok := stringField(r, "ip")
		if !ok {
			continue
		}
		ext, err := DecodeEndpoint([]byte(ipField))
		if err != nil {
			continue
		}
		external = ext
		seed = ep
		break
	}
	if external == nil {
		return fmt.Errorf("dht: no bootstrap server replied with our endpoint")
	}

	n.rndMu.Lock()
	self := ChooseID(external.IP, n.rnd)
	n.rndMu.Unlock()

	n.mu.Lock()
	n.self = self
	n.table = NewTable(self, n.sendPing)
	n.mu.Unlock()

	n.logf("dht: bootstrap via %s, external endpoint %s, id %s", seed, external, self.Hex())

	// Construct a basic path to ourselves.
	if _, err := n.FindClosestNodes(ctx, self, candidates); err != nil {
		return err
	}

	// One lookup per bucket range, so nodes that should route to us
	// actually learn us.
	var wg sync.WaitGroup
	for _, rt := range n.Table().StaleBuckets(0) {
		n.rndMu.Lock()
		target := rt.RandomID(n.rnd)
		n.rndMu.Unlock()
		wg.Add(1)
		go func(target NodeID) {
			defer wg.Done()
			_, _ = n.FindClosestNodes(ctx, target, nil)
		}(target)
	}
	wg.Wait()

	n.mu.Lock()
	n.ready = true
	n.mu.Unlock()
	return nil
}

func (n *Node) bootstrapEndpoints() []*net.UDPAddr {
	var out []*net.UDPAddr
	if n.store != nil {
		for _, addr := range n.store.Candidates(16) {
			if ep, err := net.ResolveUDPAddr("udp", addr); err == nil {
				out = append(out, ep)
			}
		}
	}
	for _, host := range n.seeds {
		ep, err := net.ResolveUDPAddr("udp", host)
		if err != nil {
			n.logf("dht: cannot resolve seed %s: %v", host, err)
			continue
		}
		out = append(out, ep)
	}
	return out
}

// RunRefresh periodically refreshes buckets no lookup has touched within
// refreshInterval.
func (n *Node) RunRefresh(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.ctx.Done():
			return
		case <-t.C:
			for _, rt := range n.Table().StaleBuckets(refreshInterval) {
				n.rndMu.Lock()
				target := rt.RandomID(n.rnd)
				n.rndMu.Unlock()
				go func(target NodeID) {
					_, _ = n.FindClosestNodes(ctx, target, nil)
				}(target)
			}
		}
	}
}
