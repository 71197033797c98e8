package dht

import (
	"context"
	"net"
	"sync"
)

const (
	lookupAlpha    = 3
	lookupMaxNodes = 8
)

type lookupCandidate struct {
	addr       *net.UDPAddr
	confirmed  bool
	inProgress bool
}

// lookupState is the candidate map shared by the worker tasks, ordered by
// closeness to the target.
type lookupState struct {
	target NodeID

	mu   sync.Mutex
	cond *sync.Cond

	order      []NodeID
	byID       map[NodeID]*lookupCandidate
	confirmed  int
	inProgress int
	extra      []*net.UDPAddr
	aborted    bool
}

func newLookupState(target NodeID, extra []*net.UDPAddr) *lookupState {
	st := &lookupState{
		target: target,
		byID:   make(map[NodeID]*lookupCandidate),
		extra:  extra,
	}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// insertLocked adds id in closeness order; returns false if present.
func (st *lookupState) insertLocked(id NodeID, addr *net.UDPAddr) bool {
	if _, ok := st.byID[id]; ok {
		return false
	}
	lo, hi := 0, len(st.order)
	for lo < hi {
		mid := (lo + hi) / 2
		if CloserTo(st.target, st.order[mid], id) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	st.order = append(st.order, NodeID{})
	copy(st.order[lo+1:], st.order[lo:])
	st.order[lo] = id
	st.byID[id] = &lookupCandidate{addr: addr}
	return true
}

func (st *lookupState) removeLocked(id NodeID) {
	if _, ok := st.byID[id]; !ok {
		return
	}
	delete(st.byID, id)
	for i, o := range st.order {
		if o == id {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
}

// farthestConfirmedLocked returns the id of the most remote confirmed
// candidate; ok is false when none is confirmed.
func (st *lookupState) farthestConfirmedLocked() (NodeID, bool) {
	for i := len(st.order) - 1; i >= 0; i-- {
		if st.byID[st.order[i]].confirmed {
			return st.order[i], true
		}
	}
	return NodeID{}, false
}

// pruneLocked removes remote candidates until lookupMaxNodes confirmed
// ones remain and no unconfirmed candidate lies beyond the farthest
// confirmed one.
func (st *lookupState) pruneLocked() {
	for len(st.order) > 0 {
		last := st.order[len(st.order)-1]
		c := st.byID[last]
		if c.confirmed {
			if st.confirmed == lookupMaxNodes {
				return
			}
			st.confirmed--
		}
		delete(st.byID, last)
		st.order = st.order[:len(st.order)-1]
	}
}

// replyHook inspects each successful lookup reply; from is the responding
// contact.
type replyHook func(from Contact, reply map[string]interface{})

// iterativeLookup runs the α-way closest-nodes search toward target using
// the given query type ("find_node" or "get_peers").
func (n *Node) iterativeLookup(
	ctx context.Context,
	target NodeID,
	qtype string,
	args func() map[string]interface{},
	extra []*net.UDPAddr,
	onReply replyHook,
) ([]Contact, error) {
	st := newLookupState(target, append([]*net.UDPAddr(nil), extra...))

	st.mu.Lock()
	for _, c := range n.Table().Closest(target, lookupMaxNodes) {
		st.insertLocked(c.ID, c.Addr)
	}
	st.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < lookupAlpha; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.lookupWorker(ctx, st, qtype, args, onReply)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		st.mu.Lock()
		st.aborted = true
		st.mu.Unlock()
		st.cond.Broadcast()
		<-done
		return nil, ErrAborted
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.aborted {
		return nil, ErrAborted
	}

	out := make([]Contact, 0, st.confirmed)
	for _, id := range st.order {
		if c := st.byID[id]; c.confirmed {
			out = append(out, Contact{ID: id, Addr: c.addr})
		}
	}
	n.Table().TouchRefresh(target)
	return out, nil
}

func (n *Node) lookupWorker(
	ctx context.Context,
	st *lookupState,
	qtype string,
	args func() map[string]interface{},
	onReply replyHook,
) {
	for {
		st.mu.Lock()
		if st.aborted {
			st.mu.Unlock()
			return
		}

		var (
			id       NodeID
			haveID   bool
			endpoint *net.UDPAddr
		)
		for _, o := range st.order {
			c := st.byID[o]
			if c.confirmed || c.inProgress {
				continue
			}
			id = o
			haveID = true
			endpoint = c.addr
			c.inProgress = true
			break
		}

		// Failing a candidate, fall back to a bootstrap endpoint.
		if endpoint == nil && len(st.extra) > 0 {
			endpoint = st.extra[len(st.extra)-1]
			st.extra = st.extra[:len(st.extra)-1]
		}

		if endpoint == nil {
			if st.inProgress == 0 {
				st.mu.Unlock()
				st.cond.Broadcast()
				return
			}
			st.cond.Wait()
			st.mu.Unlock()
			continue
		}
		st.inProgress++
		st.mu.Unlock()

		var destID *NodeID
		if haveID {
			idCopy := id
			destID = &idCopy
		}
		reply, err := n.SendQueryAwaitReply(ctx, endpoint, destID, qtype, args(), queryTimeout)

		st.mu.Lock()
		st.inProgress--

		if err != nil || st.aborted {
			if haveID {
				st.removeLocked(id)
			}
			st.mu.Unlock()
			st.cond.Broadcast()
			if err == ErrAborted {
				st.mu.Lock()
				st.aborted = true
				st.mu.Unlock()
				st.cond.Broadcast()
				return
			}
			continue
		}

		contacts, perr := n.parseNodesReply(reply)
		if perr != nil {
			if haveID {
				st.removeLocked(id)
			}
			st.mu.Unlock()
			st.cond.Broadcast()
			continue
		}

		// The candidate may have been pruned in the meantime.
		if haveID {
			if c, ok := st.byID[id]; ok {
				c.confirmed = true
				c.inProgress = false
				st.confirmed++
				if st.confirmed > lookupMaxNodes {
					st.pruneLocked()
				}
			}
		}

		for _, contact := range contacts {
			if st.confirmed >= lookupMaxNodes {
				if far, ok := st.farthestConfirmedLocked(); ok && CloserTo(st.target, far, contact.ID) {
					continue
				}
			}
			st.insertLocked(contact.ID, contact.Addr)
		}
		st.mu.Unlock()

		// Wake waiters in any case: a query just finished, so the
		// termination condition may hold even with nothing added.
		st.cond.Broadcast()

		if haveID && onReply != nil {
			onReply(Contact{ID: id, Addr: endpoint}, reply)
		}
	}
}

// parseNodesReply extracts compact contact records from a reply. A reply
// without the field is fine (e.g. get_peers carrying only values).
func (n *Node) parseNodesReply(reply map[string]interface{}) ([]Contact, error) {
	blob, ok := stringField(reply, n.nodesKey())
	if !ok {
		return nil, nil
	}
	return DecodeContacts([]byte(blob), !n.v4)
}

// FindClosestNodes performs an iterative find_node toward target, seeding
// the search with routing contacts and the given extra endpoints.
func (n *Node) FindClosestNodes(ctx context.Context, target NodeID, extra []*net.UDPAddr) ([]Contact, error) {
	self := n.ID()
	return n.iterativeLookup(ctx, target, "find_node", func() map[string]interface{} {
		return map[string]interface{}{
			"id":     string(self[:]),
			"target": string(target[:]),
		}
	}, extra, nil)
}
