package dht

import (
	"context"
	"net"
	"sync"
)

// TrackerAnnounce performs an iterative get_peers toward the infohash,
// collects the peers already announced for it, and announces our port to
// the closest responders that handed out tokens. A port of zero announces
// the DHT port itself via implied_port.
func (n *Node) TrackerAnnounce(ctx context.Context, infohash NodeID, port int) ([]*net.UDPAddr, error) {
	self := n.ID()

	var mu sync.Mutex
	var peers []*net.UDPAddr
	tokens := make(map[NodeID]string)
	seen := make(map[string]bool)

	closest, err := n.iterativeLookup(ctx, infohash, "get_peers", func() map[string]interface{} {
		return map[string]interface{}{
			"id":        string(self[:]),
			"info_hash": string(infohash[:]),
		}
	}, nil, func(from Contact, reply map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		if tok, ok := stringField(reply, "token"); ok {
			tokens[from.ID] = tok
		}
		values, ok := reply["values"].([]interface{})
		if !ok {
			return
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			ep, err := DecodeEndpoint([]byte(s))
			if err != nil || seen[ep.String()] {
				continue
			}
			seen[ep.String()] = true
			peers = append(peers, ep)
		}
	})
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for _, c := range closest {
		mu.Lock()
		tok, ok := tokens[c.ID]
		mu.Unlock()
		if !ok {
			continue
		}
		wg.Add(1)
		go func(c Contact, tok string) {
			defer wg.Done()
			args := map[string]interface{}{
				"id":        string(self[:]),
				"info_hash": string(infohash[:]),
				"token":     tok,
			}
			if port > 0 {
				args["port"] = port
			} else {
				args["port"] = 0
				args["implied_port"] = 1
			}
			_, _ = n.SendQueryAwaitReply(ctx, c.Addr, &c.ID, "announce_peer", args, queryTimeout)
		}(c, tok)
	}
	wg.Wait()

	return peers, nil
}

// FindPeers looks up peers for an infohash without announcing.
func (n *Node) FindPeers(ctx context.Context, infohash NodeID) ([]*net.UDPAddr, error) {
	self := n.ID()

	var mu sync.Mutex
	var peers []*net.UDPAddr
	seen := make(map[string]bool)

	_, err := n.iterativeLookup(ctx, infohash, "get_peers", func() map[string]interface{} {
		return map[string]interface{}{
			"id":        string(self[:]),
			"info_hash": string(infohash[:]),
		}
	}, nil, func(from Contact, reply map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		values, ok := reply["values"].([]interface{})
		if !ok {
			return
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			ep, err := DecodeEndpoint([]byte(s))
			if err != nil || seen[ep.String()] {
				continue
			}
			seen[ep.String()] = true
			peers = append(peers, ep)
		}
	})
	if err != nil {
		return nil, err
	}
	return peers, nil
}
