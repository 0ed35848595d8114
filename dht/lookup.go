package dht

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

// peerSet accumulates endpoints without duplicates, in arrival order.
type peerSet struct {
	mu    sync.Mutex
	seen  map[transport.EndPoint]struct{}
	order []transport.EndPoint
}

func newPeerSet() *peerSet {
	return &peerSet{seen: make(map[transport.EndPoint]struct{})}
}

func (s *peerSet) add(eps []transport.EndPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range eps {
		if _, ok := s.seen[ep]; ok {
			continue
		}
		s.seen[ep] = struct{}{}
		s.order = append(s.order, ep)
	}
}

func (s *peerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *peerSet) list() []transport.EndPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil
	}
	out := make([]transport.EndPoint, len(s.order))
	copy(out, s.order)
	return out
}

type lookupResult struct {
	contacts []*Contact
	peers    []transport.EndPoint
}

func (r lookupResult) infos() []NodeInfo {
	if len(r.contacts) == 0 {
		return nil
	}
	out := make([]NodeInfo, len(r.contacts))
	for i, c := range r.contacts {
		out[i] = c.Info()
	}
	return out
}

// lookupState is the bookkeeping of one iterative lookup. Contacts that fail
// are removed from seen and recorded in failed so later responses cannot
// bring them back.
type lookupState struct {
	mu        sync.Mutex
	target    identity.ID
	seen      map[identity.ID]*Contact
	queried   map[identity.ID]bool
	responded map[identity.ID]bool
	failed    map[identity.ID]bool
	peers     *peerSet
}

func newLookupState(target identity.ID) *lookupState {
	return &lookupState{
		target:    target,
		seen:      make(map[identity.ID]*Contact),
		queried:   make(map[identity.ID]bool),
		responded: make(map[identity.ID]bool),
		failed:    make(map[identity.ID]bool),
		peers:     newPeerSet(),
	}
}

// addSeen records c unless it is already known or has failed. Caller holds
// s.mu.
func (s *lookupState) addSeen(c *Contact) {
	if s.failed[c.ID()] {
		return
	}
	if _, ok := s.seen[c.ID()]; !ok {
		s.seen[c.ID()] = c
	}
}

func (s *lookupState) seenList() []*Contact {
	out := make([]*Contact, 0, len(s.seen))
	for _, c := range s.seen {
		out = append(out, c)
	}
	return out
}

// unqueriedClosest returns up to n unqueried seen contacts closest to the
// target. Caller holds s.mu.
func (s *lookupState) unqueriedClosest(n int) []*Contact {
	var pool []*Contact
	for id, c := range s.seen {
		if !s.queried[id] {
			pool = append(pool, c)
		}
	}
	return SelectClosest(pool, s.target, n)
}

// closestDistance returns the distance of the closest seen contact. Caller
// holds s.mu.
func (s *lookupState) closestDistance() (identity.ID, bool) {
	var best identity.ID
	found := false
	for id := range s.seen {
		d := id.Xor(s.target)
		if !found || d.Less(best) {
			best, found = d, true
		}
	}
	return best, found
}

// lookup runs the iterative parallel Kademlia lookup for target. With
// includeSelf the local node takes part as an ordinary contact answered
// from local state.
func (e *Engine) lookup(ctx context.Context, target identity.ID, typ PacketType, includeSelf bool) lookupResult {
	start := e.clock.Now()
	st := newLookupState(target)
	for _, c := range e.tree.GetKClosest(target, includeSelf) {
		st.addSeen(c)
	}
	if includeSelf {
		st.addSeen(e.self)
	}

	req := newRequest(e.version, e.sourcePort(), typ, target)
	alpha := e.cfg.Alpha
	final := false
	var prevBest identity.ID
	havePrev := false
	rounds := 0

	for ctx.Err() == nil {
		st.mu.Lock()
		batch := st.unqueriedClosest(alpha)
		for _, c := range batch {
			st.queried[c.ID()] = true
		}
		st.mu.Unlock()
		if len(batch) == 0 {
			break
		}

		rounds++
		e.runRound(ctx, st, batch, req, includeSelf)

		st.mu.Lock()
		best, ok := st.closestDistance()
		improved := ok && (!havePrev || best.Less(prevBest))
		if ok {
			prevBest, havePrev = best, true
		}
		pending := 0
		for _, c := range SelectClosest(st.seenList(), target, e.cfg.K) {
			if !st.queried[c.ID()] {
				pending++
			}
		}
		st.mu.Unlock()

		if improved {
			alpha, final = e.cfg.Alpha, false
			continue
		}
		if final && pending == 0 {
			break
		}
		alpha, final = e.cfg.K, true
	}

	st.mu.Lock()
	var responded []*Contact
	for id, c := range st.seen {
		if st.responded[id] {
			responded = append(responded, c)
		}
	}
	st.mu.Unlock()

	res := lookupResult{
		contacts: SelectClosest(responded, target, e.cfg.K),
		peers:    st.peers.list(),
	}
	observeLookup(e.cfg.Realm, typ, e.clock.Since(start))
	e.log.WithFields(logrus.Fields{
		"function": "lookup",
		"type":     typ.String(),
		"target":   target.ShortString(),
		"rounds":   rounds,
		"contacts": len(res.contacts),
		"peers":    len(res.peers),
	}).Debug("Lookup finished")
	return res
}

// runRound queries every contact of batch concurrently and waits for all
// of them, bounded by the query timeout.
func (e *Engine) runRound(ctx context.Context, st *lookupState, batch []*Contact, req *Packet, includeSelf bool) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(rctx)
	for _, c := range batch {
		c := c
		g.Go(func() error {
			var resp *Packet
			if c.IsLocal() {
				resp = e.localResponse(req)
			} else {
				resp = e.query(gctx, c, req)
			}
			e.mergeRound(st, c, resp, includeSelf)
			return nil
		})
	}
	_ = g.Wait()
}

// localResponse answers a lookup request from local state.
func (e *Engine) localResponse(req *Packet) *Packet {
	resp := newResponse(req, e.sourcePort())
	switch req.Type {
	case PacketFindPeers:
		resp.Peers = e.peers.Get(req.ID)
	case PacketFindNode:
	}
	return resp
}

func (e *Engine) mergeRound(st *lookupState, c *Contact, resp *Packet, includeSelf bool) {
	var learned []*Contact
	if resp != nil {
		for _, ep := range resp.Contacts {
			nc, err := e.resolveContact(ep)
			if err != nil || (nc.IsLocal() && !includeSelf) {
				continue
			}
			learned = append(learned, nc)
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if resp == nil {
		delete(st.seen, c.ID())
		st.failed[c.ID()] = true
		return
	}
	st.responded[c.ID()] = true
	for _, nc := range learned {
		st.addSeen(nc)
	}
	if len(resp.Peers) > 0 {
		st.peers.add(resp.Peers)
	}
}
