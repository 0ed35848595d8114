package dht

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

type peerEntry struct {
	endPoint  transport.EndPoint
	announced time.Time
}

// peerList holds the endpoints announced for one network ID.
type peerList struct {
	mu      sync.Mutex
	entries []peerEntry
}

// PeerStore keeps announced service endpoints per network ID. Each network
// has its own lock; the outer map lock is only held to find or create a list.
type PeerStore struct {
	mu       sync.Mutex
	networks map[identity.ID]*peerList

	expiry     time.Duration
	maxResults int
	clock      clock.Clock
}

// NewPeerStore creates a store whose entries expire after expiry and whose
// Get returns at most maxResults endpoints.
func NewPeerStore(expiry time.Duration, maxResults int, clk clock.Clock) *PeerStore {
	if clk == nil {
		clk = clock.New()
	}
	return &PeerStore{
		networks:   make(map[identity.ID]*peerList),
		expiry:     expiry,
		maxResults: maxResults,
		clock:      clk,
	}
}

func (s *PeerStore) list(networkID identity.ID) *peerList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networks[networkID]
}

// Add records ep for networkID, refreshing its timestamp when present.
func (s *PeerStore) Add(networkID identity.ID, ep transport.EndPoint) {
	now := s.clock.Now()

	// The list is locked before the map lock is released so Prune cannot
	// drop it while the entry is being added.
	s.mu.Lock()
	l := s.networks[networkID]
	if l == nil {
		l = &peerList{}
		s.networks[networkID] = l
	}
	l.mu.Lock()
	s.mu.Unlock()
	defer l.mu.Unlock()

	for i := range l.entries {
		if l.entries[i].endPoint == ep {
			l.entries[i].announced = now
			return
		}
	}
	l.entries = append(l.entries, peerEntry{endPoint: ep, announced: now})
}

// Get returns the live endpoints for networkID. When more than the result
// cap are stored a random sample is returned.
func (s *PeerStore) Get(networkID identity.ID) []transport.EndPoint {
	l := s.list(networkID)
	if l == nil {
		return nil
	}
	now := s.clock.Now()

	l.mu.Lock()
	var live []transport.EndPoint
	for _, e := range l.entries {
		if now.Sub(e.announced) < s.expiry {
			live = append(live, e.endPoint)
		}
	}
	l.mu.Unlock()

	if len(live) <= s.maxResults {
		return live
	}
	rand.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	return live[:s.maxResults]
}

// Prune drops expired entries and empty networks.
func (s *PeerStore) Prune() int {
	now := s.clock.Now()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.networks {
		l.mu.Lock()
		kept := l.entries[:0]
		for _, e := range l.entries {
			if now.Sub(e.announced) < s.expiry {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		l.entries = kept
		empty := len(kept) == 0
		l.mu.Unlock()
		if empty {
			delete(s.networks, id)
		}
	}
	return removed
}

// Networks returns the number of network IDs with stored entries.
func (s *PeerStore) Networks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.networks)
}
