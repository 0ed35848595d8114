package dht

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/meshnode/identity"
)

// bucket is a node of the routing trie. A leaf holds up to 2K contact slots;
// an internal node has exactly two children and no contacts. The prefix is
// the path from the root: the first depth bits of every identifier stored
// below this node equal the first depth bits of prefix.
type bucket struct {
	parent *bucket
	depth  int
	prefix identity.ID

	// count is the number of contacts in all leaves below this node,
	// including the node itself when it is a leaf.
	count atomic.Int64

	mu          sync.Mutex
	contacts    []*Contact
	left, right *bucket
	lastChanged time.Time
}

func (b *bucket) isLeaf() bool { return b.left == nil }

// child returns the child on id's side. Caller holds b.mu.
func (b *bucket) child(id identity.ID) *bucket {
	if id.Bit(b.depth) == 0 {
		return b.left
	}
	return b.right
}

func (b *bucket) addCount(delta int64) {
	for n := b; n != nil; n = n.parent {
		n.count.Add(delta)
	}
}

// RoutingTree is a binary trie of contact buckets over the identifier space.
// Every leaf is guarded by its own mutex; occupancy counts are maintained on
// every ancestor so closest-contact queries can stop climbing early.
type RoutingTree struct {
	root  *bucket
	self  *Contact
	clock clock.Clock

	idSize       int
	k            int
	splitDepth   int
	maxFailCount int
	staleTimeout time.Duration
}

// NewRoutingTree creates a tree containing only self. The tree takes K,
// SplitDepth, MaxFailCount, StaleTimeout and Clock from cfg.
func NewRoutingTree(self *Contact, cfg *Config) *RoutingTree {
	cfg = cfg.withDefaults()
	t := &RoutingTree{
		self:         self,
		clock:        cfg.Clock,
		idSize:       self.ID().Len(),
		k:            cfg.K,
		splitDepth:   cfg.SplitDepth,
		maxFailCount: cfg.MaxFailCount,
		staleTimeout: cfg.StaleTimeout,
	}
	t.root = &bucket{
		prefix:      identity.ZeroID(t.idSize),
		contacts:    make([]*Contact, 0, t.capacity()),
		lastChanged: t.clock.Now(),
	}
	t.root.contacts = append(t.root.contacts, self)
	t.root.count.Store(1)
	return t
}

func (t *RoutingTree) capacity() int { return 2 * t.k }

// Self returns the local contact.
func (t *RoutingTree) Self() *Contact { return t.self }

// Len returns the number of contacts in the tree, including self.
func (t *RoutingTree) Len() int { return int(t.root.count.Load()) }

func (t *RoutingTree) isStale(c *Contact, now time.Time) bool {
	return c.IsStale(now, t.maxFailCount, t.staleTimeout)
}

// lockLeaf walks to the leaf covering id and returns it locked.
func (t *RoutingTree) lockLeaf(id identity.ID) *bucket {
	b := t.root
	for {
		b.mu.Lock()
		if b.isLeaf() {
			return b
		}
		next := b.child(id)
		b.mu.Unlock()
		b = next
	}
}

// AddContact inserts c. It returns false when c is already present or when
// its leaf is full, cannot split and holds no stale contact to replace.
func (t *RoutingTree) AddContact(c *Contact) bool {
	if c == nil || c.ID().Len() != t.idSize {
		return false
	}
	for {
		b := t.lockLeaf(c.ID())
		now := t.clock.Now()

		for _, existing := range b.contacts {
			if existing.Equal(c) {
				b.mu.Unlock()
				return false
			}
		}

		if len(b.contacts) < t.capacity() {
			b.contacts = append(b.contacts, c)
			b.lastChanged = now
			b.count.Add(1)
			parent := b.parent
			b.mu.Unlock()
			if parent != nil {
				parent.addCount(1)
			}
			return true
		}

		if !t.isStale(c, now) {
			for i, existing := range b.contacts {
				if t.isStale(existing, now) {
					b.contacts[i] = c
					b.lastChanged = now
					b.mu.Unlock()
					return true
				}
			}
		}

		if !t.canSplit(b) {
			b.mu.Unlock()
			return false
		}
		t.split(b, now)
		b.mu.Unlock()
	}
}

// canSplit reports whether a full leaf may split: it holds self, or it is
// shallower than SplitDepth-1. Caller holds b.mu.
func (t *RoutingTree) canSplit(b *bucket) bool {
	if b.depth >= t.idSize*8 {
		return false
	}
	if b.depth < t.splitDepth-1 {
		return true
	}
	for _, c := range b.contacts {
		if c.IsLocal() {
			return true
		}
	}
	return false
}

// split turns leaf b into an internal node. Contacts are partitioned by bit
// depth into the new children. Ancestor counts are unchanged because the
// children together hold exactly the contacts b held. Caller holds b.mu.
func (t *RoutingTree) split(b *bucket, now time.Time) {
	left := &bucket{
		parent:      b,
		depth:       b.depth + 1,
		prefix:      b.prefix,
		contacts:    make([]*Contact, 0, t.capacity()),
		lastChanged: now,
	}
	right := &bucket{
		parent:      b,
		depth:       b.depth + 1,
		prefix:      b.prefix.WithBit(b.depth, 1),
		contacts:    make([]*Contact, 0, t.capacity()),
		lastChanged: now,
	}
	for _, c := range b.contacts {
		if c.ID().Bit(b.depth) == 0 {
			left.contacts = append(left.contacts, c)
		} else {
			right.contacts = append(right.contacts, c)
		}
	}
	left.count.Store(int64(len(left.contacts)))
	right.count.Store(int64(len(right.contacts)))

	b.contacts = nil
	b.left, b.right = left, right
}

// RemoveContact removes c if it is stale and its leaf holds more than K
// contacts. The local contact is never removed.
func (t *RoutingTree) RemoveContact(c *Contact) bool {
	if c == nil || c.IsLocal() || c.ID().Len() != t.idSize {
		return false
	}
	b := t.lockLeaf(c.ID())
	now := t.clock.Now()
	for i, existing := range b.contacts {
		if existing.ID() != c.ID() {
			continue
		}
		if !t.isStale(existing, now) || len(b.contacts) <= t.k {
			break
		}
		b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
		b.lastChanged = now
		b.count.Add(-1)
		parent := b.parent
		b.mu.Unlock()
		if parent != nil {
			parent.addCount(-1)
		}
		return true
	}
	b.mu.Unlock()
	return false
}

// FindContact returns the contact with the given identifier, or nil.
func (t *RoutingTree) FindContact(id identity.ID) *Contact {
	if id.Len() != t.idSize {
		return nil
	}
	b := t.lockLeaf(id)
	defer b.mu.Unlock()
	for _, c := range b.contacts {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// GetKClosest returns up to K contacts ordered by XOR distance to target.
// The search starts at target's leaf and climbs towards the root until the
// subtree holds enough contacts.
func (t *RoutingTree) GetKClosest(target identity.ID, includeSelf bool) []*Contact {
	if target.Len() != t.idSize {
		return nil
	}
	need := int64(t.k)
	if !includeSelf {
		need++
	}

	b := t.lockLeaf(target)
	b.mu.Unlock()
	for b.parent != nil && b.count.Load() < need {
		b = b.parent
	}

	all := t.collect(b, nil)
	if !includeSelf {
		filtered := all[:0]
		for _, c := range all {
			if !c.IsLocal() {
				filtered = append(filtered, c)
			}
		}
		all = filtered
	}
	return SelectClosest(all, target, t.k)
}

// AllContacts returns every contact in the tree, self included.
func (t *RoutingTree) AllContacts() []*Contact {
	return t.collect(t.root, nil)
}

func (t *RoutingTree) collect(b *bucket, out []*Contact) []*Contact {
	b.mu.Lock()
	if b.isLeaf() {
		out = append(out, b.contacts...)
		b.mu.Unlock()
		return out
	}
	left, right := b.left, b.right
	b.mu.Unlock()
	out = t.collect(left, out)
	return t.collect(right, out)
}

// StaleContacts returns every stale contact in the tree.
func (t *RoutingTree) StaleContacts() []*Contact {
	now := t.clock.Now()
	var stale []*Contact
	for _, c := range t.AllContacts() {
		if t.isStale(c, now) {
			stale = append(stale, c)
		}
	}
	return stale
}

// LeafRange describes the identifier range covered by one leaf.
type LeafRange struct {
	Prefix      identity.ID
	Depth       int
	LastChanged time.Time
	Size        int
}

// RandomID returns a random identifier inside the range.
func (r LeafRange) RandomID() identity.ID {
	size := r.Prefix.Len()
	random := identity.RandomID(size)
	if r.Depth == 0 {
		return random
	}
	mask := identity.MaxID(size).ShiftLeft(size*8 - r.Depth)
	return r.Prefix.And(mask).Or(random.And(mask.Not()))
}

// Leaves returns a snapshot of every leaf range.
func (t *RoutingTree) Leaves() []LeafRange {
	var out []LeafRange
	var walk func(b *bucket)
	walk = func(b *bucket) {
		b.mu.Lock()
		if b.isLeaf() {
			out = append(out, LeafRange{
				Prefix:      b.prefix,
				Depth:       b.depth,
				LastChanged: b.lastChanged,
				Size:        len(b.contacts),
			})
			b.mu.Unlock()
			return
		}
		left, right := b.left, b.right
		b.mu.Unlock()
		walk(left)
		walk(right)
	}
	walk(t.root)
	return out
}

// StaleLeaves returns leaves whose contents have not changed within the
// stale window.
func (t *RoutingTree) StaleLeaves() []LeafRange {
	now := t.clock.Now()
	var out []LeafRange
	for _, leaf := range t.Leaves() {
		if now.Sub(leaf.LastChanged) > t.staleTimeout {
			out = append(out, leaf)
		}
	}
	return out
}

// SelectClosest returns up to n contacts ordered by ascending XOR distance
// to target. Contacts at equal distance keep their input order. The input
// slice is not modified.
func SelectClosest(contacts []*Contact, target identity.ID, n int) []*Contact {
	if n > len(contacts) {
		n = len(contacts)
	}
	if n <= 0 {
		return nil
	}
	work := make([]*Contact, len(contacts))
	copy(work, contacts)
	dist := make([]identity.ID, len(work))
	for i, c := range work {
		dist[i] = c.ID().Xor(target)
	}

	for i := 0; i < n; i++ {
		best := i
		for j := i + 1; j < len(work); j++ {
			if dist[j].Less(dist[best]) {
				best = j
			}
		}
		if best == i {
			continue
		}
		c, d := work[best], dist[best]
		copy(work[i+1:best+1], work[i:best])
		copy(dist[i+1:best+1], dist[i:best])
		work[i], dist[i] = c, d
	}
	return work[:n]
}
