package dht

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

// ContactKind distinguishes the engine's own contact from remote ones in
// lookup results.
type ContactKind uint8

const (
	// KindRemote is a contact for another node.
	KindRemote ContactKind = iota
	// KindLocal is the engine's own contact.
	KindLocal
)

// String returns a human-readable representation of the ContactKind.
func (k ContactKind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return fmt.Sprintf("ContactKind(%d)", uint8(k))
	}
}

// Contact is a DHT participant: a derived identifier, the endpoint it was
// derived from and liveness bookkeeping. Identity fields never change after
// construction; liveness fields are guarded by an internal mutex because
// concurrent RPC completions update them.
type Contact struct {
	id       identity.ID
	endPoint transport.EndPoint
	kind     ContactKind

	mu           sync.Mutex
	lastSeen     time.Time
	failCount    int
	successCount int
}

// ContactID derives the node identifier for ep. Identifiers are keyed
// hashes of the endpoint so a node cannot choose its position in the ID
// space independently of the address it controls.
func ContactID(ep transport.EndPoint, size int) (identity.ID, error) {
	b, err := ep.MarshalBinary()
	if err != nil {
		return identity.ID{}, err
	}
	return identity.Derive(identity.NodeIDSalt, b, size), nil
}

// NewContact creates a remote contact for ep discovered at now. Its staleness
// window starts at discovery, so a new contact is not stale until it has
// gone unseen for the whole window or failed too often.
func NewContact(ep transport.EndPoint, size int, now time.Time) (*Contact, error) {
	id, err := ContactID(ep, size)
	if err != nil {
		return nil, err
	}
	return &Contact{id: id, endPoint: ep, kind: KindRemote, lastSeen: now}, nil
}

func newLocalContact(ep transport.EndPoint, size int) (*Contact, error) {
	c, err := NewContact(ep, size, time.Time{})
	if err != nil {
		return nil, err
	}
	c.kind = KindLocal
	return c, nil
}

// ID returns the contact's node identifier.
func (c *Contact) ID() identity.ID { return c.id }

// EndPoint returns the contact's DHT endpoint.
func (c *Contact) EndPoint() transport.EndPoint { return c.endPoint }

// Kind reports whether the contact is the local node.
func (c *Contact) Kind() ContactKind { return c.kind }

// IsLocal reports whether the contact is the local node.
func (c *Contact) IsLocal() bool { return c.kind == KindLocal }

// LastSeen returns the time of the last successful exchange.
func (c *Contact) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// FailCount returns the number of consecutive failed RPCs.
func (c *Contact) FailCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failCount
}

// SuccessCount returns the number of successful RPCs.
func (c *Contact) SuccessCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successCount
}

// MarkSeen records a successful exchange at now and resets the fail count.
func (c *Contact) MarkSeen(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.failCount = 0
	c.successCount++
	c.mu.Unlock()
}

// MarkFailed records a failed RPC.
func (c *Contact) MarkFailed() {
	c.mu.Lock()
	c.failCount++
	c.mu.Unlock()
}

// IsStale reports whether the contact has failed more than maxFail times in
// a row or has not been seen within window. The local contact is never stale.
func (c *Contact) IsStale(now time.Time, maxFail int, window time.Duration) bool {
	if c.kind == KindLocal {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failCount > maxFail || now.Sub(c.lastSeen) > window
}

// Equal reports whether both contacts describe the same node: the endpoints
// match or the derived identifiers match.
func (c *Contact) Equal(other *Contact) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.endPoint == other.endPoint || c.id == other.id
}

// Info returns an immutable snapshot for lookup results.
func (c *Contact) Info() NodeInfo {
	return NodeInfo{ID: c.id, EndPoint: c.endPoint, Kind: c.kind}
}

func (c *Contact) String() string {
	return fmt.Sprintf("%s@%s", c.id.ShortString(), c.endPoint)
}

// NodeInfo is the value form of a contact returned to callers.
type NodeInfo struct {
	ID       identity.ID
	EndPoint transport.EndPoint
	Kind     ContactKind
}
