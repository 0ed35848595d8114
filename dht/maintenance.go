package dht

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/identity"
)

// maintenanceLoop runs one maintenance cycle per interval until Close.
func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()

	ticker := e.clock.Ticker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.maintain()
		}
	}
}

// maintain prunes expired announcements and dispatches the health check,
// bucket refresh and self lookup as background work. It never blocks on
// network I/O.
func (e *Engine) maintain() {
	if n := e.peers.Prune(); n > 0 {
		e.log.WithFields(logrus.Fields{
			"function": "maintain",
			"expired":  n,
		}).Debug("Pruned expired peers")
	}

	stale := e.tree.StaleContacts()
	for _, c := range stale {
		c := c
		e.spawn(func(ctx context.Context) { e.checkContactHealth(ctx, c) })
	}

	leaves := e.tree.StaleLeaves()
	for _, leaf := range leaves {
		target := leaf.RandomID()
		e.spawn(func(ctx context.Context) { e.lookup(ctx, target, PacketFindNode, false) })
	}

	e.spawn(func(ctx context.Context) { e.lookup(ctx, e.self.ID(), PacketFindNode, false) })

	setRoutingSize(e.cfg.Realm, e.TotalNodes())
	e.log.WithFields(logrus.Fields{
		"function":       "maintain",
		"nodes":          e.TotalNodes(),
		"stale_contacts": len(stale),
		"stale_buckets":  len(leaves),
	}).Debug("Maintenance dispatched")
}

// checkContactHealth pings a stale contact and removes it from its bucket
// when the ping fails.
func (e *Engine) checkContactHealth(ctx context.Context, c *Contact) {
	req := newRequest(e.version, e.sourcePort(), PacketPing, identity.ID{})
	if e.query(ctx, c, req) != nil {
		return
	}
	if e.tree.RemoveContact(c) {
		e.log.WithFields(logrus.Fields{
			"function": "checkContactHealth",
			"contact":  c.String(),
		}).Debug("Removed unresponsive contact")
	}
}
