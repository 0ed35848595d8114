package dht

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/limits"
	"github.com/opd-ai/meshnode/transport"
)

// Default protocol parameters.
const (
	DefaultK                   = 8
	DefaultAlpha               = 3
	DefaultSplitDepth          = 5
	DefaultMaxFailCount        = 5
	DefaultStaleTimeout        = 900 * time.Second
	DefaultPeerExpiry          = 900 * time.Second
	DefaultQueryTimeout        = 5 * time.Second
	DefaultTorQueryTimeout     = 10 * time.Second
	DefaultMaintenanceInterval = 5 * time.Minute
)

// Config holds configuration for one DHT engine.
type Config struct {
	// IDSize selects the protocol generation: identity.Size160 speaks packet
	// version 1, identity.Size256 speaks version 2.
	IDSize int
	// K is the bucket size and the lookup result size.
	K int
	// Alpha is the lookup concurrency factor.
	Alpha int
	// SplitDepth (B) bounds how deep buckets that do not hold self may split.
	SplitDepth int
	// MaxFailCount is the number of consecutive failures tolerated before a
	// contact is stale.
	MaxFailCount int
	// StaleTimeout is the recency window for contacts and the refresh window
	// for buckets.
	StaleTimeout time.Duration
	// PeerExpiry is how long an announced endpoint is kept.
	PeerExpiry time.Duration
	// MaxPeersReturned caps the announced endpoints returned per query.
	MaxPeersReturned int
	// QueryTimeout bounds every RPC and every lookup round.
	QueryTimeout time.Duration
	// MaintenanceInterval is the period of the background maintenance cycle.
	MaintenanceInterval time.Duration

	// Realm names the reachability domain, for logs and metrics.
	Realm string
	// Network opens outbound streams to contacts.
	Network transport.Dialer
	// LocalEndPoint is the endpoint other nodes reach this engine at. It
	// determines the local node identifier.
	LocalEndPoint transport.EndPoint
	// TrustClaimedAddress makes ANNOUNCE store the announcer's claimed
	// endpoint instead of the observed source address. Used for transports
	// without meaningful source addresses such as Tor.
	TrustClaimedAddress bool

	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// DefaultConfig returns the default engine configuration for the current
// protocol generation. Network and LocalEndPoint must still be set.
func DefaultConfig() *Config {
	return &Config{
		IDSize:              identity.Size256,
		K:                   DefaultK,
		Alpha:               DefaultAlpha,
		SplitDepth:          DefaultSplitDepth,
		MaxFailCount:        DefaultMaxFailCount,
		StaleTimeout:        DefaultStaleTimeout,
		PeerExpiry:          DefaultPeerExpiry,
		MaxPeersReturned:    limits.MaxPeersPerResponse,
		QueryTimeout:        DefaultQueryTimeout,
		MaintenanceInterval: DefaultMaintenanceInterval,
		Realm:               "default",
	}
}

// withDefaults returns a copy of cfg with zero fields filled in.
func (cfg *Config) withDefaults() *Config {
	out := DefaultConfig()
	if cfg == nil {
		out.Clock = clock.New()
		out.Logger = logrus.StandardLogger()
		return out
	}
	c := *cfg
	if c.IDSize == 0 {
		c.IDSize = out.IDSize
	}
	if c.K <= 0 {
		c.K = out.K
	}
	if c.Alpha <= 0 {
		c.Alpha = out.Alpha
	}
	if c.SplitDepth <= 0 {
		c.SplitDepth = out.SplitDepth
	}
	if c.MaxFailCount <= 0 {
		c.MaxFailCount = out.MaxFailCount
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = out.StaleTimeout
	}
	if c.PeerExpiry <= 0 {
		c.PeerExpiry = out.PeerExpiry
	}
	if c.MaxPeersReturned <= 0 || c.MaxPeersReturned > limits.MaxListEntries {
		c.MaxPeersReturned = out.MaxPeersReturned
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = out.QueryTimeout
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = out.MaintenanceInterval
	}
	if c.Realm == "" {
		c.Realm = out.Realm
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return &c
}

func (cfg *Config) validate() error {
	if !identity.ValidSize(cfg.IDSize) {
		return fmt.Errorf("%w: id size %d", ErrInvalidConfig, cfg.IDSize)
	}
	if cfg.Network == nil {
		return fmt.Errorf("%w: network is required", ErrInvalidConfig)
	}
	if !cfg.LocalEndPoint.IsValid() {
		return fmt.Errorf("%w: local endpoint is required", ErrInvalidConfig)
	}
	if cfg.K > limits.MaxListEntries {
		return fmt.Errorf("%w: K %d exceeds list limit", ErrInvalidConfig, cfg.K)
	}
	return nil
}

// version returns the packet version spoken by an engine with this config.
func (cfg *Config) version() uint8 {
	if cfg.IDSize == identity.Size160 {
		return Version1
	}
	return Version2
}
