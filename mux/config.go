package mux

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Default timings.
const (
	DefaultPingInterval       = 15 * time.Second
	DefaultReadTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultChannelReadTimeout = 60 * time.Second
	DefaultFeedTimeout        = 30 * time.Second
)

// Config holds the timing parameters of a multiplexed connection.
type Config struct {
	// PingInterval is how often a ping frame is sent on an idle link.
	PingInterval time.Duration
	// ReadTimeout bounds the wait for the next frame on the link. Pings
	// from the peer keep a healthy link inside it.
	ReadTimeout time.Duration
	// WriteTimeout bounds each frame write on the link.
	WriteTimeout time.Duration
	// ChannelReadTimeout bounds a channel Read without an explicit deadline.
	ChannelReadTimeout time.Duration
	// FeedTimeout bounds how long the link reader waits for a channel
	// consumer to drain its buffer.
	FeedTimeout time.Duration

	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// DefaultConfig returns the default connection configuration.
func DefaultConfig() *Config {
	return &Config{
		PingInterval:       DefaultPingInterval,
		ReadTimeout:        DefaultReadTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		ChannelReadTimeout: DefaultChannelReadTimeout,
		FeedTimeout:        DefaultFeedTimeout,
	}
}

func (cfg *Config) withDefaults() *Config {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	def := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ChannelReadTimeout <= 0 {
		c.ChannelReadTimeout = def.ChannelReadTimeout
	}
	if c.FeedTimeout <= 0 {
		c.FeedTimeout = def.FeedTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return &c
}
