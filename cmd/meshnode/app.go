package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/fx"

	"github.com/opd-ai/meshnode"
	"github.com/opd-ai/meshnode/dht"
	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/mux"
)

// announceInterval is how often announced networks are republished.
const announceInterval = 10 * time.Minute

// newApp wires the daemon components.
func newApp(cfg *Config) *fx.App {
	return fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newRegistry,
			newNode,
		),
		fx.Invoke(
			registerNode,
			registerMetricsServer,
		),
	)
}

func newLogger(cfg *Config) (logrus.FieldLogger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log, nil
}

func newRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := dht.RegisterMetrics(reg); err != nil {
		return nil, err
	}
	if err := mux.RegisterMetrics(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func newNode(cfg *Config, log logrus.FieldLogger) (*meshnode.Node, error) {
	o, err := cfg.options()
	if err != nil {
		return nil, err
	}
	o.Logger = log
	return meshnode.New(o)
}

// registerNode starts the node and republishes the announced networks until
// the application stops.
func registerNode(lc fx.Lifecycle, cfg *Config, node *meshnode.Node, log logrus.FieldLogger) error {
	networks, err := cfg.networkIDs()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := node.Start(); err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"function": "registerNode",
				"peer_id":  node.PeerID().String(),
				"addr":     node.Addr().String(),
			}).Info("Node started")
			if cfg.Relay {
				node.EnableRelay(networks...)
			}
			if len(networks) > 0 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					announceLoop(ctx, node, networks, log)
				}()
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return node.Close()
		},
	})
	return nil
}

func announceLoop(ctx context.Context, node *meshnode.Node, networks []identity.ID, log logrus.FieldLogger) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		for _, id := range networks {
			announce(ctx, node, id, log)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// announce publishes id and connects to the peers already announced there.
func announce(ctx context.Context, node *meshnode.Node, id identity.ID, log logrus.FieldLogger) {
	actx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	peers, err := node.Announce(actx, id)
	if err != nil {
		log.WithFields(logrus.Fields{
			"function": "announce",
			"network":  id.ShortString(),
			"error":    err.Error(),
		}).Warn("Announce failed")
		return
	}
	log.WithFields(logrus.Fields{
		"function": "announce",
		"network":  id.ShortString(),
		"peers":    len(peers),
	}).Info("Network announced")

	for _, ep := range peers {
		if _, err := node.Connect(actx, ep); err != nil {
			log.WithFields(logrus.Fields{
				"function": "announce",
				"endpoint": ep.String(),
				"error":    err.Error(),
			}).Debug("Failed to connect to announced peer")
		}
	}
}

// registerMetricsServer serves /metrics when a metrics address is set.
func registerMetricsServer(lc fx.Lifecycle, cfg *Config, reg *prometheus.Registry, log logrus.FieldLogger) {
	if cfg.Metrics == "" {
		return
	}
	handler := http.NewServeMux()
	handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              cfg.Metrics,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Metrics)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithFields(logrus.Fields{
						"function": "registerMetricsServer",
						"error":    err.Error(),
					}).Error("Metrics server failed")
				}
			}()
			log.WithFields(logrus.Fields{
				"function": "registerMetricsServer",
				"addr":     ln.Addr().String(),
			}).Info("Serving metrics")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
