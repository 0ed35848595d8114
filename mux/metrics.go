package mux

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshnode",
		Subsystem: "mux",
		Name:      "frames_total",
		Help:      "Frames by direction and signal.",
	}, []string{"direction", "signal"})

	openChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshnode",
		Subsystem: "mux",
		Name:      "open_channels",
		Help:      "Channels currently open across all connections.",
	})

	openConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshnode",
		Subsystem: "mux",
		Name:      "open_connections",
		Help:      "Running connections by kind.",
	}, []string{"kind"})

	feedTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshnode",
		Subsystem: "mux",
		Name:      "feed_timeouts_total",
		Help:      "Channels disposed because their consumer stalled.",
	})
)

// RegisterMetrics registers the multiplexer collectors with reg. Collectors
// that are already registered are left in place.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{framesTotal, openChannels, openConnections, feedTimeouts} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func recordFrame(direction string, s Signal) {
	framesTotal.WithLabelValues(direction, s.String()).Inc()
}

func connectionKind(virtual bool) string {
	if virtual {
		return "virtual"
	}
	return "direct"
}
