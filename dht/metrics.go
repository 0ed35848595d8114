package dht

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rpcSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshnode",
		Subsystem: "dht",
		Name:      "rpc_sent_total",
		Help:      "Outbound DHT RPCs by realm, type and result.",
	}, []string{"realm", "type", "result"})

	rpcReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshnode",
		Subsystem: "dht",
		Name:      "rpc_received_total",
		Help:      "Inbound DHT requests by realm and type.",
	}, []string{"realm", "type"})

	lookupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meshnode",
		Subsystem: "dht",
		Name:      "lookup_duration_seconds",
		Help:      "Duration of iterative lookups.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"realm", "type"})

	routingSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshnode",
		Subsystem: "dht",
		Name:      "routing_contacts",
		Help:      "Remote contacts in the routing tree.",
	}, []string{"realm"})
)

// RegisterMetrics registers the DHT collectors with reg. Collectors that are
// already registered are left in place.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{rpcSent, rpcReceived, lookupDuration, routingSize} {
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

func recordRPC(realm string, typ PacketType, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	rpcSent.WithLabelValues(realm, typ.String(), result).Inc()
}

func recordRequest(realm string, typ PacketType) {
	rpcReceived.WithLabelValues(realm, typ.String()).Inc()
}

func observeLookup(realm string, typ PacketType, d time.Duration) {
	lookupDuration.WithLabelValues(realm, typ.String()).Observe(d.Seconds())
}

func setRoutingSize(realm string, n int) {
	routingSize.WithLabelValues(realm).Set(float64(n))
}
