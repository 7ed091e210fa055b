package client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "esl"

type metrics struct {
	frames              *prometheus.CounterVec
	unknownContentTypes *prometheus.CounterVec
	commands            *prometheus.CounterVec
	commandDuration     prometheus.Histogram
	pendingCommands     prometheus.Gauge
	dispatchQueue       prometheus.Gauge
}

// newMetrics registers the client metrics with reg. Connections sharing a
// registry share the collectors. A nil reg keeps the metrics private.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &metrics{
		frames: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Total number of frames decoded, by kind",
		}, []string{"kind"})),

		unknownContentTypes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unknown_content_types_total",
			Help:      "Total number of frames with an unrecognised Content-Type",
		}, []string{"content_type"})),

		commands: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Total number of commands sent, by result",
		}, []string{"result"})),

		commandDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "command_duration_seconds",
			Help:      "Time between writing a command and receiving its reply",
			Buckets:   prometheus.DefBuckets,
		})),

		pendingCommands: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_commands",
			Help:      "Number of commands waiting for a reply",
		})),

		dispatchQueue: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_queue_depth",
			Help:      "Number of events waiting for a dispatch worker",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}

		panic(err)
	}

	return c
}
