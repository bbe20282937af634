package perch

import (
	"github.com/prometheus/client_golang/prometheus"
)

type botMetrics struct {
	connectAttempts prometheus.Counter
	linesReceived   prometheus.Counter
	messagesSent    prometheus.Counter
	connected       prometheus.Gauge
}

func newBotMetrics() *botMetrics {
	return &botMetrics{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_connect_attempts_total",
			Help: "Number of connection attempts",
		}),
		linesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_lines_received_total",
			Help: "Number of protocol lines received",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_messages_sent_total",
			Help: "Number of protocol lines sent",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perch_connected",
			Help: "Whether the engine currently holds a registered connection",
		}),
	}
}

// RegisterMetrics registers the engine's collectors. Call at most once
// per registry.
func (b *Bot) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		b.metrics.connectAttempts,
		b.metrics.linesReceived,
		b.metrics.messagesSent,
		b.metrics.connected,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
