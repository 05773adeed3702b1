package metrics

import (
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "warden"

// Collector implements ports.Metrics on a prometheus registry.
type Collector struct {
	ceremonies  *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	submissions *prometheus.CounterVec
	replays     prometheus.Counter
}

var _ ports.Metrics = (*Collector)(nil)

// NewCollector creates the service counters and registers them.
func NewCollector(registerer prometheus.Registerer) *Collector {
	c := &Collector{
		ceremonies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ceremony",
				Name:      "completed_total",
				Help:      "Completed passkey ceremonies by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "blocked_total",
				Help:      "Requests refused by the rate limiter.",
			},
			[]string{"action"},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "submission",
				Name:      "finished_total",
				Help:      "Ledger submissions by final status.",
			},
			[]string{"status"},
		),
		replays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ceremony",
				Name:      "replay_suspected_total",
				Help:      "Assertions rejected for a non-advancing signature counter.",
			},
		),
	}

	registerer.MustRegister(c.ceremonies, c.rateLimited, c.submissions, c.replays)
	return c
}

func (c *Collector) CeremonyCompleted(ceremony core.ChallengeKind, outcome string) {
	c.ceremonies.WithLabelValues(string(ceremony), outcome).Inc()
}

func (c *Collector) RateLimited(action core.RateLimitAction) {
	c.rateLimited.WithLabelValues(string(action)).Inc()
}

func (c *Collector) SubmissionFinished(status core.SubmissionStatus) {
	c.submissions.WithLabelValues(string(status)).Inc()
}

func (c *Collector) ReplaySuspected() {
	c.replays.Inc()
}
