// Package metrics holds the Prometheus collectors for moderation and engagement.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ConfessionsSubmitted prometheus.Counter
	Resolutions          *prometheus.CounterVec
	Reactions            *prometheus.CounterVec
	ThresholdCrossings   prometheus.Counter
	Comments             prometheus.Counter
	Deliveries           *prometheus.CounterVec
	Retractions          *prometheus.CounterVec
	StoreRetries         prometheus.Counter
	RateLimited          prometheus.Counter
	SessionsExpired      prometheus.Counter
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConfessionsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confessions",
			Name:      "submitted_total",
			Help:      "Confessions accepted for moderation.",
		}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confessions",
			Name:      "resolutions_total",
			Help:      "Resolve calls by decision and outcome (won or collision).",
		}, []string{"decision", "outcome"}),
		Reactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confessions",
			Name:      "reactions_total",
			Help:      "Reactions by kind and ledger change.",
		}, []string{"kind", "change"}),
		ThresholdCrossings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confessions",
			Name:      "report_threshold_crossings_total",
			Help:      "Comments whose report count crossed the escalation threshold.",
		}),
		Comments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confessions",
			Name:      "comments_total",
			Help:      "Comments added.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confessions",
			Name:      "notification_deliveries_total",
			Help:      "Notification deliveries by event and result.",
		}, []string{"event", "result"}),
		Retractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confessions",
			Name:      "publication_retractions_total",
			Help:      "Channel retractions by result.",
		}, []string{"result"}),
		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confessions",
			Name:      "store_write_retries_total",
			Help:      "Durable writes retried after a transient failure.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confessions",
			Name:      "submissions_rate_limited_total",
			Help:      "Submissions rejected by the per-participant limiter.",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confessions",
			Name:      "sessions_expired_total",
			Help:      "Conversation sessions consumed after the inactivity window.",
		}),
	}
	m.registry.MustRegister(
		m.ConfessionsSubmitted, m.Resolutions, m.Reactions, m.ThresholdCrossings, m.Comments,
		m.Deliveries, m.Retractions, m.StoreRetries, m.RateLimited, m.SessionsExpired,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
