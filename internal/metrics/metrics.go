// Package metrics provides Prometheus instrumentation for the relay bot.
// It exposes gauges for pairing state, counters for relay throughput and
// moderation outcomes, and a histogram of session lengths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActivePairs tracks the current number of coupled pairs.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duetbot_active_pairs",
		Help: "Current number of coupled chat pairs",
	})

	// UsersSearching tracks the number of users currently in search.
	UsersSearching = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duetbot_users_searching",
		Help: "Current number of users waiting for a partner",
	})

	// MatchesTotal counts successful couplings.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duetbot_matches_total",
		Help: "Total number of pairings established",
	})

	// MessagesRelayed counts delivered messages, labeled by content kind.
	MessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duetbot_messages_relayed_total",
		Help: "Total number of messages relayed between partners",
	}, []string{"kind"}) // kind = "text", "photo", "sticker", "animation"

	// MessagesBlocked counts messages withheld by the toxicity gate.
	MessagesBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duetbot_messages_blocked_total",
		Help: "Total number of messages blocked as toxic",
	})

	// SessionDuration records the length of ended chat sessions.
	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duetbot_session_duration_seconds",
		Help:    "Duration of ended chat sessions in seconds",
		Buckets: []float64{30, 60, 120, 300, 600, 1800, 3600},
	})

	// CreditAdjustments counts credit changes, labeled by direction.
	CreditAdjustments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duetbot_credit_adjustments_total",
		Help: "Total number of credit adjustments applied",
	}, []string{"direction"}) // direction = "reward", "penalty"

	// ClassifierFailures counts toxicity inference failures. Failures are
	// treated as non-toxic, so this is the signal that the gate is blind.
	ClassifierFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duetbot_classifier_failures_total",
		Help: "Total number of failed toxicity classifications",
	})
)

func init() {
	prometheus.MustRegister(
		ActivePairs,
		UsersSearching,
		MatchesTotal,
		MessagesRelayed,
		MessagesBlocked,
		SessionDuration,
		CreditAdjustments,
		ClassifierFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
