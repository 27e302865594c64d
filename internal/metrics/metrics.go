// Package metrics declares the Prometheus collectors for the dispatch
// engine. Collectors register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_dispatches_total",
			Help: "Dispatch invocations by outcome (ok, invalid, persist_error, candidates_error)",
		},
		[]string{"outcome"},
	)

	EligibleCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emergency_dispatch_eligible_candidates",
			Help:    "Number of eligible candidates per dispatch",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emergency_dispatch_duration_seconds",
			Help:    "Wall time of a dispatch including push fan-out",
			Buckets: prometheus.DefBuckets,
		},
	)

	PushSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_sends_total",
			Help: "Push send attempts by result (success, transient, permanent)",
		},
		[]string{"result"},
	)

	RegistrationsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_registrations_pruned_total",
			Help: "Device registrations deactivated after a permanent delivery failure",
		},
	)

	RegistrationsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_registrations_purged_total",
			Help: "Inactive device registrations deleted by maintenance",
		},
	)

	Renotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_renotify_events_total",
			Help: "Re-notify events received over LISTEN by result (ok, error)",
		},
		[]string{"result"},
	)

	CredentialExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_credential_exchanges_total",
			Help: "OAuth2 JWT-bearer token exchanges by result (ok, error)",
		},
		[]string{"result"},
	)
)
