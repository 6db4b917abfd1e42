package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	IdentitiesEnrolled   prometheus.Counter
	LevelUpgrades        prometheus.Counter
	EndorsementsAccepted prometheus.Counter
	EndorsementsRejected prometheus.Counter
	TokensIssued         *prometheus.CounterVec
	AchievementsAwarded  prometheus.Counter
	TransfersCompleted   prometheus.Counter
	TransfersFailed      prometheus.Counter
	ReconcilerResolved   *prometheus.CounterVec
	RequestLatency       *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		IdentitiesEnrolled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kehilla_identities_enrolled_total",
			Help: "Total number of identity records created",
		}),
		LevelUpgrades: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kehilla_verification_level_upgrades_total",
			Help: "Total number of basic to advanced promotions",
		}),
		EndorsementsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kehilla_endorsements_accepted_total",
			Help: "Total number of endorsements admitted after signature verification",
		}),
		EndorsementsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kehilla_endorsements_rejected_total",
			Help: "Total number of endorsements rejected for invalid signatures",
		}),
		TokensIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kehilla_tokens_issued_total",
			Help: "Total number of token issuances by currency code",
		}, []string{"currency"}),
		AchievementsAwarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kehilla_achievements_awarded_total",
			Help: "Total number of achievement awards",
		}),
		TransfersCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kehilla_transfers_completed_total",
			Help: "Total number of currency transfers confirmed by the ledger",
		}),
		TransfersFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kehilla_transfers_failed_total",
			Help: "Total number of currency transfers rejected or failed",
		}),
		ReconcilerResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kehilla_reconciler_resolved_total",
			Help: "Pending transactions resolved by the reconciler, by outcome",
		}, []string{"outcome"}),
		RequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kehilla_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
