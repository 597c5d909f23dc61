package purchase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Purchase flow counters. Registered on the default registry; scraped via
// the api package's /metrics endpoint.
var (
	purchasesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_purchases_completed_total",
		Help: "Purchases credited and finished, by product.",
	}, []string{"product"})

	duplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_duplicate_transactions_suppressed_total",
		Help: "Redelivered transactions skipped by the ledger gate.",
	})

	orphansReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_orphan_transactions_reconciled_total",
		Help: "Unfinished transactions credited during startup recovery.",
	})

	purchasesCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_purchases_cancelled_total",
		Help: "Purchases the user backed out of.",
	})

	purchasesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_purchases_failed_total",
		Help: "Failed purchase attempts, by error class.",
	}, []string{"class"})
)
