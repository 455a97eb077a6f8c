package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for txnengine metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	Local  = "local"
	Global = "global"

	Commit     = "commit"
	Rollback   = "rollback"
	RolledBack = "rolled_back"
	Prepare    = "prepare"
	Heuristic  = "heuristic"

	Message = "message"
	Member  = "member"
)

// Collectors for txn.Manager metrics.
var (
	TxnCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txnengine_txn_created_total",
		Help: "Cumulative number of created transactions.",
	}, []string{"kind", "status"})
	TxnCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txnengine_txn_completed_total",
		Help: "Cumulative number of transactions completed, by outcome.",
	}, []string{"kind", "outcome"})
	TxnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "txnengine_txn_active",
		Help: "Number of transactions which have not yet been released.",
	})
	TxnIncrementalStoreCommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txnengine_txn_incremental_store_commits_total",
		Help: "Cumulative number of intermediate store commits of incremental transactions.",
	})
	TxnAsyncResumesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txnengine_txn_async_resumes_total",
		Help: "Cumulative number of replays resumed after an asynchronous completion.",
	})
	TxnJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txnengine_txn_jobs_total",
		Help: "Cumulative number of job-callback phases, by whether they were queued or ran inline.",
	}, []string{"dispatch"})
	TxnSoftLogEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txnengine_txn_softlog_entries_total",
		Help: "Cumulative number of soft-log entries appended to transactions.",
	})
)

// Collectors for recovery.Context metrics.
var (
	RecoveryGenerationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txnengine_recovery_generations_total",
		Help: "Cumulative number of store generations recovered.",
	})
	RecoveryRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txnengine_recovery_records_total",
		Help: "Cumulative number of records rehydrated by recovery, by record type.",
	}, []string{"type"})
	RecoveryOfflineTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txnengine_recovery_offline_total",
		Help: "Cumulative number of records deferred as offline, by kind.",
	}, []string{"kind"})
	RecoveryDiscardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txnengine_recovery_discarded_total",
		Help: "Cumulative number of corrupt records discarded by partial recovery.",
	})
	RecoveryDurationSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "txnengine_recovery_duration_seconds",
		Help: "Duration of the last completed recovery.",
	})
)

// Collectors for store/sqlstore metrics.
var (
	StoreCommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txnengine_store_commits_total",
		Help: "Cumulative number of store stream commits, by status.",
	}, []string{"status"})
	StoreCommitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "txnengine_store_commit_seconds",
		Help:    "Latency of store stream commits.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	})
	StoreGenerationLoadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txnengine_store_generation_loads_total",
		Help: "Cumulative number of store generations loaded by a blocking read.",
	})
	StoreCurrentGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "txnengine_store_current_generation",
		Help: "Current store generation.",
	})
)

// TxnCollectors lists collectors of the transaction manager.
func TxnCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		TxnCreatedTotal,
		TxnCompletedTotal,
		TxnActive,
		TxnIncrementalStoreCommitsTotal,
		TxnAsyncResumesTotal,
		TxnJobsTotal,
		TxnSoftLogEntriesTotal,
	}
}

// RecoveryCollectors lists collectors of recovery.
func RecoveryCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		RecoveryGenerationsTotal,
		RecoveryRecordsTotal,
		RecoveryOfflineTotal,
		RecoveryDiscardedTotal,
		RecoveryDurationSeconds,
	}
}

// StoreCollectors lists collectors of store/sqlstore.
func StoreCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		StoreCommitsTotal,
		StoreCommitSeconds,
		StoreGenerationLoadsTotal,
		StoreCurrentGeneration,
	}
}
