package telemetry

// Histogram bucket definitions for different latency profiles.
var (
	// WriteTxnBuckets for full write transactions (Begin..Commit).
	WriteTxnBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// ReadTxnBuckets for local SQLite reads.
	ReadTxnBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// CheckpointBuckets for full WAL checkpoint passes.
	CheckpointBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Transaction metrics.
var (
	// TxnTotal counts transactions by result (committed, conflict, error, rolled_back).
	TxnTotal CounterVec = noopCounterVec{}

	// TxnDurationSeconds is the histogram for Begin..Commit/Rollback
	// latency; it is registered, but nothing in this module observes it.
	TxnDurationSeconds Histogram = NoopStat{}

	// ActiveTransactions tracks currently open transactions across all connections.
	ActiveTransactions Gauge = NoopStat{}

	// CommitConflictsTotal counts busy-snapshot conflicts observed at COMMIT.
	CommitConflictsTotal Counter = NoopStat{}

	// CommitCount mirrors the latest committed transaction id.
	CommitCount Gauge = NoopStat{}
)

// Query processing metrics.
var (
	// QueriesTotal counts queries by kind (read, write) and result (ok, error).
	QueriesTotal CounterVec = noopCounterVec{}

	// QueryDurationSeconds measures per-statement latency by kind.
	QueryDurationSeconds HistogramVec = noopHistogramVec{}

	// CacheHitsTotal counts deterministic-read cache hits.
	CacheHitsTotal Counter = NoopStat{}

	// CacheMissesTotal counts deterministic-read cache misses.
	CacheMissesTotal Counter = NoopStat{}
)

// Authorizer and rewrite metrics.
var (
	// AuthorizerDeniedTotal counts authorizer denials by action name.
	AuthorizerDeniedTotal CounterVec = noopCounterVec{}

	// RewriteAttemptsTotal counts rewrite-handler invocations by result (rewritten, passthrough).
	RewriteAttemptsTotal CounterVec = noopCounterVec{}
)

// Journal metrics.
var (
	// JournalSize tracks the row count of each striped journal table.
	JournalSize GaugeVec = noopGaugeVec{}

	// JournalTrimsTotal counts journal trim passes.
	JournalTrimsTotal Counter = NoopStat{}
)

// Checkpoint coordinator metrics.
var (
	// WALPageCount tracks the WAL page count last observed by a passive checkpoint.
	WALPageCount Gauge = NoopStat{}

	// CheckpointsTotal counts checkpoint passes by mode (passive, restart).
	CheckpointsTotal CounterVec = noopCounterVec{}

	// CheckpointDurationSeconds measures a coordinator pass, from its start through the RESTART checkpoint or early exit.
	CheckpointDurationSeconds Histogram = NoopStat{}

	// CheckpointBlockedTransactions counts transactions that stalled behind a checkpoint.
	CheckpointBlockedTransactions Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics. Must be called after
// InitializeTelemetry().
func InitMetrics() {
	TxnTotal = NewCounterVec(
		"txn_total",
		"Total transactions by result",
		[]string{"result"},
	)
	TxnDurationSeconds = NewHistogramWithBuckets(
		"txn_duration_seconds",
		"Transaction duration in seconds from Begin to Commit or Rollback",
		WriteTxnBuckets,
	)
	ActiveTransactions = NewGauge(
		"active_transactions",
		"Number of currently open transactions",
	)
	CommitConflictsTotal = NewCounter(
		"commit_conflicts_total",
		"Busy-snapshot conflicts observed at COMMIT",
	)
	CommitCount = NewGauge(
		"commit_count",
		"Id of the most recently committed transaction",
	)

	QueriesTotal = NewCounterVec(
		"queries_total",
		"Total queries by kind and result",
		[]string{"kind", "result"},
	)
	QueryDurationSeconds = NewHistogramVec(
		"query_duration_seconds",
		"Query duration in seconds by kind",
		[]string{"kind"},
		ReadTxnBuckets,
	)
	CacheHitsTotal = NewCounter(
		"cache_hits_total",
		"Deterministic-read cache hits",
	)
	CacheMissesTotal = NewCounter(
		"cache_misses_total",
		"Deterministic-read cache misses",
	)

	AuthorizerDeniedTotal = NewCounterVec(
		"authorizer_denied_total",
		"Authorizer denials by action",
		[]string{"action"},
	)
	RewriteAttemptsTotal = NewCounterVec(
		"rewrite_attempts_total",
		"Rewrite handler invocations by result",
		[]string{"result"},
	)

	JournalSize = NewGaugeVec(
		"journal_size",
		"Row count of each striped journal table",
		[]string{"journal"},
	)
	JournalTrimsTotal = NewCounter(
		"journal_trims_total",
		"Journal trim passes executed",
	)

	WALPageCount = NewGauge(
		"wal_page_count",
		"WAL page count last observed by a passive checkpoint",
	)
	CheckpointsTotal = NewCounterVec(
		"checkpoints_total",
		"Checkpoint passes by mode",
		[]string{"mode"},
	)
	CheckpointDurationSeconds = NewHistogramWithBuckets(
		"checkpoint_duration_seconds",
		"Duration of a full checkpoint coordinator pass",
		CheckpointBuckets,
	)
	CheckpointBlockedTransactions = NewCounter(
		"checkpoint_blocked_transactions_total",
		"Transactions that stalled behind an in-progress checkpoint",
	)
}
