package telemetry

import (
	"sync"
	"time"
)

// StatsProvider is satisfied by a single database connection (or its
// representative peer) and reports the figures the collector polls
// into gauges between commits.
type StatsProvider interface {
	GetCommitCount() uint64
	ActiveTransactions() int
	WALPageCount() int64
}

// DatabaseLister enumerates the databases currently open in this
// process.
type DatabaseLister interface {
	ListDatabases() []string
	GetDatabase(name string) StatsProvider
}

// MetricsCollector periodically polls every open database's stats and
// republishes them as Prometheus gauges. It complements the
// event-driven counters (TxnTotal, QueriesTotal, ...) which are
// incremented inline as operations happen.
type MetricsCollector struct {
	dbLister DatabaseLister
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(dbLister DatabaseLister, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		dbLister: dbLister,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection.
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector.
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.dbLister == nil {
		return
	}

	var totalTxns int
	var maxCommitCount uint64
	var maxPageCount int64

	for _, name := range mc.dbLister.ListDatabases() {
		provider := mc.dbLister.GetDatabase(name)
		if provider == nil {
			continue
		}

		totalTxns += provider.ActiveTransactions()

		if cc := provider.GetCommitCount(); cc > maxCommitCount {
			maxCommitCount = cc
		}
		if pc := provider.WALPageCount(); pc > maxPageCount {
			maxPageCount = pc
		}
	}

	ActiveTransactions.Set(float64(totalTxns))
	CommitCount.Set(float64(maxCommitCount))
	WALPageCount.Set(float64(maxPageCount))
}
