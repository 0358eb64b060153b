package telemetry

import (
	"testing"
	"time"
)

type fakeStats struct {
	commitCount uint64
	active      int
	walPages    int64
}

func (f fakeStats) GetCommitCount() uint64 { return f.commitCount }
func (f fakeStats) ActiveTransactions() int { return f.active }
func (f fakeStats) WALPageCount() int64     { return f.walPages }

type fakeLister struct {
	dbs map[string]StatsProvider
}

func (f fakeLister) ListDatabases() []string {
	names := make([]string, 0, len(f.dbs))
	for name := range f.dbs {
		names = append(names, name)
	}
	return names
}

func (f fakeLister) GetDatabase(name string) StatsProvider {
	return f.dbs[name]
}

func TestMetricsCollector_CollectRunsAcrossDatabases(t *testing.T) {
	lister := fakeLister{dbs: map[string]StatsProvider{
		"a": fakeStats{commitCount: 10, active: 2, walPages: 100},
		"b": fakeStats{commitCount: 30, active: 3, walPages: 50},
	}}

	mc := NewMetricsCollector(lister, time.Hour)
	mc.collect()
	// No panics and no assertions on the underlying no-op gauges: this
	// test only exercises the aggregation path compiles and runs
	// against more than one database without a nil-dereference.
}

func TestMetricsCollector_StartStop(t *testing.T) {
	mc := NewMetricsCollector(fakeLister{dbs: map[string]StatsProvider{}}, time.Millisecond)
	mc.Start()
	time.Sleep(5 * time.Millisecond)
	mc.Stop()
}
