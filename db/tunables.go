package db

import "sync/atomic"

// Process-wide checkpoint tuning, mirrored by cfg.CheckpointConfiguration
// and applied via ApplyTunables at startup. These are atomics because
// the commit path reads them on every transaction without taking any
// lock.
var (
	passiveCheckpointPageMin atomic.Int64
	fullCheckpointPageMin    atomic.Int64
	enableTrace              atomic.Bool
)

func init() {
	passiveCheckpointPageMin.Store(2500)
	fullCheckpointPageMin.Store(25000)
}

// Tunables groups the process-wide knobs that gate checkpoint behavior
// and trace logging.
type Tunables struct {
	PassiveCheckpointPageMin int
	FullCheckpointPageMin    int
	EnableTrace              bool
}

// ApplyTunables overwrites the process-wide checkpoint thresholds. It is
// safe to call concurrently with running connections; the new values
// take effect on the next evaluation.
func ApplyTunables(t Tunables) {
	if t.PassiveCheckpointPageMin > 0 {
		passiveCheckpointPageMin.Store(int64(t.PassiveCheckpointPageMin))
	}
	if t.FullCheckpointPageMin > 0 {
		fullCheckpointPageMin.Store(int64(t.FullCheckpointPageMin))
	}
	enableTrace.Store(t.EnableTrace)
}

// CurrentTunables returns a snapshot of the process-wide knobs.
func CurrentTunables() Tunables {
	return Tunables{
		PassiveCheckpointPageMin: int(passiveCheckpointPageMin.Load()),
		FullCheckpointPageMin:    int(fullCheckpointPageMin.Load()),
		EnableTrace:              enableTrace.Load(),
	}
}
