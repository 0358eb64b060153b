package db

import (
	"database/sql"
	"time"

	"github.com/concordsqlite/concord/telemetry"
	"github.com/rs/zerolog/log"
)

// evaluateCheckpoint runs the commit path's own passive checkpoint and,
// if the WAL has grown past fullCheckpointPageMin, starts the
// coordinator goroutine that drains in-flight transactions for a
// restart checkpoint. This folds the teacher's WAL-hook observation and
// opportunistic-checkpoint steps into one call since mattn/go-sqlite3
// exposes no WAL hook; see commitHook in hooks.go for why this can't
// run from inside RegisterCommitHook itself.
func evaluateCheckpoint(c *Connection) {
	if c.shared.checkpointBusy.Load() != 0 {
		// A coordinator is already draining transactions for a restart
		// checkpoint; running a passive checkpoint here would overwrite
		// currentPageCount mid-drain and perturb its hysteresis.
		return
	}

	busy, logFrames, _, err := walCheckpoint(c.engine, "PASSIVE")
	if err != nil {
		log.Error().Err(err).Msg("passive checkpoint failed")
		return
	}
	if busy != 0 {
		log.Debug().Msg("passive checkpoint skipped: wal busy")
	}
	telemetry.CheckpointsTotal.With("passive").Inc()
	c.shared.currentPageCount.Store(int64(logFrames))
	telemetry.WALPageCount.Set(float64(logFrames))

	if logFrames < int(fullCheckpointPageMin.Load()) {
		return
	}

	if !c.shared.checkpointBusy.CompareAndSwap(0, 1) {
		return
	}

	c.destructorMu.Lock()
	go runCheckpointCoordinator(c)
}

// walCheckpoint runs PRAGMA wal_checkpoint(<mode>) and returns its
// three-column result: busy (non-zero if a checkpoint could not run to
// completion), log (WAL frames before the checkpoint), checkpointed
// (frames actually moved into the main file).
func walCheckpoint(engine *sql.DB, mode string) (busy, logFrames, checkpointed int, err error) {
	row := engine.QueryRow("PRAGMA wal_checkpoint(" + mode + ")")
	err = row.Scan(&busy, &logFrames, &checkpointed)
	return
}

// runCheckpointCoordinator is the single-per-SharedData background task
// that blocks new transactions, waits out any still-running ones, and
// issues a restart checkpoint once the in-flight transaction count
// reaches zero.
// It owns c's destructor mutex for its whole run so Close blocks until
// it finishes with this connection.
func runCheckpointCoordinator(c *Connection) {
	started := time.Now()
	c.shared.logState("checkpoint coordinator starting")
	defer c.destructorMu.Unlock()
	defer c.shared.checkpointBusy.Store(0)
	defer func() { telemetry.CheckpointDurationSeconds.Observe(time.Since(started).Seconds()) }()
	defer c.shared.logState("checkpoint coordinator finished")

	c.shared.blockNewTransactionsMutex.Lock()
	defer c.shared.blockNewTransactionsMutex.Unlock()

	for {
		c.shared.notifyMu.Lock()
		pageCount := c.shared.currentPageCount.Load()
		txnCount := c.shared.currentTransactionCount.Load()

		if pageCount < fullCheckpointPageMin.Load()/2 {
			c.shared.notifyMu.Unlock()
			return
		}

		c.shared.notifyCheckpointRequired(c)
		if txnCount > 0 {
			telemetry.CheckpointBlockedTransactions.Add(float64(txnCount))
		}

		if txnCount == 0 {
			c.shared.notifyMu.Unlock()
			_, logFrames, checkpointed, err := walCheckpoint(c.engine, "RESTART")
			if err != nil {
				log.Error().Err(err).Msg("restart checkpoint failed")
			} else {
				log.Debug().Int("log_frames", logFrames).Int("checkpointed", checkpointed).Msg("restart checkpoint complete")
				telemetry.CheckpointsTotal.With("restart").Inc()
				c.shared.currentPageCount.Store(0)
				telemetry.WALPageCount.Set(0)
			}
			c.shared.notifyCheckpointComplete(c)
			return
		}

		c.shared.notifyCond.Wait()
		c.shared.notifyMu.Unlock()
	}
}

// waitForCheckpoint takes blockNewTransactionsMutex shared, stalling a
// new transaction while a coordinator holds it exclusively.
func (c *Connection) waitForCheckpoint() func() {
	c.shared.blockNewTransactionsMutex.RLock()
	return c.shared.blockNewTransactionsMutex.RUnlock
}
