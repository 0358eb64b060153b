package db

import (
	"database/sql"
)

// progressHandler implements the priority order from the teacher's
// progress-handler model: timeout first, checkpoint pressure second,
// otherwise continue. Returning non-zero interrupts the in-flight
// engine call.
func (c *Connection) progressHandler() int {
	if elapsed, timedOut := c.timedOut(); timedOut {
		c.timeoutErr = elapsed
		return 1
	}
	if c.shared.checkpointBusy.Load() == 1 && c.enableCheckpointInterrupt.Load() {
		c.abandonForCheckpoint.Store(true)
		return 2
	}
	return 0
}

// commitHook must always return 0: a non-zero return converts the
// COMMIT into a ROLLBACK. It exists only so a successful commit is
// observable without re-entering the connection from inside the
// callback; the opportunistic passive checkpoint itself runs from
// Commit, after COMMIT has already returned.
func (c *Connection) commitHook() int {
	return 0
}

func (c *Connection) rollbackHook() {
	c.logDebug("engine rollback hook fired")
}

// checkInterruptErrors inspects the flags the progress handler may have
// set during the just-completed read/write and raises the corresponding
// error, clearing abandonForCheckpoint unconditionally afterward so a
// stale flag can never be reported twice.
//
// mattn/go-sqlite3 does not expose sqlite3_get_autocommit on *sql.DB, so
// unlike the engine this wraps, autoRolledBack can't be derived from the
// engine's own transaction state after an interrupt; it is left false
// here; Rollback's ROLLBACK is always issued, which is a safe no-op on
// an engine connection that already auto-cleared its transaction.
func (c *Connection) checkInterruptErrors(query string) error {
	defer c.abandonForCheckpoint.Store(false)

	if c.timeoutErr > 0 {
		elapsed := c.timeoutErr
		c.timeoutErr = 0
		return &TimeoutError{Query: query, Elapsed: elapsed}
	}

	if c.abandonForCheckpoint.Load() {
		return &CheckpointRequiredError{Query: query}
	}

	return nil
}

// openEngineHandle opens a driver connection for conn, wiring its
// authorizer/progress/commit/rollback hooks before the handle is
// returned to the caller.
func openEngineHandle(canonical string, conn *Connection) (*sql.DB, error) {
	dsn := canonical
	if dsn == "" {
		dsn = ":memory:"
	}
	return openWithHooks(dsn, &connHooks{
		authorizer:      conn.authorize,
		progressHandler: conn.progressHandler,
		progressNumOps:  1000000,
		commitHook:      conn.commitHook,
		rollbackHook:    conn.rollbackHook,
	})
}
