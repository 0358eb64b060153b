package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/concordsqlite/concord/telemetry"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// TransactionType selects whether Begin acquires the commit lock
// immediately (Exclusive) or defers acquisition to Prepare (Shared).
type TransactionType int

const (
	Shared TransactionType = iota
	Exclusive
)

// BeginTransaction opens a new BEGIN CONCURRENT transaction, registers
// this connection with SharedData's in-flight transaction count, and
// captures dbCountAtStart after BEGIN returns (accepting the documented
// race where a concurrent commit can slip in between).
func (c *Connection) BeginTransaction(kind TransactionType) error {
	if c.insideTransaction {
		return fmt.Errorf("BeginTransaction: already inside a transaction")
	}

	return c.withTiming("begin", func() error {
		release := c.waitForCheckpoint()
		defer release()

		if kind == Exclusive {
			c.shared.commitLock.Lock()
			c.shared.commitLockTimer.start("EXCLUSIVE")
			c.mutexLocked = true
		}

		c.shared.enterTransaction()

		c.abandonForCheckpoint.Store(false)
		c.autoRolledBack = false
		c.insideTransaction = true
		c.hasPrepared = false

		if _, err := c.engine.Exec("BEGIN CONCURRENT"); err != nil {
			c.insideTransaction = false
			c.shared.exitTransaction()
			if c.mutexLocked {
				c.shared.commitLockTimer.stop()
				c.shared.commitLock.Unlock()
				c.mutexLocked = false
			}
			return fmt.Errorf("BEGIN CONCURRENT: %w", err)
		}

		c.dbCountAtStart = c.shared.getCommitCount()
		c.cache.Purge()
		c.queryCount = 0
		c.cacheHits = 0
		c.uncommittedQuery = ""
		c.uncommittedHash = ""
		c.rewrittenQuery = ""
		c.policyDenial = nil
		c.inFlightQuery = ""
		return nil
	})
}

// ReadOne runs query and returns the first column of the first row, or
// "" if the result set is empty.
func (c *Connection) ReadOne(ctx context.Context, query string) (string, error) {
	res, err := c.Read(ctx, query)
	if err != nil {
		return "", err
	}
	return res.First(), nil
}

// Read serves query from the deterministic cache when possible,
// otherwise executes it against the engine and caches the result iff
// the authorizer observed no non-deterministic function along the way.
func (c *Connection) Read(ctx context.Context, query string) (*Result, error) {
	c.queryCount++
	started := time.Now()
	defer func() { telemetry.QueryDurationSeconds.With("read").Observe(time.Since(started).Seconds()) }()

	var result *Result
	err := c.withTiming("read", func() error {
		key := cacheKey(query)
		if cached, ok := c.cache.Get(key); ok {
			c.cacheHits++
			telemetry.CacheHitsTotal.Inc()
			telemetry.QueriesTotal.With("read", "ok").Inc()
			result = cached
			return nil
		}
		telemetry.CacheMissesTotal.Inc()

		c.isDeterministicQuery = true
		rows, err := c.engine.QueryContext(ctx, query)
		if err != nil {
			if ierr := c.checkInterruptErrors(query); ierr != nil {
				telemetry.QueriesTotal.With("read", "error").Inc()
				return ierr
			}
			telemetry.QueriesTotal.With("read", "error").Inc()
			return fmt.Errorf("read %q: %w", query, err)
		}

		res, err := scanRows(rows)
		if ierr := c.checkInterruptErrors(query); ierr != nil {
			telemetry.QueriesTotal.With("read", "error").Inc()
			return ierr
		}
		if err != nil {
			telemetry.QueriesTotal.With("read", "error").Inc()
			return fmt.Errorf("read %q: %w", query, err)
		}

		if c.isDeterministicQuery {
			c.cache.Add(key, res)
		}
		telemetry.QueriesTotal.With("read", "ok").Inc()
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Write runs query unless noopUpdateMode is set, in which case it logs
// and returns success without touching the database or uncommittedQuery
// — intended for replicas that must not locally re-apply writes.
func (c *Connection) Write(ctx context.Context, query string) error {
	if c.noopUpdateMode {
		c.logDebug("write suppressed by noop-update mode: " + query)
		return nil
	}
	return c.writeIdempotent(ctx, query, false)
}

// WriteIdempotent is Write's underlying idempotent path: it only
// appends to uncommittedQuery when the schema version advanced or total
// changes increased, so replays of a no-op statement don't grow the
// journal.
func (c *Connection) WriteIdempotent(ctx context.Context, query string) error {
	return c.writeIdempotent(ctx, query, false)
}

// WriteUnmodified behaves like WriteIdempotent but always appends the
// executed query to uncommittedQuery, even when it changed nothing —
// for statements whose replay-side-effect matters regardless of the
// local row count (e.g. deterministic cache invalidation markers).
func (c *Connection) WriteUnmodified(ctx context.Context, query string) error {
	return c.writeIdempotent(ctx, query, true)
}

func (c *Connection) writeIdempotent(ctx context.Context, query string, alwaysKeep bool) (err error) {
	started := time.Now()
	defer func() {
		telemetry.QueryDurationSeconds.With("write").Observe(time.Since(started).Seconds())
		if err != nil {
			telemetry.QueriesTotal.With("write", "error").Inc()
		} else {
			telemetry.QueriesTotal.With("write", "ok").Inc()
		}
	}()

	if !c.insideTransaction {
		return fmt.Errorf("writeIdempotent: not inside a transaction")
	}
	c.cache.Purge()

	trimmed := strings.TrimSpace(query)
	if !strings.HasSuffix(trimmed, ";") {
		return fmt.Errorf("writeIdempotent: query must end with a trailing semicolon: %q", query)
	}
	if strings.Contains(strings.ToUpper(query), "CURRENT_TIMESTAMP") {
		c.logDebug("query uses CURRENT_TIMESTAMP, which is not replay-safe: " + query)
	}

	return c.withTiming("write", func() error {
		schemaBefore, changesBefore, err := c.schemaAndChanges(ctx)
		if err != nil {
			return err
		}

		c.currentlyRunningRewritten = false
		c.rewrittenQuery = ""
		c.inFlightQuery = query
		_, execErr := c.engine.ExecContext(ctx, query)
		c.inFlightQuery = ""

		executedQuery := query
		if execErr != nil && isAuthDenial(execErr) && c.enableRewrite && c.rewrittenQuery != "" {
			c.currentlyRunningRewritten = true
			executedQuery = c.rewrittenQuery
			_, execErr = c.engine.ExecContext(ctx, c.rewrittenQuery)
			c.currentlyRunningRewritten = false
		}

		if ierr := c.checkInterruptErrors(query); ierr != nil {
			return ierr
		}
		if execErr != nil {
			if c.policyDenial != nil {
				denial := *c.policyDenial
				c.policyDenial = nil
				return &denial
			}
			return fmt.Errorf("write %q: %w", query, execErr)
		}
		c.policyDenial = nil

		schemaAfter, changesAfter, err := c.schemaAndChanges(ctx)
		if err != nil {
			return err
		}

		if alwaysKeep || schemaAfter != schemaBefore || changesAfter > changesBefore {
			c.uncommittedQuery += executedQuery
		}
		return nil
	})
}

func (c *Connection) schemaAndChanges(ctx context.Context) (schemaVersion int64, totalChanges int64, err error) {
	if err := c.engine.QueryRowContext(ctx, "PRAGMA schema_version").Scan(&schemaVersion); err != nil {
		return 0, 0, fmt.Errorf("reading schema_version: %w", err)
	}
	if err := c.engine.QueryRowContext(ctx, "SELECT total_changes()").Scan(&totalChanges); err != nil {
		return 0, 0, fmt.Errorf("reading total_changes: %w", err)
	}
	return schemaVersion, totalChanges, nil
}

func isAuthDenial(err error) bool {
	if sqErr, ok := err.(sqlite3.Error); ok {
		return sqErr.Code == sqlite3.ErrAuth
	}
	return false
}

// Prepare acquires the commit lock if not already held, computes the
// hash-chain link for the uncommitted query, and appends it to this
// connection's assigned journal table.
func (c *Connection) Prepare(ctx context.Context) error {
	return c.withTiming("prepare", func() error {
		if !c.mutexLocked {
			c.shared.commitLock.Lock()
			c.shared.commitLockTimer.start("SHARED")
			c.mutexLocked = true
		}

		commitCount := c.shared.getCommitCount()
		priorHash := c.shared.getCommittedHash()
		c.uncommittedHash = computeHash(priorHash, c.uncommittedQuery)
		nextID := commitCount + 1

		insertSQL := fmt.Sprintf("INSERT INTO %s (id, query, hash) VALUES (?, ?, ?)", c.journalName)
		if _, err := c.engine.ExecContext(ctx, insertSQL, nextID, c.uncommittedQuery, c.uncommittedHash); err != nil {
			c.Rollback()
			return &JournalInsertError{Journal: c.journalName, Cause: err}
		}

		c.shared.prepareTransactionInfo(nextID, c.uncommittedQuery, c.uncommittedHash, c.dbCountAtStart)
		c.preparedID = nextID
		c.hasPrepared = true
		return nil
	})
}

// Commit trims the assigned journal table if it has grown past
// maxJournalSize, issues COMMIT, and on success publishes the new commit
// count/hash, releases the commit lock, and opportunistically runs a
// passive checkpoint. A busy-snapshot conflict leaves the commit lock
// held for the caller to release via Rollback.
func (c *Connection) Commit(ctx context.Context) (CommitResult, error) {
	if !c.hasPrepared {
		return CommitResult{}, fmt.Errorf("Commit: no prepared transaction")
	}

	var result CommitResult
	err := c.withTiming("commit", func() error {
		if c.opts.MaxJournalSize > 0 {
			if _, err := trimJournal(c.engine, c.journalName, c.opts.MaxJournalSize); err != nil {
				log.Error().Err(err).Str("journal", c.journalName).Msg("journal trim failed")
			}
		}

		_, commitErr := c.engine.ExecContext(ctx, "COMMIT")
		if commitErr != nil {
			if isBusySnapshot(commitErr) {
				c.logDebug("commit conflict: busy-snapshot")
				telemetry.TxnTotal.With("conflict").Inc()
				telemetry.CommitConflictsTotal.Inc()
				result = CommitResult{Conflict: true}
				return &CommitConflictError{Code: int(sqliteErrorCode(commitErr))}
			}
			telemetry.TxnTotal.With("error").Inc()
			return fmt.Errorf("COMMIT: %w", commitErr)
		}
		telemetry.TxnTotal.With("committed").Inc()

		id := c.shared.getCommitCount() + 1
		hash := c.uncommittedHash
		c.shared.incrementCommit(id, hash)

		c.uncommittedQuery = ""
		c.uncommittedHash = ""
		c.insideTransaction = false
		c.hasPrepared = false
		c.cache.Purge()

		c.shared.commitLockTimer.stop()
		c.shared.commitLock.Unlock()
		c.mutexLocked = false
		c.shared.exitTransaction()

		evaluateCheckpoint(c)

		c.enableCheckpointInterrupt.Store(true)
		result = CommitResult{CommitCount: id, Hash: hash}
		return nil
	})
	return result, err
}

// Rollback clears uncommitted state and releases the commit lock if
// held. It is a no-op outside a transaction.
func (c *Connection) Rollback() {
	if !c.insideTransaction {
		return
	}

	c.withTiming("rollback", func() error {
		if !c.autoRolledBack {
			c.engine.Exec("ROLLBACK")
		}
		telemetry.TxnTotal.With("rolled_back").Inc()

		if c.hasPrepared {
			c.shared.discardPrepared(c.preparedID)
			c.hasPrepared = false
		}

		c.uncommittedQuery = ""
		c.uncommittedHash = ""
		c.insideTransaction = false
		c.cache.Purge()

		if c.mutexLocked {
			c.shared.commitLockTimer.stop()
			c.shared.commitLock.Unlock()
			c.mutexLocked = false
		}
		c.shared.exitTransaction()
		c.enableCheckpointInterrupt.Store(true)
		return nil
	})
}

func isBusySnapshot(err error) bool {
	if sqErr, ok := err.(sqlite3.Error); ok {
		return sqErr.Code == sqlite3.ErrBusy
	}
	return false
}

func sqliteErrorCode(err error) sqlite3.ErrNo {
	if sqErr, ok := err.(sqlite3.Error); ok {
		return sqErr.Code
	}
	return 0
}
