package db

import (
	"fmt"
	"time"
)

// TimeoutError is raised when the progress handler observes that a
// transaction's time budget has been exceeded.
type TimeoutError struct {
	Query   string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout in %s after %s", e.Query, e.Elapsed)
}

// CheckpointRequiredError is raised when the progress handler abandons a
// query so the checkpoint coordinator can drain outstanding transactions.
// Callers are expected to Rollback and retry.
type CheckpointRequiredError struct {
	Query string
}

func (e *CheckpointRequiredError) Error() string {
	return fmt.Sprintf("checkpoint required, abandoning %s", e.Query)
}

// CommitConflictError is returned from Commit when the engine reports a
// busy-snapshot conflict. The commit lock is still held; the caller must
// call Rollback to release it.
type CommitConflictError struct {
	Code int
}

func (e *CommitConflictError) Error() string {
	return fmt.Sprintf("commit conflict, engine code %d", e.Code)
}

// JournalInsertError is returned from Prepare when the INSERT into the
// assigned journal table fails. The transaction has already been rolled
// back by the time this is returned.
type JournalInsertError struct {
	Journal string
	Cause   error
}

func (e *JournalInsertError) Error() string {
	return fmt.Sprintf("insert into %s failed: %v", e.Journal, e.Cause)
}

func (e *JournalInsertError) Unwrap() error { return e.Cause }

// PolicyDeniedError is surfaced when the authorizer callback denies a
// query under whitelist policy.
type PolicyDeniedError struct {
	Action string
	Detail string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("denied by policy: %s %s", e.Action, e.Detail)
}
