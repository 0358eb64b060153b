package db

import (
	"github.com/concordsqlite/concord/telemetry"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// authorize is the Connection-bound implementation of the engine's
// sqlite3_set_authorizer callback. It is consulted once per parsed
// action inside every prepared statement.
func (c *Connection) authorize(action int, arg1, arg2, arg3 string) int {
	if c.enableRewrite && c.currentlyRunningRewritten {
		// The rewritten statement is already the authorizer's own
		// output; never re-deny or re-rewrite it.
		return sqlite3.SQLITE_OK
	}

	// Rewrite is checked first, before any whitelist decision: during an
	// in-flight write, any action whose statement the handler can rewrite
	// is denied here and the write re-run as the rewritten statement,
	// regardless of whether a whitelist is configured at all.
	if c.tryRewrite(action, arg1, arg2) {
		return sqlite3.SQLITE_DENY
	}

	if action == sqlite3.SQLITE_FUNCTION && isNonDeterministicFunction(arg2) {
		c.isDeterministicQuery = false
	}

	if !c.whitelistConfigured() {
		return sqlite3.SQLITE_OK
	}

	switch action {
	case sqlite3.SQLITE_SELECT, sqlite3.SQLITE_ANALYZE, sqlite3.SQLITE_FUNCTION:
		return sqlite3.SQLITE_OK

	case sqlite3.SQLITE_PRAGMA:
		if arg1 == "schema_version" && arg2 == "" {
			return sqlite3.SQLITE_OK
		}
		return c.denyOrRewrite(action, arg1, arg2)

	case sqlite3.SQLITE_READ:
		if c.columnAllowed(arg1, arg2) {
			return sqlite3.SQLITE_OK
		}
		telemetry.AuthorizerDeniedTotal.With("READ").Inc()
		logSecurityDenied(arg1, arg2)
		return sqlite3.SQLITE_IGNORE

	case sqlite3.SQLITE_CREATE_INDEX, sqlite3.SQLITE_CREATE_TABLE,
		sqlite3.SQLITE_CREATE_TEMP_INDEX, sqlite3.SQLITE_CREATE_TEMP_TABLE,
		sqlite3.SQLITE_CREATE_TEMP_TRIGGER, sqlite3.SQLITE_CREATE_TEMP_VIEW,
		sqlite3.SQLITE_CREATE_TRIGGER, sqlite3.SQLITE_CREATE_VIEW,
		sqlite3.SQLITE_CREATE_VTABLE, sqlite3.SQLITE_DROP_INDEX,
		sqlite3.SQLITE_DROP_TABLE, sqlite3.SQLITE_DROP_TEMP_INDEX,
		sqlite3.SQLITE_DROP_TEMP_TABLE, sqlite3.SQLITE_DROP_TEMP_TRIGGER,
		sqlite3.SQLITE_DROP_TEMP_VIEW, sqlite3.SQLITE_DROP_TRIGGER,
		sqlite3.SQLITE_DROP_VIEW, sqlite3.SQLITE_DROP_VTABLE,
		sqlite3.SQLITE_INSERT, sqlite3.SQLITE_UPDATE, sqlite3.SQLITE_DELETE,
		sqlite3.SQLITE_ATTACH, sqlite3.SQLITE_DETACH, sqlite3.SQLITE_ALTER_TABLE,
		sqlite3.SQLITE_REINDEX, sqlite3.SQLITE_COPY, sqlite3.SQLITE_TRANSACTION,
		sqlite3.SQLITE_SAVEPOINT:
		return c.denyOrRewrite(action, arg1, arg2)

	default:
		return c.denyOrRewrite(action, arg1, arg2)
	}
}

// denyOrRewrite records the denial reason and returns DENY. By the time
// this runs, tryRewrite has already had its chance at the top of
// authorize; reaching here means either rewrite is disabled or the
// handler had nothing to offer for this statement.
func (c *Connection) denyOrRewrite(action int, arg1, arg2 string) int {
	reason := PolicyDeniedError{Action: actionName(action), Detail: arg1 + "." + arg2}
	c.policyDenial = &reason
	telemetry.AuthorizerDeniedTotal.With(reason.Action).Inc()
	if c.enableRewrite && !c.currentlyRunningRewritten {
		telemetry.RewriteAttemptsTotal.With("passthrough").Inc()
	}
	return sqlite3.SQLITE_DENY
}

// tryRewrite asks the rewrite handler to produce a replacement for the
// statement currently being authorized. It only fires while a write is
// actually in flight (inFlightQuery is set by writeIdempotent around its
// ExecContext call), so it never mistakes a stale query for the one
// being parsed during an unrelated read. A populated rewrittenQuery is
// replayed by writeIdempotent under currentlyRunningRewritten, never by
// returning OK from inside the authorizer itself.
func (c *Connection) tryRewrite(action int, arg1, arg2 string) bool {
	if !c.enableRewrite || c.currentlyRunningRewritten || c.inFlightQuery == "" {
		return false
	}

	reason := PolicyDeniedError{Action: actionName(action), Detail: arg1 + "." + arg2}
	handler := c.rewriteHandler
	if handler == nil {
		handler = defaultRewriteHandler
	}
	rewritten := handler(reason, c.inFlightQuery)
	if rewritten == "" {
		return false
	}

	c.policyDenial = &reason
	c.rewrittenQuery = rewritten
	telemetry.AuthorizerDeniedTotal.With(reason.Action).Inc()
	telemetry.RewriteAttemptsTotal.With("rewritten").Inc()
	return true
}

func actionName(action int) string {
	switch action {
	case sqlite3.SQLITE_INSERT:
		return "INSERT"
	case sqlite3.SQLITE_UPDATE:
		return "UPDATE"
	case sqlite3.SQLITE_DELETE:
		return "DELETE"
	case sqlite3.SQLITE_CREATE_TABLE:
		return "CREATE TABLE"
	case sqlite3.SQLITE_DROP_TABLE:
		return "DROP TABLE"
	case sqlite3.SQLITE_ALTER_TABLE:
		return "ALTER TABLE"
	case sqlite3.SQLITE_ATTACH:
		return "ATTACH"
	case sqlite3.SQLITE_DETACH:
		return "DETACH"
	case sqlite3.SQLITE_PRAGMA:
		return "PRAGMA"
	default:
		return "ACTION"
	}
}

func logSecurityDenied(table, column string) {
	log.Warn().Str("table", table).Str("column", column).Msg("whitelist denied column read, substituting NULL")
}
