package db

import (
	"database/sql"
	"regexp"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the custom driver name with REGEXP support.
const SQLiteDriverName = "sqlite3_concord"

func init() {
	// Register custom SQLite driver with REGEXP support and per-connection
	// hook wiring (authorizer, progress handler, commit/rollback hooks).
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := conn.RegisterFunc("regexp", regexpMatch, true); err != nil {
				return err
			}
			// openWithHooks holds openMu for the whole dial, including this
			// synchronous callback, so pendingHooks is stable here without
			// taking the lock again (sync.Mutex is not reentrant).
			if pendingHooks != nil {
				pendingHooks.wire(conn)
			}
			return nil
		},
	})
}

// regexpMatch implements the SQL REGEXP operator.
func regexpMatch(pattern, text string) (bool, error) {
	return regexp.MatchString(pattern, text)
}

// connHooks bundles the callbacks a Connection needs wired onto its
// single underlying physical sqlite3 connection. ConnectHook receives no
// handle back to the *Connection that requested it, so construction
// serializes through openMu/pendingHooks: register the hook set, force
// the dial with a Ping, then wire it up inside ConnectHook before
// releasing the lock.
type connHooks struct {
	authorizer      func(action int, arg1, arg2, arg3 string) int
	progressHandler func() int
	progressNumOps  int
	commitHook      func() int
	rollbackHook    func()
}

func (h *connHooks) wire(conn *sqlite3.SQLiteConn) {
	if h.authorizer != nil {
		conn.RegisterAuthorizer(h.authorizer)
	}
	if h.progressHandler != nil {
		conn.RegisterProgressHandler(h.progressHandler, h.progressNumOps)
	}
	if h.commitHook != nil {
		conn.RegisterCommitHook(h.commitHook)
	}
	if h.rollbackHook != nil {
		conn.RegisterRollbackHook(h.rollbackHook)
	}
}

var (
	openMu       sync.Mutex
	pendingHooks *connHooks
)

// openWithHooks opens dsn on SQLiteDriverName with h wired onto the
// resulting connection before any caller can observe it, and forces the
// dial (sql.Open alone is lazy) so the hooks are guaranteed to be in
// place once this returns.
func openWithHooks(dsn string, h *connHooks) (*sql.DB, error) {
	openMu.Lock()
	defer openMu.Unlock()

	pendingHooks = h
	defer func() { pendingHooks = nil }()

	database, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)
	database.SetConnMaxLifetime(0)

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
