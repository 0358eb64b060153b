package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// RewriteHandlerFunc rewrites a statement the authorizer denied, per the
// deny reason it reports. An empty return leaves the original denial in
// place.
type RewriteHandlerFunc func(reason PolicyDeniedError, query string) string

// Options configure a single Connection. Open starts from
// defaultOptions, the teacher's historical default: a fresh WAL-mode
// handle with journal plus journal0000..journal0003 (MinJournalTables 3),
// a 1000-row journal cap, and a 2000-entry query cache.
type Options struct {
	CacheSizeKB       int
	MaxJournalSize    uint64
	MinJournalTables  int
	Synchronous       string
	MmapSizeGB        int
	QueryCacheEntries int
	Whitelist         map[string]map[string]struct{}
	WhitelistGlobs    map[string][]string
}

func defaultOptions() Options {
	return Options{
		CacheSizeKB:       -2000,
		MaxJournalSize:    1000,
		MinJournalTables:  3,
		Synchronous:       "",
		MmapSizeGB:        0,
		QueryCacheEntries: 2000,
	}
}

// Connection is one logical user's handle onto a database file: its own
// engine connection, journal-table assignment, transaction state, and a
// reference to the file-wide SharedData it coordinates commits through.
type Connection struct {
	path        string
	journalName string
	journalNames []string
	shared      *SharedData
	engine      *sql.DB
	opts        Options

	destructorMu sync.Mutex
	closed       bool

	// Transaction state. Touched only by the owning goroutine except
	// where noted; the mutexLocked/insideTransaction pair governs
	// whether this connection currently holds shared.commitLock.
	insideTransaction         bool
	mutexLocked               bool
	autoRolledBack            bool
	abandonForCheckpoint      atomic.Bool
	noopUpdateMode            bool
	enableRewrite             bool
	currentlyRunningRewritten bool
	enableCheckpointInterrupt atomic.Bool

	uncommittedQuery string
	uncommittedHash  string
	dbCountAtStart   uint64

	// preparedID is the journal id Prepare assigned, valid only while
	// hasPrepared is true; Rollback uses it to discard the bookkeeping
	// entry Prepare registered with SharedData.
	preparedID  uint64
	hasPrepared bool

	queryCount int64
	cacheHits  int64
	cache      *lru.Cache[uint64, *Result]
	isDeterministicQuery bool

	rewriteHandler RewriteHandlerFunc
	rewrittenQuery string
	policyDenial   *PolicyDeniedError

	// inFlightQuery is the statement currently passed to ExecContext,
	// valid only for the duration of that call; the authorizer reads it
	// to feed the rewrite handler the text it's actually being asked to
	// authorize, not the already-committed uncommittedQuery buffer.
	inFlightQuery string

	whitelist      map[string]map[string]struct{}
	whitelistGlobs map[string][]globMatcher

	timingStart time.Time
	timingLimit time.Duration
	timeoutErr  time.Duration

	elapsed map[string]time.Duration
}

// CommitResult distinguishes a clean commit from an engine-reported
// write conflict without forcing callers to inspect error types.
type CommitResult struct {
	CommitCount uint64
	Hash        string
	Conflict    bool
}

// Open resolves filename to its canonical path, opens a dedicated engine
// handle pinned to one physical connection, applies pragmas, attaches
// the authorizer/progress/commit/rollback hooks, and joins (creating if
// necessary) the file's process-lifetime SharedData.
func Open(filename string, opts ...func(*Options)) (*Connection, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	canonical, err := canonicalizePath(filename)
	if err != nil {
		return nil, fmt.Errorf("resolving database path %q: %w", filename, err)
	}

	conn := &Connection{
		path:           canonical,
		opts:           o,
		whitelist:      o.Whitelist,
		elapsed:        make(map[string]time.Duration),
		enableCheckpointInterrupt: atomic.Bool{},
	}
	conn.enableCheckpointInterrupt.Store(true)
	conn.whitelistGlobs = compileGlobs(o.WhitelistGlobs)

	cacheEntries := o.QueryCacheEntries
	if cacheEntries <= 0 {
		cacheEntries = 2000
	}
	cache, err := lru.New[uint64, *Result](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("creating query cache: %w", err)
	}
	conn.cache = cache

	engine, err := openEngineHandle(canonical, conn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", filename, err)
	}
	conn.engine = engine

	if err := applyPragmas(engine, o); err != nil {
		engine.Close()
		return nil, fmt.Errorf("applying pragmas to %q: %w", filename, err)
	}

	journalNames, err := initializeJournalTables(engine, o.MinJournalTables)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("initializing journal tables for %q: %w", filename, err)
	}
	conn.journalNames = journalNames
	conn.journalName = journalTableName(-1)

	shared, err := acquireSharedData(canonical, func() (uint64, string, error) {
		_, max, err := journalBounds(engine, journalNames)
		if err != nil {
			return 0, "", err
		}
		if max == 0 {
			return 0, "", nil
		}
		_, hash, ok, err := getCommitByID(engine, journalNames, max)
		if err != nil {
			return 0, "", err
		}
		if !ok {
			return 0, "", fmt.Errorf("journal missing committed row for id %d", max)
		}
		return max, hash, nil
	})
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("initializing shared data for %q: %w", filename, err)
	}
	conn.shared = shared
	registerConnection(canonical, conn)

	return conn, nil
}

// OpenPeer opens a second Connection against the same canonical file and
// SharedData as existing, with a striped journal-table assignment rather
// than the reserved plain "journal" table.
func OpenPeer(existing *Connection) (*Connection, error) {
	if existing == nil {
		return nil, fmt.Errorf("OpenPeer: existing connection is nil")
	}

	conn, err := Open(existing.path, func(o *Options) { *o = existing.opts })
	if err != nil {
		return nil, err
	}
	conn.journalName = conn.shared.nextStripedJournal(conn.journalNames)
	return conn, nil
}

// Close rolls back any uncommitted transaction and closes the engine
// handle. The destructor mutex is the same lock the checkpoint
// coordinator holds while operating on this connection, so Close blocks
// until any in-flight coordinator pass involving this connection
// finishes.
func (c *Connection) Close() error {
	c.destructorMu.Lock()
	defer c.destructorMu.Unlock()

	if c.closed {
		return nil
	}
	if c.insideTransaction {
		c.Rollback()
	}
	c.closed = true
	unregisterConnection(c.path, c)
	return c.engine.Close()
}

func canonicalizePath(filename string) (string, error) {
	if filename == ":memory:" || filename == "" {
		return filename, nil
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func applyPragmas(engine *sql.DB, o Options) error {
	statements := []string{
		"PRAGMA legacy_file_format = OFF",
		"PRAGMA journal_mode = WAL",
	}
	if o.CacheSizeKB != 0 {
		statements = append(statements, fmt.Sprintf("PRAGMA cache_size = %d", o.CacheSizeKB))
	}
	if o.MmapSizeGB > 0 {
		statements = append(statements, fmt.Sprintf("PRAGMA mmap_size = %d", int64(o.MmapSizeGB)*1<<30))
	}
	if o.Synchronous != "" {
		statements = append(statements, fmt.Sprintf("PRAGMA synchronous = %s", o.Synchronous))
	}

	for _, stmt := range statements {
		if _, err := engine.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// cacheKey hashes a query string down to the query cache's key space,
// the same sharding hash marmot's intent lock table uses on row keys.
func cacheKey(query string) uint64 {
	return xxhash.Sum64String(query)
}

func (c *Connection) withTiming(tag string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.elapsed[tag] += time.Since(start)
	return err
}

// StartTiming arms a wall-clock budget the progress handler enforces on
// subsequent engine calls.
func (c *Connection) StartTiming(limit time.Duration) {
	c.timingStart = time.Now()
	c.timingLimit = limit
	c.timeoutErr = 0
}

// ResetTiming clears any armed timeout budget.
func (c *Connection) ResetTiming() {
	c.timingStart = time.Time{}
	c.timingLimit = 0
	c.timeoutErr = 0
}

func (c *Connection) timedOut() (time.Duration, bool) {
	if c.timingLimit <= 0 || c.timingStart.IsZero() {
		return 0, false
	}
	elapsed := time.Since(c.timingStart)
	if elapsed >= c.timingLimit {
		return elapsed, true
	}
	return 0, false
}

// EnableRewrite toggles whether denied mutation statements are retried
// through the configured rewrite handler.
func (c *Connection) EnableRewrite(enabled bool) { c.enableRewrite = enabled }

// SetRewriteHandler installs a custom rewrite handler, replacing the
// default rqlite/sql-backed one.
func (c *Connection) SetRewriteHandler(fn RewriteHandlerFunc) { c.rewriteHandler = fn }

// SetUpdateNoopMode toggles whether Write short-circuits without
// executing, for replicas that must not locally apply writes.
func (c *Connection) SetUpdateNoopMode(noop bool) { c.noopUpdateMode = noop }

// AddCheckpointListener registers l with this connection's SharedData.
func (c *Connection) AddCheckpointListener(l CheckpointListener) {
	c.shared.addCheckpointListener(l)
}

// RemoveCheckpointListener unregisters l from this connection's SharedData.
func (c *Connection) RemoveCheckpointListener(l CheckpointListener) {
	c.shared.removeCheckpointListener(l)
}

// GetCommittedHash returns the shared file's most recently published
// commit hash.
func (c *Connection) GetCommittedHash() string { return c.shared.getCommittedHash() }

// GetCommitCount returns the shared file's most recently published
// commit count.
func (c *Connection) GetCommitCount() uint64 { return c.shared.getCommitCount() }

// ActiveTransactions reports the number of transactions currently open
// against this connection's SharedData, across every Connection sharing
// it.
func (c *Connection) ActiveTransactions() int {
	return int(c.shared.currentTransactionCount.Load())
}

// WALPageCount reports the WAL page count last observed by a passive
// checkpoint on this connection's SharedData.
func (c *Connection) WALPageCount() int64 {
	return c.shared.currentPageCount.Load()
}

// CacheHitRate reports this connection's deterministic-read cache hits
// against total reads since the last BeginTransaction.
func (c *Connection) CacheHitRate() (hits, total int64) {
	return c.cacheHits, c.queryCount
}

// ElapsedTimes reports cumulative time spent in each of
// begin/read/write/prepare/commit/rollback on this connection, keyed by
// the tag withTiming was called with.
func (c *Connection) ElapsedTimes() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.elapsed))
	for k, v := range c.elapsed {
		out[k] = v
	}
	return out
}

// PopCommittedTransactions atomically hands off and clears the pending
// replication feed.
func (c *Connection) PopCommittedTransactions() map[uint64]CommittedTransaction {
	return c.shared.popCommittedTransactions()
}

// GetCommit reads the (query, hash) journal row for id across every
// discovered journal table.
func (c *Connection) GetCommit(id uint64) (query, hash string, ok bool, err error) {
	return getCommitByID(c.engine, c.journalNames, id)
}

// GetCommits returns the ordered range [from, to] across every journal
// table.
func (c *Connection) GetCommits(ctx context.Context, from, to uint64) (*Result, error) {
	return getCommitRange(ctx, c.engine, c.journalNames, from, to)
}

func (c *Connection) logDebug(msg string) {
	log.Debug().Str("path", c.path).Str("journal", c.journalName).Msg(msg)
}
