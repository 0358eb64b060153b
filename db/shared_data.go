package db

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// CheckpointListener is notified when the checkpoint coordinator starts
// draining transactions and again when it completes a restart
// checkpoint.
type CheckpointListener interface {
	CheckpointRequired(conn *Connection)
	CheckpointComplete(conn *Connection)
}

// preparedTransaction is the bookkeeping record kept between Prepare and
// either Commit or Rollback.
type preparedTransaction struct {
	query          string
	hash           string
	dbCountAtStart uint64
}

// CommittedTransaction is a journal entry that has been durably
// committed and is ready to be shipped by a replication consumer.
type CommittedTransaction struct {
	Query          string
	Hash           string
	DBCountAtStart uint64
}

// lockTimer accumulates how long the commit lock has spent held under
// each tag ("EXCLUSIVE" vs "SHARED"), grounded on the commit-lock timer
// the original keeps per SharedData.
type lockTimer struct {
	mu      sync.Mutex
	total   map[string]time.Duration
	tag     string
	started time.Time
}

func newLockTimer() *lockTimer {
	return &lockTimer{total: map[string]time.Duration{"EXCLUSIVE": 0, "SHARED": 0}}
}

func (t *lockTimer) start(tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tag = tag
	t.started = time.Now()
}

func (t *lockTimer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tag == "" {
		return
	}
	t.total[t.tag] += time.Since(t.started)
	t.tag = ""
}

func (t *lockTimer) snapshot() map[string]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Duration, len(t.total))
	for k, v := range t.total {
		out[k] = v
	}
	return out
}

// SharedData is the process-lifetime state shared by every Connection
// opened against the same canonical database file.
type SharedData struct {
	path string

	commitCount      atomic.Uint64
	lastCommittedHash atomic.Pointer[string]
	nextJournalCount  atomic.Uint64
	currentPageCount  atomic.Int64
	checkpointBusy    atomic.Int32

	currentTransactionCount atomic.Int64

	// commitLock serializes journal appends and engine COMMITs across
	// every connection sharing this SharedData.
	commitLock      sync.Mutex
	commitLockTimer *lockTimer

	// blockNewTransactionsMutex is held exclusively by the checkpoint
	// coordinator while it drains in-flight transactions, and shared by
	// new transactions via waitForCheckpoint.
	blockNewTransactionsMutex sync.RWMutex

	// notifyMu/notifyCond guard currentTransactionCount transitions; the
	// checkpoint coordinator waits on notifyCond between evaluations.
	notifyMu   sync.Mutex
	notifyCond *sync.Cond

	internalStateMutex    sync.Mutex
	preparedTransactions  map[uint64]preparedTransaction
	committedTransactions map[uint64]CommittedTransaction
	listeners             map[CheckpointListener]struct{}
}

func newSharedData(path string) *SharedData {
	sd := &SharedData{
		path:                  path,
		commitLockTimer:       newLockTimer(),
		preparedTransactions:  make(map[uint64]preparedTransaction),
		committedTransactions: make(map[uint64]CommittedTransaction),
		listeners:             make(map[CheckpointListener]struct{}),
	}
	sd.notifyCond = sync.NewCond(&sd.notifyMu)
	empty := ""
	sd.lastCommittedHash.Store(&empty)
	return sd
}

var sharedDataRegistry = xsync.NewMapOf[string, *SharedData]()
var sharedDataInstantiationMutex sync.Mutex

// acquireSharedData returns the process-lifetime SharedData for path,
// creating and seeding it from the database's journal tables on first
// use. Mirrors SQLite::initializeSharedData's instantiation mutex.
func acquireSharedData(path string, seed func() (commitCount uint64, lastHash string, err error)) (*SharedData, error) {
	if existing, ok := sharedDataRegistry.Load(path); ok {
		return existing, nil
	}

	sharedDataInstantiationMutex.Lock()
	defer sharedDataInstantiationMutex.Unlock()

	if existing, ok := sharedDataRegistry.Load(path); ok {
		return existing, nil
	}

	commitCount, lastHash, err := seed()
	if err != nil {
		return nil, err
	}

	sd := newSharedData(path)
	sd.commitCount.Store(commitCount)
	hash := lastHash
	sd.lastCommittedHash.Store(&hash)
	sharedDataRegistry.Store(path, sd)
	return sd, nil
}

func (sd *SharedData) getCommittedHash() string {
	return *sd.lastCommittedHash.Load()
}

func (sd *SharedData) getCommitCount() uint64 {
	return sd.commitCount.Load()
}

// incrementCommit records a successful commit: advances commitCount,
// moves the prepared transaction into committedTransactions, and
// publishes the new hash.
func (sd *SharedData) incrementCommit(id uint64, hash string) {
	sd.internalStateMutex.Lock()
	defer sd.internalStateMutex.Unlock()

	sd.commitCount.Store(id)
	if prepared, ok := sd.preparedTransactions[id]; ok {
		sd.committedTransactions[id] = CommittedTransaction{
			Query:          prepared.query,
			Hash:           prepared.hash,
			DBCountAtStart: prepared.dbCountAtStart,
		}
		delete(sd.preparedTransactions, id)
	}
	h := hash
	sd.lastCommittedHash.Store(&h)
}

func (sd *SharedData) prepareTransactionInfo(id uint64, query, hash string, dbCountAtStart uint64) {
	sd.internalStateMutex.Lock()
	defer sd.internalStateMutex.Unlock()
	sd.preparedTransactions[id] = preparedTransaction{query: query, hash: hash, dbCountAtStart: dbCountAtStart}
}

func (sd *SharedData) discardPrepared(id uint64) {
	sd.internalStateMutex.Lock()
	defer sd.internalStateMutex.Unlock()
	delete(sd.preparedTransactions, id)
}

// popCommittedTransactions atomically hands off and clears the
// committed-transaction map for a replication consumer to drain.
func (sd *SharedData) popCommittedTransactions() map[uint64]CommittedTransaction {
	sd.internalStateMutex.Lock()
	defer sd.internalStateMutex.Unlock()
	result := sd.committedTransactions
	sd.committedTransactions = make(map[uint64]CommittedTransaction)
	return result
}

func (sd *SharedData) addCheckpointListener(l CheckpointListener) {
	sd.internalStateMutex.Lock()
	defer sd.internalStateMutex.Unlock()
	sd.listeners[l] = struct{}{}
}

func (sd *SharedData) removeCheckpointListener(l CheckpointListener) {
	sd.internalStateMutex.Lock()
	defer sd.internalStateMutex.Unlock()
	delete(sd.listeners, l)
}

func (sd *SharedData) notifyCheckpointRequired(conn *Connection) {
	sd.internalStateMutex.Lock()
	listeners := make([]CheckpointListener, 0, len(sd.listeners))
	for l := range sd.listeners {
		listeners = append(listeners, l)
	}
	sd.internalStateMutex.Unlock()
	for _, l := range listeners {
		l.CheckpointRequired(conn)
	}
}

func (sd *SharedData) notifyCheckpointComplete(conn *Connection) {
	sd.internalStateMutex.Lock()
	listeners := make([]CheckpointListener, 0, len(sd.listeners))
	for l := range sd.listeners {
		listeners = append(listeners, l)
	}
	sd.internalStateMutex.Unlock()
	for _, l := range listeners {
		l.CheckpointComplete(conn)
	}
}

// enterTransaction increments currentTransactionCount and wakes any
// coordinator waiting on notifyCond to re-evaluate.
func (sd *SharedData) enterTransaction() {
	sd.notifyMu.Lock()
	sd.currentTransactionCount.Add(1)
	sd.notifyMu.Unlock()
	sd.notifyCond.Broadcast()
}

// exitTransaction decrements currentTransactionCount and wakes any
// coordinator waiting on notifyCond to re-evaluate.
func (sd *SharedData) exitTransaction() {
	sd.notifyMu.Lock()
	sd.currentTransactionCount.Add(-1)
	sd.notifyMu.Unlock()
	sd.notifyCond.Broadcast()
}

// nextStripedJournal returns the next journal table name for a peer
// connection given the full set of discovered journal names. N == 1
// (only the plain "journal" table exists) bypasses striping entirely,
// resolving the Open Question left by the original's copy constructor.
func (sd *SharedData) nextStripedJournal(journalNames []string) string {
	n := len(journalNames)
	if n <= 1 {
		return journalNames[0]
	}
	idx := (sd.nextJournalCount.Add(1)-1)%uint64(n-1) + 1
	return journalNames[idx]
}

func (sd *SharedData) logState(msg string) {
	log.Debug().
		Str("path", sd.path).
		Uint64("commit_count", sd.commitCount.Load()).
		Int64("current_page_count", sd.currentPageCount.Load()).
		Int64("current_txn_count", sd.currentTransactionCount.Load()).
		Msg(msg)
}
