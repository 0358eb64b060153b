package db

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeHash_ChainsFromEmptyPrior(t *testing.T) {
	h1 := computeHash("", "INSERT INTO t VALUES (1);")
	h2 := computeHash(h1, "INSERT INTO t VALUES (2);")
	require.NotEqual(t, h1, h2)
	require.Equal(t, h1, computeHash("", "INSERT INTO t VALUES (1);"))
}

func openTestEngine(t *testing.T) *sql.DB {
	t.Helper()
	engine, err := sql.Open(SQLiteDriverName, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	_, err = engine.Exec(journalCreateSQL("journal"))
	require.NoError(t, err)
	return engine
}

func TestTrimJournal_DeletesOldestRowsPastMax(t *testing.T) {
	engine := openTestEngine(t)

	for i := 1; i <= 20; i++ {
		_, err := engine.Exec("INSERT INTO journal (id, query, hash) VALUES (?, ?, ?)",
			i, fmt.Sprintf("INSERT INTO t VALUES (%d);", i), computeHash("", fmt.Sprintf("%d", i)))
		require.NoError(t, err)

		newSize, err := trimJournal(engine, "journal", 5)
		require.NoError(t, err)
		require.LessOrEqual(t, newSize, uint64(15))
	}

	_, _, ok, err := getCommitByID(engine, []string{"journal"}, 1)
	require.NoError(t, err)
	require.False(t, ok, "expected id 1 to have been trimmed")
}

func TestJournalBounds_EmptyTable(t *testing.T) {
	engine := openTestEngine(t)
	min, max, err := journalBounds(engine, []string{"journal"})
	require.NoError(t, err)
	require.Zero(t, min)
	require.Zero(t, max)
}

func TestGetCommitByID_RoundTrip(t *testing.T) {
	engine := openTestEngine(t)
	_, err := engine.Exec("INSERT INTO journal (id, query, hash) VALUES (1, 'INSERT INTO t VALUES (1);', 'abc')")
	require.NoError(t, err)

	query, hash, ok, err := getCommitByID(engine, []string{"journal"}, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "INSERT INTO t VALUES (1);", query)
	require.Equal(t, "abc", hash)

	_, _, ok, err = getCommitByID(engine, []string{"journal"}, 2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJournalTableName(t *testing.T) {
	require.Equal(t, "journal", journalTableName(-1))
	require.Equal(t, "journal0000", journalTableName(0))
	require.Equal(t, "journal0012", journalTableName(12))
}
