package db

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestConnection(t *testing.T) *Connection {
	t.Helper()
	conn, err := Open(":memory:", func(o *Options) {
		o.MinJournalTables = 1
		o.QueryCacheEntries = 100
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHashChain_TwoCommits(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(Exclusive))
	_, err := conn.VerifyTable(ctx, "t", "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	insert := "INSERT INTO t VALUES (1);"
	require.NoError(t, conn.Write(ctx, insert))
	require.NoError(t, conn.Prepare(ctx))
	result, err := conn.Commit(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, result.CommitCount)

	expectedHash1 := computeHash("", "CREATE TABLE t (id INTEGER PRIMARY KEY);"+insert)
	require.Equal(t, expectedHash1, result.Hash)

	require.NoError(t, conn.BeginTransaction(Exclusive))
	insert2 := "INSERT INTO t VALUES (2);"
	require.NoError(t, conn.Write(ctx, insert2))
	require.NoError(t, conn.Prepare(ctx))
	result2, err := conn.Commit(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, result2.CommitCount)
	require.Equal(t, computeHash(expectedHash1, insert2), result2.Hash)
}

func TestComputeHash_MatchesSHA1(t *testing.T) {
	sum := sha1.Sum([]byte("priorINSERT INTO t VALUES (1);"))
	want := hex.EncodeToString(sum[:])
	got := computeHash("prior", "INSERT INTO t VALUES (1);")
	require.Equal(t, want, got)
}

func TestRead_DeterministicCacheHit(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(Exclusive))
	_, err := conn.VerifyTable(ctx, "t", "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, "INSERT INTO t VALUES (1);"))

	res1, err := conn.Read(ctx, "SELECT id FROM t")
	require.NoError(t, err)
	require.Equal(t, "1", res1.First())
	require.EqualValues(t, 0, conn.cacheHits)

	res2, err := conn.Read(ctx, "SELECT id FROM t")
	require.NoError(t, err)
	require.Equal(t, res1, res2)
	require.EqualValues(t, 1, conn.cacheHits)

	require.NoError(t, conn.Prepare(ctx))
	_, err = conn.Commit(ctx)
	require.NoError(t, err)
}

func TestRead_NonDeterministicNotCached(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(Exclusive))
	_, err := conn.Read(ctx, "SELECT random()")
	require.NoError(t, err)
	_, err = conn.Read(ctx, "SELECT random()")
	require.NoError(t, err)
	require.EqualValues(t, 0, conn.cacheHits)
	conn.Rollback()
}

func TestWrite_RejectsMissingTrailingSemicolon(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(Exclusive))
	err := conn.Write(ctx, "SELECT 1")
	require.Error(t, err)
	conn.Rollback()
}

func TestWriteIdempotent_NoopDoesNotGrowUncommittedQuery(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(Exclusive))
	_, err := conn.VerifyTable(ctx, "t", "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, "INSERT INTO t VALUES (1);"))

	before := conn.uncommittedQuery
	require.NoError(t, conn.WriteIdempotent(ctx, "DELETE FROM t WHERE id = 999;"))
	require.Equal(t, before, conn.uncommittedQuery)

	conn.Rollback()
}

func TestCommit_ReleasesLockForNextTransaction(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(Exclusive))
	_, err := conn.VerifyTable(ctx, "t", "CREATE TABLE t (id INTEGER PRIMARY KEY, v INTEGER)")
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, "INSERT INTO t VALUES (1, 0);"))
	require.NoError(t, conn.Prepare(ctx))
	_, err = conn.Commit(ctx)
	require.NoError(t, err)
	require.False(t, conn.mutexLocked)

	require.NoError(t, conn.BeginTransaction(Exclusive))
	require.NoError(t, conn.Write(ctx, fmt.Sprintf("UPDATE t SET v = %d WHERE id = 1;", 1)))
	require.NoError(t, conn.Prepare(ctx))
	_, err = conn.Commit(ctx)
	require.NoError(t, err)
	require.False(t, conn.mutexLocked)
}

func TestRollback_ReleasesLockHeldByPrepare(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(Exclusive))
	_, err := conn.VerifyTable(ctx, "t", "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, "INSERT INTO t VALUES (1);"))
	require.NoError(t, conn.Prepare(ctx))
	require.True(t, conn.mutexLocked)

	conn.Rollback()
	require.False(t, conn.mutexLocked)
	require.False(t, conn.insideTransaction)
}

func TestRollback_AfterPrepare_DiscardsPreparedBookkeeping(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(Exclusive))
	_, err := conn.VerifyTable(ctx, "t", "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, "INSERT INTO t VALUES (1);"))
	require.NoError(t, conn.Prepare(ctx))

	preparedID := conn.preparedID
	_, stillPrepared := conn.shared.preparedTransactions[preparedID]
	require.True(t, stillPrepared)

	conn.Rollback()
	_, stillPrepared = conn.shared.preparedTransactions[preparedID]
	require.False(t, stillPrepared)
	require.False(t, conn.hasPrepared)
}

func TestVerifyTable_IdempotentNoSecondWrite(t *testing.T) {
	conn := openTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(Exclusive))
	created, err := conn.VerifyTable(ctx, "t", "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.True(t, created)

	created2, err := conn.VerifyTable(ctx, "t", "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.False(t, created2)

	conn.Rollback()
}
