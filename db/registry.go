package db

import (
	"github.com/concordsqlite/concord/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

// openConnections tracks one representative Connection per canonical
// path for telemetry polling. Peers sharing a path share the same
// SharedData, so any one of them reports the same commit/page/txn
// counts; only CacheHitRate is connection-local.
var openConnections = xsync.NewMapOf[string, *Connection]()

func registerConnection(path string, conn *Connection) {
	openConnections.Store(path, conn)
}

func unregisterConnection(path string, conn *Connection) {
	if existing, ok := openConnections.Load(path); ok && existing == conn {
		openConnections.Delete(path)
	}
}

// Registry adapts the process's open connections to telemetry.DatabaseLister.
var Registry telemetry.DatabaseLister = connectionLister{}

type connectionLister struct{}

func (connectionLister) ListDatabases() []string {
	names := make([]string, 0, openConnections.Size())
	openConnections.Range(func(path string, _ *Connection) bool {
		names = append(names, path)
		return true
	})
	return names
}

func (connectionLister) GetDatabase(name string) telemetry.StatsProvider {
	conn, ok := openConnections.Load(name)
	if !ok {
		return nil
	}
	return conn
}
