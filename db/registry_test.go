package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_OpenCloseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")

	conn, err := Open(path)
	require.NoError(t, err)

	found := Registry.GetDatabase(path)
	require.NotNil(t, found)
	require.Equal(t, conn, found)

	require.Contains(t, Registry.ListDatabases(), path)

	require.NoError(t, conn.Close())
	require.Nil(t, Registry.GetDatabase(path))
}

func TestRegistry_CloseStaleConnectionDoesNotClobberNewerRegistration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry-peer.db")

	conn, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	peer, err := OpenPeer(conn)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	// peer's Open call re-registered path to point at peer; conn's own
	// Close must not unregister peer's entry out from under it.
	require.Equal(t, peer, Registry.GetDatabase(path))
	require.NoError(t, conn.Close())
	require.Equal(t, peer, Registry.GetDatabase(path))
}
