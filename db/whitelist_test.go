package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestColumnAllowed_ExactMatch(t *testing.T) {
	conn := &Connection{
		whitelist: map[string]map[string]struct{}{
			"users": {"id": {}, "name": {}},
		},
	}
	require.True(t, conn.columnAllowed("users", "name"))
	require.False(t, conn.columnAllowed("users", "ssn"))
	require.False(t, conn.columnAllowed("accounts", "id"))
}

func TestColumnAllowed_GlobPattern(t *testing.T) {
	conn := &Connection{
		whitelistGlobs: compileGlobs(map[string][]string{
			"events": {"meta_*"},
		}),
	}
	require.True(t, conn.columnAllowed("events", "meta_source"))
	require.False(t, conn.columnAllowed("events", "payload"))
}

func TestWhitelistConfigured(t *testing.T) {
	empty := &Connection{}
	require.False(t, empty.whitelistConfigured())

	withExact := &Connection{whitelist: map[string]map[string]struct{}{"t": {"c": {}}}}
	require.True(t, withExact.whitelistConfigured())

	withGlob := &Connection{whitelistGlobs: compileGlobs(map[string][]string{"t": {"c_*"}})}
	require.True(t, withGlob.whitelistConfigured())
}

func TestCompileGlobs_SkipsInvalidPattern(t *testing.T) {
	out := compileGlobs(map[string][]string{
		"t": {"[", "valid_*"},
	})
	require.Len(t, out["t"], 1)
	require.Equal(t, "valid_*", out["t"][0].pattern)
}

func TestIsNonDeterministicFunction(t *testing.T) {
	require.True(t, isNonDeterministicFunction("RANDOM"))
	require.True(t, isNonDeterministicFunction("datetime"))
	require.False(t, isNonDeterministicFunction("lower"))
}
