package db

import (
	"strings"

	"github.com/gobwas/glob"
)

// globMatcher pairs a compiled pattern with its source text for logging.
type globMatcher struct {
	pattern string
	g       glob.Glob
}

// compileGlobs compiles a table -> []pattern configuration into matchers,
// silently skipping patterns that fail to compile; neither this function
// nor its callers log the skipped patterns.
func compileGlobs(src map[string][]string) map[string][]globMatcher {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]globMatcher, len(src))
	for table, patterns := range src {
		matchers := make([]globMatcher, 0, len(patterns))
		for _, p := range patterns {
			g, err := glob.Compile(p)
			if err != nil {
				continue
			}
			matchers = append(matchers, globMatcher{pattern: p, g: g})
		}
		out[table] = matchers
	}
	return out
}

// columnAllowed reports whether table.column is permitted by either the
// exact-match whitelist or a configured glob pattern.
func (c *Connection) columnAllowed(table, column string) bool {
	if cols, ok := c.whitelist[table]; ok {
		if _, ok := cols[column]; ok {
			return true
		}
	}
	if matchers, ok := c.whitelistGlobs[table]; ok {
		for _, m := range matchers {
			if m.g.Match(column) {
				return true
			}
		}
	}
	return false
}

// SetWhitelist installs the exact-match table/column whitelist. Passing
// a nil map clears it; whitelist mode then stays off only if no glob
// rules are installed either (the authorizer then allows everything,
// per the design's "no whitelist configured" rule).
func (c *Connection) SetWhitelist(whitelist map[string]map[string]struct{}) {
	c.whitelist = whitelist
}

// SetWhitelistGlobs installs glob-pattern column rules layered on top of
// the exact-match whitelist.
func (c *Connection) SetWhitelistGlobs(patterns map[string][]string) {
	c.whitelistGlobs = compileGlobs(patterns)
}

func (c *Connection) whitelistConfigured() bool {
	return len(c.whitelist) > 0 || len(c.whitelistGlobs) > 0
}

// nonDeterministicFunctions is the set of SQLite builtins whose result
// varies across calls or across replicas, disqualifying a read from the
// deterministic-query cache.
var nonDeterministicFunctions = map[string]struct{}{
	"random":            {},
	"date":              {},
	"time":              {},
	"datetime":          {},
	"julianday":         {},
	"strftime":          {},
	"changes":           {},
	"last_insert_rowid": {},
	"sqlite_version":    {},
}

func isNonDeterministicFunction(name string) bool {
	_, ok := nonDeterministicFunctions[strings.ToLower(name)]
	return ok
}
