package db

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/concordsqlite/concord/telemetry"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
)

var journalDialect = goqu.Dialect("sqlite3")

// journalTableName mirrors initializeJournal's naming: index -1 is the
// bare "journal" table, everything else is "journalNNNN" zero-padded to
// four digits.
func journalTableName(index int) string {
	if index < 0 {
		return "journal"
	}
	return fmt.Sprintf("journal%04d", index)
}

func journalCreateSQL(name string) string {
	return fmt.Sprintf("CREATE TABLE %s ( id INTEGER PRIMARY KEY, query TEXT, hash TEXT )", name)
}

// initializeJournalTables creates journal, journal0000 .. journalNNNN up
// to minJournalTables if missing, then returns the contiguous prefix of
// tables that actually exist, stopping at the first gap.
func initializeJournalTables(database *sql.DB, minJournalTables int) ([]string, error) {
	if minJournalTables >= 10000 {
		return nil, fmt.Errorf("minJournalTables must be < 10000, got %d", minJournalTables)
	}

	for i := -1; i <= minJournalTables; i++ {
		name := journalTableName(i)
		exists, err := tableExists(database, name)
		if err != nil {
			return nil, fmt.Errorf("checking journal table %s: %w", name, err)
		}
		if !exists {
			if _, err := database.Exec(journalCreateSQL(name)); err != nil {
				return nil, fmt.Errorf("creating journal table %s: %w", name, err)
			}
		}
	}

	var names []string
	for i := -1; ; i++ {
		name := journalTableName(i)
		exists, err := tableExists(database, name)
		if err != nil {
			return nil, fmt.Errorf("discovering journal table %s: %w", name, err)
		}
		if !exists {
			break
		}
		names = append(names, name)
	}
	return names, nil
}

func tableExists(database *sql.DB, name string) (bool, error) {
	row := database.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name=?", name)
	var dummy int
	switch err := row.Scan(&dummy); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}

// unionJournalSQL builds `SELECT <cols> FROM name1 UNION SELECT <cols>
// FROM name2 UNION ...` across every journal table, optionally appending
// a WHERE predicate to each branch. This is the Go equivalent of
// _getJournalQuery's SComposeList-based UNION builder.
func unionJournalSQL(journalNames []string, cols []string, where string) (string, error) {
	if len(journalNames) == 0 {
		return "", fmt.Errorf("no journal tables configured")
	}

	var combined *goqu.SelectDataset
	for _, name := range journalNames {
		ds := journalDialect.From(name).Select(toAnySlice(cols)...)
		if where != "" {
			ds = ds.Where(goqu.L(where))
		}
		if combined == nil {
			combined = ds
		} else {
			combined = combined.Union(ds)
		}
	}
	sqlStr, _, err := combined.ToSQL()
	return sqlStr, err
}

func toAnySlice(cols []string) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = goqu.L(c)
	}
	return out
}

// computeHash returns hex(SHA1(priorHash ‖ query)), the chain link every
// committed write extends.
func computeHash(priorHash, query string) string {
	sum := sha1.Sum([]byte(priorHash + query))
	return hex.EncodeToString(sum[:])
}

// journalBounds returns the min/max id across the given journal tables,
// used both to seed the per-connection journal size at construction and
// to recompute it after a trim.
func journalBounds(database *sql.DB, journalNames []string) (min, max uint64, err error) {
	minSQL, err := unionJournalSQL(journalNames, []string{"MIN(id) AS id"}, "")
	if err != nil {
		return 0, 0, err
	}
	maxSQL, err := unionJournalSQL(journalNames, []string{"MAX(id) AS id"}, "")
	if err != nil {
		return 0, 0, err
	}

	if min, err = scanNullableUint64(database.QueryRow(fmt.Sprintf("SELECT MIN(id) AS id FROM (%s) AS u", minSQL))); err != nil {
		return 0, 0, err
	}
	if max, err = scanNullableUint64(database.QueryRow(fmt.Sprintf("SELECT MAX(id) AS id FROM (%s) AS u", maxSQL))); err != nil {
		return 0, 0, err
	}
	return min, max, nil
}

// singleTableBounds returns min/max id for exactly one journal table,
// used by commit's per-connection trim accounting.
func singleTableBounds(database *sql.DB, journalName string) (min, max uint64, err error) {
	if min, err = scanNullableUint64(database.QueryRow(fmt.Sprintf("SELECT MIN(id) AS id FROM %s", journalName))); err != nil {
		return 0, 0, err
	}
	if max, err = scanNullableUint64(database.QueryRow(fmt.Sprintf("SELECT MAX(id) AS id FROM %s", journalName))); err != nil {
		return 0, 0, err
	}
	return min, max, nil
}

// scanNullableUint64 scans a single nullable integer aggregate (e.g.
// MIN(id)/MAX(id) over an empty journal), defaulting to zero on NULL.
func scanNullableUint64(row *sql.Row) (uint64, error) {
	var v sql.NullInt64
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return uint64(v.Int64), nil
}

// getCommitByID reads the (query, hash) journal row for id across every
// discovered journal table, the catch-up primitive replicas use.
func getCommitByID(database *sql.DB, journalNames []string, id uint64) (query, hash string, ok bool, err error) {
	unionSQL, err := unionJournalSQL(journalNames, []string{"query", "hash"}, fmt.Sprintf("id = %d", id))
	if err != nil {
		return "", "", false, err
	}

	row := database.QueryRow(unionSQL)
	switch err := row.Scan(&query, &hash); err {
	case nil:
		return query, hash, true, nil
	case sql.ErrNoRows:
		return "", "", false, nil
	default:
		return "", "", false, err
	}
}

// getCommitRange returns the ordered [from, to] range across every
// journal table as a generic Result.
func getCommitRange(ctx context.Context, database *sql.DB, journalNames []string, from, to uint64) (*Result, error) {
	unionSQL, err := unionJournalSQL(journalNames, []string{"id", "query", "hash"}, fmt.Sprintf("id >= %d AND id <= %d", from, to))
	if err != nil {
		return nil, err
	}

	rows, err := database.QueryContext(ctx, fmt.Sprintf("SELECT id, query, hash FROM (%s) AS u ORDER BY id ASC", unionSQL))
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

// trimJournal deletes up to 10 of the oldest rows from journalName once
// its row count exceeds maxJournalSize, then returns the recomputed
// count for that single table.
func trimJournal(database *sql.DB, journalName string, maxJournalSize uint64) (newSize uint64, err error) {
	min, max, err := singleTableBounds(database, journalName)
	if err != nil {
		return 0, err
	}
	if max == 0 || max-min+1 <= maxJournalSize {
		if max == 0 {
			return 0, nil
		}
		return max - min + 1, nil
	}

	threshold := max - maxJournalSize
	deleteSQL := fmt.Sprintf(
		"DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE id < %d ORDER BY id ASC LIMIT 10)",
		journalName, journalName, threshold,
	)
	if _, err := database.Exec(deleteSQL); err != nil {
		return 0, fmt.Errorf("trimming journal %s: %w", journalName, err)
	}
	telemetry.JournalTrimsTotal.Inc()

	min, max, err = singleTableBounds(database, journalName)
	if err != nil {
		return 0, err
	}
	if max == 0 {
		telemetry.JournalSize.With(journalName).Set(0)
		return 0, nil
	}
	newSize = max - min + 1
	telemetry.JournalSize.With(journalName).Set(float64(newSize))
	return newSize, nil
}
