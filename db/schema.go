package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/doug-martin/goqu/v9"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func stripWhitespace(s string) string {
	return whitespaceRun.ReplaceAllString(s, "")
}

func (c *Connection) schemaDefinition(ctx context.Context, typ, name string) (string, bool, error) {
	ds := journalDialect.From("sqlite_master").
		Select("sql").
		Where(goqu.C("type").Eq(typ), goqu.C("name").Eq(name))

	query, args, err := ds.ToSQL()
	if err != nil {
		return "", false, err
	}

	var sqlText string
	row := c.engine.QueryRowContext(ctx, query, args...)
	switch err := row.Scan(&sqlText); err {
	case nil:
		return sqlText, true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, err
	}
}

// VerifyTable compares the stored definition for name against definition
// with whitespace collapsed, creating the table if it doesn't exist yet
// and reporting a mismatch (without altering anything) if it does exist
// but differs.
func (c *Connection) VerifyTable(ctx context.Context, name, definition string) (created bool, err error) {
	existing, exists, err := c.schemaDefinition(ctx, "table", name)
	if err != nil {
		return false, fmt.Errorf("verifying table %s: %w", name, err)
	}
	if !exists {
		if err := c.writeIdempotent(ctx, collapseWhitespace(definition)+";", false); err != nil {
			return false, fmt.Errorf("creating table %s: %w", name, err)
		}
		return true, nil
	}
	if collapseWhitespace(existing) != collapseWhitespace(definition) {
		return false, fmt.Errorf("table %s exists with a different definition: %s", name, existing)
	}
	return false, nil
}

// VerifyIndex is VerifyTable's analogue for indexes, comparing with
// whitespace fully stripped (index DDL tends to vary more cosmetically
// than table DDL). createIfMissing mirrors the teacher's allowance for
// read-only verification passes that shouldn't mutate schema.
func (c *Connection) VerifyIndex(ctx context.Context, name, table, definition string, unique, createIfMissing bool) (bool, error) {
	existing, exists, err := c.schemaDefinition(ctx, "index", name)
	if err != nil {
		return false, fmt.Errorf("verifying index %s: %w", name, err)
	}
	if !exists {
		if !createIfMissing {
			return false, nil
		}
		if err := c.writeIdempotent(ctx, collapseWhitespace(definition)+";", false); err != nil {
			return false, fmt.Errorf("creating index %s: %w", name, err)
		}
		return true, nil
	}
	if stripWhitespace(existing) != stripWhitespace(definition) {
		return false, fmt.Errorf("index %s exists with a different definition: %s", name, existing)
	}
	return false, nil
}

// AddColumn inspects the stored CREATE TABLE text for column and issues
// ALTER TABLE ... ADD COLUMN if it's absent. The presence check is a
// case-insensitive substring match on that text; a table that doesn't
// exist is returned as an error.
func (c *Connection) AddColumn(ctx context.Context, table, column, columnType string) error {
	existing, exists, err := c.schemaDefinition(ctx, "table", table)
	if err != nil {
		return fmt.Errorf("checking table %s for column %s: %w", table, column, err)
	}
	if !exists {
		c.logDebug(fmt.Sprintf("AddColumn: table %s does not exist", table))
		return fmt.Errorf("table %s does not exist", table)
	}

	if strings.Contains(strings.ToLower(existing), strings.ToLower(column)) {
		return nil
	}

	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, columnType)
	if err := c.writeIdempotent(ctx, alter, false); err != nil {
		return fmt.Errorf("adding column %s.%s: %w", table, column, err)
	}
	return nil
}
