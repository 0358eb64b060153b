package db

import (
	"regexp"
	"strings"

	rqlitesql "github.com/rqlite/sql"
)

// defaultRewriteHandler classifies the denied statement with rqlite/sql's
// parser and narrows it to an equivalent the authorizer will accept: an
// INSERT is softened to INSERT OR IGNORE, a bare DELETE/UPDATE denial is
// left alone (there is no generally-safe column-dropping rewrite without
// knowing which column triggered the denial), so only the INSERT case
// currently produces a non-empty rewrite. Callers with richer knowledge
// of their own policy should install SetRewriteHandler instead.
func defaultRewriteHandler(reason PolicyDeniedError, query string) string {
	parser := rqlitesql.NewParser(strings.NewReader(query))
	stmt, err := parser.ParseStatement()
	if err != nil {
		return ""
	}

	switch stmt.(type) {
	case *rqlitesql.InsertStatement:
		return rewriteInsertOrIgnore(query)
	default:
		return ""
	}
}

var insertKeyword = regexp.MustCompile(`(?i)^\s*INSERT\s+INTO`)

func rewriteInsertOrIgnore(query string) string {
	if !insertKeyword.MatchString(query) {
		return ""
	}
	return insertKeyword.ReplaceAllString(query, "INSERT OR IGNORE INTO")
}
