package db

import "database/sql"

// Result is an engine-agnostic row set returned by Read and the
// replication feed queries. Values are returned as their textual form
// since journal rows and schema introspection queries are always
// string/integer columns; callers needing typed access should query the
// underlying *sql.DB directly via a raw statement.
type Result struct {
	Columns []string
	Rows    [][]string
}

func (r *Result) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

// First returns the first column of the first row, or "" if the result
// is empty. Mirrors the original's single-value read() convenience.
func (r *Result) First() string {
	if r.Empty() || len(r.Rows[0]) == 0 {
		return ""
	}
	return r.Rows[0][0]
}

func scanRows(rows *sql.Rows) (*Result, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &Result{Columns: cols}
	raw := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			if v.Valid {
				row[i] = v.String
			}
		}
		res.Rows = append(res.Rows, row)
	}
	return res, rows.Err()
}
