// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// query.go implements the data_query tool: read-only SQL over an analytics
// SQLite database.
package tools

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 500
)

var selectPrefixRegex = regexp.MustCompile(`(?is)^\s*(select|with)\b`)

// DataQuery runs read-only queries against one SQLite database.
type DataQuery struct {
	db     *sql.DB
	tables []string
}

// OpenDataQuery opens path read-only. The connection also enables
// query_only so writes fail even through WITH ... INSERT forms.
func OpenDataQuery(ctx context.Context, path string) (*DataQuery, error) {
	dsn := "file:" + path + "?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics database: %w", err)
	}
	db.SetMaxOpenConns(4)

	q := &DataQuery{db: db}
	if q.tables, err = q.listTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read analytics schema: %w", err)
	}
	return q, nil
}

func (q *DataQuery) listTables(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Tables returns the table and view names found at open.
func (q *DataQuery) Tables() []string {
	return append([]string(nil), q.tables...)
}

// Close closes the database.
func (q *DataQuery) Close() error {
	return q.db.Close()
}

// QueryResult is the data_query result data.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"rowCount"`
	Truncated bool     `json:"truncated,omitempty"`
}

// checkStatement accepts a single SELECT or WITH statement.
func checkStatement(stmt string) (string, error) {
	stmt = strings.TrimSpace(stmt)
	stmt = strings.TrimRight(stmt, "; \t\n")
	if stmt == "" {
		return "", errdefs.Validation("data_query", "sql must not be empty")
	}
	if strings.Contains(stmt, ";") {
		return "", errdefs.Validation("data_query", "only a single statement is allowed")
	}
	if !selectPrefixRegex.MatchString(stmt) {
		return "", errdefs.Validation("data_query", "only SELECT or WITH queries are allowed")
	}
	return stmt, nil
}

// Query runs stmt and returns at most limit rows.
func (q *DataQuery) Query(ctx context.Context, stmt string, limit int) (*QueryResult, error) {
	stmt, err := checkStatement(stmt)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}

	// Fetch one extra row to report truncation.
	rows, err := q.db.QueryContext(ctx, "SELECT * FROM ("+stmt+") LIMIT ?", limit+1)
	if err != nil {
		return nil, errdefs.Validation("data_query", "query failed: %v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if len(result.Rows) == limit {
			result.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// DataQueryTool wraps q as the data_query tool. The description lists the
// available tables so the model can write valid SQL.
func DataQueryTool(q *DataQuery) *ToolDefinition {
	desc := "Run a read-only SQL SELECT against the analytics database (SQLite dialect)."
	if tables := q.Tables(); len(tables) > 0 {
		desc += " Tables: " + strings.Join(tables, ", ") + "."
	}
	return &ToolDefinition{
		Name:        "data_query",
		Description: desc,
		Schema: Schema{
			Parameters: []Parameter{
				{
					Name:        "sql",
					Type:        TypeString,
					Required:    true,
					Description: "A single SELECT or WITH statement",
					MaxLength:   4000,
				},
				{
					Name:        "limit",
					Type:        TypeInteger,
					Description: "Maximum rows to return (1-500)",
					Default:     defaultQueryLimit,
					Minimum:     Bound(1),
					Maximum:     Bound(maxQueryLimit),
				},
			},
		},
		RequiredCapabilities: []string{CapabilityData},
		Handler: func(ctx context.Context, args Args) (any, error) {
			return q.Query(ctx, args.String("sql", ""), args.Int("limit", defaultQueryLimit))
		},
	}
}
