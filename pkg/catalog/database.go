package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"   // pgx driver
	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

const columnsQuery = `
		SELECT
			table_schema,
			table_name,
			column_name
		FROM information_schema.columns
		WHERE table_schema NOT IN ('information_schema', 'pg_catalog')
		ORDER BY table_schema, table_name, ordinal_position
	`

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	return open(ctx, "pgx", dsn)
}

// OpenDuckDB opens a DuckDB database file. Use ":memory:" for an in-memory
// database.
func OpenDuckDB(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	return open(ctx, "duckdb", path)
}

func open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}
	return db, nil
}

// LoadInformationSchema reads every column of every table in the given
// schemas from information_schema.columns. An empty schema list loads all
// non-system schemas.
func LoadInformationSchema(ctx context.Context, db *sql.DB, defaultSchema string, schemas []string) (*Static, error) {
	want := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		want[strings.ToLower(s)] = true
	}

	rows, err := db.QueryContext(ctx, columnsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make(map[string][]string)
	var order []string
	for rows.Next() {
		var schema, table, column string
		if err := rows.Scan(&schema, &table, &column); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		if len(want) > 0 && !want[strings.ToLower(schema)] {
			continue
		}
		rel := schema + "." + table
		if _, ok := tables[rel]; !ok {
			order = append(order, rel)
		}
		tables[rel] = append(tables[rel], column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}

	s := NewStatic(defaultSchema)
	for _, rel := range order {
		s.Add(rel, tables[rel]...)
	}
	return s, nil
}
