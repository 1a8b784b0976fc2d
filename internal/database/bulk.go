package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateTempTableAs materializes a query into a transaction-scoped
// temporary table that is dropped automatically on commit.
func CreateTempTableAs(ctx context.Context, q Querier, name, query string, args ...any) error {
	stmt := fmt.Sprintf(`CREATE TEMP TABLE %s ON COMMIT DROP AS %s`, name, query)
	if _, err := q.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("create temp table %s: %w", name, err)
	}
	return nil
}

// BulkLoad streams rows into a table via COPY and fails fast when the
// loaded row count differs from the expected count.
func BulkLoad(ctx context.Context, q Querier, table string, columns []string, rows [][]any) error {
	copied, err := q.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("bulk load %s: %w", table, err)
	}
	if copied != int64(len(rows)) {
		return fmt.Errorf("bulk load %s: copied %d rows, expected %d", table, copied, len(rows))
	}
	return nil
}

// CreateIndexAndAnalyze builds an index on a (typically temp) table and
// refreshes planner statistics so subsequent joins use it.
func CreateIndexAndAnalyze(ctx context.Context, q Querier, table, indexDef string) error {
	stmt := fmt.Sprintf(`CREATE INDEX ON %s %s`, table, indexDef)
	if _, err := q.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create index on %s: %w", table, err)
	}
	if _, err := q.Exec(ctx, fmt.Sprintf(`ANALYZE %s`, table)); err != nil {
		return fmt.Errorf("analyze %s: %w", table, err)
	}
	return nil
}

// AddColumn adds a column to a table if it is not already present.
func AddColumn(ctx context.Context, q Querier, table, column, definition string) error {
	stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`, table, column, definition)
	if _, err := q.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// DropColumn removes a column from a table if present.
func DropColumn(ctx context.Context, q Querier, table, column string) error {
	stmt := fmt.Sprintf(`ALTER TABLE %s DROP COLUMN IF EXISTS %s`, table, column)
	if _, err := q.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("drop column %s.%s: %w", table, column, err)
	}
	return nil
}
