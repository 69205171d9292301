package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/batch"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/logging"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/results"
)

// DuckDBStore writes results into a DuckDB database file. DuckDB admits a
// single writing process per file; within the process writes are serialized
// by a mutex.
type DuckDBStore struct {
	db  *sql.DB
	mu  sync.Mutex
	log *slog.Logger
	now func() time.Time
}

// NewDuckDBStore opens the database at path. An empty path opens an
// in-memory database.
func NewDuckDBStore(ctx context.Context, path string) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	s := &DuckDBStore{
		db:  db,
		log: logging.Component("warehouse").With("driver", "duckdb"),
		now: time.Now,
	}
	s.log.Info("opened duckdb store", "path", path)
	return s, nil
}

// CreateTable implements results.Store.
func (s *DuckDBStore) CreateTable(ctx context.Context, t results.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range []string{
		duckDialect.createSchemaSQL(t.Dataset),
		duckDialect.createTableSQL(t),
		duckDialect.createLineageSQL(t.Dataset),
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Columns implements results.Store.
func (s *DuckDBStore) Columns(ctx context.Context, t results.Table) ([]results.Column, error) {
	rows, err := s.db.QueryContext(ctx, columnsSQL, t.Dataset, t.Name)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var cols []results.Column
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, results.Column{Name: name, Type: duckDialect.logicalType(dataType)})
	}
	return cols, rows.Err()
}

// ReplaceRows implements results.Store.
func (s *DuckDBStore) ReplaceRows(ctx context.Context, t results.Table, rows []results.Row) ([]results.RowError, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op once committed

	exec := func(ctx context.Context, query string, args ...any) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}
	failures, err := replaceRows(ctx, duckDialect, t, rows, s.now().UTC(), exec)
	if failures != nil || err != nil {
		return failures, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.log.Debug("replaced rows", "table", t.String(), "rows", len(rows))
	return nil, nil
}

// LastCollection implements Backend.
func (s *DuckDBStore) LastCollection(ctx context.Context, t results.Table, w batch.Window) (Collection, bool, error) {
	c := Collection{Table: t.Name, Start: w.Start, End: w.End}
	err := s.db.QueryRowContext(ctx, duckDialect.selectLineageSQL(t.Dataset),
		t.Name, w.Start.In(time.UTC), w.End.In(time.UTC)).Scan(&c.Rows, &c.WrittenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Collection{}, false, nil
	}
	if err != nil {
		return Collection{}, false, fmt.Errorf("query lineage: %w", err)
	}
	return c, true, nil
}

// Close implements results.Store.
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}
