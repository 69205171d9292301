package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/batch"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/logging"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/results"
)

// PostgresStore writes results into PostgreSQL. Concurrent runs writing the
// same window are serialized by a transaction scoped advisory lock.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
	now  func() time.Time
}

// NewPostgresStore connects to the database at dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// A run writes sequentially; one spare connection covers lineage reads.
	poolCfg.MaxConns = 2
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{
		pool: pool,
		log:  logging.Component("warehouse").With("driver", "postgres"),
		now:  time.Now,
	}
	s.log.Info("connected to postgres store")
	return s, nil
}

// CreateTable implements results.Store.
func (s *PostgresStore) CreateTable(ctx context.Context, t results.Table) error {
	for _, stmt := range []string{
		postgresDialect.createSchemaSQL(t.Dataset),
		postgresDialect.createTableSQL(t),
		postgresDialect.createLineageSQL(t.Dataset),
	} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Columns implements results.Store.
func (s *PostgresStore) Columns(ctx context.Context, t results.Table) ([]results.Column, error) {
	rows, err := s.pool.Query(ctx, columnsSQL, t.Dataset, t.Name)
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
		cols = append(cols, results.Column{Name: name, Type: postgresDialect.logicalType(dataType)})
	}
	return cols, rows.Err()
}

// ReplaceRows implements results.Store.
func (s *PostgresStore) ReplaceRows(ctx context.Context, t results.Table, rows []results.Row) ([]results.RowError, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	var failures []results.RowError
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		exec := func(ctx context.Context, query string, args ...any) error {
			_, err := tx.Exec(ctx, query, args...)
			return err
		}
		var err error
		failures, err = replaceRows(ctx, postgresDialect, t, rows, s.now().UTC(), exec)
		return err
	})
	if err != nil {
		return failures, err
	}
	s.log.Debug("replaced rows", "table", t.String(), "rows", len(rows))
	return nil, nil
}

// LastCollection implements Backend.
func (s *PostgresStore) LastCollection(ctx context.Context, t results.Table, w batch.Window) (Collection, bool, error) {
	c := Collection{Table: t.Name, Start: w.Start, End: w.End}
	err := s.pool.QueryRow(ctx, postgresDialect.selectLineageSQL(t.Dataset),
		t.Name, w.Start.In(time.UTC), w.End.In(time.UTC)).Scan(&c.Rows, &c.WrittenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Collection{}, false, nil
	}
	if err != nil {
		return Collection{}, false, fmt.Errorf("query lineage: %w", err)
	}
	return c, true, nil
}

// Close implements results.Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
