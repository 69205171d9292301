package results

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/logging"
)

// Store is an analytical store backend.
type Store interface {
	// CreateTable creates the dataset and table when absent.
	CreateTable(ctx context.Context, t Table) error

	// Columns lists the columns of an existing table with logical types.
	Columns(ctx context.Context, t Table) ([]Column, error)

	// ReplaceRows deletes every row sharing a key with rows and inserts rows,
	// atomically. Rows the store refuses are returned as RowErrors keyed by
	// position, in which case nothing is written.
	ReplaceRows(ctx context.Context, t Table, rows []Row) ([]RowError, error)

	Close() error
}

// Writer persists records of one table. Re-running a window replaces the
// rows previously written for it.
type Writer struct {
	store Store
	table Table
	log   *slog.Logger

	mu    sync.Mutex
	ready bool
}

// NewWriter returns a writer for table.
func NewWriter(store Store, table Table) *Writer {
	return &Writer{
		store: store,
		table: table,
		log:   logging.Component("results").With("table", table.String()),
	}
}

// Table returns the destination table.
func (w *Writer) Table() Table { return w.table }

// EnsureTable creates the table if needed and verifies an existing one has
// the expected schema. It is safe to call repeatedly.
func (w *Writer) EnsureTable(ctx context.Context) (Table, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ready {
		return w.table, nil
	}

	if err := w.store.CreateTable(ctx, w.table); err != nil {
		return Table{}, fmt.Errorf("create table %s: %w", w.table, err)
	}
	cols, err := w.store.Columns(ctx, w.table)
	if err != nil {
		return Table{}, fmt.Errorf("describe table %s: %w", w.table, err)
	}
	if err := CheckSchema(w.table, cols); err != nil {
		return Table{}, err
	}
	w.ready = true
	w.log.Debug("table ready")
	return w.table, nil
}

// Insert writes records and returns the rows written. Any row the store
// refuses fails the whole write with a *PersistenceError.
func (w *Writer) Insert(ctx context.Context, records []Record) ([]Row, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if _, err := w.EnsureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := BuildRows(w.table.Schema, records)
	if err != nil {
		return nil, fmt.Errorf("build rows for %s: %w", w.table, err)
	}

	failures, err := w.store.ReplaceRows(ctx, w.table, rows)
	if len(failures) > 0 {
		return nil, &PersistenceError{Table: w.table.String(), Failures: failures, Err: err}
	}
	if err != nil {
		return nil, &PersistenceError{Table: w.table.String(), Err: err}
	}

	w.log.Info("rows written", "rows", len(rows))
	return rows, nil
}
