package warehouse

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/batch"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/results"
)

// Collection is the lineage entry of one persisted window.
type Collection struct {
	Table     string
	Start     civil.Date
	End       civil.Date
	Rows      int64
	WrittenAt time.Time
}

// Backend is a results.Store that also reports which windows it holds.
type Backend interface {
	results.Store

	// LastCollection returns the lineage entry of table for w, if any.
	LastCollection(ctx context.Context, t results.Table, w batch.Window) (Collection, bool, error)
}

type execFunc func(ctx context.Context, query string, args ...any) error

// replaceRows runs the delete-then-insert of rows inside an open
// transaction. Each window is locked first when the dialect supports it,
// then every row's key is cleared and the row inserted, then the lineage
// entry updated. The first failing row aborts the whole write.
func replaceRows(ctx context.Context, d dialect, t results.Table, rows []results.Row, now time.Time, exec execFunc) ([]results.RowError, error) {
	order, groups, err := groupByWindow(t.Schema, rows)
	if err != nil {
		return nil, err
	}

	del := d.deleteSQL(t)
	ins := d.insertSQL(t)
	upsert := d.upsertLineageSQL(t)

	for _, w := range order {
		if d.lockSQL != "" {
			if err := exec(ctx, d.lockSQL, PartitionLockKey(t.String(), w.start, w.end)); err != nil {
				return nil, fmt.Errorf("lock window %s..%s: %w", w.start.Format(time.DateOnly), w.end.Format(time.DateOnly), err)
			}
		}
		for _, i := range groups[w] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := exec(ctx, del, keyArgs(t.Schema, rows[i])...); err != nil {
				return []results.RowError{{Key: i, Errors: err.Error()}}, fmt.Errorf("delete previous rows: %w", err)
			}
			if err := exec(ctx, ins, rows[i]...); err != nil {
				return []results.RowError{{Key: i, Errors: err.Error()}}, fmt.Errorf("insert row: %w", err)
			}
		}
		if err := exec(ctx, upsert, t.Name, w.start, w.end, now); err != nil {
			return nil, fmt.Errorf("record lineage: %w", err)
		}
	}
	return nil, nil
}
