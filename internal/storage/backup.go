package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/batch"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/results"
)

// Backup copies every persisted window to the object store as parquet with
// a manifest next to it.
type Backup struct {
	store    *Store
	producer ProducerInfo
	now      func() time.Time
}

// NewBackup returns a backup writing through store.
func NewBackup(store *Store, producer ProducerInfo) *Backup {
	return &Backup{store: store, producer: producer, now: time.Now}
}

// WriteWindow publishes rows of t for window w and returns the parquet key.
// A later call for the same window overwrites the earlier backup.
func (b *Backup) WriteWindow(ctx context.Context, t results.Table, w batch.Window, rows []results.Row) (string, error) {
	backupRows, err := BackupRows(t, rows)
	if err != nil {
		return "", err
	}
	data, err := EncodeParquet(backupRows)
	if err != nil {
		return "", err
	}

	ref := WindowRef{Dataset: t.Dataset, Table: t.Name, Start: w.Start, End: w.End}
	manifest := &Manifest{
		Window: WindowInfo{
			Dataset: t.Dataset,
			Table:   t.Name,
			Start:   w.Start.String(),
			End:     w.End.String(),
		},
		File: FileInfo{
			Name:     ref.FileName(),
			Checksum: ComputeChecksum(data),
			RowCount: int64(len(rows)),
			ByteSize: int64(len(data)),
		},
		Producer:  b.producer,
		CreatedAt: b.now().UTC(),
	}

	if err := b.store.Publish(ctx, ref, data, manifest); err != nil {
		return "", fmt.Errorf("publish backup of %s %s: %w", t, w, err)
	}
	key := ref.Path(b.store.Prefix())
	b.store.log.Info("backed up window",
		"table", t.String(),
		"window", w.String(),
		"rows", len(rows),
		"bytes", len(data),
		"uri", b.store.URI(key),
	)
	return key, nil
}
