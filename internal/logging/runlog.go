package logging

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// RunLog accumulates the log lines of one run in memory.
type RunLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer. It is safe for concurrent use.
func (r *RunLog) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

// Bytes returns a copy of everything logged so far.
func (r *RunLog) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.buf.Bytes())
}

// ObjectWriter stores a single object. storage.Store satisfies it.
type ObjectWriter interface {
	WriteObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Key returns the object key of a run log started at t.
func Key(prefix, runID string, t time.Time) string {
	return fmt.Sprintf("%slogs/%s/dap-collector-%s-%s.jsonl.zst",
		prefix, t.UTC().Format(time.DateOnly), t.UTC().Format("150405"), runID)
}

// Upload writes the zstd-compressed log to key.
func (r *RunLog) Upload(ctx context.Context, w ObjectWriter, key string) error {
	data, err := Compress(r.Bytes())
	if err != nil {
		return err
	}
	if err := w.WriteObject(ctx, key, data, "application/zstd"); err != nil {
		return fmt.Errorf("upload run log: %w", err)
	}
	return nil
}

// Compress returns data as a single zstd frame.
func Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode zstd: %w", err)
	}
	return out, nil
}
