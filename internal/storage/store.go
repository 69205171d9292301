// Package storage writes backups of persisted windows and run logs to an
// object store, and reads job documents from one.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// WindowRef locates the backup of one table's window.
type WindowRef struct {
	Dataset string
	Table   string
	Start   civil.Date
	End     civil.Date
}

// DirPath returns the directory holding the window's objects.
func (r WindowRef) DirPath(prefix string) string {
	return fmt.Sprintf("%s%s/%s/collection_start=%s/collection_end=%s",
		prefix, r.Dataset, r.Table, r.Start, r.End)
}

// FileName returns the base name of the window's parquet file.
func (r WindowRef) FileName() string {
	return fmt.Sprintf("part-%s-%s.parquet", r.Start, r.End)
}

// Path returns the key of the window's parquet file.
func (r WindowRef) Path(prefix string) string {
	return r.DirPath(prefix) + "/" + r.FileName()
}

// ManifestPath returns the key of the window's manifest.
func (r WindowRef) ManifestPath(prefix string) string {
	return r.DirPath(prefix) + "/_manifest.json"
}

// Manifest describes the contents of a window directory.
type Manifest struct {
	Window    WindowInfo   `json:"window"`
	File      FileInfo     `json:"file"`
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// WindowInfo describes the window boundaries.
type WindowInfo struct {
	Dataset string `json:"dataset"`
	Table   string `json:"table"`
	Start   string `json:"collection_start"`
	End     string `json:"collection_end"`
}

// FileInfo describes the parquet file of the window.
type FileInfo struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the backup.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}
