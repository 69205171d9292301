package results

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RowError is one row the store refused, as reported by the store.
type RowError struct {
	Key    int    `json:"key"`
	Errors string `json:"errors"`
}

// PersistenceError means the store rejected some or all rows of a write.
// Nothing from that write is kept.
type PersistenceError struct {
	Table    string
	Failures []RowError
	Err      error
}

func (e *PersistenceError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("persist rows to %s: %v", e.Table, e.Err)
	}
	payload, _ := json.Marshal(e.Failures)
	return fmt.Sprintf("persist rows to %s: %s", e.Table, payload)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SchemaMismatchError means an existing table does not have the expected
// layout.
type SchemaMismatchError struct {
	Table      string
	Missing    []string
	Unexpected []string
	Changed    []string
}

func (e *SchemaMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing columns "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected columns "+strings.Join(e.Unexpected, ", "))
	}
	if len(e.Changed) > 0 {
		parts = append(parts, "changed types "+strings.Join(e.Changed, "; "))
	}
	return fmt.Sprintf("table %s has an incompatible schema: %s", e.Table, strings.Join(parts, "; "))
}
