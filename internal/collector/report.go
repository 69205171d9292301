package collector

import (
	"fmt"

	"cloud.google.com/go/civil"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/batch"
)

// State is the lifecycle position of a job within one run.
type State string

const (
	StatePending    State = "PENDING"
	StateNotDue     State = "NOT_DUE"
	StateCollecting State = "COLLECTING"
	StateDecoding   State = "DECODING"
	StatePersisting State = "PERSISTING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Final reports whether no further transition can happen.
func (s State) Final() bool {
	return s == StateNotDue || s == StateDone || s == StateFailed
}

// BucketError reports a binding whose bucket is outside the collected
// vector. It is a configuration error.
type BucketError struct {
	Job    string
	TaskID string
	Label  string
	Bucket int
	Length int
}

func (e *BucketError) Error() string {
	return fmt.Sprintf("job %s: %s is bound to bucket %d but task %s returned %d buckets",
		e.Job, e.Label, e.Bucket, e.TaskID, e.Length)
}

// JobError attributes a failure to the job and window it happened in.
type JobError struct {
	Job    string
	TaskID string
	Window batch.Window
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s (task %s, window %s): %v", e.Job, e.TaskID, e.Window, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// JobReport is the result of one job in a run.
type JobReport struct {
	Job     string
	Kind    Kind
	TaskID  string
	Window  batch.Window
	Started bool
	State   State
	Rows    int
	Err     error
}

// Report summarizes a run.
type Report struct {
	ProcessDate civil.Date
	Jobs        []JobReport
}

// Count returns the number of jobs that ended in state s.
func (r *Report) Count(s State) int {
	n := 0
	for _, j := range r.Jobs {
		if j.State == s {
			n++
		}
	}
	return n
}

// Rows returns the total rows written.
func (r *Report) Rows() int {
	n := 0
	for _, j := range r.Jobs {
		n += j.Rows
	}
	return n
}

// OK reports whether no job failed.
func (r *Report) OK() bool {
	return r.Count(StateFailed) == 0
}
