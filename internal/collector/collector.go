// Package collector runs one collection pass: it decides which jobs are due
// on the process date, collects each due task window once, decodes the
// aggregate and persists one record per bound bucket.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/hashicorp/go-multierror"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/batch"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/config"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/dap"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/field"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/logging"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/metrics"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/results"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/storage"
)

// Options configure a Collector. Client and a writer for every job kind in
// use are required.
type Options struct {
	Client  dap.Client
	Leader  string
	Timeout time.Duration

	BearerToken    config.Secret
	HPKEConfig     config.Secret
	HPKEPrivateKey config.Secret

	Retry   RetryPolicy
	Writers map[Kind]*results.Writer
	Backup  *storage.Backup  // optional
	Metrics *metrics.Metrics // optional

	Now func() time.Time
}

// Collector orchestrates a run over a fixed set of jobs.
type Collector struct {
	jobs []Job
	opts Options
	log  *slog.Logger
}

// New creates a collector for jobs.
func New(jobs []Job, opts Options) (*Collector, error) {
	if opts.Client == nil {
		return nil, errors.New("collector: a dap client is required")
	}
	for _, j := range jobs {
		if opts.Writers[j.Kind] == nil {
			return nil, fmt.Errorf("collector: no writer configured for %s jobs", j.Kind)
		}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		jobs: jobs,
		opts: opts,
		log:  logging.Component("collector"),
	}, nil
}

type groupKey struct {
	taskID     string
	start, end civil.Date
}

// group is the set of due jobs served by one collection.
type group struct {
	task    config.Task
	window  batch.Window
	members []int
}

// Run processes every job for processDate. Jobs whose window does not end on
// processDate are skipped. A failing job does not stop the others; the
// returned error aggregates every failure as a *JobError.
func (c *Collector) Run(ctx context.Context, processDate civil.Date) (*Report, error) {
	scheduled, err := Schedule(c.jobs, processDate)
	if err != nil {
		return nil, err
	}

	report := &Report{ProcessDate: processDate, Jobs: make([]JobReport, len(scheduled))}
	var groups []*group
	index := map[groupKey]*group{}
	for i, s := range scheduled {
		report.Jobs[i] = JobReport{
			Job:     s.Job.Name,
			Kind:    s.Job.Kind,
			TaskID:  s.Job.Task.ID,
			Window:  s.Window,
			Started: s.Started,
			State:   StatePending,
		}
		if !s.Due {
			report.Jobs[i].State = StateNotDue
			c.log.Debug("job not due",
				"job", s.Job.Name,
				"started", s.Started,
				"window", s.Window.String(),
			)
			continue
		}
		key := groupKey{taskID: s.Job.Task.ID, start: s.Window.Start, end: s.Window.End}
		g, ok := index[key]
		if !ok {
			g = &group{task: s.Job.Task, window: s.Window}
			index[key] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, i)
	}

	c.log.Info("run planned",
		"process_date", processDate.String(),
		"jobs", len(c.jobs),
		"not_due", report.Count(StateNotDue),
		"collections", len(groups),
	)

	backups := &backupSet{}
	for _, g := range groups {
		c.runGroup(ctx, g, report, backups)
	}
	c.backup(ctx, backups)

	var merr *multierror.Error
	for _, jr := range report.Jobs {
		c.opts.Metrics.IncJob(string(jr.Kind), strings.ToLower(string(jr.State)))
		if jr.State == StateFailed {
			merr = multierror.Append(merr, &JobError{Job: jr.Job, TaskID: jr.TaskID, Window: jr.Window, Err: jr.Err})
		}
	}
	if merr == nil {
		c.opts.Metrics.MarkSuccess(c.opts.Now())
	}

	c.log.Info("run complete",
		"process_date", processDate.String(),
		"done", report.Count(StateDone),
		"failed", report.Count(StateFailed),
		"rows", report.Rows(),
	)
	return report, merr.ErrorOrNil()
}

func (c *Collector) runGroup(ctx context.Context, g *group, report *Report, backups *backupSet) {
	log := c.log.With("task_id", g.task.ID, "window", g.window.String())
	setAll := func(s State) {
		for _, i := range g.members {
			report.Jobs[i].State = s
		}
	}
	failAll := func(err error) {
		for _, i := range g.members {
			report.Jobs[i].State = StateFailed
			report.Jobs[i].Err = err
		}
	}

	if err := ctx.Err(); err != nil {
		failAll(err)
		return
	}

	setAll(StateCollecting)
	outcome := c.collect(ctx, g, log)
	if err := dap.Err(outcome); err != nil {
		var httpErr *dap.HTTPError
		if errors.As(err, &httpErr) && httpErr.Hint() != "" {
			log.Error("collection rejected", "error", err, "hint", httpErr.Hint())
		} else {
			log.Error("collection failed", "error", err)
		}
		failAll(err)
		return
	}
	success := outcome.(*dap.Success)

	setAll(StateDecoding)
	vec, err := field.ParseVector(success.VectorText)
	if err != nil {
		log.Error("decode failed", "error", err)
		failAll(err)
		return
	}
	log.Info("collected",
		"buckets", len(vec),
		"reports", success.ReportCount,
		"jobs", len(g.members),
	)

	at := c.opts.Now().UTC()
	for _, i := range g.members {
		job := c.jobs[i]
		jr := &report.Jobs[i]
		jlog := logging.JobLogger(ctx, job.Name, job.Task.ID, g.window.String())

		records, err := buildRecords(job, g.window, vec, at)
		if err != nil {
			jlog.Error("job failed", "error", err)
			jr.State, jr.Err = StateFailed, err
			continue
		}
		if err := ctx.Err(); err != nil {
			jlog.Warn("run cancelled before persisting", "error", err)
			jr.State, jr.Err = StateFailed, err
			continue
		}

		jr.State = StatePersisting
		writer := c.opts.Writers[job.Kind]
		start := time.Now()
		rows, err := writer.Insert(ctx, records)
		if err != nil {
			jlog.Error("persist failed", "error", err)
			jr.State, jr.Err = StateFailed, err
			continue
		}
		c.opts.Metrics.ObservePersist(writer.Table().String(), len(rows), time.Since(start))
		backups.add(writer.Table(), g.window, rows)

		jr.State, jr.Rows = StateDone, len(rows)
		jlog.Info("job done", "rows", len(rows))
	}
}

// collect runs the protocol client under the retry policy.
func (c *Collector) collect(ctx context.Context, g *group, log *slog.Logger) dap.Outcome {
	req := dap.Request{
		Task:           g.task,
		Window:         g.window,
		Leader:         c.opts.Leader,
		Timeout:        c.opts.Timeout,
		BearerToken:    c.opts.BearerToken,
		HPKEConfig:     c.opts.HPKEConfig,
		HPKEPrivateKey: c.opts.HPKEPrivateKey,
	}
	return c.opts.Retry.Do(ctx, func(attempt int) dap.Outcome {
		log.Info("collecting",
			"attempt", attempt,
			"interval_start", g.window.IntervalStart(),
			"interval_duration", g.window.IntervalSeconds(),
		)
		start := time.Now()
		o := c.opts.Client.Collect(ctx, req)
		c.opts.Metrics.ObserveCollection(outcomeLabel(o), time.Since(start))
		if s, ok := o.(*dap.Success); ok {
			c.opts.Metrics.SetReportCount(g.task.ID, s.ReportCount)
		}
		return o
	}, func(attempt int, o dap.Outcome, wait time.Duration) {
		c.opts.Metrics.IncRetryAttempts("collect")
		log.Warn("collection failed, retrying",
			"attempt", attempt,
			"wait", wait.String(),
			"error", dap.Err(o),
		)
	})
}

// buildRecords maps every binding of job to its bucket of vec.
func buildRecords(job Job, w batch.Window, vec field.Vector, at time.Time) ([]results.Record, error) {
	records := make([]results.Record, 0, len(job.Bindings))
	for _, b := range job.Bindings {
		if _, ok := vec.Get(b.Bucket); !ok {
			return nil, &BucketError{
				Job:    job.Name,
				TaskID: job.Task.ID,
				Label:  b.Label,
				Bucket: b.Bucket,
				Length: len(vec),
			}
		}
		v, err := vec.Int64(b.Bucket)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Label, err)
		}
		records = append(records, job.Record(b, w, v, at))
	}
	return records, nil
}

func outcomeLabel(o dap.Outcome) string {
	switch o.(type) {
	case *dap.Success:
		return "success"
	case *dap.HTTPError:
		return "http_error"
	case *dap.Timeout:
		return "timeout"
	default:
		return "invocation_failure"
	}
}

// backupSet gathers the rows written per table and window so each window is
// backed up once with every row the run wrote to it.
type backupSet struct {
	entries []*backupEntry
}

type backupEntry struct {
	table  results.Table
	window batch.Window
	rows   []results.Row
}

func (s *backupSet) add(t results.Table, w batch.Window, rows []results.Row) {
	if len(rows) == 0 {
		return
	}
	for _, e := range s.entries {
		if e.table.String() == t.String() && e.window == w {
			e.rows = append(e.rows, rows...)
			return
		}
	}
	s.entries = append(s.entries, &backupEntry{table: t, window: w, rows: rows})
}

// backup writes the object store copy of every window. Failures are logged
// and counted but never fail the run.
func (c *Collector) backup(ctx context.Context, s *backupSet) {
	if c.opts.Backup == nil {
		return
	}
	for _, e := range s.entries {
		if _, err := c.opts.Backup.WriteWindow(ctx, e.table, e.window, e.rows); err != nil {
			c.opts.Metrics.IncBackupErrors()
			c.log.Warn("backup failed",
				"table", e.table.String(),
				"window", e.window.String(),
				"error", err,
			)
		}
	}
}
