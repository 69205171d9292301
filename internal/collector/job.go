package collector

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/batch"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/config"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/results"
)

// Kind is the flavor of a collection job. It selects the destination table.
type Kind string

const (
	KindAttribution    Kind = "attribution"
	KindIncrementality Kind = "incrementality"
)

// Job is one collection schedule: a task collected over windows anchored at
// StartDate whose buckets fan out into records.
type Job struct {
	Name      string
	Kind      Kind
	Task      config.Task
	StartDate civil.Date
	Duration  time.Duration
	Bindings  []Binding

	advertiser *config.Advertiser
	experiment *config.Experiment
}

// Binding maps one bucket of the decoded vector to a record.
type Binding struct {
	Bucket int
	Label  string

	ad     *config.Ad
	branch *config.Branch
}

// Record builds the record of b for window w holding value.
func (j Job) Record(b Binding, w batch.Window, value int64, at time.Time) results.Record {
	switch j.Kind {
	case KindIncrementality:
		e, br := j.experiment, b.branch
		return results.NewIncrementalityRecord(w, e.CountryCodes, e.Slug, br.Slug, br.Advertiser, br.Metric, value, at)
	default:
		a := j.advertiser
		return results.NewAttributionRecord(w, b.ad.Source, b.ad.ID, a.LookbackWindow, string(a.ConversionType), value, at)
	}
}

// Plan turns a validated job document into collection jobs: one per
// advertiser, and one per experiment and task its branches report into.
func Plan(doc *config.Job) ([]Job, error) {
	var jobs []Job

	for i := range doc.Advertisers {
		adv := &doc.Advertisers[i]
		job := Job{
			Name:       adv.Name,
			Kind:       KindAttribution,
			Task:       adv.Partner.Task,
			StartDate:  adv.StartDate,
			Duration:   adv.Duration,
			advertiser: adv,
		}
		for k := range adv.Ads {
			ad := &adv.Ads[k]
			job.Bindings = append(job.Bindings, Binding{
				Bucket: ad.Index,
				Label:  fmt.Sprintf("ad %s:%d", ad.Source, ad.ID),
				ad:     ad,
			})
		}
		jobs = append(jobs, job)
	}

	for i := range doc.Experiments {
		exp := &doc.Experiments[i]
		byTask := map[string]int{}
		for k := range exp.Branches {
			br := &exp.Branches[k]
			idx, ok := byTask[br.Task.ID]
			if !ok {
				idx = len(jobs)
				byTask[br.Task.ID] = idx
				jobs = append(jobs, Job{
					Name:       exp.Slug,
					Kind:       KindIncrementality,
					Task:       br.Task,
					StartDate:  exp.StartDate,
					Duration:   exp.Duration,
					experiment: exp,
				})
			}
			jobs[idx].Bindings = append(jobs[idx].Bindings, Binding{
				Bucket: br.Bucket,
				Label:  "branch " + br.Slug,
				branch: br,
			})
		}
	}

	// A single collection serves every job of a task, so they must agree on
	// the shape of the aggregate.
	tasks := map[string]Job{}
	for _, j := range jobs {
		prev, ok := tasks[j.Task.ID]
		if !ok {
			tasks[j.Task.ID] = j
			continue
		}
		if prev.Task.VDAF != j.Task.VDAF || prev.Task.Length != j.Task.Length || prev.Task.Bits != j.Task.Bits {
			return nil, &config.ValidationError{
				Field:  j.Name + ".task_id",
				Reason: fmt.Sprintf("task %s is declared by %s with a different vdaf, length or bits", j.Task.ID, prev.Name),
			}
		}
	}
	return jobs, nil
}

// Scheduled is a job placed on the calendar for one process date.
type Scheduled struct {
	Job    Job
	Window batch.Window
	// Started is false when the process date precedes the job start date.
	Started bool
	Due     bool
}

// Schedule computes the current window of every job on processDate.
func Schedule(jobs []Job, processDate civil.Date) ([]Scheduled, error) {
	out := make([]Scheduled, 0, len(jobs))
	for _, j := range jobs {
		w, ok, err := batch.Current(processDate, j.StartDate, j.Duration)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
		out = append(out, Scheduled{
			Job:     j,
			Window:  w,
			Started: ok,
			Due:     ok && w.Due(processDate),
		})
	}
	return out, nil
}
