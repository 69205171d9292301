package main

import (
	"context"
	"errors"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/collector"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/config"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/storage"
)

// loadJobs reads, validates and plans the job document at rawURL.
func loadJobs(ctx context.Context, rawURL string) (*config.Job, []collector.Job, error) {
	if rawURL == "" {
		return nil, nil, &config.ValidationError{Field: "job_config_url", Reason: "is required"}
	}
	u, err := objectURL(rawURL)
	if err != nil {
		return nil, nil, err
	}
	data, err := storage.ReadObjectURL(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	doc, err := config.ParseJob(data)
	if err != nil {
		return nil, nil, err
	}
	jobs, err := collector.Plan(doc)
	if err != nil {
		return nil, nil, err
	}
	if len(jobs) == 0 {
		return nil, nil, errors.New("job document defines no collection jobs")
	}
	return doc, jobs, nil
}
