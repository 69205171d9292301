package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/collector"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/config"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/dap"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/logging"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/metrics"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/results"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/storage"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/warehouse"
)

// finishTimeout bounds the log upload and metrics push after a run, which
// happen even when the run itself was cancelled.
const finishTimeout = 30 * time.Second

func newCollectCmd(v *viper.Viper) *cobra.Command {
	defaults := config.DefaultSettings()

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect every batch window that ends on the process date",
		Long: `Collects every job of the job document whose current batch window ends on the
process date, then writes the decoded aggregates to the analytical store.

The collector bearer token and HPKE private key are read from DAP_BEARER_TOKEN
and DAP_PRIVATE_KEY. The command exits non-zero when any job fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings(cmd, v, collectKeys)
			if err != nil {
				return err
			}
			return runCollect(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.String("process-date", "", "process date YYYY-MM-DD (default today, UTC)")
	f.String("project", defaults.Project, "project the results belong to")
	f.Duration("run-timeout", defaults.RunTimeout, "deadline of the whole run")
	f.String("collector-path", defaults.Collector.Path, "path of the collect executable")
	f.String("leader", defaults.Collector.Leader, "DAP leader URL, used when the job document names none")
	f.Duration("collect-timeout", defaults.Collector.Timeout, "deadline of one collector invocation")
	f.Int("retry-attempts", defaults.Collector.RetryAttempts, "attempts per collection for timeouts and 5xx/429 responses")
	f.String("store-driver", defaults.Store.Driver, "analytical store: duckdb or postgres")
	f.String("store-dsn", defaults.Store.DSN, "DuckDB file path or Postgres connection string")
	f.String("dataset", defaults.Store.Dataset, "dataset (schema) results are written to")
	f.String("backup-url", defaults.Backup.URL, "bucket URL for window backups and run logs (empty disables)")
	f.String("pushgateway-url", defaults.Metrics.PushgatewayURL, "Prometheus Pushgateway URL (empty disables)")
	return cmd
}

// collectKeys maps settings keys to the flags of the collect command.
var collectKeys = map[string]string{
	"process_date":             "process-date",
	"project":                  "project",
	"run_timeout":              "run-timeout",
	"collector.path":           "collector-path",
	"collector.leader":         "leader",
	"collector.timeout":        "collect-timeout",
	"collector.retry_attempts": "retry-attempts",
	"store.driver":             "store-driver",
	"store.dsn":                "store-dsn",
	"store.dataset":            "dataset",
	"backup.url":               "backup-url",
	"metrics.pushgateway_url":  "pushgateway-url",
}

func runCollect(ctx context.Context, cfg *config.Settings, out io.Writer) (err error) {
	started := time.Now()
	runLog := logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	runID := logging.GenerateRunID()
	ctx = logging.WithRunID(ctx, runID)
	log := logging.Component("main").With("run_id", runID)
	log.Info("dap collector starting", "version", Version, "git_sha", GitSHA)

	if err := cfg.Validate(); err != nil {
		return err
	}
	date, err := processDate(cfg.ProcessDate)
	if err != nil {
		return err
	}
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	m := metrics.New("dap_collector")

	var bucket *storage.Store
	if cfg.Backup.URL != "" {
		bucket, err = storage.OpenStore(ctx, cfg.Backup.URL, cfg.Backup.Prefix)
		if err != nil {
			return err
		}
		defer bucket.Close()
	}

	// Runs last: the log must hold the outcome of everything above.
	defer func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
		if perr := m.Push(fctx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, map[string]string{"project": cfg.Project}); perr != nil {
			log.Warn("metrics push failed", "error", perr)
		}
		if err != nil {
			log.Error("dap collector failed", "error", err, "duration", time.Since(started).String())
		} else {
			log.Info("dap collector finished", "duration", time.Since(started).String())
		}
		if bucket != nil {
			key := logging.Key(bucket.Prefix(), runID, started)
			if uerr := runLog.Upload(fctx, bucket, key); uerr != nil {
				log.Warn("run log upload failed", "error", uerr)
			}
		}
	}()

	doc, jobs, err := loadJobs(ctx, cfg.JobConfigURL)
	if err != nil {
		return err
	}

	backend, err := warehouse.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer backend.Close()

	leader := cfg.Collector.Leader
	if doc.Leader != "" {
		leader = doc.Leader
	}

	opts := collector.Options{
		Client:         dap.NewExecClient(cfg.Collector.Path),
		Leader:         leader,
		Timeout:        cfg.Collector.Timeout,
		BearerToken:    cfg.BearerToken,
		HPKEConfig:     doc.HPKEConfig,
		HPKEPrivateKey: cfg.HPKEPrivateKey,
		Retry: collector.RetryPolicy{
			MaxAttempts:     cfg.Collector.RetryAttempts,
			InitialInterval: cfg.Collector.RetryBackoff,
			MaxInterval:     10 * cfg.Collector.RetryBackoff,
		},
		Writers: map[collector.Kind]*results.Writer{
			collector.KindAttribution: results.NewWriter(backend,
				results.NewTable(cfg.Store.Dataset, cfg.Store.AttributionTable, results.AttributionSchema)),
			collector.KindIncrementality: results.NewWriter(backend,
				results.NewTable(cfg.Store.Dataset, cfg.Store.IncrementalityTable, results.IncrementalitySchema)),
		},
		Metrics: m,
	}
	if bucket != nil {
		opts.Backup = storage.NewBackup(bucket, storage.ProducerInfo{
			Name:    "dap-collector",
			Version: Version,
			GitSHA:  GitSHA,
		})
	}

	c, err := collector.New(jobs, opts)
	if err != nil {
		return err
	}

	log.Info("collecting",
		"process_date", date.String(),
		"project", cfg.Project,
		"leader", leader,
		"store", cfg.Store.Driver,
		"dataset", cfg.Store.Dataset,
	)
	report, err := c.Run(ctx, date)
	if report != nil {
		printReport(out, report)
	}
	return err
}

func printReport(out io.Writer, r *collector.Report) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tKIND\tTASK\tWINDOW\tSTATE\tROWS\tERROR")
	for _, j := range r.Jobs {
		window := "-"
		if j.Started {
			window = j.Window.String()
		}
		errText := ""
		if j.Err != nil {
			errText = j.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			j.Job, j.Kind, shortTask(j.TaskID), window, j.State, j.Rows, errText)
	}
	if err := tw.Flush(); err != nil {
		slog.Warn("write report", "error", err)
	}
}

func shortTask(id string) string {
	if len(id) > 12 {
		return id[:12] + "…"
	}
	return id
}
