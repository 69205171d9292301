package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/collector"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/config"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/logging"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/results"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/warehouse"
)

func newValidateConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a job document and list the jobs it defines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings(cmd, v, nil)
			if err != nil {
				return err
			}
			logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})

			_, jobs, err := loadJobs(cmd.Context(), cfg.JobConfigURL)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tKIND\tTASK\tVDAF\tLENGTH\tSTART\tDAYS\tBUCKETS")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%d\n",
					j.Name, j.Kind, shortTask(j.Task.ID), j.Task.VDAF, j.Task.Length,
					j.StartDate, int(j.Duration.Hours()/24), len(j.Bindings))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d jobs OK\n", len(jobs))
			return nil
		},
	}
}

func newWindowsCmd(v *viper.Viper) *cobra.Command {
	defaults := config.DefaultSettings()

	cmd := &cobra.Command{
		Use:   "windows",
		Short: "Show the current batch window of every job on a process date",
		Long: `Shows the batch window containing the process date for every job and whether
it is collected on that date. With --store, the time each window was last
written to the analytical store is shown as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings(cmd, v, windowsKeys)
			if err != nil {
				return err
			}
			logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
			ctx := cmd.Context()

			date, err := processDate(cfg.ProcessDate)
			if err != nil {
				return err
			}
			_, jobs, err := loadJobs(ctx, cfg.JobConfigURL)
			if err != nil {
				return err
			}
			scheduled, err := collector.Schedule(jobs, date)
			if err != nil {
				return err
			}

			tables := map[collector.Kind]results.Table{
				collector.KindAttribution:    results.NewTable(cfg.Store.Dataset, cfg.Store.AttributionTable, results.AttributionSchema),
				collector.KindIncrementality: results.NewTable(cfg.Store.Dataset, cfg.Store.IncrementalityTable, results.IncrementalitySchema),
			}
			var backend warehouse.Backend
			if withStore, _ := cmd.Flags().GetBool("store"); withStore {
				backend, err = warehouse.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
				if err != nil {
					return err
				}
				defer backend.Close()
				for _, t := range tables {
					if _, err := results.NewWriter(backend, t).EnsureTable(ctx); err != nil {
						return err
					}
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "JOB\tKIND\tTASK\tWINDOW\tDUE %s\tLAST WRITTEN\n", date)
			for _, s := range scheduled {
				window, due, written := "not started", "no", "-"
				if s.Started {
					window = s.Window.String()
				}
				if s.Due {
					due = "yes"
				}
				if backend != nil && s.Started {
					c, ok, err := backend.LastCollection(ctx, tables[s.Job.Kind], s.Window)
					if err != nil {
						return err
					}
					if ok {
						written = fmt.Sprintf("%s (%d rows)", c.WrittenAt.UTC().Format("2006-01-02 15:04:05"), c.Rows)
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.Job.Name, s.Job.Kind, shortTask(s.Job.Task.ID), window, due, written)
			}
			return tw.Flush()
		},
	}

	f := cmd.Flags()
	f.String("process-date", "", "process date YYYY-MM-DD (default today, UTC)")
	f.Bool("store", false, "look up when each window was last written")
	f.String("store-driver", defaults.Store.Driver, "analytical store: duckdb or postgres")
	f.String("store-dsn", defaults.Store.DSN, "DuckDB file path or Postgres connection string")
	f.String("dataset", defaults.Store.Dataset, "dataset (schema) results are written to")
	return cmd
}

// windowsKeys maps settings keys to the flags of the windows command.
var windowsKeys = map[string]string{
	"process_date":  "process-date",
	"store.driver":  "store-driver",
	"store.dsn":     "store-dsn",
	"store.dataset": "dataset",
}
