package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/config"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	root := &cobra.Command{
		Use:           "dap-collector",
		Short:         "Collect DAP aggregates into the analytical store",
		Long:          `Collects the aggregate of every batch window that ends on the process date from a DAP leader, decodes it and writes one row per bound bucket.`,
		Version:       fmt.Sprintf("%s (%s)", Version, GitSHA),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().String("config", "", "settings file (default ./dap-collector.yaml)")
	root.PersistentFlags().String("job-config-url", "", "URL of the job document (gs://, s3://, file:// or a local path)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "text", "log format: text or json")

	root.AddCommand(
		newCollectCmd(v),
		newValidateConfigCmd(v),
		newWindowsCmd(v),
	)
	return root
}

// persistentKeys maps settings keys to the flags every command inherits.
func persistentKeys() map[string]string {
	return map[string]string{
		"job_config_url": "job-config-url",
		"log.level":      "log-level",
		"log.format":     "log-format",
	}
}

// loadSettings binds the flags of the running command to their settings keys,
// then reads the settings file named by --config, if any, and every other
// source bound to v. Binding happens here because subcommands share keys.
func loadSettings(cmd *cobra.Command, v *viper.Viper, keys map[string]string) (*config.Settings, error) {
	bindFlags(v, cmd.Flags(), persistentKeys())
	bindFlags(v, cmd.Flags(), keys)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	}
	return config.Load(v)
}
