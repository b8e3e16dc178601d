package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nuha.dev/fieldtrack/internal/config"
)

type rootOptions struct {
	configPath string
	v          *viper.Viper
}

func (o *rootOptions) load() (*config.Config, error) {
	c, err := config.Load(o.v, o.configPath)
	if err != nil {
		return nil, err
	}
	c.ApplyLogLevel()
	return c, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	rootCmd := &cobra.Command{
		Use:          "fieldtrack",
		Short:        "Field operations location tracking server",
		Long:         "fieldtrack follows the position of field staff, labels each fix with a place name and activity, and serves the latest locations over HTTP, websocket and CSV/XLSX exports.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./fieldtrack.yaml when present)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: trace, debug, info, warn, error")
	_ = opts.v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(
		newServeCmd(opts),
		newDistanceCmd(),
		newExportCmd(opts),
		newHashKeyCmd(),
		newMigrateCmd(opts),
	)
	return rootCmd
}
