package main

import (
	"context"
	"errors"
	"fmt"

	"twistbridge/internal/app"
	"twistbridge/internal/clock"
	"twistbridge/internal/config"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configFile string
		configDir  string
		overrides  config.Overrides
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := config.FromCLI(configFile, configDir, overrides)
			if err != nil {
				return withCode(2, err)
			}

			service, err := app.NewService(source, clock.RealClock{})
			if err != nil {
				if errors.Is(err, app.ErrConfig) {
					return withCode(2, err)
				}
				return withCode(1, fmt.Errorf("service init failed: %w", err))
			}
			if err := service.Run(context.Background()); err != nil {
				return withCode(1, fmt.Errorf("service run failed: %w", err))
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configFile, "config-file", "", "path to one TOML config file")
	flags.StringVar(&configDir, "config-dir", "", "path to directory with TOML config fragments")
	flags.StringVar(&overrides.ServerName, "server-name", "", "public host name used in webhook URLs")
	flags.StringVar(&overrides.BindAddr, "bind-addr", "", "listen address, e.g. 127.0.0.1:9999")
	flags.StringVar(&overrides.DBPath, "db", "", "integration registry SQLite file")
	cmd.MarkFlagsMutuallyExclusive("config-file", "config-dir")
	return cmd
}
