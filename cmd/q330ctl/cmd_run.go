package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-q330/config"
	"github.com/arloliu/go-q330/logger"
)

func newRunCmd(g *globalOptions) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a session for every station of the station file",
		Long: "Run registers with every station of the station file and keeps the data ports\n" +
			"running until SIGINT or SIGTERM. Changes to the station file are applied live.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runStations(ctx, cmd, g, !noWatch)
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not apply changes of the station file")

	return cmd
}

func runStations(ctx context.Context, cmd *cobra.Command, g *globalOptions, watch bool) error {
	f, err := config.Load(g.configFile)
	if err != nil {
		return err
	}
	if len(f.Stations) == 0 {
		return fmt.Errorf("no stations in %s", g.configFile)
	}
	levelFromFile := !cmd.Flags().Changed("log-level")
	if levelFromFile {
		logger.SetLevel(f.Level())
	}

	reg := newRegistry(newPrinter(cmd.OutOrStdout()))
	defer reg.Close()

	if err := reg.Apply(ctx, f); err != nil {
		return err
	}
	logger.Info("stations started", "count", reg.Len(), "file", g.configFile)

	if watch {
		go func() {
			err := config.Watch(ctx, g.configFile, func(f *config.File) {
				if levelFromFile {
					logger.SetLevel(f.Level())
				}
				if err := reg.Apply(ctx, f); err != nil {
					logger.Error("applying station file failed", "error", err)
				}
			})
			if err != nil {
				logger.Error("station file watch stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down", "stations", reg.Len())

	return nil
}
