package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-q330/logger"
)

const defaultConfigFile = "stations.yaml"

// globalOptions holds the persistent flags.
type globalOptions struct {
	logLevel   string
	configFile string
}

// newRootCmd creates the root q330ctl command with all subcommands attached.
func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "q330ctl",
		Short:         "Q330 digitizer host sessions",
		Long:          "q330ctl registers with Q330 digitizers, keeps their data ports running\nand manages the continuity files of the stations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.setupLogger(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.configFile, "config", defaultConfigFile, "station file (.yaml, .yml or .toml)")

	cmd.AddCommand(
		newRunCmd(g),
		newPingCmd(g),
		newContCmd(g),
	)

	return cmd
}

func (g *globalOptions) setupLogger(w io.Writer) error {
	level, err := logger.ParseLevel(g.logLevel)
	if err != nil {
		return err
	}
	logger.SetLogger(logger.NewSlogWriter(w, level, false))

	return nil
}
