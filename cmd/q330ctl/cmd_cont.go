package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/arloliu/go-q330/config"
	"github.com/arloliu/go-q330/continuity"
	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/opstat"
)

func newContCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cont",
		Short: "Inspect or purge station continuity files",
		Long: "The continuity files of a station are \"<base>t\" (header and channels) and\n" +
			"\"<base>q\" (system record). The argument is the base, or a station name\n" +
			"of the station file.",
	}

	cmd.AddCommand(newContShowCmd(g), newContPurgeCmd(g))

	return cmd
}

func newContShowCmd(g *globalOptions) *cobra.Command {
	var stats bool

	cmd := &cobra.Command{
		Use:   "show <base|station>",
		Short: "Print the checkpoint files of a station",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := continuityBase(g, args[0])
			r := continuity.Inspect(base)
			if errors.Is(r.HeaderErr, continuity.ErrNotFound) && errors.Is(r.SystemErr, continuity.ErrNotFound) {
				return fmt.Errorf("no continuity files for %s", base)
			}
			printReport(cmd.OutOrStdout(), base, r, stats)

			return nil
		},
	}

	cmd.Flags().BoolVar(&stats, "stats", false, "also print the saved operational statistics")

	return cmd
}

func newContPurgeCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <base|station>",
		Short: "Mark the checkpoint files of a station as used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := continuityBase(g, args[0])
			if err := continuity.NewStore(base, logger.GetLogger()).Purge(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", base)

			return nil
		},
	}
}

// continuityBase resolves a station name of the station file to its continuity base.
// Anything else is taken as the base itself.
func continuityBase(g *globalOptions, arg string) string {
	f, err := config.Load(g.configFile)
	if err != nil {
		return arg
	}
	if st, ok := f.Station(arg); ok && st.ContinuityFile != "" {
		return st.ContinuityFile
	}

	return arg
}

func printReport(w io.Writer, base string, r *continuity.Report, stats bool) {
	title := color.New(color.Bold).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	used := color.New(color.FgYellow).SprintFunc()

	kind := func(t continuity.RecordType) string {
		if t == continuity.TypePurged {
			return used("purged")
		}

		return color.GreenString("current")
	}
	ts := func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}

		return t.UTC().Format(time.DateTime)
	}

	fmt.Fprintf(w, "%s %s\n", title("header"), base+"t")
	switch {
	case r.HeaderErr != nil:
		fmt.Fprintf(w, "  %s\n", bad(r.HeaderErr))
	default:
		h := r.Header
		fmt.Fprintf(w, "  record       %s\n", kind(r.HeaderType))
		fmt.Fprintf(w, "  serial       %016X\n", h.Serial)
		fmt.Fprintf(w, "  station      %s-%s\n", h.Network, h.Station)
		fmt.Fprintf(w, "  written      %s\n", ts(h.Written))
		fmt.Fprintf(w, "  last data    %s\n", ts(h.LastData))
		fmt.Fprintf(w, "  last status  %s\n", ts(h.LastStatus))
		fmt.Fprintf(w, "  property tag %d\n", h.PropertyTag)
		fmt.Fprintf(w, "  last reboot  %d\n", h.LastReboot)
		fmt.Fprintf(w, "  zone adjust  %ds (auto %t)\n", h.ZoneAdjust, h.AutoAdjust)
		fmt.Fprintf(w, "  channels     %d\n", len(r.Channels))
		for i := range r.Channels {
			ch := &r.Channels[i]
			fmt.Fprintf(w, "    %-7s src %#02x seq %d records %d\n", ch.Key(), ch.Source, ch.LastDataSequence, ch.RecordsWritten)
		}
		if r.ChannelsErr != nil {
			fmt.Fprintf(w, "    %s\n", bad(r.ChannelsErr))
		}
		if stats && h.Stats != nil {
			printStats(w, h.Stats)
		}
	}

	fmt.Fprintf(w, "%s %s\n", title("system"), base+"q")
	if r.SystemErr != nil {
		fmt.Fprintf(w, "  %s\n", bad(r.SystemErr))
		return
	}
	s := r.System
	fmt.Fprintf(w, "  record       %s\n", kind(r.SystemType))
	fmt.Fprintf(w, "  serial       %016X\n", s.Serial)
	fmt.Fprintf(w, "  last data    %s (quality %d)\n", ts(s.LastData), s.LastQuality)
	fmt.Fprintf(w, "  sequence     %d\n", s.LastSequence)
	fmt.Fprintf(w, "  reboots      %d\n", s.Reboots)
	fmt.Fprintf(w, "  comm events  %#08x\n", s.CommEvents)
}

func printStats(w io.Writer, s *opstat.Stats) {
	sum := s.Summary()
	fmt.Fprintf(w, "  %-16s %8s %8s %8s\n", "statistic", "minute", "hour", "day")
	for i := range sum {
		t := sum[i]
		fmt.Fprintf(w, "  %-16s %8s %8s %8s\n", opstat.AccType(i), entry(t.Minute), entry(t.Hour), entry(t.Day))
	}
}

func entry(v int32) string {
	if v == opstat.InvalidEntry {
		return "-"
	}

	return fmt.Sprint(v)
}
