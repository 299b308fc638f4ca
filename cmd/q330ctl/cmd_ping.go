package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/arloliu/go-q330/config"
	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/session"
)

var errPingTimeout = errors.New("no ping reply")

type pingOptions struct {
	address  string
	serial   string
	authCode string
	basePort int
	timeout  time.Duration
}

func newPingCmd(_ *globalOptions) *cobra.Command {
	opts := &pingOptions{}

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Ping the configuration port of a digitizer without registering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rtt, err := runPing(ctx, opts, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reply from %s: %s\n", opts.address, color.GreenString(rtt.String()))

			return nil
		},
	}

	cmd.Flags().StringVar(&opts.address, "address", "", "digitizer address")
	cmd.Flags().StringVar(&opts.serial, "serial", "", "digitizer serial number (hex)")
	cmd.Flags().StringVar(&opts.authCode, "auth", "0", "authentication code of the configuration port (hex)")
	cmd.Flags().IntVar(&opts.basePort, "base-port", session.DefaultBasePort, "digitizer base port")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall time limit")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("serial")

	return cmd
}

// pingHandler forwards the ping events of a session.
type pingHandler struct {
	session.NopHandler
	events chan session.StateEvent
}

func (h *pingHandler) HandleState(ev session.StateEvent) {
	if ev.Type != session.EventPing {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

// runPing pings the configuration port once and returns the round trip time.
func runPing(ctx context.Context, opts *pingOptions, extra []session.Option) (time.Duration, error) {
	var serial, auth config.Hex64
	if err := serial.UnmarshalText([]byte(opts.serial)); err != nil {
		return 0, fmt.Errorf("--serial: %w", err)
	}
	if err := auth.UnmarshalText([]byte(opts.authCode)); err != nil {
		return 0, fmt.Errorf("--auth: %w", err)
	}

	h := &pingHandler{events: make(chan session.StateEvent, 1)}
	cfg, err := session.NewConfig(uint64(serial), append([]session.Option{
		session.WithAddress(opts.address),
		session.WithBasePort(opts.basePort),
		session.WithAuthCode(uint64(auth)),
		session.WithAutoRegister(false),
		session.WithHandler(h),
		session.WithLogger(logger.With("cmd", "ping")),
	}, extra...)...)
	if err != nil {
		return 0, err
	}
	sess, err := session.New(cfg)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		return 0, err
	}
	defer sess.Close()

	if err := sess.UnregisteredPing(uint16(time.Now().Unix()), []byte("q330ctl")); err != nil { //nolint:gosec // any id will do
		return 0, err
	}

	select {
	case ev := <-h.events:
		if ev.Info == session.PingTimedOut {
			return 0, errPingTimeout
		}

		return time.Duration(ev.Info) * time.Millisecond, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", errPingTimeout, ctx.Err())
	}
}
