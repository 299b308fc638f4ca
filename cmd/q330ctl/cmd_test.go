package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-q330/config"
	"github.com/arloliu/go-q330/continuity"
	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/opstat"
	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/session"
	"github.com/arloliu/go-q330/transport"
)

const testSerial = uint64(0x0100000A1B2C3D4E)

func init() {
	color.NoColor = true
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	t.Cleanup(func() { logger.SetLogger(logger.NewMockLogger().AllowAll()) })

	return out.String(), err
}

func writeCheckpoint(t *testing.T) string {
	t.Helper()

	base := filepath.Join(t.TempDir(), "xx-anmo.")
	store := continuity.NewStore(base, logger.NewMockLogger().AllowAll())
	require.NoError(t, store.Save(&continuity.Checkpoint{
		Serial:      testSerial,
		Network:     "XX",
		Station:     "ANMO",
		LastData:    time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
		PropertyTag: 4242,
		Stats:       opstat.New(),
		Channels: []continuity.Channel{
			{Location: "00", Name: "LOG", Source: continuity.SourceMessage, Valid: true},
			{Location: "00", Name: "BHZ", Source: 0x10, LastDataSequence: 17, Valid: true},
		},
	}))
	require.NoError(t, store.SaveSystem(&continuity.System{Serial: testSerial, LastSequence: 42, Reboots: 3}))

	return base
}

func TestRootCmd_Flags(t *testing.T) {
	cmd := newRootCmd()
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	assert.Equal(t, defaultConfigFile, cmd.PersistentFlags().Lookup("config").DefValue)

	names := make([]string, 0, len(cmd.Commands()))
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"run", "ping", "cont"})

	_, err := execute(t, "--log-level", "loud", "cont", "show", "x")
	assert.ErrorContains(t, err, "unknown level")
}

func TestContShow(t *testing.T) {
	require := require.New(t)
	base := writeCheckpoint(t)

	out, err := execute(t, "cont", "show", "--stats", base)
	require.NoError(err)
	require.Contains(out, "0100000A1B2C3D4E")
	require.Contains(out, "XX-ANMO")
	require.Contains(out, "00.BHZ")
	require.Contains(out, "seq 17")
	require.Contains(out, "sequence     42")
	require.Contains(out, "current")
	require.Contains(out, "comm_efficiency")
	require.NotContains(out, "purged")

	out, err = execute(t, "cont", "purge", base)
	require.NoError(err)
	require.Contains(out, "purged "+base)

	out, err = execute(t, "cont", "show", base)
	require.NoError(err)
	require.Contains(out, "purged")

	_, err = execute(t, "cont", "show", filepath.Join(t.TempDir(), "none."))
	require.ErrorContains(err, "no continuity files")
}

func TestContShow_StationName(t *testing.T) {
	base := writeCheckpoint(t)
	cfgFile := filepath.Join(t.TempDir(), "stations.yaml")
	doc := "stations:\n  - name: XX-ANMO\n    serial: 0100000A1B2C3D4E\n    address: 192.0.2.1\n    continuity_file: " + base + "\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(doc), 0o600))

	out, err := execute(t, "--config", cfgFile, "cont", "show", "XX-ANMO")
	require.NoError(t, err)
	assert.Contains(t, out, base+"t")
}

// echoDevice answers unregistered pings on a loopback port.
func echoDevice(t *testing.T, reply bool) int {
	t.Helper()

	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := c.ReadFromUDP(buf)
			if err != nil {
				return
			}
			p, err := qdp.Decode(buf[:n])
			if err != nil || p.Command != qdp.OpPing || !reply {
				continue
			}
			var ping qdp.Ping
			if qdp.UnmarshalRecord(p, &ping) != nil {
				continue
			}
			ping.Type = qdp.PingEchoReply
			b, err := qdp.EncodeRecord(&ping, 0, p.Sequence)
			if err != nil {
				continue
			}
			_, _ = c.WriteToUDP(b, addr)
		}
	}()

	return c.LocalAddr().(*net.UDPAddr).Port
}

func TestRunPing(t *testing.T) {
	logger.SetLogger(logger.NewMockLogger().AllowAll())

	opts := &pingOptions{
		address:  "127.0.0.1",
		serial:   "0100000A1B2C3D4E",
		authCode: "0",
		basePort: echoDevice(t, true),
		timeout:  5 * time.Second,
	}
	rtt, err := runPing(context.Background(), opts, nil)
	require.NoError(t, err)
	assert.Less(t, rtt, time.Second)
}

func TestRunPing_Timeout(t *testing.T) {
	logger.SetLogger(logger.NewMockLogger().AllowAll())

	opts := &pingOptions{
		address:  "127.0.0.1",
		serial:   "0100000A1B2C3D4E",
		authCode: "0",
		basePort: echoDevice(t, false),
		timeout:  time.Second,
	}
	_, err := runPing(context.Background(), opts, []session.Option{session.WithCloseTimeout(time.Second)})
	require.ErrorIs(t, err, errPingTimeout)

	opts.serial = "xyz"
	_, err = runPing(context.Background(), opts, nil)
	require.ErrorContains(t, err, "--serial")
}

func failingFactory(context.Context, session.LinkConfig, logger.Logger) (transport.Transport, error) {
	return nil, errors.New("no route")
}

func TestRegistry_Apply(t *testing.T) {
	require := require.New(t)
	logger.SetLogger(logger.NewMockLogger().AllowAll())

	reg := newRegistry(newPrinter(io.Discard), session.WithTransportFactory(failingFactory))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parse := func(doc string) *config.File {
		f, err := config.Parse([]byte(doc), ".yaml")
		require.NoError(err)
		return f
	}

	require.NoError(reg.Apply(ctx, parse(`
stations:
  - {name: A, serial: "01", address: 192.0.2.1}
  - {name: B, serial: "02", address: 192.0.2.2}
  - {name: C, serial: "03", address: 192.0.2.3}
`)))
	require.Equal(3, reg.Len())
	a, _ := reg.stations.Load("A")
	b, _ := reg.stations.Load("B")

	// A changes a runtime setting, B its address, C goes away, D is new
	require.NoError(reg.Apply(ctx, parse(`
stations:
  - {name: A, serial: "01", address: 192.0.2.1, verbosity: [retry]}
  - {name: B, serial: "02", address: 192.0.2.9}
  - {name: D, serial: "04", address: 192.0.2.4}
`)))
	require.Equal(3, reg.Len())

	a2, ok := reg.stations.Load("A")
	require.True(ok)
	require.Same(a, a2)
	require.Equal([]string{"retry"}, a2.entry.Verbosity)

	b2, ok := reg.stations.Load("B")
	require.True(ok)
	require.NotSame(b, b2)
	require.Equal(session.StateTerminated, b.sess.State())

	_, ok = reg.stations.Load("C")
	require.False(ok)
	_, ok = reg.stations.Load("D")
	require.True(ok)

	reg.Close()
	require.Zero(reg.Len())
	require.Equal(session.StateTerminated, a.sess.State())

	cancel()
	require.ErrorIs(reg.Apply(ctx, parse("stations: []")), context.Canceled)
}

func TestSameStatic(t *testing.T) {
	a := config.Station{Serial: 1, Address: "192.0.2.1"}
	b := a
	b.Verbosity = []string{"sdump"}
	b.StatusInterval = config.Duration(time.Minute)
	assert.True(t, sameStatic(&a, &b))

	b.DataPort = 2
	assert.False(t, sameStatic(&a, &b))
}

func TestPrinter(t *testing.T) {
	out := &bytes.Buffer{}
	p := newPrinter(out)
	p.now = func() time.Time { return time.Date(2026, time.March, 1, 12, 30, 0, 0, time.UTC) }

	p.state("XX-TEST", session.StateEvent{Prev: session.StateRunWait, State: session.StateRun})
	p.state("XX-TEST", session.StateEvent{Prev: session.StateRun, State: session.StateWait, Reason: session.ReasonDataTimeout})
	p.message("XX-TEST", session.Message{Code: session.MsgCreated})

	s := out.String()
	assert.Contains(t, s, "12:30:00")
	assert.Contains(t, s, "run-wait -> run")
	assert.Contains(t, s, "(data timeout)")
	assert.Contains(t, s, "Station Thread Created")
}
