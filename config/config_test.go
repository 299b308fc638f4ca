package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/session"
)

const yamlFile = `
log_level: debug
stations:
  - name: XX-TEST
    serial: 0100000A1B2C3D4E
    auth_code: 1234
    address: 192.0.2.10
    data_port: 2
    min_retry: 2s
    max_retry: 30s
    data_timeout: 5m
    status: [global, boom]
    verbosity: [retry, packet]
    continuity_file: /var/lib/q330/xx-test.
    auto_run: false
  - serial: 0x0100000A1B2C3D4F
    dynamic_ip: true
    host_mode: tcp
`

const tomlFile = `
log_level = "warn"

[[stations]]
name = "XX-TEST"
serial = "0100000A1B2C3D4E"
auth_code = "1234"
address = "192.0.2.10"
base_port = 6000
data_port = 3
register_retry = "90s"
hibernate = "1h"
registration_attempts = 4
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_YAML(t *testing.T) {
	require := require.New(t)

	f, err := Load(writeFile(t, "stations.yaml", yamlFile))
	require.NoError(err)
	require.Equal(logger.DebugLevel, f.Level())
	require.Len(f.Stations, 2)

	st := f.Stations[0]
	require.Equal(Hex64(0x0100000A1B2C3D4E), st.Serial)
	require.Equal(Hex64(0x1234), st.AuthCode)
	require.Equal(Duration(5*time.Minute), st.DataTimeout)

	cfg, err := st.NewConfig()
	require.NoError(err)
	require.Equal(uint64(0x0100000A1B2C3D4E), cfg.Serial())
	require.Equal("192.0.2.10", cfg.Address())
	require.Equal(2, cfg.DataPort())
	require.Equal(5*time.Minute, cfg.DataTimeout())
	require.Equal(qdp.StatusGlobal|qdp.StatusBoom, cfg.StatusBitmap())
	require.Equal(session.VerbRetry|session.VerbPacket, cfg.Verbosity())
	require.Equal("/var/lib/q330/xx-test.", cfg.ContinuityFile())
	require.False(cfg.AutoRun())
	minRetry, maxRetry := cfg.CmdRetry()
	require.Equal(2*time.Second, minRetry)
	require.Equal(30*time.Second, maxRetry)

	// unnamed stations are labeled by serial number
	require.Equal("0100000A1B2C3D4F", f.Stations[1].Label())
	cfg, err = f.Stations[1].NewConfig()
	require.NoError(err)
	require.True(cfg.DynamicIP())
	require.Equal(session.HostTCP, cfg.HostMode())
	require.True(cfg.AutoRun())

	_, ok := f.Station("XX-TEST")
	require.True(ok)
	_, ok = f.Station("YY-NONE")
	require.False(ok)
}

func TestLoad_TOML(t *testing.T) {
	require := require.New(t)

	f, err := Load(writeFile(t, "stations.toml", tomlFile))
	require.NoError(err)
	require.Equal(logger.WarnLevel, f.Level())
	require.Len(f.Stations, 1)

	cfg, err := f.Stations[0].NewConfig(session.WithStationName("override"))
	require.NoError(err)
	require.Equal(6006, cfg.ControlPort())
	require.Equal(90*time.Second, cfg.RegisterRetry())
	hib, attempts := cfg.Hibernate()
	require.Equal(time.Hour, hib)
	require.Equal(4, attempts)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "stations.json", "{}"))
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = Load(writeFile(t, "stations.yaml", "stations: [1, 2"))
	require.ErrorIs(t, err, ErrFormat)

	_, err = Load(writeFile(t, "stations.yaml", "log_level: loud\n"))
	require.ErrorIs(t, err, ErrFormat)
}

func TestStation_Validation(t *testing.T) {
	tests := []struct {
		desc string
		yaml string
	}{
		{desc: "no serial", yaml: "address: 192.0.2.1"},
		{desc: "no address", yaml: "serial: 01"},
		{desc: "bad serial", yaml: "serial: zz\naddress: 192.0.2.1"},
		{desc: "bad duration", yaml: "serial: 01\naddress: 192.0.2.1\ndata_timeout: soon"},
		{desc: "data port", yaml: "serial: 01\naddress: 192.0.2.1\ndata_port: 9"},
		{desc: "retry order", yaml: "serial: 01\naddress: 192.0.2.1\nmin_retry: 20s\nmax_retry: 10s"},
		{desc: "host mode", yaml: "serial: 01\naddress: 192.0.2.1\nhost_mode: ipx"},
		{desc: "verbosity", yaml: "serial: 01\naddress: 192.0.2.1\nverbosity: [chatty]"},
		{desc: "status", yaml: "serial: 01\naddress: 192.0.2.1\nstatus: [thermal]"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			doc := "stations:\n  - " + indent(tt.yaml)
			_, err := Parse([]byte(doc), ".yaml")
			require.Error(t, err)
		})
	}
}

func TestFile_DuplicateStation(t *testing.T) {
	doc := `
stations:
  - {name: A, serial: "01", address: 192.0.2.1}
  - {name: A, serial: "02", address: 192.0.2.2}
`
	_, err := Parse([]byte(doc), ".yml")
	require.ErrorIs(t, err, ErrStation)
}

func TestStation_RuntimeOptions(t *testing.T) {
	require := require.New(t)

	st := Station{Serial: 1, Address: "192.0.2.1", Verbosity: []string{"sdump"}, StatusInterval: Duration(30 * time.Second)}
	cfg, err := st.NewConfig()
	require.NoError(err)

	st.Verbosity = []string{"regmsg", "auxmsg"}
	opts, err := st.RuntimeOptions()
	require.NoError(err)
	require.NoError(cfg.Update(opts...))
	require.Equal(session.VerbRegMsg|session.VerbAuxMsg, cfg.Verbosity())
	require.Equal(30*time.Second, cfg.StatusInterval())
}

func TestTextValues(t *testing.T) {
	assert := assert.New(t)

	b, err := Duration(90 * time.Second).MarshalText()
	assert.NoError(err)
	assert.Equal("1m30s", string(b))

	b, err = Hex64(0xABC).MarshalText()
	assert.NoError(err)
	assert.Equal("0000000000000ABC", string(b))

	var h Hex64
	assert.NoError(h.UnmarshalText([]byte("0XFF")))
	assert.Equal(Hex64(0xFF), h)
}

func TestWatch(t *testing.T) {
	require := require.New(t)
	logger.SetLogger(logger.NewMockLogger().AllowAll())

	path := writeFile(t, "stations.yaml", yamlFile)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	files := make(chan *File, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(f *File) { files <- f })
	}()

	// give the watcher time to register the directory
	time.Sleep(200 * time.Millisecond)
	require.NoError(os.WriteFile(path, []byte(tomlLikeYAML), 0o600))

	select {
	case f := <-files:
		require.Len(f.Stations, 1)
		require.Equal("YY-NEW", f.Stations[0].Name)
	case <-time.After(5 * time.Second):
		require.Fail("no reload")
	}

	// invalid content is skipped
	require.NoError(os.WriteFile(path, []byte("log_level: loud\n"), 0o600))
	select {
	case <-files:
		require.Fail("invalid file delivered")
	case <-time.After(500 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(5 * time.Second):
		require.Fail("watch did not stop")
	}
}

const tomlLikeYAML = `
stations:
  - name: YY-NEW
    serial: "02"
    address: 192.0.2.20
`

func indent(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		out = append(out, s[i])
		if s[i] == '\n' {
			out = append(out, "    "...)
		}
	}

	return string(out)
}
