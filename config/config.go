// Package config loads station files for q330ctl and embedding programs.
//
// A station file lists the digitizers to serve and the global log level. It is written in
// YAML (".yaml", ".yml") or TOML (".toml"), selected by the file extension:
//
//	log_level: info
//	stations:
//	  - name: XX-TEST
//	    serial: 0100000A1B2C3D4E
//	    auth_code: "0"
//	    address: 192.0.2.10
//	    data_port: 1
//	    data_timeout: 10m
//	    verbosity: [sdump, retry]
//
// Durations use time.ParseDuration syntax; serial numbers and auth codes are hexadecimal.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-q330/cmdq"
	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/session"
)

var (
	// ErrFormat is returned for files that cannot be decoded.
	ErrFormat = errors.New("config: invalid file")
	// ErrUnsupported is returned for unknown file extensions.
	ErrUnsupported = errors.New("config: unsupported file type")
	// ErrStation is returned for invalid station entries.
	ErrStation = errors.New("config: invalid station")
)

// File is a decoded station file.
type File struct {
	LogLevel string    `yaml:"log_level" toml:"log_level"`
	Stations []Station `yaml:"stations" toml:"stations"`
}

// Station is one digitizer data port to serve. Zero fields keep the session defaults.
type Station struct {
	Name     string `yaml:"name" toml:"name"`
	Serial   Hex64  `yaml:"serial" toml:"serial"`
	AuthCode Hex64  `yaml:"auth_code" toml:"auth_code"`

	Address       string `yaml:"address" toml:"address"`
	BasePort      int    `yaml:"base_port" toml:"base_port"`
	DataPort      int    `yaml:"data_port" toml:"data_port"`
	HostMode      string `yaml:"host_mode" toml:"host_mode"`
	HostCtrlPort  int    `yaml:"host_ctrl_port" toml:"host_ctrl_port"`
	HostDataPort  int    `yaml:"host_data_port" toml:"host_data_port"`
	SerialDevice  string `yaml:"serial_device" toml:"serial_device"`
	SerialBaud    int    `yaml:"serial_baud" toml:"serial_baud"`
	SerialHostIP  string `yaml:"serial_host_ip" toml:"serial_host_ip"`
	BalerAnnounce bool   `yaml:"baler_announce" toml:"baler_announce"`
	DynamicIP     bool   `yaml:"dynamic_ip" toml:"dynamic_ip"`

	MinRetry   Duration `yaml:"min_retry" toml:"min_retry"`
	MaxRetry   Duration `yaml:"max_retry" toml:"max_retry"`
	MaxRetries int      `yaml:"max_retries" toml:"max_retries"`

	DataTimeout          Duration `yaml:"data_timeout" toml:"data_timeout"`
	DataTimeoutRetry     Duration `yaml:"data_timeout_retry" toml:"data_timeout_retry"`
	StatusTimeout        Duration `yaml:"status_timeout" toml:"status_timeout"`
	StatusTimeoutRetry   Duration `yaml:"status_timeout_retry" toml:"status_timeout_retry"`
	StatusInterval       Duration `yaml:"status_interval" toml:"status_interval"`
	Status               []string `yaml:"status" toml:"status"`
	RegisterTimeout      Duration `yaml:"register_timeout" toml:"register_timeout"`
	RegisterRetry        Duration `yaml:"register_retry" toml:"register_retry"`
	NotRegisteredWait    Duration `yaml:"not_registered_wait" toml:"not_registered_wait"`
	NetFailWait          Duration `yaml:"net_fail_wait" toml:"net_fail_wait"`
	RegistrationAttempts int      `yaml:"registration_attempts" toml:"registration_attempts"`
	Hibernate            Duration `yaml:"hibernate" toml:"hibernate"`
	ConnectionTime       Duration `yaml:"connection_time" toml:"connection_time"`
	ConnectionWait       Duration `yaml:"connection_wait" toml:"connection_wait"`

	ContinuityFile string   `yaml:"continuity_file" toml:"continuity_file"`
	HostSoftware   string   `yaml:"host_software" toml:"host_software"`
	Verbosity      []string `yaml:"verbosity" toml:"verbosity"`
	Base96         bool     `yaml:"base96" toml:"base96"`
	AutoRun        *bool    `yaml:"auto_run" toml:"auto_run"`
	AutoRegister   *bool    `yaml:"auto_register" toml:"auto_register"`
}

// Duration is a time.Duration written as a string such as "90s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)

	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Hex64 is a 64-bit value written in hexadecimal, with or without a 0x prefix.
type Hex64 uint64

func (h *Hex64) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("hex value %q: %w", string(b), err)
	}
	*h = Hex64(v)

	return nil
}

func (h Hex64) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%016X", uint64(h))), nil
}

var verbosityNames = map[string]session.Verbosity{
	"sdump":    session.VerbSDump,
	"retry":    session.VerbRetry,
	"regmsg":   session.VerbRegMsg,
	"logextra": session.VerbLogExtra,
	"auxmsg":   session.VerbAuxMsg,
	"packet":   session.VerbPacket,
}

var statusNames = map[string]qdp.StatusBits{
	"global":   qdp.StatusGlobal,
	"gps":      qdp.StatusGPS,
	"boom":     qdp.StatusBoom,
	"dataport": qdp.StatusDataPort,
}

// ParseVerbosity combines verbosity flag names.
func ParseVerbosity(names []string) (session.Verbosity, error) {
	var v session.Verbosity
	for _, n := range names {
		bit, ok := verbosityNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("%w: unknown verbosity %q", ErrStation, n)
		}
		v |= bit
	}

	return v, nil
}

// ParseStatus combines status block names.
func ParseStatus(names []string) (qdp.StatusBits, error) {
	var bits qdp.StatusBits
	for _, n := range names {
		bit, ok := statusNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("%w: unknown status block %q", ErrStation, n)
		}
		bits |= bit
	}

	return bits, nil
}

// Load reads and validates the station file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	f, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}

	return f, nil
}

// Parse decodes a station file of the type given by its extension and validates it.
func Parse(data []byte, ext string) (*File, error) {
	f := &File{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return f, nil
}

// Validate checks the log level and every station.
func (f *File) Validate() error {
	if f.LogLevel != "" {
		if _, err := logger.ParseLevel(f.LogLevel); err != nil {
			return fmt.Errorf("%w: %w", ErrFormat, err)
		}
	}

	names := make(map[string]bool, len(f.Stations))
	for i := range f.Stations {
		st := &f.Stations[i]
		if _, err := st.Options(); err != nil {
			return fmt.Errorf("station[%d]: %w", i, err)
		}
		name := st.Label()
		if names[name] {
			return fmt.Errorf("%w: duplicate station %s", ErrStation, name)
		}
		names[name] = true
	}

	return nil
}

// Level returns the configured log level, info when unset.
func (f *File) Level() logger.LogLevel {
	level, err := logger.ParseLevel(f.LogLevel)
	if err != nil {
		return logger.InfoLevel
	}

	return level
}

// Station returns the station with the given label.
func (f *File) Station(label string) (*Station, bool) {
	for i := range f.Stations {
		if f.Stations[i].Label() == label {
			return &f.Stations[i], true
		}
	}

	return nil, false
}

// Label returns the station name, or the serial number when it has none.
func (st *Station) Label() string {
	if st.Name != "" {
		return st.Name
	}

	return fmt.Sprintf("%016X", uint64(st.Serial))
}

// NewConfig builds the session configuration of the station. extra options are applied
// last, typically the logger and the handler of the embedding program.
func (st *Station) NewConfig(extra ...session.Option) (*session.Config, error) {
	opts, err := st.Options()
	if err != nil {
		return nil, err
	}

	return session.NewConfig(uint64(st.Serial), append(opts, extra...)...)
}

// Options converts the station to session options.
func (st *Station) Options() ([]session.Option, error) {
	if st.Serial == 0 {
		return nil, fmt.Errorf("%w: serial number not set", ErrStation)
	}
	if st.Address == "" && !st.DynamicIP {
		return nil, fmt.Errorf("%w: %s has no address", ErrStation, st.Label())
	}

	opts := []session.Option{
		session.WithAuthCode(uint64(st.AuthCode)),
		session.WithStationName(st.Label()),
		session.WithBalerAnnounce(st.BalerAnnounce),
		session.WithDynamicIP(st.DynamicIP),
		session.WithBase96(st.Base96),
	}
	add := func(cond bool, opt session.Option) {
		if cond {
			opts = append(opts, opt)
		}
	}

	if st.HostMode != "" {
		mode, err := session.ParseHostMode(st.HostMode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithHostMode(mode))
	}
	verb, err := ParseVerbosity(st.Verbosity)
	if err != nil {
		return nil, err
	}
	status, err := ParseStatus(st.Status)
	if err != nil {
		return nil, err
	}

	add(st.Address != "", session.WithAddress(st.Address))
	add(st.BasePort != 0, session.WithBasePort(st.BasePort))
	add(st.DataPort != 0, session.WithDataPort(st.DataPort))
	add(st.HostCtrlPort != 0 || st.HostDataPort != 0, session.WithHostPorts(st.HostCtrlPort, st.HostDataPort))
	add(st.SerialDevice != "", session.WithSerialDevice(st.SerialDevice))
	add(st.SerialBaud != 0, session.WithSerialBaud(st.SerialBaud))
	add(st.SerialHostIP != "", session.WithSerialHostIP(st.SerialHostIP))
	add(st.MinRetry != 0 || st.MaxRetry != 0, session.WithCmdRetry(retryBounds(st.MinRetry, st.MaxRetry)))
	add(st.MaxRetries != 0, session.WithMaxRetries(st.MaxRetries))
	add(st.DataTimeout != 0, session.WithDataTimeout(time.Duration(st.DataTimeout)))
	add(st.DataTimeoutRetry != 0, session.WithDataTimeoutRetry(time.Duration(st.DataTimeoutRetry)))
	add(st.StatusTimeout != 0, session.WithStatusTimeout(time.Duration(st.StatusTimeout)))
	add(st.StatusTimeoutRetry != 0, session.WithStatusTimeoutRetry(time.Duration(st.StatusTimeoutRetry)))
	add(st.StatusInterval != 0, session.WithStatusInterval(time.Duration(st.StatusInterval)))
	add(status != 0, session.WithStatusBitmap(status))
	add(st.RegisterTimeout != 0, session.WithRegisterTimeout(time.Duration(st.RegisterTimeout)))
	add(st.RegisterRetry != 0, session.WithRegisterRetry(time.Duration(st.RegisterRetry)))
	add(st.NotRegisteredWait != 0, session.WithNotRegisteredWait(time.Duration(st.NotRegisteredWait)))
	add(st.NetFailWait != 0, session.WithNetFailWait(time.Duration(st.NetFailWait)))
	add(st.RegistrationAttempts != 0, session.WithRegistrationAttempts(st.RegistrationAttempts))
	add(st.Hibernate != 0, session.WithHibernate(time.Duration(st.Hibernate)))
	add(st.ConnectionTime != 0, session.WithConnectionTime(time.Duration(st.ConnectionTime)))
	add(st.ConnectionWait != 0, session.WithConnectionWait(time.Duration(st.ConnectionWait)))
	add(st.ContinuityFile != "", session.WithContinuityFile(st.ContinuityFile))
	add(st.HostSoftware != "", session.WithHostSoftware(st.HostSoftware))
	add(verb != 0, session.WithVerbosity(verb))
	add(st.AutoRun != nil, session.WithAutoRun(st.AutoRun != nil && *st.AutoRun))
	add(st.AutoRegister != nil, session.WithAutoRegister(st.AutoRegister != nil && *st.AutoRegister))

	// validate the ranges now so a bad file is rejected at load time
	if _, err := session.NewConfig(uint64(st.Serial), opts...); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStation, st.Label(), err)
	}

	return opts, nil
}

// RuntimeOptions returns the options of the station that a running session can apply
// after the file changed.
func (st *Station) RuntimeOptions() ([]session.Option, error) {
	verb, err := ParseVerbosity(st.Verbosity)
	if err != nil {
		return nil, err
	}
	interval := time.Duration(st.StatusInterval)
	if interval == 0 {
		interval = session.DefaultStatusInterval
	}

	return []session.Option{session.WithVerbosity(verb), session.WithStatusInterval(interval)}, nil
}

func retryBounds(lo, hi Duration) (time.Duration, time.Duration) {
	minRetry, maxRetry := time.Duration(lo), time.Duration(hi)
	if minRetry == 0 {
		minRetry = min(cmdq.DefaultMinRetry, maxRetry)
	}
	if maxRetry == 0 {
		maxRetry = max(minRetry, cmdq.DefaultMaxRetry)
	}

	return minRetry, maxRetry
}
