package session

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-q330/cmdq"
	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/transport"
)

// HostMode selects the link used to reach the device.
type HostMode uint8

const (
	HostUDP HostMode = iota
	HostTCP
	HostSerial
)

func (m HostMode) String() string {
	switch m {
	case HostUDP:
		return "udp"
	case HostTCP:
		return "tcp"
	case HostSerial:
		return "serial"
	default:
		return fmt.Sprintf("hostmode(%d)", uint8(m))
	}
}

// ParseHostMode converts "udp", "tcp" or "serial".
func ParseHostMode(s string) (HostMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "udp", "":
		return HostUDP, nil
	case "tcp":
		return HostTCP, nil
	case "serial":
		return HostSerial, nil
	default:
		return HostUDP, fmt.Errorf("%w: unknown host mode %q", ErrInvalidConfig, s)
	}
}

// Verbosity selects optional messages of a session.
type Verbosity uint32

const (
	// VerbSDump logs the station information after the tokens were decoded.
	VerbSDump Verbosity = 1 << iota
	// VerbRetry logs every command retry.
	VerbRetry
	// VerbRegMsg pings the device and sends a pending user message around registration.
	VerbRegMsg
	// VerbLogExtra logs additional status information.
	VerbLogExtra
	// VerbAuxMsg logs auxiliary server messages.
	VerbAuxMsg
	// VerbPacket logs every packet sent and received.
	VerbPacket
)

// Defaults and limits of the session options.
const (
	DefaultBasePort = 5330
	MinDataPort     = 1
	MaxDataPort     = 4

	MinCmdRetry = 1 * time.Second
	MaxCmdRetry = 60 * time.Second

	DefaultDataTimeout        = 10 * time.Minute
	DefaultDataTimeoutRetry   = 10 * time.Minute
	DefaultStatusTimeout      = 10 * time.Minute
	DefaultStatusTimeoutRetry = 10 * time.Minute
	DefaultStatusInterval     = 10 * time.Second
	DefaultRegisterTimeout    = 180 * time.Second
	DefaultRegisterRetry      = 120 * time.Second
	DefaultNotRegisteredWait  = 10 * time.Minute
	DefaultNetFailWait        = 10 * time.Minute
	DefaultConnectionWait     = 10 * time.Minute
	DefaultTickInterval       = 100 * time.Millisecond
	DefaultDialTimeout        = 10 * time.Second
	DefaultCloseTimeout       = 30 * time.Second
	DefaultHostSoftware       = "go-q330"

	// DefaultStatusBitmap is requested by the periodic status poll.
	DefaultStatusBitmap = qdp.StatusGlobal | qdp.StatusGPS | qdp.StatusBoom | qdp.StatusDataPort
)

// Config holds the settings of one session. Create it with NewConfig.
type Config struct {
	mu sync.RWMutex

	// serial is the digitizer serial number.
	serial uint64
	// authCode is the registration secret of the data port.
	authCode uint64

	address       string
	basePort      int
	dataPort      int
	hostMode      HostMode
	hostCtrlPort  int
	hostDataPort  int
	dialTimeout   time.Duration
	serialDevice  string
	serialBaud    int
	serialHostIP  netip.Addr
	balerAnnounce bool
	dynamicIP     bool

	minRetry          time.Duration
	maxRetry          time.Duration
	defaultCmdTimeout time.Duration
	maxRetries        int

	dataTimeout        time.Duration
	dataTimeoutRetry   time.Duration
	statusTimeout      time.Duration
	statusTimeoutRetry time.Duration
	statusInterval     time.Duration
	statusBitmap       qdp.StatusBits

	registerTimeout   time.Duration
	registerRetry     time.Duration
	notRegisteredWait time.Duration
	netFailWait       time.Duration
	regAttempts       int
	hibernate         time.Duration
	connectionTime    time.Duration
	connectionWait    time.Duration

	continuityFile string
	stationName    string
	hostSoftware   string
	verbosity      Verbosity
	base96         bool
	autoRun        bool
	autoRegister   bool

	tickInterval time.Duration
	closeTimeout time.Duration

	logger  logger.Logger
	handler Handler
	factory TransportFactory
	clock   func() time.Time
}

// NewConfig creates the configuration of the session for the digitizer with the given
// serial number, applying opts over the defaults.
func NewConfig(serial uint64, opts ...Option) (*Config, error) {
	cfg := &Config{
		serial:             serial,
		basePort:           DefaultBasePort,
		dataPort:           MinDataPort,
		hostMode:           HostUDP,
		dialTimeout:        DefaultDialTimeout,
		serialBaud:         transport.DefaultBaud,
		minRetry:           cmdq.DefaultMinRetry,
		maxRetry:           cmdq.DefaultMaxRetry,
		maxRetries:         cmdq.DefaultMaxRetries,
		dataTimeout:        DefaultDataTimeout,
		dataTimeoutRetry:   DefaultDataTimeoutRetry,
		statusTimeout:      DefaultStatusTimeout,
		statusTimeoutRetry: DefaultStatusTimeoutRetry,
		statusInterval:     DefaultStatusInterval,
		statusBitmap:       DefaultStatusBitmap,
		registerTimeout:    DefaultRegisterTimeout,
		registerRetry:      DefaultRegisterRetry,
		notRegisteredWait:  DefaultNotRegisteredWait,
		netFailWait:        DefaultNetFailWait,
		connectionWait:     DefaultConnectionWait,
		hostSoftware:       DefaultHostSoftware,
		autoRun:            true,
		autoRegister:       true,
		tickInterval:       DefaultTickInterval,
		closeTimeout:       DefaultCloseTimeout,
		logger:             logger.GetLogger(),
		handler:            NopHandler{},
		factory:            DefaultTransportFactory,
		clock:              time.Now,
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.serial == 0 {
		return cfg, fmt.Errorf("%w: serial number not set", ErrInvalidConfig)
	}

	if cfg.hostMode == HostSerial && cfg.serialDevice == "" {
		return cfg, fmt.Errorf("%w: serial host mode needs a device", ErrInvalidConfig)
	}
	if cfg.address == "" && !cfg.dynamicIP {
		return cfg, fmt.Errorf("%w: device address not set", ErrInvalidConfig)
	}

	return cfg, nil
}

func (cfg *Config) Serial() uint64 {
	return cfg.serial
}

func (cfg *Config) AuthCode() uint64 {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.authCode
}

func (cfg *Config) Address() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.address
}

func (cfg *Config) BasePort() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.basePort
}

// DataPort returns the data port number, 1 to 4.
func (cfg *Config) DataPort() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.dataPort
}

// ControlPort returns the device UDP port of the data port's control channel. The data
// channel uses the next port.
func (cfg *Config) ControlPort() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.basePort + 2*cfg.dataPort
}

func (cfg *Config) HostMode() HostMode {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.hostMode
}

func (cfg *Config) SerialBaud() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.serialBaud
}

func (cfg *Config) CmdRetry() (time.Duration, time.Duration) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.minRetry, cfg.maxRetry
}

func (cfg *Config) MaxRetries() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxRetries
}

func (cfg *Config) DataTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.dataTimeout
}

func (cfg *Config) DataTimeoutRetry() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.dataTimeoutRetry
}

func (cfg *Config) StatusTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.statusTimeout
}

func (cfg *Config) StatusTimeoutRetry() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.statusTimeoutRetry
}

func (cfg *Config) StatusInterval() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.statusInterval
}

func (cfg *Config) StatusBitmap() qdp.StatusBits {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.statusBitmap
}

func (cfg *Config) RegisterTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.registerTimeout
}

func (cfg *Config) RegisterRetry() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.registerRetry
}

func (cfg *Config) NotRegisteredWait() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.notRegisteredWait
}

func (cfg *Config) NetFailWait() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.netFailWait
}

// Hibernate returns the wait after RegistrationAttempts failed registrations.
func (cfg *Config) Hibernate() (time.Duration, int) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.hibernate, cfg.regAttempts
}

// ConnectionTime returns the connection time limit and the wait after reaching it. A
// zero limit disables it.
func (cfg *Config) ConnectionTime() (time.Duration, time.Duration) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.connectionTime, cfg.connectionWait
}

func (cfg *Config) ContinuityFile() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.continuityFile
}

func (cfg *Config) StationName() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.stationName
}

func (cfg *Config) HostSoftware() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.hostSoftware
}

func (cfg *Config) Verbosity() Verbosity {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.verbosity
}

func (cfg *Config) Base96() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.base96
}

func (cfg *Config) AutoRun() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.autoRun
}

func (cfg *Config) AutoRegister() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.autoRegister
}

func (cfg *Config) BalerAnnounce() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.balerAnnounce
}

func (cfg *Config) DynamicIP() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.dynamicIP
}

func (cfg *Config) TickInterval() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.tickInterval
}

func (cfg *Config) CloseTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.closeTimeout
}

func (cfg *Config) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

// queueConfig returns the command queue settings.
func (cfg *Config) queueConfig() cmdq.Config {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	qc := cmdq.Config{
		MinRetry:       cfg.minRetry,
		MaxRetry:       cfg.maxRetry,
		DefaultTimeout: cfg.defaultCmdTimeout,
		MaxRetries:     cfg.maxRetries,
	}
	if cfg.hostMode == HostSerial {
		qc.SerialBaud = cfg.serialBaud
	}

	return qc
}

// linkConfig returns the link settings of the next registration.
func (cfg *Config) linkConfig(unregistered bool) LinkConfig {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	ctrl := cfg.basePort + 2*cfg.dataPort
	if unregistered {
		// unregistered pings use the configuration port
		ctrl = cfg.basePort
	}

	return LinkConfig{
		Mode:            cfg.hostMode,
		Address:         cfg.address,
		ControlPort:     ctrl,
		DataPort:        ctrl + 1,
		HostControlPort: cfg.hostCtrlPort,
		HostDataPort:    cfg.hostDataPort,
		SerialDevice:    cfg.serialDevice,
		Baud:            cfg.serialBaud,
		HostIP:          cfg.serialHostIP,
		DialTimeout:     cfg.dialTimeout,
		Unregistered:    unregistered,
	}
}

// Option represents a functional option of a session Config.
type Option interface {
	apply(*Config) error
}

type optFunc struct {
	name      string
	runtime   bool
	applyFunc func(*Config) error
}

func (o *optFunc) apply(cfg *Config) error { return o.applyFunc(cfg) }

func newOptFunc(name string, runtime bool, f func(*Config) error) *optFunc {
	return &optFunc{
		name:      name,
		runtime:   runtime,
		applyFunc: f,
	}
}

func durationInRange(name string, val, lo, hi time.Duration) error {
	if val < lo || val > hi {
		return fmt.Errorf("%w: %s %v out of range [%v, %v]", ErrInvalidConfig, name, val, lo, hi)
	}

	return nil
}

// WithSerial replaces the serial number given to NewConfig.
//
// This option can't be changed at runtime.
func WithSerial(serial uint64) Option {
	return newOptFunc("WithSerial", false, func(cfg *Config) error {
		if serial == 0 {
			return fmt.Errorf("%w: zero serial number", ErrInvalidConfig)
		}
		cfg.serial = serial

		return nil
	})
}

// WithAuthCode sets the registration secret of the data port.
//
// The default value is 0.
//
// This option can't be changed at runtime.
func WithAuthCode(code uint64) Option {
	return newOptFunc("WithAuthCode", false, func(cfg *Config) error {
		cfg.authCode = code
		return nil
	})
}

// WithAddress sets the host name or IP address of the device. For the serial host mode
// it is the IPv4 address of the device's serial interface.
//
// This option can't be changed at runtime; use Session.PointOfContact for dynamic
// addresses.
func WithAddress(addr string) Option {
	return newOptFunc("WithAddress", false, func(cfg *Config) error {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return fmt.Errorf("%w: empty address", ErrInvalidConfig)
		}
		cfg.address = addr

		return nil
	})
}

// WithBasePort sets the base UDP port of the device.
//
// The default value is 5330.
//
// This option can't be changed at runtime.
func WithBasePort(port int) Option {
	return newOptFunc("WithBasePort", false, func(cfg *Config) error {
		if port <= 0 || port > 0xFFFF-2*MaxDataPort-1 {
			return fmt.Errorf("%w: base port %d out of range", ErrInvalidConfig, port)
		}
		cfg.basePort = port

		return nil
	})
}

// WithDataPort sets the data port to register on, 1 to 4.
//
// The default value is 1.
//
// This option can't be changed at runtime.
func WithDataPort(dp int) Option {
	return newOptFunc("WithDataPort", false, func(cfg *Config) error {
		if dp < MinDataPort || dp > MaxDataPort {
			return fmt.Errorf("%w: data port %d out of range [%d, %d]", ErrInvalidConfig, dp, MinDataPort, MaxDataPort)
		}
		cfg.dataPort = dp

		return nil
	})
}

// WithHostMode selects the link type.
//
// The default value is HostUDP.
//
// This option can't be changed at runtime.
func WithHostMode(mode HostMode) Option {
	return newOptFunc("WithHostMode", false, func(cfg *Config) error {
		if mode > HostSerial {
			return fmt.Errorf("%w: host mode %d", ErrInvalidConfig, mode)
		}
		cfg.hostMode = mode

		return nil
	})
}

// WithSerialDevice sets the serial device of the serial host mode, e.g. /dev/ttyS0.
//
// This option can't be changed at runtime.
func WithSerialDevice(device string) Option {
	return newOptFunc("WithSerialDevice", false, func(cfg *Config) error {
		cfg.serialDevice = device
		return nil
	})
}

// WithSerialBaud sets the line speed of the serial host mode.
//
// The default value is 19200.
//
// This option can't be changed at runtime.
func WithSerialBaud(baud int) Option {
	return newOptFunc("WithSerialBaud", false, func(cfg *Config) error {
		if baud < 1200 || baud > 115200 {
			return fmt.Errorf("%w: baud %d out of range [1200, 115200]", ErrInvalidConfig, baud)
		}
		cfg.serialBaud = baud

		return nil
	})
}

// WithSerialHostIP sets the IPv4 address of the host on the SLIP link.
//
// This option can't be changed at runtime.
func WithSerialHostIP(ip string) Option {
	return newOptFunc("WithSerialHostIP", false, func(cfg *Config) error {
		addr, err := netip.ParseAddr(ip)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("%w: serial host ip %q", ErrInvalidConfig, ip)
		}
		cfg.serialHostIP = addr

		return nil
	})
}

// WithHostPorts binds the host side of the control and data channels. Zero picks an
// ephemeral port (UDP) or the default offset (serial).
//
// This option can't be changed at runtime.
func WithHostPorts(ctrl, data int) Option {
	return newOptFunc("WithHostPorts", false, func(cfg *Config) error {
		if ctrl < 0 || ctrl > 0xFFFF || data < 0 || data > 0xFFFF {
			return fmt.Errorf("%w: host ports %d/%d out of range", ErrInvalidConfig, ctrl, data)
		}
		cfg.hostCtrlPort = ctrl
		cfg.hostDataPort = data

		return nil
	})
}

// WithDialTimeout bounds the TCP connection attempt.
//
// The default value is 10 seconds.
//
// This option can't be changed at runtime.
func WithDialTimeout(d time.Duration) Option {
	return newOptFunc("WithDialTimeout", false, func(cfg *Config) error {
		if err := durationInRange("dial timeout", d, time.Second, 5*time.Minute); err != nil {
			return err
		}
		cfg.dialTimeout = d

		return nil
	})
}

// WithBalerAnnounce makes the session wait for the baler ready announcement of the device
// before registering, and back off instead of deregistering.
//
// This option can't be changed at runtime.
func WithBalerAnnounce(enabled bool) Option {
	return newOptFunc("WithBalerAnnounce", false, func(cfg *Config) error {
		cfg.balerAnnounce = enabled
		return nil
	})
}

// WithDynamicIP lets the session start without an address and wait for
// Session.PointOfContact.
//
// This option can't be changed at runtime.
func WithDynamicIP(enabled bool) Option {
	return newOptFunc("WithDynamicIP", false, func(cfg *Config) error {
		cfg.dynamicIP = enabled
		return nil
	})
}

// WithCmdRetry sets the bounds of the adaptive command timeout. Both lie in [1s, 60s]
// and min must not exceed max.
//
// The default values are 5 and 40 seconds.
//
// This option can't be changed at runtime.
func WithCmdRetry(minRetry, maxRetry time.Duration) Option {
	return newOptFunc("WithCmdRetry", false, func(cfg *Config) error {
		if err := durationInRange("min retry", minRetry, MinCmdRetry, MaxCmdRetry); err != nil {
			return err
		}
		if err := durationInRange("max retry", maxRetry, MinCmdRetry, MaxCmdRetry); err != nil {
			return err
		}
		if minRetry > maxRetry {
			return fmt.Errorf("%w: min retry %v exceeds max retry %v", ErrInvalidConfig, minRetry, maxRetry)
		}
		cfg.minRetry = minRetry
		cfg.maxRetry = maxRetry

		return nil
	})
}

// WithDefaultCmdTimeout sets the command timeout used before enough throughput samples
// exist.
//
// The default value is the mean of the retry bounds.
//
// This option can't be changed at runtime.
func WithDefaultCmdTimeout(d time.Duration) Option {
	return newOptFunc("WithDefaultCmdTimeout", false, func(cfg *Config) error {
		if err := durationInRange("default command timeout", d, MinCmdRetry, MaxCmdRetry); err != nil {
			return err
		}
		cfg.defaultCmdTimeout = d

		return nil
	})
}

// WithMaxRetries sets the number of timeouts tolerated for one command.
//
// The default value is 10.
//
// This option can't be changed at runtime.
func WithMaxRetries(n int) Option {
	return newOptFunc("WithMaxRetries", false, func(cfg *Config) error {
		if n < 1 || n > 100 {
			return fmt.Errorf("%w: max retries %d out of range [1, 100]", ErrInvalidConfig, n)
		}
		cfg.maxRetries = n

		return nil
	})
}

// WithDataTimeout sets how long Run may go without data before the session gives up.
//
// The default value is 10 minutes.
//
// This option can be changed at runtime.
func WithDataTimeout(d time.Duration) Option {
	return newOptFunc("WithDataTimeout", true, func(cfg *Config) error {
		if err := durationInRange("data timeout", d, time.Second, 24*time.Hour); err != nil {
			return err
		}
		cfg.dataTimeout = d

		return nil
	})
}

// WithDataTimeoutRetry sets the wait after a data timeout.
//
// The default value is 10 minutes.
//
// This option can be changed at runtime.
func WithDataTimeoutRetry(d time.Duration) Option {
	return newOptFunc("WithDataTimeoutRetry", true, func(cfg *Config) error {
		if err := durationInRange("data timeout retry", d, time.Second, 24*time.Hour); err != nil {
			return err
		}
		cfg.dataTimeoutRetry = d

		return nil
	})
}

// WithStatusTimeout sets how long a registered session may go without a status reply.
//
// The default value is 10 minutes.
//
// This option can be changed at runtime.
func WithStatusTimeout(d time.Duration) Option {
	return newOptFunc("WithStatusTimeout", true, func(cfg *Config) error {
		if err := durationInRange("status timeout", d, time.Second, 24*time.Hour); err != nil {
			return err
		}
		cfg.statusTimeout = d

		return nil
	})
}

// WithStatusTimeoutRetry sets the wait after a status timeout.
//
// The default value is 10 minutes.
//
// This option can be changed at runtime.
func WithStatusTimeoutRetry(d time.Duration) Option {
	return newOptFunc("WithStatusTimeoutRetry", true, func(cfg *Config) error {
		if err := durationInRange("status timeout retry", d, time.Second, 24*time.Hour); err != nil {
			return err
		}
		cfg.statusTimeoutRetry = d

		return nil
	})
}

// WithStatusInterval sets the period of the status poll in Run.
//
// The default value is 10 seconds.
//
// This option can be changed at runtime.
func WithStatusInterval(d time.Duration) Option {
	return newOptFunc("WithStatusInterval", true, func(cfg *Config) error {
		if err := durationInRange("status interval", d, time.Second, time.Hour); err != nil {
			return err
		}
		cfg.statusInterval = d

		return nil
	})
}

// WithStatusBitmap sets the status blocks of the periodic status poll.
//
// The default value is DefaultStatusBitmap.
//
// This option can be changed at runtime.
func WithStatusBitmap(bits qdp.StatusBits) Option {
	return newOptFunc("WithStatusBitmap", true, func(cfg *Config) error {
		if bits == 0 {
			return fmt.Errorf("%w: empty status bitmap", ErrInvalidConfig)
		}
		cfg.statusBitmap = bits

		return nil
	})
}

// WithRegisterTimeout sets how long a registration attempt may take.
//
// The default value is 180 seconds.
//
// This option can be changed at runtime.
func WithRegisterTimeout(d time.Duration) Option {
	return newOptFunc("WithRegisterTimeout", true, func(cfg *Config) error {
		if err := durationInRange("register timeout", d, time.Second, time.Hour); err != nil {
			return err
		}
		cfg.registerTimeout = d

		return nil
	})
}

// WithRegisterRetry sets the wait after a failed registration attempt.
//
// The default value is 120 seconds.
//
// This option can be changed at runtime.
func WithRegisterRetry(d time.Duration) Option {
	return newOptFunc("WithRegisterRetry", true, func(cfg *Config) error {
		if err := durationInRange("register retry", d, time.Second, 24*time.Hour); err != nil {
			return err
		}
		cfg.registerRetry = d

		return nil
	})
}

// WithNotRegisteredWait sets the wait after the device reported the session as not
// registered.
//
// The default value is 10 minutes.
//
// This option can be changed at runtime.
func WithNotRegisteredWait(d time.Duration) Option {
	return newOptFunc("WithNotRegisteredWait", true, func(cfg *Config) error {
		if err := durationInRange("not registered wait", d, time.Second, 24*time.Hour); err != nil {
			return err
		}
		cfg.notRegisteredWait = d

		return nil
	})
}

// WithNetFailWait sets the wait after a link could not be opened or was reset or closed
// by the peer.
//
// The default value is 10 minutes.
//
// This option can be changed at runtime.
func WithNetFailWait(d time.Duration) Option {
	return newOptFunc("WithNetFailWait", true, func(cfg *Config) error {
		if err := durationInRange("net fail wait", d, time.Second, 24*time.Hour); err != nil {
			return err
		}
		cfg.netFailWait = d

		return nil
	})
}

// WithRegistrationAttempts sets the number of failed registrations after which the
// session hibernates. Zero disables hibernation.
//
// This option can be changed at runtime.
func WithRegistrationAttempts(n int) Option {
	return newOptFunc("WithRegistrationAttempts", true, func(cfg *Config) error {
		if n < 0 {
			return fmt.Errorf("%w: registration attempts %d", ErrInvalidConfig, n)
		}
		cfg.regAttempts = n

		return nil
	})
}

// WithHibernate sets the wait after the configured registration attempts failed.
//
// This option can be changed at runtime.
func WithHibernate(d time.Duration) Option {
	return newOptFunc("WithHibernate", true, func(cfg *Config) error {
		if d < 0 {
			return fmt.Errorf("%w: hibernate %v", ErrInvalidConfig, d)
		}
		cfg.hibernate = d

		return nil
	})
}

// WithConnectionTime limits the time spent in Run. When reached the session
// deregisters and waits ConnectionWait. Zero disables the limit.
//
// This option can be changed at runtime.
func WithConnectionTime(d time.Duration) Option {
	return newOptFunc("WithConnectionTime", true, func(cfg *Config) error {
		if d < 0 {
			return fmt.Errorf("%w: connection time %v", ErrInvalidConfig, d)
		}
		cfg.connectionTime = d

		return nil
	})
}

// WithConnectionWait sets the wait after the connection time limit was reached.
//
// The default value is 10 minutes.
//
// This option can be changed at runtime.
func WithConnectionWait(d time.Duration) Option {
	return newOptFunc("WithConnectionWait", true, func(cfg *Config) error {
		if err := durationInRange("connection wait", d, time.Second, 24*time.Hour); err != nil {
			return err
		}
		cfg.connectionWait = d

		return nil
	})
}

// WithContinuityFile sets the base name of the checkpoint file pair. Empty disables
// continuity.
//
// This option can't be changed at runtime.
func WithContinuityFile(base string) Option {
	return newOptFunc("WithContinuityFile", false, func(cfg *Config) error {
		cfg.continuityFile = base
		return nil
	})
}

// WithStationName sets the name used in logs before the station identity was read from
// the device.
//
// This option can't be changed at runtime.
func WithStationName(name string) Option {
	return newOptFunc("WithStationName", false, func(cfg *Config) error {
		cfg.stationName = name
		return nil
	})
}

// WithHostSoftware sets the host software description reported with the station.
//
// This option can't be changed at runtime.
func WithHostSoftware(name string) Option {
	return newOptFunc("WithHostSoftware", false, func(cfg *Config) error {
		cfg.hostSoftware = name
		return nil
	})
}

// WithVerbosity sets the optional message mask.
//
// The default value is 0.
//
// This option can be changed at runtime.
func WithVerbosity(v Verbosity) Option {
	return newOptFunc("WithVerbosity", true, func(cfg *Config) error {
		cfg.verbosity = v
		return nil
	})
}

// WithBase96 sends commands Base-96 encoded.
//
// This option can't be changed at runtime.
func WithBase96(enabled bool) Option {
	return newOptFunc("WithBase96", false, func(cfg *Config) error {
		cfg.base96 = enabled
		return nil
	})
}

// WithAutoRun makes the session open the data port as soon as it is configured.
// Without it the session stays in RunWait until ChangeState(StateRun).
//
// The default value is true.
//
// This option can be changed at runtime.
func WithAutoRun(enabled bool) Option {
	return newOptFunc("WithAutoRun", true, func(cfg *Config) error {
		cfg.autoRun = enabled
		return nil
	})
}

// WithAutoRegister makes Start register right away. Without it the session starts in
// Idle and waits for Register.
//
// The default value is true.
//
// This option can't be changed at runtime.
func WithAutoRegister(enabled bool) Option {
	return newOptFunc("WithAutoRegister", false, func(cfg *Config) error {
		cfg.autoRegister = enabled
		return nil
	})
}

// WithTickInterval sets the period of the fast tick.
//
// The default value is 100 milliseconds.
//
// This option can't be changed at runtime.
func WithTickInterval(d time.Duration) Option {
	return newOptFunc("WithTickInterval", false, func(cfg *Config) error {
		if err := durationInRange("tick interval", d, 10*time.Millisecond, time.Second); err != nil {
			return err
		}
		cfg.tickInterval = d

		return nil
	})
}

// WithCloseTimeout bounds the graceful shutdown of Close.
//
// The default value is 30 seconds.
//
// This option can be changed at runtime.
func WithCloseTimeout(d time.Duration) Option {
	return newOptFunc("WithCloseTimeout", true, func(cfg *Config) error {
		if err := durationInRange("close timeout", d, 0, 5*time.Minute); err != nil {
			return err
		}
		cfg.closeTimeout = d

		return nil
	})
}

// WithLogger sets the logger of the session.
//
// The default logger is the global logger instance.
//
// This option can't be changed at runtime.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", false, func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidConfig)
		}
		cfg.logger = l

		return nil
	})
}

// WithHandler sets the callback receiver.
//
// This option can't be changed at runtime.
func WithHandler(h Handler) Option {
	return newOptFunc("WithHandler", false, func(cfg *Config) error {
		if h == nil {
			h = NopHandler{}
		}
		cfg.handler = h

		return nil
	})
}

// WithTransportFactory replaces the function that opens links.
//
// This option can't be changed at runtime.
func WithTransportFactory(f TransportFactory) Option {
	return newOptFunc("WithTransportFactory", false, func(cfg *Config) error {
		if f == nil {
			return fmt.Errorf("%w: nil transport factory", ErrInvalidConfig)
		}
		cfg.factory = f

		return nil
	})
}

// WithClock replaces the time source of the session.
//
// This option can't be changed at runtime.
func WithClock(now func() time.Time) Option {
	return newOptFunc("WithClock", false, func(cfg *Config) error {
		if now == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidConfig)
		}
		cfg.clock = now

		return nil
	})
}

// Update applies runtime options to cfg. When any option cannot change at runtime
// nothing is applied and the error wraps ErrNotRuntime.
func (cfg *Config) Update(opts ...Option) error {
	for _, opt := range opts {
		o, ok := opt.(*optFunc)
		if !ok {
			return fmt.Errorf("%w: unknown option", ErrNotRuntime)
		}
		if !o.runtime {
			return fmt.Errorf("%w: %s", ErrNotRuntime, o.name)
		}
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return err
		}
	}

	return nil
}

// setContact replaces the device address and, when basePort is set, the base port
// after a point of contact.
func (cfg *Config) setContact(addr string, basePort int) {
	cfg.mu.Lock()
	cfg.address = addr
	if basePort > 0 {
		cfg.basePort = basePort
	}
	cfg.mu.Unlock()
}

func (cfg *Config) Handler() Handler {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.handler
}
