package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-q330/cmdq"
	"github.com/arloliu/go-q330/continuity"
	"github.com/arloliu/go-q330/internal/pool"
	"github.com/arloliu/go-q330/internal/task"
	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/opstat"
	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/transport"
)

// maxFramesPerIteration bounds the frames handled before the timers run again.
const maxFramesPerIteration = 64

// Session is the host side of one data port registration with a Q330.
//
// A single worker goroutine owns the protocol state. Foreign goroutines talk to it
// through the control methods, which only record requests under the session lock; the
// worker acts on them on its next fast tick. Callbacks are delivered by the worker after
// it released the session lock.
type Session struct {
	id      string
	cfg     *Config
	logger  logger.Logger
	handler Handler
	now     func() time.Time

	taskMgr  *task.Manager
	opState  atomicOpState
	stateMgr *stateMgr
	notices  *noticeQueue

	// forceStop skips the graceful shutdown.
	forceStop atomic.Bool
	stopCtx   func() bool

	// block and status caches, readable without the session lock
	blocks *xsync.MapOf[qdp.Block, []byte]
	status *xsync.MapOf[qdp.StatusBits, *qdp.Status]
	// tunnel holds the reply of the last tunneled command by reply opcode
	tunnel *xsync.MapOf[qdp.Opcode, *qdp.Packet]

	mu sync.Mutex // protects everything below

	state      State
	target     State
	reason     Reason
	reasonErr  error
	registered bool
	haveConfig bool

	link    transport.Transport
	dialing bool
	dialGen uint64
	dialCh  chan dialResult
	base96  bool
	decoder *qdp.Decoder

	queue   *cmdq.Queue
	pending map[qdp.Opcode][]byte
	tun     tunnelState

	challenge   qdp.ServerChallenge
	counterChal uint64
	regFails    int

	flags    *qdp.Flags
	mem      memoryRead
	tokens   *qdp.Tokens
	rawToken []byte
	channels *continuity.ChannelTable
	ident    string

	stats        *opstat.Stats
	store        *continuity.Store
	checkpoint   *continuity.Checkpoint
	system       continuity.System
	chanRestored bool

	data dataWindow

	nextFast   time.Time
	nextSecond time.Time
	nextMinute time.Time
	regStart   time.Time
	waitUntil  time.Time
	lastStatus time.Time
	nextStatus time.Time
	lastData   time.Time
	dataTime   time.Time
	runStart   time.Time
	deregStart time.Time
	lastOpen   time.Time
	noIPLogged bool

	req requests
}

// New creates a session from cfg. Start runs it.
func New(cfg *Config) (*Session, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	id := uuid.NewString()
	name := cfg.StationName()
	if name == "" {
		name = formatSerial(cfg.Serial())
	}
	l := cfg.Logger().With("station", name, "session_id", id)

	q, err := cmdq.New(cfg.queueConfig(), l)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	q.SetBlocked(true)

	s := &Session{
		id:       id,
		cfg:      cfg,
		logger:   l,
		handler:  cfg.Handler(),
		now:      cfg.clock,
		stateMgr: newStateMgr(l),
		notices:  newNoticeQueue(),
		blocks:   xsync.NewMapOf[qdp.Block, []byte](),
		status:   xsync.NewMapOf[qdp.StatusBits, *qdp.Status](),
		tunnel:   xsync.NewMapOf[qdp.Opcode, *qdp.Packet](),
		dialCh:   make(chan dialResult, 4),
		queue:    q,
		pending:  make(map[qdp.Opcode][]byte),
		channels: continuity.NewChannelTable(),
		stats:    opstat.New(),
		store:    continuity.NewStore(cfg.ContinuityFile(), l, continuity.WithClock(cfg.clock)),
		ident:    cfg.StationName(),
		state:    StateIdle,
		target:   StateIdle,
	}
	s.data.reset()
	q.OnStall(s.onStall)

	return s, nil
}

// ID returns the instance identifier used in the logs of the session.
func (s *Session) ID() string {
	return s.id
}

// Start restores the continuity of the station and launches the worker.
//
// Cancelling ctx terminates the session the same way Terminate does.
func (s *Session) Start(ctx context.Context) error {
	if !s.opState.ToRunning() {
		if s.opState.IsClosed() {
			return ErrClosed
		}

		return ErrAlreadyStarted
	}

	s.taskMgr = task.NewManager(context.WithoutCancel(ctx), s.logger)
	s.stopCtx = context.AfterFunc(ctx, s.Terminate)
	s.prepare()

	s.logger.Info("session started", "serial", formatSerial(s.cfg.Serial()), "data_port", s.cfg.DataPort())

	return s.taskMgr.Start("worker", s.run)
}

// prepare arms the timers, restores the continuity header and sets the initial target.
func (s *Session) prepare() {
	s.mu.Lock()
	now := s.now()
	s.nextFast = now
	s.nextSecond = now.Add(time.Second)
	s.nextMinute = now.Add(time.Minute)
	s.msg(MsgCreated, "")
	s.restoreHeader()
	switch {
	case !s.cfg.AutoRegister():
		s.target = StateIdle
	case s.cfg.DynamicIP() && s.cfg.Address() == "":
		s.msg(MsgNoIP, "")
		s.noIPLogged = true
		s.target = StateWait
	default:
		s.target = StateRunWait
	}
	notices := s.notices.drain()
	s.mu.Unlock()
	deliver(s.handler, notices)
}

// Close terminates the session and waits for the worker to exit. A registered session
// deregisters first; when that takes longer than the close timeout the worker stops
// without waiting for the device.
func (s *Session) Close() error {
	if !s.opState.ToClosing() {
		return nil
	}
	defer s.opState.ToClosed()

	if s.taskMgr == nil {
		s.mu.Lock()
		s.newState(StateTerminated)
		s.mu.Unlock()

		return nil
	}
	if s.stopCtx != nil {
		s.stopCtx()
	}

	s.Terminate()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout())
	err := s.stateMgr.WaitState(ctx, StateTerminated)
	cancel()
	if err != nil {
		s.logger.Warn("graceful shutdown timed out, forcing stop", "error", err)
		s.forceStop.Store(true)
	}

	s.taskMgr.Stop()
	s.taskMgr.Wait()

	s.mu.Lock()
	if s.state != StateTerminated {
		s.finishTerminate()
	}
	notices := s.notices.drain()
	s.mu.Unlock()
	deliver(s.handler, notices)

	s.logger.Info("session closed")

	return nil
}

// run is the worker task.
func (s *Session) run() bool {
	return !s.iterate(s.cfg.TickInterval())
}

// iterate runs one worker iteration: a bounded receive, the frames received and the
// timers that are due. It reports whether the session terminated.
func (s *Session) iterate(wait time.Duration) bool {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()

	var frames []transport.Frame
	var rerr error
	if link != nil {
		for len(frames) < maxFramesPerIteration {
			f, err := link.Receive(wait)
			if err != nil {
				if !errors.Is(err, transport.ErrTimeout) {
					rerr = err
				}
				break
			}
			frames = append(frames, f)
			wait = 0
		}
	} else if wait > 0 {
		timer := pool.GetTimer(wait)
		<-timer.C
		pool.PutTimer(timer)
	}

	s.mu.Lock()
	if link != nil && link == s.link {
		for _, f := range frames {
			s.handleFrame(f)
			if s.link != link {
				break
			}
		}
		if rerr != nil && link == s.link {
			s.handleLinkError("receive", rerr)
		}
	}
	done := s.step(s.now())
	notices := s.notices.drain()
	s.mu.Unlock()

	deliver(s.handler, notices)

	return done
}

// step runs the fast tick and the second tick when they are due.
func (s *Session) step(now time.Time) bool {
	if s.forceStop.Load() && s.state != StateTerminated {
		s.finishTerminate()
	}
	if s.state == StateTerminated {
		return true
	}

	s.pollDial()

	if !now.Before(s.nextFast) {
		s.nextFast = now.Add(s.cfg.TickInterval())
		s.fastTick(now)
	}
	if !now.Before(s.nextSecond) {
		s.nextSecond = now.Add(time.Second)
		s.secondTick(now)
	}

	return s.state == StateTerminated
}

func (s *Session) fastTick(now time.Time) {
	s.processRequests(now)
	s.tickQueue(now)
	s.reconcile(now)
	s.dispatchQueue(now)
	s.flushAck()
}

// newState changes the current state and publishes it.
func (s *Session) newState(state State) {
	prev := s.state
	if prev == state {
		return
	}
	s.state = state
	s.logger.Info("session state changed", "prev", prev.String(), "state", state.String(), "reason", s.reason.String())
	s.event(StateEvent{Type: EventState, Prev: prev, Err: s.reasonErr})
	s.stateMgr.setState(state)
}

// setTarget records the state the session should move to. A pending termination
// cannot be overridden.
func (s *Session) setTarget(target State, reason Reason, err error) {
	if s.target == StateTerminated {
		return
	}
	s.target = target
	s.reason = reason
	s.reasonErr = err
}

// waitFor sets the target Wait with a cooldown of d.
func (s *Session) waitFor(reason Reason, d time.Duration, err error) {
	s.setTarget(StateWait, reason, err)
	s.waitUntil = s.now().Add(d)
}

// event queues a StateEvent filled with the current state.
func (s *Session) event(ev StateEvent) {
	ev.Station = s.ident
	ev.State = s.state
	ev.Reason = s.reason
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.notices.pushEvent(ev)
}

// msg queues a library message and writes it to the log.
func (s *Session) msg(code MessageCode, suffix string) {
	m := Message{Code: code, Time: s.now(), DataTime: s.dataTime, Suffix: suffix}
	verb := s.cfg.Verbosity()
	filtered := ((code == MsgPacketIn || code == MsgPacketOut) && verb&VerbPacket == 0) ||
		(code == MsgRetry && verb&VerbRetry == 0)

	text := m.Text()
	switch {
	case filtered || code.Category() == CategoryDebug:
		s.logger.Debug(text, "code", uint16(code))
	case code.Category() == CategoryServerFault:
		s.logger.Error(text, "code", uint16(code))
	case code.Category() == CategoryClientFault:
		s.logger.Warn(text, "code", uint16(code))
	default:
		s.logger.Info(text, "code", uint16(code))
	}
	if filtered {
		return
	}
	s.notices.pushMessage(m)
}

func (s *Session) onStall(stalled bool) {
	var info uint32
	if stalled {
		info = 1
	}
	s.event(StateEvent{Type: EventStall, Info: info})
}
