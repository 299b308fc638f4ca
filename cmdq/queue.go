package cmdq

import (
	"fmt"
	"time"

	"github.com/arloliu/go-q330/internal/queue"
	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/qdp"
)

const (
	// DefaultCapacity is the number of commands that can be queued.
	DefaultCapacity = 32
	// DefaultHistorySize is the number of throughput samples kept.
	DefaultHistorySize = 16
	// DefaultMaxRetries is the number of retries before a command is given up.
	DefaultMaxRetries = 10
	// DefaultMinRetry is the lower bound of the retry timeout.
	DefaultMinRetry = 5 * time.Second
	// DefaultMaxRetry is the upper bound of the retry timeout.
	DefaultMaxRetry = 40 * time.Second
)

// Config holds the retry settings of a Queue. Zero fields take their defaults.
type Config struct {
	// MinRetry and MaxRetry bound every computed timeout.
	MinRetry time.Duration
	MaxRetry time.Duration
	// DefaultTimeout applies while too few throughput samples exist.
	// Defaults to the mean of MinRetry and MaxRetry.
	DefaultTimeout time.Duration
	// MaxRetries is the number of timeouts tolerated for one command.
	MaxRetries int
	// Capacity is the maximum number of queued commands.
	Capacity int
	// HistorySize is the number of throughput samples averaged.
	HistorySize int
	// SerialBaud selects the serial timeout estimate when non-zero.
	SerialBaud int
}

func (c *Config) normalize() error {
	if c.MinRetry == 0 {
		c.MinRetry = DefaultMinRetry
	}
	if c.MaxRetry == 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.MinRetry < 0 || c.MaxRetry < c.MinRetry {
		return fmt.Errorf("%w: retry range %v..%v", ErrInvalidConfig, c.MinRetry, c.MaxRetry)
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = (c.MinRetry + c.MaxRetry) / 2
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("%w: default timeout %v", ErrInvalidConfig, c.DefaultTimeout)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.MaxRetries < 0 || c.Capacity < 0 || c.HistorySize < 0 || c.SerialBaud < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	}

	return nil
}

// SendFunc transmits e with sequence number seq and returns the payload length written.
type SendFunc func(e *Entry, seq uint16) (int, error)

// Result describes what a call to Tick or Dispatch did.
type Result struct {
	// Op is the opcode concerned by the result, if any.
	Op       qdp.Opcode
	Tunneled bool
	// Sent is set when a command was transmitted with sequence Seq and timeout Timeout.
	Sent    bool
	Seq     uint16
	Timeout time.Duration
	// Expired is set when the command in flight timed out.
	Expired bool
	// PingTimeout is set when a ping timed out. The ping is dropped, not retried.
	PingTimeout bool
	// Exhausted is set when the command exceeded its retries. The queue was purged.
	Exhausted bool
	// Err is the send error or ErrRetriesExhausted.
	Err error
}

// Snapshot is a copy of the queue state for status readers.
type Snapshot struct {
	Phase    Phase
	Pending  int
	Current  qdp.Opcode
	Retries  int
	Stalled  bool
	LastSeq  uint16
	Timeout  time.Duration
	Samples  int
	Blocked  bool
	Deadline time.Time
}

// Queue is the command queue of one session.
type Queue struct {
	cfg     Config
	logger  logger.Logger
	entries queue.Queue[*Entry]
	hist    *history
	onStall func(stalled bool)

	phase    Phase
	retries  int
	stalled  bool
	blocked  bool
	seq      uint16
	lastSeq  uint16
	armed    time.Duration
	deadline time.Time
}

// New creates a command queue.
func New(cfg Config, l logger.Logger) (*Queue, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &Queue{
		cfg:     cfg,
		logger:  l,
		entries: queue.NewRingQueue[*Entry](cfg.Capacity),
		hist:    newHistory(cfg.HistorySize),
	}, nil
}

// Config returns the resolved settings.
func (q *Queue) Config() Config {
	return q.cfg
}

// OnStall registers fn to be called whenever the stall flag changes. The stall flag is
// raised by the first timeout and cleared once the queue drains.
func (q *Queue) OnStall(fn func(stalled bool)) {
	q.onStall = fn
}

// SetBlocked marks the link as unable to carry commands. Enqueue fails while blocked.
func (q *Queue) SetBlocked(blocked bool) {
	q.blocked = blocked
}

// Enqueue appends a command whose reply is estSize payload bytes.
//
// A session command with the same opcode already queued or in flight absorbs the request
// and Enqueue reports true. Tunneled commands never merge with session commands. It
// returns false when the link is blocked or the queue is full.
func (q *Queue) Enqueue(op qdp.Opcode, estSize int, tunneled bool) bool {
	if q.blocked {
		return false
	}
	if !tunneled && q.find(func(e *Entry) bool { return e.Op == op && !e.Tunneled }) {
		return true
	}
	if !q.entries.Enqueue(newEntry(op, estSize, tunneled)) {
		q.logger.Warn("command queue full", "op", op, "capacity", q.cfg.Capacity)
		return false
	}
	if q.phase == PhaseIdle {
		q.phase = PhaseNeed
	}

	return true
}

// Contains reports whether op is queued or in flight.
func (q *Queue) Contains(op qdp.Opcode) bool {
	return q.find(func(e *Entry) bool { return e.Op == op })
}

// ContainsTunneled reports whether a tunneled command is queued or in flight.
func (q *Queue) ContainsTunneled() bool {
	return q.find(func(e *Entry) bool { return e.Tunneled })
}

func (q *Queue) find(match func(e *Entry) bool) bool {
	found := false
	q.entries.Each(func(e *Entry) bool {
		found = match(e)
		return !found
	})

	return found
}

// Tick expires the command in flight when its timeout passed and then sends the head
// entry if one is needed.
func (q *Queue) Tick(now time.Time, send SendFunc) Result {
	var res Result
	if q.phase == PhaseWait && !now.Before(q.deadline) {
		q.expire(&res)
		if res.Exhausted || res.PingTimeout {
			return res
		}
	}
	q.dispatch(now, send, &res)

	return res
}

// Dispatch sends the head entry if one is needed, without checking for timeouts.
func (q *Queue) Dispatch(now time.Time, send SendFunc) Result {
	var res Result
	q.dispatch(now, send, &res)

	return res
}

func (q *Queue) expire(res *Result) {
	head, ok := q.entries.Peek()
	if !ok {
		q.phase = PhaseIdle
		return
	}
	res.Op = head.Op
	res.Tunneled = head.Tunneled
	res.Expired = true

	if head.Op == qdp.OpPing {
		q.logger.Debug("ping timed out", "seq", q.lastSeq)
		res.PingTimeout = true
		q.complete()

		return
	}

	q.retries++
	if q.retries > q.cfg.MaxRetries {
		q.logger.Warn("command retries exhausted", "op", head.Op, "retries", q.retries-1)
		res.Exhausted = true
		res.Err = fmt.Errorf("%w: %s after %d retries", ErrRetriesExhausted, head.Op, q.retries-1)
		q.Purge()

		return
	}

	q.logger.Debug("command timed out, retrying", "op", head.Op, "retry", q.retries)
	q.phase = PhaseNeed
	q.setStalled(true)
}

func (q *Queue) dispatch(now time.Time, send SendFunc, res *Result) {
	if q.phase == PhaseIdle && !q.entries.IsEmpty() {
		q.phase = PhaseNeed
	}
	if q.phase != PhaseNeed || send == nil {
		return
	}
	head, ok := q.entries.Peek()
	if !ok {
		q.phase = PhaseIdle
		return
	}

	seq := q.seq
	n, err := send(head, seq)
	q.phase = PhaseWait
	q.lastSeq = seq
	q.seq++
	head.Sent = now
	head.SendSize = n + PacketOverhead
	q.armed = q.timeout(head)
	q.deadline = now.Add(q.armed)

	res.Op = head.Op
	res.Sent = err == nil
	res.Seq = seq
	res.Timeout = q.armed
	if err != nil {
		// the next expiry exhausts the command
		q.retries = max(q.retries, q.cfg.MaxRetries)
		res.Err = err
		q.logger.Debug("command send failed", "op", head.Op, "error", err)
	}
}

// OnAck completes the command in flight when seq matches the last sent sequence number.
// replyLen is the payload length of the reply; the exchange is recorded as a throughput
// sample. It returns the completed entry.
func (q *Queue) OnAck(seq uint16, replyLen int, now time.Time) (Entry, bool) {
	head, ok := q.inFlight(seq)
	if !ok {
		return Entry{}, false
	}

	head.RetSize += replyLen + PacketOverhead
	elapsed := now.Sub(head.Sent).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	q.hist.add(float64(head.RetSize+head.SendSize) / elapsed)

	done := *head
	q.complete()

	return done, true
}

// OnError completes the command in flight after an error reply with a matching sequence
// number. No throughput sample is recorded.
func (q *Queue) OnError(seq uint16) (Entry, bool) {
	head, ok := q.inFlight(seq)
	if !ok {
		return Entry{}, false
	}
	done := *head
	q.complete()

	return done, true
}

// Abort drops the command in flight. It returns false when nothing was in flight.
func (q *Queue) Abort() (Entry, bool) {
	if q.phase != PhaseWait {
		return Entry{}, false
	}
	head, ok := q.entries.Peek()
	if !ok {
		return Entry{}, false
	}
	done := *head
	q.complete()

	return done, true
}

// Purge empties the queue and clears the stall flag. The throughput history is kept.
func (q *Queue) Purge() {
	q.entries.Reset()
	q.phase = PhaseIdle
	q.retries = 0
	q.deadline = time.Time{}
	q.setStalled(false)
}

// ResetHistory drops all throughput samples, for use after the link changed.
func (q *Queue) ResetHistory() {
	q.hist.reset()
}

// Current returns the command in flight.
func (q *Queue) Current() (Entry, bool) {
	if q.phase != PhaseWait {
		return Entry{}, false
	}
	head, ok := q.entries.Peek()
	if !ok {
		return Entry{}, false
	}

	return *head, true
}

// Phase returns the command phase.
func (q *Queue) Phase() Phase { return q.phase }

// Len returns the number of queued commands including the one in flight.
func (q *Queue) Len() int { return q.entries.Length() }

// Retries returns the retry count of the command in flight.
func (q *Queue) Retries() int { return q.retries }

// Stalled reports whether the link is stalled.
func (q *Queue) Stalled() bool { return q.stalled }

// LastSeq returns the sequence number of the last transmission.
func (q *Queue) LastSeq() uint16 { return q.lastSeq }

// NextSeq returns the sequence number the next transmission will use.
func (q *Queue) NextSeq() uint16 { return q.seq }

// Snapshot copies the queue state.
func (q *Queue) Snapshot() Snapshot {
	s := Snapshot{
		Phase:    q.phase,
		Pending:  q.entries.Length(),
		Retries:  q.retries,
		Stalled:  q.stalled,
		LastSeq:  q.lastSeq,
		Samples:  q.hist.len(),
		Blocked:  q.blocked,
		Deadline: q.deadline,
	}
	if head, ok := q.entries.Peek(); ok {
		s.Current = head.Op
	}
	if q.phase == PhaseWait {
		s.Timeout = q.armed
	}

	return s
}

func (q *Queue) inFlight(seq uint16) (*Entry, bool) {
	if q.phase != PhaseWait || seq != q.lastSeq {
		return nil, false
	}

	return q.entries.Peek()
}

// complete pops the head after a finished exchange and clears the stall once drained.
func (q *Queue) complete() {
	q.entries.Dequeue()
	q.retries = 0
	q.deadline = time.Time{}
	if q.entries.IsEmpty() {
		q.phase = PhaseIdle
		q.setStalled(false)
	} else {
		q.phase = PhaseNeed
	}
}

func (q *Queue) setStalled(stalled bool) {
	if q.stalled == stalled {
		return
	}
	q.stalled = stalled
	if q.onStall != nil {
		q.onStall(stalled)
	}
}
