package session

import (
	"context"
	"crypto/md5" //nolint:gosec // the device protocol mandates MD5
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-q330/internal/task"
	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/transport"
)

const (
	testSerial  = uint64(0x0100000A1B2C3D4E)
	testAuth    = uint64(0x1234)
	testAddress = "192.0.2.10"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeLink is an in-memory transport. Packets sent on it are handed to the device, which
// answers synchronously into the inbox.
type fakeLink struct {
	mu      sync.Mutex
	dev     *fakeDevice
	cfg     LinkConfig
	inbox   []transport.Frame
	sent    []transport.Frame
	recvErr error
	sendErr error
	closed  bool
	metrics transport.Metrics
}

func (l *fakeLink) Kind() transport.Kind { return transport.KindUDP }

func (l *fakeLink) Send(ch transport.Channel, pkt []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return err
	}
	l.sent = append(l.sent, transport.Frame{Channel: ch, Data: pkt})
	l.mu.Unlock()

	l.dev.receive(l, ch, pkt)

	return nil
}

func (l *fakeLink) Receive(time.Duration) (transport.Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recvErr != nil {
		return transport.Frame{}, l.recvErr
	}
	if l.closed {
		return transport.Frame{}, transport.ErrClosed
	}
	if len(l.inbox) == 0 {
		return transport.Frame{}, transport.ErrTimeout
	}
	f := l.inbox[0]
	l.inbox = l.inbox[1:]

	return f, nil
}

func (l *fakeLink) Metrics() *transport.Metrics { return &l.metrics }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	return nil
}

func (l *fakeLink) push(ch transport.Channel, pkt []byte) {
	l.mu.Lock()
	l.inbox = append(l.inbox, transport.Frame{Channel: ch, Data: pkt})
	l.mu.Unlock()
}

func (l *fakeLink) failReceive(err error) {
	l.mu.Lock()
	l.recvErr = err
	l.mu.Unlock()
}

// fakeDevice emulates the registration, configuration and data port of a Q330.
type fakeDevice struct {
	t *testing.T

	mu         sync.Mutex
	serial     uint64
	auth       uint64
	tokens     []byte
	portOff    uint16
	reboots    uint32
	mute       map[qdp.Opcode]bool
	errs       map[qdp.Opcode]qdp.ErrorCode
	links      []*fakeLink
	dialErr    error
	received   map[qdp.Opcode]int
	dataOpens  int
	lastAck    uint16
	acks       int
	challenge  qdp.ServerChallenge
	lastDigest [16]byte
}

func newFakeDevice(t *testing.T) *fakeDevice {
	return &fakeDevice{
		t:        t,
		serial:   testSerial,
		auth:     testAuth,
		tokens:   testTokens().Marshal(),
		portOff:  0x40,
		reboots:  3,
		mute:     make(map[qdp.Opcode]bool),
		errs:     make(map[qdp.Opcode]qdp.ErrorCode),
		received: make(map[qdp.Opcode]int),
		challenge: qdp.ServerChallenge{
			Challenge: 0x0102030405060708,
			DPAddr:    0xC0000201,
			DPPort:    6330,
			DPReg:     1,
		},
	}
}

func testTokens() *qdp.Tokens {
	return &qdp.Tokens{
		Version:         qdp.TokenVersion,
		Network:         "XX",
		Station:         "TEST",
		MessageLocation: "00",
		MessageName:     "LOG",
		DPChannels: []qdp.TokenChannel{
			{Location: "00", Name: "BHZ", Source: 0x10, Rate: 40},
			{Location: "00", Name: "LHZ", Source: 0x11, Rate: 1, FrameLimit: 7},
		},
	}
}

func (d *fakeDevice) factory(_ context.Context, cfg LinkConfig, _ logger.Logger) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	l := &fakeLink{dev: d, cfg: cfg}
	d.links = append(d.links, l)

	return l, nil
}

func (d *fakeDevice) link() *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}

	return d.links[len(d.links)-1]
}

func (d *fakeDevice) count(op qdp.Opcode) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.received[op]
}

func (d *fakeDevice) setMute(op qdp.Opcode, mute bool) {
	d.mu.Lock()
	d.mute[op] = mute
	d.mu.Unlock()
}

func (d *fakeDevice) setError(op qdp.Opcode, code qdp.ErrorCode) {
	d.mu.Lock()
	d.errs[op] = code
	d.mu.Unlock()
}

func (d *fakeDevice) expectedDigest(counter uint64) [16]byte {
	ch := d.challenge
	equiv := uint64(ch.DPAddr)<<32 | uint64(ch.DPPort)<<16 | uint64(ch.DPReg)
	s := fmt.Sprintf("%016x%016x%016x%016x%016x", ch.Challenge, equiv, d.auth, d.serial, counter)

	return md5.Sum([]byte(s)) //nolint:gosec // the device protocol mandates MD5
}

// receive handles one packet sent by the session.
func (d *fakeDevice) receive(l *fakeLink, ch transport.Channel, pkt []byte) {
	p, err := qdp.Decode(pkt)
	require.NoError(d.t, err)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.received[p.Command]++

	if ch == transport.Data {
		switch p.Command {
		case qdp.OpDataOpen:
			d.dataOpens++
		case qdp.OpDataAck:
			d.acks++
			d.lastAck = p.Ack
		}

		return
	}
	if d.mute[p.Command] {
		return
	}

	reply := func(rec qdp.Record) {
		b, err := qdp.EncodeRecord(rec, 0, p.Sequence)
		require.NoError(d.t, err)
		l.push(transport.Control, b)
	}
	if code, ok := d.errs[p.Command]; ok {
		reply(&qdp.CommandError{Code: code})
		return
	}

	switch p.Command {
	case qdp.OpRequestServer:
		reply(&d.challenge)
	case qdp.OpServerResponse:
		var rsp qdp.ServerResponse
		require.NoError(d.t, qdp.UnmarshalRecord(p, &rsp))
		d.lastDigest = rsp.MD5
		if rsp.MD5 != d.expectedDigest(rsp.CounterChallenge) {
			reply(&qdp.CommandError{Code: qdp.ErrCodeInvalidRegister})
			return
		}
		l.push(transport.Control, mustEncode(d.t, qdp.OpCommandAck, p.Sequence, nil))
	case qdp.OpRequestFlags:
		reply(&qdp.Flags{
			DataPortOffset: d.portOff,
			Fixed:          qdp.Fixed{Serial: d.serial, PropertyTag: 42, Reboots: d.reboots},
			DataPort:       []byte{1, 2, 3, 4},
		})
	case qdp.OpRequestGlobalIDs:
		l.push(transport.Control, mustEncode(d.t, qdp.OpGlobalIDs, p.Sequence, make([]byte, 32)))
	case qdp.OpRequestStatus:
		var req qdp.StatusRequest
		require.NoError(d.t, qdp.UnmarshalRecord(p, &req))
		st := &qdp.Status{}
		if req.Bitmap.Has(qdp.StatusGlobal) {
			st.Global = qdp.Some(qdp.GlobalStatus{ClockQuality: 80, SecondsOffset: 1000})
		}
		if req.Bitmap.Has(qdp.StatusBoom) {
			st.Boom = qdp.Some(qdp.BoomStatus{})
		}
		reply(st)
	case qdp.OpRequestMemory:
		var req qdp.MemoryRequest
		require.NoError(d.t, qdp.UnmarshalRecord(p, &req))
		total := (len(d.tokens) + qdp.MaxMemorySegment - 1) / qdp.MaxMemorySegment
		start := int(req.Start)
		end := min(start+int(req.Count), len(d.tokens))
		reply(&qdp.MemorySegment{
			Start:    req.Start,
			Type:     req.Type,
			Segment:  uint16(start/qdp.MaxMemorySegment + 1), //nolint:gosec // test data
			Segments: uint16(total),                          //nolint:gosec // test data
			Data:     d.tokens[start:end],
		})
	case qdp.OpPing:
		var ping qdp.Ping
		require.NoError(d.t, qdp.UnmarshalRecord(p, &ping))
		ping.Type = qdp.PingEchoReply
		reply(&ping)
	case qdp.OpRequestGlobal:
		l.push(transport.Control, mustEncode(d.t, qdp.OpGlobal, p.Sequence, make([]byte, 16)))
	default:
		l.push(transport.Control, mustEncode(d.t, qdp.OpCommandAck, p.Sequence, nil))
	}
}

// sendData pushes a DT_DATA packet with one block on the data channel.
func (d *fakeDevice) sendData(seq uint16, channel uint8, data []byte) {
	rec := &qdp.DataRecord{Blocks: []qdp.DataBlock{{Channel: channel, Data: data}}}
	b, err := qdp.EncodeRecord(rec, seq, 0)
	require.NoError(d.t, err)
	d.link().push(transport.Data, b)
}

func mustEncode(t *testing.T, op qdp.Opcode, ack uint16, payload []byte) []byte {
	b, err := qdp.Encode(op, 0, ack, payload)
	require.NoError(t, err)

	return b
}

// recordHandler records every callback.
type recordHandler struct {
	mu     sync.Mutex
	events []StateEvent
	msgs   []Message
	data   []DataRecord
}

func (h *recordHandler) HandleState(ev StateEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *recordHandler) HandleMessage(msg Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
}

func (h *recordHandler) HandleData(rec DataRecord) {
	h.mu.Lock()
	h.data = append(h.data, rec)
	h.mu.Unlock()
}

func (h *recordHandler) hasMessage(code MessageCode) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.msgs {
		if m.Code == code {
			return true
		}
	}

	return false
}

func (h *recordHandler) eventsOf(typ EventType) []StateEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []StateEvent
	for _, ev := range h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}

	return out
}

// states returns the sequence of states entered.
func (h *recordHandler) states() []State {
	var out []State
	for _, ev := range h.eventsOf(EventState) {
		out = append(out, ev.State)
	}

	return out
}

func (h *recordHandler) records() []DataRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]DataRecord(nil), h.data...)
}

// harness drives a session without its worker goroutine: every step advances the fake
// clock and runs one worker iteration.
type harness struct {
	t   *testing.T
	s   *Session
	clk *fakeClock
	dev *fakeDevice
	h   *recordHandler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	return newHarnessBase(t, append([]Option{WithAddress(testAddress)}, opts...)...)
}

// newHarnessBase is newHarness without a device address.
func newHarnessBase(t *testing.T, opts ...Option) *harness {
	t.Helper()

	clk := newFakeClock()
	dev := newFakeDevice(t)
	h := &recordHandler{}
	base := []Option{
		WithAuthCode(testAuth),
		WithClock(clk.Now),
		WithHandler(h),
		WithLogger(logger.NewMockLogger().AllowAll()),
		WithTransportFactory(dev.factory),
	}
	cfg, err := NewConfig(testSerial, append(base, opts...)...)
	require.NoError(t, err)
	s, err := New(cfg)
	require.NoError(t, err)

	require.True(t, s.opState.ToRunning())
	s.taskMgr = task.NewManager(context.Background(), s.logger)
	t.Cleanup(func() {
		s.taskMgr.Stop()
		s.taskMgr.Wait()
	})
	s.prepare()

	return &harness{t: t, s: s, clk: clk, dev: dev, h: h}
}

// step advances the clock by d and runs one iteration.
func (hs *harness) step(d time.Duration) bool {
	hs.clk.Advance(d)
	return hs.s.iterate(0)
}

// run steps in tick intervals for d.
func (hs *harness) run(d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += 100 * time.Millisecond {
		hs.step(100 * time.Millisecond)
	}
}

// runUntil steps until the session is in state or limit elapsed.
func (hs *harness) runUntil(state State, limit time.Duration) bool {
	for elapsed := time.Duration(0); elapsed <= limit; elapsed += 100 * time.Millisecond {
		if hs.s.State() == state {
			return true
		}
		hs.step(100 * time.Millisecond)
	}

	return hs.s.State() == state
}

func (hs *harness) requireState(state State, limit time.Duration) {
	hs.t.Helper()
	require.True(hs.t, hs.runUntil(state, limit), "state %s, want %s", hs.s.State(), state)
}

// with runs fn under the session lock.
func (hs *harness) with(fn func(s *Session)) {
	hs.s.mu.Lock()
	defer hs.s.mu.Unlock()
	fn(hs.s)
}
