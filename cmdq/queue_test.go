package cmdq

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-q330/qdp"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type sentCmd struct {
	op  qdp.Opcode
	seq uint16
}

type fakeLink struct {
	sent    []sentCmd
	payload int
	err     error
}

func (f *fakeLink) send(e *Entry, seq uint16) (int, error) {
	f.sent = append(f.sent, sentCmd{op: e.Op, seq: seq})
	return f.payload, f.err
}

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := New(cfg, nil)
	require.NoError(t, err)

	return q
}

func TestConfigNormalize(t *testing.T) {
	q := newTestQueue(t, Config{})
	cfg := q.Config()
	assert.Equal(t, DefaultMinRetry, cfg.MinRetry)
	assert.Equal(t, DefaultMaxRetry, cfg.MaxRetry)
	assert.Equal(t, 22500*time.Millisecond, cfg.DefaultTimeout)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultCapacity, cfg.Capacity)
	assert.Equal(t, DefaultHistorySize, cfg.HistorySize)

	_, err := New(Config{MinRetry: 10 * time.Second, MaxRetry: 5 * time.Second}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{MaxRetries: -1}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEnqueue_Coalesces(t *testing.T) {
	q := newTestQueue(t, Config{})

	require.True(t, q.Enqueue(qdp.OpRequestStatus, 100, false))
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 100, false))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, PhaseNeed, q.Phase())

	link := &fakeLink{payload: 4}
	res := q.Tick(t0, link.send)
	require.True(t, res.Sent)

	// in flight still absorbs a duplicate
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 100, false))
	assert.Equal(t, 1, q.Len())

	require.True(t, q.Enqueue(qdp.OpRequestFlags, 0, false))
	assert.Equal(t, 2, q.Len())
	assert.True(t, q.Contains(qdp.OpRequestFlags))
	assert.False(t, q.Contains(qdp.OpPing))
}

func TestEnqueue_TunneledKeptApart(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{payload: 4}

	require.True(t, q.Enqueue(qdp.OpRequestStatus, 100, false))
	assert.False(t, q.ContainsTunneled())
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 0, true))
	assert.Equal(t, 2, q.Len())
	assert.True(t, q.ContainsTunneled())

	// a second session request still merges with the session entry
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 100, false))
	assert.Equal(t, 2, q.Len())

	q.Tick(t0, link.send)
	entry, ok := q.OnAck(q.LastSeq(), 0, t0.Add(time.Second))
	require.True(t, ok)
	assert.False(t, entry.Tunneled)

	q.Tick(t0.Add(time.Second), link.send)
	entry, ok = q.OnAck(q.LastSeq(), 0, t0.Add(2*time.Second))
	require.True(t, ok)
	assert.True(t, entry.Tunneled)
	assert.False(t, q.ContainsTunneled())

	// tunneled first, a session request behind it is queued separately
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 0, true))
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 100, false))
	assert.Equal(t, 2, q.Len())
	assert.Len(t, link.sent, 2)
}

func TestEnqueue_BlockedAndFull(t *testing.T) {
	q := newTestQueue(t, Config{Capacity: 2})

	q.SetBlocked(true)
	assert.False(t, q.Enqueue(qdp.OpPing, 0, false))
	assert.Equal(t, 0, q.Len())
	assert.True(t, q.Snapshot().Blocked)

	q.SetBlocked(false)
	require.True(t, q.Enqueue(qdp.OpPing, 0, false))
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 0, false))
	assert.False(t, q.Enqueue(qdp.OpRequestFlags, 0, false))
	assert.Equal(t, 2, q.Len())
}

func TestEntrySizes(t *testing.T) {
	q := newTestQueue(t, Config{})
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 64, false))
	require.True(t, q.Enqueue(qdp.OpUserMessage, 0, true))

	link := &fakeLink{payload: 8}
	q.Tick(t0, link.send)
	cur, ok := q.Current()
	require.True(t, ok)
	assert.Equal(t, 64+PacketOverhead, cur.EstSize)
	assert.Equal(t, 8+PacketOverhead, cur.SendSize)
	assert.Equal(t, t0, cur.Sent)

	_, ok = q.OnAck(q.LastSeq(), 0, t0.Add(time.Second))
	require.True(t, ok)
	q.Tick(t0.Add(time.Second), link.send)
	cur, ok = q.Current()
	require.True(t, ok)
	assert.True(t, cur.Tunneled)
	assert.Equal(t, qdp.MaxPacketSize, cur.EstSize)
}

func TestTick_DefaultTimeoutWithoutHistory(t *testing.T) {
	q := newTestQueue(t, Config{})
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 64, false))

	link := &fakeLink{payload: 4}
	res := q.Tick(t0, link.send)
	require.True(t, res.Sent)
	assert.Equal(t, qdp.OpRequestStatus, res.Op)
	assert.Equal(t, uint16(0), res.Seq)
	assert.Equal(t, q.Config().DefaultTimeout, res.Timeout)
	assert.Equal(t, PhaseWait, q.Phase())

	// nothing happens before the deadline
	res = q.Tick(t0.Add(res.Timeout-time.Millisecond), link.send)
	assert.False(t, res.Sent)
	assert.False(t, res.Expired)
	assert.Len(t, link.sent, 1)
}

func TestTick_FixedTimeouts(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{}

	require.True(t, q.Enqueue(qdp.OpPing, 0, false))
	res := q.Tick(t0, link.send)
	assert.Equal(t, PingTimeout, res.Timeout)
	_, ok := q.OnAck(res.Seq, 0, t0)
	require.True(t, ok)

	require.True(t, q.Enqueue(qdp.OpPollSerial, 0, false))
	res = q.Tick(t0, link.send)
	assert.Equal(t, PollTimeout, res.Timeout)
}

func TestTick_SerialTimeoutWithoutHistory(t *testing.T) {
	q := newTestQueue(t, Config{SerialBaud: 300})
	require.True(t, q.Enqueue(qdp.OpRequestMemory, 500, false))

	link := &fakeLink{payload: 12}
	res := q.Tick(t0, link.send)
	// (52 + 540 + 600) bytes at 30 bytes/s, doubled, plus one second: clamped to MaxRetry
	assert.Equal(t, DefaultMaxRetry, res.Timeout)

	q = newTestQueue(t, Config{SerialBaud: 115200})
	require.True(t, q.Enqueue(qdp.OpRequestMemory, 500, false))
	res = q.Tick(t0, link.send)
	assert.Equal(t, q.Config().DefaultTimeout, res.Timeout)
}

func TestTick_AdaptiveTimeout(t *testing.T) {
	q := newTestQueue(t, Config{MinRetry: time.Second, MaxRetry: 60 * time.Second})
	link := &fakeLink{payload: 0}

	// three exchanges of 40 + 40 bytes in one second: 80 bytes/s
	now := t0
	for range 3 {
		require.True(t, q.Enqueue(qdp.OpRequestFlags, 0, false))
		res := q.Tick(now, link.send)
		require.True(t, res.Sent)
		now = now.Add(time.Second)
		_, ok := q.OnAck(res.Seq, 0, now)
		require.True(t, ok)
	}
	assert.Equal(t, 3, q.Snapshot().Samples)

	require.True(t, q.Enqueue(qdp.OpRequestFlags, 0, false))
	res := q.Tick(now, link.send)
	// (40 + 40 + 576) / 80 * 2 + 1.5 = 17.9 s
	assert.Equal(t, 17900*time.Millisecond, res.Timeout)

	// first retry doubles
	res = q.Tick(now.Add(res.Timeout), link.send)
	require.True(t, res.Expired)
	require.True(t, res.Sent)
	assert.Equal(t, 35800*time.Millisecond, res.Timeout)

	// second retry triples, the third is clamped
	res = q.Tick(now.Add(time.Hour), link.send)
	require.True(t, res.Sent)
	assert.Equal(t, 53700*time.Millisecond, res.Timeout)
	res = q.Tick(now.Add(2*time.Hour), link.send)
	assert.Equal(t, 60*time.Second, res.Timeout)
}

func TestOnAck_SequenceMatch(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{}
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 0, false))
	res := q.Tick(t0, link.send)

	_, ok := q.OnAck(res.Seq+1, 0, t0)
	assert.False(t, ok)
	assert.Equal(t, PhaseWait, q.Phase())

	done, ok := q.OnAck(res.Seq, 20, t0.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, qdp.OpRequestStatus, done.Op)
	assert.Equal(t, 20+PacketOverhead, done.RetSize)
	assert.Equal(t, PhaseIdle, q.Phase())
	assert.Equal(t, 0, q.Len())

	// no command in flight
	_, ok = q.OnAck(res.Seq, 0, t0)
	assert.False(t, ok)
}

func TestSequenceNumbersIncrement(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{}
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 0, false))
	require.True(t, q.Enqueue(qdp.OpRequestFlags, 0, false))

	res := q.Tick(t0, link.send)
	res = q.Tick(t0.Add(res.Timeout), link.send) // retry uses a new sequence number
	_, ok := q.OnAck(0, 0, t0)
	assert.False(t, ok, "stale sequence must not complete the retry")
	_, ok = q.OnAck(res.Seq, 0, t0.Add(res.Timeout))
	require.True(t, ok)
	q.Tick(t0.Add(time.Minute), link.send)

	require.Len(t, link.sent, 3)
	assert.Equal(t, []sentCmd{
		{op: qdp.OpRequestStatus, seq: 0},
		{op: qdp.OpRequestStatus, seq: 1},
		{op: qdp.OpRequestFlags, seq: 2},
	}, link.sent)
	assert.Equal(t, uint16(3), q.NextSeq())
}

func TestRetry_Exhaustion(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{}
	var stalls []bool
	q.OnStall(func(stalled bool) { stalls = append(stalls, stalled) })

	require.True(t, q.Enqueue(qdp.OpRequestStatus, 64, false))
	require.True(t, q.Enqueue(qdp.OpRequestFlags, 0, false))
	res := q.Tick(t0, link.send)
	require.Equal(t, q.Config().DefaultTimeout, res.Timeout)

	now := t0
	var exhausted Result
	for i := 1; i <= 16; i++ {
		now = now.Add(time.Hour)
		res = q.Tick(now, link.send)
		require.True(t, res.Expired)
		if res.Exhausted {
			exhausted = res
			break
		}
		assert.Equal(t, i, q.Retries())
	}

	require.True(t, exhausted.Exhausted)
	require.ErrorIs(t, exhausted.Err, ErrRetriesExhausted)
	assert.Equal(t, qdp.OpRequestStatus, exhausted.Op)
	assert.Len(t, link.sent, 1+DefaultMaxRetries)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, PhaseIdle, q.Phase())
	assert.False(t, q.Stalled())
	assert.Equal(t, []bool{true, false}, stalls)

	// nothing left to retry
	res = q.Tick(now.Add(time.Hour), link.send)
	assert.False(t, res.Sent)
	assert.False(t, res.Expired)
}

func TestStall_ClearedWhenDrained(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{}
	var stalls []bool
	q.OnStall(func(stalled bool) { stalls = append(stalls, stalled) })

	require.True(t, q.Enqueue(qdp.OpRequestStatus, 0, false))
	require.True(t, q.Enqueue(qdp.OpRequestFlags, 0, false))
	res := q.Tick(t0, link.send)
	res = q.Tick(t0.Add(res.Timeout), link.send)
	require.True(t, q.Stalled())

	// a second timeout does not raise again
	res = q.Tick(t0.Add(time.Hour), link.send)
	require.True(t, res.Sent)
	assert.Equal(t, []bool{true}, stalls)

	_, ok := q.OnAck(res.Seq, 0, t0.Add(time.Hour))
	require.True(t, ok)
	assert.True(t, q.Stalled(), "stall holds until the queue drains")

	res = q.Tick(t0.Add(time.Hour), link.send)
	_, ok = q.OnAck(res.Seq, 0, t0.Add(time.Hour+time.Second))
	require.True(t, ok)
	assert.False(t, q.Stalled())
	assert.Equal(t, []bool{true, false}, stalls)
}

func TestPingTimeout(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{}
	require.True(t, q.Enqueue(qdp.OpPing, 0, false))
	res := q.Tick(t0, link.send)

	res = q.Tick(t0.Add(PingTimeout), link.send)
	assert.True(t, res.Expired)
	assert.True(t, res.PingTimeout)
	assert.False(t, res.Sent)
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Stalled())
	assert.Equal(t, 0, q.Snapshot().Samples)
}

func TestAbort(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{}

	_, ok := q.Abort()
	assert.False(t, ok)

	require.True(t, q.Enqueue(qdp.OpRequestMemory, 400, false))
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 0, false))
	_, ok = q.Abort()
	assert.False(t, ok, "nothing in flight yet")

	q.Tick(t0, link.send)
	done, ok := q.Abort()
	require.True(t, ok)
	assert.Equal(t, qdp.OpRequestMemory, done.Op)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, PhaseNeed, q.Phase())
	assert.Equal(t, 0, q.Snapshot().Samples, "aborted exchanges are not sampled")
}

func TestOnError(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{}
	require.True(t, q.Enqueue(qdp.OpRequestServer, 0, false))
	res := q.Tick(t0, link.send)

	_, ok := q.OnError(res.Seq + 5)
	assert.False(t, ok)
	done, ok := q.OnError(res.Seq)
	require.True(t, ok)
	assert.Equal(t, qdp.OpRequestServer, done.Op)
	assert.Equal(t, 0, q.Snapshot().Samples)
	assert.Equal(t, PhaseIdle, q.Phase())
}

func TestSendError_ForcesRetryCap(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{err: errors.New("link down")}
	require.True(t, q.Enqueue(qdp.OpRequestStatus, 0, false))

	res := q.Tick(t0, link.send)
	assert.False(t, res.Sent)
	require.Error(t, res.Err)
	assert.Equal(t, PhaseWait, q.Phase())
	assert.Equal(t, DefaultMaxRetries, q.Retries())

	res = q.Tick(t0.Add(res.Timeout), link.send)
	assert.True(t, res.Exhausted)
	require.ErrorIs(t, res.Err, ErrRetriesExhausted)
}

func TestPurge(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{}
	var stalls []bool
	q.OnStall(func(stalled bool) { stalls = append(stalls, stalled) })

	require.True(t, q.Enqueue(qdp.OpRequestStatus, 0, false))
	require.True(t, q.Enqueue(qdp.OpRequestFlags, 0, false))
	res := q.Tick(t0, link.send)
	q.Tick(t0.Add(res.Timeout), link.send)
	require.True(t, q.Stalled())

	q.Purge()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, PhaseIdle, q.Phase())
	assert.Equal(t, 0, q.Retries())
	assert.Equal(t, []bool{true, false}, stalls)

	snap := q.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Zero(t, snap.Timeout)
}

func TestSnapshot(t *testing.T) {
	q := newTestQueue(t, Config{})
	link := &fakeLink{}
	require.True(t, q.Enqueue(qdp.OpRequestGlobalIDs, 0, false))
	res := q.Tick(t0, link.send)

	snap := q.Snapshot()
	assert.Equal(t, PhaseWait, snap.Phase)
	assert.Equal(t, 1, snap.Pending)
	assert.Equal(t, qdp.OpRequestGlobalIDs, snap.Current)
	assert.Equal(t, res.Timeout, snap.Timeout)
	assert.Equal(t, t0.Add(res.Timeout), snap.Deadline)
	assert.Equal(t, "wait", snap.Phase.String())
}

func TestHistoryRing(t *testing.T) {
	h := newHistory(4)
	assert.Zero(t, h.average())
	for i := 1; i <= 6; i++ {
		h.add(float64(i))
	}
	assert.Equal(t, 4, h.len())
	assert.InDelta(t, 4.5, h.average(), 1e-9) // 3, 4, 5, 6
	h.reset()
	assert.Equal(t, 0, h.len())
}
