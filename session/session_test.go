package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-q330/opstat"
	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/transport"
)

func (hs *harness) accum(t opstat.AccType) int32 {
	var v int32
	hs.with(func(s *Session) { v = s.stats.Acc[t].Accum })

	return v
}

func TestSession_RegisterToRun(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)

	hs.requireState(StateRun, 5*time.Second)

	require.Equal([]State{
		StateRegistering, StateReadConfig, StateReadTokens, StateDecodeTokens, StateRunWait, StateRun,
	}, hs.h.states())
	require.True(hs.h.hasMessage(MsgCreated))
	require.True(hs.h.hasMessage(MsgRegistered))
	require.True(hs.h.hasMessage(MsgTokensRead))
	require.True(hs.h.hasMessage(MsgStation))
	require.True(hs.h.hasMessage(MsgDataOpen))

	require.Equal(1, hs.dev.count(qdp.OpRequestServer))
	require.Equal(1, hs.dev.count(qdp.OpServerResponse))
	require.Equal(1, hs.dev.count(qdp.OpRequestFlags))
	require.GreaterOrEqual(hs.dev.count(qdp.OpRequestMemory), 1)
	require.Equal(1, hs.dev.dataOpens)

	snap := hs.s.Snapshot()
	require.Equal("XX-TEST", snap.Station)
	require.True(snap.Registered)
	require.True(snap.Configured)
	require.Equal(StateRun, snap.State)
	// message channel plus two data port channels
	require.Equal(3, snap.Channels)
	require.Equal(int32(1), hs.accum(opstat.CommAttempts))
	require.Equal(int32(1), hs.accum(opstat.CommSuccess))

	st, err := hs.s.Status(qdp.StatusGlobal)
	require.NoError(err)
	g, ok := st.Global.Get()
	require.True(ok)
	require.Equal(uint16(80), g.ClockQuality)

	fixed, err := hs.s.Config(qdp.BlockFixed)
	require.NoError(err)
	require.NotEmpty(fixed)
}

func TestSession_RunOnlyFromRunWait(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithAutoRun(false))

	require.ErrorIs(hs.s.ChangeState(StateRun, ReasonNone), ErrInvalidState)
	require.ErrorIs(hs.s.ChangeState(StatePing, ReasonNone), ErrInvalidState)

	hs.requireState(StateRunWait, 5*time.Second)
	hs.run(2 * time.Second)
	require.Equal(StateRunWait, hs.s.State())
	require.Zero(hs.dev.dataOpens)

	require.NoError(hs.s.ChangeState(StateRun, ReasonNone))
	hs.requireState(StateRun, time.Second)
	require.Equal(1, hs.dev.dataOpens)
}

func TestSession_DataDelivery(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)
	hs.requireState(StateRun, 5*time.Second)

	hs.dev.sendData(10, 0x10, []byte{1, 2, 3})
	hs.step(100 * time.Millisecond)

	recs := hs.h.records()
	require.Len(recs, 1)
	require.Equal(uint32(10), recs[0].Sequence)
	require.Equal(uint8(0x10), recs[0].Channel)
	require.Equal([]byte{1, 2, 3}, recs[0].Data)
	require.Equal(uint16(10), hs.dev.lastAck)

	// two packets lost
	hs.dev.sendData(13, 0x11, []byte{4})
	hs.step(100 * time.Millisecond)
	require.Len(hs.h.records(), 2)
	require.True(hs.h.hasMessage(MsgSequenceGap))
	require.Equal(int32(1), hs.accum(opstat.Gaps))
	require.Equal(int32(2), hs.accum(opstat.Missing))
	require.Equal(int32(2), hs.accum(opstat.Packets))

	// a duplicate is acknowledged but not delivered again
	acks := hs.dev.acks
	hs.dev.sendData(13, 0x11, []byte{4})
	hs.step(100 * time.Millisecond)
	require.Len(hs.h.records(), 2)
	require.Equal(acks+1, hs.dev.acks)
	require.Equal(uint16(13), hs.dev.lastAck)
	require.Equal(uint32(13), hs.s.Snapshot().DataSequence)
}

func TestSession_DataOutsideRunIgnored(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithAutoRun(false))
	hs.requireState(StateRunWait, 5*time.Second)

	hs.dev.sendData(1, 0x10, []byte{1})
	hs.step(100 * time.Millisecond)
	require.Empty(hs.h.records())
	require.Zero(hs.dev.acks)
}

func TestSession_DataTimeout(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithDataTimeout(5*time.Second), WithDataTimeoutRetry(3*time.Second))
	hs.requireState(StateRun, 5*time.Second)

	hs.requireState(StateWait, 10*time.Second)
	require.True(hs.h.hasMessage(MsgDataTimeout))
	require.Equal(ReasonDataTimeout, hs.s.Snapshot().Reason)
	require.False(hs.s.Snapshot().Registered)
	// the device dropped the registration, no deregistration is sent
	require.Zero(hs.dev.count(qdp.OpDeregister))

	// the cooldown ends with a new registration
	hs.requireState(StateRun, 10*time.Second)
	require.Equal(2, hs.dev.count(qdp.OpRequestServer))
	require.Len(hs.dev.links, 2)
}

func TestSession_DataKeepsRunAlive(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithDataTimeout(5*time.Second))
	hs.requireState(StateRun, 5*time.Second)

	for i := range 40 {
		hs.dev.sendData(uint16(i), 0x10, []byte{byte(i)}) //nolint:gosec // test data
		hs.run(500 * time.Millisecond)
	}
	require.Equal(StateRun, hs.s.State())
	require.Len(hs.h.records(), 40)
}

func TestSession_DuplicateDataKeepsRunAlive(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithDataTimeout(5*time.Second))
	hs.requireState(StateRun, 5*time.Second)

	hs.dev.sendData(1, 0x10, []byte{1})
	hs.run(500 * time.Millisecond)
	for range 20 {
		hs.dev.sendData(1, 0x10, []byte{1})
		hs.run(500 * time.Millisecond)
	}
	require.Equal(StateRun, hs.s.State())
	require.Len(hs.h.records(), 1)
	require.False(hs.h.hasMessage(MsgDataTimeout))
}

func TestSession_CommandRetriesExhausted(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t,
		WithCmdRetry(time.Second, 2*time.Second),
		WithMaxRetries(2),
		WithStatusInterval(time.Second),
	)
	hs.requireState(StateRun, 5*time.Second)

	hs.dev.setMute(qdp.OpRequestStatus, true)
	hs.requireState(StateWait, 30*time.Second)

	snap := hs.s.Snapshot()
	require.Equal(ReasonCommandTimeout, snap.Reason)
	require.False(snap.Registered)
	require.Equal(1, hs.dev.count(qdp.OpDeregister))
	require.True(hs.h.hasMessage(MsgDeregistered))
	require.Positive(hs.accum(opstat.CmdTimeouts))
}

func TestSession_InvalidRegistration(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithAuthCode(0xBAD))

	hs.run(time.Second)
	require.Equal(StateIdle, hs.s.State())
	require.True(hs.h.hasMessage(MsgInvalidRegistration))
	require.Equal(ReasonInvalidRegistration, hs.s.Snapshot().Reason)

	evs := hs.h.eventsOf(EventState)
	require.NotEmpty(evs)
	var authErr *AuthError
	require.ErrorAs(evs[len(evs)-1].Err, &authErr)

	// the session stays idle
	hs.run(5 * time.Second)
	require.Equal(1, hs.dev.count(qdp.OpServerResponse))
}

func TestSession_PortInUse(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithRegisterRetry(2*time.Second))
	hs.dev.setError(qdp.OpServerResponse, qdp.ErrCodeTooManyServers)

	hs.requireState(StateWait, time.Second)
	require.True(hs.h.hasMessage(MsgPortInUse))
	require.Equal(ReasonTMServ, hs.s.Snapshot().Reason)

	hs.dev.mu.Lock()
	delete(hs.dev.errs, qdp.OpServerResponse)
	hs.dev.mu.Unlock()
	hs.requireState(StateRun, 10*time.Second)
}

func TestSession_NotRegisteredInRun(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithNotRegisteredWait(5*time.Second))
	hs.requireState(StateRun, 5*time.Second)

	hs.dev.setError(qdp.OpRequestStatus, qdp.ErrCodeNotRegistered)
	require.NoError(hs.s.RequestStatus(qdp.StatusGlobal, 10*time.Second))
	hs.requireState(StateWait, 2*time.Second)
	require.True(hs.h.hasMessage(MsgNotRegistered))
	require.Zero(hs.dev.count(qdp.OpDeregister))
}

func TestSession_Terminate(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)
	hs.requireState(StateRun, 5*time.Second)

	hs.s.Terminate()
	hs.requireState(StateTerminated, 5*time.Second)

	require.Equal(1, hs.dev.count(qdp.OpDeregister))
	require.True(hs.h.hasMessage(MsgDeregistered))
	require.True(hs.dev.link().closed)
	require.True(hs.step(100 * time.Millisecond))

	require.ErrorIs(hs.s.ChangeState(StateRunWait, ReasonNone), ErrClosed)
}

func TestSession_TerminateDeregTimeout(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)
	hs.requireState(StateRun, 5*time.Second)

	hs.dev.setMute(qdp.OpDeregister, true)
	hs.s.Terminate()
	hs.requireState(StateDereg, time.Second)
	hs.requireState(StateTerminated, 30*time.Second)
	require.False(hs.h.hasMessage(MsgDeregistered))
}

func TestSession_Deregister(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)
	hs.requireState(StateRun, 5*time.Second)

	require.NoError(hs.s.Deregister())
	hs.requireState(StateIdle, 5*time.Second)
	require.Equal(1, hs.dev.count(qdp.OpDeregister))
	require.False(hs.s.Snapshot().Registered)

	// stays idle until asked again
	hs.run(3 * time.Second)
	require.Equal(StateIdle, hs.s.State())

	require.NoError(hs.s.Register())
	hs.requireState(StateRun, 5*time.Second)
}

func TestSession_LinkFailureInRun(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithNetFailWait(2*time.Second))
	hs.requireState(StateRun, 5*time.Second)

	hs.dev.link().failReceive(transport.ErrConnectionReset)
	hs.requireState(StateWait, time.Second)
	require.Equal(ReasonNetFail, hs.s.Snapshot().Reason)
	require.True(hs.h.hasMessage(MsgRouteFault))
	require.Positive(hs.accum(opstat.IOErrors))

	hs.requireState(StateRun, 10*time.Second)
}

func TestSession_LinkResetCooldown(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithRegisterRetry(2*time.Second))
	hs.requireState(StateRun, 5*time.Second)

	failedAt := hs.clk.Now()
	hs.dev.link().failReceive(transport.ErrConnectionReset)
	hs.requireState(StateWait, time.Second)
	hs.with(func(s *Session) {
		require.WithinDuration(failedAt.Add(DefaultNetFailWait), s.waitUntil, time.Second)
	})

	// the registration retry does not shorten the cooldown
	hs.run(10 * time.Second)
	require.Equal(StateWait, hs.s.State())
	require.Len(hs.dev.links, 1)
}

func TestSession_QueueBlockedWhileLinkDown(t *testing.T) {
	require := require.New(t)

	idle := newHarness(t, WithAutoRegister(false))
	idle.requireState(StateIdle, time.Second)
	require.True(idle.s.Snapshot().Queue.Blocked)
	idle.with(func(s *Session) {
		require.False(s.enqueueStatus(qdp.StatusGlobal))
		require.Zero(s.queue.Len())
	})

	hs := newHarness(t, WithNetFailWait(2*time.Second))
	hs.requireState(StateRun, 5*time.Second)
	require.False(hs.s.Snapshot().Queue.Blocked)

	hs.dev.link().failReceive(transport.ErrConnectionReset)
	hs.requireState(StateWait, time.Second)
	require.True(hs.s.Snapshot().Queue.Blocked)
	hs.with(func(s *Session) {
		require.False(s.enqueueStatus(qdp.StatusGlobal))
		require.Zero(s.queue.Len())
		require.Empty(s.pending)
	})

	hs.requireState(StateRun, 10*time.Second)
	require.False(hs.s.Snapshot().Queue.Blocked)
}

func TestSession_OpenFailure(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)
	hs.dev.dialErr = errors.New("no route")

	hs.requireState(StateWait, time.Second)
	require.True(hs.h.hasMessage(MsgSocketError))
	require.Equal(ReasonNetFail, hs.s.Snapshot().Reason)
}

func TestSession_UnregisteredPing(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)
	require.NoError(hs.s.Deregister())
	hs.step(100 * time.Millisecond)
	require.Equal(StateIdle, hs.s.State())

	require.NoError(hs.s.UnregisteredPing(7, []byte("hello")))
	require.Error(hs.s.UnregisteredPing(8, nil))

	hs.run(time.Second)
	require.Equal(StateIdle, hs.s.State())
	require.Contains(hs.h.states(), StatePing)
	require.Len(hs.h.eventsOf(EventPing), 1)
	require.Equal(1, hs.dev.count(qdp.OpPing))
	require.Zero(hs.dev.count(qdp.OpRequestServer))
	require.True(hs.dev.link().cfg.Unregistered)
}

func TestSession_RegisteredPing(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)
	require.ErrorIs(hs.s.Ping(1, nil), ErrNotRegistered)

	hs.requireState(StateRun, 5*time.Second)
	require.NoError(hs.s.Ping(1, []byte{9, 9}))
	hs.run(time.Second)

	evs := hs.h.eventsOf(EventPing)
	require.Len(evs, 1)
	require.NotEqual(uint32(PingTimedOut), evs[0].Info)
	require.Equal(StateRun, hs.s.State())
}

func TestSession_ConfigBlocks(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)

	require.ErrorIs(hs.s.SetConfig(qdp.BlockGlobal, []byte{1}), ErrNotRegistered)
	hs.requireState(StateRun, 5*time.Second)

	_, err := hs.s.Config(qdp.BlockGlobal)
	require.ErrorIs(err, ErrNotAvailable)
	hs.run(time.Second)
	b, err := hs.s.Config(qdp.BlockGlobal)
	require.NoError(err)
	require.Len(b, 16)

	payload := []byte{0xAA, 0xBB, 0xCC}
	require.NoError(hs.s.SetConfig(qdp.BlockGlobal, payload))
	hs.run(time.Second)
	require.Equal(1, hs.dev.count(qdp.OpSetGlobal))
	b, err = hs.s.Config(qdp.BlockGlobal)
	require.NoError(err)
	require.Equal(payload, b)

	var blocks []qdp.Block
	for _, ev := range hs.h.eventsOf(EventConfig) {
		blocks = append(blocks, ev.Block)
	}
	require.Contains(blocks, qdp.BlockGlobal)
	require.Contains(blocks, qdp.BlockFlags)

	require.ErrorIs(hs.s.SetConfig(qdp.BlockFixed, payload), ErrNotSettable)
}

func TestSession_Tunnel(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)
	hs.requireState(StateRun, 5*time.Second)

	require.NoError(hs.s.SendTunneled(qdp.OpRequestGlobal, qdp.OpGlobal, nil))
	require.ErrorIs(hs.s.SendTunneled(qdp.OpRequestGlobal, qdp.OpGlobal, nil), ErrTunnelBusy)
	hs.run(time.Second)

	evs := hs.h.eventsOf(EventTunnel)
	require.Len(evs, 1)
	require.NoError(evs[0].Err)
	p, err := hs.s.TunnelResponse(qdp.OpGlobal)
	require.NoError(err)
	require.Equal(qdp.OpGlobal, p.Command)
	_, err = hs.s.TunnelResponse(qdp.OpGlobal)
	require.ErrorIs(err, ErrNotAvailable)

	// tunneled replies do not touch the block cache
	_, err = hs.s.Config(qdp.BlockGlobal)
	require.ErrorIs(err, ErrNotAvailable)
}

// tunnelStatusHarness reaches Run with the periodic status poll out of the way and the
// status request muted.
func tunnelStatusHarness(t *testing.T) *harness {
	t.Helper()
	hs := newHarness(t, WithCmdRetry(time.Second, 2*time.Second), WithStatusInterval(time.Hour))
	hs.requireState(StateRun, 5*time.Second)
	hs.dev.setMute(qdp.OpRequestStatus, true)

	return hs
}

func requireBoomOnlyTunnelReply(t *testing.T, hs *harness) {
	t.Helper()
	require := require.New(t)

	evs := hs.h.eventsOf(EventTunnel)
	require.Len(evs, 1)
	require.NoError(evs[0].Err)
	p, err := hs.s.TunnelResponse(qdp.OpStatus)
	require.NoError(err)

	var st qdp.Status
	require.NoError(qdp.UnmarshalRecord(p, &st))
	_, ok := st.Boom.Get()
	require.True(ok)
	_, ok = st.Global.Get()
	require.False(ok, "tunnel reply answers the session request")
}

func TestSession_TunnelBehindSameSessionCommand(t *testing.T) {
	require := require.New(t)
	hs := tunnelStatusHarness(t)
	statuses := len(hs.h.eventsOf(EventStatus))

	hs.with(func(s *Session) { s.req.statusNow = true })
	hs.run(300 * time.Millisecond)
	require.Equal(1, hs.dev.count(qdp.OpRequestStatus))

	payload := qdp.MarshalRecord(&qdp.StatusRequest{Bitmap: qdp.StatusBoom})
	require.NoError(hs.s.SendTunneled(qdp.OpRequestStatus, qdp.OpStatus, payload))
	hs.run(300 * time.Millisecond)
	hs.with(func(s *Session) {
		require.Equal(2, s.queue.Len())
		require.True(s.tun.busy)
	})

	hs.dev.setMute(qdp.OpRequestStatus, false)
	hs.run(20 * time.Second)

	requireBoomOnlyTunnelReply(t, hs)
	require.Len(hs.h.eventsOf(EventStatus), statuses+1)
	require.Equal(StateRun, hs.s.State())
}

func TestSession_SessionCommandBehindSameTunnel(t *testing.T) {
	require := require.New(t)
	hs := tunnelStatusHarness(t)
	statuses := len(hs.h.eventsOf(EventStatus))

	payload := qdp.MarshalRecord(&qdp.StatusRequest{Bitmap: qdp.StatusBoom})
	require.NoError(hs.s.SendTunneled(qdp.OpRequestStatus, qdp.OpStatus, payload))
	hs.run(300 * time.Millisecond)
	require.Equal(1, hs.dev.count(qdp.OpRequestStatus))

	hs.with(func(s *Session) { s.req.statusNow = true })
	hs.run(300 * time.Millisecond)
	hs.with(func(s *Session) { require.Equal(2, s.queue.Len()) })

	hs.dev.setMute(qdp.OpRequestStatus, false)
	hs.run(20 * time.Second)

	requireBoomOnlyTunnelReply(t, hs)
	require.Len(hs.h.eventsOf(EventStatus), statuses+1)
	require.Equal(StateRun, hs.s.State())
}

func TestSession_UserMessage(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)
	require.ErrorIs(hs.s.SendUserMessage("hi"), ErrNotRegistered)

	hs.requireState(StateRun, 5*time.Second)
	require.NoError(hs.s.SendUserMessage("maintenance at 10:00"))
	hs.run(time.Second)
	require.Equal(1, hs.dev.count(qdp.OpUserMessage))
}

func TestSession_DynamicIP(t *testing.T) {
	require := require.New(t)
	hs := newHarnessBase(t, WithDynamicIP(true))

	hs.run(3 * time.Second)
	require.Equal(StateWait, hs.s.State())
	require.True(hs.h.hasMessage(MsgNoIP))
	require.Empty(hs.dev.links)

	require.Error(hs.s.PointOfContact("", 0))
	require.NoError(hs.s.PointOfContact(testAddress, 6330))
	hs.requireState(StateRun, 5*time.Second)

	require.Equal(testAddress, hs.s.Snapshot().Address)
	// data port 1 uses the control port base+2
	require.Equal(6332, hs.dev.link().cfg.ControlPort)
	require.Equal(int32(1), hs.accum(opstat.POCs))
	require.Equal(int32(1), hs.accum(opstat.NewIP))
}

func TestSession_POCNewAddressReregisters(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)
	hs.requireState(StateRun, 5*time.Second)

	require.NoError(hs.s.PointOfContact("192.0.2.99", 0))
	hs.requireState(StateWait, 2*time.Second)
	hs.requireState(StateRun, 5*time.Second)
	require.Equal("192.0.2.99", hs.dev.link().cfg.Address)
	require.Equal(1, hs.dev.count(qdp.OpDeregister))
}

func TestSession_TokensChanged(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithStatusInterval(time.Second))
	hs.requireState(StateRun, 5*time.Second)

	hs.dev.mu.Lock()
	tk := testTokens()
	tk.Station = "NEW"
	hs.dev.tokens = tk.Marshal()
	hs.dev.mu.Unlock()

	// a new logical port block announces the change
	hs.with(func(s *Session) {
		s.flags.DataPort = []byte{9, 9, 9, 9}
	})
	hs.with(func(s *Session) { s.req.fetch[qdp.BlockFlags] = true })
	hs.run(time.Second)
	require.True(hs.h.hasMessage(MsgLogChange))

	hs.requireState(StateRun, 5*time.Second)
	require.Equal("XX-NEW", hs.s.Snapshot().Station)
	require.True(hs.h.hasMessage(MsgTokensChanged))
}

func TestSession_Continuity(t *testing.T) {
	require := require.New(t)
	base := filepath.Join(t.TempDir(), "station")

	hs := newHarness(t, WithContinuityFile(base))
	hs.requireState(StateRun, 5*time.Second)
	hs.dev.sendData(42, 0x10, []byte{1})
	hs.step(100 * time.Millisecond)
	hs.s.Terminate()
	hs.requireState(StateTerminated, 5*time.Second)
	require.True(hs.h.hasMessage(MsgContinuitySaved))

	_, err := os.Stat(base + "t")
	require.NoError(err)
	_, err = os.Stat(base + "q")
	require.NoError(err)

	hs2 := newHarness(t, WithContinuityFile(base))
	require.True(hs2.h.hasMessage(MsgContinuityFound))
	hs2.step(100 * time.Millisecond)
	require.True(hs2.h.hasMessage(MsgRestoringContinuity))
	require.Equal(3, hs2.s.Snapshot().Channels)
	hs2.with(func(s *Session) {
		require.Equal(uint32(42), s.system.LastSequence)
	})

	// a restored checkpoint is purged and not restored again
	hs3 := newHarness(t, WithContinuityFile(base))
	require.False(hs3.h.hasMessage(MsgContinuityFound))
}

func TestSession_MinuteStatistics(t *testing.T) {
	hs := newHarness(t)
	hs.requireState(StateRun, 5*time.Second)
	for i := range 10 {
		hs.dev.sendData(uint16(i*2), 0x10, []byte{1}) //nolint:gosec // test data
		hs.step(100 * time.Millisecond)
	}

	hs.with(func(s *Session) {
		slot := s.stats.StatMinutes
		s.rollMinute()
		// 10 packets received, 9 lost
		assert.Equal(t, int32(1000*10/19), s.stats.Acc[opstat.CommEfficiency].Minutes[slot])
		assert.Equal(t, int32(10), s.stats.Acc[opstat.Packets].Minutes[slot])
		assert.Equal(t, int32(9), s.stats.Acc[opstat.Missing].Minutes[slot])
		assert.Zero(t, s.stats.Acc[opstat.Packets].Accum)
	})
	hs.step(100 * time.Millisecond)
	require.NotEmpty(t, hs.h.eventsOf(EventOpStat))

	// outside run the efficiency is not measured
	hs.with(func(s *Session) {
		s.state = StateWait
		slot := s.stats.StatMinutes
		s.rollMinute()
		assert.Equal(t, opstat.InvalidEntry, s.stats.Acc[opstat.CommEfficiency].Minutes[slot])
		s.state = StateRun
	})
}

func TestSession_StartClose(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice(t)
	h := &recordHandler{}
	cfg, err := NewConfig(testSerial,
		WithAddress(testAddress),
		WithAuthCode(testAuth),
		WithHandler(h),
		WithTransportFactory(dev.factory),
		WithTickInterval(10*time.Millisecond),
	)
	require.NoError(err)
	s, err := New(cfg)
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(s.Start(ctx))
	require.ErrorIs(s.Start(ctx), ErrAlreadyStarted)
	require.NoError(s.WaitState(ctx, StateRun))

	require.NoError(s.Close())
	require.Equal(StateTerminated, s.State())
	require.Equal(1, dev.count(qdp.OpDeregister))
	require.ErrorIs(s.Start(ctx), ErrClosed)
}

func TestSession_ContextCancelTerminates(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice(t)
	cfg, err := NewConfig(testSerial,
		WithAddress(testAddress),
		WithAuthCode(testAuth),
		WithTransportFactory(dev.factory),
		WithTickInterval(10*time.Millisecond),
	)
	require.NoError(err)
	s, err := New(cfg)
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(s.Start(ctx))

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	require.NoError(s.WaitState(wctx, StateRun))
	cancel()
	require.NoError(s.WaitState(wctx, StateTerminated))
	require.NoError(s.Close())
}

func TestSession_BalerAnnounce(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithBalerAnnounce(true))

	hs.requireState(StateAnnounce, time.Second)
	hs.run(time.Second)
	require.Equal(StateAnnounce, hs.s.State())
	require.Zero(hs.dev.count(qdp.OpRequestServer))

	// an announcement of another baler is only reported
	brdy, err := qdp.EncodeRecord(&qdp.BalerReady{Serial: testSerial + 1, Addr: 0xC0000202}, 0, 0)
	require.NoError(err)
	hs.dev.link().push(transport.Control, brdy)
	hs.step(100 * time.Millisecond)
	require.Equal(StateAnnounce, hs.s.State())
	require.Len(hs.h.eventsOf(EventBalerReady), 1)

	brdy, err = qdp.EncodeRecord(&qdp.BalerReady{Serial: testSerial, Addr: 0xC000020A}, 0, 0)
	require.NoError(err)
	hs.dev.link().push(transport.Control, brdy)
	hs.requireState(StateRun, 5*time.Second)
	require.True(hs.h.hasMessage(MsgBalerAck))

	hs.s.Terminate()
	hs.requireState(StateTerminated, 5*time.Second)
	require.Equal(1, hs.dev.count(qdp.OpBackOff))
	require.Zero(hs.dev.count(qdp.OpDeregister))
}

func TestSession_UnknownOpcode(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t)
	hs.requireState(StateRun, 5*time.Second)

	hs.dev.link().push(transport.Control, mustEncode(t, qdp.Opcode(0xEE), 0, nil))
	hs.step(100 * time.Millisecond)
	require.True(hs.h.hasMessage(MsgUnknownCommand))

	// a reply nobody waits for is a sequence error
	hs.dev.link().push(transport.Control, mustEncode(t, qdp.OpCommandAck, 0x7777, nil))
	hs.step(100 * time.Millisecond)
	require.Equal(int32(1), hs.accum(opstat.SeqErrors))

	// corrupted packets are counted and dropped
	pkt := mustEncode(t, qdp.OpCommandAck, 0, nil)
	pkt[0] ^= 0xFF
	hs.dev.link().push(transport.Control, pkt)
	hs.step(100 * time.Millisecond)
	require.Equal(int32(1), hs.accum(opstat.Checksum))
	require.Equal(StateRun, hs.s.State())
}

func TestSession_NoAutoRegister(t *testing.T) {
	require := require.New(t)
	hs := newHarness(t, WithAutoRegister(false))

	hs.run(time.Second)
	require.Equal(StateIdle, hs.s.State())
	require.Zero(hs.dev.count(qdp.OpRequestServer))

	require.NoError(hs.s.Register())
	hs.requireState(StateRun, 5*time.Second)
}
