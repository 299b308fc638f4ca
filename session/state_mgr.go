package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-q330/logger"
)

// stateMgr publishes the session state to foreign goroutines.
//
// The worker owns the state machine under the session lock; stateMgr holds a copy that
// can be read and waited on without taking that lock.
type stateMgr struct {
	mu     sync.Mutex
	cond   *sync.Cond
	state  atomic.Uint32
	logger logger.Logger
}

func newStateMgr(l logger.Logger) *stateMgr {
	sm := &stateMgr{logger: l}
	sm.cond = sync.NewCond(&sm.mu)
	sm.state.Store(uint32(StateIdle))

	return sm
}

// State returns the last published state.
func (sm *stateMgr) State() State {
	return State(sm.state.Load()) //nolint:gosec // stored from a State
}

// WaitState waits for the session to reach state or until ctx is done.
//
// Waiting for any state other than StateTerminated also returns once the session
// terminated, with ErrClosed.
func (sm *stateMgr) WaitState(ctx context.Context, state State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.logger.Debug("wait session state", "cur_state", sm.State(), "desired_state", state)
	if sm.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		sm.cond.Broadcast()
		sm.mu.Unlock()
	})
	defer stopFunc()

	for sm.State() != state {
		if sm.State() == StateTerminated {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			sm.logger.Debug("wait session state receive ctx done", "cur_state", sm.State(), "desired_state", state)
			return ctx.Err()
		default:
			sm.cond.Wait()
		}
	}

	return nil
}

// setState publishes state and wakes all waiters.
func (sm *stateMgr) setState(state State) {
	sm.mu.Lock()
	sm.state.Store(uint32(state))
	sm.cond.Broadcast()
	sm.mu.Unlock()
}
