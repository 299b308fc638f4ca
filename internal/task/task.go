// Package task manages the goroutines owned by a session: the session worker, the
// transport readers and the periodic status jobs.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-q330/logger"
)

// Func is one iteration of a task. It returns true to keep running and false to stop.
type Func func() bool

// RecvFunc is one iteration of a receive task. buf is a scratch buffer owned by the
// goroutine and reused across iterations.
type RecvFunc func(buf []byte) bool

// CancelFunc is called when a goroutine started with StartReceiver exits.
type CancelFunc func()

// Manager manages the lifecycle of goroutines.
//
// Every goroutine observes the manager context; Stop cancels it and Wait blocks until all
// goroutines returned. After Wait the manager can be reused.
//
//	mgr := task.NewManager(ctx, logger)
//	_ = mgr.Start("worker", func() bool {
//	    return s.step()
//	})
//	...
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protect ctx and cancel
	taskMu  sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a Manager using ctx as parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context observed by the managed goroutines.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a goroutine that calls taskFunc until it returns false or the manager stops.
func (mgr *Manager) Start(name string, taskFunc Func) error {
	mgr.logger.Debug("start task", "name", name)

	starter, err := mgr.newStarter(name)
	if err != nil {
		return err
	}

	starter.startTask(func() {
		mgr.runLoop(name, taskFunc)
	})

	return starter.waitForStart()
}

// StartReceiver is like Start but hands a bufSize scratch buffer to every iteration and
// calls cancelFunc when the goroutine exits.
func (mgr *Manager) StartReceiver(name string, bufSize int, taskFunc RecvFunc, cancelFunc CancelFunc) error {
	mgr.logger.Debug("start receiver task", "name", name)

	if bufSize <= 0 {
		return fmt.Errorf("task: invalid buffer size %d", bufSize)
	}

	starter, err := mgr.newStarter(name)
	if err != nil {
		return err
	}

	starter.startTask(func() {
		if cancelFunc != nil {
			defer cancelFunc()
		}

		buf := make([]byte, bufSize)
		mgr.runLoop(name, func() bool {
			return taskFunc(buf)
		})
	})

	return starter.waitForStart()
}

// StartInterval starts a goroutine that calls taskFunc every interval. If runNow is true
// taskFunc is called once before the goroutine starts.
func (mgr *Manager) StartInterval(name string, taskFunc Func, interval time.Duration, runNow bool) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return fmt.Errorf("task: invalid interval %v", interval)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("task: interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	if runNow && !mgr.callWithRecover(name, taskFunc) {
		cleanup()
		return nil
	}

	starter, err := mgr.newStarter(name)
	if err != nil {
		cleanup()
		return err
	}

	starter.startTask(func() {
		defer cleanup()

		for {
			ctx := mgr.Context()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, taskFunc) {
					return
				}
			}
		}
	})

	if err := starter.waitForStart(); err != nil {
		cleanup()
		return err
	}

	return nil
}

// StopInterval stops the interval task with the given name.
func (mgr *Manager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("task: ticker %s not found", name)
	}
	if ticker, ok := val.(*time.Ticker); ok {
		ticker.Stop()
	}

	return nil
}

// Stop signals all running goroutines.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}
		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate and re-arms the manager.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) callWithRecover(name string, fn Func) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			ok = false
		}
	}()

	return fn()
}

func (mgr *Manager) runLoop(name string, taskFunc Func) {
	for {
		ctx := mgr.Context()
		select {
		case <-ctx.Done():
			return
		default:
			if !mgr.callWithRecover(name, taskFunc) {
				return
			}
		}
	}
}

type starter struct {
	mgr     *Manager
	name    string
	started chan error
}

func (mgr *Manager) newStarter(name string) (*starter, error) {
	select {
	case <-mgr.Context().Done():
		return nil, fmt.Errorf("task: manager already stopped")
	default:
	}

	return &starter{mgr: mgr, name: name, started: make(chan error, 1)}, nil
}

func (s *starter) startTask(body func()) {
	s.mgr.taskMu.RLock()
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)

	go func() {
		defer s.mgr.wg.Done()

		s.mgr.count.Add(1)
		s.started <- nil

		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug("task terminated", "name", s.name, "task_count", s.mgr.TaskCount())
		}()

		body()
	}()
}

func (s *starter) waitForStart() error {
	select {
	case err := <-s.started:
		if err != nil {
			return fmt.Errorf("task: failed to start %s: %w", s.name, err)
		}
		return nil

	case <-time.After(5 * time.Second):
		return fmt.Errorf("task: timeout waiting for %s to start", s.name)
	}
}
