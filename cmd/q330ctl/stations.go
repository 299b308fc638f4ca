package main

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-q330/config"
	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/session"
)

// station is one running session and the station entry it was started from.
type station struct {
	entry config.Station
	sess  *session.Session
	recs  atomic.Uint64
}

// stationHandler prints the state changes and messages of a station.
type stationHandler struct {
	label string
	out   *printer
	st    *station
}

func (h *stationHandler) HandleState(ev session.StateEvent) {
	switch ev.Type {
	case session.EventState:
		h.out.state(h.label, ev)
	case session.EventStall:
		if ev.Info != 0 {
			h.out.printf(h.label, "link stalled")
		}
	}
}

func (h *stationHandler) HandleMessage(msg session.Message) {
	h.out.message(h.label, msg)
}

func (h *stationHandler) HandleData(session.DataRecord) {
	h.st.recs.Add(1)
}

// registry runs one session per station of the station file.
type registry struct {
	out      *printer
	extra    []session.Option
	stations *xsync.MapOf[string, *station]

	mu sync.Mutex
}

func newRegistry(out *printer, extra ...session.Option) *registry {
	return &registry{
		out:      out,
		extra:    extra,
		stations: xsync.NewMapOf[string, *station](),
	}
}

// Apply brings the running sessions in line with f: removed or reconfigured stations are
// closed, new ones started, and runtime settings of unchanged stations updated.
func (r *registry) Apply(ctx context.Context, f *config.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	var stale []*station
	r.stations.Range(func(label string, st *station) bool {
		next, ok := f.Station(label)
		switch {
		case !ok || !sameStatic(&st.entry, next):
			r.stations.Delete(label)
			stale = append(stale, st)
		case !reflect.DeepEqual(st.entry, *next):
			if err := r.update(st, next); err != nil {
				logger.Warn("station update failed", "station", label, "error", err)
			}
		}

		return true
	})
	closeAll(stale)

	var errs []error
	for i := range f.Stations {
		entry := f.Stations[i]
		if _, ok := r.stations.Load(entry.Label()); ok {
			continue
		}
		if err := r.start(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *registry) start(ctx context.Context, entry config.Station) error {
	label := entry.Label()
	st := &station{entry: entry}
	opts := append([]session.Option{
		session.WithHandler(&stationHandler{label: label, out: r.out, st: st}),
		session.WithLogger(logger.GetLogger()),
	}, r.extra...)

	cfg, err := entry.NewConfig(opts...)
	if err != nil {
		return err
	}
	sess, err := session.New(cfg)
	if err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}
	st.sess = sess
	r.stations.Store(label, st)

	return nil
}

func (r *registry) update(st *station, next *config.Station) error {
	opts, err := next.RuntimeOptions()
	if err != nil {
		return err
	}
	if err := st.sess.UpdateOptions(opts...); err != nil {
		return err
	}
	st.entry = *next
	r.out.printf(next.Label(), "settings updated")

	return nil
}

// Len returns the number of running stations.
func (r *registry) Len() int {
	return r.stations.Size()
}

// Close terminates every session and waits for them.
func (r *registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*station
	r.stations.Range(func(label string, st *station) bool {
		r.stations.Delete(label)
		all = append(all, st)

		return true
	})
	closeAll(all)
}

func closeAll(stations []*station) {
	var wg sync.WaitGroup
	for _, st := range stations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.sess.Close()
			logger.Info("station closed", "station", st.entry.Label(), "records", st.recs.Load())
		}()
	}
	wg.Wait()
}

// sameStatic reports whether a and b differ at most in settings a running session can
// take over.
func sameStatic(a, b *config.Station) bool {
	x, y := *a, *b
	x.Verbosity, y.Verbosity = nil, nil
	x.StatusInterval, y.StatusInterval = 0, 0

	return reflect.DeepEqual(x, y)
}
