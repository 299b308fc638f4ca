package transport

import (
	"sync"
	"time"

	"github.com/arloliu/go-q330/internal/pool"
)

// Kind identifies the link type of a Transport.
type Kind uint8

const (
	KindUDP Kind = iota
	KindTCP
	KindSerial
)

func (k Kind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindTCP:
		return "tcp"
	case KindSerial:
		return "serial"
	default:
		return "unknown"
	}
}

// Channel is the logical QDP port a packet travels on.
type Channel uint8

const (
	// Control carries commands and their replies.
	Control Channel = iota
	// Data carries the data stream and its acknowledgments.
	Data
)

func (c Channel) String() string {
	if c == Data {
		return "data"
	}

	return "control"
}

// Frame is one received QDP packet, still encoded.
type Frame struct {
	Channel Channel
	Data    []byte
}

// Transport is a bidirectional QDP link.
type Transport interface {
	// Kind returns the link type.
	Kind() Kind
	// Send writes one encoded QDP packet on ch.
	Send(ch Channel, pkt []byte) error
	// Receive waits up to timeout for the next frame. It returns ErrTimeout when nothing
	// arrived and a fatal error once the link failed.
	Receive(timeout time.Duration) (Frame, error)
	// Metrics returns the link counters.
	Metrics() *Metrics
	// Close releases the link. It is safe to call more than once.
	Close() error
}

const inboxSize = 64

// inbox hands frames from reader goroutines to Receive.
type inbox struct {
	frames   chan Frame
	failed   chan struct{}
	done     chan struct{}
	failOnce sync.Once
	doneOnce sync.Once
	err      error
}

func newInbox() *inbox {
	return &inbox{
		frames: make(chan Frame, inboxSize),
		failed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// push delivers f unless the inbox was closed.
func (in *inbox) push(f Frame) bool {
	select {
	case in.frames <- f:
		return true
	case <-in.done:
		return false
	}
}

// fail records the first fatal link error.
func (in *inbox) fail(err error) {
	in.failOnce.Do(func() {
		in.err = err
		close(in.failed)
	})
}

func (in *inbox) close() {
	in.doneOnce.Do(func() {
		close(in.done)
		in.fail(ErrClosed)
	})
}

func (in *inbox) receive(timeout time.Duration) (Frame, error) {
	select {
	case f := <-in.frames:
		return f, nil
	default:
	}

	select {
	case <-in.failed:
		return Frame{}, in.err
	default:
	}

	if timeout <= 0 {
		return Frame{}, ErrTimeout
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case f := <-in.frames:
		return f, nil
	case <-in.failed:
		select {
		case f := <-in.frames:
			return f, nil
		default:
		}
		return Frame{}, in.err
	case <-timer.C:
		return Frame{}, ErrTimeout
	}
}
