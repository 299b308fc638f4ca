// Package pool holds the reusable timers and packet buffers of the receive paths.
package pool

import (
	"sync"
	"time"
)

// FrameSize is the capacity of pooled frame buffers, the largest QDP packet carried by
// any transport.
const FrameSize = 576

var (
	timerPool sync.Pool
	framePool = sync.Pool{
		New: func() any {
			b := make([]byte, FrameSize)
			return &b
		},
	}
)

// GetTimer returns a timer firing after d.
//
// Return the timer to the pool with PutTimer.
func GetTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		t, _ := v.(*time.Timer)
		if t.Reset(d) {
			select {
			case <-t.C:
			default:
			}
		}
		return t
	}

	return time.NewTimer(d)
}

// PutTimer returns t to the pool. t must not be used afterwards.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}

// GetFrame returns a FrameSize byte buffer.
func GetFrame() *[]byte {
	b, _ := framePool.Get().(*[]byte)
	*b = (*b)[:FrameSize]

	return b
}

// PutFrame returns b to the pool. Buffers that were reallocated to another capacity are
// dropped.
func PutFrame(b *[]byte) {
	if b == nil || cap(*b) != FrameSize {
		return
	}
	framePool.Put(b)
}
