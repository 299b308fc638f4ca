package cmdq

import (
	"math"
	"time"

	"github.com/arloliu/go-q330/internal/util"
	"github.com/arloliu/go-q330/qdp"
)

const (
	// PingTimeout is the fixed timeout of a ping.
	PingTimeout = 5 * time.Second
	// PollTimeout is the fixed timeout of a serial number poll.
	PollTimeout = 3 * time.Second

	// minHistory is the number of samples needed before the average throughput is used.
	minHistory = 3
	// serialBacklog approximates the bytes still queued in the serial driver.
	serialBacklog = 600
	// socketBacklog is the link allowance of socket links.
	socketBacklog = qdp.MaxPacketSize
)

// timeout returns the retry timeout for e on its next transmission.
//
// Computation is done in float seconds and rounded to milliseconds. The exact rounding is
// not part of the contract; the result always honours the fixed ping and poll timeouts and
// otherwise lies within [MinRetry, MaxRetry].
func (q *Queue) timeout(e *Entry) time.Duration {
	switch e.Op {
	case qdp.OpPing:
		return PingTimeout
	case qdp.OpPollSerial:
		return PollTimeout
	default:
	}

	def := q.cfg.DefaultTimeout.Seconds()
	var secs float64
	if q.hist.len() < minHistory {
		secs = def
		if q.cfg.SerialBaud > 0 {
			bytesPerSec := float64(q.cfg.SerialBaud) / 10
			secs = math.Max(def, float64(e.SendSize+e.EstSize+serialBacklog)/bytesPerSec*2+1)
		}
	} else {
		backlog := socketBacklog
		if q.cfg.SerialBaud > 0 {
			backlog = serialBacklog
		}
		if r := q.hist.average(); r <= 0 {
			secs = def
		} else {
			secs = float64(e.SendSize+e.EstSize+backlog)/r*2 + 1.5
		}
		secs *= float64(q.retries + 1)
	}
	secs = util.Clamp(secs, q.cfg.MinRetry.Seconds(), q.cfg.MaxRetry.Seconds())

	return time.Duration(math.Round(secs*1000)) * time.Millisecond
}
