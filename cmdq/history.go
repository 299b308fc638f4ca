package cmdq

// history is a ring of recent throughput samples in bytes per second.
//
// Only acknowledged exchanges are recorded; timeouts and aborts leave the ring untouched
// so that failures never pull the average towards short timeouts.
type history struct {
	samples []float64
	idx     int
	count   int
}

func newHistory(size int) *history {
	return &history{samples: make([]float64, size)}
}

func (h *history) add(rate float64) {
	h.samples[h.idx] = rate
	h.idx = (h.idx + 1) % len(h.samples)
	if h.count < len(h.samples) {
		h.count++
	}
}

func (h *history) len() int {
	return h.count
}

func (h *history) average() float64 {
	if h.count == 0 {
		return 0
	}
	var sum float64
	for i := range h.count {
		sum += h.samples[i]
	}

	return sum / float64(h.count)
}

func (h *history) reset() {
	clear(h.samples)
	h.idx = 0
	h.count = 0
}
