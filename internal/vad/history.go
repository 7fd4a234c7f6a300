package vad

// DefaultHistorySize is the default number of confidences kept for smoothing.
const DefaultHistorySize = 10

// History is a bounded FIFO of recent values. Pushing into a full history
// evicts the oldest value.
type History struct {
	buf   []float64
	start int
	n     int
}

// NewHistory returns an empty history holding at most capacity values.
// A capacity below one is raised to one.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest value when full.
func (h *History) Push(v float64) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = v
		h.n++
		return
	}
	h.buf[h.start] = v
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of stored values.
func (h *History) Len() int { return h.n }

// Cap returns the capacity.
func (h *History) Cap() int { return len(h.buf) }

// Mean returns the mean of the stored values, or zero when empty.
func (h *History) Mean() float64 {
	if h.n == 0 {
		return 0
	}
	var sum float64
	for i := range h.n {
		sum += h.buf[(h.start+i)%len(h.buf)]
	}
	return sum / float64(h.n)
}

// Reset removes all values.
func (h *History) Reset() {
	h.start, h.n = 0, 0
}

// values returns the stored values oldest first.
func (h *History) values() []float64 {
	out := make([]float64, h.n)
	for i := range out {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}
