package audio

import (
	"sync"
	"time"
)

// DefaultPeakHoldDuration is the default duration that peak values are held before decaying.
const DefaultPeakHoldDuration = 3000 * time.Millisecond

// PeakHolder holds the largest recent value for a fixed duration.
// It is safe for concurrent use.
type PeakHolder struct {
	mu           sync.Mutex
	floor        float64
	held         float64
	heldAt       time.Time
	holdDuration time.Duration
}

// NewPeakHolder creates a peak holder that starts at floor and holds
// values for holdDuration.
func NewPeakHolder(floor float64, holdDuration time.Duration) *PeakHolder {
	return &PeakHolder{
		floor:        floor,
		held:         floor,
		holdDuration: holdDuration,
	}
}

// Update records a new peak and returns the held peak.
func (p *PeakHolder) Update(peak float64, now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peak >= p.held || now.Sub(p.heldAt) > p.holdDuration {
		p.held = peak
		p.heldAt = now
	}
	return p.held
}

// Held returns the currently held peak.
func (p *PeakHolder) Held() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// Reset clears the held peak to the floor.
func (p *PeakHolder) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held = p.floor
	p.heldAt = time.Time{}
}
