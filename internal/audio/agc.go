package audio

import "time"

const (
	// DefaultAGCTarget is the peak amplitude the gain loop steers toward (about -6 dBFS).
	DefaultAGCTarget = 0.5
	// MinGain is the smallest gain applied by the gain loop.
	MinGain = 0.1
	// MaxGain is the largest gain applied by the gain loop (+20 dB).
	MaxGain = 10.0

	// agcAttack is the fraction of the gap closed per buffer when reducing gain.
	agcAttack = 0.5
	// agcRelease is the fraction of the gap closed per buffer when raising gain.
	agcRelease = 0.02
	// agcMinPeak suppresses gain updates on near-silent input.
	agcMinPeak = 0.001
	// agcHold is how long a loud input peak keeps the gain down.
	agcHold = 500 * time.Millisecond
)

// AutoGain is a peak-driven automatic gain control loop. Each buffer is
// scaled with the current gain and the peak reported by Normalize adjusts the
// gain for subsequent buffers. It is not safe for concurrent use.
type AutoGain struct {
	target float64
	gain   float64
	peaks  *PeakHolder
}

// NewAutoGain returns a gain loop with unity gain steering toward target.
// A target outside (0,1] selects DefaultAGCTarget.
func NewAutoGain(target float64) *AutoGain {
	if target <= 0 || target > 1 {
		target = DefaultAGCTarget
	}
	return &AutoGain{
		target: target,
		gain:   1.0,
		peaks:  NewPeakHolder(0, agcHold),
	}
}

// Process applies the current gain to samples and updates the gain estimate.
// now is the capture time of the buffer and drives peak hold.
func (a *AutoGain) Process(samples []float64, now time.Time) []float64 {
	out, peak := Normalize(samples, a.gain)

	// Estimate the input peak; a clipped output underestimates it, which still
	// pushes the gain down.
	held := a.peaks.Update(peak/a.gain, now)
	if held < agcMinPeak {
		return out
	}

	desired := min(max(a.target/held, MinGain), MaxGain)
	coeff := agcRelease
	if desired < a.gain {
		coeff = agcAttack
	}
	a.gain += coeff * (desired - a.gain)
	return out
}

// Gain returns the current linear gain.
func (a *AutoGain) Gain() float64 {
	return a.gain
}

// Reset returns the loop to unity gain.
func (a *AutoGain) Reset() {
	a.gain = 1.0
	a.peaks.Reset()
}
