// Package audio provides PCM formats, sample conversion, level metering and
// automatic gain control for the capture pipeline.
package audio

import (
	"math"
)

const (
	// MinDB is the level reported for digital silence and degenerate input.
	MinDB = -160.0
	// ClipThreshold is slightly below full scale to catch near-clips.
	ClipThreshold = 32760.0 / 32768.0
)

// LevelData holds raw sample accumulator data for level calculation.
type LevelData struct {
	SumSquares  float64
	Peak        float64
	ClipCount   int
	SampleCount int
}

// Add accumulates normalized samples. Non-finite samples count as silence.
func (d *LevelData) Add(samples []float64) {
	for _, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			s = 0
		}
		d.SumSquares += s * s
		if a := math.Abs(s); a > d.Peak {
			d.Peak = a
		}
		if s >= ClipThreshold || s <= -ClipThreshold {
			d.ClipCount++
		}
		d.SampleCount++
	}
}

// Levels contains the loudness of one measurement period.
type Levels struct {
	RMS    float64 // Root mean square, linear in [0,1]
	DB     float64 // RMS in dBFS, floored at MinDB
	Peak   float64 // Largest absolute sample, linear
	PeakDB float64 // Peak in dBFS, floored at MinDB
	Clips  int     // Samples at or near full scale
}

// Levels computes RMS and peak levels from the accumulated samples.
func (d *LevelData) Levels() Levels {
	if d.SampleCount == 0 {
		return Levels{DB: MinDB, PeakDB: MinDB}
	}

	rms := math.Sqrt(d.SumSquares / float64(d.SampleCount))
	if math.IsNaN(rms) || math.IsInf(rms, 0) {
		rms = 0
	}

	return Levels{
		RMS:    rms,
		DB:     ToDB(rms),
		Peak:   d.Peak,
		PeakDB: ToDB(d.Peak),
		Clips:  d.ClipCount,
	}
}

// Reset resets accumulators for the next measurement period.
func (d *LevelData) Reset() {
	d.SumSquares = 0
	d.Peak = 0
	d.ClipCount = 0
	d.SampleCount = 0
}

// Measure computes the level of a frame over all samples of all channels.
// It depends only on the frame contents and format.
func Measure(fr Frame) Levels {
	return MeasureSamples(fr.Samples())
}

// MeasureSamples computes the level of normalized samples.
func MeasureSamples(samples []float64) Levels {
	var d LevelData
	d.Add(samples)
	return d.Levels()
}

// ToDB converts a linear amplitude to dBFS, never returning less than MinDB.
func ToDB(linear float64) float64 {
	if math.IsNaN(linear) || linear <= 0 {
		return MinDB
	}
	db := 20 * math.Log10(linear)
	if math.IsNaN(db) || math.IsInf(db, 0) {
		return MinDB
	}
	return max(db, MinDB)
}
