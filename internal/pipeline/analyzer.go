package pipeline

import (
	"errors"
	"time"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/segment"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
	"github.com/oszuidwest/zwfm-speechgate/internal/vad"
)

// Result is the outcome of analyzing one frame.
type Result struct {
	Decision types.DecisionEvent
	Levels   audio.Levels
	PeakDB   float64 // Held peak level
	Events   []segment.Event
}

// Analyzer runs level metering, detection, smoothing and segmentation for
// one session. It is confined to the analysis goroutine.
type Analyzer struct {
	detector  vad.Detector
	smoother  *vad.Smoother
	segmenter *segment.Segmenter
	gain      *audio.AutoGain
	peaks     *audio.PeakHolder
	lastEnd   time.Duration
}

// NewAnalyzer builds the per-session analysis chain for cfg.
func NewAnalyzer(cfg SessionConfig) (*Analyzer, error) {
	det, err := vad.New(cfg.VAD, cfg.Format, cfg.Recognizer)
	if err != nil {
		return nil, err
	}
	sm, err := vad.NewSmoother(cfg.Smoothing.Capacity, cfg.Smoothing.Enter, cfg.Smoothing.Exit)
	if err != nil {
		return nil, errors.Join(err, det.Close())
	}
	seg, err := segment.NewSegmenter(cfg.Segment, cfg.Format)
	if err != nil {
		return nil, errors.Join(err, det.Close())
	}

	a := &Analyzer{
		detector:  det,
		smoother:  sm,
		segmenter: seg,
		peaks:     audio.NewPeakHolder(audio.MinDB, audio.DefaultPeakHoldDuration),
	}
	if cfg.AutoGain {
		a.gain = audio.NewAutoGain(cfg.AutoGainTarget)
	}
	return a, nil
}

// Process analyzes fr. now is the wall time used for peak hold and gain
// control. A recognizer failure is returned together with a usable result
// based on the energy decision.
func (a *Analyzer) Process(fr audio.Frame, now time.Time) (Result, error) {
	samples := fr.Samples()
	if a.gain != nil {
		samples = a.gain.Process(samples, now)
		fr = audio.NewFrame(fr.Index, fr.Timestamp, fr.Format, audio.EncodePCM(samples, fr.Format))
	}

	levels := audio.MeasureSamples(samples)
	dec, err := a.detector.Classify(fr, levels)
	speaking := a.smoother.Push(dec.Confidence, dec.IsSpeech)

	dur := fr.Duration()
	a.lastEnd = fr.Timestamp + dur
	events := a.segmenter.Process(fr.Timestamp, dur, audio.FloatToFixed16(samples), speaking)

	return Result{
		Decision: types.DecisionEvent{
			IsSpeech:   speaking,
			RawSpeech:  dec.IsSpeech,
			Confidence: dec.Confidence,
			Level:      dec.Level,
			Energy:     dec.Energy,
			Threshold:  dec.Threshold,
			FrameIndex: fr.Index,
			Timestamp:  fr.Timestamp,
		},
		Levels: levels,
		PeakDB: a.peaks.Update(levels.PeakDB, now),
		Events: events,
	}, err
}

// Flush ends the session: an open speech segment is finalized at the end
// of the last analyzed frame.
func (a *Analyzer) Flush() []segment.Event {
	return a.segmenter.Flush(a.lastEnd)
}

// Gain returns the current auto gain, or 1 when disabled.
func (a *Analyzer) Gain() float64 {
	if a.gain == nil {
		return 1
	}
	return a.gain.Gain()
}

// Segmenter returns the session segmenter.
func (a *Analyzer) Segmenter() *segment.Segmenter {
	return a.segmenter
}

// Close releases the detector.
func (a *Analyzer) Close() error {
	return a.detector.Close()
}
