package vad

import (
	"fmt"
	"math"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

// Method selects the detection strategy of a session.
type Method string

// Supported detection methods.
const (
	MethodEnergy          Method = "energy"
	MethodVolumeThreshold Method = "volume_threshold"
	MethodRecognizer      Method = "recognizer"
)

// Defaults for the non-adaptive strategies.
const (
	DefaultLevelThresholdDB    = -50.0
	DefaultRecognizerThreshold = 0.75
	DefaultBlendWeight         = 1.0
	DefaultFVADMode            = 2

	// levelSlopeDB is the dB distance at which level confidence reaches about 0.73.
	levelSlopeDB = 6.0
)

// ParseMethod converts a configuration string to a Method.
// The empty string selects MethodEnergy.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case "":
		return MethodEnergy, nil
	case MethodEnergy, MethodVolumeThreshold, MethodRecognizer:
		return m, nil
	default:
		return "", types.NewConfigError("method", "must be one of energy, volume_threshold, recognizer, got %q", s)
	}
}

// Config holds the detection parameters of a session.
type Config struct {
	Method              Method  `json:"method" yaml:"method" validate:"omitempty,oneof=energy volume_threshold recognizer"`
	InitialThreshold    float64 `json:"initial_threshold" yaml:"initial_threshold" validate:"gt=0,lte=1"`
	AdaptationRate      float64 `json:"adaptation_rate" yaml:"adaptation_rate" validate:"gt=0,lte=1"`
	MarginFactor        float64 `json:"margin_factor" yaml:"margin_factor" validate:"gte=1"`
	LevelThresholdDB    float64 `json:"level_threshold_db" yaml:"level_threshold_db" validate:"gte=-160,lte=0"`
	RecognizerThreshold float64 `json:"recognizer_threshold" yaml:"recognizer_threshold" validate:"gte=0,lte=1"`
	BlendWeight         float64 `json:"blend_weight" yaml:"blend_weight" validate:"gte=0,lte=1"`
	FVADMode            int     `json:"fvad_mode" yaml:"fvad_mode" validate:"gte=0,lte=3"`
}

// DefaultConfig returns the adaptive energy configuration.
func DefaultConfig() Config {
	return Config{
		Method:              MethodEnergy,
		InitialThreshold:    DefaultInitialThreshold,
		AdaptationRate:      DefaultAdaptationRate,
		MarginFactor:        DefaultMarginFactor,
		LevelThresholdDB:    DefaultLevelThresholdDB,
		RecognizerThreshold: DefaultRecognizerThreshold,
		BlendWeight:         DefaultBlendWeight,
		FVADMode:            DefaultFVADMode,
	}
}

// Decision is the raw classification of one frame.
type Decision struct {
	IsSpeech   bool
	Confidence float64 // In [0,1]
	Level      float64 // dBFS
	Energy     float64 // Linear RMS
	Threshold  float64 // Linear threshold in effect after the frame
}

// Detector classifies frames. Implementations are used from a single
// goroutine and keep per-session state.
type Detector interface {
	Classify(frame audio.Frame, levels audio.Levels) (Decision, error)
	Reset()
	Close() error
}

// Recognizer is an external speech model fed with frames. Probability
// returns the likelihood that the frame contains speech.
type Recognizer interface {
	Probability(frame audio.Frame) (float64, error)
	Close() error
}

// New builds the detector for cfg.Method. For MethodRecognizer a nil rec
// selects the built-in WebRTC detector; a caller-supplied rec is not closed
// by the detector.
func New(cfg Config, f audio.Format, rec Recognizer) (Detector, error) {
	method, err := ParseMethod(string(cfg.Method))
	if err != nil {
		return nil, err
	}

	switch method {
	case MethodVolumeThreshold:
		if !finite(cfg.LevelThresholdDB) || cfg.LevelThresholdDB > 0 || cfg.LevelThresholdDB < audio.MinDB {
			return nil, types.NewConfigError("level_threshold_db", "must be between %v and 0, got %v", audio.MinDB, cfg.LevelThresholdDB)
		}
		return &LevelDetector{ThresholdDB: cfg.LevelThresholdDB}, nil

	case MethodRecognizer:
		if cfg.RecognizerThreshold < 0 || cfg.RecognizerThreshold > 1 {
			return nil, types.NewConfigError("recognizer_threshold", "must be between 0 and 1, got %v", cfg.RecognizerThreshold)
		}
		if cfg.BlendWeight < 0 || cfg.BlendWeight > 1 {
			return nil, types.NewConfigError("blend_weight", "must be between 0 and 1, got %v", cfg.BlendWeight)
		}
		energy, err := NewEnergyDetector(cfg)
		if err != nil {
			return nil, err
		}
		owned := false
		if rec == nil {
			fv, err := NewFVADRecognizer(f, cfg.FVADMode)
			if err != nil {
				return nil, err
			}
			rec, owned = fv, true
		}
		return &RecognizerDetector{
			rec:       rec,
			owned:     owned,
			energy:    energy,
			threshold: cfg.RecognizerThreshold,
			weight:    cfg.BlendWeight,
		}, nil

	default:
		return NewEnergyDetector(cfg)
	}
}

// EnergyDetector classifies frames by RMS energy against an adaptive threshold.
type EnergyDetector struct {
	state   *State
	initial float64
}

// NewEnergyDetector returns an adaptive energy detector for cfg.
func NewEnergyDetector(cfg Config) (*EnergyDetector, error) {
	margin := cfg.MarginFactor
	if margin == 0 {
		margin = DefaultMarginFactor
	}
	st, err := NewState(cfg.InitialThreshold, cfg.AdaptationRate, WithMarginFactor(margin))
	if err != nil {
		return nil, err
	}
	return &EnergyDetector{state: st, initial: cfg.InitialThreshold}, nil
}

// Classify implements Detector.
func (d *EnergyDetector) Classify(_ audio.Frame, levels audio.Levels) (Decision, error) {
	return d.classify(levels), nil
}

func (d *EnergyDetector) classify(levels audio.Levels) Decision {
	threshold := d.state.Threshold
	speech := d.state.Classify(levels.RMS)
	return Decision{
		IsSpeech:   speech,
		Confidence: Confidence(levels.RMS, threshold),
		Level:      levels.DB,
		Energy:     levels.RMS,
		Threshold:  d.state.Threshold,
	}
}

// State exposes the adaptive state for inspection.
func (d *EnergyDetector) State() *State {
	return d.state
}

// Reset implements Detector.
func (d *EnergyDetector) Reset() {
	d.state.Reset(d.initial)
}

// Close implements Detector.
func (d *EnergyDetector) Close() error {
	return nil
}

// LevelDetector compares the frame level against a fixed dBFS threshold.
type LevelDetector struct {
	ThresholdDB float64
}

// Classify implements Detector.
func (d *LevelDetector) Classify(_ audio.Frame, levels audio.Levels) (Decision, error) {
	conf := 1 / (1 + math.Exp(-(levels.DB-d.ThresholdDB)/levelSlopeDB))
	return Decision{
		IsSpeech:   levels.DB > d.ThresholdDB,
		Confidence: conf,
		Level:      levels.DB,
		Energy:     levels.RMS,
		Threshold:  math.Pow(10, d.ThresholdDB/20),
	}, nil
}

// Reset implements Detector.
func (d *LevelDetector) Reset() {}

// Close implements Detector.
func (d *LevelDetector) Close() error { return nil }

// RecognizerDetector blends a recognizer's probability with energy
// confidence. A weight of 1 uses the recognizer only.
type RecognizerDetector struct {
	rec       Recognizer
	owned     bool
	energy    *EnergyDetector
	threshold float64
	weight    float64
}

// Classify implements Detector. On recognizer failure the energy decision
// is returned together with the error.
func (d *RecognizerDetector) Classify(frame audio.Frame, levels audio.Levels) (Decision, error) {
	dec := d.energy.classify(levels)

	p, err := d.rec.Probability(frame)
	if err != nil {
		return dec, fmt.Errorf("recognizer: %w", err)
	}
	if !finite(p) {
		p = 0
	}
	p = min(max(p, 0), 1)

	blended := d.weight*p + (1-d.weight)*dec.Confidence
	dec.Confidence = blended
	dec.IsSpeech = blended >= d.threshold
	return dec, nil
}

// Reset implements Detector.
func (d *RecognizerDetector) Reset() {
	d.energy.Reset()
}

// Close implements Detector.
func (d *RecognizerDetector) Close() error {
	if !d.owned {
		return nil
	}
	return d.rec.Close()
}
