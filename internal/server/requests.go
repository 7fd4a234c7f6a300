package server

import (
	"github.com/oszuidwest/zwfm-speechgate/internal/config"
	"github.com/oszuidwest/zwfm-speechgate/internal/vad"
)

// Request types for WebSocket commands with validation tags.
// Pointer fields are optional; nil leaves the current value unchanged.

// VADUpdateRequest is the request body for vad/update.
type VADUpdateRequest struct {
	Method              *string  `json:"method" validate:"omitempty,oneof=energy volume_threshold recognizer"`
	InitialThreshold    *float64 `json:"initial_threshold" validate:"omitempty,gt=0,lte=1"`
	AdaptationRate      *float64 `json:"adaptation_rate" validate:"omitempty,gt=0,lte=1"`
	MarginFactor        *float64 `json:"margin_factor" validate:"omitempty,gte=1"`
	LevelThresholdDB    *float64 `json:"level_threshold_db" validate:"omitempty,gte=-160,lte=0"`
	RecognizerThreshold *float64 `json:"recognizer_threshold" validate:"omitempty,gte=0,lte=1"`
	BlendWeight         *float64 `json:"blend_weight" validate:"omitempty,gte=0,lte=1"`
	FVADMode            *int     `json:"fvad_mode" validate:"omitempty,gte=0,lte=3"`
	SmoothingCapacity   *int     `json:"smoothing_capacity" validate:"omitempty,gte=1,lte=1000"`
	SmoothingEnter      *float64 `json:"smoothing_enter" validate:"omitempty,gte=0,lte=1"`
	SmoothingExit       *float64 `json:"smoothing_exit" validate:"omitempty,gte=0,lte=1"`
}

// Apply returns v with the request's fields applied.
func (r *VADUpdateRequest) Apply(v config.VADConfig) config.VADConfig {
	if r.Method != nil {
		v.Method = vad.Method(*r.Method)
	}
	setIf(&v.InitialThreshold, r.InitialThreshold)
	setIf(&v.AdaptationRate, r.AdaptationRate)
	setIf(&v.MarginFactor, r.MarginFactor)
	setIf(&v.LevelThresholdDB, r.LevelThresholdDB)
	setIf(&v.RecognizerThreshold, r.RecognizerThreshold)
	setIf(&v.BlendWeight, r.BlendWeight)
	setIf(&v.FVADMode, r.FVADMode)
	setIf(&v.Smoothing.Capacity, r.SmoothingCapacity)
	setIf(&v.Smoothing.Enter, r.SmoothingEnter)
	setIf(&v.Smoothing.Exit, r.SmoothingExit)
	return v
}

// AudioUpdateRequest is the request body for audio/update.
type AudioUpdateRequest struct {
	Input string `json:"input" validate:"max=1024"`
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
