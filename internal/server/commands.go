package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oszuidwest/zwfm-speechgate/internal/config"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Engine is the session control surface used by commands.
type Engine interface {
	Start() error
	Stop() error
	Restart() error
	Status() types.PipelineStatus
	UpdateVAD(config.VADConfig) error
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg    *config.Config
	engine Engine
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(cfg *config.Config, eng Engine) *CommandHandler {
	return &CommandHandler{cfg: cfg, engine: eng}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "session/start", "vad/update").
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	namespace, action, _ := strings.Cut(cmd.Type, "/")

	switch namespace {
	case "session":
		h.handleSession(action, cmd, send, triggerStatusUpdate)
	case "vad":
		h.handleVAD(action, cmd, send)
	case "audio":
		h.handleAudio(action, cmd, send)
	case "status":
		h.handleStatus(action, cmd, send)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
		SendError(send, cmd.Type, fmt.Errorf("unknown command %q", cmd.Type))
	}

	triggerStatusUpdate()
}

// handleSession routes session/* commands.
func (h *CommandHandler) handleSession(action string, cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	var run func() error
	switch action {
	case "start":
		run = h.engine.Start
	case "stop":
		run = h.engine.Stop
	case "restart":
		run = h.engine.Restart
	default:
		slog.Warn("unknown session action", "action", action)
		SendError(send, cmd.Type, fmt.Errorf("unknown command %q", cmd.Type))
		return
	}

	// Stop waits for queued segments to flush.
	HandleActionAsync(cmd, send, func() (any, error) {
		defer triggerStatusUpdate()
		if err := run(); err != nil {
			return nil, err
		}
		return h.engine.Status(), nil
	})
}

// handleVAD routes vad/* commands.
func (h *CommandHandler) handleVAD(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "get":
		snap := h.cfg.Snapshot()
		SendSuccess(send, cmd.Type, snap.VAD)
	case "update":
		HandleCommand(cmd, send, func(req *VADUpdateRequest) error {
			updated := req.Apply(h.cfg.Snapshot().VAD)
			if err := h.engine.UpdateVAD(updated); err != nil {
				return err
			}
			slog.Info("updated detection settings", "method", updated.Method)
			return nil
		})
	default:
		slog.Warn("unknown vad action", "action", action)
		SendError(send, cmd.Type, fmt.Errorf("unknown command %q", cmd.Type))
	}
}

// handleAudio routes audio/* commands.
func (h *CommandHandler) handleAudio(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "get":
		snap := h.cfg.Snapshot()
		SendSuccess(send, cmd.Type, snap.Audio)
	case "update":
		HandleCommand(cmd, send, func(req *AudioUpdateRequest) error {
			if err := h.cfg.SetAudioInput(req.Input); err != nil {
				return err
			}
			slog.Info("updated audio input", "input", req.Input)
			return nil
		})
	default:
		slog.Warn("unknown audio action", "action", action)
		SendError(send, cmd.Type, fmt.Errorf("unknown command %q", cmd.Type))
	}
}

// handleStatus routes status/* commands.
func (h *CommandHandler) handleStatus(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "get":
		// Status is sent automatically, but explicit get triggers immediate update
		slog.Debug("status/get received, status update will be triggered")
	default:
		slog.Warn("unknown status action", "action", action)
		SendError(send, cmd.Type, fmt.Errorf("unknown command %q", cmd.Type))
	}
}
