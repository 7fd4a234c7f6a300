package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/eventlog"
	"github.com/oszuidwest/zwfm-speechgate/internal/pipeline"
	"github.com/oszuidwest/zwfm-speechgate/internal/server"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
	"github.com/oszuidwest/zwfm-speechgate/internal/util"
)

// defaultEventLimit is the page size of GET /api/events.
const defaultEventLimit = 100

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps err onto a status code. Rejected configuration returns
// the offending fields.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	if verr := types.ValidationErrorFrom(err); verr != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr})
		return
	}

	var derr *types.DeviceError
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning), errors.Is(err, pipeline.ErrNotRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &derr):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseJSON reads and validates JSON from the request body.
// Returns parsed value and true on success, zero value and false on failure.
func parseJSON[T any](s *Server, w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return v, false
	}
	if verr := util.ValidateStruct(&v); verr != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr})
		return v, false
	}
	return v, true
}

// handleAPIStart starts a supervised capture session.
// POST /api/start
func (s *Server) handleAPIStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleAPIStop stops the session and waits for queued segments.
// POST /api/stop
func (s *Server) handleAPIStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleAPIStatus returns the pipeline status.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.buildWSStatus())
}

// handleAPIDevices returns available audio devices.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": audio.AudioDevices()})
}

// handleAPIEvents returns a page of the event log, newest first.
// GET /api/events?limit=100&offset=0&type=segment
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	path := s.engine.EventLogPath()
	if path == "" {
		s.writeError(w, http.StatusNotFound, "event log is disabled")
		return
	}

	q := r.URL.Query()
	limit, ok := queryInt(q.Get("limit"), defaultEventLimit)
	if !ok || limit < 1 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	offset, ok := queryInt(q.Get("offset"), 0)
	if !ok || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	filter := eventlog.TypeFilter(q.Get("type"))
	switch filter {
	case eventlog.FilterAll, eventlog.FilterSession, eventlog.FilterSpeech, eventlog.FilterSegment:
	default:
		s.writeError(w, http.StatusBadRequest, "type must be one of: session speech segment")
		return
	}

	events, more, err := eventlog.ReadLast(path, limit, offset, filter)
	if err != nil {
		s.writeFailure(w, util.WrapError("read event log", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": more,
	})
}

// handleAPIGetVAD returns the stored detection settings.
// GET /api/vad
func (s *Server) handleAPIGetVAD(w http.ResponseWriter, r *http.Request) {
	snap := s.config.Snapshot()
	s.writeJSON(w, http.StatusOK, snap.VAD)
}

// handleAPIUpdateVAD updates detection settings for the next session.
// PUT /api/vad
func (s *Server) handleAPIUpdateVAD(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.VADUpdateRequest](s, w, r)
	if !ok {
		return
	}
	updated := req.Apply(s.config.Snapshot().VAD)
	if err := s.engine.UpdateVAD(updated); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

// queryInt parses an optional integer query value.
func queryInt(raw string, fallback int) (int, bool) {
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}
