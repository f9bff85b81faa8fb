package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/mainframe-engine/internal/models"
	"github.com/terra-clan/mainframe-engine/internal/progression"
	"github.com/terra-clan/mainframe-engine/internal/session"
)

// Session handlers

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if req.Campaign == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "campaign is required")
		return
	}

	if req.PlayerID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "player_id is required")
		return
	}

	sess, err := s.sessionManager.Create(r.Context(), req.Campaign, req.PlayerID)
	if err != nil {
		if errors.Is(err, session.ErrCampaignNotFound) {
			respondError(w, http.StatusNotFound, "campaign_not_found", "campaign not found")
			return
		}
		slog.Error("failed to create session", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}

	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "session id is required")
		return
	}

	view, err := s.sessionManager.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		slog.Error("failed to get session", "error", err, "id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to get session")
		return
	}

	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filters := models.ListFilters{
		Campaign: r.URL.Query().Get("campaign"),
		PlayerID: r.URL.Query().Get("player_id"),
		Status:   models.SessionStatus(r.URL.Query().Get("status")),
		Limit:    50, // default
		Offset:   0,
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filters.Limit = limit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filters.Offset = offset
		}
	}

	sessions, err := s.sessionManager.List(r.Context(), filters)
	if err != nil {
		slog.Error("failed to list sessions", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "session id is required")
		return
	}

	if err := s.sessionManager.End(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		slog.Error("failed to end session", "error", err, "id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to end session")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "session ended",
	})
}

func (s *Server) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "session id is required")
		return
	}

	results, err := s.sessionManager.Results(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		slog.Error("failed to list results", "error", err, "id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list results")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"total":   len(results),
	})
}

// Level handlers

func (s *Server) handleStartLevel(w http.ResponseWriter, r *http.Request) {
	id, levelID, ok := s.levelParams(w, r)
	if !ok {
		return
	}

	if err := s.sessionManager.StartLevel(r.Context(), id, levelID); err != nil {
		s.respondProgressionError(w, err, "failed to start level", id, levelID)
		return
	}

	view, _ := s.sessionManager.Get(r.Context(), id)
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	id, levelID, ok := s.levelParams(w, r)
	if !ok {
		return
	}

	var req models.AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if req.Command == "" || req.Class == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "command and class are required")
		return
	}

	ref := models.Ref{Command: req.Command, Class: req.Class}
	if err := s.sessionManager.Acquire(r.Context(), id, levelID, ref); err != nil {
		s.respondProgressionError(w, err, "failed to record acquisition", id, levelID)
		return
	}

	view, _ := s.sessionManager.Get(r.Context(), id)
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handlePenalty(w http.ResponseWriter, r *http.Request) {
	id, levelID, ok := s.levelParams(w, r)
	if !ok {
		return
	}

	var req models.PenaltyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if req.Seconds <= 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "seconds must be positive")
		return
	}

	d := time.Duration(req.Seconds) * time.Second
	if err := s.sessionManager.Penalize(r.Context(), id, levelID, d); err != nil {
		s.respondProgressionError(w, err, "failed to apply penalty", id, levelID)
		return
	}

	view, _ := s.sessionManager.Get(r.Context(), id)
	respondJSON(w, http.StatusOK, view)
}

// levelParams extracts and validates the session id and level id path params
func (s *Server) levelParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "session id is required")
		return "", 0, false
	}

	levelID, err := strconv.Atoi(chi.URLParam(r, "levelID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "level id must be an integer")
		return "", 0, false
	}

	return id, levelID, true
}

// respondProgressionError maps session and engine errors to HTTP statuses
func (s *Server) respondProgressionError(w http.ResponseWriter, err error, msg, id string, levelID int) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, progression.ErrUnknownLevel):
		respondError(w, http.StatusNotFound, "unknown_level", "level not found in campaign")
	case errors.Is(err, session.ErrSessionClosed):
		respondError(w, http.StatusConflict, "session_closed", "session no longer accepts events")
	case errors.Is(err, progression.ErrNotUnlocked):
		respondError(w, http.StatusConflict, "not_unlocked", "level is not startable")
	case errors.Is(err, progression.ErrNotInProgress):
		respondError(w, http.StatusConflict, "not_in_progress", "level has no running attempt")
	default:
		slog.Error(msg, "error", err, "session_id", id, "level_id", levelID)
		respondError(w, http.StatusInternalServerError, "internal_error", msg)
	}
}
