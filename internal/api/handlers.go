package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.sessionManager.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "service not ready")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Campaign handlers

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns := s.contentLoader.List()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": campaigns,
		"total":     len(campaigns),
	})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "campaign name is required")
		return
	}

	campaign := s.contentLoader.Get(name)
	if campaign == nil {
		respondError(w, http.StatusNotFound, "not_found", "campaign not found")
		return
	}

	respondJSON(w, http.StatusOK, campaign)
}

func (s *Server) handleGetCampaignLevel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "campaign name is required")
		return
	}

	campaign := s.contentLoader.Get(name)
	if campaign == nil {
		respondError(w, http.StatusNotFound, "not_found", "campaign not found")
		return
	}

	levelID, err := strconv.Atoi(chi.URLParam(r, "levelID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "level id must be an integer")
		return
	}

	lvl := campaign.Level(levelID)
	if lvl == nil {
		respondError(w, http.StatusNotFound, "not_found", "level not found in campaign")
		return
	}

	respondJSON(w, http.StatusOK, lvl)
}
