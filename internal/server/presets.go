package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/adapters/storage"
	"github.com/dlmmbot/dlmmbot/internal/domain"
)

type presetResponse struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	IsSystem    bool             `json:"is_system"`
	Config      botConfigPayload `json:"config"`
	CreatedAt   time.Time        `json:"created_at"`
}

type createPresetRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Config      botConfigPayload `json:"config"`
}

func presetPayload(p domain.StrategyPreset) presetResponse {
	return presetResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		IsSystem:    p.IsSystem,
		Config:      configPayload(p.Config),
		CreatedAt:   p.CreatedAt,
	}
}

func (s *Server) handlePresetList(w http.ResponseWriter, r *http.Request) {
	presets, err := s.store.ListPresets(r.Context(), walletFrom(r.Context()))
	if err != nil {
		s.serverError(w, r, "list presets", err)
		return
	}

	out := make([]presetResponse, 0, len(presets))
	for _, p := range presets {
		out = append(out, presetPayload(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": out})
}

func (s *Server) handlePresetCreate(w http.ResponseWriter, r *http.Request) {
	wallet := walletFrom(r.Context())

	var req createPresetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	cfg, err := req.Config.toDomain()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.store.ListPresets(r.Context(), wallet)
	if err != nil {
		s.serverError(w, r, "list presets", err)
		return
	}
	owned := 0
	for _, p := range existing {
		if !p.IsSystem {
			owned++
		}
	}
	if owned >= maxPresetsPerUser {
		writeError(w, http.StatusBadRequest, "presets cap reached")
		return
	}

	preset := &domain.StrategyPreset{
		UserID:      wallet,
		Name:        req.Name,
		Description: req.Description,
		Config:      cfg,
	}
	if err := s.store.CreatePreset(r.Context(), preset); err != nil {
		s.serverError(w, r, "create preset", err)
		return
	}
	writeJSON(w, http.StatusCreated, presetPayload(*preset))
}

func (s *Server) handlePresetDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "preset id must be an integer")
		return
	}

	// DeletePreset matches on owner, so system presets and other users'
	// presets both come back as not found.
	if err := s.store.DeletePreset(r.Context(), id, walletFrom(r.Context())); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "preset not found")
			return
		}
		s.serverError(w, r, "delete preset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}
