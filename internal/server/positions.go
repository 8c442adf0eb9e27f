package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/adapters/storage"
	"github.com/dlmmbot/dlmmbot/internal/domain"
)

const defaultHistoryLimit = 50

type positionResponse struct {
	PositionID string `json:"position_id"`
	BotID      string `json:"bot_id"`
	Mode       string `json:"mode"`
	Status     string `json:"status"`

	PoolAddress string `json:"pool_address"`
	PoolName    string `json:"pool_name,omitempty"`

	EntryPrice    float64   `json:"entry_price"`
	EntryTime     time.Time `json:"entry_time"`
	EntrySizeSOL  float64   `json:"entry_size_sol"`
	EntryScore    float64   `json:"entry_score"`
	MLProbability float64   `json:"ml_probability,omitempty"`

	CurrentPrice float64 `json:"current_price,omitempty"`
	PnLPercent   float64 `json:"pnl_percent"`

	ExitPrice  float64    `json:"exit_price,omitempty"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	ExitReason string     `json:"exit_reason,omitempty"`
	PnLSOL     float64    `json:"pnl_sol,omitempty"`
}

func positionPayload(p domain.TrackedPosition) positionResponse {
	resp := positionResponse{
		PositionID:    p.ID,
		BotID:         p.BotID,
		Mode:          string(p.Mode),
		Status:        string(p.Status),
		PoolAddress:   p.PoolAddress,
		PoolName:      p.PoolName,
		EntryPrice:    p.EntryPricePerToken,
		EntryTime:     p.EntryTime,
		EntrySizeSOL:  domain.LamportsToSOL(p.EntryTotalLamports()),
		EntryScore:    p.EntryScore,
		MLProbability: p.MLProbability,
		CurrentPrice:  p.CurrentPricePerToken,
		PnLPercent:    p.PnLPercent(),
		ExitPrice:     p.ExitPricePerToken,
		ExitReason:    string(p.ExitReason),
	}
	if !p.ExitTime.IsZero() {
		at := p.ExitTime
		resp.ExitTime = &at
	}
	if p.Status.Terminal() {
		resp.PnLSOL = domain.LamportsToSOL(p.RealizedPnLLamports)
	}
	return resp
}

func (s *Server) handlePositionsActive(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListActivePositions(r.Context(), walletFrom(r.Context()))
	if err != nil {
		s.serverError(w, r, "list active positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positionPayloads(positions)})
}

func (s *Server) handlePositionsHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	positions, err := s.store.ListPositionHistory(r.Context(), walletFrom(r.Context()), limit)
	if err != nil {
		s.serverError(w, r, "list position history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positionPayloads(positions)})
}

func (s *Server) handlePositionsByBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}

	positions, err := s.store.ListPositionsByBot(r.Context(), bot.BotID)
	if err != nil {
		s.serverError(w, r, "list bot positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positionPayloads(positions)})
}

func (s *Server) handlePositionGet(w http.ResponseWriter, r *http.Request) {
	pos, ok := s.ownedPosition(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, positionPayload(*pos))
}

func (s *Server) handlePositionClose(w http.ResponseWriter, r *http.Request) {
	pos, ok := s.ownedPosition(w, r)
	if !ok {
		return
	}
	if pos.Status.Terminal() {
		writeError(w, http.StatusBadRequest, "position already closed")
		return
	}

	if err := s.orch.CloseUserPosition(r.Context(), pos.BotID, pos.ID); err != nil {
		writeError(w, http.StatusBadRequest, "position could not be closed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"position_id": pos.ID, "status": "closing"})
}

func (s *Server) ownedPosition(w http.ResponseWriter, r *http.Request) (*domain.TrackedPosition, bool) {
	positionID := r.PathValue("positionId")
	pos, err := s.store.GetPosition(r.Context(), positionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
		} else {
			s.serverError(w, r, "load position", err)
		}
		return nil, false
	}
	if pos.UserID != walletFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "position not found")
		return nil, false
	}
	return pos, true
}

func positionPayloads(positions []domain.TrackedPosition) []positionResponse {
	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionPayload(p))
	}
	return out
}
