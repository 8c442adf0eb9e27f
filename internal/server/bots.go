package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dlmmbot/dlmmbot/internal/adapters/storage"
	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// botConfigPayload is the wire form of a strategy configuration.
type botConfigPayload struct {
	Mode         string `json:"mode"`
	StrategyMode string `json:"strategy_mode"`

	EntryScoreThreshold float64  `json:"entry_score_threshold"`
	MinLiquidity        float64  `json:"min_liquidity"`
	MaxLiquidity        float64  `json:"max_liquidity"`
	MinVolume24h        float64  `json:"min_volume_24h"`
	SolPairsOnly        bool     `json:"sol_pairs_only"`
	MintBlacklist       []string `json:"mint_blacklist"`

	PositionSizeSOL     float64 `json:"position_size_sol"`
	PositionSizePercent float64 `json:"position_size_percent"`
	MinPositionSOL      float64 `json:"min_position_sol"`
	MaxPositionSOL      float64 `json:"max_position_sol"`

	DefaultBinRange        int `json:"default_bin_range"`
	MaxConcurrentPositions int `json:"max_concurrent_positions"`

	ProfitTargetPercent float64 `json:"profit_target_percent"`
	StopLossPercent     float64 `json:"stop_loss_percent"`
	TrailingStopEnabled bool    `json:"trailing_stop_enabled"`
	TrailingStopPercent float64 `json:"trailing_stop_percent"`
	MaxHoldTimeMinutes  int     `json:"max_hold_time_minutes"`
	MaxDailyLossSOL     float64 `json:"max_daily_loss_sol"`
	CooldownMinutes     int     `json:"cooldown_minutes"`

	CronIntervalSeconds          int `json:"cron_interval_seconds"`
	PositionCheckIntervalSeconds int `json:"position_check_interval_seconds"`

	SimulationInitialBalanceSOL float64 `json:"simulation_initial_balance_sol"`
}

func (p botConfigPayload) toDomain() (domain.BotConfig, error) {
	cfg := domain.BotConfig{
		EntryScoreThreshold:          p.EntryScoreThreshold,
		MinLiquidity:                 p.MinLiquidity,
		MaxLiquidity:                 p.MaxLiquidity,
		MinVolume24h:                 p.MinVolume24h,
		SolPairsOnly:                 p.SolPairsOnly,
		MintBlacklist:                p.MintBlacklist,
		PositionSizeSOL:              p.PositionSizeSOL,
		PositionSizePercent:          p.PositionSizePercent,
		MinPositionSOL:               p.MinPositionSOL,
		MaxPositionSOL:               p.MaxPositionSOL,
		DefaultBinRange:              p.DefaultBinRange,
		MaxConcurrentPositions:       p.MaxConcurrentPositions,
		ProfitTargetPercent:          p.ProfitTargetPercent,
		StopLossPercent:              p.StopLossPercent,
		TrailingStopEnabled:          p.TrailingStopEnabled,
		TrailingStopPercent:          p.TrailingStopPercent,
		MaxHoldTimeMinutes:           p.MaxHoldTimeMinutes,
		MaxDailyLossSOL:              p.MaxDailyLossSOL,
		CooldownMinutes:              p.CooldownMinutes,
		CronIntervalSeconds:          p.CronIntervalSeconds,
		PositionCheckIntervalSeconds: p.PositionCheckIntervalSeconds,
		SimulationInitialBalanceSOL:  p.SimulationInitialBalanceSOL,
	}

	switch domain.BotMode(p.Mode) {
	case domain.ModeSimulation, domain.ModeLive:
		cfg.Mode = domain.BotMode(p.Mode)
	case "":
		cfg.Mode = domain.ModeSimulation
	default:
		return cfg, errors.New("mode must be SIMULATION or LIVE")
	}

	switch domain.StrategyMode(p.StrategyMode) {
	case domain.StrategyRuleBased, domain.StrategyML, domain.StrategyHybrid:
		cfg.StrategyMode = domain.StrategyMode(p.StrategyMode)
	case "":
		cfg.StrategyMode = domain.StrategyRuleBased
	default:
		return cfg, errors.New("strategy_mode must be rule_based, ml or hybrid")
	}

	cfg.Defaults()
	return cfg, nil
}

func configPayload(cfg domain.BotConfig) botConfigPayload {
	return botConfigPayload{
		Mode:                         string(cfg.Mode),
		StrategyMode:                 string(cfg.StrategyMode),
		EntryScoreThreshold:          cfg.EntryScoreThreshold,
		MinLiquidity:                 cfg.MinLiquidity,
		MaxLiquidity:                 cfg.MaxLiquidity,
		MinVolume24h:                 cfg.MinVolume24h,
		SolPairsOnly:                 cfg.SolPairsOnly,
		MintBlacklist:                cfg.MintBlacklist,
		PositionSizeSOL:              cfg.PositionSizeSOL,
		PositionSizePercent:          cfg.PositionSizePercent,
		MinPositionSOL:               cfg.MinPositionSOL,
		MaxPositionSOL:               cfg.MaxPositionSOL,
		DefaultBinRange:              cfg.DefaultBinRange,
		MaxConcurrentPositions:       cfg.MaxConcurrentPositions,
		ProfitTargetPercent:          cfg.ProfitTargetPercent,
		StopLossPercent:              cfg.StopLossPercent,
		TrailingStopEnabled:          cfg.TrailingStopEnabled,
		TrailingStopPercent:          cfg.TrailingStopPercent,
		MaxHoldTimeMinutes:           cfg.MaxHoldTimeMinutes,
		MaxDailyLossSOL:              cfg.MaxDailyLossSOL,
		CooldownMinutes:              cfg.CooldownMinutes,
		CronIntervalSeconds:          cfg.CronIntervalSeconds,
		PositionCheckIntervalSeconds: cfg.PositionCheckIntervalSeconds,
		SimulationInitialBalanceSOL:  cfg.SimulationInitialBalanceSOL,
	}
}

type botResponse struct {
	BotID          string           `json:"bot_id"`
	Name           string           `json:"name"`
	Mode           string           `json:"mode"`
	Status         string           `json:"status"`
	Config         botConfigPayload `json:"config"`
	TotalTrades    int              `json:"total_trades"`
	WinningTrades  int              `json:"winning_trades"`
	TotalPnLSOL    float64          `json:"total_pnl_sol"`
	LastError      string           `json:"last_error,omitempty"`
	LastActivityAt *time.Time       `json:"last_activity_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

func botPayload(b domain.Bot) botResponse {
	resp := botResponse{
		BotID:         b.BotID,
		Name:          b.Name,
		Mode:          string(b.Mode),
		Status:        string(b.Status),
		Config:        configPayload(b.Config),
		TotalTrades:   b.TotalTrades,
		WinningTrades: b.WinningTrades,
		TotalPnLSOL:   domain.LamportsToSOL(b.TotalPnLLamports),
		LastError:     b.LastError,
		CreatedAt:     b.CreatedAt,
	}
	if !b.LastActivityAt.IsZero() {
		at := b.LastActivityAt
		resp.LastActivityAt = &at
	}
	return resp
}

type createBotRequest struct {
	Name   string           `json:"name"`
	Config botConfigPayload `json:"config"`
}

func (s *Server) handleBotCreate(w http.ResponseWriter, r *http.Request) {
	wallet := walletFrom(r.Context())

	var req createBotRequest
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

	count, err := s.store.CountBots(r.Context(), wallet)
	if err != nil {
		s.serverError(w, r, "count bots", err)
		return
	}
	if count >= maxBotsPerUser {
		writeError(w, http.StatusBadRequest, "bot limit reached")
		return
	}

	bot := &domain.Bot{
		BotID:  uuid.NewString(),
		UserID: wallet,
		Name:   req.Name,
		Mode:   cfg.Mode,
		Status: domain.BotStopped,
		Config: cfg,
	}
	if err := s.store.CreateBot(r.Context(), bot); err != nil {
		s.serverError(w, r, "create bot", err)
		return
	}

	entry := &domain.TradeLogEntry{
		BotID:     bot.BotID,
		UserID:    wallet,
		Event:     domain.LogBotCreated,
		Details:   map[string]any{"name": bot.Name, "mode": string(bot.Mode)},
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendTradeLog(r.Context(), entry); err != nil {
		s.log.Error("failed to log bot creation", "bot", bot.BotID, "err", err)
	}

	writeJSON(w, http.StatusCreated, botPayload(*bot))
}

func (s *Server) handleBotList(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBots(r.Context(), walletFrom(r.Context()))
	if err != nil {
		s.serverError(w, r, "list bots", err)
		return
	}

	out := make([]botResponse, 0, len(bots))
	for _, b := range bots {
		out = append(out, botPayload(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": out})
}

func (s *Server) handleBotGet(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}

	detail := map[string]any{"bot": botPayload(*bot)}
	if stats, running := s.orch.Stats(bot.BotID); running {
		detail["engine_stats"] = stats
	}
	if perf, running := s.orch.Performance(r.Context(), bot.BotID); running {
		detail["performance"] = perf
	}
	if positions := s.orch.ActivePositions(bot.BotID); positions != nil {
		out := make([]positionResponse, 0, len(positions))
		for _, p := range positions {
			out = append(out, positionPayload(*p))
		}
		detail["positions"] = out
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleBotUpdateConfig(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}
	if s.orch.Running(bot.BotID) {
		writeError(w, http.StatusBadRequest, "cannot update config of a running bot")
		return
	}

	var payload botConfigPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	cfg, err := payload.toDomain()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpdateBotConfig(r.Context(), bot.BotID, cfg); err != nil {
		s.serverError(w, r, "update bot config", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": bot.BotID, "config": configPayload(cfg)})
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}
	if s.orch.Running(bot.BotID) {
		writeError(w, http.StatusBadRequest, "bot already running")
		return
	}

	if err := s.orch.StartBot(r.Context(), bot.BotID); err != nil {
		s.log.Error("bot start failed", "bot", bot.BotID, "err", err, "request_id", requestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "bot failed to start")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": bot.BotID, "status": string(domain.BotRunning)})
}

func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}
	if !s.orch.Running(bot.BotID) {
		writeError(w, http.StatusBadRequest, "bot already stopped")
		return
	}

	if err := s.orch.StopBot(r.Context(), bot.BotID); err != nil {
		s.serverError(w, r, "stop bot", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": bot.BotID, "status": string(domain.BotStopped)})
}

func (s *Server) handleBotEmergency(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}

	if err := s.orch.EmergencyStop(bot.BotID, "user requested emergency stop"); err != nil {
		writeError(w, http.StatusBadRequest, "bot not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": bot.BotID, "status": "emergency stop triggered"})
}

func (s *Server) handleBotDelete(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.ownedBot(w, r)
	if !ok {
		return
	}
	if s.orch.Running(bot.BotID) {
		writeError(w, http.StatusBadRequest, "cannot delete a running bot")
		return
	}

	if err := s.store.DeleteBot(r.Context(), bot.BotID); err != nil {
		s.serverError(w, r, "delete bot", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": bot.BotID, "deleted": true})
}

// ownedBot loads the path bot and enforces ownership. Foreign bots are
// reported as not found rather than forbidden.
func (s *Server) ownedBot(w http.ResponseWriter, r *http.Request) (*domain.Bot, bool) {
	botID := r.PathValue("botId")
	bot, err := s.store.GetBot(r.Context(), botID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bot not found")
		} else {
			s.serverError(w, r, "load bot", err)
		}
		return nil, false
	}
	if bot.UserID != walletFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "bot not found")
		return nil, false
	}
	return bot, true
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.log.Error(op+" failed", "err", err, "request_id", requestID(r.Context()))
	msg := "internal server error"
	if !s.production {
		msg = err.Error()
	}
	writeError(w, http.StatusInternalServerError, msg)
}
