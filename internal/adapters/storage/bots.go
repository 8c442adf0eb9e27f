package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("storage: not found")

const botConfigColumns = `entry_score_threshold, min_liquidity, max_liquidity, min_volume_24h,
	sol_pairs_only, mint_blacklist, position_size_sol, position_size_percent,
	min_position_sol, max_position_sol, default_bin_range, max_concurrent_positions,
	profit_target_percent, stop_loss_percent, trailing_stop_enabled, trailing_stop_percent,
	max_hold_time_minutes, max_daily_loss_sol, cooldown_minutes,
	cron_interval_seconds, position_check_interval_seconds, simulation_initial_balance_sol`

func botConfigArgs(cfg domain.BotConfig) ([]any, error) {
	blacklist, err := json.Marshal(cfg.MintBlacklist)
	if err != nil {
		return nil, fmt.Errorf("marshal mint blacklist: %w", err)
	}
	return []any{
		cfg.EntryScoreThreshold, cfg.MinLiquidity, cfg.MaxLiquidity, cfg.MinVolume24h,
		boolToInt(cfg.SolPairsOnly), string(blacklist), cfg.PositionSizeSOL, cfg.PositionSizePercent,
		cfg.MinPositionSOL, cfg.MaxPositionSOL, cfg.DefaultBinRange, cfg.MaxConcurrentPositions,
		cfg.ProfitTargetPercent, cfg.StopLossPercent, boolToInt(cfg.TrailingStopEnabled), cfg.TrailingStopPercent,
		cfg.MaxHoldTimeMinutes, cfg.MaxDailyLossSOL, cfg.CooldownMinutes,
		cfg.CronIntervalSeconds, cfg.PositionCheckIntervalSeconds, cfg.SimulationInitialBalanceSOL,
	}, nil
}

// botConfigScan holds sql.Scan targets for the config column block.
type botConfigScan struct {
	solPairsOnly  int
	trailingStop  int
	mintBlacklist string
	cfg           domain.BotConfig
}

func (b *botConfigScan) targets() []any {
	c := &b.cfg
	return []any{
		&c.EntryScoreThreshold, &c.MinLiquidity, &c.MaxLiquidity, &c.MinVolume24h,
		&b.solPairsOnly, &b.mintBlacklist, &c.PositionSizeSOL, &c.PositionSizePercent,
		&c.MinPositionSOL, &c.MaxPositionSOL, &c.DefaultBinRange, &c.MaxConcurrentPositions,
		&c.ProfitTargetPercent, &c.StopLossPercent, &b.trailingStop, &c.TrailingStopPercent,
		&c.MaxHoldTimeMinutes, &c.MaxDailyLossSOL, &c.CooldownMinutes,
		&c.CronIntervalSeconds, &c.PositionCheckIntervalSeconds, &c.SimulationInitialBalanceSOL,
	}
}

func (b *botConfigScan) config(mode domain.BotMode, strategy domain.StrategyMode) (domain.BotConfig, error) {
	cfg := b.cfg
	cfg.Mode = mode
	cfg.StrategyMode = strategy
	cfg.SolPairsOnly = b.solPairsOnly == 1
	cfg.TrailingStopEnabled = b.trailingStop == 1
	if b.mintBlacklist != "" {
		if err := json.Unmarshal([]byte(b.mintBlacklist), &cfg.MintBlacklist); err != nil {
			return cfg, fmt.Errorf("unmarshal mint blacklist: %w", err)
		}
	}
	return cfg, nil
}

// CreateBot inserts a bot row with its full config.
func (s *SQLiteStorage) CreateBot(ctx context.Context, bot *domain.Bot) error {
	args, err := botConfigArgs(bot.Config)
	if err != nil {
		return fmt.Errorf("storage.CreateBot %s: %w", bot.BotID, err)
	}
	now := s.now().UTC()
	all := append([]any{
		bot.BotID, bot.UserID, bot.Name, string(bot.Mode), string(bot.Status), string(bot.Config.StrategyMode),
	}, args...)
	all = append(all, storeTime(now), storeTime(now))

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (bot_id, user_id, name, mode, status, strategy_mode,
			`+botConfigColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		all...)
	if err != nil {
		return fmt.Errorf("storage.CreateBot %s: %w", bot.BotID, err)
	}
	bot.ID, _ = res.LastInsertId()
	bot.CreatedAt = now
	bot.UpdatedAt = now
	return nil
}

const botSelectColumns = `id, bot_id, user_id, name, mode, status, strategy_mode,
	` + botConfigColumns + `,
	total_trades, winning_trades, total_pnl_lamports, last_error,
	last_activity_at, emergency_stop_state, created_at, updated_at`

func scanBot(scan func(dest ...any) error) (*domain.Bot, error) {
	var (
		bot            domain.Bot
		mode, status   string
		strategy       string
		cfgScan        botConfigScan
		lastActivity   sql.NullString
		emergencyState []byte
		createdAt      sql.NullString
		updatedAt      sql.NullString
	)
	dest := []any{&bot.ID, &bot.BotID, &bot.UserID, &bot.Name, &mode, &status, &strategy}
	dest = append(dest, cfgScan.targets()...)
	dest = append(dest,
		&bot.TotalTrades, &bot.WinningTrades, &bot.TotalPnLLamports, &bot.LastError,
		&lastActivity, &emergencyState, &createdAt, &updatedAt)

	if err := scan(dest...); err != nil {
		return nil, err
	}

	bot.Mode = domain.BotMode(mode)
	bot.Status = domain.BotStatus(status)
	cfg, err := cfgScan.config(bot.Mode, domain.StrategyMode(strategy))
	if err != nil {
		return nil, err
	}
	bot.Config = cfg
	bot.EmergencyStopState = emergencyState
	bot.LastActivityAt = parseTime(lastActivity)
	bot.CreatedAt = parseTime(createdAt)
	bot.UpdatedAt = parseTime(updatedAt)
	return &bot, nil
}

// GetBot loads one bot row by its public id.
func (s *SQLiteStorage) GetBot(ctx context.Context, botID string) (*domain.Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botSelectColumns+` FROM bots WHERE bot_id = ?`, botID)
	bot, err := scanBot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.GetBot %s: %w", botID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetBot %s: %w", botID, err)
	}
	return bot, nil
}

func (s *SQLiteStorage) listBots(ctx context.Context, where string, args ...any) ([]domain.Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botSelectColumns+` FROM bots WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []domain.Bot
	for rows.Next() {
		bot, err := scanBot(rows.Scan)
		if err != nil {
			return nil, err
		}
		bots = append(bots, *bot)
	}
	return bots, rows.Err()
}

// ListBots returns every bot of a user, oldest first.
func (s *SQLiteStorage) ListBots(ctx context.Context, userID string) ([]domain.Bot, error) {
	bots, err := s.listBots(ctx, `user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListBots %s: %w", userID, err)
	}
	return bots, nil
}

// ListBotsByStatus returns every bot in the given lifecycle state.
func (s *SQLiteStorage) ListBotsByStatus(ctx context.Context, status domain.BotStatus) ([]domain.Bot, error) {
	bots, err := s.listBots(ctx, `status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("storage.ListBotsByStatus %s: %w", status, err)
	}
	return bots, nil
}

// CountBots counts a user's bots, for the per-user cap.
func (s *SQLiteStorage) CountBots(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bots WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage.CountBots %s: %w", userID, err)
	}
	return n, nil
}

// UpdateBotConfig rewrites the config column block of a stopped bot.
func (s *SQLiteStorage) UpdateBotConfig(ctx context.Context, botID string, cfg domain.BotConfig) error {
	args, err := botConfigArgs(cfg)
	if err != nil {
		return fmt.Errorf("storage.UpdateBotConfig %s: %w", botID, err)
	}
	all := append([]any{string(cfg.Mode), string(cfg.StrategyMode)}, args...)
	all = append(all, storeTime(s.now().UTC()), botID)

	_, err = s.db.ExecContext(ctx, `
		UPDATE bots SET mode = ?, strategy_mode = ?,
			entry_score_threshold = ?, min_liquidity = ?, max_liquidity = ?, min_volume_24h = ?,
			sol_pairs_only = ?, mint_blacklist = ?, position_size_sol = ?, position_size_percent = ?,
			min_position_sol = ?, max_position_sol = ?, default_bin_range = ?, max_concurrent_positions = ?,
			profit_target_percent = ?, stop_loss_percent = ?, trailing_stop_enabled = ?, trailing_stop_percent = ?,
			max_hold_time_minutes = ?, max_daily_loss_sol = ?, cooldown_minutes = ?,
			cron_interval_seconds = ?, position_check_interval_seconds = ?, simulation_initial_balance_sol = ?,
			updated_at = ?
		WHERE bot_id = ?`, all...)
	if err != nil {
		return fmt.Errorf("storage.UpdateBotConfig %s: %w", botID, err)
	}
	return nil
}

// UpdateBotStatus transitions the lifecycle state and records the last error.
func (s *SQLiteStorage) UpdateBotStatus(ctx context.Context, botID string, status domain.BotStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = ?, last_error = ?, updated_at = ? WHERE bot_id = ?`,
		string(status), lastError, storeTime(s.now().UTC()), botID)
	if err != nil {
		return fmt.Errorf("storage.UpdateBotStatus %s: %w", botID, err)
	}
	return nil
}

// RecordBotTrade atomically bumps the aggregate trade counters on a close.
func (s *SQLiteStorage) RecordBotTrade(ctx context.Context, botID string, pnlLamports int64, win bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bots SET
			total_trades = total_trades + 1,
			winning_trades = winning_trades + ?,
			total_pnl_lamports = total_pnl_lamports + ?,
			updated_at = ?
		WHERE bot_id = ?`,
		boolToInt(win), pnlLamports, storeTime(s.now().UTC()), botID)
	if err != nil {
		return fmt.Errorf("storage.RecordBotTrade %s: %w", botID, err)
	}
	return nil
}

// TouchBotActivity stamps last_activity_at.
func (s *SQLiteStorage) TouchBotActivity(ctx context.Context, botID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET last_activity_at = ? WHERE bot_id = ?`,
		storeTime(s.now().UTC()), botID)
	if err != nil {
		return fmt.Errorf("storage.TouchBotActivity %s: %w", botID, err)
	}
	return nil
}

// SaveEmergencyState stores the opaque emergency-stop blob.
func (s *SQLiteStorage) SaveEmergencyState(ctx context.Context, botID string, state []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET emergency_stop_state = ?, updated_at = ? WHERE bot_id = ?`,
		state, storeTime(s.now().UTC()), botID)
	if err != nil {
		return fmt.Errorf("storage.SaveEmergencyState %s: %w", botID, err)
	}
	return nil
}

// DeleteBot removes the bot row; positions and trade-log entries cascade.
func (s *SQLiteStorage) DeleteBot(ctx context.Context, botID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE bot_id = ?`, botID)
	if err != nil {
		return fmt.Errorf("storage.DeleteBot %s: %w", botID, err)
	}
	return nil
}
