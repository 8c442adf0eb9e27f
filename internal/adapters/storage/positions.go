package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

const positionColumns = `position_id, bot_id, user_id, mode, status,
	pool_address, pool_name, mint_x, mint_y, bin_step,
	entry_bin_id, entry_price_per_token, entry_time,
	entry_amount_x_lamports, entry_amount_y_lamports,
	entry_tx_signature, entry_tx_cost_lamports, entry_score, ml_probability, entry_features,
	profit_target_percent, stop_loss_percent, max_hold_time_minutes,
	trailing_stop_enabled, trailing_stop_percent, high_water_mark_pct,
	current_price_per_token, unrealized_pnl_lamports,
	fees_earned_x_lamports, fees_earned_y_lamports,
	exit_price_per_token, exit_time, exit_tx_signature, exit_reason,
	realized_pnl_lamports, exit_tx_cost_lamports, last_error`

// InsertPosition writes a freshly opened position.
func (s *SQLiteStorage) InsertPosition(ctx context.Context, p *domain.TrackedPosition) error {
	var features any
	if p.EntryFeatures != nil {
		blob, err := json.Marshal(p.EntryFeatures)
		if err != nil {
			return fmt.Errorf("storage.InsertPosition %s: marshal features: %w", p.ID, err)
		}
		features = string(blob)
	}

	now := storeTime(s.now().UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?,
			?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?,
			?, ?, ?,
			?, ?,
			?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?, ?)`,
		p.ID, p.BotID, p.UserID, string(p.Mode), string(p.Status),
		p.PoolAddress, p.PoolName, p.MintX, p.MintY, p.BinStep,
		p.EntryBinID, p.EntryPricePerToken, storeTime(p.EntryTime),
		p.EntryAmountXLamports, p.EntryAmountYLamports,
		p.EntryTxSignature, p.EntryTxCostLamports, p.EntryScore, p.MLProbability, features,
		p.ProfitTargetPercent, p.StopLossPercent, p.MaxHoldTimeMinutes,
		boolToInt(p.TrailingStopEnabled), p.TrailingStopPercent, p.HighWaterMarkPct,
		p.CurrentPricePerToken, int64(0),
		p.FeesEarnedXLamports, p.FeesEarnedYLamports,
		p.ExitPricePerToken, storeTime(p.ExitTime), p.ExitTxSignature, string(p.ExitReason),
		p.RealizedPnLLamports, p.ExitTxCostLamports, p.LastError,
		now, now)
	if err != nil {
		return fmt.Errorf("storage.InsertPosition %s: %w", p.ID, err)
	}
	return nil
}

func scanPosition(scan func(dest ...any) error) (*domain.TrackedPosition, error) {
	var (
		p                   domain.TrackedPosition
		mode, status        string
		entryTime, exitTime sql.NullString
		features            sql.NullString
		trailingStop        int
		exitReason          string
		unrealized          int64
	)
	err := scan(
		&p.ID, &p.BotID, &p.UserID, &mode, &status,
		&p.PoolAddress, &p.PoolName, &p.MintX, &p.MintY, &p.BinStep,
		&p.EntryBinID, &p.EntryPricePerToken, &entryTime,
		&p.EntryAmountXLamports, &p.EntryAmountYLamports,
		&p.EntryTxSignature, &p.EntryTxCostLamports, &p.EntryScore, &p.MLProbability, &features,
		&p.ProfitTargetPercent, &p.StopLossPercent, &p.MaxHoldTimeMinutes,
		&trailingStop, &p.TrailingStopPercent, &p.HighWaterMarkPct,
		&p.CurrentPricePerToken, &unrealized,
		&p.FeesEarnedXLamports, &p.FeesEarnedYLamports,
		&p.ExitPricePerToken, &exitTime, &p.ExitTxSignature, &exitReason,
		&p.RealizedPnLLamports, &p.ExitTxCostLamports, &p.LastError,
	)
	if err != nil {
		return nil, err
	}

	p.Mode = domain.BotMode(mode)
	p.Status = domain.PositionStatus(status)
	p.ExitReason = domain.ExitReason(exitReason)
	p.TrailingStopEnabled = trailingStop == 1
	p.EntryTime = parseTime(entryTime)
	p.ExitTime = parseTime(exitTime)
	if features.Valid && features.String != "" {
		var fv domain.FeatureVector
		if err := json.Unmarshal([]byte(features.String), &fv); err != nil {
			return nil, fmt.Errorf("unmarshal entry features: %w", err)
		}
		p.EntryFeatures = &fv
	}
	return &p, nil
}

// GetPosition loads one position row.
func (s *SQLiteStorage) GetPosition(ctx context.Context, positionID string) (*domain.TrackedPosition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE position_id = ?`, positionID)
	p, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.GetPosition %s: %w", positionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetPosition %s: %w", positionID, err)
	}
	return p, nil
}

func (s *SQLiteStorage) listPositions(ctx context.Context, tail string, args ...any) ([]domain.TrackedPosition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TrackedPosition
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListActivePositions returns every non-terminal position of a user.
func (s *SQLiteStorage) ListActivePositions(ctx context.Context, userID string) ([]domain.TrackedPosition, error) {
	out, err := s.listPositions(ctx,
		`WHERE user_id = ? AND status IN ('pending', 'active', 'closing') ORDER BY entry_time`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListActivePositions %s: %w", userID, err)
	}
	return out, nil
}

// ListPositionsByBot returns every position of a bot, newest entries first.
func (s *SQLiteStorage) ListPositionsByBot(ctx context.Context, botID string) ([]domain.TrackedPosition, error) {
	out, err := s.listPositions(ctx, `WHERE bot_id = ? ORDER BY entry_time DESC`, botID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPositionsByBot %s: %w", botID, err)
	}
	return out, nil
}

// ListPositionHistory returns the user's closed positions, most recent first.
func (s *SQLiteStorage) ListPositionHistory(ctx context.Context, userID string, limit int) ([]domain.TrackedPosition, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := s.listPositions(ctx,
		`WHERE user_id = ? AND status IN ('closed', 'error') ORDER BY exit_time DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPositionHistory %s: %w", userID, err)
	}
	return out, nil
}

// ClosePosition writes the terminal fields of a settled position.
func (s *SQLiteStorage) ClosePosition(ctx context.Context, p *domain.TrackedPosition) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET
			status = ?,
			exit_price_per_token = ?,
			exit_time = ?,
			exit_tx_signature = ?,
			exit_reason = ?,
			realized_pnl_lamports = ?,
			exit_tx_cost_lamports = ?,
			fees_earned_x_lamports = ?,
			fees_earned_y_lamports = ?,
			high_water_mark_pct = ?,
			last_error = ?,
			updated_at = ?
		WHERE position_id = ?`,
		string(p.Status), p.ExitPricePerToken, storeTime(p.ExitTime),
		p.ExitTxSignature, string(p.ExitReason), p.RealizedPnLLamports,
		p.ExitTxCostLamports, p.FeesEarnedXLamports, p.FeesEarnedYLamports,
		p.HighWaterMarkPct, p.LastError, storeTime(s.now().UTC()), p.ID)
	if err != nil {
		return fmt.Errorf("storage.ClosePosition %s: %w", p.ID, err)
	}
	return nil
}

// CheckpointPosition patches only the live price snapshot.
func (s *SQLiteStorage) CheckpointPosition(ctx context.Context, positionID string, currentPrice float64, unrealizedPnLLamports int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET
			current_price_per_token = ?,
			unrealized_pnl_lamports = ?,
			updated_at = ?
		WHERE position_id = ?`,
		currentPrice, unrealizedPnLLamports, storeTime(s.now().UTC()), positionID)
	if err != nil {
		return fmt.Errorf("storage.CheckpointPosition %s: %w", positionID, err)
	}
	return nil
}

// RecentExits maps pool address to the newest exit time of a bot's closed
// positions since the cutoff.
func (s *SQLiteStorage) RecentExits(ctx context.Context, botID string, since time.Time) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_address, MAX(exit_time)
		FROM positions
		WHERE bot_id = ? AND status = 'closed' AND exit_time > ?
		GROUP BY pool_address`,
		botID, storeTime(since))
	if err != nil {
		return nil, fmt.Errorf("storage.RecentExits %s: %w", botID, err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var pool string
		var exitAt sql.NullString
		if err := rows.Scan(&pool, &exitAt); err != nil {
			return nil, fmt.Errorf("storage.RecentExits %s: %w", botID, err)
		}
		if t := parseTime(exitAt); !t.IsZero() {
			out[pool] = t
		}
	}
	return out, rows.Err()
}
