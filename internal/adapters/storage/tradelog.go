package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// AppendTradeLog writes one audit row.
func (s *SQLiteStorage) AppendTradeLog(ctx context.Context, entry *domain.TradeLogEntry) error {
	details := "{}"
	if entry.Details != nil {
		blob, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("storage.AppendTradeLog: marshal details: %w", err)
		}
		details = string(blob)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_log (bot_id, user_id, position_id, event, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.BotID, entry.UserID, entry.PositionID, string(entry.Event), details, storeTime(ts))
	if err != nil {
		return fmt.Errorf("storage.AppendTradeLog %s: %w", entry.Event, err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// ListTradeLog returns a bot's newest audit rows.
func (s *SQLiteStorage) ListTradeLog(ctx context.Context, botID string, limit int) ([]domain.TradeLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, user_id, position_id, event, details, timestamp
		FROM trade_log
		WHERE bot_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListTradeLog %s: %w", botID, err)
	}
	defer rows.Close()

	var out []domain.TradeLogEntry
	for rows.Next() {
		var (
			entry   domain.TradeLogEntry
			event   string
			details string
			ts      sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.BotID, &entry.UserID, &entry.PositionID,
			&event, &details, &ts); err != nil {
			return nil, fmt.Errorf("storage.ListTradeLog %s: %w", botID, err)
		}
		entry.Event = domain.TradeLogEvent(event)
		entry.Timestamp = parseTime(ts)
		if details != "" {
			if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
				return nil, fmt.Errorf("storage.ListTradeLog %s: unmarshal details %d: %w", botID, entry.ID, err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
