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

func scanUser(scan func(dest ...any) error) (*domain.User, error) {
	var (
		u                domain.User
		nonceExpires     sql.NullString
		created, updated sql.NullString
	)
	if err := scan(&u.ID, &u.WalletAddress, &u.AuthNonce, &nonceExpires,
		&u.RefreshTokenHash, &created, &updated); err != nil {
		return nil, err
	}
	u.AuthNonceExpiresAt = parseTime(nonceExpires)
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return &u, nil
}

const userColumns = `id, wallet_address, auth_nonce, auth_nonce_expires_at,
	refresh_token_hash, created_at, updated_at`

// GetOrCreateUser returns the user for a wallet, inserting the row on first
// sight.
func (s *SQLiteStorage) GetOrCreateUser(ctx context.Context, walletAddress string) (*domain.User, error) {
	now := storeTime(s.now().UTC())
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (wallet_address, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(wallet_address) DO NOTHING`,
		walletAddress, now, now); err != nil {
		return nil, fmt.Errorf("storage.GetOrCreateUser %s: %w", walletAddress, err)
	}
	return s.GetUserByWallet(ctx, walletAddress)
}

// GetUserByWallet loads one user row.
func (s *SQLiteStorage) GetUserByWallet(ctx context.Context, walletAddress string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE wallet_address = ?`, walletAddress)
	u, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.GetUserByWallet %s: %w", walletAddress, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetUserByWallet %s: %w", walletAddress, err)
	}
	return u, nil
}

// SetAuthNonce stores the single-use login nonce and its expiry.
func (s *SQLiteStorage) SetAuthNonce(ctx context.Context, walletAddress, nonce string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET auth_nonce = ?, auth_nonce_expires_at = ?, updated_at = ?
		WHERE wallet_address = ?`,
		nonce, storeTime(expiresAt), storeTime(s.now().UTC()), walletAddress)
	if err != nil {
		return fmt.Errorf("storage.SetAuthNonce %s: %w", walletAddress, err)
	}
	return nil
}

// ClearAuthNonce burns the nonce after a successful or failed verification.
func (s *SQLiteStorage) ClearAuthNonce(ctx context.Context, walletAddress string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET auth_nonce = '', auth_nonce_expires_at = NULL, updated_at = ?
		WHERE wallet_address = ?`,
		storeTime(s.now().UTC()), walletAddress)
	if err != nil {
		return fmt.Errorf("storage.ClearAuthNonce %s: %w", walletAddress, err)
	}
	return nil
}

// SetRefreshTokenHash stores the hash of the active refresh token.
func (s *SQLiteStorage) SetRefreshTokenHash(ctx context.Context, walletAddress, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET refresh_token_hash = ?, updated_at = ?
		WHERE wallet_address = ?`,
		hash, storeTime(s.now().UTC()), walletAddress)
	if err != nil {
		return fmt.Errorf("storage.SetRefreshTokenHash %s: %w", walletAddress, err)
	}
	return nil
}

// --- strategy presets ---

// CreatePreset inserts a named reusable config. System presets carry no user.
func (s *SQLiteStorage) CreatePreset(ctx context.Context, p *domain.StrategyPreset) error {
	blob, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("storage.CreatePreset %s: marshal config: %w", p.Name, err)
	}
	var userID any
	if p.UserID != "" {
		userID = p.UserID
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_presets (user_id, name, description, is_system, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, p.Name, p.Description, boolToInt(p.IsSystem), string(blob), storeTime(now))
	if err != nil {
		return fmt.Errorf("storage.CreatePreset %s: %w", p.Name, err)
	}
	p.ID, _ = res.LastInsertId()
	p.CreatedAt = now
	return nil
}

// ListPresets returns system presets plus the user's own, system first.
func (s *SQLiteStorage) ListPresets(ctx context.Context, userID string) ([]domain.StrategyPreset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, is_system, config, created_at
		FROM strategy_presets
		WHERE is_system = 1 OR user_id = ?
		ORDER BY is_system DESC, created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPresets %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.StrategyPreset
	for rows.Next() {
		var (
			p        domain.StrategyPreset
			owner    sql.NullString
			isSystem int
			config   string
			created  sql.NullString
		)
		if err := rows.Scan(&p.ID, &owner, &p.Name, &p.Description, &isSystem, &config, &created); err != nil {
			return nil, fmt.Errorf("storage.ListPresets %s: %w", userID, err)
		}
		p.UserID = owner.String
		p.IsSystem = isSystem == 1
		p.CreatedAt = parseTime(created)
		if err := json.Unmarshal([]byte(config), &p.Config); err != nil {
			return nil, fmt.Errorf("storage.ListPresets %s: unmarshal config %d: %w", userID, p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePreset removes one of the user's own presets. System presets are not
// deletable through this path.
func (s *SQLiteStorage) DeletePreset(ctx context.Context, id int64, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM strategy_presets WHERE id = ? AND user_id = ? AND is_system = 0`,
		id, userID)
	if err != nil {
		return fmt.Errorf("storage.DeletePreset %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.DeletePreset %d: %w", id, ErrNotFound)
	}
	return nil
}
