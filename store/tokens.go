package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveToken upserts an account's encrypted provider credentials.
func (s *Store) SaveToken(ctx context.Context, t *TokenRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_tokens (account_id, access_token_enc,
			refresh_token_enc, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		t.AccountID, t.AccessTokenEnc, t.RefreshTokenEnc, t.ExpiresAt,
		s.nowMs())
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// GetToken returns an account's credentials, or nil when none are stored.
func (s *Store) GetToken(ctx context.Context, accountID string) (*TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, access_token_enc, refresh_token_enc,
		       expires_at, updated_at
		FROM provider_tokens WHERE account_id = ?`, accountID)
	var t TokenRecord
	err := row.Scan(&t.AccountID, &t.AccessTokenEnc, &t.RefreshTokenEnc,
		&t.ExpiresAt, &t.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

// DeleteToken removes an account's credentials.
func (s *Store) DeleteToken(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_tokens WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
