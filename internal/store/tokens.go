package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"agent-portal/internal/model"
)

const tokenColumns = "id, user_id, name, token_hash, created_at, last_used_at, expires_at, revoked"

func (s *Store) CreateProxyToken(userID, name, tokenHash string, expiresAt *int64, now int64) (model.ProxyToken, error) {
	t := model.ProxyToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		TokenHash: tokenHash,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	_, err := s.db.Exec(
		"INSERT INTO proxy_auth_tokens (id, user_id, name, token_hash, created_at, expires_at, revoked) VALUES (?, ?, ?, ?, ?, ?, 0)",
		t.ID, t.UserID, t.Name, t.TokenHash, t.CreatedAt, t.ExpiresAt,
	)
	if err != nil {
		return model.ProxyToken{}, err
	}
	return t, nil
}

// GetProxyTokenByHash looks a presented token up by its SHA-256. Revoked
// and expired tokens are treated as absent.
func (s *Store) GetProxyTokenByHash(hash string, now int64) (model.ProxyToken, error) {
	var t model.ProxyToken
	err := s.db.QueryRow(
		"SELECT "+tokenColumns+" FROM proxy_auth_tokens WHERE token_hash = ? AND revoked = 0",
		hash,
	).Scan(&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.CreatedAt, &t.LastUsedAt, &t.ExpiresAt, &t.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProxyToken{}, ErrNotFound
	}
	if err != nil {
		return model.ProxyToken{}, err
	}
	if t.ExpiresAt != nil && *t.ExpiresAt <= now {
		return model.ProxyToken{}, ErrNotFound
	}
	return t, nil
}

func (s *Store) TouchProxyToken(id string, now int64) error {
	_, err := s.db.Exec(
		"UPDATE proxy_auth_tokens SET last_used_at = ? WHERE id = ?",
		now, id,
	)
	return err
}

func (s *Store) ListProxyTokens(userID string) ([]model.ProxyToken, error) {
	rows, err := s.db.Query(
		"SELECT "+tokenColumns+" FROM proxy_auth_tokens WHERE user_id = ? ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ProxyToken
	for rows.Next() {
		var t model.ProxyToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.CreatedAt, &t.LastUsedAt, &t.ExpiresAt, &t.Revoked); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// RevokeProxyToken marks the token revoked. Scoped to the owning user so
// one user cannot revoke another's tokens.
func (s *Store) RevokeProxyToken(id, userID string) error {
	res, err := s.db.Exec(
		"UPDATE proxy_auth_tokens SET revoked = 1 WHERE id = ? AND user_id = ?",
		id, userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}
