package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"agent-portal/internal/model"
)

const userColumns = "id, email, name, is_admin, disabled, ban_reason, created_at, updated_at"

func scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.IsAdmin, &u.Disabled, &u.BanReason, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(id string) (model.User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(email string) (model.User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE email = ?", email)
	return scanUser(row)
}

func (s *Store) CreateUser(email, name string, now int64) (model.User, error) {
	u := model.User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		"INSERT INTO users (id, email, name, is_admin, disabled, created_at, updated_at) VALUES (?, ?, ?, 0, 0, ?, ?)",
		u.ID, u.Email, u.Name, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

// GetOrCreateUserByEmail binds an identity to a user row, creating it on
// first sight. Dev mode funnels everything through the fixed test address.
func (s *Store) GetOrCreateUserByEmail(email, name string, now int64) (model.User, error) {
	u, err := s.GetUserByEmail(email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.User{}, err
	}
	return s.CreateUser(email, name, now)
}
