package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"agent-portal/internal/model"
)

// MemberRole returns the caller's role in the session, or ErrNotFound when
// no membership exists.
func (s *Store) MemberRole(sessionID, userID string) (string, error) {
	var role string
	err := s.db.QueryRow(
		"SELECT role FROM session_members WHERE session_id = ? AND user_id = ?",
		sessionID, userID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

func (s *Store) AddMember(sessionID, userID, role string, now int64) (model.SessionMember, error) {
	m := model.SessionMember{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		CreatedAt: now,
	}
	_, err := s.db.Exec(`INSERT INTO session_members (id, session_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, user_id) DO UPDATE SET role = excluded.role`,
		m.ID, m.SessionID, m.UserID, m.Role, m.CreatedAt,
	)
	if err != nil {
		return model.SessionMember{}, err
	}
	return m, nil
}

func (s *Store) ListMembers(sessionID string) ([]model.SessionMember, error) {
	rows, err := s.db.Query(
		"SELECT id, session_id, user_id, role, created_at FROM session_members WHERE session_id = ? ORDER BY created_at",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SessionMember
	for rows.Next() {
		var m model.SessionMember
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *Store) RemoveMember(sessionID, userID string) error {
	res, err := s.db.Exec(
		"DELETE FROM session_members WHERE session_id = ? AND user_id = ? AND role != ?",
		sessionID, userID, model.RoleOwner,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}
