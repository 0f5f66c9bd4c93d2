package store

import (
	"database/sql"

	"github.com/google/uuid"

	"agent-portal/internal/model"
)

// AppendMessage stores one output envelope. seq is nil for legacy
// unsequenced outputs. The write is committed before the caller acks.
func (s *Store) AppendMessage(sessionID, userID, role, content string, seq *uint64, now int64) (model.Message, error) {
	msg := model.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Content:   content,
		Seq:       seq,
		CreatedAt: now,
	}

	var seqValue any
	if seq != nil {
		seqValue = int64(*seq)
	}
	_, err := s.db.Exec(
		"INSERT INTO messages (id, session_id, user_id, role, content, seq, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.SessionID, msg.UserID, msg.Role, msg.Content, seqValue, msg.CreatedAt,
	)
	if err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// ReadMessagesAfter returns messages with created_at strictly greater than
// after, oldest first, capped at limit.
func (s *Store) ReadMessagesAfter(sessionID string, after int64, limit int) ([]model.Message, error) {
	rows, err := s.db.Query(`SELECT id, session_id, user_id, role, content, seq, created_at
		FROM messages WHERE session_id = ? AND created_at > ?
		ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		sessionID, after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Message
	for rows.Next() {
		var msg model.Message
		var seq sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &msg.Role, &msg.Content, &seq, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if seq.Valid {
			v := uint64(seq.Int64)
			msg.Seq = &v
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// LastOutputSeq recovers the highest acknowledged output sequence for a
// session from the message log. Zero when no sequenced output is stored.
func (s *Store) LastOutputSeq(sessionID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MAX(seq) FROM messages WHERE session_id = ? AND seq IS NOT NULL",
		sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}
