package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"agent-portal/internal/model"
)

func (s *Store) InsertPendingInput(sessionID string, seqNum int64, content, sendMode string, now int64) (model.PendingInput, error) {
	in := model.PendingInput{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		SeqNum:    seqNum,
		Content:   content,
		SendMode:  sendMode,
		CreatedAt: now,
	}
	_, err := s.db.Exec(
		"INSERT INTO pending_inputs (id, session_id, seq_num, content, send_mode, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		in.ID, in.SessionID, in.SeqNum, in.Content, in.SendMode, in.CreatedAt,
	)
	if err != nil {
		return model.PendingInput{}, err
	}
	return in, nil
}

// DeletePendingInputsUpTo removes every pending input covered by a
// cumulative ack. Safe to repeat.
func (s *Store) DeletePendingInputsUpTo(sessionID string, ackSeq int64) error {
	_, err := s.db.Exec(
		"DELETE FROM pending_inputs WHERE session_id = ? AND seq_num <= ?",
		sessionID, ackSeq,
	)
	return err
}

// LoadPendingInputs returns unacked inputs in ascending seq order, the
// order they must reach the agent.
func (s *Store) LoadPendingInputs(sessionID string) ([]model.PendingInput, error) {
	rows, err := s.db.Query(
		"SELECT id, session_id, seq_num, content, send_mode, created_at FROM pending_inputs WHERE session_id = ? ORDER BY seq_num ASC",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PendingInput
	for rows.Next() {
		var in model.PendingInput
		if err := rows.Scan(&in.ID, &in.SessionID, &in.SeqNum, &in.Content, &in.SendMode, &in.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, in)
	}
	return result, rows.Err()
}

// UpsertPendingPermission stores the session's pending permission request,
// replacing any earlier one. A session never has more than one.
func (s *Store) UpsertPendingPermission(sessionID, requestID, toolName, input string, suggestions *string, now int64) error {
	_, err := s.db.Exec(`INSERT INTO pending_permission_requests
		(id, session_id, request_id, tool_name, input, permission_suggestions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			request_id = excluded.request_id,
			tool_name = excluded.tool_name,
			input = excluded.input,
			permission_suggestions = excluded.permission_suggestions,
			created_at = excluded.created_at`,
		uuid.New().String(), sessionID, requestID, toolName, input, suggestions, now,
	)
	return err
}

func (s *Store) GetPendingPermission(sessionID string) (model.PendingPermission, error) {
	var p model.PendingPermission
	err := s.db.QueryRow(
		"SELECT id, session_id, request_id, tool_name, input, permission_suggestions, created_at FROM pending_permission_requests WHERE session_id = ?",
		sessionID,
	).Scan(&p.ID, &p.SessionID, &p.RequestID, &p.ToolName, &p.Input, &p.Suggestions, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PendingPermission{}, ErrNotFound
	}
	if err != nil {
		return model.PendingPermission{}, err
	}
	return p, nil
}

func (s *Store) DeletePendingPermission(sessionID, requestID string) error {
	_, err := s.db.Exec(
		"DELETE FROM pending_permission_requests WHERE session_id = ? AND request_id = ?",
		sessionID, requestID,
	)
	return err
}
