package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"agent-portal/internal/model"
)

const sessionColumns = `id, user_id, session_name, working_directory, status,
	last_activity, git_branch, total_cost_usd, input_tokens, output_tokens,
	cache_creation_tokens, cache_read_tokens, client_version, agent_type,
	input_seq, created_at, updated_at`

func scanSession(scanner interface{ Scan(...any) error }) (model.Session, error) {
	var sess model.Session
	err := scanner.Scan(
		&sess.ID, &sess.UserID, &sess.SessionName, &sess.WorkingDirectory,
		&sess.Status, &sess.LastActivity, &sess.GitBranch, &sess.TotalCostUSD,
		&sess.InputTokens, &sess.OutputTokens, &sess.CacheCreationTokens,
		&sess.CacheReadTokens, &sess.ClientVersion, &sess.AgentType,
		&sess.InputSeq, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (s *Store) GetSession(id string) (model.Session, error) {
	row := s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	return scanSession(row)
}

// CreateSession inserts the session row together with its owner membership
// in one transaction.
func (s *Store) CreateSession(sess model.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO sessions
		(id, user_id, session_name, working_directory, status, last_activity,
		 git_branch, client_version, agent_type, input_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		sess.ID, sess.UserID, sess.SessionName, sess.WorkingDirectory,
		sess.Status, sess.LastActivity, sess.GitBranch, sess.ClientVersion,
		sess.AgentType, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT INTO session_members (id, session_id, user_id, role, created_at) VALUES (?, ?, ?, ?, ?)",
		uuid.New().String(), sess.ID, sess.UserID, model.RoleOwner, sess.CreatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ReactivateSession refreshes the mutable registration fields when a proxy
// re-registers an existing session. Status is left alone: the session's
// router owns that transition.
func (s *Store) ReactivateSession(id, sessionName, workingDirectory string, gitBranch, clientVersion *string, now int64) error {
	res, err := s.db.Exec(`UPDATE sessions SET
		session_name = ?, working_directory = ?, last_activity = ?,
		git_branch = ?, client_version = ?, updated_at = ?
		WHERE id = ?`,
		sessionName, workingDirectory, now, gitBranch, clientVersion, now, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateSessionStatus(id, status string, now int64) error {
	res, err := s.db.Exec(
		"UPDATE sessions SET status = ?, last_activity = ?, updated_at = ? WHERE id = ?",
		status, now, now, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateSessionGitBranch(id string, branch *string, now int64) error {
	res, err := s.db.Exec(
		"UPDATE sessions SET git_branch = ?, updated_at = ? WHERE id = ?",
		branch, now, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) TouchSessionActivity(id string, now int64) error {
	_, err := s.db.Exec(
		"UPDATE sessions SET last_activity = ?, updated_at = ? WHERE id = ?",
		now, now, id,
	)
	return err
}

// AllocateInputSeq increments and returns the session's input sequence
// number in a single statement, so concurrent viewers can never observe the
// same value.
func (s *Store) AllocateInputSeq(id string, now int64) (int64, error) {
	var seq int64
	err := s.db.QueryRow(
		"UPDATE sessions SET input_seq = input_seq + 1, updated_at = ? WHERE id = ? RETURNING input_seq",
		now, id,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// AccumulateSessionUsage folds one result envelope's cost and token counts
// into the session totals.
func (s *Store) AccumulateSessionUsage(id string, costUSD float64, inputTokens, outputTokens, cacheCreation, cacheRead int64, now int64) error {
	_, err := s.db.Exec(`UPDATE sessions SET
		total_cost_usd = total_cost_usd + ?,
		input_tokens = input_tokens + ?,
		output_tokens = output_tokens + ?,
		cache_creation_tokens = cache_creation_tokens + ?,
		cache_read_tokens = cache_read_tokens + ?,
		updated_at = ?
		WHERE id = ?`,
		costUSD, inputTokens, outputTokens, cacheCreation, cacheRead, now, id,
	)
	return err
}

// MarkStaleActiveSessions downgrades sessions left "active" by a previous
// backend process. Called once at startup, before any socket is accepted.
func (s *Store) MarkStaleActiveSessions(now int64) (int64, error) {
	res, err := s.db.Exec(
		"UPDATE sessions SET status = ?, updated_at = ? WHERE status = ?",
		"disconnected", now, "active",
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListSessionsForUser returns every session the user is a member of,
// newest activity first.
func (s *Store) ListSessionsForUser(userID string) ([]model.Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions
		WHERE id IN (SELECT session_id FROM session_members WHERE user_id = ?)
		ORDER BY last_activity DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// UserSpend totals the cost of every session owned by the user.
func (s *Store) UserSpend(userID string) (float64, map[string]float64, error) {
	rows, err := s.db.Query(
		"SELECT id, total_cost_usd FROM sessions WHERE user_id = ?", userID,
	)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	total := 0.0
	perSession := make(map[string]float64)
	for rows.Next() {
		var id string
		var cost float64
		if err := rows.Scan(&id, &cost); err != nil {
			return 0, nil, err
		}
		perSession[id] = cost
		total += cost
	}
	return total, perSession, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
