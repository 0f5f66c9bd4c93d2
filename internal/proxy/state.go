package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// directorySession remembers which portal session a working directory
// maps to, so a restarted proxy resumes instead of forking history.
type directorySession struct {
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name"`
	CreatedAt   string `json:"created_at"`
	LastUsed    string `json:"last_used"`
}

type proxyState struct {
	DirectorySessions map[string]directorySession `json:"directory_sessions"`
}

// DefaultStatePath is where the proxy keeps its directory-to-session map.
func DefaultStatePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "agent-portal", "proxy.json"), nil
}

func loadState(path string) proxyState {
	state := proxyState{DirectorySessions: map[string]directorySession{}}
	data, err := os.ReadFile(path)
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil || state.DirectorySessions == nil {
		state.DirectorySessions = map[string]directorySession{}
	}
	return state
}

func saveState(path string, state proxyState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ResolveSession picks the session for a working directory: the one on
// file, unless fresh is forced or none exists yet.
func ResolveSession(statePath, workingDirectory, sessionName string, fresh bool) (id, name string, resuming bool, err error) {
	state := loadState(statePath)
	now := time.Now().Format(time.RFC3339)

	if existing, ok := state.DirectorySessions[workingDirectory]; ok && !fresh {
		if sessionName == "" {
			sessionName = existing.SessionName
		}
		existing.SessionName = sessionName
		existing.LastUsed = now
		state.DirectorySessions[workingDirectory] = existing
		if err := saveState(statePath, state); err != nil {
			return "", "", false, err
		}
		return existing.SessionID, sessionName, true, nil
	}

	id = uuid.NewString()
	if sessionName == "" {
		sessionName = defaultSessionName()
	}
	state.DirectorySessions[workingDirectory] = directorySession{
		SessionID:   id,
		SessionName: sessionName,
		CreatedAt:   now,
		LastUsed:    now,
	}
	if err := saveState(statePath, state); err != nil {
		return "", "", false, err
	}
	return id, sessionName, false, nil
}

// RememberSession records the session id the engine switched to after the
// backend rejected a resume.
func RememberSession(statePath, workingDirectory, id, name string) error {
	state := loadState(statePath)
	now := time.Now().Format(time.RFC3339)
	state.DirectorySessions[workingDirectory] = directorySession{
		SessionID:   id,
		SessionName: name,
		CreatedAt:   now,
		LastUsed:    now,
	}
	return saveState(statePath, state)
}

func defaultSessionName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", host, time.Now().Format("20060102-150405"))
}
