// Package protocol defines the WebSocket wire frames exchanged between the
// proxy, the backend, and viewers. Every frame is a UTF-8 JSON text message
// with a "type" field carrying one of the Type* constants.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	TypeRegister           = "Register"
	TypeRegisterAck        = "RegisterAck"
	TypeSequencedOutput    = "SequencedOutput"
	TypeOutputAck          = "OutputAck"
	TypeClaudeOutput       = "ClaudeOutput"
	TypeClaudeInput        = "ClaudeInput"
	TypeSequencedInput     = "SequencedInput"
	TypeInputAck           = "InputAck"
	TypeSessionUpdate      = "SessionUpdate"
	TypeSessionStatus      = "SessionStatus"
	TypePermissionRequest  = "PermissionRequest"
	TypePermissionResponse = "PermissionResponse"
	TypeHistoryBatch       = "HistoryBatch"
	TypeHeartbeat          = "Heartbeat"
	TypeUserSpendUpdate    = "UserSpendUpdate"
	TypeServerShutdown     = "ServerShutdown"
	TypeError              = "Error"
)

// Send modes for viewer inputs.
const (
	SendModeNormal = "normal"
	SendModeWiggum = "wiggum"
)

// Session statuses carried by SessionStatus frames and the sessions table.
const (
	StatusActive       = "active"
	StatusDisconnected = "disconnected"
	StatusInactive     = "inactive"
)

// Frame is implemented by every wire frame variant.
type Frame interface {
	frame()
}

// Register is the first frame on any connection. Proxies fill every field;
// viewers send only SessionID and ReplayAfter.
type Register struct {
	Type             string  `json:"type"`
	SessionID        string  `json:"session_id"`
	SessionName      string  `json:"session_name,omitempty"`
	AuthToken        string  `json:"auth_token,omitempty"`
	WorkingDirectory string  `json:"working_directory,omitempty"`
	Resuming         bool    `json:"resuming,omitempty"`
	GitBranch        *string `json:"git_branch,omitempty"`
	ReplayAfter      *string `json:"replay_after,omitempty"`
	ClientVersion    *string `json:"client_version,omitempty"`
	AgentType        string  `json:"agent_type,omitempty"`
}

type RegisterAck struct {
	Type      string  `json:"type"`
	Success   bool    `json:"success"`
	SessionID string  `json:"session_id"`
	Error     *string `json:"error,omitempty"`
}

// SequencedOutput carries one agent output with the proxy-assigned sequence
// number. Seq starts at 1; 0 is reserved.
type SequencedOutput struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq"`
	Content string `json:"content"`
}

// OutputAck is the backend's cumulative acknowledgment of outputs.
type OutputAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AckSeq    uint64 `json:"ack_seq"`
}

// ClaudeOutput is the legacy unsequenced output form. Accepted from proxies
// for compatibility and used for broadcast to viewers; never acked.
type ClaudeOutput struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ClaudeInput is a viewer-submitted input. SendMode defaults to normal.
type ClaudeInput struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	SendMode string `json:"send_mode,omitempty"`
}

// SequencedInput delivers an input to the proxy with the backend-assigned
// sequence number.
type SequencedInput struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
	Content   string `json:"content"`
	SendMode  string `json:"send_mode,omitempty"`
}

// InputAck is the proxy's cumulative acknowledgment of inputs.
type InputAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AckSeq    int64  `json:"ack_seq"`
}

type SessionUpdate struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	GitBranch *string `json:"git_branch,omitempty"`
}

type SessionStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type PermissionRequest struct {
	Type                  string          `json:"type"`
	RequestID             string          `json:"request_id"`
	ToolName              string          `json:"tool_name"`
	Input                 json.RawMessage `json:"input"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
}

type PermissionResponse struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"request_id"`
	Allow       bool            `json:"allow"`
	Input       json.RawMessage `json:"input,omitempty"`
	Permissions json.RawMessage `json:"permissions,omitempty"`
	Reason      *string         `json:"reason,omitempty"`
}

// HistoryMessage is one replayed message inside a HistoryBatch.
type HistoryMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type HistoryBatch struct {
	Type     string           `json:"type"`
	Messages []HistoryMessage `json:"messages"`
}

type Heartbeat struct {
	Type string `json:"type"`
}

type UserSpendUpdate struct {
	Type          string             `json:"type"`
	TotalSpendUSD float64            `json:"total_spend_usd"`
	SessionCosts  map[string]float64 `json:"session_costs"`
}

type ServerShutdown struct {
	Type             string `json:"type"`
	Reason           string `json:"reason"`
	ReconnectDelayMS int64  `json:"reconnect_delay_ms"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (Register) frame()           {}
func (RegisterAck) frame()        {}
func (SequencedOutput) frame()    {}
func (OutputAck) frame()          {}
func (ClaudeOutput) frame()       {}
func (ClaudeInput) frame()        {}
func (SequencedInput) frame()     {}
func (InputAck) frame()           {}
func (SessionUpdate) frame()      {}
func (SessionStatus) frame()      {}
func (PermissionRequest) frame()  {}
func (PermissionResponse) frame() {}
func (HistoryBatch) frame()       {}
func (Heartbeat) frame()          {}
func (UserSpendUpdate) frame()    {}
func (ServerShutdown) frame()     {}
func (Error) frame()              {}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses a raw text frame into its concrete variant.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var frame Frame
	switch env.Type {
	case TypeRegister:
		frame = &Register{}
	case TypeRegisterAck:
		frame = &RegisterAck{}
	case TypeSequencedOutput:
		frame = &SequencedOutput{}
	case TypeOutputAck:
		frame = &OutputAck{}
	case TypeClaudeOutput:
		frame = &ClaudeOutput{}
	case TypeClaudeInput:
		frame = &ClaudeInput{}
	case TypeSequencedInput:
		frame = &SequencedInput{}
	case TypeInputAck:
		frame = &InputAck{}
	case TypeSessionUpdate:
		frame = &SessionUpdate{}
	case TypeSessionStatus:
		frame = &SessionStatus{}
	case TypePermissionRequest:
		frame = &PermissionRequest{}
	case TypePermissionResponse:
		frame = &PermissionResponse{}
	case TypeHistoryBatch:
		frame = &HistoryBatch{}
	case TypeHeartbeat:
		frame = &Heartbeat{}
	case TypeUserSpendUpdate:
		frame = &UserSpendUpdate{}
	case TypeServerShutdown:
		frame = &ServerShutdown{}
	case TypeError:
		frame = &Error{}
	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
	}
	return frame, nil
}
