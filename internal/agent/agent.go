// Package agent runs the coding-agent CLI as a child process and exposes
// its stream-json stdio as typed events. Envelope contents stay opaque;
// only control traffic is parsed.
package agent

import (
	"context"
	"encoding/json"
)

type EventKind int

const (
	// EventOutput is a regular agent envelope, forwarded verbatim.
	EventOutput EventKind = iota
	// EventPermission is the agent asking to use a tool.
	EventPermission
	// EventExited reports the process ending. It is always the last
	// event before the channel closes.
	EventExited
)

type Event struct {
	Kind       EventKind
	Content    string
	Permission *PermissionRequest
	ExitCode   int
}

// PermissionRequest is a can_use_tool control request from the agent.
type PermissionRequest struct {
	RequestID   string
	ToolName    string
	Input       json.RawMessage
	Suggestions json.RawMessage
}

// Client abstracts the agent process for the proxy engine.
type Client interface {
	// Start launches the agent. Events flow until EventExited.
	Start(ctx context.Context) error
	// Send writes one user input; it returns only after the write was
	// accepted by the process.
	Send(text string) error
	// RespondPermission answers a pending can_use_tool request. An empty
	// reason on deny is reported as "User denied".
	RespondPermission(requestID string, allow bool, input, permissions json.RawMessage, reason string) error
	Events() <-chan Event
	// Stop asks the agent to exit. Events drain to EventExited.
	Stop()
}
