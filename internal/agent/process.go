package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// Big tool results arrive as single lines.
	maxLineSize = 10 << 20

	eventBuffer = 256

	// Closing stdin asks the agent to exit; the kill covers one that
	// does not.
	stopKillDelay = 5 * time.Second
)

// Config describes the agent process to launch.
type Config struct {
	Binary           string
	WorkingDirectory string
	SessionID        string
	Resume           bool
	ExtraArgs        []string
}

// Process runs the claude CLI with stream-json stdio.
type Process struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser

	events chan Event
}

func NewProcess(cfg Config, log *slog.Logger) *Process {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &Process{cfg: cfg, log: log, events: make(chan Event, eventBuffer)}
}

func (p *Process) Start(ctx context.Context) error {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--replay-user-messages",
	}
	if p.cfg.Resume {
		args = append(args, "--resume", p.cfg.SessionID)
	} else {
		args = append(args, "--session-id", p.cfg.SessionID)
	}
	args = append(args, p.cfg.ExtraArgs...)

	cmd := exec.CommandContext(ctx, p.cfg.Binary, args...)
	cmd.Dir = p.cfg.WorkingDirectory
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.cfg.Binary, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.mu.Unlock()

	p.log.Info("agent started",
		"binary", p.cfg.Binary,
		"session_id", p.cfg.SessionID,
		"resume", p.cfg.Resume,
	)

	go p.read(stdout)
	return nil
}

// read classifies stdout lines into events. Sends block when the consumer
// lags, which backs pressure up the OS pipe into the agent.
func (p *Process) read(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if ev, ok := classify(line); ok {
			p.events <- ev
		}
	}
	if err := scanner.Err(); err != nil {
		p.log.Warn("agent stdout read failed", "error", err)
	}

	code := 0
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd != nil {
		if err := cmd.Wait(); err != nil {
			code = 1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
	}
	p.events <- Event{Kind: EventExited, ExitCode: code}
	close(p.events)
}

type stdoutEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype               string          `json:"subtype"`
		ToolName              string          `json:"tool_name"`
		Input                 json.RawMessage `json:"input"`
		PermissionSuggestions json.RawMessage `json:"permission_suggestions"`
	} `json:"request"`
}

// classify maps one stdout line to an event. Control traffic the portal
// has no use for (stream events, control responses, non-tool control
// requests) is dropped, as are non-JSON diagnostics.
func classify(line string) (Event, bool) {
	var env stdoutEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Event{}, false
	}
	switch env.Type {
	case "stream_event", "control_response":
		return Event{}, false
	case "control_request":
		if env.Request.Subtype != "can_use_tool" {
			return Event{}, false
		}
		return Event{
			Kind: EventPermission,
			Permission: &PermissionRequest{
				RequestID:   env.RequestID,
				ToolName:    env.Request.ToolName,
				Input:       env.Request.Input,
				Suggestions: env.Request.PermissionSuggestions,
			},
		}, true
	default:
		return Event{Kind: EventOutput, Content: line}, true
	}
}

type userText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string     `json:"role"`
		Content []userText `json:"content"`
	} `json:"message"`
}

func (p *Process) Send(text string) error {
	msg := userMessage{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = []userText{{Type: "text", Text: text}}
	return p.writeLine(msg)
}

type permissionResult struct {
	Behavior           string          `json:"behavior"`
	UpdatedInput       json.RawMessage `json:"updatedInput,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updatedPermissions,omitempty"`
	Message            string          `json:"message,omitempty"`
}

type controlResponse struct {
	Type     string `json:"type"`
	Response struct {
		Subtype   string           `json:"subtype"`
		RequestID string           `json:"request_id"`
		Response  permissionResult `json:"response"`
	} `json:"response"`
}

func buildControlResponse(requestID string, allow bool, input, permissions json.RawMessage, reason string) controlResponse {
	var result permissionResult
	if allow {
		result.Behavior = "allow"
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		result.UpdatedInput = input
		result.UpdatedPermissions = permissions
	} else {
		result.Behavior = "deny"
		if reason == "" {
			reason = "User denied"
		}
		result.Message = reason
	}

	var resp controlResponse
	resp.Type = "control_response"
	resp.Response.Subtype = "success"
	resp.Response.RequestID = requestID
	resp.Response.Response = result
	return resp
}

func (p *Process) RespondPermission(requestID string, allow bool, input, permissions json.RawMessage, reason string) error {
	return p.writeLine(buildControlResponse(requestID, allow, input, permissions, reason))
}

func (p *Process) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return errors.New("agent not running")
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

func (p *Process) Events() <-chan Event { return p.events }

func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	if p.cmd != nil && p.cmd.Process != nil {
		proc := p.cmd.Process
		time.AfterFunc(stopKillDelay, func() { _ = proc.Kill() })
	}
}
