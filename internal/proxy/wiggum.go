package proxy

import (
	"encoding/json"
	"strings"
)

// wiggumDirective is appended to the prompt on every injection of a
// wiggum run.
const wiggumDirective = "Take action on the directions above until fully complete. If complete, respond only with DONE."

// wiggumMaxIterations caps a run whose agent never says DONE.
const wiggumMaxIterations = 50

// wiggumRun tracks one active wiggum input. Its seq stays unacked until
// the run terminates, so the backend replays the prompt if the proxy dies
// mid-run.
type wiggumRun struct {
	seq       int64
	prompt    string
	iteration int
}

func wiggumPrompt(prompt string) string {
	return prompt + "\n\n" + wiggumDirective
}

type resultEnvelope struct {
	Type    string  `json:"type"`
	IsError bool    `json:"is_error"`
	Result  *string `json:"result"`
}

// wiggumOutcome inspects one agent output line. isResult reports whether
// the line is a terminal result envelope; done whether the run should
// stop. An error result stops the run rather than hammering a broken
// agent.
func wiggumOutcome(content string) (isResult, done bool) {
	var res resultEnvelope
	if err := json.Unmarshal([]byte(content), &res); err != nil || res.Type != "result" {
		return false, false
	}
	if res.IsError {
		return true, true
	}
	if res.Result == nil {
		return true, false
	}

	text := strings.ToUpper(strings.TrimSpace(*res.Result))
	switch {
	case text == "DONE",
		strings.HasPrefix(text, "DONE."),
		strings.HasPrefix(text, "DONE!"):
		return true, true
	case len(text) < 50 && strings.Contains(text, "DONE"):
		return true, true
	}
	return true, false
}
