package proxy

// Config carries everything the engine needs. The CLI fills it from
// flags and environment; session identity comes from the state file.
type Config struct {
	BackendURL       string
	AuthToken        string
	SessionID        string
	SessionName      string
	WorkingDirectory string
	AgentBinary      string
	AgentType        string
	BufferCapacity   int
	Resume           bool
	GitBranch        *string
	ClientVersion    string
	AgentArgs        []string

	// StatePath is where session switches are recorded. Empty disables
	// recording (tests).
	StatePath string
}
