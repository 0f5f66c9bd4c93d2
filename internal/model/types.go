package model

type User struct {
	ID        string
	Email     string
	Name      string
	IsAdmin   bool
	Disabled  bool
	BanReason *string
	CreatedAt int64
	UpdatedAt int64
}

type Session struct {
	ID                  string
	UserID              string
	SessionName         string
	WorkingDirectory    string
	Status              string
	LastActivity        int64
	GitBranch           *string
	TotalCostUSD        float64
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	ClientVersion       *string
	AgentType           string
	InputSeq            int64
	CreatedAt           int64
	UpdatedAt           int64
}

// Session member roles, in decreasing privilege order.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

type SessionMember struct {
	ID        string
	SessionID string
	UserID    string
	Role      string
	CreatedAt int64
}

// CanWrite reports whether the role may submit inputs and answer
// permission requests.
func CanWrite(role string) bool {
	return role == RoleOwner || role == RoleEditor
}

type Message struct {
	ID        string
	SessionID string
	UserID    string
	Role      string
	Content   string
	Seq       *uint64
	CreatedAt int64
}

type PendingInput struct {
	ID        string
	SessionID string
	SeqNum    int64
	Content   string
	SendMode  string
	CreatedAt int64
}

type PendingPermission struct {
	ID          string
	SessionID   string
	RequestID   string
	ToolName    string
	Input       string
	Suggestions *string
	CreatedAt   int64
}

type ProxyToken struct {
	ID         string
	UserID     string
	Name       string
	TokenHash  string
	CreatedAt  int64
	LastUsedAt *int64
	ExpiresAt  *int64
	Revoked    bool
}
