package store

import "time"

// ProjectStatus enumerates project lifecycle states.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectPaused   ProjectStatus = "paused"
	ProjectArchived ProjectStatus = "archived"
)

// Project owns cards, documents, decisions, and conversations.
// Agents never mutate projects.
type Project struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Description         string        `json:"description"`
	Status              ProjectStatus `json:"status"`
	Color               string        `json:"color"`
	AgentTimeoutMinutes int           `json:"agent_timeout_minutes"` // 0 = use global default
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Column enumerates the board columns.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnInProgress Column = "in_progress"
	ColumnDone       Column = "done"
)

// AgentStatus enumerates a card's agent-execution state.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentRunning   AgentStatus = "running"
	AgentBlocked   AgentStatus = "blocked"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// VerificationStatus tracks branch/merge verification of a card's work.
type VerificationStatus string

const (
	VerifyUnverified   VerificationStatus = "unverified"
	VerifyBranchPassed VerificationStatus = "branch_passed"
	VerifyBranchFailed VerificationStatus = "branch_failed"
	VerifyMergePassed  VerificationStatus = "merge_passed"
	VerifyMergeFailed  VerificationStatus = "merge_failed"
)

// AgentKind enumerates the supported CLI agents.
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentCodex  AgentKind = "codex"
	AgentGemini AgentKind = "gemini"
)

// LabelInteractiveOnly marks cards the scheduler should not pick up.
// Advisory: a direct spawn request still honors the card.
const LabelInteractiveOnly = "interactive-only"

// Card is a unit of work on a project's board.
//
// Invariants enforced by the kanban service:
//   - positions are compact per (project, column);
//   - agent_status=running implies column=in_progress, assigned_agent set,
//     started_at set;
//   - at most one running card per project.
type Card struct {
	ID                 string             `json:"id"`
	ProjectID          string             `json:"project_id"`
	Title              string             `json:"title"`
	Description        string             `json:"description"`
	Column             Column             `json:"column"`
	Position           int                `json:"position"`
	Labels             []string           `json:"labels"`
	Priority           int                `json:"priority"` // lower = more urgent
	ContextSnapshot    string             `json:"context_snapshot,omitempty"`
	LastSessionID      string             `json:"last_session_id,omitempty"`
	AssignedAgent      AgentKind          `json:"assigned_agent,omitempty"`
	AgentStatus        AgentStatus        `json:"agent_status"`
	BlockedReason      string             `json:"blocked_reason,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// HasLabel reports whether the card carries the given label.
func (c *Card) HasLabel(label string) bool {
	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// DocumentType enumerates project document kinds.
type DocumentType string

const (
	DocBrief        DocumentType = "brief"
	DocInstructions DocumentType = "instructions"
	DocReference    DocumentType = "reference"
	DocState        DocumentType = "state"
	DocAssumptions  DocumentType = "assumptions"
	DocDecisions    DocumentType = "decisions"
)

// ProjectDocument is free-form project context, indexed for search.
type ProjectDocument struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	Type      DocumentType `json:"type"`
	Title     string       `json:"title"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Decision records an architecture decision with its alternatives.
type Decision struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Title        string     `json:"title"`
	Reasoning    string     `json:"reasoning"`
	Alternatives []string   `json:"alternatives"`
	Tradeoffs    string     `json:"tradeoffs"`
	CreatedAt    time.Time  `json:"created_at"`
	RevisedAt    *time.Time `json:"revised_at,omitempty"`
}

// ConversationStatus enumerates conversation states.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation groups messages. At most one active conversation per project.
type Conversation struct {
	ID             string             `json:"id"`
	ProjectID      string             `json:"project_id,omitempty"`
	Status         ConversationStatus `json:"status"`
	Summary        string             `json:"summary,omitempty"`
	SessionID      string             `json:"session_id,omitempty"`
	MessageCount   int                `json:"message_count"`
	FirstMessageAt *time.Time         `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time         `json:"last_message_at,omitempty"`
}

// Message content is encrypted at rest; the struct carries plaintext only
// across the service boundary.
type Message struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id,omitempty"`
	ConversationID string            `json:"conversation_id"`
	Role           string            `json:"role"` // user | assistant | system
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// AuditEntry is an append-only record of a lifecycle event.
type AuditEntry struct {
	ID         string            `json:"id"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Action     string            `json:"action"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// TokenUsage is an append-only record of one agent run's token spend.
type TokenUsage struct {
	ID              string    `json:"id"`
	CardID          string    `json:"card_id,omitempty"`
	ProjectID       string    `json:"project_id"`
	Agent           AgentKind `json:"agent"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	CacheReadTokens int64     `json:"cache_read_tokens"`
	CacheWriteTokens int64    `json:"cache_write_tokens"`
	CostUSD         float64   `json:"cost_usd"`
	CreatedAt       time.Time `json:"created_at"`
}

// UsageSummary aggregates token usage over a window.
type UsageSummary struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Runs             int     `json:"runs"`
}

// SteeringCorrection is a stored behavioral instruction injected into agent
// prompts. ProjectID empty means global.
type SteeringCorrection struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	Domain    string    `json:"domain"`
	Text      string    `json:"text"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchHit is one full-text search match.
type SearchHit struct {
	EntityType string `json:"entity_type"` // card | document | decision
	EntityID   string `json:"entity_id"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
}
