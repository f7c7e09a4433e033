package chat

import "time"

// AgentStatus is the lifecycle state of a subagent.
type AgentStatus string

const (
	AgentSpawned   AgentStatus = "spawned"
	AgentWorking   AgentStatus = "working"
	AgentCompleted AgentStatus = "completed"
	AgentError     AgentStatus = "error"
)

// IsTerminal reports whether the status ends a spawn/complete cycle.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentCompleted || s == AgentError
}

// AgentRecord is one subagent. SDKAgentID is the call id of the spawn that
// created it; ResumeID is the backend identity a later resume references.
type AgentRecord struct {
	SDKAgentID     string      `json:"sdk_agent_id" db:"sdk_agent_id"`
	ConversationID string      `json:"conversation_id" db:"conversation_id"`
	AgentType      string      `json:"agent_type" db:"agent_type"`
	Description    string      `json:"description" db:"description"`
	Status         AgentStatus `json:"status" db:"status"`
	ResumeID       string      `json:"resume_id,omitempty" db:"resume_id"`
	ResultSummary  string      `json:"result_summary,omitempty" db:"result_summary"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// AgentUpdate carries optional fields for UpdateAgentStatus. Empty strings
// leave the stored value unchanged.
type AgentUpdate struct {
	Result   string
	ResumeID string
}

// PendingPermission is an open permission prompt tied to a tool call.
type PendingPermission struct {
	CallID         string                 `json:"call_id"`
	ConversationID string                 `json:"conversation_id"`
	ToolName       string                 `json:"tool_name,omitempty"`
	Title          string                 `json:"title,omitempty"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Options        []string               `json:"options,omitempty"`
	RequestedAt    time.Time              `json:"requested_at"`
}
