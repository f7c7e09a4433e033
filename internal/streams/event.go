package streams

import "encoding/json"

// Kind identifies an Event variant.
type Kind string

const (
	KindToolInvoked         Kind = "tool_invoked"
	KindToolCompleted       Kind = "tool_completed"
	KindTextProduced        Kind = "text_produced"
	KindUserInput           Kind = "user_input"
	KindTurnCompleted       Kind = "turn_completed"
	KindSessionInitialized  Kind = "session_initialized"
	KindStatusChanged       Kind = "status_changed"
	KindContextCompacted    Kind = "context_compacted"
	KindSubagentSpawned     Kind = "subagent_spawned"
	KindSubagentCompleted   Kind = "subagent_completed"
	KindStreamDelta         Kind = "stream_delta"
	KindPermissionRequested Kind = "permission_requested"
	KindUsageUpdated        Kind = "usage_updated"
	KindUnknown             Kind = "unknown"
)

// AllKinds returns every variant kind.
func AllKinds() []Kind {
	return []Kind{
		KindToolInvoked,
		KindToolCompleted,
		KindTextProduced,
		KindUserInput,
		KindTurnCompleted,
		KindSessionInitialized,
		KindStatusChanged,
		KindContextCompacted,
		KindSubagentSpawned,
		KindSubagentCompleted,
		KindStreamDelta,
		KindPermissionRequested,
		KindUsageUpdated,
		KindUnknown,
	}
}

// Meta carries the routing fields shared by every event.
type Meta struct {
	CallID       string          `json:"call_id,omitempty"`
	ParentCallID string          `json:"parent_call_id,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Base returns the routing fields.
func (m Meta) Base() Meta { return m }

// IsPrimary reports whether the event belongs to the primary agent.
func (m Meta) IsPrimary() bool { return m.ParentCallID == "" }

// Event is a canonical pipeline event. Exactly one variant per value.
type Event interface {
	Kind() Kind
	Base() Meta
	isEvent()
}

// ToolKind categorizes the normalized tool operation.
type ToolKind string

const (
	ToolKindReadFile     ToolKind = "read_file"
	ToolKindModifyFile   ToolKind = "modify_file"
	ToolKindShellExec    ToolKind = "shell_exec"
	ToolKindCodeSearch   ToolKind = "code_search"
	ToolKindHTTPRequest  ToolKind = "http_request"
	ToolKindSubagentTask ToolKind = "subagent_task"
	ToolKindManageTodos  ToolKind = "manage_todos"
	ToolKindMCP          ToolKind = "mcp_tool"
	ToolKindGeneric      ToolKind = "generic"
)

// DeltaKind identifies what a StreamDelta fragment belongs to.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text"
	DeltaThinking  DeltaKind = "thinking"
	DeltaToolInput DeltaKind = "tool_input"
)

// Usage holds token and cost figures. Negative values are treated as zero by
// the aggregator.
type Usage struct {
	InputTokens              int64   `json:"input_tokens,omitempty"`
	OutputTokens             int64   `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens,omitempty"`
	ReasoningOutputTokens    int64   `json:"reasoning_output_tokens,omitempty"`
	CostUSD                  float64 `json:"cost_usd,omitempty"`
}

// RateLimit is the latest rate-limit snapshot reported by a backend.
type RateLimit struct {
	Status        string  `json:"status,omitempty"`
	UsedPercent   float64 `json:"used_percent,omitempty"`
	WindowMinutes int64   `json:"window_minutes,omitempty"`
	ResetsAt      int64   `json:"resets_at,omitempty"`
}
