package streams

// ToolInvoked is an ordinary (non-delta) tool invocation. CallID is the tool call id.
type ToolInvoked struct {
	Meta
	Name     string                 `json:"name"`
	ToolKind ToolKind               `json:"tool_kind,omitempty"`
	Title    string                 `json:"title,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
}

// ToolCompleted carries the result of the tool call identified by CallID.
type ToolCompleted struct {
	Meta
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// TextProduced is a complete assistant text or thinking block.
type TextProduced struct {
	Meta
	Text     string `json:"text"`
	Thinking bool   `json:"thinking,omitempty"`
}

// UserInput echoes a user message. Synthetic and replayed inputs are produced
// by the backend itself, e.g. the summary it injects after compaction.
type UserInput struct {
	Meta
	Text        string `json:"text"`
	IsSynthetic bool   `json:"is_synthetic,omitempty"`
	IsReplay    bool   `json:"is_replay,omitempty"`
}

// TurnCompleted ends a request/response cycle.
type TurnCompleted struct {
	Meta
	Result     string  `json:"result,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	StopReason string  `json:"stop_reason,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}

// SessionInitialized reports backend session identity and capabilities.
type SessionInitialized struct {
	Meta
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Resumed   bool     `json:"resumed,omitempty"`
}

// StatusChanged reports a backend status transition (e.g. "compacting").
type StatusChanged struct {
	Meta
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ContextCompacted marks a compaction boundary. The backend usually follows it
// with a synthetic user input carrying the summary.
type ContextCompacted struct {
	Meta
	Trigger   string `json:"trigger,omitempty"`
	PreTokens int64  `json:"pre_tokens,omitempty"`
}

// SubagentSpawned starts or resumes a subagent. CallID is the spawning tool
// call id, which later events use as ParentCallID.
type SubagentSpawned struct {
	Meta
	AgentType     string `json:"agent_type,omitempty"`
	Description   string `json:"description,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ResumeAgentID string `json:"resume_agent_id,omitempty"`
}

// SubagentCompleted ends the subagent spawned by CallID.
type SubagentCompleted struct {
	Meta
	Status   string `json:"status,omitempty"`
	Result   string `json:"result,omitempty"`
	ResumeID string `json:"resume_id,omitempty"`
	Usage    *Usage `json:"usage,omitempty"`
}

// StreamDelta is a partial fragment of text, thinking or tool input. For tool
// input CallID is the tool call id and ToolName names the tool.
type StreamDelta struct {
	Meta
	Delta    DeltaKind `json:"delta"`
	Fragment string    `json:"fragment"`
	ToolName string    `json:"tool_name,omitempty"`
}

// PermissionRequested asks the user to approve the tool call identified by CallID.
type PermissionRequested struct {
	Meta
	ToolName string                 `json:"tool_name,omitempty"`
	Title    string                 `json:"title,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
	Options  []string               `json:"options,omitempty"`
}

// UsageUpdated reports usage outside of a turn completion.
type UsageUpdated struct {
	Meta
	Usage         *Usage     `json:"usage,omitempty"`
	RateLimit     *RateLimit `json:"rate_limit,omitempty"`
	ContextWindow int64      `json:"context_window,omitempty"`
	ContextUsed   int64      `json:"context_used,omitempty"`
}

// Unknown wraps a wire message no decoder rule recognized.
type Unknown struct {
	Meta
	TypeTag string `json:"type_tag"`
	Reason  string `json:"reason,omitempty"`
}

func (*ToolInvoked) Kind() Kind         { return KindToolInvoked }
func (*ToolCompleted) Kind() Kind       { return KindToolCompleted }
func (*TextProduced) Kind() Kind        { return KindTextProduced }
func (*UserInput) Kind() Kind           { return KindUserInput }
func (*TurnCompleted) Kind() Kind       { return KindTurnCompleted }
func (*SessionInitialized) Kind() Kind  { return KindSessionInitialized }
func (*StatusChanged) Kind() Kind       { return KindStatusChanged }
func (*ContextCompacted) Kind() Kind    { return KindContextCompacted }
func (*SubagentSpawned) Kind() Kind     { return KindSubagentSpawned }
func (*SubagentCompleted) Kind() Kind   { return KindSubagentCompleted }
func (*StreamDelta) Kind() Kind         { return KindStreamDelta }
func (*PermissionRequested) Kind() Kind { return KindPermissionRequested }
func (*UsageUpdated) Kind() Kind        { return KindUsageUpdated }
func (*Unknown) Kind() Kind             { return KindUnknown }

func (*ToolInvoked) isEvent()         {}
func (*ToolCompleted) isEvent()       {}
func (*TextProduced) isEvent()        {}
func (*UserInput) isEvent()           {}
func (*TurnCompleted) isEvent()       {}
func (*SessionInitialized) isEvent()  {}
func (*StatusChanged) isEvent()       {}
func (*ContextCompacted) isEvent()    {}
func (*SubagentSpawned) isEvent()     {}
func (*SubagentCompleted) isEvent()   {}
func (*StreamDelta) isEvent()         {}
func (*PermissionRequested) isEvent() {}
func (*UsageUpdated) isEvent()        {}
func (*Unknown) isEvent()             {}
