// Package claudecode provides wire types for the Claude Code CLI stream-json protocol.
// Claude Code writes one JSON message per line on stdout; the message type
// determines which fields are populated.
package claudecode

import (
	"encoding/json"
	"strings"
)

// Message types from Claude Code CLI
const (
	// MessageTypeSystem carries session info, status changes and compaction boundaries
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking or tool calls from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser contains tool results, replayed prompts or command output
	MessageTypeUser = "user"
	// MessageTypeResult is the final message of a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeStreamEvent wraps a partial content update
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeRateLimit reports the account's rate limit state
	MessageTypeRateLimit = "rate_limit_event"
)

// System message subtypes
const (
	SubtypeInit            = "init"
	SubtypeStatus          = "status"
	SubtypeCompactBoundary = "compact_boundary"
)

// Control request subtypes
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeHookCallback is a hook callback request
	SubtypeHookCallback = "hook_callback"
)

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Content block types
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stream event types
const (
	StreamContentBlockStart = "content_block_start"
	StreamContentBlockDelta = "content_block_delta"
	StreamContentBlockStop  = "content_block_stop"
	StreamMessageStop       = "message_stop"
)

// Stream delta types
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// CLIMessage represents messages from Claude Code CLI stdout.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	UUID    string `json:"uuid,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// ParentToolUseID is set on messages produced inside a subagent; it is the
	// id of the Task tool call that spawned it.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// For system init messages
	Model string   `json:"model,omitempty"`
	Cwd   string   `json:"cwd,omitempty"`
	Tools []string `json:"tools,omitempty"`

	// For system status messages
	Status        string `json:"status,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	// For system compact_boundary messages
	CompactMetadata *CompactMetadata `json:"compact_metadata,omitempty"`

	// For assistant and user messages
	Message       *Message        `json:"message,omitempty"`
	ToolUseResult json.RawMessage `json:"tool_use_result,omitempty"`
	IsSynthetic   bool            `json:"isSynthetic,omitempty"`
	IsReplay      bool            `json:"isReplay,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For result messages
	// Result is usually a string but older CLIs send an object.
	Result       json.RawMessage            `json:"result,omitempty"`
	IsError      bool                       `json:"is_error,omitempty"`
	CostUSD      float64                    `json:"cost_usd,omitempty"`
	TotalCostUSD float64                    `json:"total_cost_usd,omitempty"`
	DurationMS   int64                      `json:"duration_ms,omitempty"`
	NumTurns     int                        `json:"num_turns,omitempty"`
	Usage        *Usage                     `json:"usage,omitempty"`
	ModelUsage   map[string]ModelUsageStats `json:"modelUsage,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For rate_limit_event messages
	RateLimitInfo *RateLimitInfo `json:"rate_limit_info,omitempty"`
}

// Message is the body of an assistant or user message. Content is either a
// plain string or a list of content blocks.
type Message struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role"`
	Model      string          `json:"model,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// GetContentBlocks returns the content blocks, or nil when content is a string.
func (m *Message) GetContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// GetContentString returns the content when it is a plain string.
func (m *Message) GetContentString() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// ContentBlock represents a block of content in a message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is a string or a list of text blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result block's content into plain text.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var parts []ContentBlock
	if err := json.Unmarshal(b.Content, &parts); err != nil {
		return string(b.Content)
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == BlockText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats contains per-model usage statistics from result message.
// ContextWindow is the model's actual context window size.
type ModelUsageStats struct {
	InputTokens   int64   `json:"inputTokens,omitempty"`
	OutputTokens  int64   `json:"outputTokens,omitempty"`
	CostUSD       float64 `json:"costUSD,omitempty"`
	ContextWindow int64   `json:"contextWindow,omitempty"`
}

// CompactMetadata describes a context compaction.
type CompactMetadata struct {
	Trigger   string `json:"trigger"` // manual, auto
	PreTokens int64  `json:"pre_tokens,omitempty"`
}

// TaskResult is the tool_use_result attached to a Task tool's result message.
type TaskResult struct {
	Status            string `json:"status,omitempty"`
	AgentID           string `json:"agentId,omitempty"`
	TotalDurationMS   int64  `json:"totalDurationMs,omitempty"`
	TotalTokens       int64  `json:"totalTokens,omitempty"`
	TotalToolUseCount int    `json:"totalToolUseCount,omitempty"`
	Usage             *Usage `json:"usage,omitempty"`
}

// GetTaskResult parses ToolUseResult as a Task result.
// Returns nil when absent or not an object.
func (m *CLIMessage) GetTaskResult() *TaskResult {
	if len(m.ToolUseResult) == 0 || m.ToolUseResult[0] != '{' {
		return nil
	}
	var r TaskResult
	if err := json.Unmarshal(m.ToolUseResult, &r); err != nil {
		return nil
	}
	return &r
}

// GetResultString returns the Result field as a string.
// An object result yields its "text" field.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &obj); err != nil {
		return ""
	}
	return obj.Text
}

// Cost returns the turn cost, preferring total_cost_usd.
func (m *CLIMessage) Cost() float64 {
	if m.TotalCostUSD > 0 {
		return m.TotalCostUSD
	}
	return m.CostUSD
}

// ContextWindow returns the largest context window reported in modelUsage.
func (m *CLIMessage) ContextWindow() int64 {
	var max int64
	for _, stats := range m.ModelUsage {
		if stats.ContextWindow > max {
			max = stats.ContextWindow
		}
	}
	return max
}

// ControlRequest represents a control request from Claude Code CLI.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName    string         `json:"tool_name,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	BlockedPath string         `json:"blocked_path,omitempty"`

	// For hook_callback requests
	CallbackID string `json:"callback_id,omitempty"`
}

// StreamEvent is a partial content update, emitted when the CLI runs with
// --include-partial-messages.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *StreamDelta  `json:"delta,omitempty"`
}

// StreamDelta contains a partial update of one content block.
type StreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// RateLimitInfo is the payload of a rate_limit_event message.
type RateLimitInfo struct {
	Status        string  `json:"status"`
	RateLimitType string  `json:"rateLimitType,omitempty"`
	Utilization   float64 `json:"utilization,omitempty"`
	ResetsAt      int64   `json:"resetsAt,omitempty"`
}

// Common tool names
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolMultiEdit    = "MultiEdit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolTask         = "Task"
	ToolAgent        = "Agent"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
	ToolTodoWrite    = "TodoWrite"
)

// IsSubagentTool reports whether a tool call spawns a subagent.
func IsSubagentTool(name string) bool {
	return name == ToolTask || name == ToolAgent
}
