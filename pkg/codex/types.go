// Package codex provides wire types for the OpenAI Codex app-server protocol.
// Codex uses a JSON-RPC 2.0 variant over stdio, but omits the "jsonrpc":"2.0" header.
package codex

import (
	"encoding/json"
	"strings"
)

// Message is any line Codex writes: a notification (method, no id), a
// server request (method and id) or a response to a client request (id and
// result or error).
type Message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// IsResponse reports whether the message answers a client request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification and server request methods
const (
	NotifyThreadStarted                 = "thread/started"
	NotifyThreadCompacted               = "thread/compacted"
	NotifyTurnStarted                   = "turn/started"
	NotifyTurnCompleted                 = "turn/completed"
	NotifyTurnDiffUpdated               = "turn/diff/updated"
	NotifyTurnPlanUpdated               = "turn/plan/updated"
	NotifyItemStarted                   = "item/started"
	NotifyItemCompleted                 = "item/completed"
	NotifyItemAgentMessageDelta         = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta     = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningTextDelta        = "item/reasoning/textDelta"
	NotifyItemCmdExecOutputDelta        = "item/commandExecution/outputDelta"
	NotifyItemCmdExecRequestApproval    = "item/commandExecution/requestApproval"
	NotifyItemFileChangeRequestApproval = "item/fileChange/requestApproval"
	NotifyError                         = "error"
	NotifyTokenCount                    = "token_count"
	NotifyThreadTokenUsageUpdated       = "thread/tokenUsage/updated"
	NotifyRateLimitsUpdated             = "account/rateLimits/updated"
	NotifyContextCompacted              = "context_compacted"
)

// Item types
const (
	ItemUserMessage      = "userMessage"
	ItemAgentMessage     = "agentMessage"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "commandExecution"
	ItemFileChange       = "fileChange"
	ItemMcpToolCall      = "mcpToolCall"
	ItemWebSearch        = "webSearch"
	ItemCollabAgentCall  = "collabAgentToolCall"
)

// Item and turn statuses
const (
	StatusInProgress  = "inProgress"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// CollabToolSpawnAgent is the collab tool that starts a child thread.
const CollabToolSpawnAgent = "spawnAgent"

// Thread represents a Codex thread (conversation)
type Thread struct {
	ID            string `json:"id"`
	Preview       string `json:"preview,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	Cwd           string `json:"cwd,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
}

// ThreadStartedParams for thread/started notification
type ThreadStartedParams struct {
	Thread *Thread `json:"thread"`
}

// Turn represents a Codex turn within a thread
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "inProgress", "completed", "failed", "interrupted"
	Error  *Error `json:"error,omitempty"`
}

// Item represents a Codex item (message, command, file change, etc.)
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`

	// For agentMessage type
	Text string `json:"text,omitempty"`

	// For commandExecution type
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
	DurationMs       *int   `json:"durationMs,omitempty"`

	// For fileChange type
	Changes []FileChange `json:"changes,omitempty"`

	// For reasoning and userMessage types. Content can be objects like
	// [{type: "text", text: "..."}] or plain strings.
	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	// For mcpToolCall type
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"` // Named ToolError to avoid conflict with Error type

	// For webSearch type
	Query string `json:"query,omitempty"`

	// For collabAgentToolCall type; Tool names the collab operation
	SenderThreadID    string   `json:"senderThreadId,omitempty"`
	ReceiverThreadIDs []string `json:"receiverThreadIds,omitempty"`
	Prompt            string   `json:"prompt,omitempty"`
}

// ContentPart represents a content part in a Codex item.
type ContentPart struct {
	Type string `json:"type,omitempty"` // "text", "output_text", "input_text", etc.
	Text string `json:"text,omitempty"`
}

// FlexibleContent can unmarshal from a string or an array whose elements are
// strings or ContentParts. Codex sometimes sends summary/content as a plain
// string, other times as an array.
type FlexibleContent []ContentPart

// UnmarshalJSON handles both string and array formats from Codex.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = []ContentPart{{Type: "text", Text: str}}
		return nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		// Unknown shapes are dropped rather than failing the whole message
		*fc = nil
		return nil
	}
	parts := make([]ContentPart, 0, len(elems))
	for _, elem := range elems {
		var part ContentPart
		if err := json.Unmarshal(elem, &part); err == nil {
			parts = append(parts, part)
			continue
		}
		if err := json.Unmarshal(elem, &str); err == nil {
			parts = append(parts, ContentPart{Type: "text", Text: str})
		}
	}
	*fc = parts
	return nil
}

// Text joins the text of every part.
func (fc FlexibleContent) Text() string {
	texts := make([]string, 0, len(fc))
	for _, p := range fc {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// FileChange represents a file change in a fileChange item
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// FileChangeKind represents the type of file change
type FileChangeKind struct {
	Type string `json:"type"` // "add", "modify", "delete"
}

// ItemParams for item/started and item/completed notifications
type ItemParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// DeltaParams for agent message, reasoning and command output deltas
type DeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// CommandApprovalParams for item/commandExecution/requestApproval
type CommandApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Command   string   `json:"command"`
	Cwd       string   `json:"cwd,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// FileChangeApprovalParams for item/fileChange/requestApproval
type FileChangeApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Path      string   `json:"path"`
	Diff      string   `json:"diff,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// DefaultApprovalOptions are the decisions an approval request accepts when
// the server does not list its own.
var DefaultApprovalOptions = []string{"accept", "acceptForSession", "decline", "cancel"}

// TurnCompletedParams for turn/completed notification.
// Older servers send success/error, newer ones the finished turn.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Turn     *Turn  `json:"turn,omitempty"`
}

// Status returns the turn's final status.
func (p *TurnCompletedParams) Status() string {
	if p.Turn != nil && p.Turn.Status != "" {
		return p.Turn.Status
	}
	if p.Success {
		return StatusCompleted
	}
	return StatusFailed
}

// ErrorMessage returns the turn's error message, if any.
func (p *TurnCompletedParams) ErrorMessage() string {
	if p.Error != "" {
		return p.Error
	}
	if p.Turn != nil && p.Turn.Error != nil {
		return p.Turn.Error.Message
	}
	return ""
}

// TurnPlanUpdatedParams for turn/plan/updated notification
type TurnPlanUpdatedParams struct {
	ThreadID string      `json:"threadId"`
	TurnID   string      `json:"turnId"`
	Plan     []PlanEntry `json:"plan"`
}

// PlanEntry represents a single plan item
type PlanEntry struct {
	Step   string `json:"step"`
	Status string `json:"status"` // "pending", "inProgress", "completed"
}

// ErrorParams for error notification
type ErrorParams struct {
	ThreadID  string `json:"threadId,omitempty"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     *Error `json:"error,omitempty"`
	WillRetry bool   `json:"willRetry,omitempty"`
}

// Text returns the error message from either shape.
func (p *ErrorParams) Text() string {
	if p.Message != "" {
		return p.Message
	}
	if p.Error != nil {
		return p.Error.Message
	}
	return ""
}

// TokenCountParams for token_count notification
type TokenCountParams struct {
	Info       *TokenUsageInfo    `json:"info,omitempty"`
	RateLimits *RateLimitSnapshot `json:"rateLimits,omitempty"`
}

// TokenUsageInfo contains detailed token usage information.
type TokenUsageInfo struct {
	TotalTokenUsage    *TokenUsage `json:"totalTokenUsage,omitempty"`
	LastTokenUsage     *TokenUsage `json:"lastTokenUsage,omitempty"`
	ModelContextWindow *int64      `json:"modelContextWindow,omitempty"`
}

// TokenUsage contains token counts for a request/response cycle.
// InputTokens includes CachedInputTokens.
type TokenUsage struct {
	InputTokens           int64 `json:"inputTokens"`
	CachedInputTokens     int64 `json:"cachedInputTokens"`
	OutputTokens          int64 `json:"outputTokens"`
	ReasoningOutputTokens int64 `json:"reasoningOutputTokens"`
	TotalTokens           int64 `json:"totalTokens"`
}

// ThreadTokenUsageUpdatedParams for thread/tokenUsage/updated notification.
type ThreadTokenUsageUpdatedParams struct {
	ThreadID   string            `json:"threadId"`
	TurnID     string            `json:"turnId"`
	TokenUsage *ThreadTokenUsage `json:"tokenUsage"`
}

// ThreadTokenUsage contains the token usage summary for a thread.
type ThreadTokenUsage struct {
	Total              *TokenUsage `json:"total,omitempty"`
	Last               *TokenUsage `json:"last,omitempty"`
	ModelContextWindow int64       `json:"modelContextWindow"`
}

// RateLimitsUpdatedParams for account/rateLimits/updated notification.
type RateLimitsUpdatedParams struct {
	RateLimits *RateLimitSnapshot `json:"rateLimits"`
}

// RateLimitSnapshot contains rate limit information.
type RateLimitSnapshot struct {
	Primary   *RateLimitWindow `json:"primary,omitempty"`
	Secondary *RateLimitWindow `json:"secondary,omitempty"`
	PlanType  *string          `json:"planType,omitempty"`
}

// RateLimitWindow contains rate limit window information.
type RateLimitWindow struct {
	UsedPercent        float64 `json:"usedPercent"`
	WindowDurationMins *int64  `json:"windowDurationMins,omitempty"`
	ResetsAt           *int64  `json:"resetsAt,omitempty"`
}

// ContextCompactedParams for context_compacted and thread/compacted notifications.
type ContextCompactedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}
