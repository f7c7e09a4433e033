// Package codex decodes the OpenAI Codex app-server protocol.
//
// Codex runs subagents as child threads started by a collab tool call. The
// decoder remembers which call spawned each child thread and routes the
// child's notifications to it.
package codex

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/adapter/transport/shared"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/common/stringutil"
	"github.com/kandev/eventpipe/internal/streams"
	"github.com/kandev/eventpipe/pkg/codex"
)

// Decoder decodes Codex messages for one session.
type Decoder struct {
	sessionID string
	logger    *logger.Logger

	primaryThread string
	// childThreads maps a child thread id to the call that spawned it.
	childThreads map[string]spawnCall
	// lastText holds the latest agent message of each running subagent.
	lastText map[string]string
}

type spawnCall struct {
	callID       string
	parentCallID string
}

// NewDecoder creates a Codex decoder for one session.
func NewDecoder(sessionID string, log *logger.Logger) *Decoder {
	if log == nil {
		log = logger.Default()
	}
	return &Decoder{
		sessionID:    sessionID,
		logger:       log.WithFields(zap.String("protocol", shared.ProtocolCodex), zap.String("session_id", sessionID)),
		childThreads: make(map[string]spawnCall),
		lastText:     make(map[string]string),
	}
}

// Protocol returns the protocol name.
func (d *Decoder) Protocol() string {
	return shared.ProtocolCodex
}

// Decode converts one Codex line into canonical events.
func (d *Decoder) Decode(raw []byte) ([]streams.Event, error) {
	var msg codex.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode codex message: %w", err)
	}
	compact := shared.CompactJSON(raw)

	var routing struct {
		ThreadID string `json:"threadId"`
	}
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &routing)
	}
	base := streams.Meta{ParentCallID: d.childThreads[routing.ThreadID].callID, Raw: compact}

	events, err := d.decode(&msg, routing.ThreadID, base)
	if err != nil {
		d.logger.Warn("failed to parse codex params",
			zap.String("method", msg.Method),
			zap.Error(err))
		events = []streams.Event{unknown(base, msg.Method, err.Error())}
	}

	eventType := msg.Method
	if eventType == "" {
		eventType = "response"
	}
	shared.Capture(context.Background(), shared.ProtocolCodex, d.sessionID, eventType, compact, events)
	return events, nil
}

func (d *Decoder) decode(msg *codex.Message, threadID string, base streams.Meta) ([]streams.Event, error) {
	if msg.IsResponse() {
		if msg.Error != nil {
			return []streams.Event{&streams.StatusChanged{Meta: base, Status: "error", Message: msg.Error.Message}}, nil
		}
		return nil, nil
	}

	switch msg.Method {
	case codex.NotifyThreadStarted:
		return d.decodeThreadStarted(msg.Params, base)
	case codex.NotifyTurnStarted:
		if !base.IsPrimary() {
			return nil, nil
		}
		return []streams.Event{&streams.StatusChanged{Meta: base, Status: shared.StatusRunning}}, nil
	case codex.NotifyTurnCompleted:
		return d.decodeTurnCompleted(msg.Params, threadID, base)
	case codex.NotifyItemStarted:
		return d.decodeItemStarted(msg.Params, base)
	case codex.NotifyItemCompleted:
		return d.decodeItemCompleted(msg.Params, base)
	case codex.NotifyItemAgentMessageDelta:
		return decodeDelta(msg.Params, streams.DeltaText, base)
	case codex.NotifyItemReasoningTextDelta, codex.NotifyItemReasoningSummaryDelta:
		return decodeDelta(msg.Params, streams.DeltaThinking, base)
	case codex.NotifyItemCmdExecOutputDelta, codex.NotifyTurnDiffUpdated:
		// Output and diffs arrive in full on item completion.
		return nil, nil
	case codex.NotifyItemCmdExecRequestApproval:
		return decodeCommandApproval(msg.Params, base)
	case codex.NotifyItemFileChangeRequestApproval:
		return decodeFileChangeApproval(msg.Params, base)
	case codex.NotifyTurnPlanUpdated:
		return decodePlan(msg.Params, base)
	case codex.NotifyThreadTokenUsageUpdated:
		return decodeTokenUsage(msg.Params, base)
	case codex.NotifyTokenCount:
		return decodeTokenCount(msg.Params, base)
	case codex.NotifyRateLimitsUpdated:
		var p codex.RateLimitsUpdatedParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return nil, err
		}
		return []streams.Event{&streams.UsageUpdated{Meta: base, RateLimit: toRateLimit(p.RateLimits)}}, nil
	case codex.NotifyContextCompacted, codex.NotifyThreadCompacted:
		return []streams.Event{&streams.ContextCompacted{Meta: base, Trigger: "auto"}}, nil
	case codex.NotifyError:
		var p codex.ErrorParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return nil, err
		}
		status := "error"
		if p.WillRetry {
			status = "retrying"
		}
		return []streams.Event{&streams.StatusChanged{Meta: base, Status: status, Message: p.Text()}}, nil
	}
	return []streams.Event{unknown(base, msg.Method, "unrecognized method")}, nil
}

func (d *Decoder) decodeThreadStarted(params json.RawMessage, base streams.Meta) ([]streams.Event, error) {
	var p codex.ThreadStartedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Thread == nil {
		return []streams.Event{unknown(base, codex.NotifyThreadStarted, "thread started without thread")}, nil
	}
	if _, child := d.childThreads[p.Thread.ID]; child {
		return nil, nil
	}
	if d.primaryThread != "" && d.primaryThread != p.Thread.ID {
		d.logger.Debug("ignoring unrelated thread", zap.String("thread_id", p.Thread.ID))
		return nil, nil
	}
	resumed := d.primaryThread == p.Thread.ID
	d.primaryThread = p.Thread.ID
	return []streams.Event{&streams.SessionInitialized{
		Meta:      base,
		SessionID: p.Thread.ID,
		Cwd:       p.Thread.Cwd,
		Resumed:   resumed,
	}}, nil
}

func (d *Decoder) decodeTurnCompleted(params json.RawMessage, threadID string, base streams.Meta) ([]streams.Event, error) {
	var p codex.TurnCompletedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	status := p.Status()
	errMsg := p.ErrorMessage()

	if spawn, ok := d.childThreads[threadID]; ok {
		meta := base
		meta.CallID = spawn.callID
		meta.ParentCallID = spawn.parentCallID
		result := errMsg
		if result == "" {
			result = d.lastText[spawn.callID]
		}
		delete(d.lastText, spawn.callID)
		return []streams.Event{&streams.SubagentCompleted{
			Meta:     meta,
			Status:   status,
			Result:   result,
			ResumeID: threadID,
		}}, nil
	}
	return []streams.Event{&streams.TurnCompleted{
		Meta:       base,
		Result:     errMsg,
		IsError:    status == codex.StatusFailed,
		StopReason: status,
	}}, nil
}

func (d *Decoder) decodeItemStarted(params json.RawMessage, base streams.Meta) ([]streams.Event, error) {
	var p codex.ItemParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	item := p.Item
	if item == nil {
		return nil, nil
	}
	meta := base
	meta.CallID = item.ID

	switch item.Type {
	case codex.ItemUserMessage, codex.ItemAgentMessage, codex.ItemReasoning:
		// Content arrives as deltas and on completion.
		return nil, nil
	case codex.ItemCollabAgentCall:
		return d.decodeCollabStarted(item, meta), nil
	}
	if invoked := toolInvocation(item, meta); invoked != nil {
		return []streams.Event{invoked}, nil
	}
	return []streams.Event{unknown(base, "item."+item.Type, "unrecognized item type")}, nil
}

func (d *Decoder) decodeCollabStarted(item *codex.Item, meta streams.Meta) []streams.Event {
	invoked := &streams.ToolInvoked{
		Meta:     meta,
		Name:     item.Tool,
		ToolKind: streams.ToolKindSubagentTask,
		Title:    item.Tool,
		Input:    map[string]any{"prompt": item.Prompt, "receiver_thread_ids": item.ReceiverThreadIDs},
	}
	if item.Tool != codex.CollabToolSpawnAgent {
		return []streams.Event{invoked}
	}

	d.registerChildren(item, meta.ParentCallID)
	return []streams.Event{invoked, &streams.SubagentSpawned{
		Meta:        meta,
		AgentType:   "codex",
		Description: stringutil.TruncateStringWithEllipsis(firstLine(item.Prompt), descriptionMaxLen),
		Prompt:      item.Prompt,
	}}
}

func (d *Decoder) registerChildren(item *codex.Item, parentCallID string) {
	for _, thread := range item.ReceiverThreadIDs {
		if _, ok := d.childThreads[thread]; !ok {
			d.childThreads[thread] = spawnCall{callID: item.ID, parentCallID: parentCallID}
		}
	}
}

func (d *Decoder) decodeItemCompleted(params json.RawMessage, base streams.Meta) ([]streams.Event, error) {
	var p codex.ItemParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	item := p.Item
	if item == nil {
		return nil, nil
	}
	meta := base
	meta.CallID = item.ID

	switch item.Type {
	case codex.ItemAgentMessage:
		text := item.Text
		if text == "" {
			text = item.Content.Text()
		}
		if text == "" {
			return nil, nil
		}
		if !base.IsPrimary() {
			d.lastText[base.ParentCallID] = text
		}
		return []streams.Event{&streams.TextProduced{Meta: base, Text: text}}, nil
	case codex.ItemReasoning:
		text := item.Summary.Text()
		if text == "" {
			text = item.Content.Text()
		}
		if text == "" {
			return nil, nil
		}
		return []streams.Event{&streams.TextProduced{Meta: base, Text: text, Thinking: true}}, nil
	case codex.ItemUserMessage:
		text := item.Content.Text()
		if text == "" {
			return nil, nil
		}
		return []streams.Event{&streams.UserInput{Meta: base, Text: text}}, nil
	case codex.ItemCollabAgentCall:
		// Receiver threads may only be known once the spawn finishes.
		if item.Tool == codex.CollabToolSpawnAgent {
			d.registerChildren(item, meta.ParentCallID)
		}
		output, isError := toolOutput(item)
		return []streams.Event{&streams.ToolCompleted{Meta: meta, Output: output, IsError: isError}}, nil
	case codex.ItemCommandExecution, codex.ItemFileChange, codex.ItemMcpToolCall, codex.ItemWebSearch:
		output, isError := toolOutput(item)
		return []streams.Event{&streams.ToolCompleted{Meta: meta, Output: output, IsError: isError}}, nil
	}
	return []streams.Event{unknown(base, "item."+item.Type, "unrecognized item type")}, nil
}

func decodeDelta(params json.RawMessage, kind streams.DeltaKind, base streams.Meta) ([]streams.Event, error) {
	var p codex.DeltaParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Delta == "" {
		return nil, nil
	}
	return []streams.Event{&streams.StreamDelta{Meta: base, Delta: kind, Fragment: p.Delta}}, nil
}

func decodeCommandApproval(params json.RawMessage, base streams.Meta) ([]streams.Event, error) {
	var p codex.CommandApprovalParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	meta := base
	meta.CallID = p.ItemID
	input := map[string]any{"command": p.Command}
	if p.Cwd != "" {
		input["cwd"] = p.Cwd
	}
	if p.Reasoning != "" {
		input["reasoning"] = p.Reasoning
	}
	return []streams.Event{&streams.PermissionRequested{
		Meta:     meta,
		ToolName: codex.ItemCommandExecution,
		Title:    p.Command,
		Input:    input,
		Options:  approvalOptions(p.Options),
	}}, nil
}

func decodeFileChangeApproval(params json.RawMessage, base streams.Meta) ([]streams.Event, error) {
	var p codex.FileChangeApprovalParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	meta := base
	meta.CallID = p.ItemID
	input := map[string]any{"path": p.Path}
	if p.Diff != "" {
		input["diff"] = p.Diff
	}
	if p.Reasoning != "" {
		input["reasoning"] = p.Reasoning
	}
	return []streams.Event{&streams.PermissionRequested{
		Meta:     meta,
		ToolName: codex.ItemFileChange,
		Title:    p.Path,
		Input:    input,
		Options:  approvalOptions(p.Options),
	}}, nil
}

func decodePlan(params json.RawMessage, base streams.Meta) ([]streams.Event, error) {
	var p codex.TurnPlanUpdatedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	steps := make([]shared.PlanStep, 0, len(p.Plan))
	for _, e := range p.Plan {
		steps = append(steps, shared.PlanStep{Text: e.Step, Status: e.Status})
	}
	return []streams.Event{&streams.StatusChanged{
		Meta:    base,
		Status:  shared.StatusRunning,
		Message: shared.SummarizePlan(steps),
	}}, nil
}

func decodeTokenUsage(params json.RawMessage, base streams.Meta) ([]streams.Event, error) {
	var p codex.ThreadTokenUsageUpdatedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.TokenUsage == nil {
		return nil, nil
	}
	ev := &streams.UsageUpdated{
		Meta:          base,
		Usage:         toUsage(p.TokenUsage.Last),
		ContextWindow: p.TokenUsage.ModelContextWindow,
	}
	if p.TokenUsage.Last != nil {
		ev.ContextUsed = p.TokenUsage.Last.TotalTokens
	}
	return []streams.Event{ev}, nil
}

// decodeTokenCount handles the legacy token_count notification. Usage is
// taken from thread/tokenUsage/updated only so turns are not counted twice.
func decodeTokenCount(params json.RawMessage, base streams.Meta) ([]streams.Event, error) {
	var p codex.TokenCountParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	ev := &streams.UsageUpdated{Meta: base, RateLimit: toRateLimit(p.RateLimits)}
	if p.Info != nil && p.Info.ModelContextWindow != nil {
		ev.ContextWindow = *p.Info.ModelContextWindow
	}
	if ev.RateLimit == nil && ev.ContextWindow == 0 {
		return nil, nil
	}
	return []streams.Event{ev}, nil
}

func unknown(base streams.Meta, typeTag, reason string) *streams.Unknown {
	return &streams.Unknown{Meta: base, TypeTag: typeTag, Reason: reason}
}
