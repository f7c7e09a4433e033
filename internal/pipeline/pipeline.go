// Package pipeline reconstructs a session's conversation tree from canonical
// agent events.
//
// One Pipeline exists per session. It owns the conversation resolver, the
// tool call correlator, the streaming accumulator, the subagent manager and
// the turn tracker, and mutates the session's chat model through ChatModel.
// A Pipeline is not safe for concurrent use; Manager serializes calls per
// session.
package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/chat"
	"github.com/kandev/eventpipe/internal/common/config"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/streams"
	"github.com/kandev/eventpipe/internal/tracing"
)

// Options configures a Pipeline.
type Options struct {
	Backend             string
	FailureStatuses     []string
	SubagentUsageFolded bool

	// OnFirstUserInput runs once for the first typed (non-synthetic) user
	// input of the primary conversation. It must not block.
	OnFirstUserInput func(text string)

	Logger *logger.Logger
}

// Pipeline dispatches canonical events for one session.
type Pipeline struct {
	sessionID string
	backend   string
	model     ChatModel

	resolver *resolver
	tools    *correlator
	stream   *accumulator
	agents   *subagentManager
	turn     *turnTracker

	onFirstUserInput func(text string)
	firstInputSeen   bool

	tracer trace.Tracer
	logger *logger.Logger
}

// New creates the pipeline for one session.
func New(sessionID string, model ChatModel, opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithSessionID(sessionID).WithFields(zap.String("component", "pipeline"))

	failures := opts.FailureStatuses
	if len(failures) == 0 {
		failures = config.DefaultFailureStatuses
	}

	r := newResolver(model.PrimaryConversationID())
	return &Pipeline{
		sessionID:        sessionID,
		backend:          opts.Backend,
		model:            model,
		resolver:         r,
		tools:            newCorrelator(model, log),
		stream:           newAccumulator(model, log),
		agents:           newSubagentManager(model, r, failures, log),
		turn:             newTurnTracker(model.PrimaryConversationID(), opts.SubagentUsageFolded),
		onFirstUserInput: opts.OnFirstUserInput,
		tracer:           tracing.Tracer("eventpipe/pipeline"),
		logger:           log,
	}
}

// Handle processes one event. It never fails: malformed events degrade to
// local fallbacks and a panic inside a handler drops only that event.
func (p *Pipeline) Handle(ctx context.Context, ev streams.Event) {
	if ev == nil {
		return
	}
	meta := ev.Base()
	_, span := p.tracer.Start(ctx, "pipeline."+string(ev.Kind()),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("session_id", p.sessionID),
			attribute.String("call_id", meta.CallID),
			attribute.String("parent_call_id", meta.ParentCallID),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic handling %s: %v", ev.Kind(), r)
			span.SetStatus(codes.Error, err.Error())
			p.logger.Error("dropped event after panic",
				zap.String("kind", string(ev.Kind())),
				zap.String("call_id", meta.CallID),
				zap.Any("panic", r))
		}
	}()

	p.dispatch(ev)
}

func (p *Pipeline) dispatch(ev streams.Event) {
	switch e := ev.(type) {
	case *streams.ToolInvoked:
		p.handleToolInvoked(e)
	case *streams.ToolCompleted:
		p.handleToolCompleted(e)
	case *streams.TextProduced:
		p.handleText(e)
	case *streams.UserInput:
		p.handleUserInput(e)
	case *streams.TurnCompleted:
		p.handleTurnCompleted(e)
	case *streams.SessionInitialized:
		p.handleSessionInitialized(e)
	case *streams.StatusChanged:
		p.model.SetStatus(e.Status)
	case *streams.ContextCompacted:
		p.handleContextCompacted(e)
	case *streams.SubagentSpawned:
		p.handleSubagentSpawned(e)
	case *streams.SubagentCompleted:
		p.handleSubagentCompleted(e)
	case *streams.StreamDelta:
		p.handleStreamDelta(e)
	case *streams.PermissionRequested:
		p.handlePermission(e)
	case *streams.UsageUpdated:
		p.turn.RecordUsage(p.resolver.Resolve(e.ParentCallID), e.Usage)
		p.turn.RecordLimits(e)
	case *streams.Unknown:
		p.handleUnknown(e)
	default:
		p.logger.Error("unhandled event kind", zap.String("kind", string(ev.Kind())))
	}
}

func (p *Pipeline) addEntry(conversationID string, entry chat.Entry) (string, bool) {
	id, err := p.model.AddEntry(conversationID, entry)
	if err != nil {
		p.logger.Warn("failed to add entry",
			zap.String("conversation_id", conversationID),
			zap.String("entry_kind", string(entry.EntryKind())),
			zap.Error(err))
		return "", false
	}
	return id, true
}

func (p *Pipeline) handleToolInvoked(e *streams.ToolInvoked) {
	conv := p.resolver.Resolve(e.ParentCallID)

	if entryID, ok := p.stream.FinalizeTool(conv, e.CallID, e); ok {
		p.tools.RecordInvocation(e.CallID, toolCallRecord{ConversationID: conv, EntryID: entryID, Name: e.Name})
		p.model.NotifyChanged(conv)
		return
	}

	// A resent invocation for a call still awaiting its result updates the
	// same entry instead of duplicating it.
	if rec, ok := p.tools.Lookup(e.CallID); ok && rec.ConversationID == conv {
		err := p.model.UpdateEntry(conv, rec.EntryID, func(entry chat.Entry) {
			if tool, isTool := entry.(*chat.ToolUse); isTool && !tool.HasResult {
				applyInvocation(tool, e)
			}
		})
		if err == nil {
			p.tools.RecordInvocation(e.CallID, toolCallRecord{ConversationID: conv, EntryID: rec.EntryID, Name: e.Name})
			p.model.NotifyChanged(conv)
			return
		}
	}

	tool := &chat.ToolUse{CallID: e.CallID}
	applyInvocation(tool, e)
	entryID, ok := p.addEntry(conv, tool)
	if !ok {
		return
	}
	p.tools.RecordInvocation(e.CallID, toolCallRecord{ConversationID: conv, EntryID: entryID, Name: e.Name})
	p.model.NotifyChanged(conv)
}

func applyInvocation(tool *chat.ToolUse, e *streams.ToolInvoked) {
	tool.Name = e.Name
	tool.ToolKind = string(e.ToolKind)
	tool.Title = e.Title
	tool.Input = e.Input
	tool.IsStreaming = false
}

func (p *Pipeline) handleToolCompleted(e *streams.ToolCompleted) {
	if rec, ok := p.tools.Lookup(e.CallID); ok {
		// The result supersedes any input still streaming for this call.
		p.stream.FinalizeTool(rec.ConversationID, e.CallID, nil)
	}
	p.tools.PairCompletion(e.CallID, e.Output, e.IsError)
}

func (p *Pipeline) handleText(e *streams.TextProduced) {
	conv := p.resolver.Resolve(e.ParentCallID)
	if conv == p.model.PrimaryConversationID() {
		p.turn.MarkAssistantOutput()
	}

	if _, ok := p.stream.FinalizeText(conv, e.Thinking, e.Text); ok {
		p.model.NotifyChanged(conv)
		return
	}
	if e.Text == "" {
		return
	}
	if _, ok := p.addEntry(conv, &chat.Text{Role: chat.RoleAssistant, Text: e.Text, Thinking: e.Thinking}); ok {
		p.model.NotifyChanged(conv)
	}
}

func (p *Pipeline) handleUserInput(e *streams.UserInput) {
	conv := p.resolver.Resolve(e.ParentCallID)

	if p.turn.ConsumeSummary(e) {
		if _, ok := p.addEntry(conv, &chat.ContextSummary{Summary: e.Text}); ok {
			p.model.NotifyChanged(conv)
		}
		return
	}

	if _, ok := p.addEntry(conv, &chat.Text{Role: chat.RoleUser, Text: e.Text}); !ok {
		return
	}
	p.model.NotifyChanged(conv)

	if conv == p.model.PrimaryConversationID() && !p.firstInputSeen && e.Text != "" {
		p.firstInputSeen = true
		if p.onFirstUserInput != nil {
			p.onFirstUserInput(e.Text)
		}
	}
}

func (p *Pipeline) handleTurnCompleted(e *streams.TurnCompleted) {
	conv := p.resolver.Resolve(e.ParentCallID)
	usage := e.Usage
	if usage != nil && usage.CostUSD == 0 && e.CostUSD > 0 {
		u := *usage
		u.CostUSD = e.CostUSD
		usage = &u
	} else if usage == nil && e.CostUSD > 0 {
		usage = &streams.Usage{CostUSD: e.CostUSD}
	}
	p.turn.RecordUsage(conv, usage)

	if conv != p.model.PrimaryConversationID() {
		return
	}

	changed := p.stream.SealText(conv) > 0
	if p.turn.CompleteTurn() && e.Result != "" {
		level := chat.LevelInfo
		if e.IsError {
			level = chat.LevelError
		}
		if _, ok := p.addEntry(conv, &chat.SystemNotification{Level: level, Message: e.Result}); ok {
			changed = true
		}
	}
	if changed {
		p.model.NotifyChanged(conv)
	}
}

func (p *Pipeline) handleSessionInitialized(e *streams.SessionInitialized) {
	p.model.SetMeta(chat.SessionMeta{
		BackendSessionID: e.SessionID,
		Model:            e.Model,
		Cwd:              e.Cwd,
		Tools:            e.Tools,
	})
	if e.Resumed {
		p.logger.Info("Session resumed", zap.String("backend_session_id", e.SessionID))
	} else {
		p.logger.Info("New session started", zap.String("backend_session_id", e.SessionID))
	}
}

func (p *Pipeline) handleContextCompacted(e *streams.ContextCompacted) {
	conv := p.resolver.Resolve(e.ParentCallID)
	msg := "Context compacted"
	if e.Trigger != "" {
		msg = fmt.Sprintf("Context compacted (%s)", e.Trigger)
	}
	if _, ok := p.addEntry(conv, &chat.SystemNotification{Level: chat.LevelInfo, Message: msg}); ok {
		p.model.NotifyChanged(conv)
	}
	p.turn.BeginCompaction()
}

func (p *Pipeline) handleSubagentSpawned(e *streams.SubagentSpawned) {
	conv, resent, err := p.agents.Spawn(e)
	if err != nil {
		p.logger.Warn("failed to spawn subagent", zap.String("call_id", e.CallID), zap.Error(err))
		return
	}
	if e.Prompt != "" && !resent {
		p.addEntry(conv, &chat.Text{Role: chat.RoleUser, Text: e.Prompt})
	}
	p.model.NotifyChanged(conv)
}

func (p *Pipeline) handleSubagentCompleted(e *streams.SubagentCompleted) {
	conv := p.agents.Complete(e)
	if conv == "" {
		return
	}
	p.turn.RecordUsage(conv, e.Usage)
	p.model.NotifyChanged(conv)
}

func (p *Pipeline) handleStreamDelta(e *streams.StreamDelta) {
	conv := p.resolver.Resolve(e.ParentCallID)
	if e.Delta != streams.DeltaToolInput && conv == p.model.PrimaryConversationID() {
		p.turn.MarkAssistantOutput()
	}

	entryID, started, err := p.stream.Accumulate(conv, e)
	if err != nil {
		p.logger.Warn("failed to apply stream delta",
			zap.String("conversation_id", conv),
			zap.String("delta", string(e.Delta)),
			zap.Error(err))
		return
	}
	if started && e.Delta == streams.DeltaToolInput {
		// Completions can pair with the placeholder even if the terminal
		// invocation never arrives.
		p.tools.RecordInvocation(e.CallID, toolCallRecord{ConversationID: conv, EntryID: entryID, Name: e.ToolName})
	}
	p.model.NotifyChanged(conv)
}

func (p *Pipeline) handlePermission(e *streams.PermissionRequested) {
	conv := p.resolver.Resolve(e.ParentCallID)
	if rec, ok := p.tools.Lookup(e.CallID); ok {
		conv = rec.ConversationID
	}
	p.model.AddPendingPermission(chat.PendingPermission{
		CallID:         e.CallID,
		ConversationID: conv,
		ToolName:       e.ToolName,
		Title:          e.Title,
		Input:          e.Input,
		Options:        e.Options,
	})
	p.model.NotifyChanged(conv)
}

func (p *Pipeline) handleUnknown(e *streams.Unknown) {
	conv := p.resolver.Resolve(e.ParentCallID)
	p.logger.Warn("unknown agent message",
		zap.String("type_tag", e.TypeTag),
		zap.String("reason", e.Reason))
	entry := &chat.Unknown{TypeTag: e.TypeTag, Reason: e.Reason, Payload: append([]byte(nil), e.Raw...)}
	if _, ok := p.addEntry(conv, entry); ok {
		p.model.NotifyChanged(conv)
	}
}

// Clear drops the session's routing, correlation and streaming state.
// Open placeholders are discarded without being finalized.
func (p *Pipeline) Clear() {
	p.resolver.clear()
	p.tools.clear()
	p.stream.clear()
	p.agents.clear()
	p.turn.clear()
}

// State is a read-only view of the pipeline's bookkeeping.
type State struct {
	SessionID                  string                 `json:"session_id"`
	Backend                    string                 `json:"backend,omitempty"`
	HasAssistantOutputThisTurn bool                   `json:"has_assistant_output_this_turn"`
	ExpectingContextSummary    bool                   `json:"expecting_context_summary"`
	Turns                      int64                  `json:"turns"`
	Usage                      UsageTotals            `json:"usage"`
	UsageByConversation        map[string]UsageTotals `json:"usage_by_conversation"`
	RateLimit                  *streams.RateLimit     `json:"rate_limit,omitempty"`
	ContextWindow              int64                  `json:"context_window,omitempty"`
	ContextUsed                int64                  `json:"context_used,omitempty"`
	TrackedToolCalls           int                    `json:"tracked_tool_calls"`
	OpenStreams                int                    `json:"open_streams"`
	Routes                     int                    `json:"routes"`
}

// Snapshot copies the pipeline's bookkeeping.
func (p *Pipeline) Snapshot() State {
	byConv := make(map[string]UsageTotals, len(p.turn.byConversation))
	for id, u := range p.turn.byConversation {
		byConv[id] = *u
	}
	var rl *streams.RateLimit
	if p.turn.rateLimit != nil {
		cp := *p.turn.rateLimit
		rl = &cp
	}
	return State{
		SessionID:                  p.sessionID,
		Backend:                    p.backend,
		HasAssistantOutputThisTurn: p.turn.hasAssistantOutputThisTurn,
		ExpectingContextSummary:    p.turn.expectingContextSummary,
		Turns:                      p.turn.turns,
		Usage:                      p.turn.session,
		UsageByConversation:        byConv,
		RateLimit:                  rl,
		ContextWindow:              p.turn.contextWindow,
		ContextUsed:                p.turn.contextUsed,
		TrackedToolCalls:           len(p.tools.calls),
		OpenStreams:                p.stream.Open(),
		Routes:                     len(p.resolver.routes),
	}
}

// Resolve exposes the conversation resolver.
func (p *Pipeline) Resolve(parentCallID string) string {
	return p.resolver.Resolve(parentCallID)
}
