// Package acp decodes the Agent Client Protocol (ACP) wire stream.
// ACP uses JSON-RPC 2.0 over stdin/stdout; the decoder reads both directions
// of a captured exchange and turns session updates, permission requests and
// prompt responses into canonical events.
package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/adapter/transport/shared"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/streams"
)

// ACP method names
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
)

// rpcMessage is a JSON-RPC 2.0 request, notification or response.
type rpcMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// responseResult holds the result fields of the responses the decoder cares
// about: session/new and session/load carry a session id, session/prompt a
// stop reason.
type responseResult struct {
	SessionID  string `json:"sessionId,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}

// toolState is what the decoder knows about a tool call so far. ACP sends
// the input of a call in later updates, and each one re-sends the invocation.
type toolState struct {
	name  string
	kind  streams.ToolKind
	title string
	input map[string]any
}

// Decoder decodes ACP messages for one session.
type Decoder struct {
	sessionID string
	logger    *logger.Logger

	initialized bool
	tools       map[string]*toolState

	// ACP only streams chunks; the decoder buffers them so a complete
	// block can be emitted when the stream switches to something else.
	text     strings.Builder
	thinking strings.Builder
	user     strings.Builder
}

// NewDecoder creates an ACP decoder for one session.
func NewDecoder(sessionID string, log *logger.Logger) *Decoder {
	if log == nil {
		log = logger.Default()
	}
	return &Decoder{
		sessionID: sessionID,
		logger:    log.WithFields(zap.String("protocol", shared.ProtocolACP), zap.String("session_id", sessionID)),
		tools:     make(map[string]*toolState),
	}
}

// Protocol returns the protocol name.
func (d *Decoder) Protocol() string {
	return shared.ProtocolACP
}

// Decode converts one ACP line into canonical events.
func (d *Decoder) Decode(raw []byte) ([]streams.Event, error) {
	var msg rpcMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode acp message: %w", err)
	}
	base := streams.Meta{Raw: shared.CompactJSON(raw)}

	events, err := d.decode(&msg, base)
	if err != nil {
		d.logger.Warn("failed to parse acp params",
			zap.String("method", msg.Method),
			zap.Error(err))
		events = append(d.flush(base), unknown(base, msg.Method, err.Error()))
	}

	eventType := msg.Method
	if eventType == "" {
		eventType = "response"
	}
	shared.Capture(context.Background(), shared.ProtocolACP, d.sessionID, eventType, base.Raw, events)
	return events, nil
}

func (d *Decoder) decode(msg *rpcMessage, base streams.Meta) ([]streams.Event, error) {
	switch {
	case msg.Method == MethodSessionUpdate:
		var n acp.SessionNotification
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			return nil, err
		}
		return d.decodeUpdate(n.Update, base), nil
	case msg.Method == MethodRequestPermission:
		var req acp.RequestPermissionRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, err
		}
		return append(d.flush(base), d.decodePermission(req, base)), nil
	case msg.Method != "":
		// Client-side requests (fs/*, terminal/*) and agent extensions.
		return append(d.flush(base), unknown(base, msg.Method, "unrecognized method")), nil
	}
	return d.decodeResponse(msg, base)
}

func (d *Decoder) decodeResponse(msg *rpcMessage, base streams.Meta) ([]streams.Event, error) {
	if msg.Error != nil {
		return append(d.flush(base), &streams.StatusChanged{Meta: base, Status: "error", Message: msg.Error.Message}), nil
	}
	if len(msg.Result) == 0 {
		return nil, nil
	}
	var res responseResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		// Responses to requests the decoder does not track may carry any shape.
		return nil, nil
	}

	switch {
	case res.StopReason != "":
		return append(d.flush(base), &streams.TurnCompleted{
			Meta:       base,
			StopReason: res.StopReason,
			IsError:    res.StopReason == stopReasonRefusal,
		}), nil
	case res.SessionID != "":
		resumed := d.initialized
		d.initialized = true
		return []streams.Event{&streams.SessionInitialized{Meta: base, SessionID: res.SessionID, Resumed: resumed}}, nil
	}
	return nil, nil
}

func (d *Decoder) decodeUpdate(u acp.SessionUpdate, base streams.Meta) []streams.Event {
	switch {
	case u.AgentMessageChunk != nil:
		return d.chunk(&d.text, streams.DeltaText, contentText(u.AgentMessageChunk.Content), base)
	case u.AgentThoughtChunk != nil:
		return d.chunk(&d.thinking, streams.DeltaThinking, contentText(u.AgentThoughtChunk.Content), base)
	case u.UserMessageChunk != nil:
		events := d.flushAgent(base)
		d.user.WriteString(contentText(u.UserMessageChunk.Content))
		return events
	case u.ToolCall != nil:
		tc := u.ToolCall
		locations := make([]string, 0, len(tc.Locations))
		for _, loc := range tc.Locations {
			locations = append(locations, loc.Path)
		}
		return append(d.flush(base), d.decodeToolCall(toolCall{
			callID:    string(tc.ToolCallId),
			kind:      string(tc.Kind),
			title:     tc.Title,
			status:    string(tc.Status),
			locations: locations,
			rawInput:  tc.RawInput,
		}, base)...)
	case u.ToolCallUpdate != nil:
		tu := u.ToolCallUpdate
		update := toolCallUpdate{
			callID:    string(tu.ToolCallId),
			title:     tu.Title,
			rawInput:  tu.RawInput,
			rawOutput: tu.RawOutput,
			content:   tu.Content,
		}
		if tu.Kind != nil {
			update.kind = string(*tu.Kind)
		}
		if tu.Status != nil {
			update.status = string(*tu.Status)
		}
		return append(d.flush(base), d.decodeToolCallUpdate(update, base)...)
	case u.Plan != nil:
		steps := make([]shared.PlanStep, 0, len(u.Plan.Entries))
		for _, e := range u.Plan.Entries {
			steps = append(steps, shared.PlanStep{Text: e.Content, Status: string(e.Status)})
		}
		return append(d.flush(base), &streams.StatusChanged{
			Meta:    base,
			Status:  shared.StatusRunning,
			Message: shared.SummarizePlan(steps),
		})
	case u.AvailableCommandsUpdate != nil:
		// Slash command catalog; not part of the conversation.
		return nil
	}
	return append(d.flush(base), unknown(base, MethodSessionUpdate, "unrecognized session update"))
}

// chunk buffers a streamed fragment and emits it as a delta. A chunk of one
// kind completes any open block of the other kinds first.
func (d *Decoder) chunk(buf *strings.Builder, kind streams.DeltaKind, fragment string, base streams.Meta) []streams.Event {
	var events []streams.Event
	if ev := d.flushUser(base); ev != nil {
		events = append(events, ev)
	}
	if kind == streams.DeltaText {
		if ev := flushBlock(&d.thinking, true, base); ev != nil {
			events = append(events, ev)
		}
	} else if ev := flushBlock(&d.text, false, base); ev != nil {
		events = append(events, ev)
	}
	if fragment == "" {
		return events
	}
	buf.WriteString(fragment)
	return append(events, &streams.StreamDelta{Meta: base, Delta: kind, Fragment: fragment})
}

// flush completes every buffered block.
func (d *Decoder) flush(base streams.Meta) []streams.Event {
	events := d.flushAgent(base)
	if ev := d.flushUser(base); ev != nil {
		events = append(events, ev)
	}
	return events
}

func (d *Decoder) flushAgent(base streams.Meta) []streams.Event {
	var events []streams.Event
	if ev := flushBlock(&d.thinking, true, base); ev != nil {
		events = append(events, ev)
	}
	if ev := flushBlock(&d.text, false, base); ev != nil {
		events = append(events, ev)
	}
	return events
}

func (d *Decoder) flushUser(base streams.Meta) streams.Event {
	if d.user.Len() == 0 {
		return nil
	}
	text := d.user.String()
	d.user.Reset()
	return &streams.UserInput{Meta: base, Text: text}
}

func flushBlock(buf *strings.Builder, thinking bool, base streams.Meta) streams.Event {
	if buf.Len() == 0 {
		return nil
	}
	text := buf.String()
	buf.Reset()
	return &streams.TextProduced{Meta: base, Text: text, Thinking: thinking}
}

// toolCall holds the fields of a tool_call update.
type toolCall struct {
	callID    string
	kind      string
	title     string
	status    string
	locations []string
	rawInput  any
}

// toolCallUpdate holds the fields of a tool_call_update. Every field but the
// call id is optional.
type toolCallUpdate struct {
	callID    string
	kind      string
	title     *string
	status    string
	rawInput  any
	rawOutput any
	content   []acp.ToolCallContent
}

func (d *Decoder) decodeToolCall(tc toolCall, base streams.Meta) []streams.Event {
	meta := base
	meta.CallID = tc.callID

	input := toolInput(tc.rawInput, tc.locations)
	state := &toolState{
		name:  toolName(tc.kind),
		kind:  DetectToolKind(tc.kind, input),
		title: tc.title,
		input: input,
	}
	d.tools[meta.CallID] = state

	events := []streams.Event{state.invocation(meta)}
	switch tc.status {
	case statusCompleted, statusFailed:
		delete(d.tools, meta.CallID)
		events = append(events, &streams.ToolCompleted{Meta: meta, IsError: tc.status == statusFailed})
	}
	return events
}

func (d *Decoder) decodeToolCallUpdate(tu toolCallUpdate, base streams.Meta) []streams.Event {
	meta := base
	meta.CallID = tu.callID

	var events []streams.Event
	state, known := d.tools[meta.CallID]
	if !known {
		state = &toolState{name: toolName(""), kind: streams.ToolKindGeneric}
		d.tools[meta.CallID] = state
	}
	changed := !known
	if tu.kind != "" {
		state.name = toolName(tu.kind)
		changed = true
	}
	if tu.title != nil && *tu.title != state.title {
		state.title = *tu.title
		changed = true
	}
	if tu.rawInput != nil {
		state.input = toolInput(tu.rawInput, nil)
		changed = true
	}
	if changed {
		if tu.kind != "" || state.kind == streams.ToolKindGeneric {
			state.kind = DetectToolKind(tu.kind, state.input)
		}
		events = append(events, state.invocation(meta))
	}

	switch tu.status {
	case statusCompleted, statusFailed:
		delete(d.tools, meta.CallID)
		events = append(events, &streams.ToolCompleted{
			Meta:    meta,
			Output:  toolOutput(tu.rawOutput, tu.content),
			IsError: tu.status == statusFailed,
		})
	}
	return events
}

func (s *toolState) invocation(meta streams.Meta) *streams.ToolInvoked {
	title := s.title
	if title == "" {
		title = s.name
	}
	return &streams.ToolInvoked{
		Meta:     meta,
		Name:     s.name,
		ToolKind: s.kind,
		Title:    title,
		Input:    s.input,
	}
}

func (d *Decoder) decodePermission(req acp.RequestPermissionRequest, base streams.Meta) streams.Event {
	meta := base
	meta.CallID = string(req.ToolCall.ToolCallId)

	ev := &streams.PermissionRequested{Meta: meta}
	if req.ToolCall.Kind != nil {
		ev.ToolName = string(*req.ToolCall.Kind)
	} else if state, ok := d.tools[meta.CallID]; ok {
		ev.ToolName = state.name
	}
	if req.ToolCall.Title != nil {
		ev.Title = *req.ToolCall.Title
	} else if state, ok := d.tools[meta.CallID]; ok {
		ev.Title = state.title
	}
	if req.ToolCall.RawInput != nil {
		ev.Input = toolInput(req.ToolCall.RawInput, nil)
	}
	for _, opt := range req.Options {
		ev.Options = append(ev.Options, string(opt.OptionId))
	}
	return ev
}

func unknown(base streams.Meta, typeTag, reason string) *streams.Unknown {
	return &streams.Unknown{Meta: base, TypeTag: typeTag, Reason: reason}
}
