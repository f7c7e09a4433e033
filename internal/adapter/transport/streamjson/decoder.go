// Package streamjson decodes the Claude Code CLI stream-json protocol.
package streamjson

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/adapter/transport/shared"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/streams"
	"github.com/kandev/eventpipe/pkg/claudecode"
)

// blockKey identifies a streamed content block. Subagents stream their own
// blocks with overlapping indexes.
type blockKey struct {
	parent string
	index  int
}

// openBlock is a content block announced by content_block_start.
type openBlock struct {
	blockType string
	callID    string
	toolName  string
}

// Decoder decodes stream-json messages for one session.
type Decoder struct {
	sessionID string
	logger    *logger.Logger

	// subagentCalls holds ids of Task/Agent tool calls whose results
	// complete a subagent.
	subagentCalls map[string]struct{}
	// prompts holds spawn prompts the CLI echoes back as the subagent's
	// first user message.
	prompts       map[string]string
	blocks        map[blockKey]*openBlock
	initSeen      bool
}

// NewDecoder creates a stream-json decoder for one session.
func NewDecoder(sessionID string, log *logger.Logger) *Decoder {
	if log == nil {
		log = logger.Default()
	}
	return &Decoder{
		sessionID:     sessionID,
		logger:        log.WithFields(zap.String("protocol", shared.ProtocolStreamJSON), zap.String("session_id", sessionID)),
		subagentCalls: make(map[string]struct{}),
		prompts:       make(map[string]string),
		blocks:        make(map[blockKey]*openBlock),
	}
}

// Protocol returns the protocol name.
func (d *Decoder) Protocol() string {
	return shared.ProtocolStreamJSON
}

// Decode converts one stream-json line into canonical events.
func (d *Decoder) Decode(raw []byte) ([]streams.Event, error) {
	var msg claudecode.CLIMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode stream-json message: %w", err)
	}
	compact := shared.CompactJSON(raw)
	base := streams.Meta{ParentCallID: msg.ParentToolUseID, Raw: compact}

	var events []streams.Event
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		events = d.decodeSystem(&msg, base)
	case claudecode.MessageTypeAssistant:
		events = d.decodeAssistant(&msg, base)
	case claudecode.MessageTypeUser:
		events = d.decodeUser(&msg, base)
	case claudecode.MessageTypeStreamEvent:
		events = d.decodeStreamEvent(&msg, base)
	case claudecode.MessageTypeResult:
		events = d.decodeResult(&msg, base)
	case claudecode.MessageTypeControlRequest:
		events = d.decodeControlRequest(&msg, base)
	case claudecode.MessageTypeRateLimit:
		events = d.decodeRateLimit(&msg, base)
	default:
		events = []streams.Event{unknown(base, msg.Type, "unrecognized message type")}
	}

	eventType := msg.Type
	if msg.Subtype != "" {
		eventType += "." + msg.Subtype
	}
	shared.Capture(context.Background(), shared.ProtocolStreamJSON, d.sessionID, eventType, compact, events)
	return events, nil
}

func (d *Decoder) decodeSystem(msg *claudecode.CLIMessage, base streams.Meta) []streams.Event {
	switch msg.Subtype {
	case claudecode.SubtypeInit:
		// The CLI repeats init on every prompt; only the first starts the session.
		if d.initSeen {
			return nil
		}
		d.initSeen = true
		return []streams.Event{&streams.SessionInitialized{
			Meta:      base,
			SessionID: msg.SessionID,
			Model:     msg.Model,
			Cwd:       msg.Cwd,
			Tools:     msg.Tools,
			Resumed:   msg.SessionStatus == "resumed",
		}}
	case claudecode.SubtypeStatus:
		status := msg.Status
		if status == "" {
			status = "idle"
		}
		return []streams.Event{&streams.StatusChanged{Meta: base, Status: status}}
	case claudecode.SubtypeCompactBoundary:
		ev := &streams.ContextCompacted{Meta: base}
		if msg.CompactMetadata != nil {
			ev.Trigger = msg.CompactMetadata.Trigger
			ev.PreTokens = msg.CompactMetadata.PreTokens
		}
		return []streams.Event{ev}
	}
	return []streams.Event{unknown(base, "system."+msg.Subtype, "unrecognized system subtype")}
}

func (d *Decoder) decodeAssistant(msg *claudecode.CLIMessage, base streams.Meta) []streams.Event {
	if msg.Message == nil {
		return []streams.Event{unknown(base, msg.Type, "assistant message without body")}
	}

	var events []streams.Event
	for _, block := range msg.Message.GetContentBlocks() {
		switch block.Type {
		case claudecode.BlockText:
			if block.Text == "" {
				continue
			}
			events = append(events, &streams.TextProduced{Meta: base, Text: block.Text})
		case claudecode.BlockThinking:
			if block.Thinking == "" {
				continue
			}
			events = append(events, &streams.TextProduced{Meta: base, Text: block.Thinking, Thinking: true})
		case claudecode.BlockToolUse:
			events = append(events, d.decodeToolUse(block, base)...)
		default:
			d.logger.Debug("skipping assistant content block", zap.String("block_type", block.Type))
		}
	}

	if used := contextUsed(msg.Message.Usage); used > 0 && base.IsPrimary() {
		events = append(events, &streams.UsageUpdated{Meta: base, ContextUsed: used})
	}
	return events
}

func (d *Decoder) decodeToolUse(block claudecode.ContentBlock, base streams.Meta) []streams.Event {
	meta := base
	meta.CallID = block.ID

	events := []streams.Event{&streams.ToolInvoked{
		Meta:     meta,
		Name:     block.Name,
		ToolKind: DetectToolKind(block.Name),
		Title:    ToolTitle(block.Name, block.Input),
		Input:    block.Input,
	}}
	if !claudecode.IsSubagentTool(block.Name) {
		return events
	}

	prompt := shared.GetString(block.Input, "prompt")
	d.subagentCalls[block.ID] = struct{}{}
	if prompt != "" {
		d.prompts[block.ID] = prompt
	}
	return append(events, &streams.SubagentSpawned{
		Meta:          meta,
		AgentType:     shared.GetString(block.Input, "subagent_type"),
		Description:   shared.GetString(block.Input, "description"),
		Prompt:        prompt,
		ResumeAgentID: shared.GetString(block.Input, "resume"),
	})
}

func (d *Decoder) decodeUser(msg *claudecode.CLIMessage, base streams.Meta) []streams.Event {
	if msg.Message == nil {
		return []streams.Event{unknown(base, msg.Type, "user message without body")}
	}

	if text := msg.Message.GetContentString(); text != "" {
		if d.isEchoedPrompt(msg.ParentToolUseID, text) {
			return nil
		}
		if out, ok := stripCommandOutput(text); ok {
			if out == "" {
				return nil
			}
			return []streams.Event{&streams.TextProduced{Meta: base, Text: out}}
		}
		return []streams.Event{&streams.UserInput{
			Meta:        base,
			Text:        text,
			IsSynthetic: msg.IsSynthetic,
			IsReplay:    msg.IsReplay,
		}}
	}

	var events []streams.Event
	for _, block := range msg.Message.GetContentBlocks() {
		switch block.Type {
		case claudecode.BlockToolResult:
			events = append(events, d.decodeToolResult(msg, block, base)...)
		case claudecode.BlockText:
			if block.Text == "" || d.isEchoedPrompt(msg.ParentToolUseID, block.Text) {
				continue
			}
			events = append(events, &streams.UserInput{
				Meta:        base,
				Text:        block.Text,
				IsSynthetic: msg.IsSynthetic,
				IsReplay:    msg.IsReplay,
			})
		}
	}
	return events
}

func (d *Decoder) decodeToolResult(msg *claudecode.CLIMessage, block claudecode.ContentBlock, base streams.Meta) []streams.Event {
	meta := base
	meta.CallID = block.ToolUseID
	output := block.ResultText()

	events := []streams.Event{&streams.ToolCompleted{Meta: meta, Output: output, IsError: block.IsError}}
	if _, ok := d.subagentCalls[block.ToolUseID]; !ok {
		return events
	}
	delete(d.subagentCalls, block.ToolUseID)
	delete(d.prompts, block.ToolUseID)

	completed := &streams.SubagentCompleted{Meta: meta, Result: output}
	if res := msg.GetTaskResult(); res != nil {
		completed.Status = res.Status
		completed.ResumeID = res.AgentID
		completed.Usage = toUsage(res.Usage)
	}
	if completed.Status == "" && block.IsError {
		completed.Status = "error"
	}
	return append(events, completed)
}

// isEchoedPrompt reports whether text is the spawn prompt of the subagent
// parent. The prompt is already carried by SubagentSpawned.
func (d *Decoder) isEchoedPrompt(parent, text string) bool {
	if parent == "" {
		return false
	}
	prompt, ok := d.prompts[parent]
	if !ok || prompt != text {
		return false
	}
	delete(d.prompts, parent)
	return true
}

func (d *Decoder) decodeStreamEvent(msg *claudecode.CLIMessage, base streams.Meta) []streams.Event {
	se := msg.Event
	if se == nil {
		return []streams.Event{unknown(base, msg.Type, "stream event without body")}
	}
	key := blockKey{parent: msg.ParentToolUseID, index: se.Index}

	switch se.Type {
	case claudecode.StreamContentBlockStart:
		if se.ContentBlock == nil {
			return nil
		}
		d.blocks[key] = &openBlock{
			blockType: se.ContentBlock.Type,
			callID:    se.ContentBlock.ID,
			toolName:  se.ContentBlock.Name,
		}
		return nil
	case claudecode.StreamContentBlockStop:
		delete(d.blocks, key)
		return nil
	case claudecode.StreamContentBlockDelta:
		return d.decodeDelta(se, d.blocks[key], base)
	case claudecode.StreamMessageStop:
		for k := range d.blocks {
			if k.parent == msg.ParentToolUseID {
				delete(d.blocks, k)
			}
		}
		return nil
	case "message_start", "message_delta", "ping":
		return nil
	}
	return []streams.Event{unknown(base, "stream_event."+se.Type, "unrecognized stream event")}
}

func (d *Decoder) decodeDelta(se *claudecode.StreamEvent, block *openBlock, base streams.Meta) []streams.Event {
	if se.Delta == nil {
		return nil
	}
	switch se.Delta.Type {
	case claudecode.DeltaText:
		if se.Delta.Text == "" {
			return nil
		}
		return []streams.Event{&streams.StreamDelta{Meta: base, Delta: streams.DeltaText, Fragment: se.Delta.Text}}
	case claudecode.DeltaThinking:
		if se.Delta.Thinking == "" {
			return nil
		}
		return []streams.Event{&streams.StreamDelta{Meta: base, Delta: streams.DeltaThinking, Fragment: se.Delta.Thinking}}
	case claudecode.DeltaInputJSON:
		if block == nil || block.callID == "" {
			return []streams.Event{unknown(base, "stream_event."+se.Delta.Type, "tool input delta for unknown content block")}
		}
		if se.Delta.PartialJSON == "" {
			return nil
		}
		meta := base
		meta.CallID = block.callID
		return []streams.Event{&streams.StreamDelta{
			Meta:     meta,
			Delta:    streams.DeltaToolInput,
			Fragment: se.Delta.PartialJSON,
			ToolName: block.toolName,
		}}
	case "signature_delta":
		return nil
	}
	return []streams.Event{unknown(base, "stream_event."+se.Delta.Type, "unrecognized delta type")}
}

func (d *Decoder) decodeResult(msg *claudecode.CLIMessage, base streams.Meta) []streams.Event {
	var events []streams.Event
	if window := msg.ContextWindow(); window > 0 && base.IsPrimary() {
		events = append(events, &streams.UsageUpdated{
			Meta:          base,
			ContextWindow: window,
			ContextUsed:   contextUsed(msg.Usage),
		})
	}
	return append(events, &streams.TurnCompleted{
		Meta:       base,
		Result:     msg.GetResultString(),
		IsError:    msg.IsError,
		StopReason: msg.Subtype,
		Usage:      toUsage(msg.Usage),
		CostUSD:    msg.Cost(),
		DurationMS: msg.DurationMS,
		NumTurns:   msg.NumTurns,
	})
}

func (d *Decoder) decodeControlRequest(msg *claudecode.CLIMessage, base streams.Meta) []streams.Event {
	req := msg.Request
	if req == nil || req.Subtype != claudecode.SubtypeCanUseTool {
		subtype := ""
		if req != nil {
			subtype = req.Subtype
		}
		return []streams.Event{unknown(base, "control_request."+subtype, "unhandled control request")}
	}

	meta := base
	meta.CallID = req.ToolUseID
	title := ToolTitle(req.ToolName, req.Input)
	if req.BlockedPath != "" {
		title = fmt.Sprintf("%s (%s)", title, req.BlockedPath)
	}
	return []streams.Event{&streams.PermissionRequested{
		Meta:     meta,
		ToolName: req.ToolName,
		Title:    title,
		Input:    req.Input,
		Options:  []string{claudecode.BehaviorAllow, claudecode.BehaviorDeny},
	}}
}

func (d *Decoder) decodeRateLimit(msg *claudecode.CLIMessage, base streams.Meta) []streams.Event {
	info := msg.RateLimitInfo
	if info == nil {
		return []streams.Event{unknown(base, msg.Type, "rate limit event without info")}
	}
	return []streams.Event{&streams.UsageUpdated{
		Meta: base,
		RateLimit: &streams.RateLimit{
			Status:        info.Status,
			UsedPercent:   info.Utilization * 100,
			WindowMinutes: rateLimitWindows[info.RateLimitType],
			ResetsAt:      info.ResetsAt,
		},
	}}
}

func unknown(base streams.Meta, typeTag, reason string) *streams.Unknown {
	return &streams.Unknown{Meta: base, TypeTag: typeTag, Reason: reason}
}
