package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/chat"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/streams"
)

// openItem is a placeholder entry still receiving deltas.
type openItem struct {
	entryID string
	delta   streams.DeltaKind
	callID  string // tool input only
	buf     strings.Builder
}

// accumulator assembles streaming deltas into placeholder entries and hands
// them over to the terminal event for the same item. Open items are kept per
// conversation in arrival order.
type accumulator struct {
	open   map[string][]*openItem
	model  ChatModel
	logger *logger.Logger
}

func newAccumulator(model ChatModel, log *logger.Logger) *accumulator {
	return &accumulator{
		open:   make(map[string][]*openItem),
		model:  model,
		logger: log,
	}
}

func (a *accumulator) find(conversationID string, delta streams.DeltaKind, callID string) (int, *openItem) {
	for i, item := range a.open[conversationID] {
		if item.delta != delta {
			continue
		}
		if delta == streams.DeltaToolInput && item.callID != callID {
			continue
		}
		return i, item
	}
	return -1, nil
}

func (a *accumulator) remove(conversationID string, i int) {
	items := a.open[conversationID]
	items = append(items[:i], items[i+1:]...)
	if len(items) == 0 {
		delete(a.open, conversationID)
		return
	}
	a.open[conversationID] = items
}

// Accumulate applies one delta. The first delta for an item creates its
// placeholder; later ones mutate it in place. started is true when a new
// placeholder was created.
func (a *accumulator) Accumulate(conversationID string, d *streams.StreamDelta) (entryID string, started bool, err error) {
	_, item := a.find(conversationID, d.Delta, d.CallID)
	if item == nil {
		return a.start(conversationID, d)
	}

	item.buf.WriteString(d.Fragment)
	content := item.buf.String()
	err = a.model.UpdateEntry(conversationID, item.entryID, func(e chat.Entry) {
		switch entry := e.(type) {
		case *chat.Text:
			entry.Text = content
		case *chat.ToolUse:
			entry.InputJSON = content
			if preview, ok := previewInput(content); ok {
				entry.Input = preview
			}
		}
	})
	return item.entryID, false, err
}

func (a *accumulator) start(conversationID string, d *streams.StreamDelta) (string, bool, error) {
	var entry chat.Entry
	switch d.Delta {
	case streams.DeltaToolInput:
		tool := &chat.ToolUse{CallID: d.CallID, Name: d.ToolName, InputJSON: d.Fragment, IsStreaming: true}
		if preview, ok := previewInput(d.Fragment); ok {
			tool.Input = preview
		}
		entry = tool
	default:
		entry = &chat.Text{
			Role:        chat.RoleAssistant,
			Text:        d.Fragment,
			Thinking:    d.Delta == streams.DeltaThinking,
			IsStreaming: true,
		}
	}

	id, err := a.model.AddEntry(conversationID, entry)
	if err != nil {
		return "", false, err
	}
	item := &openItem{entryID: id, delta: d.Delta, callID: d.CallID}
	item.buf.WriteString(d.Fragment)
	a.open[conversationID] = append(a.open[conversationID], item)
	return id, true, nil
}

// FinalizeTool hands an open tool placeholder to its terminal invocation.
// The authoritative fields replace whatever the deltas produced. ok is false
// when no placeholder is open for callID.
func (a *accumulator) FinalizeTool(conversationID, callID string, ev *streams.ToolInvoked) (entryID string, ok bool) {
	i, item := a.find(conversationID, streams.DeltaToolInput, callID)
	if item == nil {
		return "", false
	}
	a.remove(conversationID, i)

	err := a.model.UpdateEntry(conversationID, item.entryID, func(e chat.Entry) {
		tool, isTool := e.(*chat.ToolUse)
		if !isTool {
			return
		}
		tool.IsStreaming = false
		if ev == nil {
			return
		}
		tool.Name = ev.Name
		tool.ToolKind = string(ev.ToolKind)
		tool.Title = ev.Title
		tool.Input = ev.Input
		if raw, err := json.Marshal(ev.Input); err == nil {
			tool.InputJSON = string(raw)
		}
	})
	if err != nil {
		a.logger.Warn("failed to finalize streamed tool input", zap.String("call_id", callID), zap.Error(err))
	}
	return item.entryID, true
}

// FinalizeText hands the open text (or thinking) placeholder of a
// conversation to the terminal text.
func (a *accumulator) FinalizeText(conversationID string, thinking bool, text string) (entryID string, ok bool) {
	delta := streams.DeltaText
	if thinking {
		delta = streams.DeltaThinking
	}
	i, item := a.find(conversationID, delta, "")
	if item == nil {
		return "", false
	}
	a.remove(conversationID, i)

	err := a.model.UpdateEntry(conversationID, item.entryID, func(e chat.Entry) {
		if txt, isText := e.(*chat.Text); isText {
			txt.Text = text
			txt.IsStreaming = false
		}
	})
	if err != nil {
		a.logger.Warn("failed to finalize streamed text", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return item.entryID, true
}

// SealText finalizes open text placeholders with their accumulated content,
// for backends that never send a terminal text event. Tool placeholders stay
// open. It returns the number of sealed entries.
func (a *accumulator) SealText(conversationID string) int {
	sealed := 0
	kept := a.open[conversationID][:0]
	for _, item := range a.open[conversationID] {
		if item.delta == streams.DeltaToolInput {
			kept = append(kept, item)
			continue
		}
		content := item.buf.String()
		if err := a.model.UpdateEntry(conversationID, item.entryID, func(e chat.Entry) {
			if txt, isText := e.(*chat.Text); isText {
				txt.Text = content
				txt.IsStreaming = false
			}
		}); err != nil {
			a.logger.Warn("failed to seal streamed text", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		sealed++
	}
	if len(kept) == 0 {
		delete(a.open, conversationID)
	} else {
		a.open[conversationID] = kept
	}
	return sealed
}

// Open returns the number of open placeholders.
func (a *accumulator) Open() int {
	n := 0
	for _, items := range a.open {
		n += len(items)
	}
	return n
}

// clear drops every open placeholder without finalizing it.
func (a *accumulator) clear() {
	a.open = make(map[string][]*openItem)
}

// previewInput parses partial tool-input JSON, repairing what a truncated
// stream leaves unterminated.
func previewInput(partial string) (map[string]interface{}, bool) {
	if strings.TrimSpace(partial) == "" {
		return nil, false
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(partial), &out); err == nil {
		return out, true
	}
	repaired, err := jsonrepair.JSONRepair(partial)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, false
	}
	return out, true
}
