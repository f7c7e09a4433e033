package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntryKind identifies an Entry variant.
type EntryKind string

const (
	EntryToolUse            EntryKind = "tool_use"
	EntryText               EntryKind = "text"
	EntryContextSummary     EntryKind = "context_summary"
	EntrySystemNotification EntryKind = "system_notification"
	EntryUnknown            EntryKind = "unknown"
)

// Role of a Text entry author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// NotificationLevel of a SystemNotification.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

// Entry is one item of a conversation transcript. The ID is assigned by the
// model when the entry is added and never changes.
type Entry interface {
	EntryID() string
	EntryKind() EntryKind
	clone() Entry
	setID(id string, at time.Time)
}

// EntryMeta holds the identity shared by every entry.
type EntryMeta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *EntryMeta) EntryID() string { return m.ID }

func (m *EntryMeta) setID(id string, at time.Time) {
	m.ID = id
	m.CreatedAt = at
}

// ToolUse is a tool invocation with its result slot.
type ToolUse struct {
	EntryMeta
	CallID      string                 `json:"call_id"`
	Name        string                 `json:"name"`
	ToolKind    string                 `json:"tool_kind,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	InputJSON   string                 `json:"input_json,omitempty"` // raw streamed input
	IsStreaming bool                   `json:"is_streaming,omitempty"`
	HasResult   bool                   `json:"has_result,omitempty"`
	Result      string                 `json:"result,omitempty"`
	IsError     bool                   `json:"is_error,omitempty"`
}

// Text is a user or assistant message, or an assistant thinking block.
type Text struct {
	EntryMeta
	Role        Role   `json:"role"`
	Text        string `json:"text"`
	Thinking    bool   `json:"thinking,omitempty"`
	IsStreaming bool   `json:"is_streaming,omitempty"`
}

// ContextSummary is the summary a backend injects after compacting context.
type ContextSummary struct {
	EntryMeta
	Summary string `json:"summary"`
}

// SystemNotification is an informational line generated by the pipeline.
type SystemNotification struct {
	EntryMeta
	Level   NotificationLevel `json:"level"`
	Message string            `json:"message"`
}

// Unknown records a wire message nothing recognized.
type Unknown struct {
	EntryMeta
	TypeTag string          `json:"type_tag"`
	Reason  string          `json:"reason,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (*ToolUse) EntryKind() EntryKind            { return EntryToolUse }
func (*Text) EntryKind() EntryKind               { return EntryText }
func (*ContextSummary) EntryKind() EntryKind     { return EntryContextSummary }
func (*SystemNotification) EntryKind() EntryKind { return EntrySystemNotification }
func (*Unknown) EntryKind() EntryKind            { return EntryUnknown }

func (e *ToolUse) clone() Entry {
	c := *e
	if e.Input != nil {
		c.Input = make(map[string]interface{}, len(e.Input))
		for k, v := range e.Input {
			c.Input[k] = v
		}
	}
	return &c
}

func (e *Text) clone() Entry               { c := *e; return &c }
func (e *ContextSummary) clone() Entry     { c := *e; return &c }
func (e *SystemNotification) clone() Entry { c := *e; return &c }

func (e *Unknown) clone() Entry {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// CloneEntry returns a copy that can be read without holding the model lock.
func CloneEntry(e Entry) Entry {
	return e.clone()
}

type entryEnvelope struct {
	Kind  EntryKind       `json:"kind"`
	Entry json.RawMessage `json:"entry"`
}

// MarshalEntry encodes an entry with its kind tag.
func MarshalEntry(e Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entryEnvelope{Kind: e.EntryKind(), Entry: body})
}

// UnmarshalEntry decodes an entry produced by MarshalEntry.
func UnmarshalEntry(data []byte) (Entry, error) {
	var env entryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var e Entry
	switch env.Kind {
	case EntryToolUse:
		e = &ToolUse{}
	case EntryText:
		e = &Text{}
	case EntryContextSummary:
		e = &ContextSummary{}
	case EntrySystemNotification:
		e = &SystemNotification{}
	case EntryUnknown:
		e = &Unknown{}
	default:
		return nil, fmt.Errorf("unknown entry kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Entry, e); err != nil {
		return nil, fmt.Errorf("decode %s entry: %w", env.Kind, err)
	}
	return e, nil
}
