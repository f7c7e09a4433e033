package streams

import (
	"encoding/json"
	"fmt"
)

// envelope is the JSON form of an Event: the kind tag plus the variant body.
type envelope struct {
	Kind  Kind            `json:"kind"`
	Event json.RawMessage `json:"event"`
}

// New returns a zero value of the variant for kind.
func New(kind Kind) (Event, error) {
	switch kind {
	case KindToolInvoked:
		return &ToolInvoked{}, nil
	case KindToolCompleted:
		return &ToolCompleted{}, nil
	case KindTextProduced:
		return &TextProduced{}, nil
	case KindUserInput:
		return &UserInput{}, nil
	case KindTurnCompleted:
		return &TurnCompleted{}, nil
	case KindSessionInitialized:
		return &SessionInitialized{}, nil
	case KindStatusChanged:
		return &StatusChanged{}, nil
	case KindContextCompacted:
		return &ContextCompacted{}, nil
	case KindSubagentSpawned:
		return &SubagentSpawned{}, nil
	case KindSubagentCompleted:
		return &SubagentCompleted{}, nil
	case KindStreamDelta:
		return &StreamDelta{}, nil
	case KindPermissionRequested:
		return &PermissionRequested{}, nil
	case KindUsageUpdated:
		return &UsageUpdated{}, nil
	case KindUnknown:
		return &Unknown{}, nil
	}
	return nil, fmt.Errorf("unknown event kind %q", kind)
}

// Marshal encodes an event with its kind tag.
func Marshal(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	return json.Marshal(envelope{Kind: ev.Kind(), Event: body})
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	ev, err := New(env.Kind)
	if err != nil {
		return nil, err
	}
	if len(env.Event) > 0 {
		if err := json.Unmarshal(env.Event, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
	}
	return ev, nil
}
