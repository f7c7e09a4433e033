package acp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/eventpipe/internal/adapter/transport/shared"
	"github.com/kandev/eventpipe/internal/streams"
)

func update(body string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess_1","update":%s}}`, body)
}

func messageChunk(text string) string {
	return update(fmt.Sprintf(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":%q}}`, text))
}

func thoughtChunk(text string) string {
	return update(fmt.Sprintf(`{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":%q}}`, text))
}

func userChunk(text string) string {
	return update(fmt.Sprintf(`{"sessionUpdate":"user_message_chunk","content":{"type":"text","text":%q}}`, text))
}

func decodeAll(t *testing.T, d *Decoder, lines ...string) []streams.Event {
	t.Helper()
	var out []streams.Event
	for _, line := range lines {
		events, err := d.Decode([]byte(line))
		require.NoError(t, err, line)
		out = append(out, events...)
	}
	return out
}

func kindsOf(events []streams.Event) []streams.Kind {
	out := make([]streams.Kind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind())
	}
	return out
}

func TestDecoder_Fixtures(t *testing.T) {
	for _, tc := range shared.LoadTestCases(t, "messages.jsonl") {
		t.Run(tc.Key, func(t *testing.T) {
			d := NewDecoder("s1", nil)
			events, err := d.Decode(tc.Input)
			require.NoError(t, err)
			require.Len(t, events, len(tc.Expected))
			for i, ev := range events {
				assert.JSONEq(t, string(tc.Expected[i]), shared.EventJSON(t, ev))
				assert.NotEmpty(t, ev.Base().Raw, "raw payload retained")
			}
		})
	}
}

func TestDecoder_InvalidJSON(t *testing.T) {
	d := NewDecoder("s1", nil)
	_, err := d.Decode([]byte(`{"jsonrpc":"2.0",`))
	assert.Error(t, err)
}

func TestDecoder_MalformedParams(t *testing.T) {
	d := NewDecoder("s1", nil)
	events := decodeAll(t, d, `{"jsonrpc":"2.0","method":"session/update","params":"oops"}`)
	require.Len(t, events, 1)
	unknown := events[0].(*streams.Unknown)
	assert.Equal(t, MethodSessionUpdate, unknown.TypeTag)
	assert.NotEmpty(t, unknown.Reason)
}

func TestDecoder_ChunksCompleteOnSwitch(t *testing.T) {
	d := NewDecoder("s1", nil)

	events := decodeAll(t, d,
		userChunk("hello "),
		userChunk("world"),
		messageChunk("A"),
		messageChunk("B"),
		update(`{"sessionUpdate":"tool_call","toolCallId":"call_1","title":"ls","kind":"execute","status":"pending"}`),
		messageChunk("C"),
		thoughtChunk("T"),
		messageChunk("D"),
		`{"jsonrpc":"2.0","id":2,"result":{"stopReason":"end_turn"}}`,
	)

	require.Equal(t, []streams.Kind{
		streams.KindUserInput,
		streams.KindStreamDelta,
		streams.KindStreamDelta,
		streams.KindTextProduced,
		streams.KindToolInvoked,
		streams.KindStreamDelta,
		streams.KindTextProduced,
		streams.KindStreamDelta,
		streams.KindTextProduced,
		streams.KindStreamDelta,
		streams.KindTextProduced,
		streams.KindTurnCompleted,
	}, kindsOf(events))

	assert.Equal(t, "hello world", events[0].(*streams.UserInput).Text)

	texts := []*streams.TextProduced{
		events[3].(*streams.TextProduced),
		events[6].(*streams.TextProduced),
		events[8].(*streams.TextProduced),
		events[10].(*streams.TextProduced),
	}
	assert.Equal(t, "AB", texts[0].Text)
	assert.Equal(t, "C", texts[1].Text)
	assert.False(t, texts[1].Thinking)
	assert.Equal(t, "T", texts[2].Text)
	assert.True(t, texts[2].Thinking)
	assert.Equal(t, "D", texts[3].Text)
}

func TestDecoder_ToolCallUpdatesResendInvocation(t *testing.T) {
	d := NewDecoder("s1", nil)

	events := decodeAll(t, d,
		update(`{"sessionUpdate":"tool_call","toolCallId":"call_1","title":"Terminal","kind":"execute","status":"pending"}`),
		update(`{"sessionUpdate":"tool_call_update","toolCallId":"call_1","title":"ls -la","status":"in_progress","rawInput":{"command":"ls -la"}}`),
		update(`{"sessionUpdate":"tool_call_update","toolCallId":"call_1","status":"completed","rawOutput":"total 0"}`),
	)
	require.Equal(t, []streams.Kind{
		streams.KindToolInvoked,
		streams.KindToolInvoked,
		streams.KindToolCompleted,
	}, kindsOf(events))

	first := events[0].(*streams.ToolInvoked)
	assert.Equal(t, "Terminal", first.Title)
	assert.Nil(t, first.Input)

	resent := events[1].(*streams.ToolInvoked)
	assert.Equal(t, "call_1", resent.CallID)
	assert.Equal(t, "execute", resent.Name)
	assert.Equal(t, streams.ToolKindShellExec, resent.ToolKind)
	assert.Equal(t, "ls -la", resent.Title)
	assert.Equal(t, map[string]any{"command": "ls -la"}, resent.Input)

	completed := events[2].(*streams.ToolCompleted)
	assert.Equal(t, "total 0", completed.Output)
	assert.False(t, completed.IsError)

	// The call is forgotten once it completes.
	assert.Empty(t, d.tools)
}

func TestDecoder_PermissionFallsBackToKnownCall(t *testing.T) {
	d := NewDecoder("s1", nil)
	events := decodeAll(t, d,
		update(`{"sessionUpdate":"tool_call","toolCallId":"call_7","title":"Edit main.go","kind":"edit","status":"pending"}`),
		`{"jsonrpc":"2.0","id":4,"method":"session/request_permission","params":{"sessionId":"sess_1","toolCall":{"toolCallId":"call_7"},"options":[{"optionId":"allow_always","name":"Always","kind":"allow_always"}]}}`,
	)
	require.Len(t, events, 2)
	perm := events[1].(*streams.PermissionRequested)
	assert.Equal(t, "call_7", perm.CallID)
	assert.Equal(t, "edit", perm.ToolName)
	assert.Equal(t, "Edit main.go", perm.Title)
	assert.Equal(t, []string{"allow_always"}, perm.Options)
}

func TestDecoder_SessionLoadIsResume(t *testing.T) {
	d := NewDecoder("s1", nil)
	events := decodeAll(t, d,
		`{"jsonrpc":"2.0","id":1,"result":{"sessionId":"sess_1"}}`,
		`{"jsonrpc":"2.0","id":7,"result":{"sessionId":"sess_1"}}`,
	)
	require.Len(t, events, 2)
	assert.False(t, events[0].(*streams.SessionInitialized).Resumed)
	assert.True(t, events[1].(*streams.SessionInitialized).Resumed)
}

func TestDetectToolKind(t *testing.T) {
	tests := []struct {
		name  string
		kind  string
		input map[string]any
		want  streams.ToolKind
	}{
		{"edit", "edit", nil, streams.ToolKindModifyFile},
		{"delete", "delete", nil, streams.ToolKindModifyFile},
		{"move", "move", nil, streams.ToolKindModifyFile},
		{"read", "read", nil, streams.ToolKindReadFile},
		{"view alias", "view", nil, streams.ToolKindReadFile},
		{"directory read", "read", map[string]any{"type": "directory"}, streams.ToolKindCodeSearch},
		{"nested directory read", "read", map[string]any{"raw_input": map[string]any{"type": "directory"}}, streams.ToolKindCodeSearch},
		{"execute", "execute", nil, streams.ToolKindShellExec},
		{"bash alias", "Bash", nil, streams.ToolKindShellExec},
		{"search", "search", nil, streams.ToolKindCodeSearch},
		{"grep", "grep", nil, streams.ToolKindCodeSearch},
		{"fetch", "fetch", nil, streams.ToolKindHTTPRequest},
		{"subagent", "other", map[string]any{"subagent_type": "Plan"}, streams.ToolKindSubagentTask},
		{"other", "other", nil, streams.ToolKindGeneric},
		{"empty", "", nil, streams.ToolKindGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectToolKind(tt.kind, tt.input))
		})
	}
}

func TestExtractRawOutput(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   string
	}{
		{"nil", nil, ""},
		{"string", "out", "out"},
		{"output field", map[string]any{"output": "out"}, "out"},
		{"wrapped", map[string]any{"rawOutput": map[string]any{"output": "inner"}}, "inner"},
		{"other map", map[string]any{"exit": 0.0}, ""},
		{"number", 3.0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractRawOutput(tt.result))
		})
	}
}

func TestToolOutput_FallsBackToJSON(t *testing.T) {
	assert.Equal(t, `{"exit":0}`, toolOutput(map[string]any{"exit": 0}, nil))
	assert.Empty(t, toolOutput(nil, nil))
}
