package codex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/eventpipe/internal/adapter/transport/shared"
	"github.com/kandev/eventpipe/internal/streams"
)

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
	for _, tc := range shared.LoadTestCases(t, "notifications.jsonl") {
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
	_, err := d.Decode([]byte(`{"method":`))
	assert.Error(t, err)
}

func TestDecoder_MalformedParams(t *testing.T) {
	d := NewDecoder("s1", nil)
	events := decodeAll(t, d, `{"method":"item/started","params":{"item":"oops"}}`)
	require.Len(t, events, 1)
	unknown := events[0].(*streams.Unknown)
	assert.Equal(t, "item/started", unknown.TypeTag)
	assert.NotEmpty(t, unknown.Reason)
}

func TestDecoder_ThreadResumeAndUnrelatedThreads(t *testing.T) {
	d := NewDecoder("s1", nil)
	events := decodeAll(t, d,
		`{"method":"thread/started","params":{"thread":{"id":"thr_1"}}}`,
		`{"method":"thread/started","params":{"thread":{"id":"thr_other"}}}`,
		`{"method":"thread/started","params":{"thread":{"id":"thr_1"}}}`,
	)
	require.Equal(t, []streams.Kind{streams.KindSessionInitialized, streams.KindSessionInitialized}, kindsOf(events))
	assert.False(t, events[0].(*streams.SessionInitialized).Resumed)
	assert.True(t, events[1].(*streams.SessionInitialized).Resumed)
}

func TestDecoder_ChildThreadLifecycle(t *testing.T) {
	d := NewDecoder("s1", nil)

	events := decodeAll(t, d,
		`{"method":"thread/started","params":{"thread":{"id":"thr_main"}}}`,
		`{"method":"item/started","params":{"threadId":"thr_main","item":{"id":"spawn_1","type":"collabAgentToolCall","tool":"spawnAgent","senderThreadId":"thr_main","receiverThreadIds":["thr_child"],"prompt":"Audit the config loader\nand report back."}}}`,
		`{"method":"thread/started","params":{"thread":{"id":"thr_child"}}}`,
		`{"method":"turn/started","params":{"threadId":"thr_child","turn":{"id":"t2","status":"inProgress"}}}`,
		`{"method":"item/started","params":{"threadId":"thr_child","item":{"id":"cmd_1","type":"commandExecution","command":"cat config.go"}}}`,
		`{"method":"item/completed","params":{"threadId":"thr_child","item":{"id":"cmd_1","type":"commandExecution","aggregatedOutput":"package config","exitCode":0}}}`,
		`{"method":"item/completed","params":{"threadId":"thr_child","item":{"id":"m_1","type":"agentMessage","text":"Loader looks fine."}}}`,
		`{"method":"turn/completed","params":{"threadId":"thr_child","turn":{"id":"t2","status":"completed"}}}`,
		`{"method":"item/completed","params":{"threadId":"thr_main","item":{"id":"spawn_1","type":"collabAgentToolCall","tool":"spawnAgent","receiverThreadIds":["thr_child"],"status":"completed"}}}`,
	)

	require.Equal(t, []streams.Kind{
		streams.KindSessionInitialized,
		streams.KindToolInvoked,
		streams.KindSubagentSpawned,
		streams.KindToolInvoked,
		streams.KindToolCompleted,
		streams.KindTextProduced,
		streams.KindSubagentCompleted,
		streams.KindToolCompleted,
	}, kindsOf(events))

	spawned := events[2].(*streams.SubagentSpawned)
	assert.Equal(t, "spawn_1", spawned.CallID)
	assert.Equal(t, "Audit the config loader", spawned.Description)
	assert.Equal(t, streams.ToolKindSubagentTask, events[1].(*streams.ToolInvoked).ToolKind)

	for _, ev := range events[3:6] {
		assert.Equal(t, "spawn_1", ev.Base().ParentCallID, ev.Kind())
	}

	completed := events[6].(*streams.SubagentCompleted)
	assert.Equal(t, "spawn_1", completed.CallID)
	assert.Empty(t, completed.ParentCallID)
	assert.Equal(t, "completed", completed.Status)
	assert.Equal(t, "Loader looks fine.", completed.Result)
	assert.Equal(t, "thr_child", completed.ResumeID)

	assert.True(t, events[7].Base().IsPrimary())
}

func TestDecoder_ChildRegisteredOnSpawnCompletion(t *testing.T) {
	d := NewDecoder("s1", nil)
	events := decodeAll(t, d,
		`{"method":"item/started","params":{"threadId":"thr_main","item":{"id":"spawn_2","type":"collabAgentToolCall","tool":"spawnAgent","prompt":"go"}}}`,
		`{"method":"item/completed","params":{"threadId":"thr_main","item":{"id":"spawn_2","type":"collabAgentToolCall","tool":"spawnAgent","receiverThreadIds":["thr_late"]}}}`,
		`{"method":"item/agentMessage/delta","params":{"threadId":"thr_late","itemId":"m","delta":"hi"}}`,
		`{"method":"turn/completed","params":{"threadId":"thr_late","turn":{"id":"t","status":"failed","error":{"message":"sandbox denied"}}}}`,
	)
	require.Len(t, events, 5)
	assert.Equal(t, "spawn_2", events[3].Base().ParentCallID)

	completed := events[4].(*streams.SubagentCompleted)
	assert.Equal(t, "failed", completed.Status)
	assert.Equal(t, "sandbox denied", completed.Result)
}

func TestDecoder_NestedChildThreads(t *testing.T) {
	d := NewDecoder("s1", nil)
	events := decodeAll(t, d,
		`{"method":"item/started","params":{"threadId":"thr_main","item":{"id":"spawn_a","type":"collabAgentToolCall","tool":"spawnAgent","receiverThreadIds":["thr_a"]}}}`,
		`{"method":"item/started","params":{"threadId":"thr_a","item":{"id":"spawn_b","type":"collabAgentToolCall","tool":"spawnAgent","receiverThreadIds":["thr_b"]}}}`,
		`{"method":"turn/completed","params":{"threadId":"thr_b","turn":{"id":"t","status":"completed"}}}`,
	)
	require.Len(t, events, 5)
	assert.Equal(t, "spawn_a", events[3].Base().ParentCallID)

	completed := events[4].(*streams.SubagentCompleted)
	assert.Equal(t, "spawn_b", completed.CallID)
	assert.Equal(t, "spawn_a", completed.ParentCallID)
}

func TestDecoder_NonSpawnCollabCall(t *testing.T) {
	d := NewDecoder("s1", nil)
	events := decodeAll(t, d,
		`{"method":"item/started","params":{"threadId":"thr_main","item":{"id":"wait_1","type":"collabAgentToolCall","tool":"wait","receiverThreadIds":["thr_x"]}}}`,
		`{"method":"turn/completed","params":{"threadId":"thr_x","turn":{"id":"t","status":"completed"}}}`,
	)
	assert.Equal(t, []streams.Kind{streams.KindToolInvoked, streams.KindTurnCompleted}, kindsOf(events))
}
