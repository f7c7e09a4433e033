package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kandev/eventpipe/internal/chat"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/streams"
)

const primary = chat.PrimaryConversationID

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *chat.Model, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	log := logger.New(zap.New(core))
	model := chat.NewModel("sess-test", chat.Options{Backend: "test", Logger: log})
	opts.Logger = log
	return New("sess-test", model, opts), model, logs
}

func handleAll(p *Pipeline, events ...streams.Event) {
	for _, ev := range events {
		p.Handle(context.Background(), ev)
	}
}

func callMeta(callID, parent string) streams.Meta {
	return streams.Meta{CallID: callID, ParentCallID: parent}
}

func toolAt(t *testing.T, model *chat.Model, conv string, i int) *chat.ToolUse {
	t.Helper()
	entries := model.Entries(conv)
	require.Greater(t, len(entries), i)
	tool, ok := entries[i].(*chat.ToolUse)
	require.True(t, ok, "entry %d is %s", i, entries[i].EntryKind())
	return tool
}

func textAt(t *testing.T, model *chat.Model, conv string, i int) *chat.Text {
	t.Helper()
	entries := model.Entries(conv)
	require.Greater(t, len(entries), i)
	txt, ok := entries[i].(*chat.Text)
	require.True(t, ok, "entry %d is %s", i, entries[i].EntryKind())
	return txt
}

func conversationOf(t *testing.T, model *chat.Model, callID string) string {
	t.Helper()
	agent, ok := model.Agent(callID)
	require.True(t, ok, "no agent for %s", callID)
	return agent.ConversationID
}

func TestPipeline_ToolPairing(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.ToolInvoked{Meta: callMeta("c1", ""), Name: "Bash", ToolKind: streams.ToolKindShellExec, Input: map[string]interface{}{"command": "ls"}},
		&streams.ToolCompleted{Meta: callMeta("c1", ""), Output: "a.go\nb.go"},
	)

	require.Len(t, model.Entries(primary), 1)
	tool := toolAt(t, model, primary, 0)
	assert.Equal(t, "Bash", tool.Name)
	assert.True(t, tool.HasResult)
	assert.Equal(t, "a.go\nb.go", tool.Result)
	assert.False(t, tool.IsError)
}

func TestPipeline_ToolPairingOutOfOrder(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.ToolInvoked{Meta: callMeta("c1", ""), Name: "Read"},
		&streams.ToolInvoked{Meta: callMeta("c2", ""), Name: "Grep"},
		&streams.ToolCompleted{Meta: callMeta("c2", ""), Output: "grep out", IsError: true},
		&streams.ToolCompleted{Meta: callMeta("c1", ""), Output: "read out"},
	)

	require.Len(t, model.Entries(primary), 2)
	assert.Equal(t, "read out", toolAt(t, model, primary, 0).Result)
	assert.False(t, toolAt(t, model, primary, 0).IsError)
	assert.Equal(t, "grep out", toolAt(t, model, primary, 1).Result)
	assert.True(t, toolAt(t, model, primary, 1).IsError)
}

func TestPipeline_OrphanCompletion(t *testing.T) {
	p, model, logs := newTestPipeline(t, Options{})

	handleAll(p, &streams.ToolCompleted{Meta: callMeta("ghost", ""), Output: "late"})

	assert.Empty(t, model.Entries(primary))
	warnings := logs.FilterMessage("tool completion for unknown call").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)
	assert.Equal(t, "ghost", warnings[0].ContextMap()["call_id"])
}

func TestPipeline_ResentInvocationUpdatesInPlace(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.ToolInvoked{Meta: callMeta("c1", ""), Name: "Edit", Title: "pending"},
		&streams.ToolInvoked{Meta: callMeta("c1", ""), Name: "Edit", Title: "Edit main.go"},
		&streams.ToolCompleted{Meta: callMeta("c1", ""), Output: "ok"},
	)

	require.Len(t, model.Entries(primary), 1)
	tool := toolAt(t, model, primary, 0)
	assert.Equal(t, "Edit main.go", tool.Title)
	assert.Equal(t, "ok", tool.Result)
}

func TestPipeline_StreamedToolInput(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.StreamDelta{Meta: callMeta("c1", ""), Delta: streams.DeltaToolInput, ToolName: "Read", Fragment: `{"file_pa`},
		&streams.StreamDelta{Meta: callMeta("c1", ""), Delta: streams.DeltaToolInput, Fragment: `th":"/a.go"`},
	)

	require.Len(t, model.Entries(primary), 1)
	partial := toolAt(t, model, primary, 0)
	assert.True(t, partial.IsStreaming)
	assert.Equal(t, `{"file_path":"/a.go"`, partial.InputJSON)
	assert.Equal(t, "/a.go", partial.Input["file_path"])

	handleAll(p,
		&streams.ToolInvoked{Meta: callMeta("c1", ""), Name: "Read", Input: map[string]interface{}{"file_path": "/a.go", "limit": float64(10)}},
		&streams.ToolCompleted{Meta: callMeta("c1", ""), Output: "package a"},
	)

	require.Len(t, model.Entries(primary), 1)
	tool := toolAt(t, model, primary, 0)
	assert.False(t, tool.IsStreaming)
	assert.Equal(t, float64(10), tool.Input["limit"])
	assert.Equal(t, "package a", tool.Result)
	assert.Zero(t, p.Snapshot().OpenStreams)
}

func TestPipeline_CompletionClosesStreamedTool(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.StreamDelta{Meta: callMeta("c1", ""), Delta: streams.DeltaToolInput, ToolName: "Bash", Fragment: `{"command":"make"}`},
		&streams.ToolCompleted{Meta: callMeta("c1", ""), Output: "built"},
	)

	require.Len(t, model.Entries(primary), 1)
	tool := toolAt(t, model, primary, 0)
	assert.False(t, tool.IsStreaming)
	assert.True(t, tool.HasResult)
	assert.Equal(t, "make", tool.Input["command"])
}

func TestPipeline_StreamedText(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.StreamDelta{Delta: streams.DeltaThinking, Fragment: "let me "},
		&streams.StreamDelta{Delta: streams.DeltaThinking, Fragment: "think"},
		&streams.StreamDelta{Delta: streams.DeltaText, Fragment: "Hel"},
		&streams.StreamDelta{Delta: streams.DeltaText, Fragment: "lo"},
	)

	require.Len(t, model.Entries(primary), 2)
	assert.Equal(t, "let me think", textAt(t, model, primary, 0).Text)
	assert.True(t, textAt(t, model, primary, 0).Thinking)
	assert.Equal(t, "Hello", textAt(t, model, primary, 1).Text)
	assert.True(t, textAt(t, model, primary, 1).IsStreaming)

	handleAll(p,
		&streams.TextProduced{Text: "let me think", Thinking: true},
		&streams.TextProduced{Text: "Hello!"},
	)

	require.Len(t, model.Entries(primary), 2)
	assert.False(t, textAt(t, model, primary, 0).IsStreaming)
	assert.Equal(t, "Hello!", textAt(t, model, primary, 1).Text)
	assert.False(t, textAt(t, model, primary, 1).IsStreaming)
}

func TestPipeline_TurnEndSealsStreamedText(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.StreamDelta{Delta: streams.DeltaText, Fragment: "partial "},
		&streams.StreamDelta{Delta: streams.DeltaText, Fragment: "answer"},
		&streams.TurnCompleted{Result: "partial answer"},
	)

	require.Len(t, model.Entries(primary), 1)
	txt := textAt(t, model, primary, 0)
	assert.Equal(t, "partial answer", txt.Text)
	assert.False(t, txt.IsStreaming)
}

func TestPipeline_EmptyTextSkipped(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})
	handleAll(p, &streams.TextProduced{Text: ""})
	assert.Empty(t, model.Entries(primary))
}

func TestPipeline_SubagentRouting(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.ToolInvoked{Meta: callMeta("task1", ""), Name: "Task"},
		&streams.SubagentSpawned{Meta: callMeta("task1", ""), AgentType: "Explore", Description: "scan repo", Prompt: "find the config loader"},
		&streams.ToolInvoked{Meta: callMeta("c2", "task1"), Name: "Grep"},
		&streams.ToolCompleted{Meta: callMeta("c2", "task1"), Output: "config.go"},
		&streams.TextProduced{Meta: callMeta("", "task1"), Text: "It is in config.go"},
		&streams.SubagentCompleted{Meta: callMeta("task1", ""), Status: "completed", Result: "config.go", ResumeID: "agent-a"},
		&streams.ToolCompleted{Meta: callMeta("task1", ""), Output: "config.go"},
	)

	conv := conversationOf(t, model, "task1")
	assert.NotEqual(t, primary, conv)

	require.Len(t, model.Entries(primary), 1)
	assert.Equal(t, "config.go", toolAt(t, model, primary, 0).Result)

	sub := model.Entries(conv)
	require.Len(t, sub, 3)
	assert.Equal(t, chat.RoleUser, textAt(t, model, conv, 0).Role)
	assert.Equal(t, "find the config loader", textAt(t, model, conv, 0).Text)
	assert.Equal(t, "config.go", toolAt(t, model, conv, 1).Result)
	assert.Equal(t, "It is in config.go", textAt(t, model, conv, 2).Text)

	agent, ok := model.Agent("task1")
	require.True(t, ok)
	assert.Equal(t, chat.AgentCompleted, agent.Status)
	assert.Equal(t, "agent-a", agent.ResumeID)
	assert.Equal(t, "config.go", agent.ResultSummary)

	// Subagent text never counts as primary assistant output.
	assert.False(t, p.Snapshot().HasAssistantOutputThisTurn)
}

func TestPipeline_UnknownParentRoutesToPrimary(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p, &streams.ToolInvoked{Meta: callMeta("c1", "never-spawned"), Name: "Read"})

	require.Len(t, model.Entries(primary), 1)
}

func TestPipeline_ResumeMapping(t *testing.T) {
	p, model, logs := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.SubagentSpawned{Meta: callMeta("task1", ""), AgentType: "Plan", Description: "draft plan"},
		&streams.SubagentCompleted{Meta: callMeta("task1", ""), Status: "completed", ResumeID: "agent-a"},
		&streams.SubagentSpawned{Meta: callMeta("task2", ""), ResumeAgentID: "agent-a", Prompt: "continue"},
	)

	conv := conversationOf(t, model, "task1")
	assert.Equal(t, conv, p.Resolve("task2"))

	agents := model.Snapshot().Agents
	require.Len(t, agents, 1)
	assert.Equal(t, chat.AgentWorking, agents[0].Status)

	handleAll(p,
		&streams.TextProduced{Meta: callMeta("", "task2"), Text: "continuing"},
		&streams.SubagentCompleted{Meta: callMeta("task2", ""), Status: "failed", Result: "gave up"},
	)
	assert.Equal(t, "continuing", textAt(t, model, conv, 1).Text)

	agent, _ := model.Agent("task1")
	assert.Equal(t, chat.AgentError, agent.Status)
	assert.Equal(t, "gave up", agent.ResultSummary)
	assert.Equal(t, "agent-a", agent.ResumeID)
	assert.Zero(t, logs.FilterMessage("resume id matches no subagent, spawning a new one").Len())
}

func TestPipeline_ResentSpawnKeepsConversation(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	spawn := &streams.SubagentSpawned{Meta: callMeta("task1", ""), AgentType: "Explore", Description: "scan repo", Prompt: "find the loader"}
	handleAll(p,
		spawn,
		&streams.TextProduced{Meta: callMeta("", "task1"), Text: "looking"},
	)
	first := p.Resolve("task1")

	handleAll(p, spawn)

	assert.Equal(t, first, p.Resolve("task1"))
	snap := model.Snapshot()
	assert.Len(t, snap.Conversations, 2)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, first, snap.Agents[0].ConversationID)

	entries := model.Entries(first)
	require.Len(t, entries, 2)
	assert.Equal(t, "find the loader", textAt(t, model, first, 0).Text)
	assert.Equal(t, "looking", textAt(t, model, first, 1).Text)
}

func TestPipeline_UnmatchedResumeSpawnsNew(t *testing.T) {
	p, model, logs := newTestPipeline(t, Options{})

	handleAll(p, &streams.SubagentSpawned{Meta: callMeta("task1", ""), AgentType: "Explore", Description: "x", ResumeAgentID: "missing"})

	require.Len(t, model.Snapshot().Agents, 1)
	assert.NotEqual(t, primary, p.Resolve("task1"))
	assert.Equal(t, 1, logs.FilterMessage("resume id matches no subagent, spawning a new one").Len())
}

func TestPipeline_SpawnMissingFields(t *testing.T) {
	p, model, logs := newTestPipeline(t, Options{})

	handleAll(p, &streams.SubagentSpawned{Meta: callMeta("task1", "")})

	agent, ok := model.Agent("task1")
	require.True(t, ok)
	assert.Equal(t, "unknown", agent.AgentType)
	assert.Equal(t, "unknown", agent.Description)
	assert.Equal(t, 1, logs.FilterMessage("subagent spawn without agent type").Len())
	assert.Equal(t, 1, logs.FilterMessage("subagent spawn without description").Len())
}

func TestPipeline_SubagentTerminalStatus(t *testing.T) {
	tests := []struct {
		status string
		want   chat.AgentStatus
	}{
		{"completed", chat.AgentCompleted},
		{"success", chat.AgentCompleted},
		{"", chat.AgentCompleted},
		{"cancelled", chat.AgentCompleted},
		{"something_new", chat.AgentCompleted},
		{"failed", chat.AgentError},
		{"ERROR", chat.AgentError},
		{" timed_out ", chat.AgentError},
		{"error_max_turns", chat.AgentError},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			p, model, _ := newTestPipeline(t, Options{})
			handleAll(p,
				&streams.SubagentSpawned{Meta: callMeta("task1", ""), AgentType: "a", Description: "d"},
				&streams.SubagentCompleted{Meta: callMeta("task1", ""), Status: tt.status},
			)
			agent, _ := model.Agent("task1")
			assert.Equal(t, tt.want, agent.Status)
		})
	}
}

func TestPipeline_CustomFailureStatuses(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{FailureStatuses: []string{"aborted"}})
	handleAll(p,
		&streams.SubagentSpawned{Meta: callMeta("task1", ""), AgentType: "a", Description: "d"},
		&streams.SubagentCompleted{Meta: callMeta("task1", ""), Status: "aborted"},
		&streams.SubagentSpawned{Meta: callMeta("task2", ""), AgentType: "a", Description: "d"},
		&streams.SubagentCompleted{Meta: callMeta("task2", ""), Status: "failed"},
	)
	a1, _ := model.Agent("task1")
	a2, _ := model.Agent("task2")
	assert.Equal(t, chat.AgentError, a1.Status)
	assert.Equal(t, chat.AgentCompleted, a2.Status)
}

func TestPipeline_CompletionForUnknownSubagent(t *testing.T) {
	p, model, logs := newTestPipeline(t, Options{})

	handleAll(p, &streams.SubagentCompleted{Meta: callMeta("nobody", ""), Status: "completed"})

	assert.Empty(t, model.Snapshot().Agents)
	assert.Equal(t, 1, logs.FilterMessage("completion for unknown subagent").Len())
}

func TestPipeline_CompactionAndSummary(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p, &streams.ContextCompacted{Trigger: "auto", PreTokens: 150000})
	assert.True(t, p.Snapshot().ExpectingContextSummary)

	handleAll(p,
		&streams.UserInput{Text: "Summary text", IsSynthetic: true},
		&streams.UserInput{Text: "next question"},
	)

	entries := model.Entries(primary)
	require.Len(t, entries, 3)
	note, ok := entries[0].(*chat.SystemNotification)
	require.True(t, ok)
	assert.Equal(t, chat.LevelInfo, note.Level)
	assert.Equal(t, "Context compacted (auto)", note.Message)

	summary, ok := entries[1].(*chat.ContextSummary)
	require.True(t, ok)
	assert.Equal(t, "Summary text", summary.Summary)

	assert.Equal(t, chat.RoleUser, textAt(t, model, primary, 2).Role)
	assert.False(t, p.Snapshot().ExpectingContextSummary)
}

func TestPipeline_SummaryRedirect(t *testing.T) {
	tests := []struct {
		name      string
		compacted bool
		input     *streams.UserInput
		summary   bool
	}{
		{"plain input", false, &streams.UserInput{Text: "hi"}, false},
		{"synthetic input", false, &streams.UserInput{Text: "hi", IsSynthetic: true}, true},
		{"replay without compaction", false, &streams.UserInput{Text: "hi", IsReplay: true}, true},
		{"replay after compaction", true, &streams.UserInput{Text: "hi", IsReplay: true}, true},
		{"plain after compaction", true, &streams.UserInput{Text: "hi"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, model, _ := newTestPipeline(t, Options{})
			if tt.compacted {
				handleAll(p, &streams.ContextCompacted{})
			}
			handleAll(p, tt.input)

			entries := model.Entries(primary)
			last := entries[len(entries)-1]
			if tt.summary {
				assert.Equal(t, chat.EntryContextSummary, last.EntryKind())
			} else {
				assert.Equal(t, chat.EntryText, last.EntryKind())
			}
		})
	}
}

func TestPipeline_SilentTurn(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.UserInput{Text: "/clear"},
		&streams.TurnCompleted{Result: "Unknown skill: clear"},
	)

	entries := model.Entries(primary)
	require.Len(t, entries, 2)
	note, ok := entries[1].(*chat.SystemNotification)
	require.True(t, ok)
	assert.Equal(t, "Unknown skill: clear", note.Message)
	assert.False(t, p.Snapshot().HasAssistantOutputThisTurn)
}

func TestPipeline_SilentErrorTurn(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p, &streams.TurnCompleted{Result: "rate limited", IsError: true})

	entries := model.Entries(primary)
	require.Len(t, entries, 1)
	assert.Equal(t, chat.LevelError, entries[0].(*chat.SystemNotification).Level)
}

func TestPipeline_TurnWithOutputHasNoNotification(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.UserInput{Text: "hello"},
		&streams.TextProduced{Text: "Hi there"},
		&streams.TurnCompleted{Result: "Hi there"},
		// The flag resets, so the next silent turn surfaces its result.
		&streams.TurnCompleted{Result: "second"},
	)

	entries := model.Entries(primary)
	require.Len(t, entries, 3)
	assert.Equal(t, chat.EntrySystemNotification, entries[2].EntryKind())
	assert.Equal(t, int64(2), p.Snapshot().Turns)
}

func TestPipeline_UsageFolding(t *testing.T) {
	run := func(folded bool) (State, string) {
		p, model, _ := newTestPipeline(t, Options{SubagentUsageFolded: folded})
		handleAll(p,
			&streams.SubagentSpawned{Meta: callMeta("task1", ""), AgentType: "a", Description: "d"},
			&streams.SubagentCompleted{Meta: callMeta("task1", ""), Usage: &streams.Usage{InputTokens: 100, OutputTokens: 10}},
			&streams.TurnCompleted{Result: "done", Usage: &streams.Usage{InputTokens: 1000, OutputTokens: 50}, CostUSD: 0.25},
		)
		return p.Snapshot(), conversationOf(t, model, "task1")
	}

	folded, conv := run(true)
	assert.Equal(t, int64(1000), folded.Usage.InputTokens)
	assert.Equal(t, 0.25, folded.Usage.CostUSD)
	assert.Equal(t, int64(100), folded.UsageByConversation[conv].InputTokens)
	assert.Equal(t, int64(1000), folded.UsageByConversation[primary].InputTokens)

	unfolded, _ := run(false)
	assert.Equal(t, int64(1100), unfolded.Usage.InputTokens)
	assert.Equal(t, int64(60), unfolded.Usage.OutputTokens)
}

func TestPipeline_UsageUpdated(t *testing.T) {
	p, _, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.UsageUpdated{
			Usage:         &streams.Usage{InputTokens: 5, CacheReadInputTokens: 7},
			RateLimit:     &streams.RateLimit{Status: "allowed", UsedPercent: 42},
			ContextWindow: 200000,
			ContextUsed:   1200,
		},
		&streams.UsageUpdated{Usage: &streams.Usage{InputTokens: -3, OutputTokens: 2}},
	)

	st := p.Snapshot()
	assert.Equal(t, int64(5), st.Usage.InputTokens)
	assert.Equal(t, int64(2), st.Usage.OutputTokens)
	assert.Equal(t, int64(7), st.Usage.CacheReadInputTokens)
	assert.Equal(t, int64(2), st.Usage.Reports)
	require.NotNil(t, st.RateLimit)
	assert.Equal(t, 42.0, st.RateLimit.UsedPercent)
	assert.Equal(t, int64(200000), st.ContextWindow)
	assert.Equal(t, int64(1200), st.ContextUsed)
}

func TestPipeline_SessionInitializedAndStatus(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.SessionInitialized{SessionID: "backend-1", Model: "opus", Cwd: "/repo", Tools: []string{"Bash", "Read"}},
		&streams.StatusChanged{Status: "compacting"},
	)

	snap := model.Snapshot()
	assert.Equal(t, "backend-1", snap.Meta.BackendSessionID)
	assert.Equal(t, "opus", snap.Meta.Model)
	assert.Equal(t, []string{"Bash", "Read"}, snap.Meta.Tools)
	assert.Equal(t, "compacting", snap.Status)
}

func TestPipeline_PermissionLifecycle(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.ToolInvoked{Meta: callMeta("c1", ""), Name: "Bash"},
		&streams.PermissionRequested{Meta: callMeta("c1", ""), ToolName: "Bash", Title: "Run make", Options: []string{"allow", "deny"}},
	)
	perms := model.Snapshot().PendingPermissions
	require.Len(t, perms, 1)
	assert.Equal(t, primary, perms[0].ConversationID)

	handleAll(p, &streams.ToolCompleted{Meta: callMeta("c1", ""), Output: "ok"})
	assert.Empty(t, model.Snapshot().PendingPermissions)
}

func TestPipeline_UnknownEvent(t *testing.T) {
	p, model, logs := newTestPipeline(t, Options{})

	handleAll(p, &streams.Unknown{Meta: streams.Meta{Raw: []byte(`{"type":"mystery"}`)}, TypeTag: "mystery", Reason: "unrecognized type"})

	entries := model.Entries(primary)
	require.Len(t, entries, 1)
	u, ok := entries[0].(*chat.Unknown)
	require.True(t, ok)
	assert.Equal(t, "mystery", u.TypeTag)
	assert.JSONEq(t, `{"type":"mystery"}`, string(u.Payload))
	assert.Equal(t, 1, logs.FilterMessage("unknown agent message").Len())
}

func TestPipeline_HandlesEveryKind(t *testing.T) {
	p, _, logs := newTestPipeline(t, Options{})

	for _, kind := range streams.AllKinds() {
		ev, err := streams.New(kind)
		require.NoError(t, err)
		p.Handle(context.Background(), ev)
	}

	assert.Zero(t, logs.FilterMessage("unhandled event kind").Len())
	assert.Zero(t, logs.FilterMessage("dropped event after panic").Len())
}

type panickingModel struct {
	*chat.Model
}

func (panickingModel) SetStatus(string) { panic("boom") }

func TestPipeline_RecoversFromPanic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := logger.New(zap.New(core))
	model := panickingModel{chat.NewModel("s", chat.Options{Logger: log})}
	p := New("s", model, Options{Logger: log})

	handleAll(p,
		&streams.StatusChanged{Status: "x"},
		&streams.TextProduced{Text: "still alive"},
	)

	assert.Equal(t, 1, logs.FilterMessage("dropped event after panic").Len())
	assert.Len(t, model.Entries(primary), 1)
}

func TestPipeline_FirstUserInputHook(t *testing.T) {
	var prompts []string
	p, _, _ := newTestPipeline(t, Options{OnFirstUserInput: func(text string) { prompts = append(prompts, text) }})

	handleAll(p,
		&streams.UserInput{Text: "summary", IsSynthetic: true},
		&streams.SubagentSpawned{Meta: callMeta("task1", ""), AgentType: "a", Description: "d"},
		&streams.UserInput{Meta: callMeta("", "task1"), Text: "subagent prompt"},
		&streams.UserInput{Text: "Fix the flaky test"},
		&streams.UserInput{Text: "and the lint errors"},
	)

	assert.Equal(t, []string{"Fix the flaky test"}, prompts)
}

func TestPipeline_ClearDropsState(t *testing.T) {
	p, model, _ := newTestPipeline(t, Options{})

	handleAll(p,
		&streams.SubagentSpawned{Meta: callMeta("task1", ""), AgentType: "a", Description: "d"},
		&streams.ToolInvoked{Meta: callMeta("c1", ""), Name: "Bash"},
		&streams.StreamDelta{Delta: streams.DeltaText, Fragment: "x"},
		&streams.ContextCompacted{},
	)
	p.Clear()

	st := p.Snapshot()
	assert.Zero(t, st.Routes)
	assert.Zero(t, st.TrackedToolCalls)
	assert.Zero(t, st.OpenStreams)
	assert.False(t, st.ExpectingContextSummary)

	// Routing state is gone, so subagent events fall back to primary.
	before := len(model.Entries(primary))
	handleAll(p, &streams.TextProduced{Meta: callMeta("", "task1"), Text: "late"})
	assert.Len(t, model.Entries(primary), before+1)
}

func TestPreviewInput(t *testing.T) {
	tests := []struct {
		name    string
		partial string
		want    map[string]interface{}
		ok      bool
	}{
		{"complete", `{"a":1}`, map[string]interface{}{"a": float64(1)}, true},
		{"unterminated string", `{"path":"/tmp/x`, map[string]interface{}{"path": "/tmp/x"}, true},
		{"missing brace", `{"a":1,"b":"two"`, map[string]interface{}{"a": float64(1), "b": "two"}, true},
		{"empty", "  ", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := previewInput(tt.partial)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
