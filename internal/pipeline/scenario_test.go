package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kandev/eventpipe/internal/chat"
	"github.com/kandev/eventpipe/internal/streams"
)

type scenarioEvent struct {
	Kind  streams.Kind           `yaml:"kind"`
	Event map[string]interface{} `yaml:"event"`
}

type scenario struct {
	Name                string          `yaml:"name"`
	SubagentUsageFolded bool            `yaml:"subagent_usage_folded"`
	Events              []scenarioEvent `yaml:"events"`
	Expect              struct {
		Primary          []chat.EntryKind            `yaml:"primary"`
		Subagents        map[string][]chat.EntryKind `yaml:"subagents"`
		Agents           map[string]chat.AgentStatus `yaml:"agents"`
		Warnings         []string                    `yaml:"warnings"`
		UsageInputTokens int64                       `yaml:"usage_input_tokens"`
	} `yaml:"expect"`
}

func loadScenarios(t *testing.T) []scenario {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	var out []scenario
	for _, path := range paths {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var sc scenario
		require.NoError(t, yaml.Unmarshal(data, &sc), path)
		out = append(out, sc)
	}
	return out
}

func (e scenarioEvent) decode(t *testing.T) streams.Event {
	t.Helper()
	body, err := json.Marshal(e.Event)
	require.NoError(t, err)
	env, err := json.Marshal(map[string]json.RawMessage{
		"kind":  json.RawMessage(`"` + string(e.Kind) + `"`),
		"event": body,
	})
	require.NoError(t, err)
	ev, err := streams.Unmarshal(env)
	require.NoError(t, err)
	return ev
}

func kinds(entries []chat.Entry) []chat.EntryKind {
	out := make([]chat.EntryKind, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EntryKind())
	}
	return out
}

func TestScenarios(t *testing.T) {
	for _, sc := range loadScenarios(t) {
		t.Run(sc.Name, func(t *testing.T) {
			p, model, logs := newTestPipeline(t, Options{SubagentUsageFolded: sc.SubagentUsageFolded})
			for _, e := range sc.Events {
				handleAll(p, e.decode(t))
			}

			assert.Equal(t, sc.Expect.Primary, kinds(model.Entries(primary)), "primary conversation")
			for callID, want := range sc.Expect.Subagents {
				assert.Equal(t, want, kinds(model.Entries(conversationOf(t, model, callID))), "subagent %s", callID)
			}
			for callID, want := range sc.Expect.Agents {
				agent, ok := model.Agent(callID)
				require.True(t, ok, "agent %s", callID)
				assert.Equal(t, want, agent.Status, "agent %s", callID)
			}
			for _, msg := range sc.Expect.Warnings {
				assert.Equal(t, 1, logs.FilterMessage(msg).Len(), "warning %q", msg)
			}
			if sc.Expect.UsageInputTokens > 0 {
				assert.Equal(t, sc.Expect.UsageInputTokens, p.Snapshot().Usage.InputTokens)
			}
		})
	}
}
