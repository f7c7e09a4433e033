package claudecode

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_ContentForms(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantString string
		wantBlocks int
	}{
		{"string content", `"hello"`, "hello", 0},
		{"block content", `[{"type":"text","text":"a"},{"type":"tool_use","id":"t1","name":"Bash"}]`, "", 2},
		{"empty", ``, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{Role: "user", Content: json.RawMessage(tt.content)}
			assert.Equal(t, tt.wantString, m.GetContentString())
			assert.Len(t, m.GetContentBlocks(), tt.wantBlocks)
		})
	}
}

func TestContentBlock_ResultText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"string", `"done"`, "done"},
		{"text blocks", `[{"type":"text","text":"a"},{"type":"image"},{"type":"text","text":"b"}]`, "a\nb"},
		{"object falls back to raw", `{"x":1}`, `{"x":1}`},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &ContentBlock{Type: BlockToolResult, Content: json.RawMessage(tt.content)}
			assert.Equal(t, tt.want, b.ResultText())
		})
	}
}

func TestCLIMessage_Result(t *testing.T) {
	var msg CLIMessage
	require.NoError(t, json.Unmarshal([]byte(`{
		"type":"result","subtype":"success","result":"All good","cost_usd":0.1,"total_cost_usd":0.3,
		"modelUsage":{"haiku":{"contextWindow":100000},"sonnet":{"contextWindow":200000}}
	}`), &msg))

	assert.Equal(t, "All good", msg.GetResultString())
	assert.Equal(t, 0.3, msg.Cost())
	assert.Equal(t, int64(200000), msg.ContextWindow())

	msg.Result = json.RawMessage(`{"text":"legacy","session_id":"s"}`)
	msg.TotalCostUSD = 0
	assert.Equal(t, "legacy", msg.GetResultString())
	assert.Equal(t, 0.1, msg.Cost())
}

func TestCLIMessage_TaskResult(t *testing.T) {
	var msg CLIMessage
	require.NoError(t, json.Unmarshal([]byte(`{
		"type":"user","parent_tool_use_id":"toolu_0",
		"tool_use_result":{"status":"completed","agentId":"a9","totalTokens":77,"usage":{"input_tokens":5,"output_tokens":6}}
	}`), &msg))

	assert.Equal(t, "toolu_0", msg.ParentToolUseID)
	res := msg.GetTaskResult()
	require.NotNil(t, res)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "a9", res.AgentID)
	assert.Equal(t, int64(77), res.TotalTokens)
	require.NotNil(t, res.Usage)
	assert.Equal(t, int64(6), res.Usage.OutputTokens)

	msg.ToolUseResult = json.RawMessage(`"Error: file not found"`)
	assert.Nil(t, msg.GetTaskResult())
}

func TestIsSubagentTool(t *testing.T) {
	assert.True(t, IsSubagentTool(ToolTask))
	assert.True(t, IsSubagentTool(ToolAgent))
	assert.False(t, IsSubagentTool(ToolBash))
}
