package acp

import (
	"encoding/json"
	"strings"

	"github.com/coder/acp-go-sdk"

	"github.com/kandev/eventpipe/internal/adapter/transport/shared"
	"github.com/kandev/eventpipe/internal/streams"
)

// ACP tool kinds.
const (
	toolKindRead    = "read"
	toolKindEdit    = "edit"
	toolKindDelete  = "delete"
	toolKindMove    = "move"
	toolKindSearch  = "search"
	toolKindExecute = "execute"
	toolKindFetch   = "fetch"
	toolKindGlob    = "glob"
	toolKindGrep    = "grep"

	defaultToolName = "tool"
)

// Tool call statuses and stop reasons.
const (
	statusCompleted   = "completed"
	statusFailed      = "failed"
	stopReasonRefusal = "refusal"
)

// DetectToolKind classifies an ACP tool call by its kind, refined by its
// raw input. Calls whose input names a subagent type are subagent tasks.
func DetectToolKind(kind string, input map[string]any) streams.ToolKind {
	rawInput := shared.GetMap(input, "raw_input")
	if rawInput == nil {
		rawInput = input
	}
	if shared.GetString(rawInput, "subagent_type") != "" {
		return streams.ToolKindSubagentTask
	}

	switch strings.ToLower(kind) {
	case toolKindEdit, toolKindDelete, toolKindMove:
		return streams.ToolKindModifyFile
	case toolKindRead, "view":
		// Directory reads are file listings.
		if shared.GetString(rawInput, "type") == "directory" {
			return streams.ToolKindCodeSearch
		}
		return streams.ToolKindReadFile
	case toolKindExecute, "bash", "run":
		return streams.ToolKindShellExec
	case toolKindSearch, toolKindGlob, toolKindGrep:
		return streams.ToolKindCodeSearch
	case toolKindFetch:
		return streams.ToolKindHTTPRequest
	}
	return streams.ToolKindGeneric
}

func toolName(kind string) string {
	if kind == "" {
		return defaultToolName
	}
	return kind
}

// toolInput flattens an ACP raw input into the invocation input. Non-object
// inputs are kept under "raw_input". The first location becomes "path" when
// the input has none.
func toolInput(rawInput any, locations []string) map[string]any {
	input := map[string]any{}
	switch v := rawInput.(type) {
	case nil:
	case map[string]any:
		for k, val := range v {
			input[k] = val
		}
	default:
		input["raw_input"] = v
	}
	if len(locations) > 0 {
		if _, ok := input["path"]; !ok {
			input["path"] = locations[0]
		}
	}
	if len(input) == 0 {
		return nil
	}
	return input
}

// toolOutput extracts a tool's output, preferring the raw output and falling
// back to the text and diffs of the update's content.
func toolOutput(rawOutput any, content []acp.ToolCallContent) string {
	if out := extractRawOutput(rawOutput); out != "" {
		return out
	}
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch {
		case c.Content != nil:
			if text := contentText(c.Content.Content); text != "" {
				parts = append(parts, text)
			}
		case c.Diff != nil:
			parts = append(parts, c.Diff.Path)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}
	if rawOutput != nil {
		data, err := json.Marshal(rawOutput)
		if err == nil {
			return string(data)
		}
	}
	return ""
}

// extractRawOutput gets the output string from ACP result data.
// Agents send a plain string, {"output": "..."} or {"rawOutput": {"output": "..."}}.
func extractRawOutput(result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	resultMap, ok := result.(map[string]any)
	if !ok {
		return ""
	}
	if output := shared.GetString(shared.GetMap(resultMap, "rawOutput"), "output"); output != "" {
		return output
	}
	return shared.GetString(resultMap, "output")
}

// contentText returns the text of a text content block.
func contentText(cb acp.ContentBlock) string {
	if cb.Text != nil {
		return cb.Text.Text
	}
	return ""
}
