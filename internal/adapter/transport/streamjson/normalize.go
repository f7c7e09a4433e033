package streamjson

import (
	"fmt"
	"strings"

	"github.com/kandev/eventpipe/internal/adapter/transport/shared"
	"github.com/kandev/eventpipe/internal/streams"
	"github.com/kandev/eventpipe/pkg/claudecode"
)

const mcpToolPrefix = "mcp__"

// DetectToolKind classifies a Claude Code tool by name.
func DetectToolKind(toolName string) streams.ToolKind {
	switch toolName {
	case claudecode.ToolEdit, claudecode.ToolWrite, claudecode.ToolMultiEdit, claudecode.ToolNotebookEdit:
		return streams.ToolKindModifyFile
	case claudecode.ToolRead:
		return streams.ToolKindReadFile
	case claudecode.ToolGlob, claudecode.ToolGrep:
		return streams.ToolKindCodeSearch
	case claudecode.ToolBash:
		return streams.ToolKindShellExec
	case claudecode.ToolWebFetch, claudecode.ToolWebSearch:
		return streams.ToolKindHTTPRequest
	case claudecode.ToolTask, claudecode.ToolAgent:
		return streams.ToolKindSubagentTask
	case claudecode.ToolTodoWrite:
		return streams.ToolKindManageTodos
	}
	if strings.HasPrefix(toolName, mcpToolPrefix) {
		return streams.ToolKindMCP
	}
	return streams.ToolKindGeneric
}

// ToolTitle builds a human-readable title for a tool call.
func ToolTitle(toolName string, input map[string]any) string {
	switch toolName {
	case claudecode.ToolBash:
		if cmd := shared.GetString(input, "command"); cmd != "" {
			return cmd
		}
	case claudecode.ToolGlob, claudecode.ToolGrep:
		if pattern := shared.GetString(input, "pattern"); pattern != "" {
			return fmt.Sprintf("%s: %s", toolName, pattern)
		}
	case claudecode.ToolWebFetch:
		if url := shared.GetString(input, "url"); url != "" {
			return fmt.Sprintf("%s: %s", toolName, url)
		}
	case claudecode.ToolWebSearch:
		if query := shared.GetString(input, "query"); query != "" {
			return fmt.Sprintf("%s: %s", toolName, query)
		}
	case claudecode.ToolTask, claudecode.ToolAgent:
		if desc := shared.GetString(input, "description"); desc != "" {
			return desc
		}
	}
	if path := shared.GetFirstString(input, "file_path", "notebook_path", "path"); path != "" {
		return fmt.Sprintf("%s: %s", toolName, path)
	}
	return toolName
}

// toUsage converts wire usage to the canonical form.
func toUsage(u *claudecode.Usage) *streams.Usage {
	if u == nil {
		return nil
	}
	return &streams.Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	}
}

// contextUsed is the number of tokens a message occupies in the context window.
func contextUsed(u *claudecode.Usage) int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// rateLimitWindows maps rate limit types to their window length in minutes.
var rateLimitWindows = map[string]int64{
	"five_hour":        5 * 60,
	"seven_day":        7 * 24 * 60,
	"seven_day_opus":   7 * 24 * 60,
	"seven_day_sonnet": 7 * 24 * 60,
}

// stripCommandOutput removes the tags wrapping slash command output. ok is
// false when s is not command output.
func stripCommandOutput(s string) (string, bool) {
	const open, closing = "<local-command-stdout>", "</local-command-stdout>"
	if !strings.HasPrefix(s, open) || !strings.HasSuffix(s, closing) {
		return s, false
	}
	return strings.TrimSuffix(strings.TrimPrefix(s, open), closing), true
}
