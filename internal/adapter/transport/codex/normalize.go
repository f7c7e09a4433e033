package codex

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/kandev/eventpipe/internal/adapter/transport/shared"
	"github.com/kandev/eventpipe/internal/streams"
	"github.com/kandev/eventpipe/pkg/codex"
)

const descriptionMaxLen = 80

// toolInvocation converts a tool item to ToolInvoked. It returns nil for items
// that are not tool calls.
func toolInvocation(item *codex.Item, meta streams.Meta) *streams.ToolInvoked {
	ev := &streams.ToolInvoked{Meta: meta, Name: item.Type}

	switch item.Type {
	case codex.ItemCommandExecution:
		ev.ToolKind = streams.ToolKindShellExec
		ev.Title = item.Command
		ev.Input = map[string]any{"command": item.Command}
		if item.Cwd != "" {
			ev.Input["cwd"] = item.Cwd
		}
	case codex.ItemFileChange:
		ev.ToolKind = streams.ToolKindModifyFile
		ev.Title = changesTitle(item.Changes)
		paths := make([]any, 0, len(item.Changes))
		for _, c := range item.Changes {
			paths = append(paths, c.Path)
		}
		ev.Input = map[string]any{"paths": paths}
	case codex.ItemMcpToolCall:
		ev.Name = item.Tool
		ev.ToolKind = streams.ToolKindMCP
		ev.Title = item.Server + "/" + item.Tool
		ev.Input = map[string]any{"server": item.Server}
		var args map[string]any
		if len(item.Arguments) > 0 && json.Unmarshal(item.Arguments, &args) == nil {
			ev.Input = args
			ev.Input["server"] = item.Server
		}
	case codex.ItemWebSearch:
		ev.ToolKind = streams.ToolKindHTTPRequest
		ev.Title = item.Query
		ev.Input = map[string]any{"query": item.Query}
	default:
		return nil
	}
	if ev.Title == "" {
		ev.Title = ev.Name
	}
	return ev
}

func changesTitle(changes []codex.FileChange) string {
	switch len(changes) {
	case 0:
		return codex.ItemFileChange
	case 1:
		return changes[0].Path
	}
	return fmt.Sprintf("%s (+%d more)", changes[0].Path, len(changes)-1)
}

// toolOutput extracts the output of a completed tool item and whether it failed.
func toolOutput(item *codex.Item) (string, bool) {
	failed := item.Status == codex.StatusFailed || item.ToolError != ""

	switch item.Type {
	case codex.ItemCommandExecution:
		if item.ExitCode != nil && *item.ExitCode != 0 {
			failed = true
		}
		return item.AggregatedOutput, failed
	case codex.ItemFileChange:
		diffs := make([]string, 0, len(item.Changes))
		for _, c := range item.Changes {
			if c.Diff != "" {
				diffs = append(diffs, c.Diff)
			}
		}
		return strings.Join(diffs, "\n"), failed
	case codex.ItemMcpToolCall:
		if item.ToolError != "" {
			return item.ToolError, true
		}
		return rawText(item.Result), failed
	case codex.ItemCollabAgentCall:
		return strings.Join(item.ReceiverThreadIDs, ", "), failed
	}
	return "", failed
}

// rawText returns a JSON string's value, or the compacted JSON otherwise.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(shared.CompactJSON(raw))
}

// toUsage converts a Codex token breakdown. Codex counts cached tokens as
// part of the input, the canonical form keeps them apart.
func toUsage(u *codex.TokenUsage) *streams.Usage {
	if u == nil {
		return nil
	}
	return &streams.Usage{
		InputTokens:           max(u.InputTokens-u.CachedInputTokens, 0),
		OutputTokens:          u.OutputTokens,
		CacheReadInputTokens:  u.CachedInputTokens,
		ReasoningOutputTokens: u.ReasoningOutputTokens,
	}
}

// toRateLimit reports the primary window, falling back to the secondary one.
func toRateLimit(s *codex.RateLimitSnapshot) *streams.RateLimit {
	if s == nil {
		return nil
	}
	w := s.Primary
	if w == nil {
		w = s.Secondary
	}
	if w == nil {
		return nil
	}
	rl := &streams.RateLimit{UsedPercent: w.UsedPercent}
	if w.WindowDurationMins != nil {
		rl.WindowMinutes = *w.WindowDurationMins
	}
	if w.ResetsAt != nil {
		rl.ResetsAt = *w.ResetsAt
	}
	return rl
}

func approvalOptions(options []string) []string {
	if len(options) > 0 {
		return options
	}
	return slices.Clone(codex.DefaultApprovalOptions)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
