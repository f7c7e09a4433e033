package pipeline

import (
	"github.com/kandev/eventpipe/internal/streams"
)

// turnTracker holds the per-session turn and context flags plus usage.
type turnTracker struct {
	hasAssistantOutputThisTurn bool
	expectingContextSummary    bool

	// subagentUsageFolded is set for backends whose turn totals already
	// include subagent usage.
	subagentUsageFolded bool
	primaryID           string

	session        UsageTotals
	byConversation map[string]*UsageTotals
	rateLimit      *streams.RateLimit
	contextWindow  int64
	contextUsed    int64
	turns          int64
}

func newTurnTracker(primaryID string, subagentUsageFolded bool) *turnTracker {
	return &turnTracker{
		primaryID:           primaryID,
		subagentUsageFolded: subagentUsageFolded,
		byConversation:      make(map[string]*UsageTotals),
	}
}

// MarkAssistantOutput records primary text or thinking output this turn.
func (t *turnTracker) MarkAssistantOutput() {
	t.hasAssistantOutputThisTurn = true
}

// CompleteTurn ends a primary turn. It reports whether the turn produced no
// assistant output and always resets the flag.
func (t *turnTracker) CompleteTurn() (silent bool) {
	silent = !t.hasAssistantOutputThisTurn
	t.hasAssistantOutputThisTurn = false
	t.turns++
	return silent
}

// BeginCompaction arms the summary redirect.
func (t *turnTracker) BeginCompaction() {
	t.expectingContextSummary = true
}

// ConsumeSummary decides whether a user input is a context summary and
// clears the expectation when it is. Synthetic and replayed inputs are always
// summaries; plain ones only right after a compaction.
func (t *turnTracker) ConsumeSummary(in *streams.UserInput) bool {
	if !t.expectingContextSummary && !in.IsSynthetic && !in.IsReplay {
		return false
	}
	t.expectingContextSummary = false
	return true
}

// RecordUsage attributes a usage report to a conversation. Subagent usage
// reaches the session total only when the backend does not fold it into the
// parent turn already.
func (t *turnTracker) RecordUsage(conversationID string, u *streams.Usage) {
	if u == nil {
		return
	}
	bucket, ok := t.byConversation[conversationID]
	if !ok {
		bucket = &UsageTotals{}
		t.byConversation[conversationID] = bucket
	}
	bucket.Add(u)

	if conversationID == t.primaryID || !t.subagentUsageFolded {
		t.session.Add(u)
	}
}

// RecordLimits keeps the latest rate limit and context window figures.
func (t *turnTracker) RecordLimits(ev *streams.UsageUpdated) {
	if ev.RateLimit != nil {
		rl := *ev.RateLimit
		t.rateLimit = &rl
	}
	if ev.ContextWindow > 0 {
		t.contextWindow = ev.ContextWindow
	}
	if ev.ContextUsed > 0 {
		t.contextUsed = ev.ContextUsed
	}
}

func (t *turnTracker) clear() {
	t.hasAssistantOutputThisTurn = false
	t.expectingContextSummary = false
}
