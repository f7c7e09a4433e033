package pipeline

import (
	"math"

	"github.com/kandev/eventpipe/internal/streams"
)

// UsageTotals aggregates token and cost figures.
type UsageTotals struct {
	InputTokens              int64   `json:"input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens"`
	ReasoningOutputTokens    int64   `json:"reasoning_output_tokens"`
	CostUSD                  float64 `json:"cost_usd"`
	Reports                  int64   `json:"reports"`
}

// Add folds u into the totals. Missing or negative values count as zero and
// counters stop at math.MaxInt64 instead of wrapping.
func (t *UsageTotals) Add(u *streams.Usage) {
	if u == nil {
		return
	}
	t.InputTokens = saturatingAdd(t.InputTokens, u.InputTokens)
	t.OutputTokens = saturatingAdd(t.OutputTokens, u.OutputTokens)
	t.CacheCreationInputTokens = saturatingAdd(t.CacheCreationInputTokens, u.CacheCreationInputTokens)
	t.CacheReadInputTokens = saturatingAdd(t.CacheReadInputTokens, u.CacheReadInputTokens)
	t.ReasoningOutputTokens = saturatingAdd(t.ReasoningOutputTokens, u.ReasoningOutputTokens)
	if u.CostUSD > 0 && !math.IsInf(u.CostUSD, 0) {
		t.CostUSD += u.CostUSD
	}
	t.Reports = saturatingAdd(t.Reports, 1)
}

// Total returns all token counters summed, saturating.
func (t UsageTotals) Total() int64 {
	sum := saturatingAdd(t.InputTokens, t.OutputTokens)
	sum = saturatingAdd(sum, t.CacheCreationInputTokens)
	sum = saturatingAdd(sum, t.CacheReadInputTokens)
	return saturatingAdd(sum, t.ReasoningOutputTokens)
}

func saturatingAdd(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
