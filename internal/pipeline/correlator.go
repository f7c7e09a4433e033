package pipeline

import (
	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/common/logger"
)

// toolCallRecord points a call id at the ToolUse entry created for it.
type toolCallRecord struct {
	ConversationID string
	EntryID        string
	Name           string
}

// correlator pairs tool completions with their invocation entries. Records
// are kept after pairing since a backend may reference the call again, e.g.
// to clean up a timed out permission prompt.
type correlator struct {
	calls  map[string]toolCallRecord
	model  ChatModel
	logger *logger.Logger
}

func newCorrelator(model ChatModel, log *logger.Logger) *correlator {
	return &correlator{
		calls:  make(map[string]toolCallRecord),
		model:  model,
		logger: log,
	}
}

// RecordInvocation stores rec under callID. Duplicates replace the old record.
func (c *correlator) RecordInvocation(callID string, rec toolCallRecord) {
	c.calls[callID] = rec
}

// Lookup returns the record for callID.
func (c *correlator) Lookup(callID string) (toolCallRecord, bool) {
	rec, ok := c.calls[callID]
	return rec, ok
}

// PairCompletion writes the result into the invocation's entry in place.
// It returns false when callID has no record.
func (c *correlator) PairCompletion(callID, output string, isError bool) bool {
	rec, ok := c.calls[callID]
	if !ok {
		c.logger.Warn("tool completion for unknown call", zap.String("call_id", callID))
		return false
	}
	if err := c.model.MutateToolResult(rec.ConversationID, rec.EntryID, output, isError); err != nil {
		c.logger.Warn("failed to apply tool result",
			zap.String("call_id", callID),
			zap.String("conversation_id", rec.ConversationID),
			zap.Error(err))
		return false
	}
	c.model.PersistToolResult(callID, output, isError)
	c.model.RemovePendingPermission(callID)
	c.model.NotifyChanged(rec.ConversationID)
	return true
}

func (c *correlator) clear() {
	c.calls = make(map[string]toolCallRecord)
}
