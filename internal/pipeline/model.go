package pipeline

import "github.com/kandev/eventpipe/internal/chat"

// ChatModel is the mutation surface the pipeline needs from a session's
// conversation tree. *chat.Model implements it.
type ChatModel interface {
	PrimaryConversationID() string
	AddEntry(conversationID string, entry chat.Entry) (string, error)
	UpdateEntry(conversationID, entryID string, mutate func(chat.Entry)) error
	MutateToolResult(conversationID, entryID, output string, isError bool) error
	PersistToolResult(callID, output string, isError bool)
	NotifyChanged(conversationID string)

	Agent(sdkAgentID string) (*chat.AgentRecord, bool)
	FindAgentByResumeID(resumeID string) (*chat.AgentRecord, bool)
	UpdateAgentStatus(sdkAgentID string, status chat.AgentStatus, update chat.AgentUpdate) error
	CreateSubagentConversation(callID, agentType, description string) (*chat.AgentRecord, error)

	AddPendingPermission(p chat.PendingPermission)
	RemovePendingPermission(callID string)

	SetMeta(meta chat.SessionMeta)
	SetStatus(status string)
}

var _ ChatModel = (*chat.Model)(nil)
