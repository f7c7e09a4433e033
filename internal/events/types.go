// Package events provides event types and subjects for conversation change notifications.
package events

// Event types published after the pipeline mutates a session's model
const (
	ConversationChanged = "conversation.changed"
	SessionTitled       = "session.titled"
	SessionCleared      = "session.cleared"
)

// SessionChangedSubject returns the subject carrying change notifications for one session.
func SessionChangedSubject(sessionID string) string {
	return "session." + sessionID + ".changed"
}

// AllSessionsChangedSubject matches change notifications for every session.
const AllSessionsChangedSubject = "session.*.changed"
