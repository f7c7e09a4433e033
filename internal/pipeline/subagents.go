package pipeline

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/chat"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/streams"
)

// unknownPlaceholder substitutes missing agent type and description.
const unknownPlaceholder = "unknown"

// subagentManager creates, resumes and completes subagent conversations.
// Several call ids may map to one agent across resumes.
type subagentManager struct {
	model       ChatModel
	resolver    *resolver
	agentByCall map[string]string // callID -> sdkAgentID
	failures    map[string]bool
	logger      *logger.Logger
}

func newSubagentManager(model ChatModel, r *resolver, failureStatuses []string, log *logger.Logger) *subagentManager {
	failures := make(map[string]bool, len(failureStatuses))
	for _, s := range failureStatuses {
		failures[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return &subagentManager{
		model:       model,
		resolver:    r,
		agentByCall: make(map[string]string),
		failures:    failures,
		logger:      log,
	}
}

// Spawn routes ev.CallID to a subagent conversation and returns its id.
// A resume whose id matches no known agent falls back to a new spawn. A spawn
// resent for a call that already owns an agent keeps that agent's
// conversation and reports resent.
func (s *subagentManager) Spawn(ev *streams.SubagentSpawned) (conv string, resent bool, err error) {
	if agentID, ok := s.agentByCall[ev.CallID]; ok && ev.ResumeAgentID == "" {
		if existing, found := s.model.Agent(agentID); found {
			s.logger.Debug("subagent spawn resent, keeping conversation",
				zap.String("call_id", ev.CallID),
				zap.String("sdk_agent_id", agentID),
				zap.String("conversation_id", existing.ConversationID))
			return existing.ConversationID, true, nil
		}
	}

	if ev.ResumeAgentID != "" {
		if existing, ok := s.model.FindAgentByResumeID(ev.ResumeAgentID); ok {
			if err := s.model.UpdateAgentStatus(existing.SDKAgentID, chat.AgentWorking, chat.AgentUpdate{}); err != nil {
				return "", false, err
			}
			s.resolver.register(ev.CallID, existing.ConversationID)
			s.agentByCall[ev.CallID] = existing.SDKAgentID
			s.logger.Debug("subagent resumed",
				zap.String("call_id", ev.CallID),
				zap.String("sdk_agent_id", existing.SDKAgentID),
				zap.String("resume_id", ev.ResumeAgentID))
			return existing.ConversationID, false, nil
		}
		s.logger.Warn("resume id matches no subagent, spawning a new one",
			zap.String("call_id", ev.CallID),
			zap.String("resume_id", ev.ResumeAgentID))
	}

	agentType := ev.AgentType
	if agentType == "" {
		s.logger.Warn("subagent spawn without agent type", zap.String("call_id", ev.CallID))
		agentType = unknownPlaceholder
	}
	description := ev.Description
	if description == "" {
		s.logger.Warn("subagent spawn without description", zap.String("call_id", ev.CallID))
		description = unknownPlaceholder
	}

	agent, err := s.model.CreateSubagentConversation(ev.CallID, agentType, description)
	if err != nil {
		return "", false, err
	}
	if err := s.model.UpdateAgentStatus(agent.SDKAgentID, chat.AgentWorking, chat.AgentUpdate{}); err != nil {
		return "", false, err
	}
	s.resolver.register(ev.CallID, agent.ConversationID)
	s.agentByCall[ev.CallID] = agent.SDKAgentID
	return agent.ConversationID, false, nil
}

// Complete records the terminal status of the agent spawned by ev.CallID.
// It returns the agent's conversation id, or "" if the agent is unknown.
func (s *subagentManager) Complete(ev *streams.SubagentCompleted) string {
	agentID := s.AgentIDFor(ev.CallID)
	status := s.TerminalStatus(ev.Status)

	err := s.model.UpdateAgentStatus(agentID, status, chat.AgentUpdate{Result: ev.Result, ResumeID: ev.ResumeID})
	if errors.Is(err, chat.ErrAgentNotFound) {
		s.logger.Warn("completion for unknown subagent",
			zap.String("call_id", ev.CallID),
			zap.String("sdk_agent_id", agentID))
		return ""
	}
	if err != nil {
		s.logger.Warn("failed to update subagent status", zap.String("sdk_agent_id", agentID), zap.Error(err))
		return ""
	}
	return s.resolver.Resolve(ev.CallID)
}

// AgentIDFor maps a spawning call id to its agent id, falling back to the
// call id itself for agents whose spawn was missed.
func (s *subagentManager) AgentIDFor(callID string) string {
	if id, ok := s.agentByCall[callID]; ok {
		return id
	}
	return callID
}

// TerminalStatus maps a backend status string to completed or error. Only
// listed failure codes count as errors.
func (s *subagentManager) TerminalStatus(status string) chat.AgentStatus {
	if s.failures[strings.ToLower(strings.TrimSpace(status))] {
		return chat.AgentError
	}
	return chat.AgentCompleted
}

func (s *subagentManager) clear() {
	s.agentByCall = make(map[string]string)
}
