// Package streams defines the canonical, backend-agnostic events the session
// pipeline consumes.
//
// Every backend decoder (Claude Code stream-json, Codex JSON-RPC, ACP)
// translates its wire messages into these variants. The set is closed: Event
// can only be implemented inside this package, and AllKinds lists every
// variant so consumers can check that their dispatch covers the whole set.
//
// Routing fields shared by all variants live in Meta:
//   - CallID: correlation key of a tool invocation or agent instance
//   - ParentCallID: call id of the agent that produced the event; empty means
//     the primary agent
//   - Raw: the original wire payload, kept for debugging and replay
//
// Wire messages a decoder does not recognize become Unknown events carrying
// the type tag and payload, so they surface in the transcript instead of
// disappearing.
package streams
