package adapter

import (
	"fmt"

	"github.com/kandev/eventpipe/internal/adapter/transport/acp"
	"github.com/kandev/eventpipe/internal/adapter/transport/codex"
	"github.com/kandev/eventpipe/internal/adapter/transport/shared"
	"github.com/kandev/eventpipe/internal/adapter/transport/streamjson"
	"github.com/kandev/eventpipe/internal/common/logger"
)

// Protocols lists the supported wire protocols.
func Protocols() []string {
	return []string{shared.ProtocolStreamJSON, shared.ProtocolCodex, shared.ProtocolACP}
}

// NewDecoder creates a decoder for one session of the given protocol.
// It returns an error if the protocol is not supported.
func NewDecoder(protocol, sessionID string, log *logger.Logger) (Decoder, error) {
	switch protocol {
	case shared.ProtocolStreamJSON:
		return streamjson.NewDecoder(sessionID, log), nil
	case shared.ProtocolCodex:
		return codex.NewDecoder(sessionID, log), nil
	case shared.ProtocolACP:
		return acp.NewDecoder(sessionID, log), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}
