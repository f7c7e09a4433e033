package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "text", "console"} {
		t.Run(format, func(t *testing.T) {
			log, err := NewLogger(LoggingConfig{Level: "debug", Format: format, OutputPath: "stderr"})
			require.NoError(t, err)
			require.NotNil(t, log.Zap())
			assert.True(t, log.Zap().Core().Enabled(zapcore.DebugLevel))
		})
	}
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "loud", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.False(t, log.Zap().Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Zap().Core().Enabled(zapcore.InfoLevel))
}

func TestLogger_DomainFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := New(zap.New(core))

	log.WithSessionID("s1").WithConversationID("c1").WithCallID("call-1").Warn("orphan completion")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "s1", fields["session_id"])
	assert.Equal(t, "c1", fields["conversation_id"])
	assert.Equal(t, "call-1", fields["call_id"])
}

func TestLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := New(zap.New(core))

	log.WithContext(context.Background()).Info("no session")
	ctx := context.WithValue(context.Background(), SessionIDKey, "s9")
	log.WithContext(ctx).Info("with session")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.NotContains(t, entries[0].ContextMap(), "session_id")
	assert.Equal(t, "s9", entries[1].ContextMap()["session_id"])
}
