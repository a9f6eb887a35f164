package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AttachesCallFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core).Sugar())

	ctx := WithSession(context.Background(), "videocall:1")
	ctx = WithCall(ctx, "c-1")
	cl.LogInfo(ctx, "call started", "role", "caller")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "videocall:1", fields["session_id"])
		assert.Equal(t, "c-1", fields["call_id"])
		assert.Equal(t, "caller", fields["role"])
		assert.NotContains(t, fields, "party_id")
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("loud")
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
}
