package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestCallSpan_RecordsTransitionsAndReason(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartCallSpan(context.Background(), "videocall:1", "c-1", "caller")
	RecordTransition(span, "idle", "requesting")
	RecordSignal(span, "out", "call-request")
	EndCallSpan(span, "connection-error", true, errors.New("ice-failed"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	s := ended[0]
	assert.Equal(t, "call.session", s.Name())
	assert.Equal(t, codes.Error, s.Status().Code)

	var names []string
	for _, ev := range s.Events() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "transition")
	assert.Contains(t, names, "signal.out")
	assert.Contains(t, names, "exception")
}
