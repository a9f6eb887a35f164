package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	signalinfra "callnet/internal/infrastructure/signal"
	"callnet/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type refusingConnector struct{}

func (refusingConnector) Create(context.Context, domain.MediaStream, bool, func(domain.PeerEvent)) (ports.PeerAdapter, error) {
	return nil, errors.New("no transport in tests")
}

func TestNewManager_RecordsCallMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	log := zaptest.NewLogger(t).Sugar()
	channel := signalinfra.NewMemoryChannel(log)
	defer channel.Close()

	manager := newManager(config.DefaultConfig(), "alice", channel, refusingConnector{}, reg, log)
	defer manager.Close()

	ctx := context.Background()
	ctrl, err := manager.Open(ctx, "chat-1", "bob")
	require.NoError(t, err)
	require.NoError(t, ctrl.StartCall(ctx))
	ctrl.EndCall()

	deadline := time.After(5 * time.Second)
	for ended := false; !ended; {
		select {
		case ev := <-ctrl.Events():
			ended = ev.Type == domain.EventEnded
		case <-deadline:
			t.Fatal("call never ended")
		}
	}

	expected := `
# HELP callnet_calls_started_total Call attempts started, by role
# TYPE callnet_calls_started_total counter
callnet_calls_started_total{role="caller"} 1
# HELP callnet_calls_ended_total Call attempts ended, by role and reason
# TYPE callnet_calls_ended_total counter
callnet_calls_ended_total{reason="local-ended",role="caller"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"callnet_calls_started_total", "callnet_calls_ended_total"))
}

func TestValidateOptions(t *testing.T) {
	assert.NoError(t, validateOptions(options{chatID: "chat-1", self: "alice", peer: "bob"}))
	assert.Error(t, validateOptions(options{chatID: "chat 1", self: "alice", peer: "bob"}))
	assert.Error(t, validateOptions(options{chatID: "chat-1", self: "alice", peer: "alice"}))
	assert.Error(t, validateOptions(options{chatID: "chat-1", self: "", peer: "bob"}))
}
