package ports

import (
	"context"
	"time"

	"callnet/internal/core/domain"
)

// CallMetrics records call lifecycle counters.
type CallMetrics interface {
	CallStarted(role domain.Role)
	CallConnected(role domain.Role, setup time.Duration)
	CallEnded(role domain.Role, reason domain.EndReason, duration time.Duration)
	SignalDropped(reason string)
	SignalSendFailed(kind domain.SignalKind)
}

// CallController is the entry point the presentation layer talks to.
type CallController interface {
	Listen(ctx context.Context) error
	StartCall(ctx context.Context) error
	EndCall()
	Accept() error
	Decline() error
	SetMicrophoneEnabled(enabled bool)
	SetCameraEnabled(enabled bool)
	State() domain.CallState
	Events() <-chan domain.CallEvent
	Close()
}

type noopMetrics struct{}

// NoopMetrics returns a CallMetrics that discards everything.
func NoopMetrics() CallMetrics { return noopMetrics{} }

func (noopMetrics) CallStarted(domain.Role)                                {}
func (noopMetrics) CallConnected(domain.Role, time.Duration)               {}
func (noopMetrics) CallEnded(domain.Role, domain.EndReason, time.Duration) {}
func (noopMetrics) SignalDropped(string)                                   {}
func (noopMetrics) SignalSendFailed(domain.SignalKind)                     {}
