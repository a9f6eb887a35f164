package ports

import (
	"context"

	"callnet/internal/core/domain"
)

// SignalHandler receives inbound messages of one subscription, one at a time.
type SignalHandler func(msg domain.SignalMessage)

// Subscription releases a SignalChannel listener. The owner calls Unsubscribe
// exactly once; implementations treat further calls as no-ops.
type Subscription interface {
	Unsubscribe()
}

// SignalChannel is a best-effort, at-most-once transport scoped by session id.
// Send failures are reported for logging only and carry no delivery guarantee.
type SignalChannel interface {
	Send(ctx context.Context, sessionID domain.SessionID, msg domain.SignalMessage) error
	Subscribe(ctx context.Context, sessionID domain.SessionID, handler SignalHandler) (Subscription, error)
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }
