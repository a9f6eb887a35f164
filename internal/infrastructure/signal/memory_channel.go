package signal

import (
	"context"
	"sync"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/mailbox"

	"go.uber.org/zap"
)

// MemoryChannel is an in-process broadcast hub. Every subscriber of a session,
// the sender's own subscription included, receives each message. It backs the
// relay when no Redis is configured and serves as the transport in tests.
type MemoryChannel struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]map[*memorySubscription]struct{}
	closed   bool

	logger *zap.SugaredLogger
}

func NewMemoryChannel(logger *zap.SugaredLogger) *MemoryChannel {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MemoryChannel{
		sessions: make(map[domain.SessionID]map[*memorySubscription]struct{}),
		logger:   logger,
	}
}

type memorySubscription struct {
	hub       *MemoryChannel
	sessionID domain.SessionID
	handler   ports.SignalHandler
	inbox     *mailbox.Mailbox[domain.SignalMessage]
	done      chan struct{}
	once      sync.Once
}

func (s *memorySubscription) run() {
	for {
		msg, ok := s.inbox.Next(s.done)
		if !ok {
			return
		}
		s.handler(msg)
	}
}

func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s)
		s.inbox.Close()
		close(s.done)
	})
}

func (h *MemoryChannel) Send(ctx context.Context, sessionID domain.SessionID, msg domain.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !msg.Kind.Valid() {
		return domain.ErrUnknownKind
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return domain.ErrChannelClosed
	}
	subs := h.sessions[sessionID]
	for sub := range subs {
		sub.inbox.Post(msg)
	}
	h.logger.Debugw("signal broadcast",
		"session_id", sessionID,
		"kind", msg.Kind,
		"from", msg.From,
		"subscribers", len(subs),
	)
	return nil
}

func (h *MemoryChannel) Subscribe(ctx context.Context, sessionID domain.SessionID, handler ports.SignalHandler) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		hub:       h,
		sessionID: sessionID,
		handler:   handler,
		inbox:     mailbox.New[domain.SignalMessage](),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = make(map[*memorySubscription]struct{})
		h.sessions[sessionID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Subscribers returns the number of live subscriptions on a session.
func (h *MemoryChannel) Subscribers(sessionID domain.SessionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *MemoryChannel) remove(sub *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.sessions[sub.sessionID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.sessions, sub.sessionID)
	}
}

// Close drops every subscription. Later Send and Subscribe calls fail with
// domain.ErrChannelClosed.
func (h *MemoryChannel) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*memorySubscription
	for _, set := range h.sessions {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
