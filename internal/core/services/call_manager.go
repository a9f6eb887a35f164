package services

import (
	"context"
	"fmt"
	"sync"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"

	"go.uber.org/zap"
)

// ManagerConfig holds the call defaults applied to every controller.
type ManagerConfig struct {
	LocalParty domain.PartyID
	Defaults   ControllerConfig
}

// CallManager owns the controllers of one local party, one per session.
type CallManager struct {
	cfg  ManagerConfig
	deps Dependencies
	log  *zap.SugaredLogger

	mu          sync.RWMutex
	controllers map[domain.SessionID]*callController
	remotes     map[domain.SessionID]domain.PartyID
	closed      bool
}

// NewCallManager wraps deps.Devices so that only one call at a time holds the
// local camera and microphone.
func NewCallManager(cfg ManagerConfig, deps Dependencies) *CallManager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	deps.Devices = newExclusiveCapture(deps.Devices)
	return &CallManager{
		cfg:         cfg,
		deps:        deps,
		log:         deps.Logger.With("party_id", cfg.LocalParty),
		controllers: make(map[domain.SessionID]*callController),
		remotes:     make(map[domain.SessionID]domain.PartyID),
	}
}

// Open returns the controller for chatID, creating and listening on it the
// first time.
func (cm *CallManager) Open(ctx context.Context, chatID string, remote domain.PartyID) (ports.CallController, error) {
	sessionID := domain.SessionIDFromChat(chatID)

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil, domain.ErrControllerClosed
	}
	if c, ok := cm.controllers[sessionID]; ok {
		existing := cm.remotes[sessionID]
		cm.mu.Unlock()
		if existing != remote {
			return nil, fmt.Errorf("session %s already bound to %s", sessionID, existing)
		}
		return c, nil
	}

	cfg := cm.cfg.Defaults
	cfg.SessionID = sessionID
	cfg.LocalParty = cm.cfg.LocalParty
	cfg.RemoteParty = remote
	c, err := newCallController(cfg, cm.deps)
	if err != nil {
		cm.mu.Unlock()
		return nil, err
	}
	cm.controllers[sessionID] = c
	cm.remotes[sessionID] = remote
	cm.mu.Unlock()

	if err := c.Listen(ctx); err != nil {
		cm.remove(sessionID, c)
		c.Close()
		return nil, fmt.Errorf("listen on %s: %w", sessionID, err)
	}
	cm.log.Infow("session opened", "session_id", sessionID, "remote_party", remote)
	return c, nil
}

// Get returns the controller of an already opened chat.
func (cm *CallManager) Get(chatID string) (ports.CallController, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.controllers[domain.SessionIDFromChat(chatID)]
	if !ok {
		return nil, false
	}
	return c, true
}

// ActiveCalls counts sessions with a call in progress.
func (cm *CallManager) ActiveCalls() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	n := 0
	for _, c := range cm.controllers {
		if c.State().Active() {
			n++
		}
	}
	return n
}

// CloseSession ends the chat's call if any and forgets its controller.
func (cm *CallManager) CloseSession(chatID string) {
	sessionID := domain.SessionIDFromChat(chatID)
	cm.mu.Lock()
	c, ok := cm.controllers[sessionID]
	delete(cm.controllers, sessionID)
	delete(cm.remotes, sessionID)
	cm.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (cm *CallManager) remove(sessionID domain.SessionID, c *callController) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.controllers[sessionID] == c {
		delete(cm.controllers, sessionID)
		delete(cm.remotes, sessionID)
	}
}

// Close shuts every controller down.
func (cm *CallManager) Close() {
	cm.mu.Lock()
	cm.closed = true
	controllers := cm.controllers
	cm.controllers = make(map[domain.SessionID]*callController)
	cm.remotes = make(map[domain.SessionID]domain.PartyID)
	cm.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range controllers {
		wg.Add(1)
		go func(c *callController) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}

// exclusiveCapture hands out at most one local stream at a time. The lease is
// returned when the stream is stopped.
type exclusiveCapture struct {
	inner ports.DeviceCapture
	mu    sync.Mutex
	held  bool
}

func newExclusiveCapture(inner ports.DeviceCapture) *exclusiveCapture {
	if ec, ok := inner.(*exclusiveCapture); ok {
		return ec
	}
	return &exclusiveCapture{inner: inner}
}

func (e *exclusiveCapture) AcquireLocalStream(ctx context.Context) (domain.MediaStream, error) {
	e.mu.Lock()
	if e.held {
		e.mu.Unlock()
		return nil, &domain.DeviceError{Kind: domain.DeviceUnavailable, Cause: domain.ErrDeviceBusy}
	}
	e.held = true
	e.mu.Unlock()

	stream, err := e.inner.AcquireLocalStream(ctx)
	if err != nil {
		e.release()
		return nil, err
	}
	return &leasedStream{MediaStream: stream, release: e.release}, nil
}

func (e *exclusiveCapture) release() {
	e.mu.Lock()
	e.held = false
	e.mu.Unlock()
}

type leasedStream struct {
	domain.MediaStream
	once    sync.Once
	release func()
}

func (s *leasedStream) Stop() {
	s.once.Do(func() {
		s.MediaStream.Stop()
		s.release()
	})
}
