package services

import (
	"context"
	"sync"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/mailbox"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const closeWait = 5 * time.Second

// ControllerConfig describes one (local party, session) pair.
type ControllerConfig struct {
	SessionID          domain.SessionID
	LocalParty         domain.PartyID
	RemoteParty        domain.PartyID
	Policy             domain.AcceptPolicy
	AcceptTimeout      time.Duration
	NegotiationTimeout time.Duration
	MicrophoneEnabled  bool
	CameraEnabled      bool
}

// Dependencies are the collaborators shared by every call of a controller.
type Dependencies struct {
	Channel ports.SignalChannel
	Devices ports.DeviceCapture
	Peers   ports.PeerConnector
	Metrics ports.CallMetrics
	Clock   clock.Clock
	Logger  *zap.SugaredLogger
}

type callController struct {
	cfg  ControllerConfig
	deps Dependencies
	log  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	active    *callMachine
	idleSub   ports.Subscription
	listening bool
	closed    bool
	mic       bool
	cam       bool

	events *mailbox.Mailbox[domain.CallEvent]
	out    chan domain.CallEvent
	done   chan struct{}
}

// NewCallController builds a controller for one session. Call Listen to accept
// incoming calls; StartCall works without it.
func NewCallController(cfg ControllerConfig, deps Dependencies) (ports.CallController, error) {
	return newCallController(cfg, deps)
}

func newCallController(cfg ControllerConfig, deps Dependencies) (*callController, error) {
	if cfg.LocalParty == "" || cfg.RemoteParty == "" {
		return nil, domain.ErrInvalidParty
	}
	if cfg.LocalParty == cfg.RemoteParty {
		return nil, domain.ErrSelfCall
	}
	if !cfg.Policy.Valid() {
		cfg.Policy = domain.AcceptAuto
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NoopMetrics()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &callController{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With("session_id", cfg.SessionID, "party_id", cfg.LocalParty),
		ctx:    ctx,
		cancel: cancel,
		mic:    cfg.MicrophoneEnabled,
		cam:    cfg.CameraEnabled,
		events: mailbox.New[domain.CallEvent](),
		out:    make(chan domain.CallEvent),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

func (c *callController) pump() {
	defer close(c.out)
	for {
		ev, ok := c.events.Next(c.done)
		if !ok {
			return
		}
		select {
		case c.out <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *callController) Events() <-chan domain.CallEvent {
	return c.out
}

func (c *callController) State() domain.CallState {
	c.mu.Lock()
	m := c.active
	c.mu.Unlock()
	if m == nil {
		return domain.StateIdle
	}
	if s := m.State(); s != domain.StateEnded {
		return s
	}
	return domain.StateIdle
}

// Listen subscribes to the session so an inbound CallRequest can start a call.
func (c *callController) Listen(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrControllerClosed
	}
	c.listening = true
	busy := c.active != nil || c.idleSub != nil
	c.mu.Unlock()

	if busy {
		return nil
	}
	return c.subscribeIdle(ctx)
}

func (c *callController) subscribeIdle(ctx context.Context) error {
	sub, err := c.deps.Channel.Subscribe(ctx, c.cfg.SessionID, c.route)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.active != nil || c.idleSub != nil {
		// Someone else already holds the session's subscription.
		sub.Unsubscribe()
		return nil
	}
	c.idleSub = sub
	return nil
}

// route is the handler of the single subscription this controller owns at a
// time, whether idle or handed over to a call.
func (c *callController) route(msg domain.SignalMessage) {
	c.mu.Lock()
	m := c.active
	if m == nil {
		if c.closed || c.idleSub == nil || msg.Kind != domain.KindCallRequest ||
			msg.To != c.cfg.LocalParty || msg.From != c.cfg.RemoteParty {
			c.mu.Unlock()
			c.log.Debugw("signal ignored while idle", "kind", msg.Kind, "from", msg.From, "to", msg.To)
			return
		}
		m = c.newMachine(domain.RoleCallee)
		m.adopt(c.idleSub)
		c.idleSub = nil
		c.active = m
		m.start()
	}
	c.mu.Unlock()

	m.post(inboundSignalEvent{msg: msg})
}

// newMachine must be called with c.mu held.
func (c *callController) newMachine(role domain.Role) *callMachine {
	session := domain.CallSession{
		ID:          domain.CallID(uuid.NewString()),
		SessionID:   c.cfg.SessionID,
		LocalParty:  c.cfg.LocalParty,
		RemoteParty: c.cfg.RemoteParty,
		Role:        role,
		State:       domain.StateIdle,
		CreatedAt:   c.deps.Clock.Now(),
	}
	cfg := machineConfig{
		Policy:             c.cfg.Policy,
		AcceptTimeout:      c.cfg.AcceptTimeout,
		NegotiationTimeout: c.cfg.NegotiationTimeout,
		Microphone:         c.mic,
		Camera:             c.cam,
	}
	return newCallMachine(c.ctx, session, cfg, machineDeps{
		channel: c.deps.Channel,
		devices: c.deps.Devices,
		peers:   c.deps.Peers,
		metrics: c.deps.Metrics,
		clock:   c.deps.Clock,
		logger:  c.deps.Logger,
		emit:    c.emit,
		onEnded: c.ended,
	})
}

func (c *callController) emit(ev domain.CallEvent) {
	c.events.Post(ev)
}

func (c *callController) ended(m *callMachine) {
	c.mu.Lock()
	if c.active == m {
		c.active = nil
	}
	relisten := c.listening && !c.closed
	c.mu.Unlock()

	if relisten {
		go func() {
			if err := c.subscribeIdle(c.ctx); err != nil && c.ctx.Err() == nil {
				c.log.Warnw("failed to resume listening", "error", err)
			}
		}()
	}
}

// StartCall begins an outgoing call. It returns once the session exists; the
// outcome arrives on Events.
func (c *callController) StartCall(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrControllerClosed
	}
	if c.active != nil {
		c.mu.Unlock()
		return domain.ErrCallActive
	}
	m := c.newMachine(domain.RoleCaller)
	m.post(startCallEvent{})
	sub := c.idleSub
	c.idleSub = nil
	c.active = m
	c.mu.Unlock()

	if sub == nil {
		var err error
		sub, err = c.deps.Channel.Subscribe(ctx, c.cfg.SessionID, c.route)
		if err != nil {
			c.mu.Lock()
			if c.active == m {
				c.active = nil
			}
			c.mu.Unlock()
			return err
		}
	}
	m.adopt(sub)
	m.start()
	return nil
}

func (c *callController) current() *callMachine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *callController) EndCall() {
	if m := c.current(); m != nil {
		m.post(endCallEvent{})
	}
}

func (c *callController) Accept() error {
	m := c.current()
	if m == nil {
		return domain.ErrNoActiveCall
	}
	reply := make(chan error, 1)
	return m.request(acceptEvent{reply: reply}, reply)
}

func (c *callController) Decline() error {
	m := c.current()
	if m == nil {
		return domain.ErrNoActiveCall
	}
	reply := make(chan error, 1)
	return m.request(declineEvent{reply: reply}, reply)
}

func (c *callController) SetMicrophoneEnabled(enabled bool) {
	c.setMedia(domain.TrackAudio, enabled)
}

func (c *callController) SetCameraEnabled(enabled bool) {
	c.setMedia(domain.TrackVideo, enabled)
}

func (c *callController) setMedia(kind domain.TrackKind, enabled bool) {
	c.mu.Lock()
	if kind == domain.TrackAudio {
		c.mic = enabled
	} else {
		c.cam = enabled
	}
	m := c.active
	c.mu.Unlock()

	if m != nil {
		m.post(mediaToggleEvent{kind: kind, enabled: enabled})
	}
}

// Close ends any active call, stops listening and closes the event stream.
func (c *callController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.listening = false
	m := c.active
	sub := c.idleSub
	c.idleSub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if m != nil {
		m.post(endCallEvent{})
		select {
		case <-m.Done():
		case <-time.After(closeWait):
			c.log.Warnw("call did not finish before close", "call_id", m.session.ID)
		}
	}
	c.cancel()
	c.events.Close()
	close(c.done)
}
