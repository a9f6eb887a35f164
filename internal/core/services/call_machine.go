package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/mailbox"
	"callnet/pkg/tracing"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const sendTimeout = 5 * time.Second

// machineEvent is the closed set of inputs of a call session actor.
type machineEvent interface {
	machineEvent()
}

type (
	startCallEvent     struct{}
	endCallEvent       struct{}
	inboundSignalEvent struct{ msg domain.SignalMessage }
	acceptEvent        struct{ reply chan error }
	declineEvent       struct{ reply chan error }
	timeoutEvent       struct{ seq uint64 }
	mediaToggleEvent   struct {
		kind    domain.TrackKind
		enabled bool
	}
	streamResultEvent struct {
		stream domain.MediaStream
		err    error
	}
	peerEventEnvelope struct {
		gen uint64
		ev  domain.PeerEvent
	}
)

func (startCallEvent) machineEvent()     {}
func (endCallEvent) machineEvent()       {}
func (inboundSignalEvent) machineEvent() {}
func (acceptEvent) machineEvent()        {}
func (declineEvent) machineEvent()       {}
func (timeoutEvent) machineEvent()       {}
func (mediaToggleEvent) machineEvent()   {}
func (streamResultEvent) machineEvent()  {}
func (peerEventEnvelope) machineEvent()  {}

// discard cleans up an event that will never be handled.
func discard(ev machineEvent) {
	switch e := ev.(type) {
	case streamResultEvent:
		if e.stream != nil {
			e.stream.Stop()
		}
	case acceptEvent:
		e.reply <- domain.ErrNoActiveCall
	case declineEvent:
		e.reply <- domain.ErrNoActiveCall
	}
}

type timerKind int

const (
	timerNone timerKind = iota
	timerAccept
	timerRing
	timerNegotiation
)

type machineConfig struct {
	Policy             domain.AcceptPolicy
	AcceptTimeout      time.Duration
	NegotiationTimeout time.Duration
	Microphone         bool
	Camera             bool
}

type machineDeps struct {
	channel ports.SignalChannel
	devices ports.DeviceCapture
	peers   ports.PeerConnector
	metrics ports.CallMetrics
	clock   clock.Clock
	logger  *zap.SugaredLogger
	emit    func(domain.CallEvent)
	onEnded func(*callMachine)
}

// callMachine is the actor owning one call attempt. Every field below the
// mailbox is touched only by the run goroutine.
type callMachine struct {
	cfg   machineConfig
	deps  machineDeps
	inbox *mailbox.Mailbox[machineEvent]
	done  chan struct{}
	state atomic.Value // domain.CallState

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	log    *zap.SugaredLogger

	session     domain.CallSession
	sub         ports.Subscription
	local       domain.MediaStream
	remote      domain.MediaStream
	adapter     ports.PeerAdapter
	adapterGen  uint64
	acquiring   bool
	accepted    bool
	requestSent bool
	desired     map[domain.TrackKind]bool

	timer     *clock.Timer
	timerKind timerKind
	timerSeq  uint64

	startOnce sync.Once
}

func newCallMachine(ctx context.Context, session domain.CallSession, cfg machineConfig, deps machineDeps) *callMachine {
	ctx, cancel := context.WithCancel(ctx)
	m := &callMachine{
		cfg:     cfg,
		deps:    deps,
		inbox:   mailbox.New[machineEvent](),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		session: session,
		span:    trace.SpanFromContext(ctx),
		desired: map[domain.TrackKind]bool{
			domain.TrackAudio: cfg.Microphone,
			domain.TrackVideo: cfg.Camera,
		},
		log: deps.logger.With(
			"session_id", session.SessionID,
			"call_id", session.ID,
			"role", session.Role,
			"remote_party", session.RemoteParty,
		),
	}
	m.state.Store(domain.StateIdle)
	return m
}

// adopt hands the channel subscription to the session. Must precede start.
func (m *callMachine) adopt(sub ports.Subscription) {
	m.sub = sub
}

func (m *callMachine) start() {
	m.startOnce.Do(func() { go m.run() })
}

func (m *callMachine) post(ev machineEvent) bool {
	if !m.inbox.Post(ev) {
		discard(ev)
		return false
	}
	return true
}

// request posts ev and waits for the handler's reply.
func (m *callMachine) request(ev machineEvent, reply chan error) error {
	if !m.post(ev) {
		return domain.ErrNoActiveCall
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		select {
		case err := <-reply:
			return err
		default:
			return domain.ErrNoActiveCall
		}
	}
}

func (m *callMachine) State() domain.CallState {
	return m.state.Load().(domain.CallState)
}

func (m *callMachine) Done() <-chan struct{} {
	return m.done
}

func (m *callMachine) run() {
	defer m.finish()
	for {
		ev, ok := m.inbox.Next(m.ctx.Done())
		if !ok {
			m.end(domain.ReasonLocalEnded, nil, true)
			return
		}
		m.dispatch(ev)
		if m.status() == domain.StateEnded {
			return
		}
	}
}

func (m *callMachine) finish() {
	for _, ev := range m.inbox.Close() {
		discard(ev)
	}
	close(m.done)
	if m.deps.onEnded != nil {
		m.deps.onEnded(m)
	}
}

func (m *callMachine) dispatch(ev machineEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("call handler panicked", "panic", r)
			m.end(domain.ReasonInternalError, fmt.Errorf("panic: %v", r), true)
		}
	}()

	switch e := ev.(type) {
	case startCallEvent:
		m.onStartCall()
	case endCallEvent:
		if m.status().Active() {
			m.end(domain.ReasonLocalEnded, nil, true)
		}
	case inboundSignalEvent:
		m.onSignal(e.msg)
	case acceptEvent:
		e.reply <- m.accept()
	case declineEvent:
		e.reply <- m.decline()
	case timeoutEvent:
		m.onTimeout(e.seq)
	case mediaToggleEvent:
		m.desired[e.kind] = e.enabled
		if s := m.status(); s == domain.StateConnecting || s == domain.StateConnected {
			domain.SetKindEnabled(m.local, e.kind, e.enabled)
		}
	case streamResultEvent:
		m.onStreamResult(e.stream, e.err)
	case peerEventEnvelope:
		m.onPeerEvent(e.gen, e.ev)
	}
}

func (m *callMachine) status() domain.CallState {
	return m.session.State
}

func (m *callMachine) transition(to domain.CallState) {
	from := m.session.State
	m.session.State = to
	m.state.Store(to)
	tracing.RecordTransition(m.span, string(from), string(to))
	m.log.Infow("call state changed", "from", from, "to", to)

	var typ domain.CallEventType
	switch to {
	case domain.StateRequesting:
		typ = domain.EventRequesting
	case domain.StateRinging:
		typ = domain.EventRinging
	case domain.StateConnecting:
		typ = domain.EventConnecting
	case domain.StateConnected:
		typ = domain.EventConnected
	default:
		return
	}
	m.notify(typ, domain.ReasonNone, nil)
}

func (m *callMachine) notify(typ domain.CallEventType, reason domain.EndReason, err error) {
	if m.deps.emit == nil {
		return
	}
	m.deps.emit(domain.CallEvent{
		Type:         typ,
		CallID:       m.session.ID,
		SessionID:    m.session.SessionID,
		Role:         m.session.Role,
		RemoteParty:  m.session.RemoteParty,
		Reason:       reason,
		Err:          err,
		LocalStream:  m.local,
		RemoteStream: m.remote,
		At:           m.deps.clock.Now(),
	})
}

func (m *callMachine) beginSpan() {
	_, m.span = tracing.StartCallSpan(m.ctx, string(m.session.SessionID), string(m.session.ID), string(m.session.Role))
	m.deps.metrics.CallStarted(m.session.Role)
}

func (m *callMachine) onStartCall() {
	if m.status() != domain.StateIdle || m.session.Role != domain.RoleCaller {
		return
	}
	m.beginSpan()
	m.arm(timerAccept, m.untilDeadline(m.cfg.AcceptTimeout))
	m.transition(domain.StateRequesting)
	m.acquire()
}

func (m *callMachine) ring() {
	m.beginSpan()
	m.arm(timerRing, m.untilDeadline(m.cfg.AcceptTimeout))
	m.transition(domain.StateRinging)
	if m.cfg.Policy == domain.AcceptAuto {
		_ = m.accept()
	}
}

func (m *callMachine) accept() error {
	if m.status() != domain.StateRinging || m.accepted {
		return domain.ErrNotRinging
	}
	m.accepted = true
	m.log.Infow("incoming call accepted", "policy", m.cfg.Policy)
	// The call is answered; from here only a stalled offer can time it out.
	m.arm(timerNegotiation, m.cfg.NegotiationTimeout)
	m.acquire()
	return nil
}

func (m *callMachine) decline() error {
	if m.status() != domain.StateRinging || m.accepted {
		return domain.ErrNotRinging
	}
	m.end(domain.ReasonDeclined, nil, true)
	return nil
}

func (m *callMachine) acquire() {
	if m.acquiring || m.local != nil {
		return
	}
	m.acquiring = true
	ctx := m.ctx
	go func() {
		stream, err := m.deps.devices.AcquireLocalStream(ctx)
		m.post(streamResultEvent{stream: stream, err: err})
	}()
}

func (m *callMachine) onStreamResult(stream domain.MediaStream, err error) {
	m.acquiring = false
	if !m.status().Active() || m.local != nil {
		if stream != nil {
			stream.Stop()
		}
		return
	}

	if err != nil {
		var de *domain.DeviceError
		if !errors.As(err, &de) {
			err = &domain.DeviceError{Kind: domain.DeviceUnavailable, Cause: err}
		}
		m.log.Warnw("local media unavailable", "error", err)
		// The caller has not announced itself yet; a callee leaves a caller waiting.
		m.end(domain.ReasonDeviceDenied, err, m.session.Role == domain.RoleCallee)
		return
	}
	m.local = stream

	switch m.session.Role {
	case domain.RoleCaller:
		m.requestSent = true
		m.send(domain.KindCallRequest, nil)
	case domain.RoleCallee:
		m.send(domain.KindCallAccepted, nil)
		m.connectPeer(false)
	}
}

func (m *callMachine) onSignal(msg domain.SignalMessage) {
	switch {
	case msg.From == m.session.LocalParty:
		m.drop(msg, "echo")
		return
	case msg.To != m.session.LocalParty:
		m.drop(msg, "misaddressed")
		return
	case msg.From != m.session.RemoteParty:
		m.drop(msg, "foreign-sender")
		return
	}
	tracing.RecordSignal(m.span, "in", string(msg.Kind))

	state := m.status()
	switch msg.Kind {
	case domain.KindCallRequest:
		if state != domain.StateIdle || m.session.Role != domain.RoleCallee {
			m.drop(msg, "call-active")
			return
		}
		m.ring()

	case domain.KindCallAccepted:
		if state != domain.StateRequesting || !m.requestSent {
			m.drop(msg, "unexpected")
			return
		}
		m.arm(timerNegotiation, m.cfg.NegotiationTimeout)
		m.transition(domain.StateConnecting)
		m.applyDesired()
		m.connectPeer(true)

	case domain.KindCallEnded:
		if !state.Active() {
			m.drop(msg, "inactive")
			return
		}
		m.end(domain.ReasonRemoteEnded, nil, false)

	case domain.KindSdpOffer, domain.KindSdpAnswer, domain.KindIceCandidate:
		if m.adapter == nil {
			m.drop(msg, "no-adapter")
			return
		}
		if err := m.adapter.Feed(msg.Kind, msg.Payload); err != nil {
			m.log.Warnw("dropping negotiation message", "kind", msg.Kind, "error", err)
			m.deps.metrics.SignalDropped("malformed")
			return
		}
		if msg.Kind == domain.KindSdpOffer && state == domain.StateRinging {
			m.arm(timerNegotiation, m.cfg.NegotiationTimeout)
			m.transition(domain.StateConnecting)
			m.applyDesired()
		}
	}
}

func (m *callMachine) drop(msg domain.SignalMessage, reason string) {
	m.log.Debugw("signal discarded", "kind", msg.Kind, "from", msg.From, "to", msg.To, "reason", reason, "state", m.status())
	m.deps.metrics.SignalDropped(reason)
}

func (m *callMachine) applyDesired() {
	for kind, enabled := range m.desired {
		domain.SetKindEnabled(m.local, kind, enabled)
	}
}

func (m *callMachine) connectPeer(initiator bool) {
	m.adapterGen++
	gen := m.adapterGen
	emit := func(ev domain.PeerEvent) {
		m.post(peerEventEnvelope{gen: gen, ev: ev})
	}

	adapter, err := m.deps.peers.Create(m.ctx, m.local, initiator, emit)
	if err != nil {
		m.log.Errorw("failed to create peer connection", "error", err)
		m.end(domain.ReasonConnectionError, err, true)
		return
	}
	m.adapter = adapter
}

func (m *callMachine) onPeerEvent(gen uint64, ev domain.PeerEvent) {
	if gen != m.adapterGen || m.adapter == nil || !m.status().Active() {
		return
	}

	switch e := ev.(type) {
	case domain.LocalSignal:
		m.send(e.Kind, e.Payload)

	case domain.RemoteStreamReady:
		if m.status() != domain.StateConnecting {
			return
		}
		m.remote = e.Stream
		m.disarm()
		m.deps.metrics.CallConnected(m.session.Role, m.deps.clock.Since(m.session.CreatedAt))
		m.transition(domain.StateConnected)

	case domain.ConnectionFailed:
		m.log.Warnw("peer connection failed", "reason", e.Reason)
		m.end(domain.ReasonConnectionError, fmt.Errorf("connection failed: %s", e.Reason), true)
	}
}

func (m *callMachine) untilDeadline(timeout time.Duration) time.Duration {
	d := m.session.AcceptDeadline(timeout).Sub(m.deps.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (m *callMachine) arm(kind timerKind, d time.Duration) {
	m.disarm()
	if kind == timerNegotiation && d <= 0 {
		return
	}
	m.timerSeq++
	seq := m.timerSeq
	m.timerKind = kind
	m.timer = m.deps.clock.AfterFunc(d, func() {
		m.post(timeoutEvent{seq: seq})
	})
}

func (m *callMachine) disarm() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerKind = timerNone
	m.timerSeq++
}

func (m *callMachine) onTimeout(seq uint64) {
	if seq != m.timerSeq || m.timerKind == timerNone {
		return
	}
	kind := m.timerKind
	m.timer = nil
	m.timerKind = timerNone

	switch kind {
	case timerAccept:
		if m.status() == domain.StateRequesting {
			m.end(domain.ReasonNoAnswer, nil, false)
		}
	case timerRing:
		if m.status() == domain.StateRinging {
			m.end(domain.ReasonMissed, nil, false)
		}
	case timerNegotiation:
		if s := m.status(); s == domain.StateConnecting || (s == domain.StateRinging && m.accepted) {
			m.end(domain.ReasonConnectionError, errors.New("negotiation timed out"), true)
		}
	}
}

func (m *callMachine) send(kind domain.SignalKind, payload json.RawMessage) {
	msg := domain.SignalMessage{
		Kind:    kind,
		From:    m.session.LocalParty,
		To:      m.session.RemoteParty,
		Payload: payload,
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	tracing.RecordSignal(m.span, "out", string(kind))
	if err := m.deps.channel.Send(ctx, m.session.SessionID, msg); err != nil {
		m.log.Warnw("signal send failed", "kind", kind, "error", err)
		m.deps.metrics.SignalSendFailed(kind)
	}
}

// end enters Ended and releases everything the session owns. It runs at most
// once per session; later triggers find the state already Ended.
func (m *callMachine) end(reason domain.EndReason, err error, notifyRemote bool) {
	if m.session.State == domain.StateEnded {
		return
	}
	started := m.session.State != domain.StateIdle
	if started && notifyRemote {
		m.send(domain.KindCallEnded, nil)
	}

	m.transition(domain.StateEnded)
	m.disarm()
	m.cancel()

	if m.adapter != nil {
		m.adapter.Destroy()
		m.adapter = nil
	}
	m.remote = nil
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	if m.sub != nil {
		m.sub.Unsubscribe()
		m.sub = nil
	}

	m.log.Infow("call ended", "reason", reason, "error", err)
	if started {
		m.deps.metrics.CallEnded(m.session.Role, reason, m.deps.clock.Since(m.session.CreatedAt))
		failed := reason != domain.ReasonLocalEnded && reason != domain.ReasonRemoteEnded && reason != domain.ReasonDeclined
		tracing.EndCallSpan(m.span, string(reason), failed, err)
	}
	m.notify(domain.EventEnded, reason, err)
}
