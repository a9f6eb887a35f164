package services

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	alice   domain.PartyID = "alice"
	bob     domain.PartyID = "bob"
	mallory domain.PartyID = "mallory"
)

const (
	waitTime = 2 * time.Second
	tick     = 5 * time.Millisecond
)

var testSession = domain.SessionIDFromChat("chat-1")

// fakeChannel records sends and delivers inbound messages synchronously.
type fakeChannel struct {
	mu           sync.Mutex
	sent         []domain.SignalMessage
	handlers     map[int]ports.SignalHandler
	nextID       int
	subscribes   int
	unsubscribes int
	// unsubscribeCalls counts every call, repeats on a released
	// subscription included.
	unsubscribeCalls int
	sendErr          error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[int]ports.SignalHandler)}
}

func (f *fakeChannel) Send(_ context.Context, _ domain.SessionID, msg domain.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.sendErr
}

func (f *fakeChannel) Subscribe(_ context.Context, _ domain.SessionID, h ports.SignalHandler) (ports.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = h
	f.subscribes++
	return ports.SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribeCalls++
		if _, ok := f.handlers[id]; ok {
			delete(f.handlers, id)
			f.unsubscribes++
		}
	}), nil
}

func (f *fakeChannel) deliver(msg domain.SignalMessage) {
	f.mu.Lock()
	hs := make([]ports.SignalHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (f *fakeChannel) count(kind domain.SignalKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeChannel) sentMessages() []domain.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SignalMessage(nil), f.sent...)
}

func (f *fakeChannel) unsubscribeCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribeCalls
}

func (f *fakeChannel) subscriptions() (active, subscribes, unsubscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers), f.subscribes, f.unsubscribes
}

type fakeTrack struct {
	id      string
	kind    domain.TrackKind
	enabled atomic.Bool
	stops   atomic.Int32
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind  { return t.kind }
func (t *fakeTrack) Enabled() bool           { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *fakeTrack) Stop()                   { t.stops.Add(1) }

type fakeStream struct {
	id    string
	audio *fakeTrack
	video *fakeTrack
	stops atomic.Int32
}

func newFakeStream(id string) *fakeStream {
	s := &fakeStream{
		id:    id,
		audio: &fakeTrack{id: id + "-audio", kind: domain.TrackAudio},
		video: &fakeTrack{id: id + "-video", kind: domain.TrackVideo},
	}
	s.audio.enabled.Store(true)
	s.video.enabled.Store(true)
	return s
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Tracks() []domain.MediaTrack {
	return []domain.MediaTrack{s.audio, s.video}
}

func (s *fakeStream) Stop() {
	s.stops.Add(1)
	s.audio.Stop()
	s.video.Stop()
}

// fakeDevices hands out fresh streams, optionally after gate is closed.
type fakeDevices struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
	gate    chan struct{}
}

func (d *fakeDevices) AcquireLocalStream(_ context.Context) (domain.MediaStream, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeStream("local")
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevices) acquired() []*fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeStream(nil), d.streams...)
}

type fakeAdapter struct {
	initiator bool
	local     domain.MediaStream
	emit      func(domain.PeerEvent)
	feedErr   error

	mu       sync.Mutex
	feeds    []domain.SignalKind
	destroys atomic.Int32
}

func (a *fakeAdapter) Feed(kind domain.SignalKind, _ json.RawMessage) error {
	if a.feedErr != nil {
		return a.feedErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feeds = append(a.feeds, kind)
	return nil
}

func (a *fakeAdapter) Destroy() { a.destroys.Add(1) }

func (a *fakeAdapter) fed() []domain.SignalKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.SignalKind(nil), a.feeds...)
}

type fakeConnector struct {
	mu       sync.Mutex
	adapters []*fakeAdapter
	err      error
	panics   bool
	feedErr  error
}

func (c *fakeConnector) Create(_ context.Context, local domain.MediaStream, initiator bool, emit func(domain.PeerEvent)) (ports.PeerAdapter, error) {
	if c.panics {
		panic("peer connection exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	a := &fakeAdapter{initiator: initiator, local: local, emit: emit, feedErr: c.feedErr}
	c.adapters = append(c.adapters, a)
	return a, nil
}

func (c *fakeConnector) created() []*fakeAdapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeAdapter(nil), c.adapters...)
}

type mockMetrics struct {
	mock.Mock
}

func newMockMetrics() *mockMetrics {
	m := &mockMetrics{}
	m.On("CallStarted", mock.Anything).Maybe()
	m.On("CallConnected", mock.Anything, mock.Anything).Maybe()
	m.On("CallEnded", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("SignalDropped", mock.Anything).Maybe()
	m.On("SignalSendFailed", mock.Anything).Maybe()
	return m
}

func (m *mockMetrics) CallStarted(role domain.Role) { m.Called(role) }
func (m *mockMetrics) CallConnected(role domain.Role, setup time.Duration) {
	m.Called(role, setup)
}
func (m *mockMetrics) CallEnded(role domain.Role, reason domain.EndReason, d time.Duration) {
	m.Called(role, reason, d)
}
func (m *mockMetrics) SignalDropped(reason string)             { m.Called(reason) }
func (m *mockMetrics) SignalSendFailed(kind domain.SignalKind) { m.Called(kind) }

type harness struct {
	t       *testing.T
	clock   *clock.Mock
	channel *fakeChannel
	devices *fakeDevices
	peers   *fakeConnector
	metrics *mockMetrics
	ctrl    *callController
}

func newHarness(t *testing.T, configure ...func(*ControllerConfig, *harness)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   clock.NewMock(),
		channel: newFakeChannel(),
		devices: &fakeDevices{},
		peers:   &fakeConnector{},
		metrics: newMockMetrics(),
	}
	cfg := ControllerConfig{
		SessionID:          testSession,
		LocalParty:         alice,
		RemoteParty:        bob,
		Policy:             domain.AcceptAuto,
		AcceptTimeout:      30 * time.Second,
		NegotiationTimeout: 45 * time.Second,
		MicrophoneEnabled:  true,
		CameraEnabled:      true,
	}
	for _, fn := range configure {
		fn(&cfg, h)
	}

	ctrl, err := newCallController(cfg, Dependencies{
		Channel: h.channel,
		Devices: h.devices,
		Peers:   h.peers,
		Metrics: h.metrics,
		Clock:   h.clock,
		Logger:  zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(ctrl.Close)
	return h
}

func remoteMsg(kind domain.SignalKind) domain.SignalMessage {
	msg := domain.SignalMessage{Kind: kind, From: bob, To: alice}
	switch kind {
	case domain.KindSdpOffer:
		msg.Payload = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	case domain.KindSdpAnswer:
		msg.Payload = json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	case domain.KindIceCandidate:
		msg.Payload = json.RawMessage(`{"candidate":"candidate:1 1 UDP 1 127.0.0.1 9 typ host"}`)
	}
	return msg
}

func (h *harness) nextEvent() domain.CallEvent {
	h.t.Helper()
	select {
	case ev, ok := <-h.ctrl.Events():
		require.True(h.t, ok, "event stream closed")
		return ev
	case <-time.After(waitTime):
		h.t.Fatal("timed out waiting for call event")
		return domain.CallEvent{}
	}
}

func (h *harness) expectEvent(typ domain.CallEventType) domain.CallEvent {
	h.t.Helper()
	ev := h.nextEvent()
	require.Equal(h.t, typ, ev.Type, "unexpected event %+v", ev)
	return ev
}

// drain collects events until none arrives for quiet.
func (h *harness) drain(quiet time.Duration) []domain.CallEvent {
	var events []domain.CallEvent
	for {
		select {
		case ev, ok := <-h.ctrl.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-time.After(quiet):
			return events
		}
	}
}

func (h *harness) waitSent(kind domain.SignalKind, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.channel.count(kind) >= n }, waitTime, tick,
		"expected %d %s message(s)", n, kind)
}

func (h *harness) waitAdapter() *fakeAdapter {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.peers.created()) > 0 }, waitTime, tick)
	adapters := h.peers.created()
	return adapters[len(adapters)-1]
}

func (h *harness) waitStream() *fakeStream {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.devices.acquired()) > 0 }, waitTime, tick)
	streams := h.devices.acquired()
	return streams[len(streams)-1]
}

// barrier returns once the active call has processed everything posted so far.
// It rides on Accept, so it must not be used while a manual call rings.
func (h *harness) barrier() {
	h.t.Helper()
	m := h.ctrl.current()
	if m == nil {
		return
	}
	reply := make(chan error, 1)
	_ = m.request(acceptEvent{reply: reply}, reply)
}

// connectAsCaller drives an outgoing call up to Connected.
func (h *harness) connectAsCaller() (*fakeStream, *fakeAdapter) {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.StartCall(context.Background()))
	h.expectEvent(domain.EventRequesting)
	h.waitSent(domain.KindCallRequest, 1)

	h.channel.deliver(remoteMsg(domain.KindCallAccepted))
	h.expectEvent(domain.EventConnecting)
	adapter := h.waitAdapter()

	adapter.emit(domain.LocalSignal{Kind: domain.KindSdpOffer, Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)})
	h.waitSent(domain.KindSdpOffer, 1)
	h.channel.deliver(remoteMsg(domain.KindSdpAnswer))

	adapter.emit(domain.RemoteStreamReady{Stream: newFakeStream("remote")})
	ev := h.expectEvent(domain.EventConnected)
	require.NotNil(h.t, ev.RemoteStream)
	return h.waitStream(), adapter
}
