package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"callnet/internal/core/domain"
	"callnet/pkg/mailbox"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Connection failure reasons reported through domain.ConnectionFailed.
const (
	FailureICEFailed       = "ice-failed"
	FailureICEDisconnected = "ice-disconnected"
	FailureNegotiation     = "negotiation-failed"
)

// peerAdapter drives one PeerConnection. Negotiation steps run one at a time
// on the adapter's worker goroutine, which also owns remoteSet and candidates.
type peerAdapter struct {
	pc        *webrtc.PeerConnection
	initiator bool
	emit      func(domain.PeerEvent)
	interval  time.Duration
	logger    *zap.SugaredLogger

	tasks *mailbox.Mailbox[func()]
	done  chan struct{}

	remoteSet  bool
	candidates candidateQueue

	remote    *remoteStream
	closed    atomic.Bool
	readyOnce sync.Once
	failOnce  sync.Once
	destroyed sync.Once
}

func newPeerAdapter(pc *webrtc.PeerConnection, initiator bool, emit func(domain.PeerEvent), interval time.Duration, logger *zap.SugaredLogger) *peerAdapter {
	a := &peerAdapter{
		pc:        pc,
		initiator: initiator,
		emit:      emit,
		interval:  interval,
		logger:    logger.With("initiator", initiator),
		tasks:     mailbox.New[func()](),
		done:      make(chan struct{}),
		remote:    newRemoteStream(uuid.NewString()),
	}

	pc.OnICECandidate(a.onICECandidate)
	pc.OnTrack(a.onTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		a.logger.Debugw("ice connection state changed", "ice_state", state)
	})
	pc.OnConnectionStateChange(a.onConnectionState)

	go a.work()
	return a
}

func (a *peerAdapter) work() {
	for {
		task, ok := a.tasks.Next(a.done)
		if !ok {
			return
		}
		if a.closed.Load() {
			continue
		}
		task()
	}
}

func (a *peerAdapter) enqueue(task func()) {
	a.tasks.Post(task)
}

func (a *peerAdapter) send(ev domain.PeerEvent) {
	if a.closed.Load() {
		return
	}
	a.emit(ev)
}

func (a *peerAdapter) fail(reason string, err error) {
	a.failOnce.Do(func() {
		a.logger.Warnw("peer connection failed", "reason", reason, "error", err)
		a.send(domain.ConnectionFailed{Reason: reason})
	})
}

// Feed validates payload and schedules it. Only malformed payloads fail.
func (a *peerAdapter) Feed(kind domain.SignalKind, payload json.RawMessage) error {
	switch kind {
	case domain.KindSdpOffer, domain.KindSdpAnswer:
		desc, err := decodeDescription(kind, payload)
		if err != nil {
			return &domain.NegotiationError{Kind: kind, Cause: err}
		}
		a.enqueue(func() { a.applyRemote(desc) })
		return nil

	case domain.KindIceCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &c); err != nil {
			return &domain.NegotiationError{Kind: kind, Cause: err}
		}
		a.enqueue(func() { a.addCandidate(c) })
		return nil
	}
	return &domain.NegotiationError{Kind: kind, Cause: fmt.Errorf("%s carries no negotiation payload", kind)}
}

func decodeDescription(kind domain.SignalKind, payload json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(payload) == 0 {
		return desc, errors.New("missing session description")
	}
	if err := json.Unmarshal(payload, &desc); err != nil {
		return desc, err
	}
	want := webrtc.SDPTypeOffer
	if kind == domain.KindSdpAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if desc.Type != want {
		return desc, fmt.Errorf("expected %s, got %s", want, desc.Type)
	}
	if desc.SDP == "" {
		return desc, errors.New("empty sdp")
	}
	// Unparseable SDP would otherwise fail SetRemoteDescription on the worker
	// and tear the connection down.
	if _, err := desc.Unmarshal(); err != nil {
		return desc, fmt.Errorf("invalid sdp: %w", err)
	}
	return desc, nil
}

func (a *peerAdapter) offer() {
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		a.fail(FailureNegotiation, err)
		return
	}
	if err := a.pc.SetLocalDescription(offer); err != nil {
		a.fail(FailureNegotiation, err)
		return
	}
	a.signalDescription(domain.KindSdpOffer, offer)
}

func (a *peerAdapter) applyRemote(desc webrtc.SessionDescription) {
	if err := a.pc.SetRemoteDescription(desc); err != nil {
		a.fail(FailureNegotiation, err)
		return
	}
	a.remoteSet = true

	if n := a.candidates.len(); n > 0 {
		applied := a.candidates.flush(a.pc.AddICECandidate)
		a.logger.Debugw("flushed buffered candidates", "buffered", n, "applied", applied)
	}

	if desc.Type != webrtc.SDPTypeOffer {
		return
	}
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		a.fail(FailureNegotiation, err)
		return
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		a.fail(FailureNegotiation, err)
		return
	}
	a.signalDescription(domain.KindSdpAnswer, answer)
}

func (a *peerAdapter) addCandidate(c webrtc.ICECandidateInit) {
	if c.Candidate == "" {
		// End-of-candidates marker.
		return
	}
	if !a.remoteSet {
		a.candidates.push(c)
		return
	}
	if err := a.pc.AddICECandidate(c); err != nil {
		a.logger.Warnw("failed to add remote candidate", "error", err)
	}
}

func (a *peerAdapter) signalDescription(kind domain.SignalKind, desc webrtc.SessionDescription) {
	payload, err := json.Marshal(desc)
	if err != nil {
		a.fail(FailureNegotiation, err)
		return
	}
	a.send(domain.LocalSignal{Kind: kind, Payload: payload})
}

func (a *peerAdapter) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	payload, err := json.Marshal(c.ToJSON())
	if err != nil {
		a.logger.Warnw("failed to encode local candidate", "error", err)
		return
	}
	a.send(domain.LocalSignal{Kind: domain.KindIceCandidate, Payload: payload})
}

func (a *peerAdapter) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	a.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", track.Kind(),
		"codec", track.Codec().MimeType,
	)
	t := newRemoteTrack(track)
	if !a.remote.add(t) {
		return
	}
	go t.read(a.pc, a.interval, a.logger)
	go drainReceiverRTCP(receiver, a.logger)
}

func (a *peerAdapter) onConnectionState(state webrtc.PeerConnectionState) {
	a.logger.Infow("peer connection state changed", "connection_state", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		a.readyOnce.Do(func() {
			a.send(domain.RemoteStreamReady{Stream: a.remote})
		})
	case webrtc.PeerConnectionStateDisconnected:
		a.fail(FailureICEDisconnected, nil)
	case webrtc.PeerConnectionStateFailed:
		a.fail(FailureICEFailed, nil)
	}
}

// Destroy closes the connection. No event is emitted afterwards.
func (a *peerAdapter) Destroy() {
	a.destroyed.Do(func() {
		a.closed.Store(true)
		a.tasks.Close()
		close(a.done)

		for _, t := range a.remote.Tracks() {
			if rt, ok := t.(*remoteTrack); ok {
				packets, bytes, keyframes := rt.Stats()
				a.logger.Debugw("remote track closed", "track_id", rt.ID(), "packets", packets, "bytes", bytes, "keyframes", keyframes)
			}
		}
		a.remote.Stop()

		if err := a.pc.Close(); err != nil {
			a.logger.Warnw("failed to close peer connection", "error", err)
		}
	})
}
