package webrtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"callnet/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// remoteStream collects the tracks the remote party sends.
type remoteStream struct {
	id string

	mu      sync.RWMutex
	tracks  []*remoteTrack
	stopped bool
}

func newRemoteStream(id string) *remoteStream {
	return &remoteStream{id: id}
}

func (s *remoteStream) ID() string { return s.id }

func (s *remoteStream) Tracks() []domain.MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MediaTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *remoteStream) add(t *remoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.tracks = append(s.tracks, t)
	return true
}

func (s *remoteStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}

// remoteTrack wraps one inbound RTP track. The enabled flag is a playback
// preference only; packets keep being read so the transport stays healthy.
type remoteTrack struct {
	track   *webrtc.TrackRemote
	kind    domain.TrackKind
	enabled atomic.Bool
	stopped atomic.Bool

	packets   atomic.Uint64
	bytes     atomic.Uint64
	keyframes atomic.Uint64
}

func newRemoteTrack(track *webrtc.TrackRemote) *remoteTrack {
	kind := domain.TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
	}
	t := &remoteTrack{track: track, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *remoteTrack) ID() string              { return t.track.ID() }
func (t *remoteTrack) Kind() domain.TrackKind  { return t.kind }
func (t *remoteTrack) Enabled() bool           { return t.enabled.Load() }
func (t *remoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *remoteTrack) Stop()                   { t.stopped.Store(true) }

// Stats returns packet, byte and keyframe counters.
func (t *remoteTrack) Stats() (packets, bytes, keyframes uint64) {
	return t.packets.Load(), t.bytes.Load(), t.keyframes.Load()
}

// read pulls RTP until the track ends. For video it asks the sender for a
// keyframe every interval until one arrives.
func (t *remoteTrack) read(pc *webrtc.PeerConnection, interval time.Duration, logger *zap.SugaredLogger) {
	mime := t.track.Codec().MimeType
	var sawKeyframe atomic.Bool

	if t.kind == domain.TrackVideo {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for !sawKeyframe.Load() && !t.stopped.Load() {
				pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(t.track.SSRC())}}
				if err := pc.WriteRTCP(pli); err != nil {
					return
				}
				<-ticker.C
			}
		}()
	}

	for {
		packet, _, err := t.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.stopped.Load() {
				logger.Debugw("remote track ended", "track_id", t.ID(), "error", err)
			}
			return
		}
		if t.stopped.Load() {
			return
		}
		t.packets.Add(1)
		t.bytes.Add(uint64(len(packet.Payload)))
		if isKeyframe(mime, packet) {
			t.keyframes.Add(1)
			sawKeyframe.Store(true)
		}
	}
}

// drainReceiverRTCP reads sender reports so the interceptors keep statistics.
func drainReceiverRTCP(receiver *webrtc.RTPReceiver, logger *zap.SugaredLogger) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			if sr, ok := p.(*rtcp.SenderReport); ok {
				logger.Debugw("received sender report", "ssrc", sr.SSRC, "packet_count", sr.PacketCount)
			}
		}
	}
}
