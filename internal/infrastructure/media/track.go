package media

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"callnet/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// opusSilence is one 20ms Opus frame of digital silence.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// blankVP8 starts with a VP8 frame tag flagged as a keyframe. It carries no
// decodable picture; it only keeps the video path and keyframe detection busy.
var blankVP8 = []byte{0x10, 0x02, 0x00, 0x9D, 0x01, 0x2A, 0x02, 0x00, 0x02, 0x00}

// LocalTrack is a synthetic sending track. While enabled it writes a fixed
// frame every interval; while disabled it writes nothing.
type LocalTrack struct {
	kind     domain.TrackKind
	local    *webrtc.TrackLocalStaticSample
	frame    []byte
	interval time.Duration
	logger   *zap.SugaredLogger

	enabled atomic.Bool
	frames  atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

func newLocalTrack(kind domain.TrackKind, streamID string, interval time.Duration, logger *zap.SugaredLogger) (*LocalTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	frame := opusSilence
	if kind == domain.TrackVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		frame = blankVP8
	}

	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &LocalTrack{
		kind:     kind,
		local:    local,
		frame:    frame,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *LocalTrack) pump() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			if err := t.local.WriteSample(media.Sample{Data: t.frame, Duration: t.interval}); err != nil {
				t.logger.Debugw("failed to write sample", "kind", t.kind, "error", err)
				continue
			}
			t.frames.Add(1)
		}
	}
}

func (t *LocalTrack) ID() string              { return t.local.ID() }
func (t *LocalTrack) Kind() domain.TrackKind  { return t.kind }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// TrackLocal exposes the pion track for the peer connection.
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.local }

// Frames returns how many samples have been written.
func (t *LocalTrack) Frames() uint64 { return t.frames.Load() }

func (t *LocalTrack) Stop() {
	t.once.Do(func() { close(t.done) })
}

// LocalStream groups the tracks of one acquisition.
type LocalStream struct {
	id     string
	tracks []*LocalTrack
	once   sync.Once
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []domain.MediaTrack {
	out := make([]domain.MediaTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *LocalStream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}
