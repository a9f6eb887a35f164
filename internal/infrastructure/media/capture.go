package media

import (
	"context"
	"errors"
	"time"

	"callnet/internal/core/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errNoTracks = errors.New("no audio or video source configured")

type CaptureConfig struct {
	Audio bool
	Video bool
	// FrameInterval paces synthetic samples. Defaults to 20ms.
	FrameInterval time.Duration
}

// SyntheticCapture stands in for camera and microphone on headless peers.
// Each acquisition yields fresh tracks fed with silence and blank frames.
type SyntheticCapture struct {
	cfg    CaptureConfig
	logger *zap.SugaredLogger
}

func NewSyntheticCapture(cfg CaptureConfig, logger *zap.SugaredLogger) *SyntheticCapture {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 20 * time.Millisecond
	}
	return &SyntheticCapture{cfg: cfg, logger: logger}
}

func (c *SyntheticCapture) AcquireLocalStream(ctx context.Context) (domain.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.DeviceError{Kind: domain.DeviceUnavailable, Cause: err}
	}

	var kinds []domain.TrackKind
	if c.cfg.Audio {
		kinds = append(kinds, domain.TrackAudio)
	}
	if c.cfg.Video {
		kinds = append(kinds, domain.TrackVideo)
	}
	if len(kinds) == 0 {
		return nil, &domain.DeviceError{Kind: domain.DeviceUnavailable, Cause: errNoTracks}
	}

	stream := &LocalStream{id: uuid.NewString()}
	for _, kind := range kinds {
		t, err := newLocalTrack(kind, stream.id, c.cfg.FrameInterval, c.logger)
		if err != nil {
			stream.Stop()
			return nil, &domain.DeviceError{Kind: domain.DeviceUnavailable, Cause: err}
		}
		stream.tracks = append(stream.tracks, t)
	}

	c.logger.Debugw("acquired synthetic stream", "stream_id", stream.id, "tracks", len(stream.tracks))
	return stream, nil
}
