package webrtc

import (
	"context"
	"fmt"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config is the transport configuration shared by every call.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
	// KeyframeInterval spaces PLI requests until the first video keyframe arrives.
	KeyframeInterval time.Duration
}

// ConfigFrom maps the application configuration onto the transport config.
func ConfigFrom(cfg *config.Config) Config {
	var c Config
	for _, s := range cfg.WebRTC.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	c.ICEDisconnectedTimeout = cfg.WebRTC.ICEDisconnectedTimeout
	c.ICEFailedTimeout = cfg.WebRTC.ICEFailedTimeout
	c.ICEKeepaliveInterval = cfg.WebRTC.ICEKeepaliveInterval
	c.KeyframeInterval = time.Second
	return c
}

// TrackSource is implemented by local media tracks that can be sent over a
// peer connection.
type TrackSource interface {
	TrackLocal() webrtc.TrackLocal
}

// Connector builds one peer connection per call from a shared API.
type Connector struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

// NewConnector prepares codecs, interceptors and ICE settings.
func NewConnector(cfg Config, logger *zap.SugaredLogger) (*Connector, error) {
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = time.Second
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if cfg.ICEFailedTimeout > 0 {
		settingEngine.SetICETimeouts(cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, cfg.ICEKeepaliveInterval)
	}

	return &Connector{
		config: cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		logger: logger,
	}, nil
}

// Create opens a peer connection carrying the tracks of local. The initiator
// starts generating an offer right away.
func (c *Connector) Create(ctx context.Context, local domain.MediaStream, initiator bool, emit func(domain.PeerEvent)) (ports.PeerAdapter, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   c.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if err := c.attachLocal(pc, local); err != nil {
		_ = pc.Close()
		return nil, err
	}

	a := newPeerAdapter(pc, initiator, emit, c.config.KeyframeInterval, c.logger)
	if initiator {
		a.enqueue(a.offer)
	}
	return a, nil
}

func (c *Connector) attachLocal(pc *webrtc.PeerConnection, local domain.MediaStream) error {
	sent := map[domain.TrackKind]bool{}
	if local != nil {
		for _, t := range local.Tracks() {
			src, ok := t.(TrackSource)
			if !ok {
				c.logger.Warnw("skipping track without transport binding", "track_id", t.ID())
				continue
			}
			sender, err := pc.AddTrack(src.TrackLocal())
			if err != nil {
				return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
			}
			sent[t.Kind()] = true
			go drainSenderRTCP(sender)
		}
	}

	// Always negotiate both kinds so the remote side can send what we lack.
	for _, kind := range []domain.TrackKind{domain.TrackAudio, domain.TrackVideo} {
		if sent[kind] {
			continue
		}
		codec := webrtc.RTPCodecTypeAudio
		if kind == domain.TrackVideo {
			codec = webrtc.RTPCodecTypeVideo
		}
		if _, err := pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// drainSenderRTCP keeps interceptors such as NACK responders fed.
func drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
