package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/internal/core/services"
	"callnet/internal/infrastructure/distributed"
	"callnet/internal/infrastructure/media"
	"callnet/internal/infrastructure/middleware"
	"callnet/internal/infrastructure/monitoring"
	signalinfra "callnet/internal/infrastructure/signal"
	webrtcinfra "callnet/internal/infrastructure/webrtc"
	"callnet/pkg/config"
	"callnet/pkg/logger"
	"callnet/pkg/tracing"
	"callnet/pkg/validation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	chatID     string
	self       string
	peer       string
	call       bool
	viaRedis   bool
	metrics    string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "configs/config.yaml", "path to the YAML configuration")
	flag.StringVar(&o.chatID, "chat", "", "chat conversation id; the call session is derived from it")
	flag.StringVar(&o.self, "self", "", "local party id")
	flag.StringVar(&o.peer, "peer", "", "remote party id")
	flag.BoolVar(&o.call, "call", false, "start a call instead of waiting for one")
	flag.BoolVar(&o.viaRedis, "redis", false, "signal over Redis directly instead of the relay")
	flag.StringVar(&o.metrics, "metrics", "", "serve /metrics on this address (overrides monitoring.peer_address)")
	flag.Parse()
	return o
}

func validateOptions(o options) error {
	if err := validation.ValidateChatID(o.chatID); err != nil {
		return err
	}
	return validation.ValidateParties(o.self, o.peer)
}

func main() {
	opts := parseFlags()
	if err := validateOptions(opts); err != nil {
		fmt.Fprintf(os.Stderr, "%v\nusage: callpeer -chat <id> -self <party> -peer <party> [-call] [-redis] [-metrics <addr>]\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, opts, log); err != nil {
		log.Errorw("callpeer failed", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, opts options, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-peer",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	self := domain.PartyID(opts.self)
	channel, closeChannel, err := openChannel(cfg, opts, self, log)
	if err != nil {
		return err
	}
	defer closeChannel()

	connector, err := webrtcinfra.NewConnector(webrtcinfra.ConfigFrom(cfg), log)
	if err != nil {
		return err
	}

	if opts.metrics != "" {
		cfg.Monitoring.PeerAddress = opts.metrics
	}
	if cfg.Monitoring.PrometheusEnabled && cfg.Monitoring.PeerAddress != "" {
		srv := serveMetrics(cfg.Monitoring.PeerAddress, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	manager := newManager(cfg, self, channel, connector, prometheus.DefaultRegisterer, log)
	defer manager.Close()

	ctrl, err := manager.Open(ctx, opts.chatID, domain.PartyID(opts.peer))
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	if opts.call {
		if err := ctrl.StartCall(ctx); err != nil {
			return fmt.Errorf("failed to start call: %w", err)
		}
	} else {
		log.Infow("waiting for a call", "chat_id", opts.chatID, "peer", opts.peer)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted, hanging up")
			ctrl.EndCall()
			return nil
		case ev, ok := <-ctrl.Events():
			if !ok {
				return nil
			}
			logEvent(log, ev)
			if ev.Type == domain.EventEnded {
				return nil
			}
		}
	}
}

// newManager builds the call manager with the call metrics registered on reg.
func newManager(cfg *config.Config, self domain.PartyID, channel ports.SignalChannel, peers ports.PeerConnector, reg prometheus.Registerer, log *zap.SugaredLogger) *services.CallManager {
	return services.NewCallManager(services.ManagerConfig{
		LocalParty: self,
		Defaults: services.ControllerConfig{
			Policy:             domain.AcceptPolicy(cfg.Call.AcceptPolicy),
			AcceptTimeout:      cfg.Call.AcceptTimeout,
			NegotiationTimeout: cfg.Call.NegotiationTimeout,
			MicrophoneEnabled:  cfg.Call.MicrophoneEnabled,
			CameraEnabled:      cfg.Call.CameraEnabled,
		},
	}, services.Dependencies{
		Channel: channel,
		Devices: media.NewSyntheticCapture(media.CaptureConfig{Audio: true, Video: true}, log),
		Peers:   peers,
		Metrics: monitoring.NewPrometheusCollector(reg),
		Logger:  log,
	})
}

func serveMetrics(addr string, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Infow("serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server failed", "error", err)
		}
	}()
	return srv
}

func openChannel(cfg *config.Config, opts options, self domain.PartyID, log *zap.SugaredLogger) (ports.SignalChannel, func(), error) {
	if opts.viaRedis {
		client, err := distributed.NewRedisClient(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return distributed.NewRedisChannel(client, cfg.Redis.Prefix, log), func() { _ = client.Close() }, nil
	}

	if err := validation.ValidateRelayURL(cfg.Signal.RelayURL); err != nil {
		return nil, nil, err
	}
	var token string
	auth := middleware.NewPartyAuth(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if auth.Enabled() {
		t, err := auth.IssueToken(self)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to sign relay token: %w", err)
		}
		token = t
	}
	ws := signalinfra.NewWebSocketChannel(signalinfra.WebSocketConfigFrom(cfg, self, token), log)
	return ws, ws.Close, nil
}

func logEvent(log *zap.SugaredLogger, ev domain.CallEvent) {
	fields := []interface{}{
		"event", ev.Type,
		"call_id", ev.CallID,
		"role", ev.Role,
		"remote_party", ev.RemoteParty,
	}
	if ev.Type == domain.EventEnded {
		fields = append(fields, "reason", ev.Reason, "message", ev.Reason.Message())
		if ev.Err != nil {
			fields = append(fields, "error", ev.Err)
		}
	}
	if ev.RemoteStream != nil {
		fields = append(fields, "remote_tracks", len(ev.RemoteStream.Tracks()))
	}
	log.Infow("call event", fields...)
}
