package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/config"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Reasons a relay drops an inbound frame.
const (
	DropMalformed   = "malformed"
	DropSpoofed     = "spoofed-sender"
	DropRateLimited = "rate-limited"
	DropSlowReader  = "slow-reader"
)

const outboundBuffer = 64

// RelayMetrics observes relay connections and frames.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameRelayed()
	FrameDropped(reason string)
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) ConnectionOpened()   {}
func (noopRelayMetrics) ConnectionClosed()   {}
func (noopRelayMetrics) FrameRelayed()       {}
func (noopRelayMetrics) FrameDropped(string) {}

type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// MessagesPerSecond and Burst bound inbound frames per connection. Zero disables the limit.
	MessagesPerSecond float64
	Burst             int
	AllowOrigin       func(origin string) bool
}

func RelayConfigFrom(cfg *config.Config) RelayConfig {
	rc := RelayConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		AllowOrigin:    cfg.AllowsOrigin,
	}
	if cfg.RateLimiting.Enabled {
		rc.MessagesPerSecond = cfg.RateLimiting.MessagesPerSecond
		rc.Burst = cfg.RateLimiting.Burst
	}
	return rc
}

// Relay bridges WebSocket connections onto a back-plane SignalChannel. Frames
// a connection sends are published to the back-plane; every back-plane
// delivery for a session is written to all of that session's connections.
type Relay struct {
	cfg       RelayConfig
	backplane ports.SignalChannel
	metrics   RelayMetrics
	logger    *zap.SugaredLogger
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[domain.SessionID]*relaySession
	closed   bool
}

type relaySession struct {
	id    domain.SessionID
	sub   ports.Subscription
	conns map[string]*relayConn
}

type relayConn struct {
	id    string
	party domain.PartyID
	ws    *websocket.Conn
	out   chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *relayConn) close() {
	c.once.Do(func() { close(c.done) })
}

func NewRelay(cfg RelayConfig, backplane ports.SignalChannel, metrics RelayMetrics, logger *zap.SugaredLogger) *Relay {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = noopRelayMetrics{}
	}
	allow := cfg.AllowOrigin
	r := &Relay{
		cfg:       cfg,
		backplane: backplane,
		metrics:   metrics,
		logger:    logger,
		sessions:  make(map[domain.SessionID]*relaySession),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			if allow == nil {
				return true
			}
			return allow(req.Header.Get("Origin"))
		},
	}
	return r
}

// Serve upgrades the request and relays frames for party on sessionID until
// the connection drops. Authentication happens before Serve is called.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, sessionID domain.SessionID, party domain.PartyID) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnw("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer ws.Close()

	conn := &relayConn{
		id:    uuid.NewString(),
		party: party,
		ws:    ws,
		out:   make(chan []byte, outboundBuffer),
		done:  make(chan struct{}),
	}
	if err := r.join(req.Context(), sessionID, conn); err != nil {
		r.logger.Warnw("failed to join session", "session_id", sessionID, "party_id", party, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay unavailable"),
			time.Now().Add(r.cfg.WriteTimeout))
		return
	}
	r.metrics.ConnectionOpened()
	r.logger.Infow("party connected", "session_id", sessionID, "party_id", party, "conn_id", conn.id)

	defer func() {
		conn.close()
		r.leave(sessionID, conn)
		r.metrics.ConnectionClosed()
		r.logger.Infow("party disconnected", "session_id", sessionID, "party_id", party, "conn_id", conn.id)
	}()

	go r.writePump(conn)
	r.readPump(req.Context(), sessionID, conn)
}

func (r *Relay) readPump(ctx context.Context, sessionID domain.SessionID, conn *relayConn) {
	ws := conn.ws
	if r.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(r.cfg.MaxMessageSize)
	}
	_ = ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	})

	var limiter *rate.Limiter
	if r.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), r.cfg.Burst)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Infow("error reading frame", "session_id", sessionID, "conn_id", conn.id, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))

		if limiter != nil && !limiter.Allow() {
			r.drop(sessionID, conn, DropRateLimited)
			continue
		}

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.drop(sessionID, conn, DropMalformed, "error", err)
			continue
		}
		if msg.From != conn.party {
			r.drop(sessionID, conn, DropSpoofed, "claimed_from", msg.From)
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
		err = r.backplane.Send(sendCtx, sessionID, msg)
		cancel()
		if err != nil {
			r.logger.Warnw("failed to publish frame", "session_id", sessionID, "kind", msg.Kind, "error", err)
		}
	}
}

func (r *Relay) writePump(conn *relayConn) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-conn.out:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Debugw("error writing frame", "conn_id", conn.id, "error", err)
				conn.ws.Close()
				return
			}
			r.metrics.FrameRelayed()

		case <-ticker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.cfg.WriteTimeout)); err != nil {
				r.logger.Debugw("error sending ping", "conn_id", conn.id, "error", err)
				conn.ws.Close()
				return
			}

		case <-conn.done:
			_ = conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(r.cfg.WriteTimeout))
			conn.ws.Close()
			return
		}
	}
}

func (r *Relay) drop(sessionID domain.SessionID, conn *relayConn, reason string, kv ...interface{}) {
	r.metrics.FrameDropped(reason)
	fields := append([]interface{}{"session_id", sessionID, "party_id", conn.party, "conn_id", conn.id, "reason", reason}, kv...)
	r.logger.Debugw("dropping frame", fields...)
}

// join registers conn and subscribes the session to the back-plane on first use.
// The back-plane subscribe runs outside r.mu; if another connection installed
// the session meanwhile, conn joins that one and the extra subscription is dropped.
func (r *Relay) join(ctx context.Context, sessionID domain.SessionID, conn *relayConn) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if s, ok := r.sessions[sessionID]; ok {
		s.conns[conn.id] = conn
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	s := &relaySession{id: sessionID, conns: map[string]*relayConn{conn.id: conn}}
	sub, err := r.backplane.Subscribe(ctx, sessionID, r.deliverer(s))
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Unsubscribe()
		return domain.ErrChannelClosed
	}
	if existing, ok := r.sessions[sessionID]; ok {
		existing.conns[conn.id] = conn
		r.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	r.sessions[sessionID] = s
	r.mu.Unlock()
	return nil
}

func (r *Relay) leave(sessionID domain.SessionID, conn *relayConn) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(s.conns, conn.id)
	var sub ports.Subscription
	if len(s.conns) == 0 {
		delete(r.sessions, sessionID)
		sub = s.sub
	}
	r.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// deliverer fans back-plane deliveries out to s's connections while s is the
// installed session for its id.
func (r *Relay) deliverer(s *relaySession) ports.SignalHandler {
	sessionID := s.id
	return func(msg domain.SignalMessage) {
		data, err := json.Marshal(msg)
		if err != nil {
			r.logger.Warnw("failed to encode frame", "session_id", sessionID, "kind", msg.Kind, "error", err)
			return
		}

		r.mu.Lock()
		var conns []*relayConn
		if r.sessions[sessionID] == s {
			for _, c := range s.conns {
				conns = append(conns, c)
			}
		}
		r.mu.Unlock()

		for _, c := range conns {
			select {
			case c.out <- data:
			default:
				r.drop(sessionID, c, DropSlowReader, "kind", msg.Kind)
			}
		}
	}
}

// Connections returns the number of open connections on a session.
func (r *Relay) Connections(sessionID domain.SessionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return len(s.conns)
	}
	return 0
}

// Close disconnects every party and releases the back-plane subscriptions.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[domain.SessionID]*relaySession)
	r.mu.Unlock()

	for _, s := range sessions {
		for _, c := range s.conns {
			c.close()
		}
		s.sub.Unsubscribe()
	}
}
