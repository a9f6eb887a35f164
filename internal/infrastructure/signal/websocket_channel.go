package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/config"
	"callnet/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errRelayDisconnected = errors.New("relay connection unavailable")

type WebSocketConfig struct {
	// URL is the relay base, e.g. ws://localhost:8081. Sessions are reached at /ws/<session id>.
	URL string
	// Party is sent as party_id when Token is empty.
	Party domain.PartyID
	Token string

	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	Redial         retry.Config
}

func WebSocketConfigFrom(cfg *config.Config, party domain.PartyID, token string) WebSocketConfig {
	return WebSocketConfig{
		URL:            cfg.Signal.RelayURL,
		Party:          party,
		Token:          token,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		Redial: retry.Config{
			MaxAttempts:  cfg.Signal.Redial.MaxAttempts,
			InitialDelay: cfg.Signal.Redial.InitialDelay,
			MaxDelay:     cfg.Signal.Redial.MaxDelay,
			Multiplier:   2,
			Jitter:       true,
		},
	}
}

// WebSocketChannel talks to the relay with one connection per subscribed
// session. A dropped connection is redialled with backoff while the
// subscription is alive; messages sent meanwhile fail and are not queued.
type WebSocketChannel struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.SessionID][]*wsSession
}

func NewWebSocketChannel(cfg WebSocketConfig, logger *zap.SugaredLogger) *WebSocketChannel {
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &WebSocketChannel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger:   logger,
		sessions: make(map[domain.SessionID][]*wsSession),
	}
}

type wsSession struct {
	id      domain.SessionID
	handler ports.SignalHandler
	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	once    sync.Once

	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (c *WebSocketChannel) endpoint(sessionID domain.SessionID) (string, http.Header, error) {
	base, err := url.Parse(strings.TrimRight(c.cfg.URL, "/"))
	if err != nil {
		return "", nil, fmt.Errorf("invalid relay url: %w", err)
	}
	base.Path += "/ws/" + url.PathEscape(string(sessionID))

	header := http.Header{}
	q := base.Query()
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	} else {
		q.Set("party_id", string(c.cfg.Party))
	}
	base.RawQuery = q.Encode()
	return base.String(), header, nil
}

func (c *WebSocketChannel) dial(ctx context.Context, sessionID domain.SessionID) (*websocket.Conn, error) {
	target, header, err := c.endpoint(sessionID)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, retry.Permanent(fmt.Errorf("relay refused session %s: %s", sessionID, resp.Status))
		}
		return nil, err
	}
	if c.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return conn, nil
}

func (c *WebSocketChannel) dialWithRetry(ctx context.Context, sessionID domain.SessionID) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.Do(ctx, c.cfg.Redial, func(attempt int) error {
		var err error
		conn, err = c.dial(ctx, sessionID)
		if err != nil && attempt < c.cfg.Redial.MaxAttempts {
			c.logger.Debugw("relay dial failed", "session_id", sessionID, "attempt", attempt, "error", err)
		}
		return err
	})
	return conn, err
}

// Subscribe opens a relay connection for sessionID. The first dial happens
// before Subscribe returns. Every subscription owns its own connection.
func (c *WebSocketChannel) Subscribe(ctx context.Context, sessionID domain.SessionID, handler ports.SignalHandler) (ports.Subscription, error) {
	sctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{id: sessionID, handler: handler, ctx: sctx, cancel: cancel}

	conn, err := c.dialWithRetry(ctx, sessionID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	s.conn = conn

	c.mu.Lock()
	c.sessions[sessionID] = append(c.sessions[sessionID], s)
	c.mu.Unlock()
	c.logger.Infow("subscribed to relay", "session_id", sessionID, "party_id", c.cfg.Party)

	go c.run(s, conn)
	return ports.SubscriptionFunc(func() { c.release(s) }), nil
}

func (c *WebSocketChannel) run(s *wsSession, conn *websocket.Conn) {
	for {
		c.read(s, conn)
		if s.stopped.Load() {
			return
		}

		s.writeMu.Lock()
		s.conn = nil
		s.writeMu.Unlock()
		c.logger.Warnw("relay connection lost, redialling", "session_id", s.id)

		next, err := c.dialWithRetry(s.ctx, s.id)
		if err != nil {
			if !s.stopped.Load() {
				c.logger.Warnw("giving up on relay", "session_id", s.id, "error", err)
			}
			return
		}
		s.writeMu.Lock()
		if s.stopped.Load() {
			s.writeMu.Unlock()
			next.Close()
			return
		}
		s.conn = next
		s.writeMu.Unlock()
		conn = next
		c.logger.Infow("relay connection restored", "session_id", s.id)
	}
}

func (c *WebSocketChannel) read(s *wsSession, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.stopped.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Infow("relay read failed", "session_id", s.id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		if s.stopped.Load() {
			return
		}

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debugw("skipping undecodable frame", "session_id", s.id, "error", err)
			continue
		}
		s.handler(msg)
	}
}

func (c *WebSocketChannel) release(s *wsSession) {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.cancel()

		c.mu.Lock()
		subs := c.sessions[s.id]
		for i, other := range subs {
			if other == s {
				subs = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) == 0 {
			delete(c.sessions, s.id)
		} else {
			c.sessions[s.id] = subs
		}
		c.mu.Unlock()

		s.writeMu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			s.conn.Close()
			s.conn = nil
		}
		s.writeMu.Unlock()
	})
}

// Send writes msg on one of the session's relay connections. The relay fans
// it out to every connection of the session.
func (c *WebSocketChannel) Send(ctx context.Context, sessionID domain.SessionID, msg domain.SignalMessage) error {
	c.mu.Lock()
	subs := append([]*wsSession(nil), c.sessions[sessionID]...)
	c.mu.Unlock()
	if len(subs) == 0 {
		return domain.ErrNotSubscribed
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for _, s := range subs {
		sent, err := s.write(msg, deadline)
		if sent {
			return err
		}
	}
	return errRelayDisconnected
}

func (s *wsSession) write(msg domain.SignalMessage, deadline time.Time) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return false, nil
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(msg); err != nil {
		return true, fmt.Errorf("failed to write %s: %w", msg.Kind, err)
	}
	return true, nil
}

// Close releases every subscription.
func (c *WebSocketChannel) Close() {
	c.mu.Lock()
	var all []*wsSession
	for _, subs := range c.sessions {
		all = append(all, subs...)
	}
	c.mu.Unlock()

	for _, s := range all {
		c.release(s)
	}
}
