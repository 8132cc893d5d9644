package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"clicktocall/internal/core/ports"
	"clicktocall/pkg/config"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketInboxConfig struct {
	URL           string
	SessionHeader string
	SessionToken  string
	PingInterval  time.Duration
	PongTimeout   time.Duration
	WriteTimeout  time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
}

func WebSocketInboxConfigFromApp(cfg *config.Config) WebSocketInboxConfig {
	return WebSocketInboxConfig{
		URL:           cfg.Inbox.URL,
		SessionHeader: cfg.Signaling.SessionHeader,
		SessionToken:  cfg.Signaling.SessionToken,
		PingInterval:  cfg.Inbox.PingInterval,
		PongTimeout:   cfg.Inbox.PongTimeout,
		WriteTimeout:  10 * time.Second,
		ReconnectMin:  500 * time.Millisecond,
		ReconnectMax:  cfg.Inbox.ReconnectMax,
	}
}

// WebSocketInbox reads call events from the host application's event
// stream and reconnects until its context ends.
type WebSocketInbox struct {
	cfg    WebSocketInboxConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ ports.Inbox = (*WebSocketInbox)(nil)

func NewWebSocketInbox(cfg WebSocketInboxConfig, logger *zap.SugaredLogger) *WebSocketInbox {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	return &WebSocketInbox{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
		logger: logger,
	}
}

// Run delivers messages to handler until ctx is done or Close is called.
func (w *WebSocketInbox) Run(ctx context.Context, handler ports.MessageHandler) error {
	backoff := w.cfg.ReconnectMin
	for {
		connected, err := w.session(ctx, handler)
		if w.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = w.cfg.ReconnectMin
		}

		w.logger.Warnw("event stream disconnected", "error", err, "retry_in", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > w.cfg.ReconnectMax {
			backoff = w.cfg.ReconnectMax
		}
	}
}

// Close stops Run and closes the current connection.
func (w *WebSocketInbox) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

func (w *WebSocketInbox) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// session runs one connection. connected reports whether the dial succeeded.
func (w *WebSocketInbox) session(ctx context.Context, handler ports.MessageHandler) (connected bool, err error) {
	header := http.Header{}
	if w.cfg.SessionHeader != "" && w.cfg.SessionToken != "" {
		header.Set(w.cfg.SessionHeader, w.cfg.SessionToken)
	}

	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return true, nil
	}
	w.conn = conn
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		conn.Close()
	}()

	w.logger.Infow("event stream connected", "url", w.cfg.URL)

	conn.SetReadDeadline(time.Now().Add(w.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.PongTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go w.keepalive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, nil
			}
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(w.cfg.PongTimeout))
		w.dispatch(ctx, handler, data)
	}
}

func (w *WebSocketInbox) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			// unblock the reader
			conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(w.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.logger.Debugw("failed to send ping", "error", err)
				return
			}
		}
	}
}

func (w *WebSocketInbox) dispatch(ctx context.Context, handler ports.MessageHandler, data []byte) {
	callID, msg, err := DecodeEvent(data)
	if errors.Is(err, errNotCallEvent) {
		return
	}
	if err != nil {
		w.logger.Warnw("dropping malformed call event", "error", err)
		return
	}
	if err := handler.HandleIncoming(ctx, callID, msg); err != nil {
		w.logger.Infow("failed to handle call message",
			"call_id", callID,
			"type", msg.Type,
			"error", err,
		)
	}
}
