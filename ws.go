package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"prismachat/internal/auth"
	"prismachat/internal/chat"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	eventTimeout = 15 * time.Second
	sendBuffer   = 256
)

var errSlowDown = &chat.ValidationError{Reason: "too many events, slow down"}

// client is one websocket connection. It satisfies chat.Conn.
type client struct {
	id       string
	username string
	conn     *websocket.Conn
	hub      *chat.Hub
	limiter  *rate.Limiter
	typing   *rate.Limiter
	logger   *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) ID() string       { return c.id }
func (c *client) Username() string { return c.username }

// Send never blocks. It fails once the client is closing or its queue is full.
func (c *client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the write pump to say goodbye and drop the socket. The read pump
// then fails and runs the hub disconnect.
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) readPump(ctx context.Context, maxMessageSize int64) {
	defer func() {
		c.hub.Disconnect(c.id)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("set read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err, maxMessageSize)
			return
		}
		ev, err := chat.Decode(frame)
		if !c.allow(ev) {
			continue
		}
		if err != nil {
			c.hub.ReportError(c, "decode", err)
			continue
		}
		evCtx, cancel := context.WithTimeout(ctx, eventTimeout)
		c.hub.Dispatch(evCtx, c, ev)
		cancel()
	}
}

// allow charges ev to its rate bucket. Typing frames that exceed theirs are
// dropped quietly; anything else gets told to slow down.
func (c *client) allow(ev chat.Inbound) bool {
	if _, ok := ev.(*chat.TypingEvent); ok {
		return c.typing.Allow()
	}
	if c.limiter.Allow() {
		return true
	}
	c.hub.ReportError(c, "rate_limit", errSlowDown)
	return false
}

func (c *client) logReadError(err error, maxMessageSize int64) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", zap.Int64("max", maxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug("client closed connection")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug("connection closed", zap.Error(err))
	default:
		c.logger.Info("websocket read error", zap.Error(err))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.write(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames queued before Close, such as the reason for an eviction.
func (c *client) flush() {
	for {
		select {
		case frame := <-c.send:
			if !c.write(websocket.TextMessage, frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(kind int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(kind, data); err != nil {
		if !errors.Is(err, net.ErrClosed) && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("websocket write failed", zap.Error(err))
		}
		return false
	}
	return true
}

// serveWs authenticates the token query parameter, upgrades the request and
// runs the connection until it drops. The read pump runs on the handler
// goroutine so the request context lives as long as the socket.
func (s *server) serveWs(w http.ResponseWriter, r *http.Request) {
	claims, err := s.issuer.Parse(auth.TokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	c := &client{
		id:       id,
		username: claims.Username,
		conn:     conn,
		hub:      s.hub,
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.RateLimit.PerSecond), s.cfg.RateLimit.Burst),
		typing:   rate.NewLimiter(rate.Limit(s.cfg.RateLimit.TypingPerSecond), s.cfg.RateLimit.TypingBurst),
		logger:   s.logger.Named("ws").With(zap.String("conn", id), zap.String("username", claims.Username)),
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	s.hub.Connect(c)
	go c.writePump()
	c.readPump(r.Context(), s.cfg.MaxMessageSize)
}
