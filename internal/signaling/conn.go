package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/ratelimit"
)

const wsWriteWait = 5 * time.Second

// conn is one signaling WebSocket. A single goroutine reads it (run) and a
// single goroutine writes it (writePump); everything else hands outbound
// messages to the write pump through the send queue.
type conn struct {
	id  string
	srv *Server
	ws  *websocket.Conn
	log *slog.Logger

	limiter *ratelimit.TokenBucket

	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(srv *Server, ws *websocket.Conn, id string) *conn {
	c := &conn{
		id:   id,
		srv:  srv,
		ws:   ws,
		log:  srv.log.With("conn_id", id),
		send: make(chan []byte, srv.cfg.SendQueueLength),
		done: make(chan struct{}),
	}
	if rate := int64(srv.cfg.MaxSignalingMessagesPerSecond); rate > 0 {
		c.limiter = ratelimit.NewTokenBucket(srv.cfg.Clock, rate, rate)
	}
	return c
}

func (c *conn) ID() string { return c.id }

// run blocks until the connection ends, then releases everything the
// connection owned.
func (c *conn) run() {
	go c.writePump()
	c.readLoop()
	c.close()
}

func (c *conn) readLoop() {
	idle := c.srv.cfg.SignalingWSIdleTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, r, err := c.ws.NextReader()
		if err != nil {
			if isTimeout(err) {
				c.log.Debug("signaling connection idle, closing")
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug("signaling connection lost", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		// Consume the frame before any drop decision so the next NextReader
		// starts on a message boundary.
		data, err := readLimited(r, c.srv.cfg.MaxSignalingMessageBytes)
		if errors.Is(err, errMessageTooLarge) {
			c.srv.metrics.Inc(metrics.DropTooLarge)
			c.log.Warn("dropping oversized signaling message", "max_bytes", c.srv.cfg.MaxSignalingMessageBytes)
			continue
		}
		if err != nil {
			return
		}
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.DropRateLimited)
			c.log.Debug("dropping rate-limited signaling message")
			continue
		}
		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.DropMalformed)
			c.log.Warn("dropping non-text signaling message", "frame_type", msgType)
			continue
		}

		c.srv.handleMessage(c, data)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.cfg.SignalingWSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("signaling write failed", "err", err)
				// Unblocks readLoop, which performs the cleanup.
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue hands msg to the write pump without blocking. It reports false if
// the message was dropped because the connection is closed or its queue is
// full.
func (c *conn) enqueue(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error("encode signaling message", "type", msg.Type, "err", err)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.srv.metrics.Inc(metrics.DropSendQueueFull)
		c.log.Warn("signaling send queue full, dropping message", "type", msg.Type)
		return false
	}
}

func (c *conn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	_ = c.ws.Close()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.srv.release(c)
		c.srv.untrack(c)
		_ = c.ws.Close()
		c.srv.metrics.Inc(metrics.ConnectionsClosed)
		c.log.Debug("signaling connection closed")
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
