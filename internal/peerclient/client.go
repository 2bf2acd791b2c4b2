// Package peerclient is the endpoint side of the signaling WebSocket: it
// dials the relay, registers an identity and feeds relayed messages to a
// handler such as a negotiation.Negotiator.
package peerclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

var (
	ErrInvalidIdentity = errors.New("peerclient: identity must not be blank")
	ErrClosed          = errors.New("peerclient: connection closed")
)

const (
	defaultRegisterTimeout = 10 * time.Second
	writeWait              = 5 * time.Second

	// maxEarlyMessages bounds relayed messages held between the relay binding
	// our identity and its confirmation arriving.
	maxEarlyMessages = 64
)

type Config struct {
	// RelayURL is the signaling WebSocket URL (ws:// or wss://).
	RelayURL string
	// APIKey is presented as X-API-Key when the relay requires one.
	APIKey string

	Logger *slog.Logger
	Dialer *websocket.Dialer

	RegisterTimeout time.Duration
}

// Client is one signaling connection. Send is safe for concurrent use; Run
// must be called by a single goroutine.
type Client struct {
	cfg Config
	log *slog.Logger
	ws  *websocket.Conn

	writeMu sync.Mutex

	// early holds relayed messages read by Register; Run delivers them first.
	early []protocol.Message

	mu       sync.Mutex
	identity string
	closed   bool
}

// WebSocketURL derives the signaling URL from the relay's HTTP base URL.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q: missing host", baseURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Dial opens the signaling WebSocket.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = defaultRegisterTimeout
	}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("X-API-Key", cfg.APIKey)
	}
	ws, resp, err := cfg.Dialer.DialContext(ctx, cfg.RelayURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", cfg.RelayURL, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.RelayURL, err)
	}
	return &Client{cfg: cfg, log: cfg.Logger, ws: ws}, nil
}

// Identity returns the identity confirmed by the relay.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Register claims identity and waits for the relay's confirmation. It must
// be called before Run. Offers or candidates relayed to us before the
// confirmation are kept for Run. Cancelling ctx closes the connection.
func (c *Client) Register(ctx context.Context, identity string) error {
	if strings.TrimSpace(identity) == "" {
		return ErrInvalidIdentity
	}
	if err := c.Send(protocol.Register(identity)); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	deadline := time.Now().Add(c.cfg.RegisterTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	for {
		m, err := c.read()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("await registration: %w", ctx.Err())
			}
			return fmt.Errorf("await registration: %w", err)
		}
		if m.Type != protocol.TypeRegistered {
			c.keepEarly(m)
			continue
		}
		if m.UserID != identity {
			c.log.Debug("ignoring stale registration", "identity", m.UserID)
			continue
		}
		c.mu.Lock()
		c.identity = identity
		c.mu.Unlock()
		c.log.Info("registered", "identity", identity)
		return nil
	}
}

func (c *Client) keepEarly(m protocol.Message) {
	if len(c.early) >= maxEarlyMessages {
		c.log.Warn("dropping message relayed before registration", "type", m.Type, "sender", m.SenderID)
		return
	}
	c.early = append(c.early, m)
}

// Send writes m to the relay.
func (c *Client) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	return nil
}

// Handler receives relayed offers, answers and candidates.
type Handler func(context.Context, protocol.Message) error

// Run reads relayed messages until the connection closes or ctx is done.
// Malformed messages and handler errors are logged and the loop continues.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	early := c.early
	c.early = nil
	for _, m := range early {
		c.deliver(ctx, handle, m)
	}

	for {
		m, err := c.read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrClosed
			}
			return err
		}

		if m.Type == protocol.TypeRegistered {
			c.log.Debug("registration confirmed", "identity", m.UserID)
			continue
		}
		c.deliver(ctx, handle, m)
	}
}

func (c *Client) deliver(ctx context.Context, handle Handler, m protocol.Message) {
	if err := m.ValidateFromRelay(); err != nil {
		c.log.Warn("dropping relayed message", "type", m.Type, "err", err)
		return
	}
	if err := handle(ctx, m); err != nil {
		c.log.Warn("handle relayed message", "type", m.Type, "sender", m.SenderID, "err", err)
	}
}

// read returns the next well-formed text message, skipping what can't be
// parsed.
func (c *Client) read() (protocol.Message, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		m, err := protocol.Parse(data)
		if err != nil {
			c.log.Warn("dropping unparseable message", "err", err)
			continue
		}
		return m, nil
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close says goodbye to the relay and closes the connection. The relay
// releases the identity when it sees the close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.ws.Close()
}
