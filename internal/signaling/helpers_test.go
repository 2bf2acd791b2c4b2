package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/registry"
)

type testRelay struct {
	srv     *Server
	ts      *httptest.Server
	metrics *metrics.Metrics
	reg     *registry.Registry
}

func startRelay(t *testing.T, mutate func(*Config)) *testRelay {
	t.Helper()

	cfg := Config{
		Registry: registry.New(),
		Metrics:  metrics.New(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testRelay{srv: srv, ts: ts, metrics: cfg.Metrics, reg: cfg.Registry}
}

func (r *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + path
}

// testClient reads in the background so tests can assert on the absence of
// messages without poisoning the gorilla connection with a read timeout.
type testClient struct {
	t    *testing.T
	ws   *websocket.Conn
	msgs chan []byte
	errs chan error

	writeMu sync.Mutex
}

func (r *testRelay) dial(t *testing.T) *testClient {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(r.wsURL("/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{t: t, ws: ws, msgs: make(chan []byte, 64), errs: make(chan error, 1)}
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				c.errs <- err
				return
			}
			c.msgs <- data
		}
	}()
	t.Cleanup(func() { _ = ws.Close() })
	return c
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) sendBinary(data []byte) {
	c.t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) next() []byte {
	c.t.Helper()
	select {
	case data := <-c.msgs:
		return data
	case err := <-c.errs:
		c.t.Fatalf("connection closed while waiting for a message: %v", err)
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timeout waiting for a message")
	}
	return nil
}

func (c *testClient) nextMessage() protocol.Message {
	c.t.Helper()
	data := c.next()
	var m protocol.Message
	if err := json.Unmarshal(data, &m); err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func (c *testClient) expectNothing(wait time.Duration) {
	c.t.Helper()
	select {
	case data := <-c.msgs:
		c.t.Fatalf("unexpected message: %s", data)
	case err := <-c.errs:
		c.t.Fatalf("unexpected close: %v", err)
	case <-time.After(wait):
	}
}

func (c *testClient) register(identity string) {
	c.t.Helper()
	c.sendRaw(`{"type":"register","userId":` + quote(identity) + `}`)
	m := c.nextMessage()
	if m.Type != protocol.TypeRegistered || m.UserID != identity {
		c.t.Fatalf("got %+v, want registered %q", m, identity)
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func dialStatus(t *testing.T, url string, header http.Header) int {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		_ = ws.Close()
		return http.StatusSwitchingProtocols
	}
	if resp == nil {
		t.Fatalf("dial failed without response: %v", err)
	}
	return resp.StatusCode
}
