package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/turnrest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, wire ...func(*Server)) (baseURL string) {
	t.Helper()

	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, testLogger(), build)
	for _, w := range wire {
		w(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, req *http.Request, wantStatus int, v any) *http.Response {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s status=%d, want %d", req.URL.Path, resp.StatusCode, wantStatus)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func newGet(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, baseConfig())

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		getJSON(t, newGet(t, baseURL+"/healthz"), http.StatusOK, &body)
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		getJSON(t, newGet(t, baseURL+"/readyz"), http.StatusOK, nil)
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		resp := getJSON(t, newGet(t, baseURL+"/version"), http.StatusOK, &got)
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID header")
		}
	})
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg)

	for _, path := range []string{"/getIceServers", "/webrtc/ice"} {
		var payload struct {
			ICEServers []map[string]any `json:"iceServers"`
		}
		resp := getJSON(t, newGet(t, baseURL+path), http.StatusOK, &payload)
		if len(payload.ICEServers) != 2 {
			t.Fatalf("%s: expected 2 iceServers, got %d", path, len(payload.ICEServers))
		}
		if _, ok := payload.ICEServers[0]["urls"]; !ok {
			t.Fatalf("%s: expected urls field on first server: %#v", path, payload.ICEServers[0])
		}
		if payload.ICEServers[1]["username"] != "user" {
			t.Fatalf("%s: static TURN username=%v, want user", path, payload.ICEServers[1]["username"])
		}
		if got := resp.Header.Get("Cache-Control"); got != "no-store" {
			t.Fatalf("%s: Cache-Control=%q, want no-store", path, got)
		}
	}
}

func TestICEEndpoint_DefaultsToPublicSTUN(t *testing.T) {
	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	baseURL := startTestServer(t, cfg)

	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	getJSON(t, newGet(t, baseURL+"/getIceServers"), http.StatusOK, &payload)
	if len(payload.ICEServers) != 1 || payload.ICEServers[0].URLs[0] != config.DefaultSTUNURL {
		t.Fatalf("iceServers=%+v, want only %s", payload.ICEServers, config.DefaultSTUNURL)
	}
}

func TestICEEndpoint_InjectsTURNRESTCredentials(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "s3cret", TTLSeconds: 600, UsernamePrefix: "calls"}
	m := metrics.New()
	baseURL := startTestServer(t, cfg, func(s *Server) { s.SetMetrics(m) })

	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	getJSON(t, newGet(t, baseURL+"/getIceServers"), http.StatusOK, &payload)

	if payload.ICEServers[0].Username != "" {
		t.Fatalf("STUN server got credentials: %+v", payload.ICEServers[0])
	}
	turn := payload.ICEServers[1]
	parts := strings.Split(turn.Username, ":")
	if len(parts) != 3 || parts[1] != "calls" {
		t.Fatalf("username=%q, want <expiry>:calls:<nonce>", turn.Username)
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		t.Fatalf("expiry %q: %v", parts[0], err)
	}
	if ttl := time.Until(time.Unix(expiry, 0)); ttl <= 0 || ttl > 601*time.Second {
		t.Fatalf("expiry in %v, want within ttl", ttl)
	}
	if want := turnrest.Sign([]byte("s3cret"), turn.Username); turn.Credential != want {
		t.Fatalf("credential=%v, want %s", turn.Credential, want)
	}
	if got := m.Get(metrics.TURNCredentialsIssued); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.TURNCredentialsIssued, got)
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	baseURL := startTestServer(t, cfg)

	req := newGet(t, baseURL+"/webrtc/ice")
	req.Header.Set("Origin", "https://evil.example.com")
	getJSON(t, req, http.StatusForbidden, nil)
}

func TestICEEndpoint_CORSForAllowedOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg)

	req, err := http.NewRequest(http.MethodOptions, baseURL+"/getIceServers", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp := getJSON(t, req, http.StatusNoContent, nil)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	get := newGet(t, baseURL+"/getIceServers")
	get.Header.Set("Origin", "https://app.example.com")
	resp = getJSON(t, get, http.StatusOK, nil)
	if got := resp.Header.Get("Vary"); got != "Origin" {
		t.Fatalf("Vary=%q, want Origin", got)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg)
	getJSON(t, newGet(t, baseURL+"/readyz"), http.StatusServiceUnavailable, nil)
	getJSON(t, newGet(t, baseURL+"/getIceServers"), http.StatusServiceUnavailable, nil)
}

func TestStatsAndSignalingThroughMiddleware(t *testing.T) {
	var sig *signaling.Server
	baseURL := startTestServer(t, baseConfig(), func(s *Server) {
		sig = signaling.NewServer(signaling.Config{Logger: testLogger(), Origins: s.Origins()})
		sig.RegisterRoutes(s.Mux())
		s.SetStats(sig)
	})
	t.Cleanup(sig.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial through middleware: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"register","userId":"alice"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, data, err := ws.ReadMessage(); err != nil || string(data) != `{"type":"registered","userId":"alice"}` {
		t.Fatalf("read=%q, %v", data, err)
	}

	var stats struct {
		Connections int `json:"connections"`
		Identities  int `json:"identities"`
	}
	getJSON(t, newGet(t, baseURL+"/stats"), http.StatusOK, &stats)
	if stats.Connections != 1 || stats.Identities != 1 {
		t.Fatalf("stats=%+v, want 1 connection and 1 identity", stats)
	}
}
