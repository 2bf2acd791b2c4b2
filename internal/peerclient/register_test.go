package peerclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

// scriptedRelay upgrades one connection, waits for the register request and
// then writes replies in order. It keeps the socket open until the test ends.
func scriptedRelay(t *testing.T, replies ...string) string {
	t.Helper()

	done := make(chan struct{})
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		for _, reply := range replies {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
		<-done
	}))
	t.Cleanup(func() {
		close(done)
		ts.Close()
	})

	u, err := WebSocketURL(ts.URL)
	if err != nil {
		t.Fatalf("WebSocketURL: %v", err)
	}
	return u
}

func TestRegisterKeepsMessagesRelayedBeforeConfirmation(t *testing.T) {
	wsURL := scriptedRelay(t,
		`{"type":"offer","offer":{"type":"offer","sdp":"v=0"},"senderId":"bob"}`,
		`{"type":"candidate","candidate":{"candidate":"c1"},"senderId":"bob"}`,
		`{"type":"registered","userId":"alice"}`,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{RelayURL: wsURL, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.Register(ctx, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}

	got := make(chan protocol.Message, 4)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = c.Run(runCtx, func(_ context.Context, m protocol.Message) error {
			got <- m
			return nil
		})
	}()

	for _, want := range []protocol.Type{protocol.TypeOffer, protocol.TypeCandidate} {
		select {
		case m := <-got:
			if m.Type != want || m.SenderID != "bob" {
				t.Fatalf("got %+v, want %s from bob", m, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for early %s", want)
		}
	}
}

func TestRegisterReturnsOnCancel(t *testing.T) {
	wsURL := scriptedRelay(t)

	c, err := Dial(context.Background(), Config{RelayURL: wsURL, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err = c.Register(ctx, "alice")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want %v", err, context.Canceled)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Register returned after %v, want prompt return on cancel", elapsed)
	}
}
