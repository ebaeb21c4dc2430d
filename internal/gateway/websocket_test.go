package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kohtravel/agentd/internal/agent"
)

func dialWS(t *testing.T, env *testEnv, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/agent/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilDone collects frames up to and including done.
func readUntilDone(t *testing.T, conn *websocket.Conn) []wireEvent {
	t.Helper()
	var events []wireEvent
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read frame after %v: %v", types(events), err)
		}
		events = append(events, ev)
		if ev.Type == "done" {
			return events
		}
	}
}

func TestWebSocketTurns(t *testing.T) {
	env := newTestEnv(t, &stubProvider{scripts: [][]agent.ProviderEvent{
		textScript("Hello from Bangkok."),
		textScript("Still here."),
	}}, envOptions{})
	conn := dialWS(t, env, nil)

	if err := conn.WriteJSON(map[string]any{"session_id": "ws1", "message": "hi"}); err != nil {
		t.Fatal(err)
	}
	events := readUntilDone(t, conn)
	if got := strings.Join(types(events), ","); got != "content,done" {
		t.Fatalf("first turn = %s", got)
	}
	var content struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(events[0].Data, &content); err != nil {
		t.Fatal(err)
	}
	if content.Content != "Hello from Bangkok." {
		t.Errorf("content = %q", content.Content)
	}

	if err := conn.WriteJSON(map[string]any{"session_id": "ws1", "message": "again"}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(types(readUntilDone(t, conn)), ","); got != "content,done" {
		t.Fatalf("second turn = %s", got)
	}
}

func TestWebSocketBadFrames(t *testing.T) {
	env := newTestEnv(t, &stubProvider{scripts: [][]agent.ProviderEvent{textScript("ok")}}, envOptions{})
	conn := dialWS(t, env, nil)

	tests := []struct {
		name     string
		frame    string
		wantKind string
	}{
		{name: "not json", frame: "{", wantKind: kindInvalidRequest},
		{name: "no message", frame: `{"session_id":"ws1"}`, wantKind: kindInvalidRequest},
		{name: "unknown project", frame: `{"session_id":"ws1","message":"hi","project":"mars"}`, wantKind: kindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
				t.Fatal(err)
			}
			events := readUntilDone(t, conn)
			if len(events) != 2 || events[0].Type != "error" {
				t.Fatalf("events = %v", types(events))
			}
			var data struct {
				Kind string `json:"kind"`
			}
			if err := json.Unmarshal(events[0].Data, &data); err != nil {
				t.Fatal(err)
			}
			if data.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", data.Kind, tt.wantKind)
			}
		})
	}
}

func TestWebSocketSessionBusy(t *testing.T) {
	provider := &stubProvider{
		scripts: [][]agent.ProviderEvent{textScript("done")},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	env := newTestEnv(t, provider, envOptions{})
	first := dialWS(t, env, nil)
	second := dialWS(t, env, nil)

	if err := first.WriteJSON(map[string]any{"session_id": "shared", "message": "one"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn did not start")
	}

	if err := second.WriteJSON(map[string]any{"session_id": "shared", "message": "two"}); err != nil {
		t.Fatal(err)
	}
	events := readUntilDone(t, second)
	var data struct {
		Kind string `json:"kind"`
	}
	if len(events) != 2 {
		t.Fatalf("busy events = %v", types(events))
	}
	if err := json.Unmarshal(events[0].Data, &data); err != nil || data.Kind != "SessionBusy" {
		t.Fatalf("busy error = %s", events[0].Data)
	}

	close(provider.gate)
	if got := strings.Join(types(readUntilDone(t, first)), ","); got != "content,done" {
		t.Fatalf("first turn = %s", got)
	}
}

func TestWebSocketCloseCancelsTurn(t *testing.T) {
	provider := &stubProvider{
		scripts: [][]agent.ProviderEvent{textScript("never")},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	env := newTestEnv(t, provider, envOptions{})
	conn := dialWS(t, env, nil)

	if err := conn.WriteJSON(map[string]any{"session_id": "ws-cancel", "message": "hi"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not start")
	}
	conn.Close()

	// The lock is released once the cancelled turn unwinds.
	deadline := time.Now().Add(5 * time.Second)
	for env.locker.Held("ws-cancel") {
		if time.Now().After(deadline) {
			t.Fatal("session still locked after the socket closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
