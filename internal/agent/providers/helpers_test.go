package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kohtravel/agentd/internal/agent"
)

// sseServer replays a canned event stream and records the request body.
type sseServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
	paths  []string
}

func newSSEServer(t *testing.T, status int, body string) *sseServer {
	t.Helper()
	s := &sseServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(data))
		s.paths = append(s.paths, r.URL.Path)
		s.mu.Unlock()

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, body)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *sseServer) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func (s *sseServer) body(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out map[string]any
	_ = json.Unmarshal([]byte(s.bodies[i]), &out)
	return out
}

// namedEvents renders "event:" plus "data:" frames.
func namedEvents(frames ...[2]string) string {
	var b strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", f[0], f[1])
	}
	return b.String()
}

// dataEvents renders bare "data:" frames.
func dataEvents(frames ...string) string {
	var b strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&b, "data: %s\n\n", f)
	}
	return b.String()
}

func drainEvents(t *testing.T, ch <-chan agent.ProviderEvent) []agent.ProviderEvent {
	t.Helper()
	var out []agent.ProviderEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("provider stream did not close")
			return out
		}
	}
}

func kinds(events []agent.ProviderEvent) string {
	parts := make([]string, len(events))
	for i, ev := range events {
		parts[i] = ev.Kind.String()
	}
	return strings.Join(parts, ",")
}

func lastEvent(t *testing.T, events []agent.ProviderEvent) agent.ProviderEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	return events[len(events)-1]
}

func searchTool() agent.Tool {
	return &agent.ToolFunc{
		ToolName:        "search_documents",
		ToolDescription: "Search the user's travel documents",
		ToolSchema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		Fn: func(context.Context, json.RawMessage, agent.ContextBundle) (*agent.ToolOutput, error) {
			return &agent.ToolOutput{Content: "ok"}, nil
		},
	}
}

func completionRequest() *agent.CompletionRequest {
	return &agent.CompletionRequest{
		System: "You are a travel assistant.",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: "What flights do I have?"},
		},
		Tools:     []agent.Tool{searchTool()},
		MaxTokens: 512,
	}
}
