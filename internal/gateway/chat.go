package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/pkg/models"
)

// chatRequest is the body of the chat endpoints and of each WebSocket frame.
type chatRequest struct {
	SessionID string         `json:"session_id"`
	Message   string         `json:"message"`
	Project   string         `json:"project,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

var errUnknownProject = errors.New("unknown project")

// startTurn resolves the agent and starts a turn. A missing session id is
// generated and written back into req.
func (s *Server) startTurn(ctx context.Context, r *http.Request, req *chatRequest) (<-chan *models.Event, error) {
	a, ok := s.agentFor(req.Project)
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownProject, req.Project)
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return a.Orchestrator.Run(ctx, agent.TurnRequest{
		SessionID: req.SessionID,
		UserID:    callerID(r, req.UserID),
		Message:   req.Message,
		Context:   req.Context,
	})
}

func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUnknownProject) {
		writeError(w, http.StatusNotFound, kindNotFound, err.Error())
		return
	}
	s.writeRunError(w, err)
}

// handleChatStream streams a turn as server-sent events, one
// "event: message" frame per event, flushed as each event arrives.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, kindInternal, "streaming unsupported")
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.startTurn(ctx, r, &req)
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	s.activeTurns.Add(1)
	defer s.activeTurns.Add(-1)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Session-ID", req.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		if err := writeSSE(w, event); err != nil {
			s.logger.Debug("sse client gone", "session_id", req.SessionID, "error", err)
			// Cancelling stops the turn; the orchestrator closes the channel.
			cancel()
			continue
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
	return err
}

// handleChat runs a turn to completion and returns the collected result.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, err.Error())
		return
	}
	events, err := s.startTurn(r.Context(), r, &req)
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	s.activeTurns.Add(1)
	defer s.activeTurns.Add(-1)

	summary := agent.Collect(req.SessionID, events)
	if r.Context().Err() != nil {
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
