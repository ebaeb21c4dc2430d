package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/auth"
	"github.com/kohtravel/agentd/internal/sessions"
)

const maxRequestBytes = 1 << 20

// Error kinds returned by the HTTP surface in addition to agent.ErrorKind.
const (
	kindInvalidRequest = "InvalidRequest"
	kindNotFound       = "NotFound"
	kindForbidden      = "Forbidden"
	kindInternal       = "InternalError"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// writeRunError maps a failure to start a turn or take a session lock.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrSessionBusy), errors.Is(err, sessions.ErrSessionBusy):
		writeError(w, http.StatusConflict, string(agent.KindSessionBusy), "another request is already running for this session")
	case errors.Is(err, agent.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, kindInvalidRequest, err.Error())
	case errors.Is(err, sessions.ErrNotFound):
		writeError(w, http.StatusNotFound, kindNotFound, "session not found")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// callerID returns the user a request acts for. A JWT subject overrides the
// user named by the request.
func callerID(r *http.Request, requested string) string {
	if id, ok := auth.IdentityFromContext(r.Context()); ok && id.UserID != "" {
		return id.UserID
	}
	return strings.TrimSpace(requested)
}

// jwtUser returns the authenticated JWT subject, if any.
func jwtUser(r *http.Request) string {
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		return id.UserID
	}
	return ""
}
