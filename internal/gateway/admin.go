package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kohtravel/agentd/internal/sessions"
	"github.com/kohtravel/agentd/pkg/models"
	"github.com/samber/lo"
)

type initRequest struct {
	Project      string `json:"project,omitempty"`
	SystemPrompt string `json:"system_prompt"`
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id,omitempty"`
}

// handleInit stores a per-session system prompt override. An empty prompt
// restores the agent's configured prompt.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, err.Error())
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, "session_id is required")
		return
	}
	a, ok := s.agentFor(req.Project)
	if !ok {
		writeError(w, http.StatusNotFound, kindNotFound, "unknown project "+req.Project)
		return
	}

	release, err := s.locker.TryLock(r.Context(), req.SessionID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	defer release()

	ctx := r.Context()
	now := time.Now().UTC()
	session, err := s.store.GetSession(ctx, req.SessionID)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		session = &models.Session{ID: req.SessionID, CreatedAt: now}
	case err != nil:
		s.writeRunError(w, err)
		return
	case !s.canAccess(r, session):
		writeError(w, http.StatusNotFound, kindNotFound, "session not found")
		return
	}
	session.Project = a.Project
	if user := callerID(r, req.UserID); user != "" {
		session.UserID = user
	}
	session.SystemPrompt = strings.TrimSpace(req.SystemPrompt)
	session.UpdatedAt = now
	if err := s.store.SaveSession(ctx, session); err != nil {
		s.writeRunError(w, err)
		return
	}

	s.logger.Info("session prompt initialized", "session_id", session.ID, "project", a.Project, "override", session.SystemPrompt != "")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "initialized",
		"session_id": session.ID,
		"project":    a.Project,
		"agent":      a.Name,
	})
}

// handleTools lists the tools advertised by the agent of ?project=.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	a, ok := s.agentFor(project)
	if !ok {
		writeError(w, http.StatusNotFound, kindNotFound, "unknown project "+project)
		return
	}
	tools := a.Orchestrator.Registry().Describe()
	writeJSON(w, http.StatusOK, map[string]any{
		"project": a.Project,
		"agent":   a.Name,
		"tools":   tools,
		"count":   len(tools),
	})
}

type agentInfo struct {
	Name        string   `json:"name"`
	Project     string   `json:"project"`
	Description string   `json:"description,omitempty"`
	Model       string   `json:"model,omitempty"`
	Tools       []string `json:"tools"`
	Default     bool     `json:"default"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.Agents()
	out := make([]agentInfo, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentInfo{
			Name:        a.Name,
			Project:     a.Project,
			Description: a.Description,
			Model:       a.Orchestrator.Config().Model,
			Tools:       a.Orchestrator.Registry().Names(),
			Default:     a == s.defaultAgent,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// handleGetConversation returns a session's history. Like every read it
// takes the session lock and is refused while a turn runs.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	release, err := s.locker.TryLock(r.Context(), sessionID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	defer release()

	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	if !s.canAccess(r, session) {
		writeError(w, http.StatusNotFound, kindNotFound, "session not found")
		return
	}
	history, err := s.store.History(r.Context(), sessionID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"session":    session,
		"messages":   publicHistory(history),
		"count":      len(history),
	})
}

// publicHistory copies history without the context bundles recorded on user
// messages. The stored messages keep them.
func publicHistory(history []*models.Message) []*models.Message {
	return lo.Map(history, func(msg *models.Message, _ int) *models.Message {
		if _, ok := msg.Metadata[models.MetadataContextKey]; !ok {
			return msg
		}
		clone := *msg
		clone.Metadata = lo.OmitByKeys(msg.Metadata, []string{models.MetadataContextKey})
		return &clone
	})
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	release, err := s.locker.TryLock(r.Context(), sessionID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	defer release()

	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil && !errors.Is(err, sessions.ErrNotFound) {
		s.writeRunError(w, err)
		return
	}
	if session != nil && !s.canAccess(r, session) {
		writeError(w, http.StatusNotFound, kindNotFound, "session not found")
		return
	}
	if err := s.store.Clear(r.Context(), sessionID); err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "session_id": sessionID})
}

// handleCleanup sweeps idle sessions now. ?max_idle= overrides the
// configured idle TTL.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, kindInternal, "session cleanup is not configured")
		return
	}
	var (
		removed int
		err     error
	)
	if raw := r.URL.Query().Get("max_idle"); raw != "" {
		idle, perr := time.ParseDuration(raw)
		if perr != nil || idle <= 0 {
			writeError(w, http.StatusBadRequest, kindInvalidRequest, "max_idle must be a positive duration")
			return
		}
		removed, err = s.sweeper.SweepIdle(r.Context(), idle)
	} else {
		removed, err = s.sweeper.Sweep(r.Context())
	}
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "removed": removed})
}

// handleDeleteUserSessions drops every session of a user that has no turn
// running. A JWT caller may only drop their own sessions.
func (s *Server) handleDeleteUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, kindInternal, "session cleanup is not configured")
		return
	}
	if subject := jwtUser(r); subject != "" && subject != userID {
		writeError(w, http.StatusForbidden, kindForbidden, "cannot delete another user's sessions")
		return
	}
	removed, err := s.sweeper.DeleteUserSessions(r.Context(), userID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "user_id": userID, "removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":       stats.Sessions,
		"messages":       stats.Messages,
		"active_turns":   s.activeTurns.Load(),
		"agents":         len(s.order),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": len(s.order),
	})
}

// canAccess hides sessions owned by someone else from JWT callers.
func (s *Server) canAccess(r *http.Request, session *models.Session) bool {
	subject := jwtUser(r)
	return subject == "" || session.UserID == "" || session.UserID == subject
}
