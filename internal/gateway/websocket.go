package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 20 * time.Second
	wsPongWait        = 60 * time.Second
	wsWriteWait       = 10 * time.Second
	wsQueuedRequests  = 8
)

// wsConn serves one WebSocket connection. Inbound text frames are chat
// requests, run one at a time in arrival order; every event is written as
// one text frame. Closing the socket cancels the running turn.
type wsConn struct {
	server  *Server
	conn    *websocket.Conn
	request *http.Request
	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan []byte
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		server:  s,
		conn:    conn,
		request: r,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan []byte, wsQueuedRequests),
	}
	c.run()
}

func (c *wsConn) run() {
	defer func() {
		c.cancel()
		_ = c.conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.processLoop()
	}()
	go c.pingLoop(done)

	c.readLoop()
	c.cancel()
	<-done
}

func (c *wsConn) readLoop() {
	defer close(c.queue)
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case c.queue <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsConn) processLoop() {
	for data := range c.queue {
		if c.ctx.Err() != nil {
			return
		}
		if err := c.handleFrame(data); err != nil {
			c.server.logger.Debug("websocket write failed", "error", err)
			c.abort()
			return
		}
	}
}

// handleFrame runs one request. Failures to start a turn are reported as a
// single error event followed by done.
func (c *wsConn) handleFrame(data []byte) error {
	var req chatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return c.writeFailure("invalid request frame: "+err.Error(), kindInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.writeFailure("message is required", kindInvalidRequest)
	}

	events, err := c.server.startTurn(c.ctx, c.request, &req)
	if err != nil {
		msg, kind := wsStartFailure(err)
		return c.writeFailure(msg, kind)
	}
	c.server.activeTurns.Add(1)
	defer c.server.activeTurns.Add(-1)

	var writeErr error
	for event := range events {
		if writeErr != nil {
			continue
		}
		if writeErr = c.writeEvent(event); writeErr != nil {
			c.cancel()
		}
	}
	return writeErr
}

func wsStartFailure(err error) (string, string) {
	switch {
	case errors.Is(err, agent.ErrSessionBusy):
		return "another request is already running for this session", string(agent.KindSessionBusy)
	case errors.Is(err, agent.ErrInvalidRequest):
		return err.Error(), kindInvalidRequest
	case errors.Is(err, errUnknownProject):
		return err.Error(), kindNotFound
	default:
		return "internal error", kindInternal
	}
}

func (c *wsConn) writeFailure(msg, kind string) error {
	if err := c.writeEvent(models.NewErrorEvent(msg, kind)); err != nil {
		return err
	}
	return c.writeEvent(models.NewDoneEvent())
}

func (c *wsConn) writeEvent(event *models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// pingLoop keeps the connection alive. WriteControl may be called
// concurrently with the event writer.
func (c *wsConn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.abort()
				return
			}
		}
	}
}

// abort cancels the running turn and closes the socket so the reader
// unblocks.
func (c *wsConn) abort() {
	c.cancel()
	_ = c.conn.Close()
}
