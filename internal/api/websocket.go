package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/debug"
	"github.com/standardbeagle/mcplab/pkg/events"
)

// Message is the envelope exchanged on the debug websocket.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type  string      `json:"type"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func (c *wsConn) send(v outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// Close is what the debug session closes when it stops.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "debug session stopped"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

var forwardedEvents = []events.EventType{
	events.LogLine,
	events.ToolsDiscovered,
	events.ToolExecuted,
	events.SourceChanged,
	events.DebugStopped,
}

// handleDebugWebSocket speaks execute_tool/get_tools and forwards the
// project's events as {"type":"event"} messages.
func (s *Server) handleDebugWebSocket(w http.ResponseWriter, r *http.Request) {
	id := projectID(r)
	if _, err := s.projects.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsConn{conn: conn}
	log := s.logger.With(zap.String("project", id))

	if err := s.debug.Attach(id, c); err != nil && !errors.Is(err, debug.ErrNoSession) {
		log.Warn("Attaching websocket failed", zap.Error(err))
	}
	defer func() {
		s.debug.Detach(id, c)
		c.Close()
	}()

	if s.eventBus != nil {
		for _, t := range forwardedEvents {
			unsubscribe := s.eventBus.Subscribe(t, func(e events.Event) {
				if e.ProjectID != id {
					return
				}
				c.send(outbound{Type: "event", Event: string(e.Type), Data: e.Data})
			})
			defer unsubscribe()
		}
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("WebSocket closed", zap.Error(err))
			}
			return
		}
		if err := c.send(s.handleWSMessage(r, id, msg)); err != nil {
			return
		}
	}
}

func (s *Server) handleWSMessage(r *http.Request, id string, msg Message) outbound {
	switch msg.Type {
	case "execute_tool":
		var req executeRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				return wsError(err.Error())
			}
		}
		if req.ToolName == "" {
			return wsError("tool_name is required")
		}
		return outbound{Type: "tool_response", Data: s.debug.Execute(r.Context(), id, req.ToolName, req.Parameters)}

	case "get_tools":
		view, err := s.debug.Info(id)
		if err != nil {
			return wsError(err.Error())
		}
		return outbound{Type: "tools_list", Data: view.Tools}

	case "ping":
		return outbound{Type: "pong"}
	}
	return wsError("unknown message type: " + msg.Type)
}

func wsError(detail string) outbound {
	return outbound{Type: "error", Data: map[string]string{"detail": detail}}
}
