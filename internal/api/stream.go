package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bonzainsights/mragent/internal/events"
)

const (
	keepaliveInterval = 15 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingInterval      = pongWait * 9 / 10
	subscriberBuffer  = 256
)

// writeSSE writes one server-sent event and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// streamTurn runs a turn and relays its events as server-sent events.
// The stream ends with a "done" event carrying the answer, or an
// "error" event.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, message string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rc := http.NewResponseController(w)

	// Subscribe before the turn starts so no event is missed.
	ch := s.bus.Subscribe(subscriberBuffer)
	defer s.bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	type result struct {
		answer string
		err    error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		answer, err := s.agent.ProcessTurn(r.Context(), message, true)
		done <- result{answer, err}
	}()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	relay := func(e events.Event) {
		_ = rc.SetWriteDeadline(time.Now().Add(writeWait))
		if err := writeSSE(w, flusher, string(e.Kind), e); err != nil {
			s.logger.Debug("sse write failed", "error", err)
		}
	}

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			relay(e)
		case <-keepalive.C:
			_ = rc.SetWriteDeadline(time.Now().Add(writeWait))
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case res := <-done:
			// Publish is synchronous, so everything the turn emitted is
			// already buffered.
		drain:
			for ch != nil {
				select {
				case e := <-ch:
					relay(e)
				default:
					break drain
				}
			}
			_ = rc.SetWriteDeadline(time.Now().Add(writeWait))
			if res.err != nil {
				s.logger.Error("streamed turn failed", "error", res.err)
				_ = writeSSE(w, flusher, "error", map[string]string{"message": res.err.Error()})
				return
			}
			st := s.agent.Stats()
			_ = writeSSE(w, flusher, "done", TurnResponse{
				ChatID:    st.ChatID,
				Model:     st.Context.Model,
				Answer:    res.answer,
				HTML:      s.renderMarkdown(res.answer),
				ElapsedMS: time.Since(start).Milliseconds(),
			})
			return
		}
	}
}

// clientMessage is a message a WebSocket client sends to the server.
type clientMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Approved bool   `json:"approved,omitempty"`
}

// handleEvents upgrades to a WebSocket that carries every bus event to
// the client. Clients answer approval requests over the same socket
// with {"type":"approval","id":...,"approved":true}.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(subscriberBuffer)
	defer s.bus.Unsubscribe(ch)

	s.logger.Info("event stream connected", "remote", r.RemoteAddr)

	// The reader owns inbound traffic; all writes happen on this
	// goroutine.
	closed := make(chan struct{})
	go s.readClient(conn, closed)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			s.logger.Info("event stream disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) readClient(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		switch msg.Type {
		case "approval":
			if s.broker == nil {
				continue
			}
			if err := s.broker.Resolve(msg.ID, msg.Approved); err != nil {
				s.logger.Warn("approval over websocket failed", "id", msg.ID, "error", err)
				continue
			}
			s.logger.Info("approval resolved", "id", msg.ID, "approved", msg.Approved, "via", "websocket")
		default:
			s.logger.Debug("ignoring websocket message", "type", msg.Type)
		}
	}
}
