package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/foreman/internal/bus"
	"github.com/nextlevelbuilder/foreman/pkg/protocol"
)

// wsClient is one connected WebSocket. Writes go through send so the
// hub-forwarding goroutine and the read loop never interleave frames.
type wsClient struct {
	id   uint64
	conn *websocket.Conn

	mu     sync.Mutex
	filter map[string]bool // nil = all events
}

func (c *wsClient) send(frame protocol.ServerFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *wsClient) wants(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filter == nil {
		return true
	}
	return c.filter[event]
}

func (c *wsClient) setFilter(events []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(events) == 0 {
		c.filter = nil
		return
	}
	c.filter = make(map[string]bool, len(events))
	for _, e := range events {
		c.filter[e] = true
	}
}

// handleWebSocket upgrades the connection and streams hub events until the
// client disconnects or falls behind.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !authorize(r, s.cfg.Gateway.Token) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway.ws_upgrade_failed", "error", err)
		return
	}
	conn.SetReadLimit(protocol.MaxFrameBytes)

	client := &wsClient{conn: conn}
	s.mu.Lock()
	s.nextID++
	client.id = s.nextID
	s.clients[client.id] = client
	s.mu.Unlock()

	sub := s.hub.Subscribe()
	slog.Info("gateway.ws_connected", "client", client.id)

	defer func() {
		sub.Cancel()
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		conn.Close()
		slog.Info("gateway.ws_disconnected", "client", client.id)
	}()

	go s.forwardEvents(client, sub)
	s.readLoop(client)
}

// forwardEvents pushes hub events to one client. A write failure ends the
// stream; the read loop notices the closed connection and tears down.
func (s *Server) forwardEvents(client *wsClient, sub *bus.Subscription) {
	for event := range sub.C {
		if !client.wants(event.Name) {
			continue
		}
		frame := protocol.ServerFrame{Type: event.Name, Payload: event.Payload}
		if err := client.send(frame); err != nil {
			client.conn.Close()
			return
		}
	}
}

// readLoop consumes client frames: subscribe narrows the event filter, ping
// gets a pong. Anything else is ignored.
func (s *Server) readLoop(client *wsClient) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case protocol.ClientSubscribe:
			var payload struct {
				Events []string `json:"events"`
			}
			if err := json.Unmarshal(frame.Payload, &payload); err == nil {
				client.setFilter(payload.Events)
			}
		case protocol.ClientPing:
			_ = client.send(protocol.ServerFrame{Type: protocol.ServerPong})
		}
	}
}
