package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"fleetwatch/internal/fleet"
)

// Client message types.
const (
	msgSubscribe    = "subscribe"
	msgUnsubscribe  = "unsubscribe"
	msgSubscribed   = "subscribed"
	msgUnsubscribed = "unsubscribed"
	msgError        = "error"
)

// clientMessage is a message sent by a WebSocket client.
type clientMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

// serverMessage acknowledges a client message.
type serverMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// outbound is a message addressed to a set of subscribers.
type outbound struct {
	msg     interface{}
	targets []fleet.SubscriberID
}

// WSHub manages WebSocket connections and delivers events to the clients
// they are addressed to.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	outbound   chan outbound

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	id   fleet.SubscriberID
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		outbound:   make(chan outbound, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			// Close all remaining clients on shutdown
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "id", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "id", client.id, "total", total)

		case out := <-h.outbound:
			h.deliver(out)
		}
	}
}

func (h *WSHub) deliver(out outbound) {
	if len(out.targets) == 0 {
		return
	}
	data, err := json.Marshal(out.msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	targets := make(map[fleet.SubscriberID]struct{}, len(out.targets))
	for _, id := range out.targets {
		targets[id] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var slow []*wsClient
	for client := range h.clients {
		if _, ok := targets[client.id]; !ok {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client too slow, mark for eviction
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		delete(h.clients, client)
		close(client.send)
		h.logger.Warn("ws client evicted (too slow)", "id", client.id)
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Send queues msg for the clients whose ids are in targets. A message with
// no targets is dropped.
func (h *WSHub) Send(msg interface{}, targets []fleet.SubscriberID) {
	select {
	case h.outbound <- outbound{msg: msg, targets: targets}:
	default:
		h.logger.Warn("ws outbound channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		id:   fleet.SubscriberID(uuid.New().String()),
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		s.svc.Monitor.UnsubscribeAll(client.id)
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			// Hub already shut down; close connection directly.
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel read context when hub shuts down.
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		reply := s.handleClientMessage(client.id, data)
		s.wsHub.Send(reply, []fleet.SubscriberID{client.id})
	}
}

// handleClientMessage applies a subscribe or unsubscribe request and returns
// the acknowledgement for the client.
func (s *Server) handleClientMessage(id fleet.SubscriberID, data []byte) serverMessage {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return serverMessage{Type: msgError, Error: "invalid message"}
	}
	if msg.DeviceID == "" {
		return serverMessage{Type: msgError, Error: "device_id is required"}
	}
	switch msg.Type {
	case msgSubscribe:
		s.svc.Monitor.Subscribe(msg.DeviceID, id)
		return serverMessage{Type: msgSubscribed, DeviceID: msg.DeviceID}
	case msgUnsubscribe:
		s.svc.Monitor.Unsubscribe(msg.DeviceID, id)
		return serverMessage{Type: msgUnsubscribed, DeviceID: msg.DeviceID}
	default:
		return serverMessage{Type: msgError, DeviceID: msg.DeviceID, Error: "unknown message type"}
	}
}
