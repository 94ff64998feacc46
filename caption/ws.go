package caption

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSMessageType identifies a hub event on the wire.
type WSMessageType string

const (
	WSModelUpdated    WSMessageType = "model_updated"
	WSModelPending    WSMessageType = "model_pending"
	WSRecalcProgress  WSMessageType = "recalc_progress"
	WSRecalcCompleted WSMessageType = "recalc_completed"
)

// WSMessage is the envelope for every hub event.
type WSMessage struct {
	Type      WSMessageType   `json:"type"`
	VideoID   string          `json:"videoId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// wsModelData is the payload of model_updated and model_pending events.
type wsModelData struct {
	Version         string `json:"version,omitempty"`
	Seed            bool   `json:"seed,omitempty"`
	TrainingSamples int    `json:"trainingSamples"`
	RequiredSamples int    `json:"requiredSamples,omitempty"`
	InCount         int    `json:"inCount,omitempty"`
	OutCount        int    `json:"outCount,omitempty"`
}

// wsClient is one connected annotation UI.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans session events out to connected WebSocket clients. A client that
// cannot keep up is dropped rather than blocking the broadcast. Implements
// SessionNotifier.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHub creates a hub. Call Start in a goroutine before serving connections.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Annotation UIs connect from file:// and localhost origins
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the hub loop until Stop is called.
func (h *Hub) Start() {
	defer func() {
		log.Printf("WebSocket hub stopped")
	}()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("WebSocket client connected: %s (total: %d)", client.id, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected: %s (total: %d)", client.id, h.ClientCount())

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and closes every client connection.
func (h *Hub) Stop() {
	h.cancel()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades an HTTP request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
		id:   newClientID(),
	}

	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

// Broadcast queues a raw message for every client; drops it if the queue
// is full.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Printf("WebSocket broadcast queue is full, dropping message")
	}
}

// sendEvent marshals and broadcasts one typed event.
func (h *Hub) sendEvent(t WSMessageType, videoID string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("Error marshaling %s event data: %v", t, err)
		return
	}
	envelope, err := json.Marshal(WSMessage{
		Type:      t,
		VideoID:   videoID,
		Timestamp: time.Now(),
		Data:      payload,
	})
	if err != nil {
		log.Printf("Error marshaling %s event: %v", t, err)
		return
	}
	h.Broadcast(envelope)
}

// ModelUpdated implements SessionNotifier.
func (h *Hub) ModelUpdated(videoID string, m *Model) {
	h.sendEvent(WSModelUpdated, videoID, wsModelData{
		Version:         m.Version,
		Seed:            m.Seed,
		TrainingSamples: m.TrainingSamples,
		InCount:         m.InCount,
		OutCount:        m.OutCount,
	})
}

// ModelPending implements SessionNotifier.
func (h *Hub) ModelPending(videoID string, have, need int) {
	h.sendEvent(WSModelPending, videoID, wsModelData{
		TrainingSamples: have,
		RequiredSamples: need,
	})
}

// RecalcProgress implements SessionNotifier.
func (h *Hub) RecalcProgress(videoID string, p RecalcProgress) {
	h.sendEvent(WSRecalcProgress, videoID, p)
}

// RecalcCompleted implements SessionNotifier.
func (h *Hub) RecalcCompleted(videoID string, r RecalcResult) {
	h.sendEvent(WSRecalcCompleted, videoID, r)
}

// writePump drains the client's send queue and keeps the connection alive
// with periodic pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames until the connection drops. Events flow
// one way; clients talk to the service over HTTP and MQTT.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func newClientID() string {
	return fmt.Sprintf("client_%d", time.Now().UnixNano())
}
