// Package stream broadcasts frames to map clients over WebSocket.
package stream

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleet-tracker/internal/fleet"
	mmetrics "fleet-tracker/internal/metrics"
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Envelope is the wire message: {"type":"vehicles|playback|view","data":...}.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// replay is the order in which the last frame of each type is sent to a new
// client.
var replay = []string{"vehicles", "playback", "view"}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub keeps the connected clients and the last frame of each type so a new
// client can draw immediately.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *mmetrics.Collector

	mu      sync.Mutex
	clients map[*client]struct{}
	last    map[string][]byte
}

func NewHub(metrics *mmetrics.Collector) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		clients: make(map[*client]struct{}),
		last:    make(map[string][]byte),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	for _, typ := range replay {
		if msg, ok := h.last[typ]; ok {
			c.send <- msg
		}
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.setGauge(n)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) PublishVehicles(frame fleet.VehiclesFrame) { h.broadcast("vehicles", frame) }
func (h *Hub) PublishPlayback(frame fleet.PlaybackFrame) { h.broadcast("playback", frame) }
func (h *Hub) PublishView(frame fleet.ViewFrame)         { h.broadcast("view", frame) }

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.setGauge(0)
}

// broadcast never blocks: a client whose buffer is full misses the frame and
// catches up on the next one.
func (h *Hub) broadcast(typ string, data any) {
	msg, err := json.Marshal(Envelope{Type: typ, Data: data})
	if err != nil {
		log.Printf("ws marshal %s: %v", typ, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[typ] = msg
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.setGauge(n)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) setGauge(n int) {
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
}
