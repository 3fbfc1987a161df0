// Package events fans payout decisions and weather data out to observers:
// WebSocket clients and a Kafka topic.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/microcrop/trigger-engine/internal/metrics"
	"github.com/microcrop/trigger-engine/internal/model"
	"github.com/microcrop/trigger-engine/internal/payout"
)

// Message types.
const (
	TypePayoutDecided = "payout_decided"
	TypeWeatherData   = "weather_data"
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type          string    `json:"type"`
	PolicyID      string    `json:"policy_id,omitempty"`
	FarmerID      string    `json:"farmer_id,omitempty"`
	Trigger       string    `json:"trigger,omitempty"`
	Severity      string    `json:"severity,omitempty"`
	Status        string    `json:"status,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	Readings      int       `json:"readings,omitempty"`
	At            time.Time `json:"at"`
}

// DecisionMessage converts a payout decision for broadcast.
func DecisionMessage(d payout.Decision) Message {
	msg := Message{
		Type:     TypePayoutDecided,
		PolicyID: d.PolicyID,
		FarmerID: d.FarmerID,
		Trigger:  d.Trigger.Type,
		Severity: d.Trigger.Severity,
		Status:   d.Status,
		Amount:   d.Amount.String(),
		At:       d.DecidedAt,
	}
	if d.Record != nil {
		msg.TransactionID = d.Record.TransactionID
	}
	return msg
}

// Hub manages WebSocket connections and broadcasts engine events to all
// connected clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	if m == nil {
		m = metrics.NewForTesting()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		metrics:    m,
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			h.metrics.EventClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.EventClients.Set(float64(n))
			h.logger.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.EventClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.EventClients.Set(float64(n))
		}
	}
}

// Broadcast queues a message for every connected client. Messages are
// dropped when the queue is full so publishers never block.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("ws broadcast queue full, dropping message", "type", msg.Type)
	}
}

// PayoutDecided broadcasts a payout decision.
func (h *Hub) PayoutDecided(_ context.Context, d payout.Decision) {
	h.Broadcast(DecisionMessage(d))
}

// OnWeatherData broadcasts a summary of freshly fetched readings.
func (h *Hub) OnWeatherData(deviceID string, readings []model.WeatherReading) {
	msg := Message{Type: TypeWeatherData, DeviceID: deviceID, Readings: len(readings)}
	if n := len(readings); n > 0 {
		msg.At = readings[n-1].Timestamp
	}
	h.Broadcast(msg)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // operator API is already authenticated
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			h.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			h.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
}
