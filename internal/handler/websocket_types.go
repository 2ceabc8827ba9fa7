// internal/handler/websocket_types.go
package handler

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

// Client represents a WebSocket client
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Send        chan []byte     `json:"-"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`

	// event types the client asked for; empty means every event
	subscriptions *xsync.MapOf[string, bool]

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a client around an upgraded connection
func NewClient(id string, conn *websocket.Conn, userAgent, remoteAddr string) *Client {
	return &Client{
		ID:            id,
		Connection:    conn,
		Send:          make(chan []byte, 256),
		UserAgent:     userAgent,
		RemoteAddr:    remoteAddr,
		ConnectedAt:   time.Now(),
		subscriptions: xsync.NewMapOf[string, bool](),
	}
}

// Subscribe restricts the forwarded events to topic and any earlier topics
func (c *Client) Subscribe(topic string) {
	c.subscriptions.Store(topic, true)
}

// Unsubscribe drops one topic
func (c *Client) Unsubscribe(topic string) {
	c.subscriptions.Delete(topic)
}

// Wants reports whether an event type should be forwarded to the client
func (c *Client) Wants(eventType string) bool {
	if c.subscriptions.Size() == 0 {
		return true
	}
	_, ok := c.subscriptions.Load(eventType)
	return ok
}

// Enqueue queues a message without blocking; false when the queue is full or closed
func (c *Client) Enqueue(message []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// IncomingMessage is a client message whose data is decoded per type
type IncomingMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// ConnectionManager manages WebSocket connections
type ConnectionManager struct {
	clients *xsync.MapOf[string, *Client]
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{clients: xsync.NewMapOf[string, *Client]()}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.clients.Store(client.ID, client)
}

// Unregister removes a client and closes its send queue
func (cm *ConnectionManager) Unregister(client *Client) {
	if _, ok := cm.clients.LoadAndDelete(client.ID); ok {
		client.closeSend()
	}
}

// Count returns the number of connected clients
func (cm *ConnectionManager) Count() int {
	return cm.clients.Size()
}

// Clients returns every connected client
func (cm *ConnectionManager) Clients() []*Client {
	clients := make([]*Client, 0, cm.clients.Size())
	cm.clients.Range(func(_ string, client *Client) bool {
		clients = append(clients, client)
		return true
	})
	return clients
}

// Broadcast queues message for every client accepted by filter (nil accepts all)
// and returns how many clients received it
func (cm *ConnectionManager) Broadcast(message *WebSocketMessage, filter func(*Client) bool) (int, error) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal websocket message: %w", err)
	}

	delivered := 0
	cm.clients.Range(func(_ string, client *Client) bool {
		if filter != nil && !filter(client) {
			return true
		}
		if client.Enqueue(messageBytes) {
			delivered++
		}
		return true
	})
	return delivered, nil
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	clients := cm.Clients()
	return &ConnectionStats{
		TotalConnections: len(clients),
		Clients:          clients,
	}
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int       `json:"total_connections"`
	Clients          []*Client `json:"clients"`
}
