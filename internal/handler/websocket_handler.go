// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lab-bench/internal/events"
	"lab-bench/internal/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// WebSocketHandler streams bus events to operators and carries the selection dialog
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	hub         *SelectionHub
	bus         *events.Bus
	logger      *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler. An empty origin list
// or "*" accepts every origin.
func NewWebSocketHandler(
	connections *ConnectionManager,
	hub *SelectionHub,
	bus *events.Bus,
	allowedOrigins []string,
	logger *zap.Logger,
) *WebSocketHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(allowedOrigins) == 0 ||
				slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}

	return &WebSocketHandler{
		upgrader:    upgrader,
		connections: connections,
		hub:         hub,
		bus:         bus,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/ws", h.HandleConnection)
	router.GET("/ws/stats", h.GetConnectionStats)
}

// Start forwards bus events to the connected clients until ctx is done
func (h *WebSocketHandler) Start(ctx context.Context) {
	subscription := h.bus.Subscribe(events.AllEvents)
	defer h.bus.Unsubscribe(subscription)

	for {
		select {
		case <-ctx.Done():
			for _, client := range h.connections.Clients() {
				h.connections.Unregister(client)
			}
			return
		case event := <-subscription:
			message := &WebSocketMessage{Type: "event", Data: event, Timestamp: event.Timestamp}
			eventType := string(event.Type)
			_, err := h.connections.Broadcast(message, func(client *Client) bool {
				return client.Wants(eventType)
			})
			if err != nil {
				h.logger.Error("Failed to broadcast event", zap.Error(err))
			}
		}
	}
}

// HandleConnection upgrades an operator connection
// @Summary Operator websocket
// @Description Streams inventory events and carries device selection prompts
// @Tags WebSocket
// @Success 101 "Switching Protocols"
// @Router /ws [get]
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), conn, c.Request.UserAgent(), c.Request.RemoteAddr)
	h.connections.Register(client)
	h.logger.Info("WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	go h.handleClientWrite(client)
	go h.handleClientRead(client)
	h.hub.Resend(client)
}

// GetConnectionStats returns the connected clients and open selections
// @Summary WebSocket statistics
// @Tags WebSocket
// @Produce json
// @Success 200 {object} utils.APIResponse
// @Router /ws/stats [get]
func (h *WebSocketHandler) GetConnectionStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Connection stats retrieved", gin.H{
		"connections":        h.connections.GetStats(),
		"pending_selections": h.hub.Pending(),
	})
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message IncomingMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.logger.Warn("Failed to parse WebSocket message",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *IncomingMessage) {
	if h.hub.HandleMessage(client, message) {
		return
	}

	switch message.Type {
	case "subscribe", "unsubscribe":
		var topic struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(message.Data, &topic); err != nil || topic.Topic == "" {
			h.sendMessage(client, "error", map[string]interface{}{"error": "topic is required"})
			return
		}
		if message.Type == "subscribe" {
			client.Subscribe(topic.Topic)
			h.sendMessage(client, "subscription_confirmed", map[string]interface{}{"topic": topic.Topic})
		} else {
			client.Unsubscribe(topic.Topic)
		}
	case "ping":
		h.sendMessage(client, "pong", nil)
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
	}
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, messageType string, data interface{}) {
	messageBytes, err := json.Marshal(&WebSocketMessage{Type: messageType, Data: data, Timestamp: time.Now()})
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}
	if !client.Enqueue(messageBytes) {
		h.logger.Warn("Client send channel full, dropping message", zap.String("client_id", client.ID))
	}
}
