// internal/handler/selection_hub.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"lab-bench/internal/matcher"
	"lab-bench/internal/utils"
)

// ErrSelectionTimeout is returned when no operator decided in time
var ErrSelectionTimeout = errors.New("device selection timed out")

// Websocket message types of the selection dialog
const (
	MessageSelectionRequest = "selection_request"
	MessageSelectionUpdate  = "selection_update"
	MessageSelectionClosed  = "selection_closed"
	MessageSelectionTimeout = "selection_timeout"
	MessageSelectionToggle  = "selection_toggle"
	MessageSelectionConfirm = "selection_confirm"
	MessageSelectionCancel  = "selection_cancel"
)

// SelectionCommand is sent by an operator to change or close a selection
type SelectionCommand struct {
	SessionID   uuid.UUID `json:"session_id"`
	Requirement int       `json:"requirement"`
	DeviceID    uuid.UUID `json:"device_id"`
}

// SelectionPayload is the state pushed to operators
type SelectionPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	matcher.SelectionView
}

type selectionSession struct {
	id        uuid.UUID
	selection *matcher.Selection
	decision  chan bool
}

// decide delivers the first decision; later ones are ignored
func (s *selectionSession) decide(confirmed bool) bool {
	select {
	case s.decision <- confirmed:
		return true
	default:
		return false
	}
}

// SelectionHub lets connected operators resolve over-defined requirements.
// It implements matcher.Selector.
type SelectionHub struct {
	connections *ConnectionManager
	sessions    *xsync.MapOf[uuid.UUID, *selectionSession]
	timeout     time.Duration
	logger      *utils.ServiceLogger
}

// NewSelectionHub creates a hub; a zero timeout waits until the caller's context ends
func NewSelectionHub(connections *ConnectionManager, timeout time.Duration, logger *zap.Logger) *SelectionHub {
	return &SelectionHub{
		connections: connections,
		sessions:    xsync.NewMapOf[uuid.UUID, *selectionSession](),
		timeout:     timeout,
		logger:      utils.NewServiceLogger(logger, "selection-hub"),
	}
}

// Select publishes the selection to every operator and waits for a decision.
// With nobody connected the selection is declined at once.
func (h *SelectionHub) Select(ctx context.Context, selection *matcher.Selection) (bool, error) {
	if h.connections.Count() == 0 {
		h.logger.Warn("No operator connected, declining device selection")
		return false, nil
	}

	session := &selectionSession{
		id:        uuid.New(),
		selection: selection,
		decision:  make(chan bool, 1),
	}
	h.sessions.Store(session.id, session)
	defer h.sessions.Delete(session.id)

	h.logger.Info("Device selection requested",
		zap.String("session_id", session.id.String()),
		zap.Int("requirements", selection.Len()),
	)
	h.broadcast(MessageSelectionRequest, session.payload())

	var timeout <-chan time.Time
	if h.timeout > 0 {
		timer := time.NewTimer(h.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case confirmed := <-session.decision:
		h.logger.Info("Device selection closed",
			zap.String("session_id", session.id.String()),
			zap.Bool("confirmed", confirmed),
		)
		return confirmed, nil
	case <-timeout:
		h.logger.Warn("Device selection timed out", zap.String("session_id", session.id.String()))
		h.broadcast(MessageSelectionTimeout, map[string]interface{}{"session_id": session.id})
		return false, ErrSelectionTimeout
	case <-ctx.Done():
		h.broadcast(MessageSelectionClosed, map[string]interface{}{"session_id": session.id, "confirmed": false})
		return false, ctx.Err()
	}
}

// Pending returns the ids of the open selection sessions
func (h *SelectionHub) Pending() []uuid.UUID {
	var ids []uuid.UUID
	h.sessions.Range(func(id uuid.UUID, _ *selectionSession) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// HandleMessage processes a selection message from client. It reports
// false for message types that do not belong to the selection dialog.
func (h *SelectionHub) HandleMessage(client *Client, message *IncomingMessage) bool {
	switch message.Type {
	case MessageSelectionToggle, MessageSelectionConfirm, MessageSelectionCancel:
	default:
		return false
	}

	var cmd SelectionCommand
	if err := json.Unmarshal(message.Data, &cmd); err != nil {
		h.reply(client, "error", map[string]interface{}{"error": "invalid selection command"})
		return true
	}
	session, ok := h.sessions.Load(cmd.SessionID)
	if !ok {
		h.reply(client, "error", map[string]interface{}{"error": fmt.Sprintf("unknown selection session %s", cmd.SessionID)})
		return true
	}

	switch message.Type {
	case MessageSelectionToggle:
		if err := session.selection.Toggle(cmd.Requirement, cmd.DeviceID); err != nil {
			h.reply(client, "error", map[string]interface{}{"error": err.Error()})
			return true
		}
		h.broadcast(MessageSelectionUpdate, session.payload())

	case MessageSelectionConfirm:
		if !session.selection.Complete() {
			h.reply(client, "error", map[string]interface{}{
				"error":      "every requirement needs a valid number of selected devices",
				"session_id": session.id,
			})
			return true
		}
		if session.decide(true) {
			h.broadcast(MessageSelectionClosed, map[string]interface{}{"session_id": session.id, "confirmed": true})
		}

	case MessageSelectionCancel:
		if session.decide(false) {
			h.broadcast(MessageSelectionClosed, map[string]interface{}{"session_id": session.id, "confirmed": false})
		}
	}
	return true
}

// Resend pushes every open selection to a client that just connected
func (h *SelectionHub) Resend(client *Client) {
	h.sessions.Range(func(_ uuid.UUID, session *selectionSession) bool {
		h.reply(client, MessageSelectionRequest, session.payload())
		return true
	})
}

func (s *selectionSession) payload() SelectionPayload {
	return SelectionPayload{SessionID: s.id, SelectionView: s.selection.View()}
}

func (h *SelectionHub) broadcast(messageType string, data interface{}) {
	message := &WebSocketMessage{Type: messageType, Data: data, Timestamp: time.Now()}
	if _, err := h.connections.Broadcast(message, nil); err != nil {
		h.logger.Error("Failed to broadcast selection message", zap.Error(err))
	}
}

func (h *SelectionHub) reply(client *Client, messageType string, data interface{}) {
	message := &WebSocketMessage{Type: messageType, Data: data, Timestamp: time.Now()}
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal selection message", zap.Error(err))
		return
	}
	if !client.Enqueue(messageBytes) {
		h.logger.Warn("Client send channel full, dropping message", zap.String("client_id", client.ID))
	}
}
