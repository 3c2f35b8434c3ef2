package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aquamonitor/internal/logging"
	"aquamonitor/internal/models"
	"aquamonitor/internal/utils"
)

const (
	maxWebSocketConnections = 100
	writeWait               = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHub keeps the connected dashboards and pushes alerts to them.
type WebSocketHub struct {
	connections map[*websocket.Conn]bool
	mutex       sync.Mutex
	logger      *logging.Logger
}

func NewWebSocketHub(logger *logging.Logger) *WebSocketHub {
	return &WebSocketHub{
		connections: make(map[*websocket.Conn]bool),
		logger:      logger,
	}
}

func (h *WebSocketHub) Name() string { return "websocket" }

// ServeHTTP upgrades the request and keeps the connection until the client
// goes away.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	if !h.AddConnection(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer h.RemoveConnection(conn)

	// Reads only detect the close; clients do not send anything meaningful.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// AddConnection registers conn. It returns false when the hub is full.
func (h *WebSocketHub) AddConnection(conn *websocket.Conn) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if len(h.connections) >= maxWebSocketConnections {
		h.logger.Warnf("Max WebSocket connections reached (%d)", maxWebSocketConnections)
		return false
	}
	h.connections[conn] = true
	h.logger.Infof("Added WebSocket connection (total: %d)", len(h.connections))
	return true
}

func (h *WebSocketHub) RemoveConnection(conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.connections[conn]; ok {
		delete(h.connections, conn)
		_ = conn.Close()
		h.logger.Infof("Removed WebSocket connection (remaining: %d)", len(h.connections))
	}
}

// Count returns the number of open connections.
func (h *WebSocketHub) Count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.connections)
}

// Broadcast writes data to every connection and drops the ones that fail.
// Writes stop once ctx is done, and no write outlives the ctx deadline. It
// returns the number of clients reached.
func (h *WebSocketHub) Broadcast(ctx context.Context, data []byte) (int, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delivered := 0
	for conn := range h.connections {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		deadline := time.Now().Add(writeWait)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Errorf("Failed to send WebSocket message: %v", err)
			delete(h.connections, conn)
			_ = conn.Close()
			continue
		}
		delivered++
	}
	return delivered, nil
}

// SendMessage pushes the alert as JSON to every connected client. Having no
// clients is not an error. If ctx ends after some clients were reached, the
// error is permanent so a retry does not push the alert to them twice.
func (h *WebSocketHub) SendMessage(ctx context.Context, msg models.Message) (models.DeliveryResult, error) {
	data, err := json.Marshal(struct {
		Type    string       `json:"type"`
		Subject string       `json:"subject"`
		Text    string       `json:"text"`
		Alert   models.Alert `json:"alert"`
	}{"alert", msg.Subject, msg.Text, msg.Alert})
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("failed to marshal websocket message: %w", err)
	}
	n, err := h.Broadcast(ctx, data)
	if err != nil {
		err = fmt.Errorf("websocket broadcast interrupted after %d clients: %w", n, err)
		if n > 0 {
			err = utils.Permanent(err)
		}
		return models.DeliveryResult{}, err
	}
	return models.DeliveryResult{Channel: h.Name(), ExternalID: strconv.Itoa(n)}, nil
}
