// internal/gateway/manager.go
//
// The ConnectionManager tracks every live device connection. A device may
// hold several connections at once (a phone app plus a browser tab); pushes
// fan out to all of them.
package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/resonata-audio/resonata/internal/middleware"
	"github.com/resonata-audio/resonata/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Client is one WebSocket connection. DeviceID stays empty until the
// connection identifies; only identified connections receive broadcasts.
type Client struct {
	ConnectionID uuid.UUID
	DeviceID     string
	RemoteAddr   string
	OutChan      chan models.ServerMessage
	Cancel       context.CancelFunc
	Limiter      *rate.Limiter
}

// Send pushes a frame onto the connection's out channel without blocking.
// Returns false if the channel is full, which means the write pump is not
// keeping up and the frame was dropped.
func (c *Client) Send(msg models.ServerMessage) bool {
	select {
	case c.OutChan <- msg:
		return true
	default:
		return false
	}
}

// SendError wraps a code/message pair into an error frame.
func (c *Client) SendError(event, requestID, code, message string) bool {
	return c.Send(models.ServerMessage{
		Type:      models.FrameError,
		Event:     event,
		RequestID: requestID,
		Error:     &models.ErrorBody{Code: code, Message: message},
	})
}

type ConnectionManager struct {
	mu       sync.Mutex
	byConn   map[uuid.UUID]*Client
	byDevice map[string]map[uuid.UUID]*Client

	Logger *logrus.Logger
}

func NewConnectionManager(logger *logrus.Logger) *ConnectionManager {
	return &ConnectionManager{
		byConn:   make(map[uuid.UUID]*Client),
		byDevice: make(map[string]map[uuid.UUID]*Client),
		Logger:   logger,
	}
}

// Register adds a fresh, not-yet-identified connection.
func (m *ConnectionManager) Register(c *Client) {
	m.mu.Lock()
	m.byConn[c.ConnectionID] = c
	m.mu.Unlock()
}

// Bind attaches a device identity to a registered connection. Rebinding the
// same connection to a new device is not allowed; callers enforce that before
// calling.
func (m *ConnectionManager) Bind(c *Client, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.DeviceID = deviceID
	conns, ok := m.byDevice[deviceID]
	if !ok {
		conns = make(map[uuid.UUID]*Client)
		m.byDevice[deviceID] = conns
	}
	conns[c.ConnectionID] = c
	middleware.LogDeviceConnect(m.Logger, c.ConnectionID.String(), deviceID, c.RemoteAddr)
}

// Unregister removes the connection from both indexes.
func (m *ConnectionManager) Unregister(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byConn, c.ConnectionID)
	if c.DeviceID != "" {
		if conns, ok := m.byDevice[c.DeviceID]; ok {
			delete(conns, c.ConnectionID)
			if len(conns) == 0 {
				delete(m.byDevice, c.DeviceID)
			}
		}
	}
}

// SendToDevices pushes an event frame to every live connection of the named
// devices and returns how many connections accepted it. Unknown devices are
// skipped, full out channels are dropped with a warning.
func (m *ConnectionManager) SendToDevices(event string, data map[string]interface{}, deviceIDs []string) int {
	msg := models.ServerMessage{Type: models.FrameEvent, Event: event, Data: data}

	m.mu.Lock()
	var targets []*Client
	for _, id := range deviceIDs {
		for _, c := range m.byDevice[id] {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if c.Send(msg) {
			sent++
			continue
		}
		m.Logger.WithFields(logrus.Fields{
			"device_id":     c.DeviceID,
			"connection_id": c.ConnectionID,
			"event":         event,
		}).Warn("out channel full, frame dropped")
	}
	return sent
}

// Counts reports live connections and distinct identified devices.
func (m *ConnectionManager) Counts() (connections, devices int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byConn), len(m.byDevice)
}
