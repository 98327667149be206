// internal/models/wire.go
package models

// Frame types the gateway writes to a device connection. A response answers
// the device's own request (matched by RequestID); an event is an unsolicited
// push; an error carries a structured failure for either.
const (
	FrameResponse = "response"
	FrameEvent    = "event"
	FrameError    = "error"
)

// ClientMessage is what a device sends over its connection: an event name,
// an optional correlation ID echoed back in the response, and a free-form
// data object interpreted per event.
type ClientMessage struct {
	Event     string                 `json:"event"`
	RequestID string                 `json:"request_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// ErrorBody is the structured error carried inside an error frame and inside
// non-2xx /gateway/handle responses.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ServerMessage is every frame the gateway writes to a device.
type ServerMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`
}

// ClientInfo identifies the sending device to the service behind the gateway.
// ConnectionID distinguishes multiple live connections from one device.
type ClientInfo struct {
	DeviceID     string `json:"device_id"`
	ConnectionID string `json:"connection_id"`
	IP           string `json:"ip,omitempty"`
}

// ForwardRequest is the gateway -> service envelope for one inbound device
// message, posted to the service's /gateway/handle endpoint.
type ForwardRequest struct {
	Client  ClientInfo    `json:"client"`
	Message ClientMessage `json:"message"`
}

// BroadcastTargets names the devices a broadcast should reach. The gateway
// silently skips device IDs with no live connection.
type BroadcastTargets struct {
	DeviceIDs []string `json:"device_ids"`
}

// BroadcastRequest is the service -> gateway envelope for a push, posted to
// the gateway's /internal/broadcast endpoint.
type BroadcastRequest struct {
	Event   string                 `json:"event"`
	Data    map[string]interface{} `json:"data"`
	Targets BroadcastTargets       `json:"targets"`
}
