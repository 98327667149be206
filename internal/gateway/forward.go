// internal/gateway/forward.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/resonata-audio/resonata/internal/models"
	"github.com/sirupsen/logrus"
)

// maxUpstreamBody bounds how much of a service reply the gateway will read.
const maxUpstreamBody = 1 << 20

// Forwarder routes inbound device messages to the service that owns their
// event namespace and folds the HTTP reply back into a frame.
type Forwarder struct {
	LobbyURL       string
	MeasurementURL string
	Client         *http.Client
	Logger         *logrus.Logger
}

// NewForwarderFromEnv reads LOBBY_URL and MEASUREMENT_URL. When only
// LOBBY_URL is set, measurement traffic goes there too, which matches the
// combined server binary.
func NewForwarderFromEnv(logger *logrus.Logger) *Forwarder {
	lobbyURL := os.Getenv("LOBBY_URL")
	if lobbyURL == "" {
		lobbyURL = "http://localhost:8080"
	}
	measurementURL := os.Getenv("MEASUREMENT_URL")
	if measurementURL == "" {
		measurementURL = lobbyURL
	}

	timeout := 10 * time.Second
	if v := os.Getenv("HTTP_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	return &Forwarder{
		LobbyURL:       strings.TrimRight(lobbyURL, "/"),
		MeasurementURL: strings.TrimRight(measurementURL, "/"),
		Client:         &http.Client{Timeout: timeout},
		Logger:         logger,
	}
}

// routeFor maps an event name prefix to the owning service base URL.
func (f *Forwarder) routeFor(event string) (string, bool) {
	switch {
	case strings.HasPrefix(event, "lobby.") || strings.HasPrefix(event, "role."):
		return f.LobbyURL, true
	case strings.HasPrefix(event, "measurement."):
		return f.MeasurementURL, true
	}
	return "", false
}

// Forward posts one device message to its service and always returns exactly
// one frame for the device: a response on success, an error frame otherwise.
func (f *Forwarder) Forward(ctx context.Context, client models.ClientInfo, msg models.ClientMessage) models.ServerMessage {
	base, ok := f.routeFor(msg.Event)
	if !ok {
		return errorFrame(msg, ErrCodeUnknownEvent, "no service handles event "+msg.Event)
	}

	body, err := json.Marshal(models.ForwardRequest{Client: client, Message: msg})
	if err != nil {
		return errorFrame(msg, ErrCodeBadRequest, "message could not be encoded")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/gateway/handle", bytes.NewReader(body))
	if err != nil {
		return errorFrame(msg, ErrCodeUpstreamError, "request build failed")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		f.Logger.WithError(err).WithFields(logrus.Fields{
			"event":     msg.Event,
			"device_id": client.DeviceID,
		}).Warn("upstream forward failed")
		return errorFrame(msg, ErrCodeUpstreamError, "service unavailable")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return errorFrame(msg, ErrCodeUpstreamError, "service reply unreadable")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb models.ErrorBody
		if err := json.Unmarshal(payload, &eb); err != nil || eb.Code == "" {
			eb = models.ErrorBody{Code: ErrCodeUpstreamError, Message: "service returned status " + strconv.Itoa(resp.StatusCode)}
		}
		return models.ServerMessage{
			Type:      models.FrameError,
			Event:     msg.Event,
			RequestID: msg.RequestID,
			Error:     &eb,
		}
	}

	var data interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			f.Logger.WithError(err).WithField("event", msg.Event).Warn("service reply is not JSON")
			return errorFrame(msg, ErrCodeUpstreamError, "service reply malformed")
		}
	}
	return models.ServerMessage{
		Type:      models.FrameResponse,
		Event:     msg.Event,
		RequestID: msg.RequestID,
		Data:      data,
	}
}

func errorFrame(msg models.ClientMessage, code, message string) models.ServerMessage {
	return models.ServerMessage{
		Type:      models.FrameError,
		Event:     msg.Event,
		RequestID: msg.RequestID,
		Error:     &models.ErrorBody{Code: code, Message: message},
	}
}
