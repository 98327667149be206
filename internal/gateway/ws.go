// internal/gateway/ws.go
//
// The device-facing WebSocket endpoint. A connection first identifies (query
// parameter or gateway.identify frame), then every message is forwarded to
// the owning service and exactly one frame comes back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/resonata-audio/resonata/internal/auth"
	"github.com/resonata-audio/resonata/internal/middleware"
	"github.com/resonata-audio/resonata/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Subprotocol every device connection must speak.
const Subprotocol = "resonata"

// Gateway-owned events around connection identity.
const (
	EventIdentify         = "gateway.identify"
	EventIdentified       = "gateway.identified"
	EventIdentifyRequired = "gateway.identify_required"
)

type WSConfig struct {
	MaxMessageBytes int64
	RateRPS         float64
	RateBurst       int
	TokenRequired   bool
	AllowedOrigins  []string
}

func WSConfigFromEnv() WSConfig {
	cfg := WSConfig{
		MaxMessageBytes: 64 * 1024,
		RateRPS:         20,
		RateBurst:       40,
		AllowedOrigins:  []string{"*"},
	}
	if v := os.Getenv("MAX_MESSAGE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxMessageBytes = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RateRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateBurst = n
		}
	}
	if v := os.Getenv("DEVICE_TOKEN_REQUIRED"); v == "true" || v == "1" {
		cfg.TokenRequired = true
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = strings.Split(v, ",")
	}
	return cfg
}

// WSHandler upgrades the connection, runs the identify flow and then pumps
// messages until the client goes away.
func WSHandler(logger *logrus.Logger, mgr *ConnectionManager, fwd *Forwarder, cfg WSConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{Subprotocol},
			OriginPatterns: cfg.AllowedOrigins,
		})
		if err != nil {
			logger.Warnf("websocket accept error from %s: %v", remoteAddr, err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != Subprotocol {
			c.Close(BadSubprotocolError, "client must speak the resonata subprotocol")
			return
		}
		c.SetReadLimit(cfg.MaxMessageBytes)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		client := &Client{
			ConnectionID: uuid.New(),
			RemoteAddr:   remoteAddr,
			OutChan:      make(chan models.ServerMessage, 16),
			Cancel:       cancel,
			Limiter:      rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
		}
		mgr.Register(client)
		defer mgr.Unregister(client)

		go writePump(ctx, c, client, logger)

		// Fast path: identity in the query string.
		if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
			if err := authorizeDevice(deviceID, r.URL.Query().Get("token"), cfg.TokenRequired); err != nil {
				logger.Warnf("device %s auth failed from %s: %v", deviceID, remoteAddr, err)
				c.Close(InvalidDeviceTokenError, "device authentication failed")
				return
			}
			mgr.Bind(client, deviceID)
			client.Send(identifiedFrame(client))
		} else {
			client.Send(models.ServerMessage{
				Type:  models.FrameEvent,
				Event: EventIdentifyRequired,
				Data:  map[string]interface{}{"hint": "send gateway.identify with a device_id before anything else"},
			})
		}

		readPump(ctx, c, client, mgr, fwd, logger, cfg)

		middleware.LogDeviceDisconnect(logger, client.ConnectionID.String(), client.DeviceID)
	}
}

func readPump(ctx context.Context, c *websocket.Conn, client *Client, mgr *ConnectionManager, fwd *Forwarder, logger *logrus.Logger, cfg WSConfig) {
	for {
		typ, raw, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
			case status == websocket.StatusMessageTooBig:
				logger.Warnf("connection %s exceeded the %d byte message limit", client.ConnectionID, cfg.MaxMessageBytes)
			case errors.Is(err, context.Canceled):
			default:
				logger.Warnf("read error on connection %s: %v", client.ConnectionID, err)
			}
			return
		}
		if typ != websocket.MessageText {
			logger.Warnf("connection %s sent non-text message type %d, ignoring", client.ConnectionID, typ)
			continue
		}

		if !client.Limiter.Allow() {
			client.SendError("", "", ErrCodeRateLimited, "slow down")
			continue
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			client.SendError("", "", ErrCodeBadRequest, "frame is not valid JSON")
			continue
		}
		if msg.Event == "" {
			client.SendError("", msg.RequestID, ErrCodeBadRequest, "event is required")
			continue
		}

		if msg.Event == EventIdentify {
			client.Send(handleIdentify(client, mgr, msg, cfg.TokenRequired, logger))
			continue
		}
		if client.DeviceID == "" {
			client.SendError(msg.Event, msg.RequestID, ErrCodeUnauthenticated, "identify before sending events")
			continue
		}

		frame := fwd.Forward(ctx, models.ClientInfo{
			DeviceID:     client.DeviceID,
			ConnectionID: client.ConnectionID.String(),
			IP:           client.RemoteAddr,
		}, msg)
		if !client.Send(frame) {
			logger.Warnf("connection %s out channel full, response to %s dropped", client.ConnectionID, msg.Event)
		}
	}
}

// handleIdentify binds a device identity to the connection. Re-identifying
// with the same device is idempotent; switching devices on a live connection
// is rejected.
func handleIdentify(client *Client, mgr *ConnectionManager, msg models.ClientMessage, tokenRequired bool, logger *logrus.Logger) models.ServerMessage {
	deviceID, _ := msg.Data["device_id"].(string)
	if deviceID == "" {
		return identifyError(msg, ErrCodeBadRequest, "device_id is required")
	}
	if client.DeviceID != "" {
		if client.DeviceID == deviceID {
			f := identifiedFrame(client)
			f.RequestID = msg.RequestID
			return f
		}
		return identifyError(msg, ErrCodeBadRequest, "connection is already identified as another device")
	}

	token, _ := msg.Data["token"].(string)
	if err := authorizeDevice(deviceID, token, tokenRequired); err != nil {
		logger.Warnf("identify rejected for device %s: %v", deviceID, err)
		return identifyError(msg, ErrCodeUnauthenticated, "device authentication failed")
	}

	mgr.Bind(client, deviceID)
	f := identifiedFrame(client)
	f.RequestID = msg.RequestID
	return f
}

// authorizeDevice verifies the device token when token auth is enabled. The
// token subject must name the device it accompanies.
func authorizeDevice(deviceID, token string, required bool) error {
	if !required {
		return nil
	}
	if token == "" {
		return errors.New("device token required")
	}
	sub, err := auth.AuthenticateDeviceToken(token)
	if err != nil {
		return err
	}
	if sub != deviceID {
		return errors.New("token subject does not match device_id")
	}
	return nil
}

func identifiedFrame(client *Client) models.ServerMessage {
	return models.ServerMessage{
		Type:  models.FrameResponse,
		Event: EventIdentified,
		Data: map[string]interface{}{
			"device_id":     client.DeviceID,
			"connection_id": client.ConnectionID.String(),
		},
	}
}

func identifyError(msg models.ClientMessage, code, message string) models.ServerMessage {
	return models.ServerMessage{
		Type:      models.FrameError,
		Event:     msg.Event,
		RequestID: msg.RequestID,
		Error:     &models.ErrorBody{Code: code, Message: message},
	}
}

func writePump(ctx context.Context, c *websocket.Conn, client *Client, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.OutChan:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Warnf("marshal failed for outgoing frame on %s: %v", client.ConnectionID, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Warnf("write failed on connection %s: %v", client.ConnectionID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("ping failed on connection %s, assuming disconnect: %v", client.ConnectionID, err)
				return
			}
		}
	}
}
