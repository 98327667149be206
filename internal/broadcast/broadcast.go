// internal/broadcast/broadcast.go
package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/resonata-audio/resonata/internal/models"
	"github.com/sirupsen/logrus"
)

// Broadcaster pushes an event to a set of devices, best-effort. Delivery
// failure is invisible to callers: disconnected devices catch up through the
// event log and status polling, never through redelivery.
type Broadcaster interface {
	Broadcast(event string, data map[string]interface{}, deviceIDs []string)
}

// GatewayClient implements Broadcaster against the edge gateway's
// /internal/broadcast endpoint.
type GatewayClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Logger  *logrus.Logger
}

// NewGatewayClientFromEnv builds a client from GATEWAY_URL,
// INTERNAL_AUTH_TOKEN and HTTP_TIMEOUT.
func NewGatewayClientFromEnv(logger *logrus.Logger) *GatewayClient {
	base := os.Getenv("GATEWAY_URL")
	if base == "" {
		base = "http://localhost:8081"
	}
	timeout := 10 * time.Second
	if raw := os.Getenv("HTTP_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		}
	}
	return &GatewayClient{
		BaseURL: base,
		Token:   os.Getenv("INTERNAL_AUTH_TOKEN"),
		Client:  &http.Client{Timeout: timeout},
		Logger:  logger,
	}
}

// Broadcast posts the event to the gateway in a goroutine so callers holding
// a session lock never wait on the network. An empty target list no-ops.
func (gc *GatewayClient) Broadcast(event string, data map[string]interface{}, deviceIDs []string) {
	if len(deviceIDs) == 0 {
		return
	}

	req := models.BroadcastRequest{
		Event:   event,
		Data:    data,
		Targets: models.BroadcastTargets{DeviceIDs: deviceIDs},
	}
	body, err := json.Marshal(req)
	if err != nil {
		gc.Logger.Errorf("failed to marshal broadcast %s: %v", event, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), gc.Client.Timeout)
		defer cancel()

		if err := gc.post(ctx, body); err != nil {
			gc.Logger.WithFields(logrus.Fields{
				"event":   event,
				"targets": len(deviceIDs),
			}).Warnf("broadcast failed: %v", err)
		}
	}()
}

func (gc *GatewayClient) post(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, gc.BaseURL+"/internal/broadcast", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Internal-Token", gc.Token)

	resp, err := gc.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway answered %d", resp.StatusCode)
	}
	return nil
}
