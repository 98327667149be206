// internal/gateway/internal_http.go
//
// Service-facing endpoints: broadcast fan-out and device token minting.
// Both sit behind the shared internal token.
package gateway

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/resonata-audio/resonata/internal/auth"
	"github.com/resonata-audio/resonata/internal/models"
	"github.com/sirupsen/logrus"
)

// RequireInternalToken guards service-to-gateway endpoints with the
// X-Internal-Token header. An unconfigured token is a deployment error and
// fails closed with a 500.
func RequireInternalToken(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expected := os.Getenv("INTERNAL_AUTH_TOKEN")
			if expected == "" {
				logger.Error("INTERNAL_AUTH_TOKEN is not configured, refusing internal request")
				http.Error(w, "internal auth not configured", http.StatusInternalServerError)
				return
			}
			if r.Header.Get("X-Internal-Token") != expected {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BroadcastHandler pushes one event frame to the named devices and reports
// how many connections accepted it.
func BroadcastHandler(mgr *ConnectionManager, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.BroadcastRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.Event == "" {
			http.Error(w, "event is required", http.StatusBadRequest)
			return
		}

		sent := mgr.SendToDevices(req.Event, req.Data, req.Targets.DeviceIDs)
		logger.WithFields(logrus.Fields{
			"event":   req.Event,
			"targets": len(req.Targets.DeviceIDs),
			"sent":    sent,
		}).Debug("broadcast delivered")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"sent": sent})
	}
}

// DeviceTokenHandler mints a signed device token. Backends call this when
// onboarding a device; the device then presents the token on its WebSocket
// connection.
func DeviceTokenHandler(logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
			http.Error(w, "device_id is required", http.StatusBadRequest)
			return
		}

		token, err := auth.CreateDeviceToken(req.DeviceID)
		if err != nil {
			logger.WithError(err).Warn("device token mint failed")
			http.Error(w, "token mint failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"device_id": req.DeviceID,
			"token":     token,
		})
	}
}
