// internal/middleware/logging.go

package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// LogMiddleware logs one line per request: method, path, status, bytes
// written and elapsed time. Server errors log at warning level.
func LogMiddleware(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"remote":      r.RemoteAddr,
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("request failed")
			} else {
				entry.Info("request completed")
			}
		})
	}
}

// LogDeviceConnect records a connection becoming an identified device.
func LogDeviceConnect(logger *logrus.Logger, connectionID, deviceID, remoteAddr string) {
	logger.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"device_id":     deviceID,
		"remote":        remoteAddr,
	}).Info("device identified")
}

// LogDeviceDisconnect records a connection going away. deviceID is empty when
// the connection never identified.
func LogDeviceDisconnect(logger *logrus.Logger, connectionID, deviceID string) {
	logger.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"device_id":     deviceID,
	}).Info("connection closed")
}
