// cmd/gateway/gateway.go runs the websocket edge: it terminates device
// connections, forwards their events to the coordination service over HTTP,
// and exposes the internal broadcast endpoint the service pushes through.
package main

import (
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/resonata-audio/resonata/internal/auth"
	"github.com/resonata-audio/resonata/internal/gateway"
)

func main() {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(lvl)
	}

	// Device-token keys: a persisted ed25519 pair when paths are configured,
	// an ephemeral pair otherwise. Ephemeral keys invalidate outstanding
	// tokens on restart, which is acceptable for development only.
	privPath, pubPath := os.Getenv("DEVICE_KEY_PRIVATE"), os.Getenv("DEVICE_KEY_PUBLIC")
	if privPath != "" && pubPath != "" {
		if err := auth.InitFromPath(privPath, pubPath); err != nil {
			log.Fatalf("failed to load device token keys: %v", err)
		}
	} else {
		auth.Init()
		logger.Warn("DEVICE_KEY_PRIVATE/DEVICE_KEY_PUBLIC not set, using ephemeral keys")
	}

	mgr := gateway.NewConnectionManager(logger)
	fwd := gateway.NewForwarderFromEnv(logger)
	cfg := gateway.WSConfigFromEnv()

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Heartbeat("/health"))

	r.Get("/ws", gateway.WSHandler(logger, mgr, fwd, cfg))

	r.Group(func(r chi.Router) {
		r.Use(gateway.RequireInternalToken(logger))
		r.Post("/internal/broadcast", gateway.BroadcastHandler(mgr, logger))
		r.Post("/internal/device-token", gateway.DeviceTokenHandler(logger))
	})

	addr := ":8081"
	if port := os.Getenv("GATEWAY_PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("resonata gateway listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("gateway exited: %v", err)
	}
}

func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}
