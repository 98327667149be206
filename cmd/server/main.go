// cmd/server/main.go
package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/resonata-audio/resonata/internal/broadcast"
	"github.com/resonata-audio/resonata/internal/cache"
	"github.com/resonata-audio/resonata/internal/database"
	"github.com/resonata-audio/resonata/internal/handlers"
	"github.com/resonata-audio/resonata/internal/measurement"
	"github.com/resonata-audio/resonata/internal/middleware"
	"github.com/resonata-audio/resonata/internal/registry"
)

func main() {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(lvl)
	}

	if getEnv("AUTO_MIGRATE", "true") == "true" {
		if err := database.MigrateUp(database.DatabaseURL()); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}
	database.ConnectDB()
	if err := cache.ConnectRedis(); err != nil {
		log.Fatalf("redis: %v", err)
	}

	gw := broadcast.NewGatewayClientFromEnv(logger)
	reg := registry.New(gw, logger)
	coord := measurement.NewCoordinator(reg, gw, cache.PublishSessionArchive, logger, measurement.ConfigFromEnv())
	srv := handlers.NewServer(logger, reg, coord)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Heartbeat("/health"))
	r.Use(middleware.LogMiddleware(logger))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: func() []string {
			// Production pins the origin list; everything else stays open
			// for local development.
			if os.Getenv("RESONATA_ENV") == "production" {
				return strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",")
			}
			return []string{"https://*", "http://*"}
		}(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Inbound device events forwarded by the gateway.
	r.Post("/gateway/handle", srv.GatewayHandle())

	// REST mirror for clients that poll instead of holding a socket.
	r.Route("/v1/lobbies", func(r chi.Router) {
		r.Post("/", srv.CreateLobbyHandler())
		r.Post("/join", srv.JoinLobbyHandler())
		r.Get("/{lobbyID}", srv.GetLobbyHandler())
		r.Get("/{lobbyID}/events", srv.LobbyEventsHandler())
		r.Post("/{lobbyID}/leave", srv.LeaveLobbyHandler())
		r.Post("/{lobbyID}/roles", srv.AssignRoleHandler())
		r.Post("/{lobbyID}/close", srv.CloseLobbyHandler())
	})

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("resonata service listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

// getEnv retrieves an environment variable's value or returns a default.
func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}
