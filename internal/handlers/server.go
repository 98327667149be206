// internal/handlers/server.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/resonata-audio/resonata/internal/measurement"
	"github.com/resonata-audio/resonata/internal/models"
	"github.com/resonata-audio/resonata/internal/protocol"
	"github.com/sirupsen/logrus"
)

// LobbyRegistry is the registry surface the handlers dispatch into.
type LobbyRegistry interface {
	CreateLobby(ctx context.Context, creatorDeviceID string) (*models.LobbySnapshot, error)
	JoinLobby(ctx context.Context, code, deviceID string) (*models.LobbySnapshot, error)
	LeaveLobby(ctx context.Context, lobbyID uuid.UUID, deviceID string) error
	AssignRole(ctx context.Context, lobbyID uuid.UUID, actorDeviceID, targetDeviceID, role, slotID, slotLabel string) (*models.Participant, error)
	GetLobby(ctx context.Context, lobbyID uuid.UUID) (*models.LobbySnapshot, error)
	Events(ctx context.Context, lobbyID uuid.UUID, afterID int64, limit int) ([]models.LobbyEvent, error)
	CloseLobby(ctx context.Context, lobbyID uuid.UUID, actorDeviceID string) error
	ShareRoomSnapshot(ctx context.Context, lobbyID uuid.UUID, sourceDeviceID string, snapshot map[string]interface{}) (int, error)
	ShareStepUpdate(ctx context.Context, lobbyID uuid.UUID, sourceDeviceID string, stepIndex int) (int, error)
	ShareProfileUpdate(ctx context.Context, lobbyID uuid.UUID, sourceDeviceID, profileID string) (int, error)
}

// SessionCoordinator is the measurement surface the handlers dispatch into.
type SessionCoordinator interface {
	CreateSession(ctx context.Context, actorDeviceID string, req measurement.CreateSessionRequest) (map[string]interface{}, error)
	HandleAck(ctx context.Context, deviceID, event string, data map[string]interface{}) (map[string]interface{}, error)
	CancelSession(ctx context.Context, actorDeviceID string, data map[string]interface{}) (map[string]interface{}, error)
	SessionStatus(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error)
	HandleClientError(ctx context.Context, deviceID string, data map[string]interface{}) (map[string]interface{}, error)
	StartSpeakerInfo(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error)
}

// Server wires the registry and coordinator behind both entry points: the
// gateway dispatch endpoint and the plain REST surface.
type Server struct {
	Logger      *logrus.Logger
	Registry    LobbyRegistry
	Coordinator SessionCoordinator
}

func NewServer(logger *logrus.Logger, registry LobbyRegistry, coordinator SessionCoordinator) *Server {
	return &Server{Logger: logger, Registry: registry, Coordinator: coordinator}
}

// writeJSON writes a 200 with the given payload.
func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// writeError maps a protocol error onto its HTTP status with a structured
// body the gateway can relay verbatim.
func writeError(w http.ResponseWriter, err error) {
	pe := protocol.AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(protocol.HTTPStatus(pe.Code))
	json.NewEncoder(w).Encode(models.ErrorBody{Code: pe.Code, Message: pe.Message})
}
