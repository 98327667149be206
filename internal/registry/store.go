// internal/registry/store.go
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/resonata-audio/resonata/internal/database"
	"github.com/resonata-audio/resonata/internal/models"
)

// Store is the persistence surface the registry drives. The default
// implementation sits on the Postgres pool; tests swap in an in-memory fake.
// Missing rows surface as database.ErrNotFound.
type Store interface {
	CreateLobby(ctx context.Context, lobby *models.Lobby, creator *models.Participant, ev *models.LobbyEvent) error
	GetLobbyByID(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error)
	GetLobbyByCode(ctx context.Context, code string) (*models.Lobby, error)
	LobbyCodeInUse(ctx context.Context, code string) (bool, error)
	SetLobbyState(ctx context.Context, lobbyID uuid.UUID, state string) error
	CloseLobbyWithEvent(ctx context.Context, lobbyID uuid.UUID, ev *models.LobbyEvent) error

	GetParticipant(ctx context.Context, lobbyID uuid.UUID, deviceID string) (*models.Participant, error)
	ListParticipants(ctx context.Context, lobbyID uuid.UUID) ([]models.Participant, error)
	JoinLobby(ctx context.Context, p *models.Participant, ev *models.LobbyEvent) error
	ReactivateParticipant(ctx context.Context, participantID uuid.UUID, ev *models.LobbyEvent) error
	MarkParticipantLeft(ctx context.Context, participantID uuid.UUID, leftAt time.Time, ev *models.LobbyEvent) error
	AssignParticipantRole(ctx context.Context, participantID uuid.UUID, role, slotID, slotLabel string, ev *models.LobbyEvent) error

	AppendLobbyEvent(ctx context.Context, ev *models.LobbyEvent) error
	ListLobbyEvents(ctx context.Context, lobbyID uuid.UUID, afterID int64, limit int) ([]models.LobbyEvent, error)
}

// pgStore delegates to the database package's pool-backed queries.
type pgStore struct{}

func (pgStore) CreateLobby(ctx context.Context, lobby *models.Lobby, creator *models.Participant, ev *models.LobbyEvent) error {
	return database.CreateLobby(ctx, lobby, creator, ev)
}

func (pgStore) GetLobbyByID(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error) {
	return database.GetLobbyByID(ctx, lobbyID)
}

func (pgStore) GetLobbyByCode(ctx context.Context, code string) (*models.Lobby, error) {
	return database.GetLobbyByCode(ctx, code)
}

func (pgStore) LobbyCodeInUse(ctx context.Context, code string) (bool, error) {
	return database.LobbyCodeInUse(ctx, code)
}

func (pgStore) SetLobbyState(ctx context.Context, lobbyID uuid.UUID, state string) error {
	return database.SetLobbyState(ctx, lobbyID, state)
}

func (pgStore) CloseLobbyWithEvent(ctx context.Context, lobbyID uuid.UUID, ev *models.LobbyEvent) error {
	return database.CloseLobbyWithEvent(ctx, lobbyID, ev)
}

func (pgStore) GetParticipant(ctx context.Context, lobbyID uuid.UUID, deviceID string) (*models.Participant, error) {
	return database.GetParticipant(ctx, lobbyID, deviceID)
}

func (pgStore) ListParticipants(ctx context.Context, lobbyID uuid.UUID) ([]models.Participant, error) {
	return database.ListParticipants(ctx, lobbyID)
}

func (pgStore) JoinLobby(ctx context.Context, p *models.Participant, ev *models.LobbyEvent) error {
	return database.JoinLobby(ctx, p, ev)
}

func (pgStore) ReactivateParticipant(ctx context.Context, participantID uuid.UUID, ev *models.LobbyEvent) error {
	return database.ReactivateParticipant(ctx, participantID, ev)
}

func (pgStore) MarkParticipantLeft(ctx context.Context, participantID uuid.UUID, leftAt time.Time, ev *models.LobbyEvent) error {
	return database.MarkParticipantLeft(ctx, participantID, leftAt, ev)
}

func (pgStore) AssignParticipantRole(ctx context.Context, participantID uuid.UUID, role, slotID, slotLabel string, ev *models.LobbyEvent) error {
	return database.AssignParticipantRole(ctx, participantID, role, slotID, slotLabel, ev)
}

func (pgStore) AppendLobbyEvent(ctx context.Context, ev *models.LobbyEvent) error {
	return database.AppendLobbyEvent(ctx, ev)
}

func (pgStore) ListLobbyEvents(ctx context.Context, lobbyID uuid.UUID, afterID int64, limit int) ([]models.LobbyEvent, error) {
	return database.ListLobbyEvents(ctx, lobbyID, afterID, limit)
}
