// internal/registry/registry.go
//
// The lobby registry owns Lobby/Participant/Role state and the append-only
// lobby event log. Every mutation lands in Postgres, appends its event, and
// pushes a lobby.updated notification to the joined participants.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/resonata-audio/resonata/internal/broadcast"
	"github.com/resonata-audio/resonata/internal/database"
	"github.com/resonata-audio/resonata/internal/models"
	"github.com/resonata-audio/resonata/internal/protocol"
	"github.com/sirupsen/logrus"
)

// codeAttempts bounds collision retries at lobby creation. With a 36^6
// namespace the second attempt is already vanishingly rare.
const codeAttempts = 10

// EventLobbyUpdated is pushed to joined participants after every registry
// mutation; clients re-poll the lobby or the event log on receipt.
const EventLobbyUpdated = "lobby.updated"

type Registry struct {
	Store     Store
	Broadcast broadcast.Broadcaster
	Logger    *logrus.Logger
}

func New(b broadcast.Broadcaster, logger *logrus.Logger) *Registry {
	return &Registry{Store: pgStore{}, Broadcast: b, Logger: logger}
}

// CreateLobby mints a lobby with a fresh join code and auto-joins the creator
// with no role. The creator assigns roles before starting a measurement.
func (r *Registry) CreateLobby(ctx context.Context, creatorDeviceID string) (*models.LobbySnapshot, error) {
	if creatorDeviceID == "" {
		return nil, protocol.BadRequest("creator_device_id is required")
	}

	var code string
	for i := 0; i < codeAttempts; i++ {
		candidate, err := generateJoinCode()
		if err != nil {
			return nil, err
		}
		inUse, err := r.Store.LobbyCodeInUse(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if !inUse {
			code = candidate
			break
		}
	}
	if code == "" {
		return nil, protocol.Internal("could not allocate a unique lobby code")
	}

	now := time.Now().UTC()
	lobby := &models.Lobby{
		ID:              uuid.New(),
		Code:            code,
		CreatorDeviceID: creatorDeviceID,
		State:           models.LobbyStateOpen,
		CreatedAt:       now,
	}
	creator := &models.Participant{
		ID:       uuid.New(),
		LobbyID:  lobby.ID,
		DeviceID: creatorDeviceID,
		Role:     models.RoleNone,
		Status:   models.ParticipantJoined,
		JoinedAt: now,
	}
	ev := &models.LobbyEvent{
		LobbyID:   lobby.ID,
		Type:      models.EventLobbyCreated,
		Payload:   map[string]interface{}{"device_id": creatorDeviceID, "code": code},
		CreatedAt: now,
	}

	if err := r.Store.CreateLobby(ctx, lobby, creator, ev); err != nil {
		return nil, err
	}

	r.Logger.WithFields(logrus.Fields{
		"lobby_id": lobby.ID,
		"code":     code,
	}).Info("lobby created")

	r.notify(lobby.ID, models.EventLobbyCreated, creatorDeviceID, []string{creatorDeviceID})
	return &models.LobbySnapshot{Lobby: *lobby, Participants: []models.Participant{*creator}}, nil
}

// JoinLobby adds the device to the lobby named by code. Joining twice is
// idempotent; a device that previously left is reactivated on the same row.
func (r *Registry) JoinLobby(ctx context.Context, code, deviceID string) (*models.LobbySnapshot, error) {
	if code == "" || deviceID == "" {
		return nil, protocol.BadRequest("code and device_id are required")
	}

	lobby, err := r.Store.GetLobbyByCode(ctx, code)
	if errors.Is(err, database.ErrNotFound) {
		return nil, protocol.NotFound("no lobby with code %s", code)
	}
	if err != nil {
		return nil, err
	}
	if lobby.State == models.LobbyStateClosed {
		return nil, protocol.Conflict("lobby %s is closed", lobby.ID)
	}

	existing, err := r.Store.GetParticipant(ctx, lobby.ID, deviceID)
	switch {
	case err == nil && existing.Status == models.ParticipantJoined:
		// Idempotent rejoin: same row back, no event, no broadcast.
		return r.snapshot(ctx, lobby)

	case err == nil:
		ev := r.event(lobby.ID, models.EventParticipantJoined, map[string]interface{}{
			"device_id": deviceID, "rejoined": true,
		})
		if err := r.Store.ReactivateParticipant(ctx, existing.ID, ev); err != nil {
			return nil, err
		}

	case errors.Is(err, database.ErrNotFound):
		p := &models.Participant{
			ID:       uuid.New(),
			LobbyID:  lobby.ID,
			DeviceID: deviceID,
			Role:     models.RoleNone,
			Status:   models.ParticipantJoined,
			JoinedAt: time.Now().UTC(),
		}
		ev := r.event(lobby.ID, models.EventParticipantJoined, map[string]interface{}{
			"device_id": deviceID,
		})
		if err := r.Store.JoinLobby(ctx, p, ev); err != nil {
			return nil, err
		}

	default:
		return nil, err
	}

	snap, err := r.snapshot(ctx, lobby)
	if err != nil {
		return nil, err
	}
	r.notify(lobby.ID, models.EventParticipantJoined, deviceID, joinedDeviceIDs(snap.Participants))
	return snap, nil
}

// LeaveLobby flips the device's participant row to left. Leaving a lobby the
// device is not part of (or already left) is a silent no-op.
func (r *Registry) LeaveLobby(ctx context.Context, lobbyID uuid.UUID, deviceID string) error {
	lobby, err := r.Store.GetLobbyByID(ctx, lobbyID)
	if errors.Is(err, database.ErrNotFound) {
		return protocol.NotFound("lobby %s not found", lobbyID)
	}
	if err != nil {
		return err
	}

	p, err := r.Store.GetParticipant(ctx, lobby.ID, deviceID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status == models.ParticipantLeft {
		return nil
	}

	ev := r.event(lobby.ID, models.EventParticipantLeft, map[string]interface{}{
		"device_id": deviceID,
	})
	if err := r.Store.MarkParticipantLeft(ctx, p.ID, time.Now().UTC(), ev); err != nil {
		return err
	}

	snap, err := r.snapshot(ctx, lobby)
	if err != nil {
		return err
	}
	r.notify(lobby.ID, models.EventParticipantLeft, deviceID, joinedDeviceIDs(snap.Participants))
	return nil
}

// AssignRole sets the target's role and slot. Only the lobby creator may
// assign; an exclusive slot already held by another joined device conflicts.
func (r *Registry) AssignRole(ctx context.Context, lobbyID uuid.UUID, actorDeviceID, targetDeviceID, role, slotID, slotLabel string) (*models.Participant, error) {
	switch role {
	case models.RoleNone, models.RoleSpeaker, models.RoleMicrophone:
	default:
		return nil, protocol.BadRequest("unknown role %q", role)
	}

	lobby, err := r.Store.GetLobbyByID(ctx, lobbyID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, protocol.NotFound("lobby %s not found", lobbyID)
	}
	if err != nil {
		return nil, err
	}
	if lobby.CreatorDeviceID != actorDeviceID {
		return nil, protocol.Forbidden("only the lobby creator may assign roles")
	}

	target, err := r.Store.GetParticipant(ctx, lobby.ID, targetDeviceID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, protocol.NotFound("device %s is not part of lobby %s", targetDeviceID, lobbyID)
	}
	if err != nil {
		return nil, err
	}
	if target.Status != models.ParticipantJoined {
		return nil, protocol.NotFound("device %s has left lobby %s", targetDeviceID, lobbyID)
	}

	if role == models.RoleNone {
		slotID, slotLabel = "", ""
	} else if slotID != "" {
		participants, err := r.Store.ListParticipants(ctx, lobby.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range participants {
			if p.DeviceID != targetDeviceID && p.Status == models.ParticipantJoined &&
				p.Role == role && p.SlotID == slotID {
				return nil, protocol.Conflict("slot %s/%s is already held by %s", role, slotID, p.DeviceID)
			}
		}
	}

	ev := r.event(lobby.ID, models.EventRoleAssigned, map[string]interface{}{
		"device_id": targetDeviceID,
		"role":      role,
		"slot_id":   slotID,
		"actor":     actorDeviceID,
	})
	if err := r.Store.AssignParticipantRole(ctx, target.ID, role, slotID, slotLabel, ev); err != nil {
		return nil, err
	}

	target.Role, target.SlotID, target.SlotLabel = role, slotID, slotLabel

	snap, err := r.snapshot(ctx, lobby)
	if err != nil {
		return nil, err
	}
	r.notify(lobby.ID, models.EventRoleAssigned, targetDeviceID, joinedDeviceIDs(snap.Participants))
	return target, nil
}

// GetLobby returns the lobby and all of its participant rows.
func (r *Registry) GetLobby(ctx context.Context, lobbyID uuid.UUID) (*models.LobbySnapshot, error) {
	lobby, err := r.Store.GetLobbyByID(ctx, lobbyID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, protocol.NotFound("lobby %s not found", lobbyID)
	}
	if err != nil {
		return nil, err
	}
	return r.snapshot(ctx, lobby)
}

// Events returns the lobby's event log entries with id > afterID.
func (r *Registry) Events(ctx context.Context, lobbyID uuid.UUID, afterID int64, limit int) ([]models.LobbyEvent, error) {
	if _, err := r.Store.GetLobbyByID(ctx, lobbyID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, protocol.NotFound("lobby %s not found", lobbyID)
		}
		return nil, err
	}
	return r.Store.ListLobbyEvents(ctx, lobbyID, afterID, limit)
}

// CloseLobby permanently closes the lobby. Creator-only; closing an already
// closed lobby is a no-op.
func (r *Registry) CloseLobby(ctx context.Context, lobbyID uuid.UUID, actorDeviceID string) error {
	lobby, err := r.Store.GetLobbyByID(ctx, lobbyID)
	if errors.Is(err, database.ErrNotFound) {
		return protocol.NotFound("lobby %s not found", lobbyID)
	}
	if err != nil {
		return err
	}
	if lobby.CreatorDeviceID != actorDeviceID {
		return protocol.Forbidden("only the lobby creator may close the lobby")
	}
	if lobby.State == models.LobbyStateClosed {
		return nil
	}

	snap, err := r.snapshot(ctx, lobby)
	if err != nil {
		return err
	}

	ev := r.event(lobby.ID, models.EventLobbyClosed, map[string]interface{}{
		"device_id": actorDeviceID,
	})
	if err := r.Store.CloseLobbyWithEvent(ctx, lobby.ID, ev); err != nil {
		return err
	}

	r.notify(lobby.ID, models.EventLobbyClosed, actorDeviceID, joinedDeviceIDs(snap.Participants))
	return nil
}

// Participants exposes the lobby's membership rows to the coordinator for
// session validation.
func (r *Registry) Participants(ctx context.Context, lobbyID uuid.UUID) ([]models.Participant, error) {
	return r.Store.ListParticipants(ctx, lobbyID)
}

// Lobby exposes the raw lobby row to the coordinator.
func (r *Registry) Lobby(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error) {
	lobby, err := r.Store.GetLobbyByID(ctx, lobbyID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, protocol.NotFound("lobby %s not found", lobbyID)
	}
	return lobby, err
}

// SetLobbyState flips the lobby between open and measurement_running as
// sessions start and end.
func (r *Registry) SetLobbyState(ctx context.Context, lobbyID uuid.UUID, state string) error {
	return r.Store.SetLobbyState(ctx, lobbyID, state)
}

// AppendSessionEvent records a coordinator-side lifecycle marker in the
// lobby's event log.
func (r *Registry) AppendSessionEvent(ctx context.Context, lobbyID uuid.UUID, eventType string, payload map[string]interface{}) error {
	return r.Store.AppendLobbyEvent(ctx, r.event(lobbyID, eventType, payload))
}

func (r *Registry) snapshot(ctx context.Context, lobby *models.Lobby) (*models.LobbySnapshot, error) {
	participants, err := r.Store.ListParticipants(ctx, lobby.ID)
	if err != nil {
		return nil, err
	}
	return &models.LobbySnapshot{Lobby: *lobby, Participants: participants}, nil
}

func (r *Registry) event(lobbyID uuid.UUID, evType string, payload map[string]interface{}) *models.LobbyEvent {
	return &models.LobbyEvent{
		LobbyID:   lobbyID,
		Type:      evType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// notify pushes lobby.updated to the given devices.
func (r *Registry) notify(lobbyID uuid.UUID, changeType, deviceID string, targets []string) {
	r.Broadcast.Broadcast(EventLobbyUpdated, map[string]interface{}{
		"type":      changeType,
		"lobby_id":  lobbyID.String(),
		"device_id": deviceID,
	}, targets)
}

// joinedDeviceIDs filters the participant list down to live members.
func joinedDeviceIDs(participants []models.Participant) []string {
	var ids []string
	for _, p := range participants {
		if p.Status == models.ParticipantJoined {
			ids = append(ids, p.DeviceID)
		}
	}
	return ids
}
