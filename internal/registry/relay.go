// internal/registry/relay.go
package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/resonata-audio/resonata/internal/database"
	"github.com/resonata-audio/resonata/internal/models"
	"github.com/resonata-audio/resonata/internal/protocol"
)

// Relay events: one joined device shares transient UI state with the rest of
// the room. The registry does not interpret the payloads; it only checks the
// sender belongs to the lobby and fans out to everyone else.
const (
	EventRoomSnapshot  = "lobby.room_snapshot"
	EventStepUpdate    = "lobby.step_update"
	EventProfileUpdate = "lobby.profile_update"
)

// ShareRoomSnapshot pushes the sender's room configuration to the other
// joined participants, typically right after someone joins mid-setup.
func (r *Registry) ShareRoomSnapshot(ctx context.Context, lobbyID uuid.UUID, sourceDeviceID string, snapshot map[string]interface{}) (int, error) {
	targets, err := r.relayTargets(ctx, lobbyID, sourceDeviceID)
	if err != nil {
		return 0, err
	}
	r.Broadcast.Broadcast(EventRoomSnapshot, map[string]interface{}{
		"lobby_id":         lobbyID.String(),
		"source_device_id": sourceDeviceID,
		"snapshot":         snapshot,
	}, targets)
	return len(targets), nil
}

// ShareStepUpdate tells the other participants which setup step the sender
// moved to.
func (r *Registry) ShareStepUpdate(ctx context.Context, lobbyID uuid.UUID, sourceDeviceID string, stepIndex int) (int, error) {
	targets, err := r.relayTargets(ctx, lobbyID, sourceDeviceID)
	if err != nil {
		return 0, err
	}
	r.Broadcast.Broadcast(EventStepUpdate, map[string]interface{}{
		"lobby_id":         lobbyID.String(),
		"step_index":       stepIndex,
		"source_device_id": sourceDeviceID,
	}, targets)
	return len(targets), nil
}

// ShareProfileUpdate announces the sender switched measurement profiles.
func (r *Registry) ShareProfileUpdate(ctx context.Context, lobbyID uuid.UUID, sourceDeviceID, profileID string) (int, error) {
	targets, err := r.relayTargets(ctx, lobbyID, sourceDeviceID)
	if err != nil {
		return 0, err
	}
	r.Broadcast.Broadcast(EventProfileUpdate, map[string]interface{}{
		"lobby_id":         lobbyID.String(),
		"profile_id":       profileID,
		"source_device_id": sourceDeviceID,
	}, targets)
	return len(targets), nil
}

// relayTargets validates the sender is a joined participant and returns every
// other joined device.
func (r *Registry) relayTargets(ctx context.Context, lobbyID uuid.UUID, sourceDeviceID string) ([]string, error) {
	lobby, err := r.Store.GetLobbyByID(ctx, lobbyID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, protocol.NotFound("lobby %s not found", lobbyID)
	}
	if err != nil {
		return nil, err
	}

	participants, err := r.Store.ListParticipants(ctx, lobby.ID)
	if err != nil {
		return nil, err
	}

	sourceJoined := false
	var targets []string
	for _, p := range participants {
		if p.Status != models.ParticipantJoined {
			continue
		}
		if p.DeviceID == sourceDeviceID {
			sourceJoined = true
			continue
		}
		targets = append(targets, p.DeviceID)
	}
	if !sourceJoined {
		return nil, protocol.Forbidden("device %s is not a joined participant of lobby %s", sourceDeviceID, lobbyID)
	}
	return targets, nil
}
