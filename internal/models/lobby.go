// internal/models/lobby.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Lobby lifecycle states. A lobby is open for joining until a measurement
// session starts, and returns to open when the session reaches a terminal
// state. Closed lobbies reject joins permanently.
const (
	LobbyStateOpen               = "open"
	LobbyStateMeasurementRunning = "measurement_running"
	LobbyStateClosed             = "closed"
)

// Role values assignable to a participant. Devices join with RoleNone and are
// promoted by the lobby creator before a measurement session can include them.
const (
	RoleNone       = "none"
	RoleSpeaker    = "speaker"
	RoleMicrophone = "microphone"
)

// Participant status values. Rows are never deleted; leaving flips the status
// so the event log keeps referential integrity.
const (
	ParticipantJoined = "joined"
	ParticipantLeft   = "left"
)

// Lobby represents a row in the lobbies table. The code is the short join
// token devices type in; it is unique across all lobbies.
type Lobby struct {
	ID              uuid.UUID `json:"id"`
	Code            string    `json:"code"`
	CreatorDeviceID string    `json:"creator_device_id"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
}

// Participant represents a device's membership record within one lobby.
// SlotID/SlotLabel disambiguate multiple speakers or microphones in the same
// room (e.g. "speaker_1" / "Front Left").
type Participant struct {
	ID        uuid.UUID  `json:"id"`
	LobbyID   uuid.UUID  `json:"lobby_id"`
	DeviceID  string     `json:"device_id"`
	Role      string     `json:"role"`
	SlotID    string     `json:"role_slot_id,omitempty"`
	SlotLabel string     `json:"role_slot_label,omitempty"`
	Status    string     `json:"status"`
	JoinedAt  time.Time  `json:"joined_at"`
	LeftAt    *time.Time `json:"left_at,omitempty"`
}

// LobbyEvent is one immutable entry of a lobby's append-only history.
// ID ordering is the only ordering contract clients may rely on when polling.
type LobbyEvent struct {
	ID        int64                  `json:"id"`
	LobbyID   uuid.UUID              `json:"lobby_id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// Event log types appended by the registry and the coordinator.
const (
	EventLobbyCreated      = "lobby_created"
	EventLobbyClosed       = "lobby_closed"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventRoleAssigned      = "role_assigned"
	EventSessionCreated    = "session_created"
	EventSessionCompleted  = "session_completed"
	EventSessionCancelled  = "session_cancelled"
	EventSessionError      = "session_error"
)

// LobbySnapshot is the read model returned by lobby.get and lobby.join:
// the lobby row plus every participant row, joined or left.
type LobbySnapshot struct {
	Lobby        Lobby         `json:"lobby"`
	Participants []Participant `json:"participants"`
}
