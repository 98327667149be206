// internal/handlers/gateway_handle.go
//
// POST /gateway/handle is the single entry point for device messages coming
// through the gateway. The event name picks the operation; the reply body
// becomes the device's response frame.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/resonata-audio/resonata/internal/measurement"
	"github.com/resonata-audio/resonata/internal/models"
	"github.com/resonata-audio/resonata/internal/protocol"
)

// Inbound lobby and role event names.
const (
	evLobbyCreate        = "lobby.create"
	evLobbyJoin          = "lobby.join"
	evLobbyLeave         = "lobby.leave"
	evLobbyGet           = "lobby.get"
	evLobbyEvents        = "lobby.events"
	evLobbyClose         = "lobby.close"
	evLobbyRoomSnapshot  = "lobby.room_snapshot"
	evLobbyStepUpdate    = "lobby.step_update"
	evLobbyProfileUpdate = "lobby.profile_update"
	evRoleAssign         = "role.assign"
)

// GatewayHandle decodes the gateway envelope and dispatches on the event.
func (s *Server) GatewayHandle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.ForwardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, protocol.BadRequest("invalid gateway envelope"))
			return
		}
		if req.Client.DeviceID == "" {
			writeError(w, protocol.BadRequest("client.device_id is required"))
			return
		}
		if req.Message.Event == "" {
			writeError(w, protocol.BadRequest("message.event is required"))
			return
		}

		payload, err := s.dispatch(r.Context(), req.Client, req.Message)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, payload)
	}
}

func (s *Server) dispatch(ctx context.Context, client models.ClientInfo, msg models.ClientMessage) (interface{}, error) {
	deviceID := client.DeviceID
	data := msg.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	switch msg.Event {
	case evLobbyCreate:
		return s.Registry.CreateLobby(ctx, deviceID)

	case evLobbyJoin:
		code, _ := data["code"].(string)
		return s.Registry.JoinLobby(ctx, code, deviceID)

	case evLobbyLeave:
		lobbyID, err := lobbyIDFromData(data)
		if err != nil {
			return nil, err
		}
		if err := s.Registry.LeaveLobby(ctx, lobbyID, deviceID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"lobby_id": lobbyID.String(), "left": true}, nil

	case evLobbyGet:
		lobbyID, err := lobbyIDFromData(data)
		if err != nil {
			return nil, err
		}
		return s.Registry.GetLobby(ctx, lobbyID)

	case evLobbyEvents:
		lobbyID, err := lobbyIDFromData(data)
		if err != nil {
			return nil, err
		}
		afterID := int64From(data, "after_id")
		limit := int(int64From(data, "limit"))
		events, err := s.Registry.Events(ctx, lobbyID, afterID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"lobby_id": lobbyID.String(), "events": events}, nil

	case evLobbyClose:
		lobbyID, err := lobbyIDFromData(data)
		if err != nil {
			return nil, err
		}
		if err := s.Registry.CloseLobby(ctx, lobbyID, deviceID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"lobby_id": lobbyID.String(), "state": models.LobbyStateClosed}, nil

	case evLobbyRoomSnapshot:
		lobbyID, err := lobbyIDFromData(data)
		if err != nil {
			return nil, err
		}
		snapshot, _ := data["snapshot"].(map[string]interface{})
		sent, err := s.Registry.ShareRoomSnapshot(ctx, lobbyID, deviceID, snapshot)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"sent": sent}, nil

	case evLobbyStepUpdate:
		lobbyID, err := lobbyIDFromData(data)
		if err != nil {
			return nil, err
		}
		sent, err := s.Registry.ShareStepUpdate(ctx, lobbyID, deviceID, int(int64From(data, "step_index")))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"sent": sent}, nil

	case evLobbyProfileUpdate:
		lobbyID, err := lobbyIDFromData(data)
		if err != nil {
			return nil, err
		}
		profileID, _ := data["profile_id"].(string)
		sent, err := s.Registry.ShareProfileUpdate(ctx, lobbyID, deviceID, profileID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"sent": sent}, nil

	case evRoleAssign:
		lobbyID, err := lobbyIDFromData(data)
		if err != nil {
			return nil, err
		}
		target, _ := data["device_id"].(string)
		role, _ := data["role"].(string)
		slotID, _ := data["slot_id"].(string)
		slotLabel, _ := data["slot_label"].(string)
		return s.Registry.AssignRole(ctx, lobbyID, deviceID, target, role, slotID, slotLabel)

	case measurement.EventCreateSession:
		var req measurement.CreateSessionRequest
		if err := decodeInto(data, &req); err != nil {
			return nil, err
		}
		return s.Coordinator.CreateSession(ctx, deviceID, req)

	case measurement.EventSessionStatus:
		return s.Coordinator.SessionStatus(ctx, data)

	case measurement.EventCancelSession:
		return s.Coordinator.CancelSession(ctx, deviceID, data)

	case measurement.EventClientError:
		return s.Coordinator.HandleClientError(ctx, deviceID, data)

	case measurement.EventClientReadyAlias:
		s.deprecated(deviceID, msg.Event, measurement.EventReady)
		return s.Coordinator.HandleAck(ctx, deviceID, measurement.EventReady, data)

	case measurement.EventSpeakerFinishedAlias:
		s.deprecated(deviceID, msg.Event, measurement.EventPlaybackComplete)
		return s.Coordinator.HandleAck(ctx, deviceID, measurement.EventPlaybackComplete, data)

	case measurement.EventStartSpeakerAlias:
		s.deprecated(deviceID, msg.Event, measurement.EventSessionStatus)
		return s.Coordinator.StartSpeakerInfo(ctx, data)
	}

	if measurement.IsAckEvent(msg.Event) {
		return s.Coordinator.HandleAck(ctx, deviceID, msg.Event, data)
	}
	return nil, protocol.NotFound("no handler for event %s", msg.Event)
}

func (s *Server) deprecated(deviceID, got, want string) {
	s.Logger.Warnf("device %s sent deprecated event %s, treating as %s", deviceID, got, want)
}

func lobbyIDFromData(data map[string]interface{}) (uuid.UUID, error) {
	raw, _ := data["lobby_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, protocol.BadRequest("lobby_id %q is not a UUID", raw)
	}
	return id, nil
}

// int64From reads a numeric field that arrives as a JSON number.
func int64From(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

// decodeInto round-trips a raw payload map into a typed request struct.
func decodeInto(data map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return protocol.BadRequest("payload could not be encoded")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return protocol.BadRequest("payload does not match the expected shape")
	}
	return nil
}
