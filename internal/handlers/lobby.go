// internal/handlers/lobby.go
//
// Plain REST mirror of the lobby operations, used by operator tooling and
// anything that does not hold a WebSocket. Device identity travels in the
// request body; the gateway path remains the primary surface.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/resonata-audio/resonata/internal/models"
	"github.com/resonata-audio/resonata/internal/protocol"
)

// CreateLobbyHandler mints a lobby owned by the posting device.
func (s *Server) CreateLobbyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, protocol.BadRequest("invalid request body"))
			return
		}
		snap, err := s.Registry.CreateLobby(r.Context(), body.DeviceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	}
}

// JoinLobbyHandler joins by code.
func (s *Server) JoinLobbyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Code     string `json:"code"`
			DeviceID string `json:"device_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, protocol.BadRequest("invalid request body"))
			return
		}
		snap, err := s.Registry.JoinLobby(r.Context(), body.Code, body.DeviceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	}
}

// LeaveLobbyHandler marks the device as left.
func (s *Server) LeaveLobbyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID, err := lobbyIDFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var body struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, protocol.BadRequest("invalid request body"))
			return
		}
		if err := s.Registry.LeaveLobby(r.Context(), lobbyID, body.DeviceID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"lobby_id": lobbyID.String(), "left": true})
	}
}

// GetLobbyHandler returns the lobby and its participants.
func (s *Server) GetLobbyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID, err := lobbyIDFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := s.Registry.GetLobby(r.Context(), lobbyID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	}
}

// AssignRoleHandler sets a participant's role and slot on behalf of the actor.
func (s *Server) AssignRoleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID, err := lobbyIDFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var body struct {
			ActorDeviceID string `json:"actor_device_id"`
			DeviceID      string `json:"device_id"`
			Role          string `json:"role"`
			SlotID        string `json:"slot_id"`
			SlotLabel     string `json:"slot_label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, protocol.BadRequest("invalid request body"))
			return
		}
		p, err := s.Registry.AssignRole(r.Context(), lobbyID, body.ActorDeviceID, body.DeviceID, body.Role, body.SlotID, body.SlotLabel)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

// LobbyEventsHandler pages through the append-only event log.
func (s *Server) LobbyEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID, err := lobbyIDFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		afterID, _ := strconv.ParseInt(r.URL.Query().Get("after_id"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		events, err := s.Registry.Events(r.Context(), lobbyID, afterID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"lobby_id": lobbyID.String(), "events": events})
	}
}

// CloseLobbyHandler permanently closes the lobby.
func (s *Server) CloseLobbyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID, err := lobbyIDFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var body struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, protocol.BadRequest("invalid request body"))
			return
		}
		if err := s.Registry.CloseLobby(r.Context(), lobbyID, body.DeviceID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"lobby_id": lobbyID.String(), "state": models.LobbyStateClosed})
	}
}

func lobbyIDFromPath(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "lobbyID")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, protocol.BadRequest("lobby id %q is not a UUID", raw)
	}
	return id, nil
}
