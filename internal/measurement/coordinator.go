// internal/measurement/coordinator.go
//
// The Coordinator owns every live MeasurementSession, one at most per lobby.
// Sessions live purely in memory; the durable trail is the lobby event log
// plus the archive record pushed to Redis at termination.
package measurement

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/resonata-audio/resonata/internal/broadcast"
	"github.com/resonata-audio/resonata/internal/models"
	"github.com/resonata-audio/resonata/internal/protocol"
	"github.com/sirupsen/logrus"
)

// LobbyDirectory is the slice of the lobby registry the coordinator needs:
// membership reads for validation, state flips and event-log appends for the
// session lifecycle.
type LobbyDirectory interface {
	Lobby(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error)
	Participants(ctx context.Context, lobbyID uuid.UUID) ([]models.Participant, error)
	SetLobbyState(ctx context.Context, lobbyID uuid.UUID, state string) error
	AppendSessionEvent(ctx context.Context, lobbyID uuid.UUID, eventType string, payload map[string]interface{}) error
}

// ArchiveFn hands a terminal session's record to the archive queue.
type ArchiveFn func(ctx context.Context, record *models.SessionArchiveRecord) error

type Config struct {
	// BarrierTimeout is the per-barrier acknowledgement deadline.
	BarrierTimeout time.Duration

	// RetainTerminal keeps completed and errored sessions queryable for a
	// grace window before eviction. Cancelled sessions go immediately.
	RetainTerminal time.Duration

	// UploadEndpoint is handed to microphones in stop_recording.
	UploadEndpoint string

	// DefaultDurationSeconds applies when create_session omits a duration.
	DefaultDurationSeconds float64
}

func ConfigFromEnv() Config {
	return Config{
		BarrierTimeout:         getEnvSeconds("MEASUREMENT_BARRIER_TIMEOUT", 60*time.Second),
		RetainTerminal:         getEnvSeconds("SESSION_RETAIN_TERMINAL", 5*time.Minute),
		UploadEndpoint:         getEnv("UPLOAD_ENDPOINT", "/v1/measurements/recordings"),
		DefaultDurationSeconds: getEnvFloat("MEASUREMENT_DEFAULT_DURATION", 15),
	}
}

type Coordinator struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*MeasurementSession
	byLobby  map[uuid.UUID]uuid.UUID

	Lobbies   LobbyDirectory
	Broadcast broadcast.Broadcaster
	Archive   ArchiveFn
	Logger    *logrus.Logger
	Cfg       Config
}

func NewCoordinator(lobbies LobbyDirectory, b broadcast.Broadcaster, archive ArchiveFn, logger *logrus.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		sessions:  make(map[uuid.UUID]*MeasurementSession),
		byLobby:   make(map[uuid.UUID]uuid.UUID),
		Lobbies:   lobbies,
		Broadcast: b,
		Archive:   archive,
		Logger:    logger,
		Cfg:       cfg,
	}
}

// CreateSessionRequest is the measurement.create_session payload.
type CreateSessionRequest struct {
	JobID           string       `json:"job_id"`
	LobbyID         string       `json:"lobby_id"`
	Speakers        []DeviceSlot `json:"speakers"`
	Microphones     []DeviceSlot `json:"microphones"`
	AudioURL        string       `json:"audio_url"`
	AudioHash       string       `json:"audio_hash"`
	DurationSeconds float64      `json:"duration_seconds"`
}

// CreateSession validates the roster against the lobby, registers the session
// and immediately starts the first speaker cycle. Only the lobby creator may
// start a measurement, and only one session may be live per lobby.
func (c *Coordinator) CreateSession(ctx context.Context, actorDeviceID string, req CreateSessionRequest) (map[string]interface{}, error) {
	if err := validateRoster(req); err != nil {
		return nil, err
	}
	lobbyID, err := uuid.Parse(req.LobbyID)
	if err != nil {
		return nil, protocol.BadRequest("lobby_id %q is not a UUID", req.LobbyID)
	}

	lobby, err := c.Lobbies.Lobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if lobby.CreatorDeviceID != actorDeviceID {
		return nil, protocol.Forbidden("only the lobby creator may start a measurement")
	}
	switch lobby.State {
	case models.LobbyStateOpen:
	case models.LobbyStateMeasurementRunning:
		return nil, protocol.Conflict("lobby %s already has a measurement running", lobbyID)
	default:
		return nil, protocol.Conflict("lobby %s is %s", lobbyID, lobby.State)
	}

	participants, err := c.Lobbies.Participants(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if err := matchRoster(req, participants); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if liveID, ok := c.byLobby[lobbyID]; ok {
		c.mu.Unlock()
		return nil, protocol.Conflict("lobby %s already has session %s", lobbyID, liveID)
	}

	duration := req.DurationSeconds
	if duration <= 0 {
		duration = c.Cfg.DefaultDurationSeconds
	}
	s := &MeasurementSession{
		ID:              uuid.New(),
		JobID:           req.JobID,
		LobbyID:         lobbyID,
		Speakers:        append([]DeviceSlot(nil), req.Speakers...),
		Microphones:     append([]DeviceSlot(nil), req.Microphones...),
		Status:          StatusRunning,
		AudioURL:        req.AudioURL,
		AudioHash:       req.AudioHash,
		DurationSeconds: duration,
		UploadEndpoint:  c.Cfg.UploadEndpoint,
		BarrierTimeout:  c.Cfg.BarrierTimeout,
		UploadNames:     make(map[string]string),
		CreatedAt:       time.Now().UTC(),
		BroadcastFn:     c.Broadcast.Broadcast,
	}
	s.onBarrierTimeout = func(sess *MeasurementSession) { c.finalize(sess) }
	for _, sp := range req.Speakers {
		s.Cycles = append(s.Cycles, &SpeakerCycle{
			Speaker: sp,
			Acked:   make(map[SubState]map[string]bool),
		})
	}
	c.sessions[s.ID] = s
	c.byLobby[lobbyID] = s.ID
	c.mu.Unlock()

	if err := c.Lobbies.SetLobbyState(ctx, lobbyID, models.LobbyStateMeasurementRunning); err != nil {
		c.mu.Lock()
		delete(c.sessions, s.ID)
		delete(c.byLobby, lobbyID)
		c.mu.Unlock()
		return nil, err
	}
	if err := c.Lobbies.AppendSessionEvent(ctx, lobbyID, models.EventSessionCreated, map[string]interface{}{
		"session_id": s.ID.String(),
		"job_id":     req.JobID,
		"device_id":  actorDeviceID,
	}); err != nil {
		c.Logger.WithError(err).Warn("session_created event append failed")
	}

	c.Logger.WithFields(logrus.Fields{
		"session_id":  s.ID,
		"lobby_id":    lobbyID,
		"job_id":      req.JobID,
		"speakers":    len(req.Speakers),
		"microphones": len(req.Microphones),
	}).Info("measurement session created")

	s.Mu.Lock()
	s.startCycleUnsafe(0)
	snap := s.StatusSnapshotUnsafe()
	s.Mu.Unlock()
	return snap, nil
}

// validateRoster checks the request shape before any lobby lookups.
func validateRoster(req CreateSessionRequest) error {
	if req.JobID == "" {
		return protocol.InvalidSession("job_id is required")
	}
	if len(req.Speakers) == 0 {
		return protocol.InvalidSession("at least one speaker is required")
	}
	if len(req.Microphones) == 0 {
		return protocol.InvalidSession("at least one microphone is required")
	}
	seenDevice := make(map[string]string)
	check := func(role string, slots []DeviceSlot) error {
		seenSlot := make(map[string]bool)
		for _, d := range slots {
			if d.DeviceID == "" || d.SlotID == "" {
				return protocol.InvalidSession("every %s entry needs device_id and slot_id", role)
			}
			if prev, dup := seenDevice[d.DeviceID]; dup {
				return protocol.InvalidSession("device %s listed as both %s and %s", d.DeviceID, prev, role)
			}
			seenDevice[d.DeviceID] = role
			if seenSlot[d.SlotID] {
				return protocol.InvalidSession("%s slot %s listed twice", role, d.SlotID)
			}
			seenSlot[d.SlotID] = true
		}
		return nil
	}
	if err := check(models.RoleSpeaker, req.Speakers); err != nil {
		return err
	}
	return check(models.RoleMicrophone, req.Microphones)
}

// matchRoster verifies every requested device is a joined lobby participant
// holding exactly the role and slot the request names. All or nothing.
func matchRoster(req CreateSessionRequest, participants []models.Participant) error {
	byDevice := make(map[string]models.Participant, len(participants))
	for _, p := range participants {
		byDevice[p.DeviceID] = p
	}
	verify := func(role string, slots []DeviceSlot) error {
		for _, d := range slots {
			p, ok := byDevice[d.DeviceID]
			if !ok || p.Status != models.ParticipantJoined {
				return protocol.InvalidSession("device %s is not joined to the lobby", d.DeviceID)
			}
			if p.Role != role {
				return protocol.InvalidSession("device %s holds role %s, not %s", d.DeviceID, p.Role, role)
			}
			if p.SlotID != d.SlotID {
				return protocol.InvalidSession("device %s holds slot %s, not %s", d.DeviceID, p.SlotID, d.SlotID)
			}
		}
		return nil
	}
	if err := verify(models.RoleSpeaker, req.Speakers); err != nil {
		return err
	}
	return verify(models.RoleMicrophone, req.Microphones)
}

// HandleAck routes one barrier acknowledgement to its session. Duplicates and
// stale acks are tolerated; an ack for a future barrier is a protocol
// violation reported to the sender while the session keeps running.
func (c *Coordinator) HandleAck(ctx context.Context, deviceID, event string, data map[string]interface{}) (map[string]interface{}, error) {
	s, err := c.sessionFromData(data)
	if err != nil {
		return nil, err
	}

	res, perr := s.ApplyAck(deviceID, event, data)
	if perr != nil {
		c.Logger.WithFields(logrus.Fields{
			"session_id": res.SessionID,
			"device_id":  deviceID,
			"event":      event,
		}).Warn("premature acknowledgement")
		return nil, protocol.Violation("%s", perr.Message)
	}

	if res.Status.Terminal() {
		c.finalize(s)
	}
	out := map[string]interface{}{
		"session_id": res.SessionID,
		"status":     string(res.Status),
	}
	if res.SubState != "" {
		out["sub_state"] = string(res.SubState)
	}
	if res.Ignored {
		out["ignored"] = true
	}
	if res.Advanced {
		out["advanced"] = true
	}
	if len(res.Pending) > 0 {
		out["pending_devices"] = res.Pending
	}
	return out, nil
}

// CancelSession stops a live session. Allowed for the lobby creator and any
// session participant; cancelling an already-gone session succeeds quietly.
func (c *Coordinator) CancelSession(ctx context.Context, actorDeviceID string, data map[string]interface{}) (map[string]interface{}, error) {
	rawID, _ := data["session_id"].(string)
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, protocol.BadRequest("session_id %q is not a UUID", rawID)
	}

	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return map[string]interface{}{"session_id": rawID, "status": "unknown"}, nil
	}

	s.Mu.Lock()
	lobbyID := s.LobbyID
	participant := s.IsParticipantUnsafe(actorDeviceID)
	s.Mu.Unlock()

	if !participant {
		lobby, err := c.Lobbies.Lobby(ctx, lobbyID)
		if err != nil {
			return nil, err
		}
		if lobby.CreatorDeviceID != actorDeviceID {
			return nil, protocol.Forbidden("device %s may not cancel session %s", actorDeviceID, id)
		}
	}

	reason, _ := data["reason"].(string)
	s.Mu.Lock()
	if s.Status.Terminal() {
		status := s.Status
		s.Mu.Unlock()
		return map[string]interface{}{"session_id": rawID, "status": string(status)}, nil
	}
	s.CancelUnsafe(reason)
	s.Mu.Unlock()

	c.finalize(s)
	return map[string]interface{}{"session_id": rawID, "status": string(StatusCancelled)}, nil
}

// SessionStatus is a pure read of the session's current state.
func (c *Coordinator) SessionStatus(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	s, err := c.sessionFromData(data)
	if err != nil {
		return nil, err
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.StatusSnapshotUnsafe(), nil
}

// HandleClientError fails the session on behalf of a reporting device. Only
// session participants may report; a terminal session absorbs the report.
func (c *Coordinator) HandleClientError(ctx context.Context, deviceID string, data map[string]interface{}) (map[string]interface{}, error) {
	s, err := c.sessionFromData(data)
	if err != nil {
		return nil, err
	}

	s.Mu.Lock()
	if !s.IsParticipantUnsafe(deviceID) {
		s.Mu.Unlock()
		return nil, protocol.Forbidden("device %s is not part of session %s", deviceID, s.ID)
	}
	if s.Status.Terminal() {
		snap := map[string]interface{}{"session_id": s.ID.String(), "status": string(s.Status), "ignored": true}
		s.Mu.Unlock()
		return snap, nil
	}
	code, _ := data["error_code"].(string)
	if code == "" {
		code = "client_error"
	}
	message, _ := data["error_message"].(string)
	if message == "" {
		message, _ = data["message"].(string)
	}
	s.FailUnsafe(code, message, deviceID)
	s.Mu.Unlock()

	c.finalize(s)
	return map[string]interface{}{"session_id": s.ID.String(), "status": string(StatusError)}, nil
}

// StartSpeakerInfo backs the deprecated measurement.start_speaker event.
// Cycles advance on their own now, so the reply is just the current state.
func (c *Coordinator) StartSpeakerInfo(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	return c.SessionStatus(ctx, data)
}

// SessionForLobby returns the live session ID for a lobby, if any.
func (c *Coordinator) SessionForLobby(lobbyID uuid.UUID) (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byLobby[lobbyID]
	return id, ok
}

func (c *Coordinator) sessionFromData(data map[string]interface{}) (*MeasurementSession, error) {
	rawID, _ := data["session_id"].(string)
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, protocol.BadRequest("session_id %q is not a UUID", rawID)
	}
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return nil, protocol.NotFound("no session %s", rawID)
	}
	return s, nil
}

// finalize runs the terminal bookkeeping exactly once per session: release
// the lobby, append the lifecycle event, push the archive record and schedule
// (or perform) eviction.
func (c *Coordinator) finalize(s *MeasurementSession) {
	s.Mu.Lock()
	if !s.Status.Terminal() || !s.markFinalizedUnsafe() {
		s.Mu.Unlock()
		return
	}
	record := &models.SessionArchiveRecord{
		SessionID:         s.ID,
		JobID:             s.JobID,
		LobbyID:           s.LobbyID,
		Status:            string(s.Status),
		CompletedSpeakers: append([]string(nil), s.CompletedSpeakers...),
		UploadNames:       copyStringMap(s.UploadNames),
		ErrorCode:         s.ErrorCode,
		ErrorMessage:      s.ErrorMessage,
		StartedAt:         s.CreatedAt.UnixMilli(),
		FinishedAt:        s.FinishedAt.UnixMilli(),
	}
	status := s.Status
	s.Mu.Unlock()

	c.mu.Lock()
	if c.byLobby[record.LobbyID] == record.SessionID {
		delete(c.byLobby, record.LobbyID)
	}
	if status == StatusCancelled || c.Cfg.RetainTerminal <= 0 {
		delete(c.sessions, record.SessionID)
	} else {
		time.AfterFunc(c.Cfg.RetainTerminal, func() {
			c.mu.Lock()
			if c.sessions[record.SessionID] == s {
				delete(c.sessions, record.SessionID)
			}
			c.mu.Unlock()
		})
	}
	c.mu.Unlock()

	// Finalize can run from a timer goroutine, so it carries its own deadline
	// rather than a caller context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lobby, err := c.Lobbies.Lobby(ctx, record.LobbyID)
	if err != nil {
		c.Logger.WithError(err).WithField("lobby_id", record.LobbyID).Warn("lobby lookup failed during session finalize")
	} else if lobby.State == models.LobbyStateMeasurementRunning {
		if err := c.Lobbies.SetLobbyState(ctx, record.LobbyID, models.LobbyStateOpen); err != nil {
			c.Logger.WithError(err).WithField("lobby_id", record.LobbyID).Warn("lobby reopen failed during session finalize")
		}
	}

	evType := map[Status]string{
		StatusCompleted: models.EventSessionCompleted,
		StatusCancelled: models.EventSessionCancelled,
		StatusError:     models.EventSessionError,
	}[status]
	payload := map[string]interface{}{
		"session_id": record.SessionID.String(),
		"job_id":     record.JobID,
	}
	if record.ErrorCode != "" {
		payload["error_code"] = record.ErrorCode
	}
	if err := c.Lobbies.AppendSessionEvent(ctx, record.LobbyID, evType, payload); err != nil {
		c.Logger.WithError(err).Warn("session lifecycle event append failed")
	}

	if c.Archive != nil {
		if err := c.Archive(ctx, record); err != nil {
			c.Logger.WithError(err).WithField("session_id", record.SessionID).Warn("archive publish failed")
		}
	}

	c.Logger.WithFields(logrus.Fields{
		"session_id": record.SessionID,
		"lobby_id":   record.LobbyID,
		"status":     record.Status,
	}).Info("measurement session finalized")
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}
