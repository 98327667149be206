// internal/measurement/session.go
//
// MeasurementSession is the in-memory state machine for one synchronized
// measurement run. All mutation happens under Mu; helpers with the Unsafe
// suffix assume the caller holds the lock. Sessions are never persisted:
// a process restart loses them and clients start a fresh session.
package measurement

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/resonata-audio/resonata/internal/protocol"
)

// Status is the session-level lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// SubState is the per-cycle barrier the protocol is currently waiting on.
type SubState string

const (
	SubStateAwaitingReady             SubState = "awaiting_ready"
	SubStateAwaitingAudioReady        SubState = "awaiting_audio_ready"
	SubStateAwaitingRecordingStarted  SubState = "awaiting_recording_started"
	SubStateAwaitingPlaybackComplete  SubState = "awaiting_playback_complete"
	SubStateAwaitingRecordingUploaded SubState = "awaiting_recording_uploaded"
)

// step orders the sub-states 1..5 so the reducer can tell a stale
// acknowledgement (lower step) from a premature one (higher step).
func (ss SubState) step() int {
	switch ss {
	case SubStateAwaitingReady:
		return 1
	case SubStateAwaitingAudioReady:
		return 2
	case SubStateAwaitingRecordingStarted:
		return 3
	case SubStateAwaitingPlaybackComplete:
		return 4
	case SubStateAwaitingRecordingUploaded:
		return 5
	}
	return 0
}

// DeviceSlot pairs a device with its assigned role slot.
type DeviceSlot struct {
	DeviceID  string `json:"device_id"`
	SlotID    string `json:"slot_id"`
	SlotLabel string `json:"slot_label,omitempty"`
}

// SpeakerCycle is one speaker's pass through the five-step protocol.
// Acked keeps the full acknowledgement history of the cycle, not just the
// current barrier, so duplicate acks that arrive after an advance are
// recognizable as duplicates instead of protocol violations.
type SpeakerCycle struct {
	Speaker   DeviceSlot
	SubState  SubState
	Acked     map[SubState]map[string]bool
	StartedAt time.Time
}

// AckResult describes what one acknowledgement did to the session.
type AckResult struct {
	SessionID string   `json:"session_id"`
	Status    Status   `json:"status"`
	SubState  SubState `json:"sub_state,omitempty"`
	Ignored   bool     `json:"ignored,omitempty"`
	Advanced  bool     `json:"advanced,omitempty"`
	Pending   []string `json:"pending,omitempty"`
}

// MeasurementSession holds all state for one run. BroadcastFn is injected by
// the coordinator (tests inject a recorder); it must not block, because it is
// invoked with Mu held.
type MeasurementSession struct {
	Mu sync.Mutex

	ID      uuid.UUID
	JobID   string
	LobbyID uuid.UUID

	Speakers    []DeviceSlot
	Microphones []DeviceSlot

	Status       Status
	CurrentCycle int
	Cycles       []*SpeakerCycle

	// Passthrough audio metadata, opaque to the coordinator.
	AudioURL        string
	AudioHash       string
	DurationSeconds float64

	UploadEndpoint string
	BarrierTimeout time.Duration

	UploadNames       map[string]string
	CompletedSpeakers []string
	ErrorCode         string
	ErrorMessage      string

	CreatedAt  time.Time
	FinishedAt time.Time

	BroadcastFn func(event string, data map[string]interface{}, targetDeviceIDs []string)

	// onBarrierTimeout is set by the coordinator so a deadline expiry runs
	// the same terminal bookkeeping as any other failure path.
	onBarrierTimeout func(s *MeasurementSession)

	deadlineTimer *time.Timer
	finalized     bool
}

// markFinalizedUnsafe flips the once-only finalization latch, reporting
// whether this caller won.
func (s *MeasurementSession) markFinalizedUnsafe() bool {
	if s.finalized {
		return false
	}
	s.finalized = true
	return true
}

// allDeviceIDsUnsafe returns every device participating in the session.
func (s *MeasurementSession) allDeviceIDsUnsafe() []string {
	seen := make(map[string]bool, len(s.Speakers)+len(s.Microphones))
	var ids []string
	for _, d := range s.Speakers {
		if !seen[d.DeviceID] {
			seen[d.DeviceID] = true
			ids = append(ids, d.DeviceID)
		}
	}
	for _, d := range s.Microphones {
		if !seen[d.DeviceID] {
			seen[d.DeviceID] = true
			ids = append(ids, d.DeviceID)
		}
	}
	return ids
}

// microphoneIDsUnsafe returns the microphone device IDs in creation order.
func (s *MeasurementSession) microphoneIDsUnsafe() []string {
	ids := make([]string, 0, len(s.Microphones))
	for _, m := range s.Microphones {
		ids = append(ids, m.DeviceID)
	}
	return ids
}

// expectedUnsafe is the set of devices whose acknowledgement the given
// barrier waits on: the cycle speaker for speaker steps, every microphone
// for microphone steps.
func (s *MeasurementSession) expectedUnsafe(cycle *SpeakerCycle, sub SubState) map[string]bool {
	expected := make(map[string]bool)
	switch sub {
	case SubStateAwaitingReady:
		expected[cycle.Speaker.DeviceID] = true
		for _, m := range s.Microphones {
			expected[m.DeviceID] = true
		}
	case SubStateAwaitingAudioReady, SubStateAwaitingPlaybackComplete:
		expected[cycle.Speaker.DeviceID] = true
	case SubStateAwaitingRecordingStarted, SubStateAwaitingRecordingUploaded:
		for _, m := range s.Microphones {
			expected[m.DeviceID] = true
		}
	}
	return expected
}

// pendingUnsafe lists devices still missing from the current barrier, in
// session order.
func (s *MeasurementSession) pendingUnsafe() []string {
	if s.Status != StatusRunning || s.CurrentCycle >= len(s.Cycles) {
		return nil
	}
	cycle := s.Cycles[s.CurrentCycle]
	expected := s.expectedUnsafe(cycle, cycle.SubState)
	acked := cycle.Acked[cycle.SubState]

	var pending []string
	for _, id := range s.allDeviceIDsUnsafe() {
		if expected[id] && !acked[id] {
			pending = append(pending, id)
		}
	}
	return pending
}

// startCycleUnsafe begins the cycle at the given index: enters awaiting_ready,
// announces the measurement to the cycle's devices and arms the deadline.
func (s *MeasurementSession) startCycleUnsafe(idx int) {
	s.CurrentCycle = idx
	cycle := s.Cycles[idx]
	cycle.SubState = SubStateAwaitingReady
	cycle.StartedAt = time.Now().UTC()

	targets := append([]string{cycle.Speaker.DeviceID}, s.microphoneIDsUnsafe()...)
	s.broadcastUnsafe(BroadcastStartMeasurement, map[string]interface{}{
		"session_id":                 s.ID.String(),
		"job_id":                     s.JobID,
		"current_speaker_slot_id":    cycle.Speaker.SlotID,
		"current_speaker_slot_label": cycle.Speaker.SlotLabel,
		"speaker_device_id":          cycle.Speaker.DeviceID,
		"total_microphones":          len(s.Microphones),
	}, targets)

	s.phaseUpdateUnsafe()
	s.armDeadlineUnsafe()
}

// ApplyAck is the barrier reducer: one acknowledgement in, at most one
// transition out. The lock is taken here; everything else stays Unsafe.
func (s *MeasurementSession) ApplyAck(deviceID, event string, data map[string]interface{}) (AckResult, *ProtocolError) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.applyAckUnsafe(deviceID, event, data)
}

// ProtocolError marks an acknowledgement for a barrier the cycle has not
// reached yet. The session itself continues unharmed.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

func (s *MeasurementSession) applyAckUnsafe(deviceID, event string, data map[string]interface{}) (AckResult, *ProtocolError) {
	res := AckResult{SessionID: s.ID.String(), Status: s.Status}

	target, ok := ackTargets[event]
	if !ok {
		res.Ignored = true
		return res, nil
	}

	// Acks landing on a terminal session are retransmissions of steps the
	// protocol has already passed; they are tolerated, not errors.
	if s.Status.Terminal() {
		res.Ignored = true
		return res, nil
	}
	if s.Status != StatusRunning || s.CurrentCycle >= len(s.Cycles) {
		res.Ignored = true
		return res, nil
	}

	cycle := s.Cycles[s.CurrentCycle]
	res.SubState = cycle.SubState

	cur := cycle.SubState.step()
	switch {
	case cycle.Acked[target][deviceID]:
		// Duplicate within the current cycle.
		res.Ignored = true
		return res, nil

	case target.step() < cur:
		// Stale ack for a barrier this cycle has moved past.
		res.Ignored = true
		return res, nil

	case target.step() > cur:
		// A microphone re-sending a late ack from a finished cycle can look
		// like a premature ack for this one. Only a device with no earlier
		// history at that barrier is genuinely ahead of the protocol.
		if s.ackedInEarlierCycleUnsafe(deviceID, target) {
			res.Ignored = true
			return res, nil
		}
		return res, &ProtocolError{Message: "acknowledgement " + event + " arrived before barrier " + string(cycle.SubState) + " was satisfied"}
	}

	expected := s.expectedUnsafe(cycle, cycle.SubState)
	if !expected[deviceID] {
		// Not part of this barrier (e.g. the speaker acking a microphone
		// step). Ignored so client retries can never wedge a session.
		res.Ignored = true
		return res, nil
	}

	if cycle.Acked[cycle.SubState] == nil {
		cycle.Acked[cycle.SubState] = make(map[string]bool)
	}
	cycle.Acked[cycle.SubState][deviceID] = true

	if cycle.SubState == SubStateAwaitingRecordingUploaded {
		if name, ok := data["upload_name"].(string); ok && name != "" {
			s.UploadNames[deviceID] = name
		}
	}

	for id := range expected {
		if !cycle.Acked[cycle.SubState][id] {
			res.Pending = s.pendingUnsafe()
			return res, nil
		}
	}

	s.advanceUnsafe(cycle)
	res.Advanced = true
	res.Status = s.Status
	if s.Status == StatusRunning && s.CurrentCycle < len(s.Cycles) {
		res.SubState = s.Cycles[s.CurrentCycle].SubState
	} else {
		res.SubState = ""
	}
	return res, nil
}

// ackedInEarlierCycleUnsafe reports whether the device acked this barrier
// kind in a cycle before the current one.
func (s *MeasurementSession) ackedInEarlierCycleUnsafe(deviceID string, target SubState) bool {
	for i := 0; i < s.CurrentCycle && i < len(s.Cycles); i++ {
		if s.Cycles[i].Acked[target][deviceID] {
			return true
		}
	}
	return false
}

// advanceUnsafe moves a fully-acknowledged cycle to its next barrier, or
// finishes the cycle and either chains the next one or completes the session.
func (s *MeasurementSession) advanceUnsafe(cycle *SpeakerCycle) {
	switch cycle.SubState {
	case SubStateAwaitingReady:
		cycle.SubState = SubStateAwaitingAudioReady
		s.broadcastUnsafe(BroadcastRequestAudio, map[string]interface{}{
			"session_id": s.ID.String(),
			"audio_url":  s.AudioURL,
		}, []string{cycle.Speaker.DeviceID})

	case SubStateAwaitingAudioReady:
		cycle.SubState = SubStateAwaitingRecordingStarted
		s.broadcastUnsafe(BroadcastStartRecording, map[string]interface{}{
			"session_id":                s.ID.String(),
			"speaker_slot_id":           cycle.Speaker.SlotID,
			"expected_duration_seconds": s.DurationSeconds,
		}, s.microphoneIDsUnsafe())

	case SubStateAwaitingRecordingStarted:
		cycle.SubState = SubStateAwaitingPlaybackComplete
		s.broadcastUnsafe(BroadcastStartPlayback, map[string]interface{}{
			"session_id": s.ID.String(),
		}, []string{cycle.Speaker.DeviceID})

	case SubStateAwaitingPlaybackComplete:
		cycle.SubState = SubStateAwaitingRecordingUploaded
		s.broadcastUnsafe(BroadcastStopRecording, map[string]interface{}{
			"session_id":      s.ID.String(),
			"job_id":          s.JobID,
			"speaker_slot_id": cycle.Speaker.SlotID,
			"upload_endpoint": s.UploadEndpoint,
		}, s.microphoneIDsUnsafe())

	case SubStateAwaitingRecordingUploaded:
		s.finishCycleUnsafe(cycle)
		return
	}

	s.phaseUpdateUnsafe()
	s.armDeadlineUnsafe()
}

// finishCycleUnsafe closes out one speaker's cycle and chains the next, or
// completes the session when no cycles remain.
func (s *MeasurementSession) finishCycleUnsafe(cycle *SpeakerCycle) {
	s.CompletedSpeakers = append(s.CompletedSpeakers, cycle.Speaker.SlotID)

	var remaining []string
	for _, c := range s.Cycles[s.CurrentCycle+1:] {
		remaining = append(remaining, c.Speaker.SlotID)
	}
	s.broadcastUnsafe(BroadcastSpeakerComplete, map[string]interface{}{
		"session_id":                s.ID.String(),
		"completed_speaker_slot_id": cycle.Speaker.SlotID,
		"remaining_speakers":        remaining,
	}, s.allDeviceIDsUnsafe())

	if s.CurrentCycle+1 < len(s.Cycles) {
		s.startCycleUnsafe(s.CurrentCycle + 1)
		return
	}

	s.stopDeadlineUnsafe()
	s.Status = StatusCompleted
	s.FinishedAt = time.Now().UTC()
	s.broadcastUnsafe(BroadcastSessionComplete, map[string]interface{}{
		"session_id":         s.ID.String(),
		"job_id":             s.JobID,
		"completed_speakers": append([]string(nil), s.CompletedSpeakers...),
		"audio_hash":         s.AudioHash,
	}, s.allDeviceIDsUnsafe())
	s.phaseUpdateUnsafe()
}

// CancelUnsafe moves a non-terminal session to cancelled and tells everyone.
// Calling it on a terminal session is a no-op.
func (s *MeasurementSession) CancelUnsafe(reason string) {
	if s.Status.Terminal() {
		return
	}
	if reason == "" {
		reason = "cancelled_by_admin"
	}
	s.stopDeadlineUnsafe()
	s.Status = StatusCancelled
	s.FinishedAt = time.Now().UTC()
	s.broadcastUnsafe(BroadcastSessionCancelled, map[string]interface{}{
		"session_id": s.ID.String(),
		"reason":     reason,
	}, s.allDeviceIDsUnsafe())
	s.phaseUpdateUnsafe()
}

// FailUnsafe moves a non-terminal session to error and broadcasts the failure
// to every participant. errorDeviceID is empty for coordinator-side failures
// such as barrier timeouts.
func (s *MeasurementSession) FailUnsafe(code, message, errorDeviceID string) {
	if s.Status.Terminal() {
		return
	}
	s.stopDeadlineUnsafe()
	s.Status = StatusError
	s.ErrorCode = code
	s.ErrorMessage = message
	s.FinishedAt = time.Now().UTC()
	s.broadcastUnsafe(BroadcastError, map[string]interface{}{
		"session_id":      s.ID.String(),
		"error_device_id": errorDeviceID,
		"error_message":   message,
		"error_code":      code,
	}, s.allDeviceIDsUnsafe())
	s.phaseUpdateUnsafe()
}

// armDeadlineUnsafe (re)starts the barrier deadline. The timer closure keeps
// the timer pointer it was armed with; if the session re-armed or finished in
// the meantime the pointers differ and the expiry does nothing.
func (s *MeasurementSession) armDeadlineUnsafe() {
	s.stopDeadlineUnsafe()
	if s.BarrierTimeout <= 0 {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.BarrierTimeout, func() {
		s.Mu.Lock()
		if s.deadlineTimer != t || s.Status != StatusRunning {
			s.Mu.Unlock()
			return
		}
		s.FailUnsafe(protocol.CodeTimeout, "barrier deadline exceeded waiting for "+string(s.currentSubStateUnsafe()), "")
		cb := s.onBarrierTimeout
		s.Mu.Unlock()

		if cb != nil {
			cb(s)
		}
	})
	s.deadlineTimer = t
}

func (s *MeasurementSession) stopDeadlineUnsafe() {
	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
		s.deadlineTimer = nil
	}
}

// currentSubStateUnsafe returns the live cycle's barrier, or "" outside a
// running cycle.
func (s *MeasurementSession) currentSubStateUnsafe() SubState {
	if s.CurrentCycle < len(s.Cycles) {
		return s.Cycles[s.CurrentCycle].SubState
	}
	return ""
}

// phaseUpdateUnsafe announces coarse progress to every session device after
// each transition so passive UIs can follow along without polling.
func (s *MeasurementSession) phaseUpdateUnsafe() {
	phase := string(s.Status)
	if s.Status == StatusRunning {
		phase = string(s.currentSubStateUnsafe())
	}
	s.broadcastUnsafe(BroadcastPhaseUpdate, map[string]interface{}{
		"session_id":            s.ID.String(),
		"phase":                 phase,
		"current_speaker_index": s.CurrentCycle,
		"total_speakers":        len(s.Cycles),
	}, s.allDeviceIDsUnsafe())
}

func (s *MeasurementSession) broadcastUnsafe(event string, data map[string]interface{}, targets []string) {
	if s.BroadcastFn != nil {
		s.BroadcastFn(event, data, targets)
	}
}

// StatusSnapshotUnsafe is the read model behind measurement.session_status.
func (s *MeasurementSession) StatusSnapshotUnsafe() map[string]interface{} {
	snap := map[string]interface{}{
		"session_id":          s.ID.String(),
		"job_id":              s.JobID,
		"lobby_id":            s.LobbyID.String(),
		"status":              string(s.Status),
		"current_cycle_index": s.CurrentCycle,
		"total_speakers":      len(s.Cycles),
		"total_microphones":   len(s.Microphones),
		"completed_speakers":  append([]string(nil), s.CompletedSpeakers...),
	}
	if sub := s.currentSubStateUnsafe(); sub != "" && s.Status == StatusRunning {
		snap["sub_state"] = string(sub)
		snap["pending_devices"] = s.pendingUnsafe()
	}
	if s.ErrorCode != "" {
		snap["error_code"] = s.ErrorCode
		snap["error_message"] = s.ErrorMessage
	}
	return snap
}

// IsParticipantUnsafe reports whether the device belongs to the session.
func (s *MeasurementSession) IsParticipantUnsafe(deviceID string) bool {
	for _, d := range s.Speakers {
		if d.DeviceID == deviceID {
			return true
		}
	}
	for _, d := range s.Microphones {
		if d.DeviceID == deviceID {
			return true
		}
	}
	return false
}
