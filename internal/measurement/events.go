// internal/measurement/events.go
package measurement

// Inbound event names the coordinator accepts from devices (via the gateway).
const (
	EventCreateSession = "measurement.create_session"
	EventSessionStatus = "measurement.session_status"
	EventCancelSession = "measurement.cancel_session"

	EventReady             = "measurement.ready"
	EventSpeakerAudioReady = "measurement.speaker_audio_ready"
	EventRecordingStarted  = "measurement.recording_started"
	EventPlaybackComplete  = "measurement.playback_complete"
	EventRecordingUploaded = "measurement.recording_uploaded"
	EventClientError       = "measurement.error"

	// Older client builds still send these; they map onto the canonical
	// events above and log a deprecation warning at the dispatch layer.
	EventClientReadyAlias     = "measurement.client_ready"
	EventSpeakerFinishedAlias = "measurement.speaker_finished"
	EventStartSpeakerAlias    = "measurement.start_speaker"
)

// Outbound broadcast event names.
const (
	BroadcastStartMeasurement = "measurement.start_measurement"
	BroadcastRequestAudio     = "measurement.request_audio"
	BroadcastStartRecording   = "measurement.start_recording"
	BroadcastStartPlayback    = "measurement.start_playback"
	BroadcastStopRecording    = "measurement.stop_recording"
	BroadcastSpeakerComplete  = "measurement.speaker_complete"
	BroadcastSessionComplete  = "measurement.session_complete"
	BroadcastSessionCancelled = "measurement.session_cancelled"
	BroadcastError            = "measurement.error"
	BroadcastPhaseUpdate      = "measurement.phase_update"
)

// ackTargets maps each acknowledgement event to the sub-state it satisfies.
// Events not in this table are not acknowledgements.
var ackTargets = map[string]SubState{
	EventReady:             SubStateAwaitingReady,
	EventSpeakerAudioReady: SubStateAwaitingAudioReady,
	EventRecordingStarted:  SubStateAwaitingRecordingStarted,
	EventPlaybackComplete:  SubStateAwaitingPlaybackComplete,
	EventRecordingUploaded: SubStateAwaitingRecordingUploaded,
}

// IsAckEvent reports whether the event name is a barrier acknowledgement.
func IsAckEvent(event string) bool {
	_, ok := ackTargets[event]
	return ok
}
