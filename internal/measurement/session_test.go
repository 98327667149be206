// internal/measurement/session_test.go
package measurement

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentEvent is one recorded broadcast.
type sentEvent struct {
	Event   string
	Data    map[string]interface{}
	Targets []string
}

// mockBroadcaster collects events instead of pushing them to the gateway.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []sentEvent
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{}
}

func (mb *mockBroadcaster) Broadcast(event string, data map[string]interface{}, deviceIDs []string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.events = append(mb.events, sentEvent{Event: event, Data: data, Targets: append([]string(nil), deviceIDs...)})
}

func (mb *mockBroadcaster) named(event string) []sentEvent {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	var out []sentEvent
	for _, ev := range mb.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (mb *mockBroadcaster) last() *sentEvent {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.events) == 0 {
		return nil
	}
	ev := mb.events[len(mb.events)-1]
	return &ev
}

func (mb *mockBroadcaster) forDevice(deviceID string) []sentEvent {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	var out []sentEvent
	for _, ev := range mb.events {
		for _, id := range ev.Targets {
			if id == deviceID {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

func (mb *mockBroadcaster) clear() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.events = nil
}

// newTestSession builds a running session with the given roster, bypassing
// the coordinator, and starts its first cycle.
func newTestSession(speakers, microphones []DeviceSlot, mb *mockBroadcaster) *MeasurementSession {
	s := &MeasurementSession{
		ID:              uuid.New(),
		JobID:           "job-1",
		LobbyID:         uuid.New(),
		Speakers:        speakers,
		Microphones:     microphones,
		Status:          StatusRunning,
		AudioURL:        "https://cdn.example.com/sweep.wav",
		AudioHash:       "abc123",
		DurationSeconds: 12,
		UploadEndpoint:  "/v1/measurements/recordings",
		UploadNames:     make(map[string]string),
		CreatedAt:       time.Now().UTC(),
		BroadcastFn:     mb.Broadcast,
	}
	for _, sp := range speakers {
		s.Cycles = append(s.Cycles, &SpeakerCycle{Speaker: sp, Acked: make(map[SubState]map[string]bool)})
	}
	s.Mu.Lock()
	s.startCycleUnsafe(0)
	s.Mu.Unlock()
	return s
}

func slot(device, slotID string) DeviceSlot {
	return DeviceSlot{DeviceID: device, SlotID: slotID, SlotLabel: slotID}
}

func TestSubStateOrdering(t *testing.T) {
	order := []SubState{
		SubStateAwaitingReady,
		SubStateAwaitingAudioReady,
		SubStateAwaitingRecordingStarted,
		SubStateAwaitingPlaybackComplete,
		SubStateAwaitingRecordingUploaded,
	}
	for i, ss := range order {
		assert.Equal(t, i+1, ss.step(), "step index for %s", ss)
	}
	assert.Equal(t, 0, SubState("bogus").step())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusError.Terminal())
}

func TestExpectedDevicesPerBarrier(t *testing.T) {
	mb := newMockBroadcaster()
	s := newTestSession(
		[]DeviceSlot{slot("spk-1", "sp-1")},
		[]DeviceSlot{slot("mic-1", "m-1"), slot("mic-2", "m-2")},
		mb,
	)
	cycle := s.Cycles[0]

	ready := s.expectedUnsafe(cycle, SubStateAwaitingReady)
	assert.Len(t, ready, 3, "ready barrier waits on speaker and every microphone")
	assert.True(t, ready["spk-1"] && ready["mic-1"] && ready["mic-2"])

	audio := s.expectedUnsafe(cycle, SubStateAwaitingAudioReady)
	assert.Equal(t, map[string]bool{"spk-1": true}, audio)

	recording := s.expectedUnsafe(cycle, SubStateAwaitingRecordingStarted)
	assert.Equal(t, map[string]bool{"mic-1": true, "mic-2": true}, recording)

	playback := s.expectedUnsafe(cycle, SubStateAwaitingPlaybackComplete)
	assert.Equal(t, map[string]bool{"spk-1": true}, playback)

	uploaded := s.expectedUnsafe(cycle, SubStateAwaitingRecordingUploaded)
	assert.Equal(t, map[string]bool{"mic-1": true, "mic-2": true}, uploaded)
}

func TestBarrierHoldsUntilAllAck(t *testing.T) {
	mb := newMockBroadcaster()
	s := newTestSession(
		[]DeviceSlot{slot("spk-1", "sp-1")},
		[]DeviceSlot{slot("mic-1", "m-1"), slot("mic-2", "m-2")},
		mb,
	)
	data := map[string]interface{}{"session_id": s.ID.String()}

	res, perr := s.ApplyAck("spk-1", EventReady, data)
	require.Nil(t, perr)
	assert.False(t, res.Advanced)
	assert.ElementsMatch(t, []string{"mic-1", "mic-2"}, res.Pending)

	res, perr = s.ApplyAck("mic-1", EventReady, data)
	require.Nil(t, perr)
	assert.False(t, res.Advanced)
	assert.Equal(t, []string{"mic-2"}, res.Pending)

	res, perr = s.ApplyAck("mic-2", EventReady, data)
	require.Nil(t, perr)
	assert.True(t, res.Advanced, "last expected ack releases the barrier")
	assert.Equal(t, SubStateAwaitingAudioReady, res.SubState)
}

func TestDuplicateAckIgnored(t *testing.T) {
	mb := newMockBroadcaster()
	s := newTestSession(
		[]DeviceSlot{slot("spk-1", "sp-1")},
		[]DeviceSlot{slot("mic-1", "m-1"), slot("mic-2", "m-2")},
		mb,
	)
	data := map[string]interface{}{"session_id": s.ID.String()}

	_, perr := s.ApplyAck("mic-1", EventReady, data)
	require.Nil(t, perr)

	res, perr := s.ApplyAck("mic-1", EventReady, data)
	require.Nil(t, perr)
	assert.True(t, res.Ignored, "second identical ack is a no-op")
	assert.Equal(t, SubStateAwaitingReady, s.currentSubStateUnsafe())
}

func TestStrayDeviceIgnored(t *testing.T) {
	mb := newMockBroadcaster()
	s := newTestSession(
		[]DeviceSlot{slot("spk-1", "sp-1")},
		[]DeviceSlot{slot("mic-1", "m-1")},
		mb,
	)
	data := map[string]interface{}{"session_id": s.ID.String()}

	// A device outside the roster never counts toward the barrier.
	res, perr := s.ApplyAck("intruder", EventReady, data)
	require.Nil(t, perr)
	assert.True(t, res.Ignored)

	// The speaker acking a microphone-only barrier is equally inert once
	// the session reaches awaiting_recording_started.
	for _, ack := range []struct{ device, event string }{
		{"spk-1", EventReady}, {"mic-1", EventReady},
		{"spk-1", EventSpeakerAudioReady},
	} {
		_, perr := s.ApplyAck(ack.device, ack.event, data)
		require.Nil(t, perr)
	}
	require.Equal(t, SubStateAwaitingRecordingStarted, s.currentSubStateUnsafe())

	res, perr = s.ApplyAck("spk-1", EventRecordingStarted, data)
	require.Nil(t, perr)
	assert.True(t, res.Ignored)
	assert.Equal(t, SubStateAwaitingRecordingStarted, s.currentSubStateUnsafe())
}

func TestFutureAckIsProtocolViolation(t *testing.T) {
	mb := newMockBroadcaster()
	s := newTestSession(
		[]DeviceSlot{slot("spk-1", "sp-1")},
		[]DeviceSlot{slot("mic-1", "m-1")},
		mb,
	)
	data := map[string]interface{}{"session_id": s.ID.String()}

	_, perr := s.ApplyAck("mic-1", EventRecordingStarted, data)
	require.NotNil(t, perr, "acking step 3 while the session waits on step 1 is premature")

	// The violation does not damage the session: the same device can still
	// satisfy the current barrier.
	res, perr := s.ApplyAck("mic-1", EventReady, data)
	require.Nil(t, perr)
	assert.False(t, res.Ignored)
	assert.Equal(t, StatusRunning, s.Status)
}

func TestLateAckFromFinishedCycleIgnored(t *testing.T) {
	mb := newMockBroadcaster()
	s := newTestSession(
		[]DeviceSlot{slot("spk-1", "sp-1"), slot("spk-2", "sp-2")},
		[]DeviceSlot{slot("mic-1", "m-1")},
		mb,
	)
	data := map[string]interface{}{"session_id": s.ID.String()}

	// Drive the first cycle to completion.
	for _, ack := range []struct{ device, event string }{
		{"spk-1", EventReady}, {"mic-1", EventReady},
		{"spk-1", EventSpeakerAudioReady},
		{"mic-1", EventRecordingStarted},
		{"spk-1", EventPlaybackComplete},
		{"mic-1", EventRecordingUploaded},
	} {
		_, perr := s.ApplyAck(ack.device, ack.event, data)
		require.Nil(t, perr, "ack %s from %s", ack.event, ack.device)
	}
	require.Equal(t, 1, s.CurrentCycle, "second cycle should have started")
	require.Equal(t, SubStateAwaitingReady, s.currentSubStateUnsafe())

	// The microphone retransmits its cycle-one upload ack. That is a late
	// duplicate, not a premature ack for cycle two.
	res, perr := s.ApplyAck("mic-1", EventRecordingUploaded, data)
	require.Nil(t, perr)
	assert.True(t, res.Ignored)
	assert.Equal(t, StatusRunning, s.Status)

	// And its fresh ready ack for cycle two still counts.
	res, perr = s.ApplyAck("mic-1", EventReady, data)
	require.Nil(t, perr)
	assert.False(t, res.Ignored, "cycle-two ready must not be mistaken for a duplicate")
}

func TestUploadNamesRecorded(t *testing.T) {
	mb := newMockBroadcaster()
	s := newTestSession(
		[]DeviceSlot{slot("spk-1", "sp-1")},
		[]DeviceSlot{slot("mic-1", "m-1"), slot("mic-2", "m-2")},
		mb,
	)
	data := map[string]interface{}{"session_id": s.ID.String()}

	for _, ack := range []struct{ device, event string }{
		{"spk-1", EventReady}, {"mic-1", EventReady}, {"mic-2", EventReady},
		{"spk-1", EventSpeakerAudioReady},
		{"mic-1", EventRecordingStarted}, {"mic-2", EventRecordingStarted},
		{"spk-1", EventPlaybackComplete},
	} {
		_, perr := s.ApplyAck(ack.device, ack.event, data)
		require.Nil(t, perr)
	}

	_, perr := s.ApplyAck("mic-1", EventRecordingUploaded, map[string]interface{}{
		"session_id": s.ID.String(), "upload_name": "rec-m1.wav",
	})
	require.Nil(t, perr)
	_, perr = s.ApplyAck("mic-2", EventRecordingUploaded, map[string]interface{}{
		"session_id": s.ID.String(), "upload_name": "rec-m2.wav",
	})
	require.Nil(t, perr)

	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, map[string]string{"mic-1": "rec-m1.wav", "mic-2": "rec-m2.wav"}, s.UploadNames)
}

func TestAckAfterTerminalIgnored(t *testing.T) {
	mb := newMockBroadcaster()
	s := newTestSession(
		[]DeviceSlot{slot("spk-1", "sp-1")},
		[]DeviceSlot{slot("mic-1", "m-1")},
		mb,
	)
	s.Mu.Lock()
	s.CancelUnsafe("")
	s.Mu.Unlock()
	require.Equal(t, StatusCancelled, s.Status)

	res, perr := s.ApplyAck("mic-1", EventReady, map[string]interface{}{"session_id": s.ID.String()})
	require.Nil(t, perr)
	assert.True(t, res.Ignored)

	cancelled := mb.named(BroadcastSessionCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "cancelled_by_admin", cancelled[0].Data["reason"], "empty reason falls back to the default")
}
