// internal/registry/registry_test.go
package registry

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/resonata-audio/resonata/internal/database"
	"github.com/resonata-audio/resonata/internal/models"
	"github.com/resonata-audio/resonata/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps lobby state in maps so registry semantics can be driven
// without Postgres.
type fakeStore struct {
	mu           sync.Mutex
	lobbies      map[uuid.UUID]*models.Lobby
	byCode       map[string]uuid.UUID
	participants map[uuid.UUID]*models.Participant
	order        map[uuid.UUID][]uuid.UUID
	events       []*models.LobbyEvent
	nextEventID  int64

	// collisions makes the next N code checks report the code as taken.
	collisions int
	codeChecks int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lobbies:      make(map[uuid.UUID]*models.Lobby),
		byCode:       make(map[string]uuid.UUID),
		participants: make(map[uuid.UUID]*models.Participant),
		order:        make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *fakeStore) recordLocked(ev *models.LobbyEvent) {
	s.nextEventID++
	e := *ev
	e.ID = s.nextEventID
	s.events = append(s.events, &e)
}

func (s *fakeStore) CreateLobby(ctx context.Context, lobby *models.Lobby, creator *models.Participant, ev *models.LobbyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := *lobby
	s.lobbies[l.ID] = &l
	s.byCode[l.Code] = l.ID
	p := *creator
	s.participants[p.ID] = &p
	s.order[l.ID] = append(s.order[l.ID], p.ID)
	s.recordLocked(ev)
	return nil
}

func (s *fakeStore) GetLobbyByID(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *fakeStore) GetLobbyByCode(ctx context.Context, code string) (*models.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *s.lobbies[id]
	return &cp, nil
}

func (s *fakeStore) LobbyCodeInUse(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codeChecks++
	if s.collisions > 0 {
		s.collisions--
		return true, nil
	}
	return false, nil
}

func (s *fakeStore) SetLobbyState(ctx context.Context, lobbyID uuid.UUID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return database.ErrNotFound
	}
	l.State = state
	return nil
}

func (s *fakeStore) CloseLobbyWithEvent(ctx context.Context, lobbyID uuid.UUID, ev *models.LobbyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return database.ErrNotFound
	}
	l.State = models.LobbyStateClosed
	s.recordLocked(ev)
	return nil
}

func (s *fakeStore) GetParticipant(ctx context.Context, lobbyID uuid.UUID, deviceID string) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range s.order[lobbyID] {
		if p := s.participants[pid]; p.DeviceID == deviceID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) ListParticipants(ctx context.Context, lobbyID uuid.UUID) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Participant
	for _, pid := range s.order[lobbyID] {
		out = append(out, *s.participants[pid])
	}
	return out, nil
}

func (s *fakeStore) JoinLobby(ctx context.Context, p *models.Participant, ev *models.LobbyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.participants[cp.ID] = &cp
	s.order[cp.LobbyID] = append(s.order[cp.LobbyID], cp.ID)
	s.recordLocked(ev)
	return nil
}

func (s *fakeStore) ReactivateParticipant(ctx context.Context, participantID uuid.UUID, ev *models.LobbyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return database.ErrNotFound
	}
	p.Status = models.ParticipantJoined
	p.LeftAt = nil
	s.recordLocked(ev)
	return nil
}

func (s *fakeStore) MarkParticipantLeft(ctx context.Context, participantID uuid.UUID, leftAt time.Time, ev *models.LobbyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return database.ErrNotFound
	}
	p.Status = models.ParticipantLeft
	t := leftAt
	p.LeftAt = &t
	s.recordLocked(ev)
	return nil
}

func (s *fakeStore) AssignParticipantRole(ctx context.Context, participantID uuid.UUID, role, slotID, slotLabel string, ev *models.LobbyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return database.ErrNotFound
	}
	p.Role, p.SlotID, p.SlotLabel = role, slotID, slotLabel
	s.recordLocked(ev)
	return nil
}

func (s *fakeStore) AppendLobbyEvent(ctx context.Context, ev *models.LobbyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(ev)
	return nil
}

func (s *fakeStore) ListLobbyEvents(ctx context.Context, lobbyID uuid.UUID, afterID int64, limit int) ([]models.LobbyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LobbyEvent
	for _, ev := range s.events {
		if ev.LobbyID != lobbyID || ev.ID <= afterID {
			continue
		}
		out = append(out, *ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) eventTypes(lobbyID uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []string
	for _, ev := range s.events {
		if ev.LobbyID == lobbyID {
			types = append(types, ev.Type)
		}
	}
	return types
}

func (s *fakeStore) lastEvent(lobbyID uuid.UUID) *models.LobbyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].LobbyID == lobbyID {
			cp := *s.events[i]
			return &cp
		}
	}
	return nil
}

type recordedPush struct {
	Event   string
	Data    map[string]interface{}
	Targets []string
}

type pushRecorder struct {
	mu     sync.Mutex
	pushes []recordedPush
}

func (r *pushRecorder) Broadcast(event string, data map[string]interface{}, deviceIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, recordedPush{
		Event:   event,
		Data:    data,
		Targets: append([]string(nil), deviceIDs...),
	})
}

func (r *pushRecorder) all() []recordedPush {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedPush(nil), r.pushes...)
}

func (r *pushRecorder) last(t *testing.T) recordedPush {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pushes) == 0 {
		t.Fatal("no broadcasts recorded")
	}
	return r.pushes[len(r.pushes)-1]
}

func newTestRegistry() (*Registry, *fakeStore, *pushRecorder) {
	store := newFakeStore()
	rec := &pushRecorder{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Registry{Store: store, Broadcast: rec, Logger: logger}, store, rec
}

func seedLobby(t *testing.T, reg *Registry, creator string, joiners ...string) *models.LobbySnapshot {
	t.Helper()
	snap, err := reg.CreateLobby(context.Background(), creator)
	require.NoError(t, err)
	for _, d := range joiners {
		snap, err = reg.JoinLobby(context.Background(), snap.Lobby.Code, d)
		require.NoError(t, err)
	}
	return snap
}

func findParticipant(t *testing.T, snap *models.LobbySnapshot, deviceID string) models.Participant {
	t.Helper()
	for _, p := range snap.Participants {
		if p.DeviceID == deviceID {
			return p
		}
	}
	t.Fatalf("device %s not in snapshot", deviceID)
	return models.Participant{}
}

func TestCreateLobbyAutoJoinsCreator(t *testing.T) {
	reg, store, rec := newTestRegistry()

	snap, err := reg.CreateLobby(context.Background(), "admin")
	require.NoError(t, err)

	assert.Len(t, snap.Lobby.Code, codeLength)
	assert.Equal(t, models.LobbyStateOpen, snap.Lobby.State)
	require.Len(t, snap.Participants, 1)
	creator := snap.Participants[0]
	assert.Equal(t, "admin", creator.DeviceID)
	assert.Equal(t, models.RoleNone, creator.Role)
	assert.Equal(t, models.ParticipantJoined, creator.Status)

	assert.Equal(t, []string{models.EventLobbyCreated}, store.eventTypes(snap.Lobby.ID))
	push := rec.last(t)
	assert.Equal(t, EventLobbyUpdated, push.Event)
	assert.Equal(t, []string{"admin"}, push.Targets)

	_, err = reg.CreateLobby(context.Background(), "")
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeBadRequest, perr.Code)
}

func TestCreateLobbyRetriesCollidingCodes(t *testing.T) {
	reg, store, _ := newTestRegistry()
	store.collisions = 3

	snap, err := reg.CreateLobby(context.Background(), "admin")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Lobby.Code)
	assert.Equal(t, 4, store.codeChecks)

	// Exhausting every attempt surfaces as an internal error.
	reg2, store2, _ := newTestRegistry()
	store2.collisions = codeAttempts
	_, err = reg2.CreateLobby(context.Background(), "admin")
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeInternal, perr.Code)
}

func TestJoinLobbyUnknownCode(t *testing.T) {
	reg, _, _ := newTestRegistry()

	_, err := reg.JoinLobby(context.Background(), "WRONG1", "mic-1")
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeNotFound, perr.Code)

	_, err = reg.JoinLobby(context.Background(), "", "mic-1")
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeBadRequest, perr.Code)
}

func TestJoinClosedLobbyConflicts(t *testing.T) {
	reg, _, _ := newTestRegistry()
	snap := seedLobby(t, reg, "admin")
	require.NoError(t, reg.CloseLobby(context.Background(), snap.Lobby.ID, "admin"))

	_, err := reg.JoinLobby(context.Background(), snap.Lobby.Code, "mic-1")
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeConflict, perr.Code)
}

func TestDoubleJoinIsIdempotent(t *testing.T) {
	reg, store, rec := newTestRegistry()
	snap := seedLobby(t, reg, "admin", "mic-1")
	first := findParticipant(t, snap, "mic-1")
	events := len(store.eventTypes(snap.Lobby.ID))
	pushes := len(rec.all())

	again, err := reg.JoinLobby(context.Background(), snap.Lobby.Code, "mic-1")
	require.NoError(t, err)

	require.Len(t, again.Participants, 2)
	assert.Equal(t, first.ID, findParticipant(t, again, "mic-1").ID)
	assert.Len(t, store.eventTypes(snap.Lobby.ID), events)
	assert.Len(t, rec.all(), pushes)
}

func TestRejoinAfterLeaveReactivates(t *testing.T) {
	reg, store, _ := newTestRegistry()
	snap := seedLobby(t, reg, "admin", "mic-1")
	original := findParticipant(t, snap, "mic-1")

	require.NoError(t, reg.LeaveLobby(context.Background(), snap.Lobby.ID, "mic-1"))
	gone, err := reg.GetLobby(context.Background(), snap.Lobby.ID)
	require.NoError(t, err)
	left := findParticipant(t, gone, "mic-1")
	assert.Equal(t, models.ParticipantLeft, left.Status)
	require.NotNil(t, left.LeftAt)

	back, err := reg.JoinLobby(context.Background(), snap.Lobby.Code, "mic-1")
	require.NoError(t, err)

	// Same row comes back instead of a duplicate.
	require.Len(t, back.Participants, 2)
	rejoined := findParticipant(t, back, "mic-1")
	assert.Equal(t, original.ID, rejoined.ID)
	assert.Equal(t, models.ParticipantJoined, rejoined.Status)
	assert.Nil(t, rejoined.LeftAt)

	assert.Equal(t, []string{
		models.EventLobbyCreated,
		models.EventParticipantJoined,
		models.EventParticipantLeft,
		models.EventParticipantJoined,
	}, store.eventTypes(snap.Lobby.ID))
	last := store.lastEvent(snap.Lobby.ID)
	assert.Equal(t, true, last.Payload["rejoined"])
}

func TestLeaveLobbyNoops(t *testing.T) {
	reg, store, _ := newTestRegistry()
	snap := seedLobby(t, reg, "admin", "mic-1")

	// A device that never joined leaves silently.
	require.NoError(t, reg.LeaveLobby(context.Background(), snap.Lobby.ID, "stranger"))
	assert.Len(t, store.eventTypes(snap.Lobby.ID), 2)

	require.NoError(t, reg.LeaveLobby(context.Background(), snap.Lobby.ID, "mic-1"))
	assert.Len(t, store.eventTypes(snap.Lobby.ID), 3)

	// Leaving twice adds nothing.
	require.NoError(t, reg.LeaveLobby(context.Background(), snap.Lobby.ID, "mic-1"))
	assert.Len(t, store.eventTypes(snap.Lobby.ID), 3)

	err := reg.LeaveLobby(context.Background(), uuid.New(), "mic-1")
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeNotFound, perr.Code)
}

func TestAssignRoleCreatorOnly(t *testing.T) {
	reg, store, rec := newTestRegistry()
	snap := seedLobby(t, reg, "admin", "mic-1", "mic-2")
	require.NoError(t, reg.LeaveLobby(context.Background(), snap.Lobby.ID, "mic-2"))

	_, err := reg.AssignRole(context.Background(), snap.Lobby.ID, "mic-1", "mic-1", models.RoleMicrophone, "m-1", "Mic 1")
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeForbidden, perr.Code)

	p, err := reg.AssignRole(context.Background(), snap.Lobby.ID, "admin", "mic-1", models.RoleMicrophone, "m-1", "Mic 1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleMicrophone, p.Role)
	assert.Equal(t, "m-1", p.SlotID)
	assert.Equal(t, "Mic 1", p.SlotLabel)

	after, err := reg.GetLobby(context.Background(), snap.Lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMicrophone, findParticipant(t, after, "mic-1").Role)

	assert.Equal(t, models.EventRoleAssigned, store.lastEvent(snap.Lobby.ID).Type)
	push := rec.last(t)
	assert.Equal(t, EventLobbyUpdated, push.Event)
	assert.Equal(t, models.EventRoleAssigned, push.Data["type"])
	// Only joined devices are notified; mic-2 left.
	assert.ElementsMatch(t, []string{"admin", "mic-1"}, push.Targets)
}

func TestAssignRoleRejections(t *testing.T) {
	reg, _, _ := newTestRegistry()
	snap := seedLobby(t, reg, "admin", "mic-1", "mic-2")
	require.NoError(t, reg.LeaveLobby(context.Background(), snap.Lobby.ID, "mic-2"))

	cases := []struct {
		name     string
		actor    string
		target   string
		role     string
		wantCode string
	}{
		{"unknown role", "admin", "mic-1", "conductor", protocol.CodeBadRequest},
		{"not the creator", "mic-1", "mic-1", models.RoleMicrophone, protocol.CodeForbidden},
		{"target never joined", "admin", "stranger", models.RoleMicrophone, protocol.CodeNotFound},
		{"target already left", "admin", "mic-2", models.RoleMicrophone, protocol.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.AssignRole(context.Background(), snap.Lobby.ID, tc.actor, tc.target, tc.role, "m-9", "")
			require.Error(t, err)
			var perr *protocol.Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tc.wantCode, perr.Code)
		})
	}
}

func TestAssignRoleSlotConflict(t *testing.T) {
	reg, _, _ := newTestRegistry()
	snap := seedLobby(t, reg, "admin", "spk-1", "spk-2", "mic-1")
	ctx := context.Background()

	_, err := reg.AssignRole(ctx, snap.Lobby.ID, "admin", "spk-1", models.RoleSpeaker, "sp-front", "Front")
	require.NoError(t, err)

	// Another joined device may not take the same speaker slot.
	_, err = reg.AssignRole(ctx, snap.Lobby.ID, "admin", "spk-2", models.RoleSpeaker, "sp-front", "Front")
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeConflict, perr.Code)

	// Slot ids are exclusive per role; the holder may re-take its own.
	_, err = reg.AssignRole(ctx, snap.Lobby.ID, "admin", "spk-2", models.RoleSpeaker, "sp-rear", "Rear")
	require.NoError(t, err)
	_, err = reg.AssignRole(ctx, snap.Lobby.ID, "admin", "spk-1", models.RoleSpeaker, "sp-front", "Front")
	require.NoError(t, err)
	_, err = reg.AssignRole(ctx, snap.Lobby.ID, "admin", "mic-1", models.RoleMicrophone, "sp-front", "")
	require.NoError(t, err)

	// A slot frees up once its holder leaves.
	require.NoError(t, reg.LeaveLobby(ctx, snap.Lobby.ID, "spk-1"))
	_, err = reg.AssignRole(ctx, snap.Lobby.ID, "admin", "spk-2", models.RoleSpeaker, "sp-front", "Front")
	require.NoError(t, err)
}

func TestAssignRoleNoneClearsSlot(t *testing.T) {
	reg, _, _ := newTestRegistry()
	snap := seedLobby(t, reg, "admin", "spk-1")
	ctx := context.Background()

	_, err := reg.AssignRole(ctx, snap.Lobby.ID, "admin", "spk-1", models.RoleSpeaker, "sp-1", "Left")
	require.NoError(t, err)

	p, err := reg.AssignRole(ctx, snap.Lobby.ID, "admin", "spk-1", models.RoleNone, "sp-1", "Left")
	require.NoError(t, err)
	assert.Equal(t, models.RoleNone, p.Role)
	assert.Empty(t, p.SlotID)
	assert.Empty(t, p.SlotLabel)

	after, err := reg.GetLobby(ctx, snap.Lobby.ID)
	require.NoError(t, err)
	assert.Empty(t, findParticipant(t, after, "spk-1").SlotID)
}

func TestCloseLobbyCreatorOnlyAndIdempotent(t *testing.T) {
	reg, store, rec := newTestRegistry()
	snap := seedLobby(t, reg, "admin", "mic-1")
	ctx := context.Background()

	err := reg.CloseLobby(ctx, snap.Lobby.ID, "mic-1")
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeForbidden, perr.Code)

	require.NoError(t, reg.CloseLobby(ctx, snap.Lobby.ID, "admin"))
	after, err := reg.GetLobby(ctx, snap.Lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyStateClosed, after.Lobby.State)
	assert.Equal(t, models.EventLobbyClosed, store.lastEvent(snap.Lobby.ID).Type)
	assert.ElementsMatch(t, []string{"admin", "mic-1"}, rec.last(t).Targets)

	// Closing a closed lobby changes nothing.
	events := len(store.eventTypes(snap.Lobby.ID))
	require.NoError(t, reg.CloseLobby(ctx, snap.Lobby.ID, "admin"))
	assert.Len(t, store.eventTypes(snap.Lobby.ID), events)
}

func TestEventsPaging(t *testing.T) {
	reg, _, _ := newTestRegistry()
	snap := seedLobby(t, reg, "admin", "mic-1")
	ctx := context.Background()
	_, err := reg.AssignRole(ctx, snap.Lobby.ID, "admin", "mic-1", models.RoleMicrophone, "m-1", "")
	require.NoError(t, err)

	evs, err := reg.Events(ctx, snap.Lobby.ID, 0, 50)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.True(t, evs[0].ID < evs[1].ID && evs[1].ID < evs[2].ID)

	rest, err := reg.Events(ctx, snap.Lobby.ID, evs[0].ID, 50)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, models.EventParticipantJoined, rest[0].Type)

	capped, err := reg.Events(ctx, snap.Lobby.ID, 0, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)

	_, err = reg.Events(ctx, uuid.New(), 0, 50)
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeNotFound, perr.Code)
}

func TestRelayRequiresJoinedSender(t *testing.T) {
	reg, _, rec := newTestRegistry()
	snap := seedLobby(t, reg, "admin", "mic-1", "mic-2")
	ctx := context.Background()
	require.NoError(t, reg.LeaveLobby(ctx, snap.Lobby.ID, "mic-2"))

	n, err := reg.ShareStepUpdate(ctx, snap.Lobby.ID, "admin", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	push := rec.last(t)
	assert.Equal(t, EventStepUpdate, push.Event)
	assert.Equal(t, 3, push.Data["step_index"])
	assert.Equal(t, []string{"mic-1"}, push.Targets)

	_, err = reg.ShareStepUpdate(ctx, snap.Lobby.ID, "stranger", 1)
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeForbidden, perr.Code)

	// A device that left is no longer a valid sender.
	_, err = reg.ShareProfileUpdate(ctx, snap.Lobby.ID, "mic-2", "studio")
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeForbidden, perr.Code)

	n, err = reg.ShareRoomSnapshot(ctx, snap.Lobby.ID, "mic-1", map[string]interface{}{"layout": "5.1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, EventRoomSnapshot, rec.last(t).Event)
}
