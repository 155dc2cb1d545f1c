package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adityaadpandey/callroom/internals/appointment"
	"github.com/adityaadpandey/callroom/internals/presence"
	"github.com/adityaadpandey/callroom/internals/room"
	"github.com/adityaadpandey/callroom/internals/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	svc      *Service
	rooms    *store.MemoryStore
	dir      *appointment.MemoryDirectory
	registry *presence.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rooms := store.NewMemoryStore()
	dir := appointment.NewMemoryDirectory()
	registry := presence.NewRegistry()

	dir.Put(appointment.Appointment{ID: "b-1", HostPartyID: "provider", GuestPartyID: "learner", Status: appointment.StatusConfirmed, Title: "Go basics"})
	dir.Put(appointment.Appointment{ID: "b-2", HostPartyID: "provider", GuestPartyID: "learner", Status: appointment.StatusScheduled})
	dir.Put(appointment.Appointment{ID: "b-req", HostPartyID: "provider", GuestPartyID: "learner", Status: appointment.StatusRequested})
	dir.Put(appointment.Appointment{ID: "i-1", Kind: appointment.KindInterview, HostPartyID: "interviewer", GuestPartyID: "candidate", Status: appointment.StatusInProgress})
	dir.PutProfile(appointment.Profile{UserID: "provider", Name: "Priya", AvatarURL: "https://cdn/p.png"})
	dir.PutProfile(appointment.Profile{UserID: "learner", Name: "Leo"})

	svc := NewService(Config{}, rooms, dir, dir, registry, zap.NewNop())
	return &fixture{svc: svc, rooms: rooms, dir: dir, registry: registry}
}

func (f *fixture) stored(t *testing.T, id string) *room.Room {
	t.Helper()
	r, err := f.rooms.GetByID(context.Background(), id)
	require.NoError(t, err)
	return r
}

type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) UserLeft(roomID, userID string) {
	m.Called(roomID, userID)
}

func (m *mockBroadcaster) RoomEnded(roomID string, evicted []presence.Entry) {
	m.Called(roomID, evicted)
}

func TestCreateOrGetRoomIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)
	second, err := f.svc.CreateOrGetRoom(ctx, "learner", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "provider", second.HostID)
	assert.Equal(t, room.StatusWaiting, first.Status)
	assert.True(t, room.ValidCode(first.RoomCode))
	require.NotNil(t, first.BookingID)
	assert.Equal(t, "b-1", *first.BookingID)
	assert.Nil(t, first.InterviewID)
	assert.Nil(t, first.EndedAt)
}

func TestCreateOrGetRoomConcurrentCallsShareOneRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 10)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := f.svc.CreateOrGetRoom(ctx, "learner", room.Ref{BookingID: "b-1"})
			if !assert.NoError(t, err) {
				return
			}
			ids[i] = info.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestCreateOrGetRoomAdHocAlwaysNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.CreateOrGetRoom(ctx, "someone", room.Ref{})
	require.NoError(t, err)
	b, err := f.svc.CreateOrGetRoom(ctx, "someone", room.Ref{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.RoomCode, b.RoomCode)
	assert.Nil(t, a.BookingID)
}

func TestCreateOrGetRoomForInterview(t *testing.T) {
	f := newFixture(t)
	info, err := f.svc.CreateOrGetRoom(context.Background(), "candidate", room.Ref{InterviewID: "i-1"})
	require.NoError(t, err)
	require.NotNil(t, info.InterviewID)
	assert.Equal(t, "i-1", *info.InterviewID)
	assert.Equal(t, "candidate", info.HostID)
}

func TestCreateOrGetRoomRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrGetRoom(ctx, "stranger", room.Ref{BookingID: "b-1"})
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "missing"})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-req"})
	assert.ErrorIs(t, err, ErrAppointmentNotCallable)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1", InterviewID: "i-1"})
	assert.ErrorIs(t, err, ErrAmbiguousAppointment)
}

func TestReactivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)
	require.NoError(t, f.svc.EndRoom(ctx, "provider", info.ID))

	ended := f.stored(t, info.ID)
	assert.Equal(t, room.StatusEnded, ended.Status)
	assert.True(t, ended.Consistent())

	again, err := f.svc.CreateOrGetRoom(ctx, "learner", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)
	assert.Equal(t, info.ID, again.ID)
	assert.Equal(t, room.StatusWaiting, again.Status)
	assert.Nil(t, again.EndedAt)
	assert.True(t, f.stored(t, info.ID).Consistent())
}

func TestLastLeaveEndsRoomInEitherOrder(t *testing.T) {
	for _, order := range [][2]string{{"provider", "learner"}, {"learner", "provider"}} {
		t.Run(order[0]+" first", func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
			require.NoError(t, err)

			_, err = f.svc.EnterRoom(ctx, "provider", info.ID, "c-provider")
			require.NoError(t, err)
			joined, err := f.svc.EnterRoom(ctx, "learner", info.ID, "c-learner")
			require.NoError(t, err)
			assert.Equal(t, room.StatusActive, joined.Status)
			assert.Len(t, joined.Participants, 2)

			res, err := f.svc.ExitRoom(ctx, order[0], info.ID, "")
			require.NoError(t, err)
			assert.True(t, res.Removed)
			assert.False(t, res.Ended)
			assert.Equal(t, room.StatusActive, f.stored(t, info.ID).Status)

			res, err = f.svc.ExitRoom(ctx, order[1], info.ID, "")
			require.NoError(t, err)
			assert.True(t, res.Ended)

			r := f.stored(t, info.ID)
			assert.Equal(t, room.StatusEnded, r.Status)
			assert.NotNil(t, r.EndedAt)
			assert.Equal(t, 0, f.registry.Count(info.ID))
		})
	}
}

func TestConcurrentLastLeavesEndRoomOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)
	_, err = f.svc.EnterRoom(ctx, "provider", info.ID, "c-1")
	require.NoError(t, err)
	_, err = f.svc.EnterRoom(ctx, "learner", info.ID, "c-2")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]ExitResult, 2)
	for i, user := range []string{"provider", "learner"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			res, err := f.svc.ExitRoom(ctx, user, info.ID, "")
			assert.NoError(t, err)
			results[i] = res
		}(i, user)
	}
	wg.Wait()

	assert.NotEqual(t, results[0].Ended, results[1].Ended, "exactly one leave ends the room")
	assert.Equal(t, room.StatusEnded, f.stored(t, info.ID).Status)
	assert.Equal(t, 0, f.svc.locks.size())
}

func TestExitRoomIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)
	_, err = f.svc.EnterRoom(ctx, "provider", info.ID, "c-1")
	require.NoError(t, err)

	res, err := f.svc.ExitRoom(ctx, "provider", info.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Ended)
	endedAt := f.stored(t, info.ID).EndedAt

	res, err = f.svc.ExitRoom(ctx, "provider", info.ID, "")
	require.NoError(t, err)
	assert.False(t, res.Removed)
	assert.False(t, res.Ended)
	assert.Equal(t, endedAt, f.stored(t, info.ID).EndedAt)

	_, err = f.svc.ExitRoom(ctx, "provider", "no-such-room", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSingleActiveRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)
	r2, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-2"})
	require.NoError(t, err)

	_, err = f.svc.EnterRoom(ctx, "learner", r1.ID, "c-1")
	require.NoError(t, err)

	_, err = f.svc.JoinRoom(ctx, "learner", Lookup{RoomID: r2.ID})
	assert.ErrorIs(t, err, ErrAlreadyInCall)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.EnterRoom(ctx, "learner", r2.ID, "c-1")
	assert.ErrorIs(t, err, ErrAlreadyInCall)

	sess, ok := f.svc.CurrentSession("learner")
	require.True(t, ok)
	assert.Equal(t, r1.ID, sess.RoomID)
	assert.Equal(t, 0, f.registry.Count(r2.ID))
	assert.Equal(t, room.StatusWaiting, f.stored(t, r2.ID).Status)

	// rejoining the same room is allowed
	_, err = f.svc.JoinRoom(ctx, "learner", Lookup{RoomID: r1.ID})
	assert.NoError(t, err)
}

func TestJoinRoomLookupPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	booked, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)
	adhoc, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{})
	require.NoError(t, err)

	got, err := f.svc.JoinRoom(ctx, "provider", Lookup{RoomID: adhoc.ID, RoomCode: booked.RoomCode, BookingID: "b-1"})
	require.NoError(t, err)
	assert.Equal(t, adhoc.ID, got.ID)

	got, err = f.svc.JoinRoom(ctx, "provider", Lookup{RoomCode: adhoc.RoomCode, BookingID: "b-1"})
	require.NoError(t, err)
	assert.Equal(t, adhoc.ID, got.ID)

	got, err = f.svc.JoinRoom(ctx, "provider", Lookup{BookingID: "b-1"})
	require.NoError(t, err)
	assert.Equal(t, booked.ID, got.ID)

	_, err = f.svc.JoinRoom(ctx, "provider", Lookup{})
	assert.ErrorIs(t, err, ErrNoLookupKey)

	_, err = f.svc.JoinRoom(ctx, "provider", Lookup{RoomCode: "ZZZ-ZZZ"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinRoomForbiddenForStranger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)

	_, err = f.svc.JoinRoom(ctx, "stranger", Lookup{BookingID: "b-1"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.EnterRoom(ctx, "stranger", info.ID, "c-x")
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.Equal(t, 0, f.registry.Count(info.ID))
}

func TestJoinEndedRoomFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{})
	require.NoError(t, err)
	require.NoError(t, f.svc.EndRoom(ctx, "provider", info.ID))

	_, err = f.svc.JoinRoom(ctx, "provider", Lookup{RoomID: info.ID})
	assert.ErrorIs(t, err, ErrRoomEnded)
	_, err = f.svc.EnterRoom(ctx, "provider", info.ID, "c-1")
	assert.ErrorIs(t, err, ErrRoomEnded)
}

func TestEndRoomHostOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)
	_, err = f.svc.EnterRoom(ctx, "learner", info.ID, "c-1")
	require.NoError(t, err)

	err = f.svc.EndRoom(ctx, "learner", info.ID)
	assert.ErrorIs(t, err, ErrNotHost)
	assert.Equal(t, room.StatusActive, f.stored(t, info.ID).Status)

	b := &mockBroadcaster{}
	b.On("RoomEnded", info.ID, mock.MatchedBy(func(evicted []presence.Entry) bool {
		return len(evicted) == 1 && evicted[0].UserID == "learner"
	})).Once()
	f.svc.SetBroadcaster(b)

	require.NoError(t, f.svc.EndRoom(ctx, "provider", info.ID))
	assert.Equal(t, room.StatusEnded, f.stored(t, info.ID).Status)
	assert.Equal(t, 0, f.registry.Count(info.ID))
	b.AssertExpectations(t)

	// ending twice is fine
	b.On("RoomEnded", info.ID, mock.Anything).Once()
	assert.NoError(t, f.svc.EndRoom(ctx, "provider", info.ID))
}

func TestLeaveRoomNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)
	_, err = f.svc.EnterRoom(ctx, "provider", info.ID, "c-1")
	require.NoError(t, err)
	_, err = f.svc.EnterRoom(ctx, "learner", info.ID, "c-2")
	require.NoError(t, err)

	b := &mockBroadcaster{}
	f.svc.SetBroadcaster(b)

	b.On("UserLeft", info.ID, "learner").Once()
	require.NoError(t, f.svc.LeaveRoom(ctx, "learner", info.ID))
	b.AssertExpectations(t)

	b.On("UserLeft", info.ID, "provider").Once()
	b.On("RoomEnded", info.ID, mock.Anything).Once()
	require.NoError(t, f.svc.LeaveRoom(ctx, "provider", info.ID))
	b.AssertExpectations(t)

	assert.Equal(t, room.StatusEnded, f.stored(t, info.ID).Status)
}

func TestLeaveRoomRequiresParty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.LeaveRoom(ctx, "stranger", info.ID), ErrForbidden)
	assert.Equal(t, room.StatusWaiting, f.stored(t, info.ID).Status)

	assert.ErrorIs(t, f.svc.LeaveRoom(ctx, "provider", "missing"), ErrNotFound)

	// a party who never entered leaves the waiting room alone
	require.NoError(t, f.svc.LeaveRoom(ctx, "learner", info.ID))
	assert.Equal(t, room.StatusWaiting, f.stored(t, info.ID).Status)
}

func TestExitRoomMatchesConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)
	_, err = f.svc.EnterRoom(ctx, "provider", info.ID, "c-old")
	require.NoError(t, err)
	// reconnect rebinds presence to the new connection
	_, err = f.svc.EnterRoom(ctx, "provider", info.ID, "c-new")
	require.NoError(t, err)

	res, err := f.svc.ExitRoom(ctx, "provider", info.ID, "c-old")
	require.NoError(t, err)
	assert.False(t, res.Removed)
	assert.False(t, res.Ended)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, room.StatusActive, f.stored(t, info.ID).Status)

	res, err = f.svc.ExitRoom(ctx, "provider", info.ID, "c-new")
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.True(t, res.Ended)
}

func TestGetRoomInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{BookingID: "b-1"})
	require.NoError(t, err)
	_, err = f.svc.EnterRoom(ctx, "provider", info.ID, "c-1")
	require.NoError(t, err)

	got, err := f.svc.GetRoomInfo(ctx, "learner", info.ID)
	require.NoError(t, err)
	require.Len(t, got.Participants, 1)
	assert.Equal(t, "provider", got.Participants[0].UserID)
	assert.Equal(t, "Priya", got.Participants[0].UserName)
	assert.Equal(t, "https://cdn/p.png", got.Participants[0].AvatarURL)

	_, err = f.svc.GetRoomInfo(ctx, "stranger", info.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.GetRoomInfo(ctx, "provider", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSessionInfo(t *testing.T) {
	f := newFixture(t)

	info, err := f.svc.GetSessionInfo(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, &SessionInfo{
		SkillTitle:     "Go basics",
		ProviderName:   "Priya",
		ProviderAvatar: "https://cdn/p.png",
		LearnerName:    "Leo",
	}, info)

	_, err = f.svc.GetSessionInfo(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestICEServers(t *testing.T) {
	stunOnly := ICEConfig{TURNURL: "turn:turn.example.com:3478", TURNUsername: "u"}.Servers()
	require.Len(t, stunOnly, 1)
	assert.Equal(t, []string{DefaultSTUNURL}, stunOnly[0].URLs)

	full := ICEConfig{
		STUNURL:        "stun:stun.example.com:3478",
		TURNURL:        "turn:turn.example.com:3478",
		TURNUsername:   "u",
		TURNCredential: "secret",
	}.Servers()
	require.Len(t, full, 2)
	assert.Equal(t, "u", full[1].Username)
	assert.Equal(t, "secret", full[1].Credential)

	data, err := json.Marshal(toWire(full))
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"urls":["stun:stun.example.com:3478"]},
		{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"secret"}
	]`, string(data))
}

func TestRoomInfoJSONShape(t *testing.T) {
	f := newFixture(t)
	info, err := f.svc.CreateOrGetRoom(context.Background(), "provider", room.Ref{})
	require.NoError(t, err)

	data, err := json.Marshal(info)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "roomCode", "bookingId", "hostId", "status", "participants", "iceServers", "createdAt", "endedAt"} {
		assert.Contains(t, raw, key)
	}
	assert.Nil(t, raw["bookingId"])
	assert.Equal(t, []any{}, raw["participants"])
}

func TestEnterRoomConcurrentWithLeaveStaysConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.CreateOrGetRoom(ctx, "provider", room.Ref{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("u-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.EnterRoom(ctx, user, info.ID, "c-"+user); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			_, _ = f.svc.ExitRoom(ctx, user, info.ID, "")
		}()
	}
	wg.Wait()

	r := f.stored(t, info.ID)
	assert.True(t, r.Consistent())
	assert.Equal(t, 0, f.registry.Count(info.ID))
}
