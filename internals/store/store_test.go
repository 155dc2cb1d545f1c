package store

import (
	"context"
	"testing"
	"time"

	"github.com/adityaadpandey/callroom/internals/room"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, zap.NewNop())
}

func drivers(t *testing.T) map[string]RoomStore {
	out := map[string]RoomStore{
		"memory": NewMemoryStore(),
		"redis":  newRedisStore(t),
	}
	if s := newMongoStore(t); s != nil {
		out["mongo"] = s
	}
	return out
}

func TestRoomStoreContract(t *testing.T) {
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := room.NewRoom("ABC-DEF", "host-1", room.Ref{BookingID: "b-1"}, time.Now())
			require.NoError(t, s.Create(ctx, r))

			byID, err := s.GetByID(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, r.Code, byID.Code)
			assert.Equal(t, room.StatusWaiting, byID.Status)
			assert.WithinDuration(t, r.CreatedAt, byID.CreatedAt, time.Millisecond)

			byCode, err := s.GetByCode(ctx, "ABC-DEF")
			require.NoError(t, err)
			assert.Equal(t, r.ID, byCode.ID)

			byBooking, err := s.GetByBooking(ctx, "b-1")
			require.NoError(t, err)
			assert.Equal(t, r.ID, byBooking.ID)

			byRef, err := GetByRef(ctx, s, room.Ref{BookingID: "b-1"})
			require.NoError(t, err)
			assert.Equal(t, r.ID, byRef.ID)

			_, err = s.GetByInterview(ctx, "b-1")
			assert.ErrorIs(t, err, ErrNotFound)

			exists, err := s.CodeExists(ctx, "ABC-DEF")
			require.NoError(t, err)
			assert.True(t, exists)

			exists, err = s.CodeExists(ctx, "ZZZ-ZZZ")
			require.NoError(t, err)
			assert.False(t, exists)

			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestRoomStoreUpdate(t *testing.T) {
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := room.NewRoom("ABC-DEF", "host-1", room.Ref{InterviewID: "i-1"}, time.Now())
			require.NoError(t, s.Create(ctx, r))

			r.End(time.Now())
			require.NoError(t, s.Update(ctx, r))

			got, err := s.GetByInterview(ctx, "i-1")
			require.NoError(t, err)
			assert.Equal(t, room.StatusEnded, got.Status)
			require.NotNil(t, got.EndedAt)
			assert.True(t, got.Consistent())

			missing := room.NewRoom("QQQ-QQQ", "host-1", room.Ref{}, time.Now())
			assert.ErrorIs(t, s.Update(ctx, missing), ErrNotFound)
		})
	}
}

func TestRoomStoreRejectsDuplicates(t *testing.T) {
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := room.NewRoom("ABC-DEF", "host-1", room.Ref{BookingID: "b-1"}, time.Now())
			require.NoError(t, s.Create(ctx, first))

			sameCode := room.NewRoom("ABC-DEF", "host-2", room.Ref{}, time.Now())
			assert.ErrorIs(t, s.Create(ctx, sameCode), ErrDuplicate)

			sameBooking := room.NewRoom("GHJ-KLM", "host-2", room.Ref{BookingID: "b-1"}, time.Now())
			assert.ErrorIs(t, s.Create(ctx, sameBooking), ErrDuplicate)

			// a rejected create must not leave its code claimed
			exists, err := s.CodeExists(ctx, "GHJ-KLM")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestRoomStoreMisses(t *testing.T) {
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetByID(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetByCode(ctx, "NOP-NOP")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetByBooking(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = GetByRef(ctx, s, room.Ref{})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := room.NewRoom("ABC-DEF", "host-1", room.Ref{}, time.Now())
	require.NoError(t, s.Create(ctx, r))

	got, err := s.GetByID(ctx, r.ID)
	require.NoError(t, err)
	got.End(time.Now())

	again, err := s.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, room.StatusWaiting, again.Status)
}
