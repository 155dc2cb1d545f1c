package signaling

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newFanoutPair(t *testing.T) (*Hub, *Fanout, *Hub, *Fanout) {
	t.Helper()
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		return c
	}

	hubA := NewHub(zap.NewNop())
	hubB := NewHub(zap.NewNop())
	fa := NewFanout(newClient(), hubA, "instance-a", zap.NewNop())
	fb := NewFanout(newClient(), hubB, "instance-b", zap.NewNop())
	t.Cleanup(func() {
		fa.Close()
		fb.Close()
	})
	return hubA, fa, hubB, fb
}

func TestFanoutDeliversRemoteBroadcasts(t *testing.T) {
	_, fa, hubB, fb := newFanoutPair(t)

	bob := newTestClient("c-bob", "bob")
	carol := newTestClient("c-carol", "carol")
	hubB.Register(bob)
	hubB.Register(carol)
	hubB.JoinGroup("r-1", bob)
	hubB.JoinGroup("r-1", carol)
	fb.Join("r-1")

	// B ignores its own echo, so the first thing bob sees is A's message
	require.NoError(t, fb.Publish("r-1", Message{Type: EventUserLeft}, Target{}))
	require.NoError(t, fa.Publish("r-1", Message{Type: EventOffer}, Target{ToUserID: "bob"}))
	require.NoError(t, fa.Publish("r-1", Message{Type: EventRoomEnded}, Target{}))

	assert.Equal(t, EventOffer, recv(t, bob).Type)
	assert.Equal(t, EventRoomEnded, recv(t, bob).Type)
	assert.Equal(t, EventRoomEnded, recv(t, carol).Type)

	assert.Equal(t, "instance-a", fa.InstanceID())
	assert.NoError(t, fa.Ping())
}

func TestFanoutJoinLeave(t *testing.T) {
	_, fa, _, _ := newFanoutPair(t)

	fa.Join("r-1")
	fa.Join("r-1")
	fa.Join("r-2")
	assert.Equal(t, 2, fa.roomCount())

	fa.Leave("r-1")
	fa.Leave("r-1")
	assert.Equal(t, 1, fa.roomCount())

	require.NoError(t, fa.Close())
	assert.Equal(t, 0, fa.roomCount())
	assert.NoError(t, fa.Close())
}
