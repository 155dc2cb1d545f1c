package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const RoomChannelPrefix = "callroom:video:"

func RoomChannel(roomID string) string {
	return RoomChannelPrefix + roomID
}

// fanoutFrame is one room broadcast as it travels between instances.
type fanoutFrame struct {
	Origin  string  `json:"origin"`
	Target  Target  `json:"target"`
	Message Message `json:"message"`
}

// Fanout mirrors room broadcasts to the other instances over Redis. All room
// channels of this instance share one subscription connection and one
// listener.
type Fanout struct {
	redis      *redis.Client
	hub        *Hub
	instanceID string
	logger     *zap.Logger

	mu    sync.Mutex
	sub   *redis.PubSub
	rooms map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewFanout(client *redis.Client, hub *Hub, instanceID string, logger *zap.Logger) *Fanout {
	ctx, cancel := context.WithCancel(context.Background())
	logger.Info("Room fan-out enabled", zap.String("instance_id", instanceID))
	return &Fanout{
		redis:      client,
		hub:        hub,
		instanceID: instanceID,
		logger:     logger,
		rooms:      make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (f *Fanout) InstanceID() string {
	return f.instanceID
}

// Publish sends a room broadcast to the other instances.
func (f *Fanout) Publish(roomID string, msg Message, target Target) error {
	data, err := json.Marshal(fanoutFrame{Origin: f.instanceID, Target: target, Message: msg})
	if err != nil {
		return err
	}
	if err := f.redis.Publish(f.ctx, RoomChannel(roomID), data).Err(); err != nil {
		f.logger.Error("Room fan-out publish failed",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Join starts receiving remote broadcasts for roomID. The first room opens
// the shared subscription and waits for Redis to confirm it.
func (f *Fanout) Join(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[roomID]; ok {
		return
	}

	channel := RoomChannel(roomID)
	if f.sub == nil {
		sub := f.redis.Subscribe(f.ctx, channel)
		if _, err := sub.Receive(f.ctx); err != nil {
			f.logger.Warn("Room fan-out subscription not confirmed",
				zap.String("room_id", roomID),
				zap.Error(err),
			)
		}
		f.sub = sub
		go f.listen(sub)
	} else if err := f.sub.Subscribe(f.ctx, channel); err != nil {
		f.logger.Warn("Room fan-out subscribe failed",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return
	}
	f.rooms[roomID] = struct{}{}
}

// Leave stops receiving remote broadcasts for roomID.
func (f *Fanout) Leave(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[roomID]; !ok {
		return
	}
	delete(f.rooms, roomID)
	if err := f.sub.Unsubscribe(f.ctx, RoomChannel(roomID)); err != nil {
		f.logger.Warn("Room fan-out unsubscribe failed",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}
}

func (f *Fanout) roomCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

func (f *Fanout) listen(sub *redis.PubSub) {
	for msg := range sub.Channel() {
		roomID := msg.Channel[len(RoomChannelPrefix):]

		var frame fanoutFrame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			f.logger.Warn("Dropping malformed fan-out frame",
				zap.String("room_id", roomID),
				zap.Error(err),
			)
			continue
		}
		// the publisher already delivered to its own connections
		if frame.Origin == f.instanceID {
			continue
		}
		f.hub.Deliver(roomID, frame.Message, frame.Target)
	}
}

func (f *Fanout) Ping() error {
	ctx, cancel := context.WithTimeout(f.ctx, 3*time.Second)
	defer cancel()
	return f.redis.Ping(ctx).Err()
}

// Close drops the subscription. The redis client stays open.
func (f *Fanout) Close() error {
	f.cancel()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = make(map[string]struct{})
	if f.sub == nil {
		return nil
	}
	err := f.sub.Close()
	f.sub = nil
	return err
}
