package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adityaadpandey/callroom/internals/metrics"
	"github.com/adityaadpandey/callroom/internals/room"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisDriver = "redis"

// RedisStore keeps each room as a JSON document plus one index key per
// lookup (code, booking, interview) pointing back at the room id.
type RedisStore struct {
	redis  *redis.Client
	logger *zap.Logger
}

// NewRedisClient dials Redis and checks the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("Redis connection established",
		zap.String("addr", addr),
		zap.Int("db", db),
	)
	return client, nil
}

func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{redis: client, logger: logger}
}

// Client returns the underlying connection so pub/sub can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.redis
}

func (s *RedisStore) Create(ctx context.Context, r *room.Room) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveStore(redisDriver, "create", start, err, errors.Is(err, ErrDuplicate)) }()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}

	claimed := make([]string, 0, 2)
	release := func() {
		if len(claimed) > 0 {
			if delErr := s.redis.Del(ctx, claimed...).Err(); delErr != nil {
				s.logger.Warn("Failed to release room index keys",
					zap.String("room_id", r.ID),
					zap.Error(delErr),
				)
			}
		}
	}

	indexes := []string{RoomCodeKey(r.Code)}
	if r.BookingID != "" {
		indexes = append(indexes, RoomBookingKey(r.BookingID))
	}
	if r.InterviewID != "" {
		indexes = append(indexes, RoomInterviewKey(r.InterviewID))
	}

	for _, key := range indexes {
		ok, err := s.redis.SetNX(ctx, key, r.ID, 0).Result()
		if err != nil {
			release()
			return err
		}
		if !ok {
			release()
			return ErrDuplicate
		}
		claimed = append(claimed, key)
	}

	ok, err := s.redis.SetNX(ctx, RoomKey(r.ID), data, 0).Result()
	if err != nil {
		release()
		return err
	}
	if !ok {
		release()
		return ErrDuplicate
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, r *room.Room) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveStore(redisDriver, "update", start, err, errors.Is(err, ErrNotFound)) }()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}

	ok, err := s.redis.SetXX(ctx, RoomKey(r.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) GetByID(ctx context.Context, id string) (r *room.Room, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStore(redisDriver, "get", start, err, errors.Is(err, ErrNotFound)) }()

	data, err := s.redis.Get(ctx, RoomKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var out room.Room
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal room %s: %w", id, err)
	}
	return &out, nil
}

func (s *RedisStore) GetByCode(ctx context.Context, code string) (*room.Room, error) {
	return s.getByIndex(ctx, RoomCodeKey(code))
}

func (s *RedisStore) GetByBooking(ctx context.Context, bookingID string) (*room.Room, error) {
	return s.getByIndex(ctx, RoomBookingKey(bookingID))
}

func (s *RedisStore) GetByInterview(ctx context.Context, interviewID string) (*room.Room, error) {
	return s.getByIndex(ctx, RoomInterviewKey(interviewID))
}

func (s *RedisStore) CodeExists(ctx context.Context, code string) (bool, error) {
	n, err := s.redis.Exists(ctx, RoomCodeKey(code)).Result()
	return n > 0, err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if err := s.redis.Close(); err != nil {
		s.logger.Error("Failed to close Redis connection", zap.Error(err))
		return err
	}
	return nil
}

func (s *RedisStore) getByIndex(ctx context.Context, key string) (*room.Room, error) {
	id, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetByID(ctx, id)
}
