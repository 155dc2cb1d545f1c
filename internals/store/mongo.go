package store

import (
	"context"
	"errors"
	"time"

	"github.com/adityaadpandey/callroom/internals/metrics"
	"github.com/adityaadpandey/callroom/internals/room"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	mongoDriver     = "mongo"
	roomsCollection = "rooms"
)

type MongoStore struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoClient connects to uri and pings the primary.
func NewMongoClient(ctx context.Context, uri string, logger *zap.Logger) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("MongoDB connection established")
	return client, nil
}

// NewMongoStore uses the rooms collection of db and makes sure the unique
// indexes backing ErrDuplicate exist.
func NewMongoStore(ctx context.Context, db *mongo.Database, logger *zap.Logger) (*MongoStore, error) {
	s := &MongoStore{
		collection: db.Collection(roomsCollection),
		logger:     logger,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "roomCode", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "bookingId", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "interviewId", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
	})
	return err
}

func (s *MongoStore) Create(ctx context.Context, r *room.Room) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveStore(mongoDriver, "create", start, err, errors.Is(err, ErrDuplicate)) }()

	if _, err := s.collection.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, r *room.Room) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveStore(mongoDriver, "update", start, err, errors.Is(err, ErrNotFound)) }()

	res, err := s.collection.ReplaceOne(ctx, bson.M{"_id": r.ID}, r)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetByID(ctx context.Context, id string) (*room.Room, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetByCode(ctx context.Context, code string) (*room.Room, error) {
	return s.findOne(ctx, bson.M{"roomCode": code})
}

func (s *MongoStore) GetByBooking(ctx context.Context, bookingID string) (*room.Room, error) {
	return s.findOne(ctx, bson.M{"bookingId": bookingID})
}

func (s *MongoStore) GetByInterview(ctx context.Context, interviewID string) (*room.Room, error) {
	return s.findOne(ctx, bson.M{"interviewId": interviewID})
}

func (s *MongoStore) CodeExists(ctx context.Context, code string) (bool, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{"roomCode": code}, options.Count().SetLimit(1))
	return n > 0, err
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.collection.Database().Client().Disconnect(ctx)
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (r *room.Room, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStore(mongoDriver, "get", start, err, errors.Is(err, ErrNotFound)) }()

	var out room.Room
	if err := s.collection.FindOne(ctx, filter).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}
