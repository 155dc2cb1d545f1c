package appointment

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	bookingsCollection   = "bookings"
	interviewsCollection = "interviews"
	usersCollection      = "users"
)

// MongoDirectory reads appointments and profiles owned by the scheduling
// side of the platform. It never writes.
type MongoDirectory struct {
	bookings   *mongo.Collection
	interviews *mongo.Collection
	users      *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{
		bookings:   db.Collection(bookingsCollection),
		interviews: db.Collection(interviewsCollection),
		users:      db.Collection(usersCollection),
	}
}

func (d *MongoDirectory) Booking(ctx context.Context, id string) (*Appointment, error) {
	a, err := findAppointment(ctx, d.bookings, id)
	if err != nil {
		return nil, err
	}
	a.Kind = KindBooking
	return a, nil
}

func (d *MongoDirectory) Interview(ctx context.Context, id string) (*Appointment, error) {
	a, err := findAppointment(ctx, d.interviews, id)
	if err != nil {
		return nil, err
	}
	a.Kind = KindInterview
	return a, nil
}

func (d *MongoDirectory) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	if err := d.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func findAppointment(ctx context.Context, coll *mongo.Collection, id string) (*Appointment, error) {
	var a Appointment
	if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}
