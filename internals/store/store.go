// Package store persists room records. Drivers share the RoomStore contract:
// lookups miss with ErrNotFound and Create rejects a second room for the same
// code or appointment with ErrDuplicate.
package store

import (
	"context"
	"errors"

	"github.com/adityaadpandey/callroom/internals/room"
)

var (
	ErrNotFound  = errors.New("store: room not found")
	ErrDuplicate = errors.New("store: duplicate room")
)

type RoomStore interface {
	Create(ctx context.Context, r *room.Room) error
	// Update replaces the stored record. Last writer wins.
	Update(ctx context.Context, r *room.Room) error

	GetByID(ctx context.Context, id string) (*room.Room, error)
	GetByCode(ctx context.Context, code string) (*room.Room, error)
	GetByBooking(ctx context.Context, bookingID string) (*room.Room, error)
	GetByInterview(ctx context.Context, interviewID string) (*room.Room, error)
	CodeExists(ctx context.Context, code string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// GetByRef resolves the room linked to an appointment reference.
func GetByRef(ctx context.Context, s RoomStore, ref room.Ref) (*room.Room, error) {
	switch {
	case ref.BookingID != "":
		return s.GetByBooking(ctx, ref.BookingID)
	case ref.InterviewID != "":
		return s.GetByInterview(ctx, ref.InterviewID)
	default:
		return nil, ErrNotFound
	}
}
