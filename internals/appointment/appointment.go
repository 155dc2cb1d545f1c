// Package appointment is the read-only view of bookings, interviews and user
// profiles that call rooms are authorized against.
package appointment

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("appointment: not found")

type Kind string

const (
	KindBooking   Kind = "booking"
	KindInterview Kind = "interview"
)

type Status string

const (
	StatusRequested  Status = "requested"
	StatusConfirmed  Status = "confirmed"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Appointment is a booking (provider/learner) or an interview
// (interviewer/candidate). HostPartyID is the provider or interviewer.
type Appointment struct {
	ID           string `json:"id" bson:"_id"`
	Kind         Kind   `json:"kind" bson:"kind"`
	HostPartyID  string `json:"hostPartyId" bson:"hostPartyId"`
	GuestPartyID string `json:"guestPartyId" bson:"guestPartyId"`
	Status       Status `json:"status" bson:"status"`
	Title        string `json:"title" bson:"title"`
}

func (a *Appointment) IsParty(userID string) bool {
	return userID != "" && (a.HostPartyID == userID || a.GuestPartyID == userID)
}

// Callable reports whether the appointment is in a state that permits a call.
func (a *Appointment) Callable() bool {
	switch a.Status {
	case StatusConfirmed, StatusScheduled, StatusInProgress:
		return true
	}
	return false
}

type Profile struct {
	UserID    string `json:"userId" bson:"_id"`
	Name      string `json:"name" bson:"name"`
	AvatarURL string `json:"avatarUrl,omitempty" bson:"avatarUrl,omitempty"`
}

// Directory resolves appointments. Misses return ErrNotFound.
type Directory interface {
	Booking(ctx context.Context, id string) (*Appointment, error)
	Interview(ctx context.Context, id string) (*Appointment, error)
}

// Profiles resolves display identity for a user. Misses return ErrNotFound.
type Profiles interface {
	Profile(ctx context.Context, userID string) (*Profile, error)
}
