package room

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// Code alphabet leaves out 0/O and 1/I so codes survive being read aloud.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeHalf     = 3
)

// Room is the durable record of one call session. The appointment it belongs
// to is referenced by id only; BookingID and InterviewID are never both set.
type Room struct {
	ID          string     `json:"id" bson:"_id"`
	Code        string     `json:"roomCode" bson:"roomCode"`
	BookingID   string     `json:"bookingId,omitempty" bson:"bookingId,omitempty"`
	InterviewID string     `json:"interviewId,omitempty" bson:"interviewId,omitempty"`
	HostID      string     `json:"hostId" bson:"hostId"`
	Status      Status     `json:"status" bson:"status"`
	CreatedAt   time.Time  `json:"createdAt" bson:"createdAt"`
	EndedAt     *time.Time `json:"endedAt" bson:"endedAt"`
}

// Ref names the appointment a room is linked to. The zero value is an ad-hoc room.
type Ref struct {
	BookingID   string
	InterviewID string
}

func (r Ref) IsZero() bool {
	return r.BookingID == "" && r.InterviewID == ""
}

func NewRoom(code, hostID string, ref Ref, now time.Time) *Room {
	return &Room{
		ID:          uuid.New().String(),
		Code:        code,
		BookingID:   ref.BookingID,
		InterviewID: ref.InterviewID,
		HostID:      hostID,
		Status:      StatusWaiting,
		CreatedAt:   now,
	}
}

func (r *Room) Ref() Ref {
	return Ref{BookingID: r.BookingID, InterviewID: r.InterviewID}
}

func (r *Room) CanJoin() bool {
	return r.Status != StatusEnded
}

func (r *Room) IsHost(userID string) bool {
	return userID != "" && r.HostID == userID
}

// Activate moves a waiting room to active. It reports whether the status changed.
func (r *Room) Activate() bool {
	if r.Status != StatusWaiting {
		return false
	}
	r.Status = StatusActive
	return true
}

// End is a no-op on a room that already ended.
func (r *Room) End(now time.Time) bool {
	if r.Status == StatusEnded {
		return false
	}
	r.Status = StatusEnded
	ended := now
	r.EndedAt = &ended
	return true
}

// Reopen starts a new logical session over the same room identity. Only the
// lifecycle service calls it, when an appointment asks for its room again.
func (r *Room) Reopen() bool {
	if r.Status != StatusEnded {
		return false
	}
	r.Status = StatusWaiting
	r.EndedAt = nil
	return true
}

// Consistent reports whether EndedAt is set exactly when the room has ended.
func (r *Room) Consistent() bool {
	return (r.Status == StatusEnded) == (r.EndedAt != nil)
}

func (r *Room) Clone() *Room {
	c := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// GenerateCode returns a random code in XXX-XXX form.
func GenerateCode() (string, error) {
	b := make([]byte, codeHalf*2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	code := make([]byte, 0, codeHalf*2+1)
	for i := range b {
		if i == codeHalf {
			code = append(code, '-')
		}
		code = append(code, codeAlphabet[int(b[i])%len(codeAlphabet)])
	}
	return string(code), nil
}

// ValidCode checks the XXX-XXX shape and alphabet.
func ValidCode(code string) bool {
	if len(code) != codeHalf*2+1 || code[codeHalf] != '-' {
		return false
	}
	for i := 0; i < len(code); i++ {
		if i == codeHalf {
			continue
		}
		if !containsByte(codeAlphabet, code[i]) {
			return false
		}
	}
	return true
}

func containsByte(s string, c byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return true
		}
	}
	return false
}
