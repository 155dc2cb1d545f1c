package call

import "errors"

// Failure kinds. Every domain error below unwraps to exactly one of them, so
// callers map with errors.Is(err, ErrNotFound) and friends.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")
)

// Error is a domain failure of a given kind.
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

func newError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

var (
	ErrRoomNotFound        = newError(ErrNotFound, "room not found")
	ErrAppointmentNotFound = newError(ErrNotFound, "appointment not found")

	ErrNotParticipant = newError(ErrForbidden, "user is not a participant of this appointment")
	ErrNotHost        = newError(ErrForbidden, "only the host can end the room")

	ErrRoomEnded              = newError(ErrValidation, "room has ended")
	ErrAlreadyInCall          = newError(ErrValidation, "user is already in another call")
	ErrNoLookupKey            = newError(ErrValidation, "one of roomId, roomCode or bookingId is required")
	ErrAppointmentNotCallable = newError(ErrValidation, "appointment is not in a state that allows a call")
	ErrAmbiguousAppointment   = newError(ErrValidation, "only one of bookingId or interviewId may be given")
)
