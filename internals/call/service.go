// Package call runs the room lifecycle: creating and reactivating rooms for
// appointments, admitting and releasing participants, and ending rooms once
// they drain. Every change that reads presence and then writes room state is
// serialized per room.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adityaadpandey/callroom/internals/appointment"
	"github.com/adityaadpandey/callroom/internals/metrics"
	"github.com/adityaadpandey/callroom/internals/presence"
	"github.com/adityaadpandey/callroom/internals/room"
	"github.com/adityaadpandey/callroom/internals/store"
	"go.uber.org/zap"
)

const (
	defaultStoreTimeout = 5 * time.Second
	maxCodeAttempts     = 8
)

// Broadcaster pushes room changes made outside the signaling connection
// (REST leave/end) to whoever is connected.
type Broadcaster interface {
	UserLeft(roomID, userID string)
	RoomEnded(roomID string, evicted []presence.Entry)
}

type Config struct {
	ICE          ICEConfig
	StoreTimeout time.Duration
}

type Lookup struct {
	RoomID    string `json:"roomId,omitempty"`
	RoomCode  string `json:"roomCode,omitempty"`
	BookingID string `json:"bookingId,omitempty"`
}

type Participant struct {
	UserID    string    `json:"userId"`
	JoinedAt  time.Time `json:"joinedAt"`
	UserName  string    `json:"userName,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
}

type RoomInfo struct {
	ID           string        `json:"id"`
	RoomCode     string        `json:"roomCode"`
	BookingID    *string       `json:"bookingId"`
	InterviewID  *string       `json:"interviewId"`
	HostID       string        `json:"hostId"`
	Status       room.Status   `json:"status"`
	Participants []Participant `json:"participants"`
	ICEServers   []ICEServer   `json:"iceServers"`
	CreatedAt    time.Time     `json:"createdAt"`
	EndedAt      *time.Time    `json:"endedAt"`
}

type SessionInfo struct {
	SkillTitle     string `json:"skillTitle"`
	ProviderName   string `json:"providerName"`
	ProviderAvatar string `json:"providerAvatar"`
	LearnerName    string `json:"learnerName"`
	LearnerAvatar  string `json:"learnerAvatar"`
}

// ExitResult describes what a presence removal did to the room.
type ExitResult struct {
	Removed   bool
	Remaining int
	Ended     bool
	Cleared   []presence.Entry
}

type Service struct {
	rooms       store.RoomStore
	directory   appointment.Directory
	profiles    appointment.Profiles
	registry    *presence.Registry
	broadcaster Broadcaster
	cfg         Config
	locks       *keyedMutex
	logger      *zap.Logger
	now         func() time.Time
}

// NewService wires the lifecycle. profiles may be nil, in which case
// participants are returned without names or avatars.
func NewService(cfg Config, rooms store.RoomStore, directory appointment.Directory, profiles appointment.Profiles, registry *presence.Registry, logger *zap.Logger) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	return &Service{
		rooms:     rooms,
		directory: directory,
		profiles:  profiles,
		registry:  registry,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		logger:    logger,
		now:       time.Now,
	}
}

// SetBroadcaster sets who hears about REST-driven leave and end.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// ICEServers returns the ICE configuration in its wire shape.
func (s *Service) ICEServers() []ICEServer {
	return toWire(s.cfg.ICE.Servers())
}

// CreateOrGetRoom returns the room for an appointment, creating it or
// reopening an ended one. Without an appointment it always creates an
// ad-hoc room hosted by the caller.
func (s *Service) CreateOrGetRoom(ctx context.Context, callerID string, ref room.Ref) (*RoomInfo, error) {
	if ref.BookingID != "" && ref.InterviewID != "" {
		return nil, ErrAmbiguousAppointment
	}
	if ref.IsZero() {
		r, err := s.createRoom(ctx, callerID, ref)
		if err != nil {
			return nil, err
		}
		return s.roomInfo(ctx, r), nil
	}

	appt, err := s.appointment(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !appt.IsParty(callerID) {
		return nil, ErrNotParticipant
	}
	if !appt.Callable() {
		return nil, ErrAppointmentNotCallable
	}

	unlock := s.locks.Lock(refKey(ref))
	defer unlock()

	existing, err := s.getByRef(ctx, ref)
	switch {
	case err == nil:
		if existing.CanJoin() {
			return s.roomInfo(ctx, existing), nil
		}
		r, err := s.reopen(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		return s.roomInfo(ctx, r), nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}

	r, err := s.createRoom(ctx, callerID, ref)
	if err != nil {
		return nil, err
	}
	return s.roomInfo(ctx, r), nil
}

// JoinRoom resolves a room by id, then code, then booking and checks the
// caller may enter it. Presence is only recorded once the signaling
// connection joins.
func (s *Service) JoinRoom(ctx context.Context, callerID string, lookup Lookup) (*RoomInfo, error) {
	r, err := s.resolve(ctx, lookup)
	if err != nil {
		return nil, err
	}
	if !r.CanJoin() {
		return nil, ErrRoomEnded
	}
	if err := s.authorize(ctx, callerID, r); err != nil {
		return nil, err
	}
	if sess, ok := s.registry.UserSession(callerID); ok && sess.RoomID != r.ID {
		return nil, ErrAlreadyInCall
	}
	return s.roomInfo(ctx, r), nil
}

// LeaveRoom removes the caller from the room and ends it when it drains.
// Leaving a room the caller is not present in changes nothing.
func (s *Service) LeaveRoom(ctx context.Context, callerID, roomID string) error {
	if err := s.Authorize(ctx, callerID, roomID); err != nil {
		return err
	}

	res, err := s.ExitRoom(ctx, callerID, roomID, "")
	if err != nil {
		return err
	}
	if s.broadcaster != nil {
		if res.Removed {
			s.broadcaster.UserLeft(roomID, callerID)
		}
		if res.Ended || len(res.Cleared) > 0 {
			s.broadcaster.RoomEnded(roomID, res.Cleared)
		}
	}
	return nil
}

// Authorize checks that roomID exists and callerID may act in it.
func (s *Service) Authorize(ctx context.Context, callerID, roomID string) error {
	r, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	return s.authorize(ctx, callerID, r)
}

// EndRoom ends the room whatever its participant count. Host only.
func (s *Service) EndRoom(ctx context.Context, callerID, roomID string) error {
	unlock := s.locks.Lock(roomID)
	r, err := s.getRoom(ctx, roomID)
	if err != nil {
		unlock()
		return err
	}
	if !r.IsHost(callerID) {
		unlock()
		return ErrNotHost
	}
	if err := s.end(ctx, r); err != nil {
		unlock()
		return err
	}
	cleared := s.registry.ClearRoom(roomID)
	s.publishPresence()
	unlock()

	s.logger.Info("Room ended by host",
		zap.String("room_id", roomID),
		zap.String("host_id", callerID),
		zap.Int("evicted", len(cleared)),
	)

	if s.broadcaster != nil {
		s.broadcaster.RoomEnded(roomID, cleared)
	}
	return nil
}

func (s *Service) GetRoomInfo(ctx context.Context, callerID, roomID string) (*RoomInfo, error) {
	r, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, callerID, r); err != nil {
		return nil, err
	}
	return s.roomInfo(ctx, r), nil
}

// GetSessionInfo returns display metadata for a booking.
func (s *Service) GetSessionInfo(ctx context.Context, bookingID string) (*SessionInfo, error) {
	if bookingID == "" {
		return nil, ErrAppointmentNotFound
	}
	appt, err := s.appointment(ctx, room.Ref{BookingID: bookingID})
	if err != nil {
		return nil, err
	}

	info := &SessionInfo{SkillTitle: appt.Title}
	if p := s.profile(ctx, appt.HostPartyID); p != nil {
		info.ProviderName = p.Name
		info.ProviderAvatar = p.AvatarURL
	}
	if p := s.profile(ctx, appt.GuestPartyID); p != nil {
		info.LearnerName = p.Name
		info.LearnerAvatar = p.AvatarURL
	}
	return info, nil
}

// EnterRoom records userID as present in roomID over connID, activating a
// waiting room. It re-checks joinability and authorization from storage.
func (s *Service) EnterRoom(ctx context.Context, userID, roomID, connID string) (*RoomInfo, error) {
	r, err := s.enter(ctx, userID, roomID, connID)
	if err != nil {
		return nil, err
	}
	return s.roomInfo(ctx, r), nil
}

func (s *Service) enter(ctx context.Context, userID, roomID, connID string) (*room.Room, error) {
	unlock := s.locks.Lock(roomID)
	defer unlock()

	r, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.CanJoin() {
		return nil, ErrRoomEnded
	}
	if err := s.authorize(ctx, userID, r); err != nil {
		return nil, err
	}

	_, wasPresent := s.registry.UserSession(userID)
	if _, err := s.registry.Add(roomID, userID, connID); err != nil {
		if errors.Is(err, presence.ErrInAnotherRoom) {
			return nil, ErrAlreadyInCall
		}
		return nil, err
	}

	if r.Activate() {
		if err := s.update(ctx, r); err != nil {
			if !wasPresent {
				s.registry.Remove(roomID, userID)
			}
			return nil, err
		}
		metrics.RecordTransition(string(room.StatusActive))
		s.logger.Info("Room activated",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
		)
	}
	s.publishPresence()
	return r, nil
}

// ExitRoom removes userID from roomID. When that empties the room it is ended
// and its presence bucket cleared. A non-empty connID only removes the entry
// still bound to that connection, so a stale connection cannot undo a newer
// join. Removing an absent user and ending an ended room are no-ops.
func (s *Service) ExitRoom(ctx context.Context, userID, roomID, connID string) (ExitResult, error) {
	unlock := s.locks.Lock(roomID)
	defer unlock()

	r, err := s.getRoom(ctx, roomID)
	if err != nil {
		return ExitResult{}, err
	}

	if connID != "" {
		sess, ok := s.registry.UserSession(userID)
		if !ok || sess.RoomID != roomID || sess.ConnectionID != connID {
			return ExitResult{Remaining: s.registry.Count(roomID)}, nil
		}
	}

	remaining, removed := s.registry.Remove(roomID, userID)
	res := ExitResult{Removed: removed, Remaining: remaining}
	if !removed || remaining > 0 {
		s.publishPresence()
		return res, nil
	}
	defer s.publishPresence()

	if r.CanJoin() {
		if err := s.end(ctx, r); err != nil {
			return res, err
		}
		res.Ended = true
		s.logger.Info("Room ended after last participant left",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
		)
	}
	res.Cleared = s.registry.ClearRoom(roomID)
	return res, nil
}

// CurrentSession reports the room and connection userID is present with.
func (s *Service) CurrentSession(userID string) (presence.Session, bool) {
	return s.registry.UserSession(userID)
}

func (s *Service) PresenceSnapshot() []presence.Entry {
	return s.registry.Snapshot()
}

func (s *Service) Participants(ctx context.Context, roomID string) []Participant {
	entries := s.registry.Participants(roomID)
	out := make([]Participant, 0, len(entries))
	for _, e := range entries {
		p := Participant{UserID: e.UserID, JoinedAt: e.JoinedAt}
		if prof := s.profile(ctx, e.UserID); prof != nil {
			p.UserName = prof.Name
			p.AvatarURL = prof.AvatarURL
		}
		out = append(out, p)
	}
	return out
}

func (s *Service) createRoom(ctx context.Context, hostID string, ref room.Ref) (*room.Room, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := room.GenerateCode()
		if err != nil {
			return nil, err
		}

		sctx, cancel := s.storeCtx(ctx)
		exists, err := s.rooms.CodeExists(sctx, code)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("check room code: %w", err)
		}
		if exists {
			continue
		}

		r := room.NewRoom(code, hostID, ref, s.now())
		sctx, cancel = s.storeCtx(ctx)
		err = s.rooms.Create(sctx, r)
		cancel()
		if err == nil {
			metrics.RoomsCreatedTotal.WithLabelValues(refKind(ref)).Inc()
			metrics.RecordTransition(string(room.StatusWaiting))
			s.logger.Info("Room created",
				zap.String("room_id", r.ID),
				zap.String("room_code", r.Code),
				zap.String("host_id", hostID),
				zap.String("kind", refKind(ref)),
			)
			return r, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("create room: %w", err)
		}

		// Another instance may have created the appointment's room first.
		if !ref.IsZero() {
			if existing, err := s.getByRef(ctx, ref); err == nil {
				return existing, nil
			}
		}
	}
	return nil, fmt.Errorf("create room: no free room code after %d attempts", maxCodeAttempts)
}

func (s *Service) reopen(ctx context.Context, roomID string) (*room.Room, error) {
	unlock := s.locks.Lock(roomID)
	defer unlock()

	r, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.Reopen() {
		return r, nil
	}
	if err := s.update(ctx, r); err != nil {
		return nil, err
	}
	metrics.RoomsReactivatedTotal.Inc()
	metrics.RecordTransition(string(room.StatusWaiting))
	s.logger.Info("Room reactivated", zap.String("room_id", r.ID))
	return r, nil
}

func (s *Service) end(ctx context.Context, r *room.Room) error {
	if !r.End(s.now()) {
		return nil
	}
	if err := s.update(ctx, r); err != nil {
		return err
	}
	metrics.RecordTransition(string(room.StatusEnded))
	return nil
}

func (s *Service) resolve(ctx context.Context, lookup Lookup) (*room.Room, error) {
	var (
		r   *room.Room
		err error
	)
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	switch {
	case lookup.RoomID != "":
		r, err = s.rooms.GetByID(sctx, lookup.RoomID)
	case lookup.RoomCode != "":
		r, err = s.rooms.GetByCode(sctx, strings.ToUpper(strings.TrimSpace(lookup.RoomCode)))
	case lookup.BookingID != "":
		r, err = s.rooms.GetByBooking(sctx, lookup.BookingID)
	default:
		return nil, ErrNoLookupKey
	}
	return r, mapStoreErr(err)
}

// authorize lets anyone into an ad-hoc room and only the two parties into an
// appointment's room.
func (s *Service) authorize(ctx context.Context, userID string, r *room.Room) error {
	ref := r.Ref()
	if ref.IsZero() {
		return nil
	}
	appt, err := s.appointment(ctx, ref)
	if err != nil {
		return err
	}
	if !appt.IsParty(userID) {
		return ErrNotParticipant
	}
	return nil
}

func (s *Service) appointment(ctx context.Context, ref room.Ref) (*appointment.Appointment, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var (
		a   *appointment.Appointment
		err error
	)
	if ref.BookingID != "" {
		a, err = s.directory.Booking(sctx, ref.BookingID)
	} else {
		a, err = s.directory.Interview(sctx, ref.InterviewID)
	}
	if err != nil {
		if errors.Is(err, appointment.ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return a, nil
}

func (s *Service) profile(ctx context.Context, userID string) *appointment.Profile {
	if s.profiles == nil || userID == "" {
		return nil
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	p, err := s.profiles.Profile(sctx, userID)
	if err != nil {
		if !errors.Is(err, appointment.ErrNotFound) {
			s.logger.Debug("Profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return nil
	}
	return p
}

func (s *Service) getRoom(ctx context.Context, roomID string) (*room.Room, error) {
	if roomID == "" {
		return nil, ErrRoomNotFound
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	r, err := s.rooms.GetByID(sctx, roomID)
	return r, mapStoreErr(err)
}

func (s *Service) getByRef(ctx context.Context, ref room.Ref) (*room.Room, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	r, err := store.GetByRef(sctx, s.rooms, ref)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load room by appointment: %w", err)
	}
	return r, err
}

func (s *Service) update(ctx context.Context, r *room.Room) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.rooms.Update(sctx, r); err != nil {
		return fmt.Errorf("update room %s: %w", r.ID, mapStoreErr(err))
	}
	return nil
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) roomInfo(ctx context.Context, r *room.Room) *RoomInfo {
	return &RoomInfo{
		ID:           r.ID,
		RoomCode:     r.Code,
		BookingID:    nullable(r.BookingID),
		InterviewID:  nullable(r.InterviewID),
		HostID:       r.HostID,
		Status:       r.Status,
		Participants: s.Participants(ctx, r.ID),
		ICEServers:   s.ICEServers(),
		CreatedAt:    r.CreatedAt,
		EndedAt:      r.EndedAt,
	}
}

func (s *Service) publishPresence() {
	metrics.SetPresence(s.registry.Totals())
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrRoomNotFound
	default:
		return fmt.Errorf("room store: %w", err)
	}
}

func refKey(ref room.Ref) string {
	if ref.BookingID != "" {
		return "booking:" + ref.BookingID
	}
	return "interview:" + ref.InterviewID
}

func refKind(ref room.Ref) string {
	switch {
	case ref.BookingID != "":
		return string(appointment.KindBooking)
	case ref.InterviewID != "":
		return string(appointment.KindInterview)
	default:
		return "adhoc"
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
