package signaling

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adityaadpandey/callroom/internals/call"
	"github.com/adityaadpandey/callroom/internals/metrics"
	"github.com/adityaadpandey/callroom/internals/presence"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Coordinator is the slice of the room lifecycle the relay drives.
type Coordinator interface {
	EnterRoom(ctx context.Context, userID, roomID, connID string) (*call.RoomInfo, error)
	ExitRoom(ctx context.Context, userID, roomID, connID string) (call.ExitResult, error)
	Authorize(ctx context.Context, userID, roomID string) error
	CurrentSession(userID string) (presence.Session, bool)
	PresenceSnapshot() []presence.Entry
}

// Authenticator resolves the user behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type Config struct {
	Client          ClientConfig
	RateLimitPerSec float64
	RateLimitBurst  int
	AllowedOrigins  []string
	MaxRoomIDLength int
}

// Relay binds connections to rooms and forwards negotiation between them.
type Relay struct {
	calls  Coordinator
	hub    *Hub
	fanout *Fanout
	auth   Authenticator
	cfg    Config
	logger *zap.Logger

	upgrader websocket.Upgrader

	rateLimiters   map[string]*rate.Limiter
	rateLimitersMu sync.Mutex
}

func NewRelay(calls Coordinator, hub *Hub, auth Authenticator, cfg Config, logger *zap.Logger) *Relay {
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.MaxRoomIDLength <= 0 {
		cfg.MaxRoomIDLength = 128
	}

	r := &Relay{
		calls:        calls,
		hub:          hub,
		auth:         auth,
		cfg:          cfg,
		logger:       logger,
		rateLimiters: make(map[string]*rate.Limiter),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

// SetFanout enables cross-instance delivery of room broadcasts.
func (r *Relay) SetFanout(f *Fanout) {
	r.fanout = f
}

func (r *Relay) Hub() *Hub {
	return r.hub
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	if len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and starts the connection's pumps. A request
// without a resolvable user gets a close frame straight away.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	userID, err := r.auth.Authenticate(req)
	if err != nil || userID == "" {
		r.logger.Debug("Rejected unauthenticated connection", zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	client := NewClient(uuid.New().String(), userID, conn, r.cfg.Client, r.logger)
	r.Attach(client)

	go client.WritePump()
	go client.ReadPump()
}

// Attach registers a client and wires its callbacks.
func (r *Relay) Attach(client *Client) {
	client.OnMessage = r.HandleMessage
	client.OnDisconnect = r.HandleDisconnect
	r.hub.Register(client)
	metrics.LiveConnections.Inc()

	r.logger.Info("Client connected",
		zap.String("conn_id", client.ID),
		zap.String("user_id", client.UserID),
	)
}

func (r *Relay) getClientRateLimiter(connID string) *rate.Limiter {
	r.rateLimitersMu.Lock()
	defer r.rateLimitersMu.Unlock()
	if limiter, ok := r.rateLimiters[connID]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(r.cfg.RateLimitPerSec), r.cfg.RateLimitBurst)
	r.rateLimiters[connID] = limiter
	return limiter
}

func (r *Relay) removeClientRateLimiter(connID string) {
	r.rateLimitersMu.Lock()
	delete(r.rateLimiters, connID)
	r.rateLimitersMu.Unlock()
}

func (r *Relay) HandleMessage(client *Client, message Message) {
	if !r.getClientRateLimiter(client.ID).Allow() {
		metrics.RecordSignalError("rate_limited")
		client.SendError(429, "rate limit exceeded")
		return
	}

	event, err := DecodeInbound(message)
	if err != nil {
		metrics.RecordSignalError("malformed")
		client.SendError(400, err.Error())
		return
	}
	if len(event.Room()) > r.cfg.MaxRoomIDLength {
		metrics.RecordSignalError("malformed")
		client.SendError(400, "roomId is too long")
		return
	}
	metrics.RecordSignal(string(message.Type))

	switch ev := event.(type) {
	case JoinRoom:
		r.handleJoin(client, ev)
	case LeaveRoom:
		r.handleLeave(client, ev)
	case Negotiation:
		r.handleRelay(client, ev)
	}
}

func (r *Relay) handleJoin(client *Client, ev JoinRoom) {
	prev, hadPrev := r.hub.BindCall(client.UserID, client.ID)

	info, err := r.calls.EnterRoom(context.Background(), client.UserID, ev.RoomID, client.ID)
	if err != nil {
		r.hub.RestoreCall(client.UserID, client.ID, prev, hadPrev)
		r.sendFailure(client, "join", err)
		return
	}

	if r.hub.JoinGroup(ev.RoomID, client) && r.fanout != nil {
		r.fanout.Join(ev.RoomID)
	}

	if msg, err := newMessage(EventRoomJoined, RoomJoinedData{RoomID: ev.RoomID, Participants: info.Participants}); err == nil {
		client.SendMessage(msg)
	}
	if msg, err := newMessage(EventUserJoined, UserJoinedData{UserID: client.UserID, RoomID: ev.RoomID, Participants: info.Participants}); err == nil {
		r.broadcast(ev.RoomID, msg, Target{ExcludeUserID: client.UserID})
	}

	r.logger.Info("User joined room",
		zap.String("room_id", ev.RoomID),
		zap.String("user_id", client.UserID),
		zap.String("conn_id", client.ID),
		zap.Int("participants", len(info.Participants)),
	)
}

// handleLeave only touches the call binding when the user is present in the
// room being left. A leave for any other room keeps the binding intact.
func (r *Relay) handleLeave(client *Client, ev LeaveRoom) {
	if err := r.calls.Authorize(context.Background(), client.UserID, ev.RoomID); err != nil {
		r.sendFailure(client, "leave", err)
		return
	}

	sess, present := r.calls.CurrentSession(client.UserID)
	res, err := r.exit(client.UserID, ev.RoomID, "")
	if err != nil {
		r.sendFailure(client, "leave", err)
		return
	}
	if res.Removed && present && sess.RoomID == ev.RoomID {
		r.hub.ReleaseCall(client.UserID, sess.ConnectionID)
	}
	if r.hub.LeaveGroup(ev.RoomID, client.ID) && r.fanout != nil {
		r.fanout.Leave(ev.RoomID)
	}
}

func (r *Relay) handleRelay(client *Client, ev Negotiation) {
	if !r.hub.InGroup(ev.RoomID, client.ID) {
		metrics.RecordSignalError("not_in_room")
		client.SendError(403, "not joined to this room")
		return
	}

	msg, err := relayMessage(ev, client.UserID)
	if err != nil {
		r.logger.Error("Failed to build relay message", zap.Error(err))
		client.SendError(500, "internal error")
		return
	}
	r.broadcast(ev.RoomID, msg, Target{ToUserID: ev.ToUserID})
}

// HandleDisconnect runs once per connection. Only the user's call
// connection counts as leaving; the room comes from presence.
func (r *Relay) HandleDisconnect(client *Client) {
	r.removeClientRateLimiter(client.ID)
	for _, roomID := range r.hub.Unregister(client) {
		if r.fanout != nil {
			r.fanout.Leave(roomID)
		}
	}
	metrics.LiveConnections.Dec()

	if !r.hub.ReleaseCall(client.UserID, client.ID) {
		r.logger.Debug("Non-call connection closed",
			zap.String("conn_id", client.ID),
			zap.String("user_id", client.UserID),
		)
		return
	}

	sess, ok := r.calls.CurrentSession(client.UserID)
	if !ok {
		return
	}
	if _, err := r.exit(client.UserID, sess.RoomID, client.ID); err != nil {
		r.logger.Warn("Cleanup after disconnect failed",
			zap.String("room_id", sess.RoomID),
			zap.String("user_id", client.UserID),
			zap.Error(err),
		)
	}
}

// exit removes the user from presence and tells the room. connID is passed
// through to ExitRoom.
func (r *Relay) exit(userID, roomID, connID string) (call.ExitResult, error) {
	res, err := r.calls.ExitRoom(context.Background(), userID, roomID, connID)
	if err != nil {
		return res, err
	}
	if res.Removed {
		r.UserLeft(roomID, userID)
	}
	if res.Ended || len(res.Cleared) > 0 {
		r.RoomEnded(roomID, res.Cleared)
	}
	return res, nil
}

// UserLeft takes the user's connections out of the room group and notifies
// the rest of it.
func (r *Relay) UserLeft(roomID, userID string) {
	removed, empty := r.hub.LeaveGroupUser(roomID, userID)
	for _, connID := range removed {
		r.hub.ReleaseCall(userID, connID)
	}
	if empty && r.fanout != nil {
		r.fanout.Leave(roomID)
	}
	if msg, err := newMessage(EventUserLeft, UserLeftData{UserID: userID, RoomID: roomID}); err == nil {
		r.broadcast(roomID, msg, Target{})
	}
	r.logger.Info("User left room",
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
	)
}

// RoomEnded tells whoever is still grouped in the room and disbands the group.
func (r *Relay) RoomEnded(roomID string, evicted []presence.Entry) {
	for _, e := range evicted {
		r.hub.ReleaseCall(e.UserID, e.ConnectionID)
	}
	if msg, err := newMessage(EventRoomEnded, RoomEndedData{RoomID: roomID}); err == nil {
		r.broadcast(roomID, msg, Target{})
	}
	r.hub.DropGroup(roomID)
	if r.fanout != nil {
		r.fanout.Leave(roomID)
	}
}

func (r *Relay) broadcast(roomID string, msg Message, t Target) {
	r.hub.Deliver(roomID, msg, t)
	if r.fanout != nil {
		r.fanout.Publish(roomID, msg, t)
	}
}

func (r *Relay) sendFailure(client *Client, op string, err error) {
	code, msg := errorCode(err)
	metrics.RecordSignalError(op)
	if code >= 500 {
		r.logger.Error("Signaling operation failed",
			zap.String("op", op),
			zap.String("conn_id", client.ID),
			zap.String("user_id", client.UserID),
			zap.Error(err),
		)
	}
	client.SendError(code, msg)
}

func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, call.ErrNotFound):
		return 404, err.Error()
	case errors.Is(err, call.ErrForbidden):
		return 403, err.Error()
	case errors.Is(err, call.ErrValidation):
		return 400, err.Error()
	default:
		return 500, "internal error"
	}
}

// Sweep exits presence entries whose connection is no longer live here and
// returns how many it removed.
func (r *Relay) Sweep() int {
	removed := 0
	for _, e := range r.calls.PresenceSnapshot() {
		if r.hub.IsLive(e.ConnectionID) {
			continue
		}
		// the entry may have been refreshed since the snapshot
		if sess, ok := r.calls.CurrentSession(e.UserID); !ok || sess.RoomID != e.RoomID || sess.ConnectionID != e.ConnectionID {
			continue
		}
		r.hub.ReleaseCall(e.UserID, e.ConnectionID)
		res, err := r.exit(e.UserID, e.RoomID, e.ConnectionID)
		if err != nil {
			r.logger.Warn("Presence sweep failed",
				zap.String("room_id", e.RoomID),
				zap.String("user_id", e.UserID),
				zap.Error(err),
			)
			continue
		}
		if res.Removed {
			removed++
		}
	}
	if removed > 0 {
		metrics.SweepRemovalsTotal.Add(float64(removed))
		r.logger.Info("Presence sweep removed stale entries", zap.Int("removed", removed))
	}
	return removed
}

// RunSweep calls Sweep every interval until ctx is done.
func (r *Relay) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
