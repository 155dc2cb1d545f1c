// Package presence tracks who is live in which room. It is process-wide and
// in-memory only: empty at start, drained per room when a room ends.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrInAnotherRoom is returned by Add when the user is already present in a
// different room.
var ErrInAnotherRoom = errors.New("presence: user is present in another room")

type Entry struct {
	RoomID       string    `json:"roomId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Session is where a user currently is.
type Session struct {
	RoomID       string
	ConnectionID string
}

type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Entry // roomID -> userID -> entry
	users map[string]string            // userID -> roomID
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]*Entry),
		users: make(map[string]string),
		now:   time.Now,
	}
}

// Add records userID in roomID over connID. Adding an existing pair refreshes
// its connection and join time.
func (r *Registry) Add(roomID, userID, connID string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.users[userID]; ok && current != roomID {
		return Entry{}, ErrInAnotherRoom
	}

	bucket, ok := r.rooms[roomID]
	if !ok {
		bucket = make(map[string]*Entry)
		r.rooms[roomID] = bucket
	}

	e, ok := bucket[userID]
	if !ok {
		e = &Entry{RoomID: roomID, UserID: userID}
		bucket[userID] = e
	}
	e.ConnectionID = connID
	e.JoinedAt = r.now()
	r.users[userID] = roomID

	return *e, nil
}

// Remove drops the (roomID, userID) entry if present and returns how many
// participants remain in the room.
func (r *Registry) Remove(roomID, userID string) (remaining int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.rooms[roomID]
	if !ok {
		return 0, false
	}
	if _, ok := bucket[userID]; ok {
		delete(bucket, userID)
		removed = true
		if r.users[userID] == roomID {
			delete(r.users, userID)
		}
	}
	remaining = len(bucket)
	if remaining == 0 {
		delete(r.rooms, roomID)
	}
	return remaining, removed
}

// Participants returns the room's entries, earliest joiner first.
func (r *Registry) Participants(roomID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.rooms[roomID]
	out := make([]Entry, 0, len(bucket))
	for _, e := range bucket {
		out = append(out, *e)
	}
	sortEntries(out)
	return out
}

func (r *Registry) Count(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

func (r *Registry) UserSession(userID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.users[userID]
	if !ok {
		return Session{}, false
	}
	e := r.rooms[roomID][userID]
	return Session{RoomID: roomID, ConnectionID: e.ConnectionID}, true
}

// ClearRoom removes every entry for roomID and returns what was removed.
func (r *Registry) ClearRoom(roomID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.rooms[roomID]
	out := make([]Entry, 0, len(bucket))
	for userID, e := range bucket {
		out = append(out, *e)
		if r.users[userID] == roomID {
			delete(r.users, userID)
		}
	}
	delete(r.rooms, roomID)
	sortEntries(out)
	return out
}

// Snapshot copies every entry in every room.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, bucket := range r.rooms {
		for _, e := range bucket {
			out = append(out, *e)
		}
	}
	return out
}

// Totals returns the number of occupied rooms and present participants.
func (r *Registry) Totals() (rooms, participants int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.users)
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
}
