package store

import (
	"context"
	"sync"

	"github.com/adityaadpandey/callroom/internals/room"
)

// MemoryStore keeps rooms in process. Used when no external store is
// configured or reachable, and in tests.
type MemoryStore struct {
	mu          sync.RWMutex
	rooms       map[string]*room.Room
	byCode      map[string]string
	byBooking   map[string]string
	byInterview map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:       make(map[string]*room.Room),
		byCode:      make(map[string]string),
		byBooking:   make(map[string]string),
		byInterview: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *room.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[r.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byCode[r.Code]; ok {
		return ErrDuplicate
	}
	if r.BookingID != "" {
		if _, ok := m.byBooking[r.BookingID]; ok {
			return ErrDuplicate
		}
	}
	if r.InterviewID != "" {
		if _, ok := m.byInterview[r.InterviewID]; ok {
			return ErrDuplicate
		}
	}

	m.rooms[r.ID] = r.Clone()
	m.byCode[r.Code] = r.ID
	if r.BookingID != "" {
		m.byBooking[r.BookingID] = r.ID
	}
	if r.InterviewID != "" {
		m.byInterview[r.InterviewID] = r.ID
	}
	return nil
}

func (m *MemoryStore) Update(_ context.Context, r *room.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[r.ID]; !ok {
		return ErrNotFound
	}
	m.rooms[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*room.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(id)
}

func (m *MemoryStore) GetByCode(_ context.Context, code string) (*room.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(m.byCode[code])
}

func (m *MemoryStore) GetByBooking(_ context.Context, bookingID string) (*room.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(m.byBooking[bookingID])
}

func (m *MemoryStore) GetByInterview(_ context.Context, interviewID string) (*room.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(m.byInterview[interviewID])
}

func (m *MemoryStore) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byCode[code]
	return ok, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// caller holds m.mu
func (m *MemoryStore) get(id string) (*room.Room, error) {
	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}
