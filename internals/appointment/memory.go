package appointment

import (
	"context"
	"sync"
)

// MemoryDirectory serves appointments and profiles from maps. It backs the
// memory store driver and tests.
type MemoryDirectory struct {
	mu         sync.RWMutex
	bookings   map[string]Appointment
	interviews map[string]Appointment
	profiles   map[string]Profile
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		bookings:   make(map[string]Appointment),
		interviews: make(map[string]Appointment),
		profiles:   make(map[string]Profile),
	}
}

// Put stores a by its Kind.
func (d *MemoryDirectory) Put(a Appointment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a.Kind == KindInterview {
		d.interviews[a.ID] = a
		return
	}
	a.Kind = KindBooking
	d.bookings[a.ID] = a
}

func (d *MemoryDirectory) PutProfile(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.UserID] = p
}

func (d *MemoryDirectory) Booking(_ context.Context, id string) (*Appointment, error) {
	return d.lookup(d.bookings, id)
}

func (d *MemoryDirectory) Interview(_ context.Context, id string) (*Appointment, error) {
	return d.lookup(d.interviews, id)
}

func (d *MemoryDirectory) Profile(_ context.Context, userID string) (*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (d *MemoryDirectory) lookup(m map[string]Appointment, id string) (*Appointment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := m[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}
