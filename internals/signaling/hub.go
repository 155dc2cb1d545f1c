package signaling

import (
	"sync"

	"go.uber.org/zap"
)

// Target narrows delivery within a room group.
type Target struct {
	ToUserID      string `json:"toUserId,omitempty"`
	ExcludeUserID string `json:"excludeUserId,omitempty"`
}

func (t Target) accepts(c *Client) bool {
	if t.ToUserID != "" && c.UserID != t.ToUserID {
		return false
	}
	return t.ExcludeUserID == "" || c.UserID != t.ExcludeUserID
}

// Hub tracks the live connections on this instance, the room groups they
// joined, and which connection is each user's call connection.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client            // connID -> client
	groups    map[string]map[string]*Client // roomID -> connID -> client
	callConns map[string]string             // userID -> connID
	logger    *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		groups:    make(map[string]map[string]*Client),
		callConns: make(map[string]string),
		logger:    logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.logger.Debug("Client registered",
		zap.String("conn_id", c.ID),
		zap.String("user_id", c.UserID),
	)
}

// Unregister drops c from every group and closes its send queue. It returns
// the rooms whose local group became empty.
func (h *Hub) Unregister(c *Client) []string {
	h.mu.Lock()
	var emptied []string
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		for roomID, group := range h.groups {
			if _, in := group[c.ID]; !in {
				continue
			}
			delete(group, c.ID)
			if len(group) == 0 {
				delete(h.groups, roomID)
				emptied = append(emptied, roomID)
			}
		}
	}
	h.mu.Unlock()

	c.closeSend()
	h.logger.Debug("Client unregistered",
		zap.String("conn_id", c.ID),
		zap.String("user_id", c.UserID),
	)
	return emptied
}

func (h *Hub) IsLive(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connID]
	return ok
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// JoinGroup reports whether this is the first local member of the room.
func (h *Hub) JoinGroup(roomID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[roomID]
	if !ok {
		group = make(map[string]*Client)
		h.groups[roomID] = group
	}
	group[c.ID] = c
	return !ok
}

// LeaveGroup reports whether the room has no local members left.
func (h *Hub) LeaveGroup(roomID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[roomID]
	if !ok {
		return true
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(h.groups, roomID)
		return true
	}
	return false
}

// LeaveGroupUser removes every connection of userID from the room group. It
// returns the removed connection ids and whether the group is now empty.
func (h *Hub) LeaveGroupUser(roomID, userID string) (removed []string, empty bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[roomID]
	if !ok {
		return nil, true
	}
	for id, c := range group {
		if c.UserID == userID {
			delete(group, id)
			removed = append(removed, id)
		}
	}
	if len(group) == 0 {
		delete(h.groups, roomID)
		return removed, true
	}
	return removed, false
}

func (h *Hub) InGroup(roomID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.groups[roomID][connID]
	return ok
}

// DropGroup forgets the room group and returns its former members.
func (h *Hub) DropGroup(roomID string) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.groups[roomID]
	out := make([]*Client, 0, len(group))
	for _, c := range group {
		out = append(out, c)
	}
	delete(h.groups, roomID)
	return out
}

// Deliver sends msg to the local members of roomID that t accepts and
// returns how many were reached.
func (h *Hub) Deliver(roomID string, msg Message, t Target) int {
	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.groups[roomID]))
	for _, c := range h.groups[roomID] {
		if t.accepts(c) {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		c.SendMessage(msg)
	}
	return len(recipients)
}

// BindCall makes connID the user's call connection and returns the binding
// it replaced.
func (h *Hub) BindCall(userID, connID string) (prev string, hadPrev bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, hadPrev = h.callConns[userID]
	h.callConns[userID] = connID
	return prev, hadPrev
}

// RestoreCall undoes a BindCall of connID, as long as nothing rebound the
// user since.
func (h *Hub) RestoreCall(userID, connID, prev string, hadPrev bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.callConns[userID] != connID {
		return
	}
	if hadPrev {
		h.callConns[userID] = prev
	} else {
		delete(h.callConns, userID)
	}
}

// ReleaseCall clears the binding only if connID still holds it.
func (h *Hub) ReleaseCall(userID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.callConns[userID]; ok && current == connID {
		delete(h.callConns, userID)
		return true
	}
	return false
}

func (h *Hub) CallConnection(userID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connID, ok := h.callConns[userID]
	return connID, ok
}
