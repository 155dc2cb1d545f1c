package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adityaadpandey/callroom/internals/call"
)

type EventType string

// Inbound
const (
	EventJoinRoom     EventType = "join-room"
	EventLeaveRoom    EventType = "leave-room"
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice-candidate"
)

// Outbound only
const (
	EventRoomJoined EventType = "room-joined"
	EventUserJoined EventType = "user-joined"
	EventUserLeft   EventType = "user-left"
	EventRoomEnded  EventType = "room-ended"
	EventError      EventType = "error"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrMalformed    = errors.New("malformed event")
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Inbound is one of JoinRoom, LeaveRoom or Negotiation.
type Inbound interface {
	Room() string
	inbound()
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// Negotiation is an offer, answer or ICE candidate. Payload is never inspected.
type Negotiation struct {
	Kind     EventType
	RoomID   string
	ToUserID string
	Payload  json.RawMessage
}

func (j JoinRoom) Room() string    { return j.RoomID }
func (l LeaveRoom) Room() string   { return l.RoomID }
func (n Negotiation) Room() string { return n.RoomID }

func (JoinRoom) inbound()    {}
func (LeaveRoom) inbound()   {}
func (Negotiation) inbound() {}

// relayWire is the data shape of offer/answer/ice-candidate in both
// directions. Only the field matching the event kind is set.
type relayWire struct {
	RoomID     string          `json:"roomId"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	FromUserID string          `json:"fromUserId,omitempty"`
	ToUserID   string          `json:"toUserId"`
}

func (w *relayWire) payload(kind EventType) json.RawMessage {
	switch kind {
	case EventOffer:
		return w.Offer
	case EventAnswer:
		return w.Answer
	default:
		return w.Candidate
	}
}

// DecodeInbound turns an envelope into its typed event.
func DecodeInbound(msg Message) (Inbound, error) {
	switch msg.Type {
	case EventJoinRoom:
		var j JoinRoom
		if err := unmarshalData(msg.Data, &j); err != nil {
			return nil, err
		}
		if j.RoomID == "" {
			return nil, fmt.Errorf("%w: roomId is required", ErrMalformed)
		}
		return j, nil

	case EventLeaveRoom:
		var l LeaveRoom
		if err := unmarshalData(msg.Data, &l); err != nil {
			return nil, err
		}
		if l.RoomID == "" {
			return nil, fmt.Errorf("%w: roomId is required", ErrMalformed)
		}
		return l, nil

	case EventOffer, EventAnswer, EventICECandidate:
		var w relayWire
		if err := unmarshalData(msg.Data, &w); err != nil {
			return nil, err
		}
		payload := w.payload(msg.Type)
		switch {
		case w.RoomID == "":
			return nil, fmt.Errorf("%w: roomId is required", ErrMalformed)
		case w.ToUserID == "":
			return nil, fmt.Errorf("%w: toUserId is required", ErrMalformed)
		case len(payload) == 0:
			return nil, fmt.Errorf("%w: %s payload is required", ErrMalformed, msg.Type)
		}
		return Negotiation{Kind: msg.Type, RoomID: w.RoomID, ToUserID: w.ToUserID, Payload: payload}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Type)
}

// unmarshalData also accepts data sent as a JSON-encoded string, which some
// socket client libraries do.
func unmarshalData[T any](data json.RawMessage, out *T) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, out); err != nil {
		var dataStr string
		if err2 := json.Unmarshal(data, &dataStr); err2 != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err3 := json.Unmarshal([]byte(dataStr), out); err3 != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err3)
		}
	}
	return nil
}

type RoomJoinedData struct {
	RoomID       string             `json:"roomId"`
	Participants []call.Participant `json:"participants"`
}

type UserJoinedData struct {
	UserID       string             `json:"userId"`
	RoomID       string             `json:"roomId"`
	Participants []call.Participant `json:"participants"`
}

type UserLeftData struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

type RoomEndedData struct {
	RoomID string `json:"roomId"`
}

type ErrorData struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func newMessage(t EventType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Data: raw, Timestamp: time.Now()}, nil
}

// relayMessage rebuilds r for delivery with the sender attached.
func relayMessage(r Negotiation, fromUserID string) (Message, error) {
	w := relayWire{RoomID: r.RoomID, FromUserID: fromUserID, ToUserID: r.ToUserID}
	switch r.Kind {
	case EventOffer:
		w.Offer = r.Payload
	case EventAnswer:
		w.Answer = r.Payload
	default:
		w.Candidate = r.Payload
	}
	return newMessage(r.Kind, w)
}
