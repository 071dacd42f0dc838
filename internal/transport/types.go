package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOffline            = errors.New("transport: client offline")
	ErrNotFound           = errors.New("transport: not found")
	ErrUnsupportedPayload = errors.New("transport: unsupported payload")
	// ErrPartialSend means part of a message was delivered before the failure.
	ErrPartialSend = errors.New("transport: partially sent")
	// ErrRejected is a definitive refusal by the remote side.
	ErrRejected = errors.New("transport: rejected")
)

type TargetKind string

const (
	TargetRoom    TargetKind = "room"
	TargetContact TargetKind = "contact"
)

type Target struct {
	ID   string     `json:"id"`
	Kind TargetKind `json:"kind"`
}

func Room(id string) Target    { return Target{ID: id, Kind: TargetRoom} }
func Contact(id string) Target { return Target{ID: id, Kind: TargetContact} }

type PayloadType string

const (
	PayloadText     PayloadType = "text"
	PayloadLocation PayloadType = "location"
	PayloadContact  PayloadType = "contact"
	PayloadLink     PayloadType = "link"
)

// Payload is what gets sent. Params carries type-specific fields
// (lat/lng for locations, phone/name for contacts, url for links).
type Payload struct {
	Type   PayloadType       `json:"type"`
	Text   string            `json:"text,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

type MessageRef struct {
	ID     string    `json:"id"`
	Target Target    `json:"target"`
	At     time.Time `json:"at"`
}

// Invitation is a pending request to join a room.
type Invitation struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	RoomTopic   string    `json:"room_topic"`
	InviterID   string    `json:"inviter_id"`
	InviterName string    `json:"inviter_name"`
	Raw         string    `json:"raw,omitempty"`
	At          time.Time `json:"at"`
}

type RoomInfo struct {
	ID          string `json:"id"`
	Topic       string `json:"topic"`
	Kind        string `json:"kind,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
}

type ContactInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type Message struct {
	ID       string      `json:"id"`
	Type     PayloadType `json:"type"`
	Text     string      `json:"text"`
	FromID   string      `json:"from_id"`
	FromName string      `json:"from_name"`
	RoomID   string      `json:"room_id,omitempty"`
	At       time.Time   `json:"at"`
	// Raw holds the type-specific body as JSON (location, contact card).
	Raw string `json:"raw,omitempty"`
}

type EventKind string

const (
	EventLogin      EventKind = "login"
	EventLogout     EventKind = "logout"
	EventScan       EventKind = "scan"
	EventMessage    EventKind = "message"
	EventRoomInvite EventKind = "room-invite"
)

type Event struct {
	Kind       EventKind
	Time       time.Time
	Self       *ContactInfo
	ScanURL    string
	Message    *Message
	Invitation *Invitation
}

// Client is the outbound chat client the bot drives.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Logout(ctx context.Context) error
	Online() bool
	Self() (ContactInfo, bool)

	// Events subscribes to client events. Slow subscribers drop events.
	Events(buffer int) (<-chan Event, func())

	Send(ctx context.Context, to Target, p Payload) (MessageRef, error)
	AcceptInvite(ctx context.Context, inv Invitation) error
	// LoadRoom fetches fresh room info by id.
	LoadRoom(ctx context.Context, id string) (RoomInfo, error)
	Rooms(ctx context.Context) ([]RoomInfo, error)
}
