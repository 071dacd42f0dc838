package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite". Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Room struct {
	Owner       string    `json:"owner"`
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Kind        string    `json:"kind,omitempty"`
	MemberCount int       `json:"member_count,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Contact struct {
	Owner     string    `json:"owner"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Username  string    `json:"username,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	Owner    string    `json:"owner"`
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Text     string    `json:"text"`
	FromID   string    `json:"from_id"`
	FromName string    `json:"from_name"`
	RoomID   string    `json:"room_id,omitempty"`
	Raw      string    `json:"raw,omitempty"`
	At       time.Time `json:"at"`
}

// MessageQuery pages through messages newest first.
type MessageQuery struct {
	From  int
	Limit int
}

const DefaultMessageLimit = 10

func (q MessageQuery) normalize() MessageQuery {
	if q.From < 0 {
		q.From = 0
	}
	if q.Limit <= 0 {
		q.Limit = DefaultMessageLimit
	}
	return q
}

// Store is the persistence API used by the bot.
//
// Upserts replace the record with the same (owner, id). Find* with no ids
// returns every record of the owner.
type Store interface {
	UpsertRoom(ctx context.Context, r Room) error
	FindRooms(ctx context.Context, owner string, ids ...string) ([]Room, error)
	UpsertContact(ctx context.Context, c Contact) error
	FindContacts(ctx context.Context, owner string, ids ...string) ([]Contact, error)
	AddMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, owner, id string) (Message, error)
	FindMessages(ctx context.Context, owner string, q MessageQuery) ([]Message, error)
	Close() error
}
