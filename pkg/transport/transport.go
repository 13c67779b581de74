// Package transport defines the capability contract every messaging backend adapter must satisfy.
//
// The session code only talks to Client and Channel; it never looks up a global client.
package transport

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/coachchat/pkg/chat"
)

var (
	ErrNotConnected  = errors.New("transport: user is not connected")
	ErrChannelExists = errors.New("transport: channel already exists")
)

// Identity is the user presented to the messaging backend on connect.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

func IdentityFor(u chat.User) Identity {
	return Identity{ID: u.ID, Name: u.DisplayName, Image: u.AvatarURL()}
}

// ChannelData is the descriptive payload attached to a channel on creation.
type ChannelData struct {
	Name    string   `json:"name"`
	Image   string   `json:"image,omitempty"`
	Members []string `json:"members,omitempty"`
}

// OutgoingMessage is a message as handed to Channel.SendMessage.
type OutgoingMessage struct {
	Text string
	User Identity
}

// Handler receives messages observed on a watched channel.
type Handler func(chat.Message)

type Client interface {
	ConnectUser(ctx context.Context, identity Identity, token string) error
	IsConnected() bool
	// Channel returns a handle; it does not contact the backend.
	Channel(kind, id string, data ChannelData) Channel
	DisconnectUser(ctx context.Context) error
}

type Channel interface {
	ID() string
	Create(ctx context.Context) error
	Watch(ctx context.Context) error
	SendMessage(ctx context.Context, msg OutgoingMessage) (chat.Message, error)
	StopWatching(ctx context.Context) error
	// On registers a handler for messages arriving while the channel is watched.
	On(h Handler)
	// Off unbinds every registered handler.
	Off()
	// Messages returns the messages seen since Watch, oldest first.
	Messages() []chat.Message
}
