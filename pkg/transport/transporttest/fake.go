// Package transporttest provides an in-process transport.Client that records every call, for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/transport"
)

// Client is a scriptable transport.Client. Error fields apply to every call until changed.
type Client struct {
	mu sync.Mutex

	ConnectErr    error
	DisconnectErr error
	// Per-channel defaults copied onto each handle created through Channel.
	CreateErr error
	WatchErr  error
	SendErr   error
	StopErr   error

	identity *transport.Identity
	token    string
	calls    []string
	channels []*Channel
}

var _ transport.Client = &Client{}

func NewClient() *Client { return &Client{} }

func (c *Client) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

// Calls returns the ordered log of calls, e.g. "connect:ana", "create:ana-1", "stop:ana-1", "disconnect".
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *Client) Identity() (transport.Identity, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return transport.Identity{}, "", false
	}
	return *c.identity, c.token, true
}

// Channels returns every handle handed out, oldest first.
func (c *Client) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

func (c *Client) ConnectUser(_ context.Context, identity transport.Identity, token string) error {
	c.record("connect:" + identity.ID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	id := identity
	c.identity = &id
	c.token = token
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity != nil
}

func (c *Client) Channel(kind, id string, data transport.ChannelData) transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := &Channel{
		client:    c,
		Kind:      kind,
		id:        id,
		Data:      data,
		createErr: c.CreateErr,
		watchErr:  c.WatchErr,
		sendErr:   c.SendErr,
		stopErr:   c.StopErr,
	}
	c.channels = append(c.channels, ch)
	return ch
}

func (c *Client) DisconnectUser(_ context.Context) error {
	c.record("disconnect")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = nil
	return c.DisconnectErr
}

// Channel is the handle returned by Client.Channel.
type Channel struct {
	client *Client
	Kind   string
	Data   transport.ChannelData
	id     string

	mu        sync.Mutex
	createErr error
	watchErr  error
	sendErr   error
	stopErr   error
	watching  bool
	handlers  []transport.Handler
	sent      []transport.OutgoingMessage
	messages  []chat.Message
}

var _ transport.Channel = &Channel{}

func (ch *Channel) ID() string { return ch.id }

func (ch *Channel) Create(_ context.Context) error {
	ch.client.record("create:" + ch.id)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.createErr
}

func (ch *Channel) Watch(_ context.Context) error {
	ch.client.record("watch:" + ch.id)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.watchErr != nil {
		return ch.watchErr
	}
	ch.watching = true
	return nil
}

// SendMessage records the message and, on success, delivers it to bound handlers synchronously.
func (ch *Channel) SendMessage(_ context.Context, out transport.OutgoingMessage) (chat.Message, error) {
	ch.client.record("send:" + ch.id)
	ch.mu.Lock()
	ch.sent = append(ch.sent, out)
	if ch.sendErr != nil {
		err := ch.sendErr
		ch.mu.Unlock()
		return chat.Message{}, err
	}
	identity, _, _ := ch.client.Identity()
	role := chat.RoleAgent
	if out.User.ID == identity.ID {
		role = chat.RoleUser
	}
	m := chat.Message{
		ID:        uuid.NewString(),
		Text:      out.Text,
		Author:    chat.Author{ID: out.User.ID, DisplayName: out.User.Name},
		CreatedAt: time.Now().UTC(),
		Role:      role,
	}
	ch.messages = append(ch.messages, m)
	handlers := append([]transport.Handler(nil), ch.handlers...)
	ch.mu.Unlock()

	for _, h := range handlers {
		h(m)
	}
	return m, nil
}

func (ch *Channel) StopWatching(_ context.Context) error {
	ch.client.record("stop:" + ch.id)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.watching = false
	return ch.stopErr
}

func (ch *Channel) On(h transport.Handler) {
	ch.mu.Lock()
	ch.handlers = append(ch.handlers, h)
	ch.mu.Unlock()
}

func (ch *Channel) Off() {
	ch.client.record("off:" + ch.id)
	ch.mu.Lock()
	ch.handlers = nil
	ch.mu.Unlock()
}

func (ch *Channel) Messages() []chat.Message {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]chat.Message(nil), ch.messages...)
}

// Sent returns every message passed to SendMessage, including failed attempts.
func (ch *Channel) Sent() []transport.OutgoingMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]transport.OutgoingMessage(nil), ch.sent...)
}

func (ch *Channel) Watching() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.watching
}

func (ch *Channel) HandlerCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.handlers)
}

func (ch *Channel) SetSendErr(err error) {
	ch.mu.Lock()
	ch.sendErr = err
	ch.mu.Unlock()
}
