// Package streambus implements the transport port on top of watermill publishers and subscribers.
//
// Each channel maps to one topic ("chat:{kind}:{id}"); channel existence is tracked in a chatstore.ChannelStore.
// With the persistent in-memory gochannel or Redis Streams, watching a channel replays its earlier messages.
package streambus

import (
	"context"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coachchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/coachchat/pkg/transport"
)

// TokenVerifier checks the token presented on ConnectUser. Nil accepts any non-empty token.
type TokenVerifier func(userID, token string) error

type Client struct {
	pub    message.Publisher
	sub    message.Subscriber
	store  chatstore.ChannelStore
	verify TokenVerifier

	mu       sync.Mutex
	identity *transport.Identity
	channels map[string]*Channel
}

var _ transport.Client = &Client{}

type ClientOption func(*Client)

func WithTokenVerifier(v TokenVerifier) ClientOption {
	return func(c *Client) { c.verify = v }
}

func NewClient(pub message.Publisher, sub message.Subscriber, store chatstore.ChannelStore, opts ...ClientOption) (*Client, error) {
	if pub == nil || sub == nil {
		return nil, errors.New("streambus: publisher and subscriber are required")
	}
	if store == nil {
		return nil, errors.New("streambus: channel store is required")
	}
	c := &Client{pub: pub, sub: sub, store: store, channels: map[string]*Channel{}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) ConnectUser(ctx context.Context, identity transport.Identity, token string) error {
	if strings.TrimSpace(identity.ID) == "" {
		return errors.New("streambus: connect: empty user id")
	}
	if strings.TrimSpace(token) == "" {
		return errors.New("streambus: connect: empty token")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.verify != nil {
		if err := c.verify(identity.ID, token); err != nil {
			return errors.Wrap(err, "streambus: connect: token rejected")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != nil && c.identity.ID != identity.ID {
		return errors.Errorf("streambus: connect: user %q already connected, disconnect first", c.identity.ID)
	}
	id := identity
	c.identity = &id
	log.Debug().Str("component", "streambus").Str("user_id", identity.ID).Msg("user connected")
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity != nil
}

func (c *Client) currentIdentity() (transport.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return transport.Identity{}, transport.ErrNotConnected
	}
	return *c.identity, nil
}

func (c *Client) Channel(kind, id string, data transport.ChannelData) transport.Channel {
	ch := newChannel(c, kind, id, data)
	c.mu.Lock()
	c.channels[ch.key()] = ch
	c.mu.Unlock()
	return ch
}

// DisconnectUser stops every watch opened through this client and forgets the identity.
func (c *Client) DisconnectUser(ctx context.Context) error {
	c.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = map[string]*Channel{}
	userID := ""
	if c.identity != nil {
		userID = c.identity.ID
	}
	c.identity = nil
	c.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		ch.Off()
		if err := ch.StopWatching(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if userID != "" {
		log.Debug().Str("component", "streambus").Str("user_id", userID).Msg("user disconnected")
	}
	return firstErr
}

func topicFor(kind, id string) string { return "chat:" + kind + ":" + id }
