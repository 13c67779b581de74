package streambus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/coachchat/pkg/transport"
)

const eventMessageNew = "message.new"

type envelope struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// Channel is a handle onto one topic of the bus.
type Channel struct {
	client *Client
	kind   string
	id     string
	data   transport.ChannelData

	// opMu serializes Watch and StopWatching.
	opMu sync.Mutex

	mu       sync.Mutex
	handlers []transport.Handler
	messages []chat.Message
	seen     map[string]struct{}
	watching bool
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ transport.Channel = &Channel{}

func newChannel(c *Client, kind, id string, data transport.ChannelData) *Channel {
	return &Channel{
		client: c,
		kind:   strings.TrimSpace(kind),
		id:     strings.TrimSpace(id),
		data:   data,
		seen:   map[string]struct{}{},
	}
}

func (ch *Channel) ID() string { return ch.id }

func (ch *Channel) key() string { return ch.kind + ":" + ch.id }

func (ch *Channel) topic() string { return topicFor(ch.kind, ch.id) }

func (ch *Channel) record(createdBy string) chatstore.ChannelRecord {
	members := make([]string, 0, len(ch.data.Members)+1)
	seen := map[string]bool{}
	for _, m := range append(append([]string(nil), ch.data.Members...), createdBy) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		members = append(members, m)
	}
	return chatstore.ChannelRecord{
		ID:          ch.id,
		Kind:        ch.kind,
		Name:        ch.data.Name,
		Members:     members,
		CreatedBy:   createdBy,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

// Create registers the channel. It fails with transport.ErrChannelExists when the channel is already known.
func (ch *Channel) Create(ctx context.Context) error {
	identity, err := ch.client.currentIdentity()
	if err != nil {
		return err
	}
	if ch.id == "" {
		return errors.New("streambus: create: empty channel id")
	}
	if err := ch.client.store.Create(ctx, ch.record(identity.ID)); err != nil {
		return errors.Wrap(err, "streambus: create channel")
	}
	return nil
}

// Watch subscribes to the channel topic, creating the channel first if it is unknown.
func (ch *Channel) Watch(ctx context.Context) error {
	identity, err := ch.client.currentIdentity()
	if err != nil {
		return err
	}
	if ch.id == "" {
		return errors.New("streambus: watch: empty channel id")
	}

	ch.opMu.Lock()
	defer ch.opMu.Unlock()

	ch.mu.Lock()
	watching := ch.watching
	ch.mu.Unlock()
	if watching {
		return nil
	}

	_, ok, err := ch.client.store.Get(ctx, ch.kind, ch.id)
	if err != nil {
		return errors.Wrap(err, "streambus: watch: lookup channel")
	}
	if !ok {
		if err := ch.client.store.Create(ctx, ch.record(identity.ID)); err != nil && !errors.Is(err, transport.ErrChannelExists) {
			return errors.Wrap(err, "streambus: watch: create channel")
		}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	msgs, err := ch.client.sub.Subscribe(readCtx, ch.topic())
	if err != nil {
		cancel()
		return errors.Wrap(err, "streambus: watch: subscribe")
	}

	done := make(chan struct{})
	ch.mu.Lock()
	ch.watching = true
	ch.cancel = cancel
	ch.done = done
	ch.messages = nil
	ch.seen = map[string]struct{}{}
	ch.mu.Unlock()

	log.Debug().Str("component", "streambus").Str("channel_id", ch.id).Str("topic", ch.topic()).Msg("watching channel")
	go ch.read(msgs, done)
	return nil
}

func (ch *Channel) read(msgs <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for msg := range msgs {
		var env envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			log.Warn().Err(err).Str("component", "streambus").Str("channel_id", ch.id).Msg("failed to decode channel event")
			msg.Ack()
			continue
		}
		if env.Type != eventMessageNew {
			msg.Ack()
			continue
		}

		ch.mu.Lock()
		if _, dup := ch.seen[env.Message.ID]; dup {
			ch.mu.Unlock()
			msg.Ack()
			continue
		}
		ch.seen[env.Message.ID] = struct{}{}
		ch.messages = append(ch.messages, env.Message)
		handlers := append([]transport.Handler(nil), ch.handlers...)
		ch.mu.Unlock()

		for _, h := range handlers {
			h(env.Message)
		}
		msg.Ack()
	}
}

func (ch *Channel) SendMessage(ctx context.Context, out transport.OutgoingMessage) (chat.Message, error) {
	identity, err := ch.client.currentIdentity()
	if err != nil {
		return chat.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	author := out.User
	if author.ID == "" {
		author = identity
	}
	role := chat.RoleAgent
	if author.ID == identity.ID {
		role = chat.RoleUser
	}
	m := chat.Message{
		ID:        uuid.NewString(),
		Text:      out.Text,
		Author:    chat.Author{ID: author.ID, DisplayName: author.Name},
		CreatedAt: time.Now().UTC(),
		Role:      role,
	}
	payload, err := json.Marshal(envelope{Type: eventMessageNew, Message: m})
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "streambus: encode message")
	}
	wm := message.NewMessage(m.ID, payload)
	wm.Metadata.Set("channel_id", ch.id)
	if err := ch.client.pub.Publish(ch.topic(), wm); err != nil {
		return chat.Message{}, errors.Wrap(err, "streambus: publish message")
	}
	return m, nil
}

// StopWatching cancels the subscription and waits for the reader to drain.
func (ch *Channel) StopWatching(ctx context.Context) error {
	ch.opMu.Lock()
	defer ch.opMu.Unlock()

	ch.mu.Lock()
	if !ch.watching {
		ch.mu.Unlock()
		return nil
	}
	cancel, done := ch.cancel, ch.done
	ch.watching = false
	ch.cancel = nil
	ch.done = nil
	ch.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "streambus: stop watching")
	}
}

func (ch *Channel) On(h transport.Handler) {
	if h == nil {
		return
	}
	ch.mu.Lock()
	ch.handlers = append(ch.handlers, h)
	ch.mu.Unlock()
}

func (ch *Channel) Off() {
	ch.mu.Lock()
	ch.handlers = nil
	ch.mu.Unlock()
}

func (ch *Channel) Messages() []chat.Message {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]chat.Message(nil), ch.messages...)
}
