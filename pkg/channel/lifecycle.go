// Package channel provisions and resumes the conversation channel between a user and the coach agent.
package channel

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/transport"
)

// Registrar records a channel with the coaching backend.
type Registrar interface {
	RegisterChannel(ctx context.Context, learnerID, coachID, channelID string) (string, error)
}

// Lifecycle opens fresh conversation channels and switches between existing ones.
type Lifecycle struct {
	registrar Registrar
	agent     chat.User
	welcome   string
	kind      string
	ids       *chat.ChannelIDSource
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithRegistrar records every new channel with the backend.
func WithRegistrar(r Registrar) Option {
	return func(l *Lifecycle) { l.registrar = r }
}

// WithAgent sets the coach identity added to channels and used for the welcome.
func WithAgent(agent chat.User) Option {
	return func(l *Lifecycle) {
		if agent.ID != "" {
			l.agent = agent
		}
	}
}

// WithWelcomeText overrides the greeting sent into new channels. An empty text disables it.
func WithWelcomeText(text string) Option {
	return func(l *Lifecycle) { l.welcome = text }
}

// WithClock sets the time source for channel ids.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.ids = chat.NewChannelIDSource(now) }
}

// WithKind overrides the channel kind.
func WithKind(kind string) Option {
	return func(l *Lifecycle) {
		if kind != "" {
			l.kind = kind
		}
	}
}

// NewLifecycle returns a Lifecycle with the default agent, welcome text and channel kind.
func NewLifecycle(opts ...Option) *Lifecycle {
	l := &Lifecycle{
		agent:   chat.Agent("", ""),
		welcome: chat.WelcomeText,
		kind:    chat.ChannelKind,
		ids:     chat.NewChannelIDSource(nil),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Agent returns the coach identity.
func (l *Lifecycle) Agent() chat.User { return l.agent }

func (l *Lifecycle) channelData(user chat.User) transport.ChannelData {
	return transport.ChannelData{
		Name:    chat.ChannelName,
		Image:   l.agent.AvatarURL(),
		Members: []string{user.ID, l.agent.ID},
	}
}

// EnsureChannel opens a fresh conversation for user and returns the watched handle.
//
// A failing Create is tolerated since the channel may already exist; a failing Watch fails the call.
// Backend registration and the welcome message are best-effort.
func (l *Lifecycle) EnsureChannel(ctx context.Context, client transport.Client, user chat.User) (transport.Channel, error) {
	if client == nil || !client.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	id := l.ids.Next(user.ID)
	ch := client.Channel(l.kind, id, l.channelData(user))
	logger := log.With().Str("component", "channel").Str("channel_id", id).Logger()

	if err := ch.Create(ctx); err != nil {
		logger.Warn().Err(err).Msg("channel create failed, trying watch")
	}
	if err := ch.Watch(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to channel %s", id)
	}
	logger.Info().Msg("channel ready")

	if l.registrar != nil {
		if _, err := l.registrar.RegisterChannel(ctx, user.ID, l.agent.ID, id); err != nil {
			logger.Warn().Err(err).Msg("backend channel registration failed")
		}
	}

	if strings.TrimSpace(l.welcome) != "" {
		if _, err := ch.SendMessage(ctx, transport.OutgoingMessage{Text: l.welcome, User: transport.IdentityFor(l.agent)}); err != nil {
			logger.Warn().Err(err).Msg("failed to send welcome message")
		}
	}
	return ch, nil
}

// SelectChannel stops watching current, if any, and watches channelID instead.
func (l *Lifecycle) SelectChannel(ctx context.Context, client transport.Client, current transport.Channel, channelID string) (transport.Channel, error) {
	if client == nil || !client.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, errors.New("select channel: empty channel id")
	}

	if current != nil {
		if err := current.StopWatching(ctx); err != nil {
			log.Warn().Err(err).Str("component", "channel").Str("channel_id", current.ID()).Msg("failed to stop watching channel")
		}
		current.Off()
	}

	ch := client.Channel(l.kind, channelID, transport.ChannelData{Name: chat.ChannelName})
	if err := ch.Watch(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to open channel %s", channelID)
	}
	log.Info().Str("component", "channel").Str("channel_id", channelID).Msg("switched channel")
	return ch, nil
}
