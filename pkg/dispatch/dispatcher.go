// Package dispatch sends user messages into the active channel and answers them with the coach's reply.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/chatapi"
	"github.com/go-go-golems/coachchat/pkg/transport"
)

const (
	DefaultInferenceTimeout = 60 * time.Second

	replySendTimeout = 5 * time.Second
)

// Inference produces the agent reply for a user message.
type Inference interface {
	DispatchMessage(ctx context.Context, req chatapi.MessageRequest) (string, error)
}

// Result describes what Send did.
type Result struct {
	Skipped     bool
	UserMessage *chat.Message
	Reply       *chat.Message
	// Fallback is set when the reply is the apology text.
	Fallback bool
	Err      error
}

// Dispatcher sends one user turn at a time and tracks the pending indicator and draft.
type Dispatcher struct {
	inference Inference
	agent     chat.User
	fallback  string
	timeout   time.Duration

	mu        sync.Mutex
	pending   bool
	draft     string
	listeners []func(pending bool)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAgent sets the identity replies are sent as.
func WithAgent(agent chat.User) Option {
	return func(d *Dispatcher) {
		if agent.ID != "" {
			d.agent = agent
		}
	}
}

// WithFallbackText overrides the apology sent when inference fails. Blank text keeps the default.
func WithFallbackText(text string) Option {
	return func(d *Dispatcher) {
		if strings.TrimSpace(text) != "" {
			d.fallback = text
		}
	}
}

// WithInferenceTimeout bounds the inference call. Zero disables the bound.
func WithInferenceTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher returns a Dispatcher answering through inference.
func NewDispatcher(inference Inference, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		inference: inference,
		agent:     chat.Agent("", ""),
		fallback:  chat.FallbackText,
		timeout:   DefaultInferenceTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetDraft stores the unsent input text. Send clears it.
func (d *Dispatcher) SetDraft(text string) {
	d.mu.Lock()
	d.draft = text
	d.mu.Unlock()
}

// Draft returns the unsent input text.
func (d *Dispatcher) Draft() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draft
}

// Pending reports whether a reply is being waited for.
func (d *Dispatcher) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// OnPending registers a listener for pending indicator changes.
func (d *Dispatcher) OnPending(fn func(pending bool)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *Dispatcher) setPending(p bool) {
	d.mu.Lock()
	if d.pending == p {
		d.mu.Unlock()
		return
	}
	d.pending = p
	listeners := append([]func(bool){}, d.listeners...)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(p)
	}
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.draft = ""
	d.mu.Unlock()
	d.setPending(false)
}

// Send posts text as user into ch, then posts the agent reply or, when inference fails, the fallback apology.
// Whitespace-only text is ignored. Send never returns an error; Result.Err carries what went wrong.
func (d *Dispatcher) Send(ctx context.Context, ch transport.Channel, text string, user chat.User) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Skipped: true}
	}
	if ch == nil {
		log.Warn().Str("component", "dispatch").Msg("no active channel, message dropped")
		return Result{Skipped: true, Err: errors.New("no active channel")}
	}

	d.setPending(true)
	defer d.finish()

	logger := log.With().Str("component", "dispatch").Str("channel_id", ch.ID()).Logger()

	sent, err := ch.SendMessage(ctx, transport.OutgoingMessage{Text: text, User: transport.IdentityFor(user)})
	if err != nil {
		logger.Error().Err(err).Msg("failed to send user message")
		return Result{Err: errors.Wrap(err, "send user message")}
	}
	res := Result{UserMessage: &sent}

	reply, err := d.infer(ctx, chatapi.MessageRequest{UserID: user.ID, Message: text, ChannelID: ch.ID()})
	if err != nil {
		logger.Warn().Err(err).Msg("inference failed, sending fallback reply")
		res.Err = err
		res.Fallback = true
		reply = d.fallback
	}

	// the agent turn must land even when the caller's ctx expired during inference
	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replySendTimeout)
	defer cancel()
	agentMsg, err := ch.SendMessage(replyCtx, transport.OutgoingMessage{Text: reply, User: transport.IdentityFor(d.agent)})
	if err != nil {
		logger.Error().Err(err).Bool("fallback", res.Fallback).Msg("failed to send agent reply")
		if res.Err == nil {
			res.Err = errors.Wrap(err, "send agent reply")
		}
		return res
	}
	res.Reply = &agentMsg
	return res
}

func (d *Dispatcher) infer(ctx context.Context, req chatapi.MessageRequest) (string, error) {
	if d.inference == nil {
		return "", errors.New("no inference backend configured")
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	reply, err := d.inference.DispatchMessage(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", errors.New("empty ai response")
	}
	return reply, nil
}
