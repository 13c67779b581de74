// Package session drives one user's chat session: connect, open a channel, load history, and retry on
// connectivity failures until a bound is reached.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coachchat/pkg/channel"
	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/transport"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 3 * time.Second

	cleanupTimeout = 5 * time.Second
)

// TokenIssuer hands out messaging tokens.
type TokenIssuer interface {
	IssueToken(ctx context.Context, userID string) (string, error)
}

// HistoryLoader returns the ranked conversation history of a user. It does not fail.
type HistoryLoader interface {
	Load(ctx context.Context, userID string) []chat.Conversation
}

// ClientFactory builds a fresh, unconnected transport client for each attempt.
type ClientFactory func() (transport.Client, error)

// Manager owns the messaging client and active channel of one user session.
type Manager struct {
	tokens     TokenIssuer
	newClient  ClientFactory
	lifecycle  *channel.Lifecycle
	loader     HistoryLoader
	maxRetries int
	retryDelay time.Duration

	// opMu serializes operations that replace the client or channel.
	opMu sync.Mutex

	mu           sync.Mutex
	status       Status
	retryCount   int
	lastErr      error
	user         chat.User
	client       transport.Client
	channel      transport.Channel
	history      []chat.Conversation
	initializing bool
	disposed     bool
	disposeCh    chan struct{}
	listeners    map[int]func(Snapshot)
	nextListener int
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxRetries bounds the attempts of one Initialize call.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// WithRetryDelay sets the pause between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.retryDelay = d
		}
	}
}

// WithLifecycle replaces the default channel lifecycle.
func WithLifecycle(l *channel.Lifecycle) Option {
	return func(m *Manager) {
		if l != nil {
			m.lifecycle = l
		}
	}
}

// WithHistory sets where conversation history is loaded from. Without it history stays empty.
func WithHistory(h HistoryLoader) Option {
	return func(m *Manager) { m.loader = h }
}

// NewManager returns an idle Manager. Each attempt builds its client with newClient.
func NewManager(tokens TokenIssuer, newClient ClientFactory, opts ...Option) (*Manager, error) {
	if tokens == nil {
		return nil, errors.New("session: token issuer is required")
	}
	if newClient == nil {
		return nil, errors.New("session: client factory is required")
	}
	m := &Manager{
		tokens:     tokens,
		newClient:  newClient,
		lifecycle:  channel.NewLifecycle(),
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		status:     StatusIdle,
		disposeCh:  make(chan struct{}),
		listeners:  map[int]func(Snapshot){},
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Subscribe registers fn for every state change. The returned func unregisters it.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Snapshot returns a copy of the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{
		Status:     m.status,
		RetryCount: m.retryCount,
		Err:        m.lastErr,
		User:       m.user,
		History:    append([]chat.Conversation(nil), m.history...),
		Disposed:   m.disposed,
	}
	if m.channel != nil {
		s.ChannelID = m.channel.ID()
	}
	return s
}

// ActiveChannel returns the watched channel, or nil.
func (m *Manager) ActiveChannel() transport.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

// update applies fn under the lock and notifies listeners. Nothing changes once the manager is disposed.
func (m *Manager) update(fn func()) bool {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return false
	}
	fn()
	snap := m.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()
	for _, l := range listeners {
		l(snap)
	}
	return true
}

func (m *Manager) setStatus(s Status) bool {
	return m.update(func() { m.status = s })
}

func (m *Manager) isDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// Initialize connects user and opens a fresh channel, retrying connectivity failures.
// It returns once the session is Ready or Failed, or the manager is disposed.
func (m *Manager) Initialize(ctx context.Context, user chat.User) (Snapshot, error) {
	m.mu.Lock()
	if m.disposed {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, ErrDisposed
	}
	if m.initializing {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, ErrInitializeInFlight
	}
	m.initializing = true
	m.retryCount = 0
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.initializing = false
		m.mu.Unlock()
	}()

	logger := log.With().Str("component", "session").Str("user_id", user.ID).Logger()

	for {
		snap, err := m.attemptOnce(ctx, user)
		if err == nil {
			logger.Info().Str("channel_id", snap.ChannelID).Msg("chat session ready")
			return snap, nil
		}
		if m.isDisposed() {
			logger.Debug().Err(err).Msg("initialization abandoned after dispose")
			return m.Snapshot(), ErrDisposed
		}
		if ctx.Err() != nil {
			return m.fail(ctx, errors.Wrap(ctx.Err(), "initialization cancelled"))
		}
		if !IsRetryable(err) {
			logger.Error().Err(err).Msg("chat initialization failed")
			return m.fail(ctx, err)
		}

		var exhausted bool
		m.update(func() {
			m.retryCount++
			m.lastErr = err
			if m.retryCount >= m.maxRetries {
				exhausted = true
				return
			}
			m.status = StatusFailing
		})
		if exhausted {
			logger.Error().Err(err).Int("attempts", m.maxRetries).Msg("chat initialization failed, giving up")
			return m.fail(ctx, errors.Wrapf(err, "failed to initialize chat after %d attempts", m.maxRetries))
		}
		logger.Warn().Err(err).Int("attempt", m.Snapshot().RetryCount).Dur("retry_in", m.retryDelay).Msg("chat initialization failed, retrying")

		if err := m.wait(ctx); err != nil {
			if errors.Is(err, ErrDisposed) {
				return m.Snapshot(), ErrDisposed
			}
			return m.fail(ctx, errors.Wrap(err, "initialization cancelled"))
		}
	}
}

// fail releases whatever the last attempt acquired and enters the terminal Failed state.
func (m *Manager) fail(ctx context.Context, err error) (Snapshot, error) {
	m.teardown(ctx)
	m.update(func() {
		m.status = StatusFailed
		m.lastErr = err
	})
	return m.Snapshot(), err
}

func (m *Manager) wait(ctx context.Context) error {
	t := time.NewTimer(m.retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-m.disposeCh:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attemptOnce runs attempt under opMu. A successful attempt also ends the initialization before opMu is
// released, so a concurrent Teardown sees either nothing or the whole Ready session.
func (m *Manager) attemptOnce(ctx context.Context, user chat.User) (Snapshot, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.attempt(ctx, user); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initializing = false
	return m.snapshotLocked(), nil
}

// attempt runs one pass of the initialization sequence. The previous session is always torn down first.
// Callers hold opMu.
func (m *Manager) attempt(ctx context.Context, user chat.User) error {
	m.teardown(ctx)
	if m.isDisposed() {
		return ErrDisposed
	}

	if strings.TrimSpace(user.ID) == "" {
		return &ValidationError{Field: "id"}
	}
	if strings.TrimSpace(user.DisplayName) == "" {
		return &ValidationError{Field: "display name"}
	}

	m.update(func() {
		m.status = StatusConnecting
		m.user = user
		m.lastErr = nil
		m.history = nil
	})

	client, err := m.newClient()
	if err != nil {
		return errors.Wrap(err, "failed to create messaging client")
	}
	if !m.adopt(ctx, client, nil) {
		return ErrDisposed
	}

	token, err := m.tokens.IssueToken(ctx, user.ID)
	if m.isDisposed() {
		return ErrDisposed
	}
	if err != nil {
		return &ConnectivityError{Op: "token", Err: err}
	}
	m.setStatus(StatusTokenAcquired)

	err = client.ConnectUser(ctx, transport.IdentityFor(user), token)
	if m.isDisposed() {
		return ErrDisposed
	}
	if err != nil {
		return &ConnectivityError{Op: "connect user", Err: err}
	}
	m.setStatus(StatusConnected)

	ch, err := m.lifecycle.EnsureChannel(ctx, client, user)
	if err != nil {
		if m.isDisposed() {
			return ErrDisposed
		}
		return &ConnectivityError{Op: "channel", Err: err}
	}
	if !m.adopt(ctx, nil, ch) {
		return ErrDisposed
	}
	m.setStatus(StatusChannelReady)

	var conversations []chat.Conversation
	if m.loader != nil {
		conversations = m.loader.Load(ctx, user.ID)
	}
	if !m.update(func() {
		m.history = conversations
		m.retryCount = 0
		m.lastErr = nil
		m.status = StatusReady
	}) {
		return ErrDisposed
	}
	return nil
}

// adopt stores freshly acquired resources. After Dispose it releases them instead and reports false.
func (m *Manager) adopt(ctx context.Context, client transport.Client, ch transport.Channel) bool {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		release(ctx, client, ch)
		return false
	}
	if client != nil {
		m.client = client
	}
	if ch != nil {
		m.channel = ch
	}
	m.mu.Unlock()
	return true
}

// teardown detaches the current client and channel and releases them.
func (m *Manager) teardown(ctx context.Context) {
	m.mu.Lock()
	client, ch := m.client, m.channel
	m.client, m.channel = nil, nil
	m.mu.Unlock()
	release(ctx, client, ch)
}

// release stops watching, unbinds listeners and disconnects, in that order. Failures are logged only.
func release(ctx context.Context, client transport.Client, ch transport.Channel) {
	if client == nil && ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if ch != nil {
		if err := ch.StopWatching(ctx); err != nil {
			log.Warn().Err(err).Str("component", "session").Str("channel_id", ch.ID()).Msg("failed to stop watching channel")
		}
		ch.Off()
	}
	if client != nil {
		if err := client.DisconnectUser(ctx); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("failed to disconnect user")
		}
	}
}

// Teardown releases the session. It is safe to call repeatedly or before Initialize.
func (m *Manager) Teardown(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.teardown(ctx)
	m.update(func() {
		if m.initializing {
			return
		}
		m.status = StatusIdle
		m.lastErr = nil
	})
}

// Dispose cancels any in-flight initialization and releases the session for good.
// No state changes are observable afterwards.
func (m *Manager) Dispose(ctx context.Context) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	close(m.disposeCh)
	client, ch := m.client, m.channel
	m.client, m.channel = nil, nil
	m.mu.Unlock()

	release(ctx, client, ch)
	log.Debug().Str("component", "session").Msg("session disposed")
}

// Retry re-runs initialization from Idle after a terminal failure. A zero user reuses the last one.
func (m *Manager) Retry(ctx context.Context, user chat.User) (Snapshot, error) {
	m.mu.Lock()
	if user.ID == "" && user.DisplayName == "" {
		user = m.user
	}
	m.mu.Unlock()
	m.update(func() {
		if m.initializing {
			return
		}
		m.retryCount = 0
		m.status = StatusIdle
	})
	return m.Initialize(ctx, user)
}

func (m *Manager) ready() (transport.Client, transport.Channel, chat.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, nil, chat.User{}, ErrDisposed
	}
	if m.initializing {
		return nil, nil, chat.User{}, ErrInitializeInFlight
	}
	if m.client == nil || !m.client.IsConnected() {
		return nil, nil, chat.User{}, ErrNoSession
	}
	return m.client, m.channel, m.user, nil
}

// SelectChannel resumes an existing conversation in place of the active one.
func (m *Manager) SelectChannel(ctx context.Context, channelID string) (transport.Channel, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if strings.TrimSpace(channelID) == "" {
		return nil, errors.New("select channel: empty channel id")
	}
	client, current, _, err := m.ready()
	if err != nil {
		return nil, err
	}
	ch, err := m.lifecycle.SelectChannel(ctx, client, current, channelID)
	if err != nil {
		// the previous channel is no longer watched at this point
		m.update(func() {
			if m.channel == current {
				m.channel = nil
			}
			m.lastErr = err
		})
		return nil, err
	}
	if !m.adopt(ctx, nil, ch) {
		return nil, ErrDisposed
	}
	m.update(func() { m.lastErr = nil })
	return ch, nil
}

// NewConversation stops the active channel and opens a fresh one on the connected client.
func (m *Manager) NewConversation(ctx context.Context) (transport.Channel, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	client, current, user, err := m.ready()
	if err != nil {
		return nil, err
	}
	if current != nil {
		release(ctx, nil, current)
		m.update(func() {
			if m.channel == current {
				m.channel = nil
			}
		})
	}
	ch, err := m.lifecycle.EnsureChannel(ctx, client, user)
	if err != nil {
		m.update(func() { m.lastErr = err })
		return nil, err
	}
	if !m.adopt(ctx, nil, ch) {
		return nil, ErrDisposed
	}
	m.update(func() { m.lastErr = nil })
	m.RefreshHistory(ctx)
	return ch, nil
}

// RefreshHistory reloads the conversation list without reconnecting.
func (m *Manager) RefreshHistory(ctx context.Context) []chat.Conversation {
	m.mu.Lock()
	userID := m.user.ID
	m.mu.Unlock()
	if m.loader == nil || userID == "" {
		return nil
	}
	conversations := m.loader.Load(ctx, userID)
	m.update(func() { m.history = conversations })
	return conversations
}
