package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/coachchat/pkg/channel"
	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/history"
	"github.com/go-go-golems/coachchat/pkg/transport"
	"github.com/go-go-golems/coachchat/pkg/transport/transporttest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTokens struct {
	mu      sync.Mutex
	token   string
	errs    []error
	calls   int
	started chan struct{}
	release chan struct{}
}

func (f *fakeTokens) IssueToken(ctx context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return f.token, nil
}

func (f *fakeTokens) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFactory struct {
	mu      sync.Mutex
	clients []*transporttest.Client
	setup   func(*transporttest.Client)
}

func (f *fakeFactory) New() (transport.Client, error) {
	c := transporttest.NewClient()
	if f.setup != nil {
		f.setup(c)
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) Clients() []*transporttest.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transporttest.Client(nil), f.clients...)
}

type fakeMemory struct {
	entries []chat.Conversation
	err     error
}

func (f *fakeMemory) FetchHistory(context.Context, string) ([]chat.Conversation, error) {
	return f.entries, f.err
}

var ana = chat.User{ID: "ana", DisplayName: "Ana"}

func newManager(t *testing.T, tokens *fakeTokens, factory *fakeFactory, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithRetryDelay(time.Millisecond),
		WithLifecycle(channel.NewLifecycle(channel.WithClock(func() time.Time { return time.UnixMilli(1700000000000) }))),
	}
	m, err := NewManager(tokens, factory.New, append(base, opts...)...)
	require.NoError(t, err)
	return m
}

func TestInitializeAnaScenario(t *testing.T) {
	tokens := &fakeTokens{token: "t1"}
	factory := &fakeFactory{setup: func(c *transporttest.Client) {
		c.CreateErr = errors.New("channel create rejected")
	}}
	memory := &fakeMemory{entries: []chat.Conversation{
		{ChannelID: "ana-1699999999000", Messages: []chat.Message{{Text: "hi", Role: chat.RoleUser}}},
		{ChannelID: "ana-1699999999000", Messages: []chat.Message{{Text: "hello", Role: chat.RoleAgent}}},
	}}
	m := newManager(t, tokens, factory, WithHistory(history.NewAggregator(memory)))

	var seen []Status
	unsubscribe := m.Subscribe(func(s Snapshot) {
		if len(seen) == 0 || seen[len(seen)-1] != s.Status {
			seen = append(seen, s.Status)
		}
	})
	defer unsubscribe()

	snap, err := m.Initialize(context.Background(), ana)
	require.NoError(t, err)
	require.Equal(t, StatusReady, snap.Status)
	require.Equal(t, "ana-1700000000000", snap.ChannelID)
	require.Equal(t, 0, snap.RetryCount)
	require.Equal(t, []Status{StatusConnecting, StatusTokenAcquired, StatusConnected, StatusChannelReady, StatusReady}, seen)

	client := factory.Clients()[0]
	identity, token, ok := client.Identity()
	require.True(t, ok)
	require.Equal(t, "t1", token)
	require.Equal(t, transport.Identity{ID: "ana", Name: "Ana", Image: ana.AvatarURL()}, identity)

	ch := client.Channels()[0]
	require.True(t, ch.Watching())
	require.Len(t, ch.Sent(), 1)
	require.Equal(t, chat.WelcomeText, ch.Sent()[0].Text)

	require.Len(t, snap.History, 1)
	require.Equal(t, "ana-1699999999000", snap.History[0].ChannelID)
	require.Len(t, snap.History[0].Messages, 2)

	m.Teardown(context.Background())
}

func TestInitializeValidationMakesNoCalls(t *testing.T) {
	for _, u := range []chat.User{{}, {ID: "ana"}, {DisplayName: "Ana"}, {ID: "  ", DisplayName: "Ana"}, {ID: "ana", DisplayName: "\t"}} {
		tokens := &fakeTokens{token: "t1"}
		factory := &fakeFactory{}
		m := newManager(t, tokens, factory)

		snap, err := m.Initialize(context.Background(), u)
		var ve *ValidationError
		require.True(t, errors.As(err, &ve), "user %+v", u)
		require.Equal(t, StatusFailed, snap.Status)
		require.Equal(t, 0, snap.RetryCount)
		require.Equal(t, 0, tokens.Calls())
		require.Empty(t, factory.Clients())
	}
}

func TestInitializeRetriesAreBounded(t *testing.T) {
	netErr := errors.New("network error calling POST /chat/token/")
	tokens := &fakeTokens{errs: []error{netErr, netErr, netErr, netErr, netErr}}
	factory := &fakeFactory{}
	m := newManager(t, tokens, factory)

	var maxRetry int
	m.Subscribe(func(s Snapshot) {
		if s.RetryCount > maxRetry {
			maxRetry = s.RetryCount
		}
	})

	snap, err := m.Initialize(context.Background(), ana)
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 3 attempts")
	require.Equal(t, StatusFailed, snap.Status)
	require.Equal(t, 3, snap.RetryCount)
	require.Equal(t, 3, maxRetry)
	require.Equal(t, 3, tokens.Calls())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, tokens.Calls())

	// every attempt tore down the previous client before building a new one
	for _, c := range factory.Clients()[:2] {
		require.Contains(t, c.Calls(), "disconnect")
	}
}

func TestInitializeRecoversAfterRetry(t *testing.T) {
	tokens := &fakeTokens{token: "t1", errs: []error{errors.New("request timeout")}}
	factory := &fakeFactory{}
	m := newManager(t, tokens, factory)

	snap, err := m.Initialize(context.Background(), ana)
	require.NoError(t, err)
	require.Equal(t, StatusReady, snap.Status)
	require.Equal(t, 0, snap.RetryCount)
	require.Len(t, factory.Clients(), 2)
	m.Teardown(context.Background())
}

func TestWatchFailureIsRetriedWithCause(t *testing.T) {
	tokens := &fakeTokens{token: "t1"}
	factory := &fakeFactory{setup: func(c *transporttest.Client) {
		c.CreateErr = errors.New("create failed")
		c.WatchErr = errors.New("watch refused")
	}}
	m := newManager(t, tokens, factory)

	snap, err := m.Initialize(context.Background(), ana)
	require.Error(t, err)
	require.Equal(t, StatusFailed, snap.Status)
	require.Contains(t, snap.ErrorMessage(), "watch refused")
	require.Len(t, factory.Clients(), 3)
}

func TestUnclassifiedErrorIsFatal(t *testing.T) {
	tokens := &fakeTokens{token: "t1"}
	calls := 0
	m, err := NewManager(tokens, func() (transport.Client, error) {
		calls++
		return nil, errors.New("unsupported transport kind")
	}, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	snap, err := m.Initialize(context.Background(), ana)
	require.Error(t, err)
	require.Equal(t, StatusFailed, snap.Status)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, tokens.Calls())
}

func TestTeardownIsIdempotent(t *testing.T) {
	m := newManager(t, &fakeTokens{token: "t1"}, &fakeFactory{})
	m.Teardown(context.Background())
	m.Teardown(context.Background())
	require.Equal(t, StatusIdle, m.Snapshot().Status)

	factory := &fakeFactory{}
	m = newManager(t, &fakeTokens{token: "t1"}, factory)
	_, err := m.Initialize(context.Background(), ana)
	require.NoError(t, err)

	m.Teardown(context.Background())
	client := factory.Clients()[0]
	after := client.Calls()
	require.Equal(t, []string{"stop:ana-1700000000000", "off:ana-1700000000000", "disconnect"}, after[len(after)-3:])

	m.Teardown(context.Background())
	require.Equal(t, after, client.Calls())
	require.Equal(t, StatusIdle, m.Snapshot().Status)
	require.Nil(t, m.ActiveChannel())
}

func TestTeardownRacingReadyLeavesConsistentState(t *testing.T) {
	factory := &fakeFactory{}
	m := newManager(t, &fakeTokens{token: "t1"}, factory)

	var once sync.Once
	tornDown := make(chan struct{})
	unsubscribe := m.Subscribe(func(s Snapshot) {
		if s.Status != StatusReady {
			return
		}
		once.Do(func() {
			go func() {
				defer close(tornDown)
				m.Teardown(context.Background())
			}()
		})
	})
	defer unsubscribe()

	snap, err := m.Initialize(context.Background(), ana)
	require.NoError(t, err)
	require.Equal(t, StatusReady, snap.Status)
	require.Equal(t, "ana-1700000000000", snap.ChannelID)

	<-tornDown
	after := m.Snapshot()
	require.Equal(t, StatusIdle, after.Status)
	require.Empty(t, after.ChannelID)
	require.Nil(t, m.ActiveChannel())
	require.False(t, factory.Clients()[0].IsConnected())
}

func TestReinitializeTearsDownPreviousSession(t *testing.T) {
	factory := &fakeFactory{}
	m := newManager(t, &fakeTokens{token: "t1"}, factory)
	_, err := m.Initialize(context.Background(), ana)
	require.NoError(t, err)
	_, err = m.Initialize(context.Background(), ana)
	require.NoError(t, err)

	clients := factory.Clients()
	require.Len(t, clients, 2)
	require.Contains(t, clients[0].Calls(), "disconnect")
	require.False(t, clients[0].IsConnected())
	require.True(t, clients[1].IsConnected())
	m.Teardown(context.Background())
}

func TestConcurrentInitializeIsRejected(t *testing.T) {
	tokens := &fakeTokens{token: "t1", started: make(chan struct{}, 1), release: make(chan struct{})}
	m := newManager(t, tokens, &fakeFactory{})

	done := make(chan error, 1)
	go func() {
		_, err := m.Initialize(context.Background(), ana)
		done <- err
	}()
	<-tokens.started

	_, err := m.Initialize(context.Background(), ana)
	require.ErrorIs(t, err, ErrInitializeInFlight)

	close(tokens.release)
	require.NoError(t, <-done)
	m.Teardown(context.Background())
}

func TestDisposeDuringInitializeSuppressesTransitions(t *testing.T) {
	tokens := &fakeTokens{token: "t1", started: make(chan struct{}, 1), release: make(chan struct{})}
	factory := &fakeFactory{}
	m := newManager(t, tokens, factory)

	done := make(chan error, 1)
	go func() {
		_, err := m.Initialize(context.Background(), ana)
		done <- err
	}()
	<-tokens.started
	before := m.Snapshot()
	require.Equal(t, StatusConnecting, before.Status)

	m.Dispose(context.Background())
	close(tokens.release)
	require.ErrorIs(t, <-done, ErrDisposed)

	after := m.Snapshot()
	require.Equal(t, StatusConnecting, after.Status)
	require.True(t, after.Disposed)
	require.Equal(t, 1, tokens.Calls())

	client := factory.Clients()[0]
	require.Equal(t, []string{"disconnect"}, client.Calls())

	_, err := m.Initialize(context.Background(), ana)
	require.ErrorIs(t, err, ErrDisposed)
}

func TestDisposeCancelsScheduledRetry(t *testing.T) {
	tokens := &fakeTokens{errs: []error{errors.New("token service unavailable")}}
	m := newManager(t, tokens, &fakeFactory{}, WithRetryDelay(time.Hour))

	failing := make(chan struct{}, 1)
	m.Subscribe(func(s Snapshot) {
		if s.Status == StatusFailing {
			failing <- struct{}{}
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := m.Initialize(context.Background(), ana)
		done <- err
	}()
	<-failing
	m.Dispose(context.Background())
	require.ErrorIs(t, <-done, ErrDisposed)
	require.Equal(t, 1, tokens.Calls())
}

func TestContextCancelFailsInitialize(t *testing.T) {
	tokens := &fakeTokens{errs: []error{errors.New("connect refused")}}
	m := newManager(t, tokens, &fakeFactory{}, WithRetryDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	m.Subscribe(func(s Snapshot) {
		if s.Status == StatusFailing {
			cancel()
		}
	})
	snap, err := m.Initialize(ctx, ana)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StatusFailed, snap.Status)
	cancel()
}

func TestRetryResetsCount(t *testing.T) {
	netErr := errors.New("network down")
	tokens := &fakeTokens{token: "t1", errs: []error{netErr, netErr, netErr}}
	m := newManager(t, tokens, &fakeFactory{})

	snap, err := m.Initialize(context.Background(), ana)
	require.Error(t, err)
	require.Equal(t, StatusFailed, snap.Status)

	snap, err = m.Retry(context.Background(), chat.User{})
	require.NoError(t, err)
	require.Equal(t, StatusReady, snap.Status)
	require.Equal(t, 0, snap.RetryCount)
	require.Equal(t, 4, tokens.Calls())
	m.Teardown(context.Background())
}

func TestSelectAndNewConversation(t *testing.T) {
	factory := &fakeFactory{}
	memory := &fakeMemory{}
	m := newManager(t, &fakeTokens{token: "t1"}, factory, WithHistory(history.NewAggregator(memory)))

	_, err := m.SelectChannel(context.Background(), "ana-1699999999000")
	require.ErrorIs(t, err, ErrNoSession)

	_, err = m.Initialize(context.Background(), ana)
	require.NoError(t, err)

	ch, err := m.SelectChannel(context.Background(), "ana-1699999999000")
	require.NoError(t, err)
	require.Equal(t, "ana-1699999999000", ch.ID())
	require.Equal(t, "ana-1699999999000", m.Snapshot().ChannelID)

	client := factory.Clients()[0]
	calls := client.Calls()
	require.Equal(t, []string{"stop:ana-1700000000000", "off:ana-1700000000000", "watch:ana-1699999999000"}, calls[len(calls)-3:])

	_, err = m.SelectChannel(context.Background(), "")
	require.Error(t, err)

	memory.entries = []chat.Conversation{{ChannelID: "ana-1700000000000", Messages: []chat.Message{{Text: "hi", Role: chat.RoleUser}}}}
	fresh, err := m.NewConversation(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ana-1700000000001", fresh.ID())
	require.Equal(t, fresh, m.ActiveChannel())
	require.Len(t, m.Snapshot().History, 1)

	m.Teardown(context.Background())
}
