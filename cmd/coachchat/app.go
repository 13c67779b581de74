package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coachchat/pkg/channel"
	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/chatapi"
	"github.com/go-go-golems/coachchat/pkg/config"
	"github.com/go-go-golems/coachchat/pkg/dispatch"
	"github.com/go-go-golems/coachchat/pkg/history"
	"github.com/go-go-golems/coachchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/coachchat/pkg/redisstream"
	"github.com/go-go-golems/coachchat/pkg/session"
	"github.com/go-go-golems/coachchat/pkg/transport"
	"github.com/go-go-golems/coachchat/pkg/transport/streambus"
)

// app holds everything a chat session runs on.
type app struct {
	api        *chatapi.Client
	bus        *redisstream.PubSub
	store      chatstore.ChannelStore
	ownedRedis *redis.Client

	agent      chat.User
	history    *history.Aggregator
	manager    *session.Manager
	dispatcher *dispatch.Dispatcher
}

func newAPIClient(s config.Settings) (*chatapi.Client, error) {
	return chatapi.NewClient(s.APIURL, chatapi.WithTimeout(s.RequestTimeout))
}

func newApp(s config.Settings) (*app, error) {
	api, err := newAPIClient(s)
	if err != nil {
		return nil, err
	}
	a := &app{api: api, agent: chat.Agent(s.Agent.ID, s.Agent.Name)}

	busSettings := s.Redis
	busSettings.Enabled = s.Transport == config.TransportRedis
	a.bus, err = redisstream.BuildPubSub(busSettings)
	if err != nil {
		return nil, errors.Wrap(err, "build channel bus")
	}

	a.store, err = a.buildStore(s)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.history = history.NewAggregator(api)
	lifecycle := channel.NewLifecycle(
		channel.WithRegistrar(api),
		channel.WithAgent(a.agent),
		channel.WithWelcomeText(s.Agent.WelcomeText),
	)
	a.manager, err = session.NewManager(api, a.newTransportClient,
		session.WithLifecycle(lifecycle),
		session.WithHistory(a.history),
		session.WithMaxRetries(s.Retry.Max),
		session.WithRetryDelay(s.Retry.Delay),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.dispatcher = dispatch.NewDispatcher(api,
		dispatch.WithAgent(a.agent),
		dispatch.WithFallbackText(s.Agent.FallbackText),
		dispatch.WithInferenceTimeout(s.InferenceTimeout),
	)
	return a, nil
}

func (a *app) buildStore(s config.Settings) (chatstore.ChannelStore, error) {
	switch s.Registry.Kind {
	case config.RegistrySQLite:
		if err := os.MkdirAll(filepath.Dir(s.Registry.SQLitePath), 0o755); err != nil {
			return nil, errors.Wrap(err, "create registry directory")
		}
		dsn, err := chatstore.SQLiteChannelDSNForFile(s.Registry.SQLitePath)
		if err != nil {
			return nil, err
		}
		st, err := chatstore.NewSQLiteChannelStore(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite channel registry")
		}
		log.Debug().Str("path", s.Registry.SQLitePath).Msg("using sqlite channel registry")
		return st, nil
	case config.RegistryRedis:
		client := a.bus.Redis
		if client == nil {
			a.ownedRedis = redisstream.NewClient(s.Redis)
			client = a.ownedRedis
		}
		return chatstore.NewRedisChannelStore(client, "")
	default:
		return chatstore.NewInMemoryChannelStore(), nil
	}
}

func (a *app) newTransportClient() (transport.Client, error) {
	return streambus.NewClient(a.bus.Publisher, a.bus.Subscriber, a.store)
}

func (a *app) Close() error {
	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = err
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.ownedRedis != nil {
		_ = a.ownedRedis.Close()
	}
	return firstErr
}
