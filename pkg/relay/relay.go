// Package relay mirrors the active chat channel to websocket clients, so a browser or another terminal can
// follow the conversation live.
package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/session"
	"github.com/go-go-golems/coachchat/pkg/transport"
)

const (
	EventHello      = "hello"
	EventMessageNew = "message.new"
	EventStatus     = "session.status"
)

// Event is one frame sent to websocket clients.
type Event struct {
	Type      string         `json:"type"`
	ChannelID string         `json:"channel_id,omitempty"`
	Message   *chat.Message  `json:"message,omitempty"`
	Messages  []chat.Message `json:"messages,omitempty"`
	Status    string         `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ChannelSource exposes the channel currently being watched.
type ChannelSource interface {
	ActiveChannel() transport.Channel
}

type Relay struct {
	pool     *Pool
	source   ChannelSource
	upgrader websocket.Upgrader
}

type Option func(*Relay)

func WithUpgrader(u websocket.Upgrader) Option {
	return func(r *Relay) { r.upgrader = u }
}

func New(source ChannelSource, opts ...Option) *Relay {
	r := &Relay{
		pool:     NewPool("relay", 5*time.Second),
		source:   source,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Relay) Clients() int { return r.pool.Count() }

// HandleMessage broadcasts a message observed on channelID.
func (r *Relay) HandleMessage(channelID string, m chat.Message) {
	msg := m
	r.broadcast(Event{Type: EventMessageNew, ChannelID: channelID, Message: &msg})
}

// HandleSnapshot broadcasts session status changes.
func (r *Relay) HandleSnapshot(s session.Snapshot) {
	r.broadcast(Event{Type: EventStatus, ChannelID: s.ChannelID, Status: s.Status.String(), Error: s.ErrorMessage()})
}

func (r *Relay) broadcast(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "relay").Msg("failed to encode relay event")
		return
	}
	r.pool.Broadcast(b)
}

// ServeHTTP upgrades the request and keeps the client attached until it disconnects.
// The first frame is a hello carrying the messages already seen on the active channel.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	hello := Event{Type: EventHello}
	if r.source != nil {
		if ch := r.source.ActiveChannel(); ch != nil {
			hello.ChannelID = ch.ID()
			hello.Messages = ch.Messages()
		}
	}
	if b, err := json.Marshal(hello); err == nil {
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			_ = conn.Close()
			return
		}
	}
	r.pool.Add(conn)
	log.Debug().Str("component", "relay").Str("remote", req.RemoteAddr).Msg("relay client attached")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	r.pool.Remove(conn)
	log.Debug().Str("component", "relay").Str("remote", req.RemoteAddr).Msg("relay client detached")
}

// Serve runs the relay on addr until ctx is done.
func (r *Relay) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", r)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "relay").Str("addr", addr).Msg("relay listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		r.pool.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "relay shutdown")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "relay listen")
	}
}

// Subscriber is the part of the session manager Follow needs.
type Subscriber interface {
	ChannelSource
	Subscribe(fn func(session.Snapshot)) func()
}

// Follow binds handlers to whichever channel the session is watching, rebinding when it changes.
// Messages the channel already holds are replayed on bind. The returned func stops following.
func Follow(s Subscriber, handlers ...func(channelID string, m chat.Message)) func() {
	var mu sync.Mutex
	var bound transport.Channel

	bind := func(ch transport.Channel) {
		if ch == nil {
			return
		}
		mu.Lock()
		if bound == ch {
			mu.Unlock()
			return
		}
		bound = ch
		mu.Unlock()

		id := ch.ID()
		var seenMu sync.Mutex
		seen := map[string]struct{}{}
		deliver := func(m chat.Message) {
			if m.ID != "" {
				seenMu.Lock()
				_, dup := seen[m.ID]
				seen[m.ID] = struct{}{}
				seenMu.Unlock()
				if dup {
					return
				}
			}
			for _, h := range handlers {
				h(id, m)
			}
		}
		ch.On(deliver)
		for _, m := range ch.Messages() {
			deliver(m)
		}
	}

	unsubscribe := s.Subscribe(func(snap session.Snapshot) {
		if snap.ChannelID == "" {
			mu.Lock()
			bound = nil
			mu.Unlock()
			return
		}
		if ch := s.ActiveChannel(); ch != nil && ch.ID() == snap.ChannelID {
			bind(ch)
		}
	})
	bind(s.ActiveChannel())
	return unsubscribe
}
