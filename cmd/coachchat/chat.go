package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/history"
	"github.com/go-go-golems/coachchat/pkg/relay"
	"github.com/go-go-golems/coachchat/pkg/session"
)

const replHelp = `commands:
  /new       start a new conversation
  /history   list previous conversations
  /open N    resume conversation N from /history
  /retry     retry after a failed connection
  /status    show the session state
  /quit      leave
anything else is sent to the coach`

func newChatCommand() *cobra.Command {
	var (
		userID    string
		name      string
		relayAddr string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the AI coach",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("relay-addr") {
				settings.Relay.Addr = relayAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			user := chat.User{ID: userID, DisplayName: name}
			return runChat(ctx, a, user, settings.Relay.Addr, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "learner id")
	cmd.Flags().StringVar(&name, "name", "", "learner display name")
	cmd.Flags().StringVar(&relayAddr, "relay-addr", "", "serve a websocket mirror of the chat on this address (e.g. localhost:8089)")
	return cmd
}

// runChat initializes the session and runs the REPL, plus the websocket relay when relayAddr is set.
func runChat(ctx context.Context, a *app, user chat.User, relayAddr string, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.manager.Dispose(context.Background())

	r := &repl{app: a, user: user, out: out}

	handlers := []func(string, chat.Message){r.printMessage}
	var rl *relay.Relay
	if relayAddr != "" {
		rl = relay.New(a.manager)
		handlers = append(handlers, rl.HandleMessage)
		unsubscribe := a.manager.Subscribe(rl.HandleSnapshot)
		defer unsubscribe()
	}
	unfollow := relay.Follow(a.manager, handlers...)
	defer unfollow()

	eg, ctx := errgroup.WithContext(ctx)
	if rl != nil {
		eg.Go(func() error { return rl.Serve(ctx, relayAddr) })
	}
	eg.Go(func() error {
		defer cancel()
		r.initialize(ctx)
		return r.loop(ctx, in)
	})
	return eg.Wait()
}

type repl struct {
	app  *app
	user chat.User

	outMu sync.Mutex
	out   io.Writer
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *repl) printMessage(_ string, m chat.Message) {
	who := m.Author.DisplayName
	if who == "" {
		who = string(m.Role)
	}
	r.printf("[%s] %s\n", who, m.Text)
}

func (r *repl) initialize(ctx context.Context) {
	r.printf("connecting as %s...\n", r.user.DisplayName)
	snap, err := r.app.manager.Initialize(ctx, r.user)
	r.reportInit(snap, err)
}

func (r *repl) reportInit(snap session.Snapshot, err error) {
	if err != nil {
		r.printf("could not start chat: %v\n", err)
		var ve *session.ValidationError
		if !errors.As(err, &ve) && !errors.Is(err, session.ErrDisposed) {
			r.printf("type /retry to try again\n")
		}
		return
	}
	r.printf("connected to %s (%d previous conversations). /help lists commands\n", snap.ChannelID, len(snap.History))
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.handle(ctx, line)
			if err != nil {
				r.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handle runs one REPL line. It reports whether the REPL should exit.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		r.app.dispatcher.SetDraft(line)
		res := r.app.dispatcher.Send(ctx, r.app.manager.ActiveChannel(), line, r.user)
		if res.Err != nil && !res.Fallback {
			return false, res.Err
		}
		return false, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printf("%s\n", replHelp)
	case "/status":
		snap := r.app.manager.Snapshot()
		r.printf("status=%s channel=%s retries=%d\n", snap.Status, snap.ChannelID, snap.RetryCount)
		if msg := snap.ErrorMessage(); msg != "" {
			r.printf("last error: %s\n", msg)
		}
	case "/new":
		ch, err := r.app.manager.NewConversation(ctx)
		if err != nil {
			return false, err
		}
		r.printf("started %s\n", ch.ID())
	case "/history":
		r.printHistory(r.app.manager.RefreshHistory(ctx))
	case "/open":
		if len(fields) != 2 {
			return false, errors.New("usage: /open N")
		}
		n, err := strconv.Atoi(fields[1])
		conversations := r.app.manager.Snapshot().History
		if err != nil || n < 1 || n > len(conversations) {
			return false, errors.Errorf("no conversation %q, see /history", fields[1])
		}
		ch, err := r.app.manager.SelectChannel(ctx, conversations[n-1].ChannelID)
		if err != nil {
			return false, err
		}
		r.printf("resumed %s\n", ch.ID())
	case "/retry":
		snap, err := r.app.manager.Retry(ctx, r.user)
		r.reportInit(snap, err)
	default:
		return false, errors.Errorf("unknown command %s, try /help", fields[0])
	}
	return false, nil
}

func (r *repl) printHistory(conversations []chat.Conversation) {
	if len(conversations) == 0 {
		r.printf("no previous conversations\n")
		return
	}
	for i, c := range conversations {
		r.printf("%3d. %s  %s  (%d messages)\n", i+1, formatDate(c), history.Title(c), len(c.Messages))
	}
	log.Debug().Int("conversations", len(conversations)).Msg("listed history")
}

func formatDate(c chat.Conversation) string {
	d, ok := history.Date(c)
	if !ok {
		return "          "
	}
	return d.Local().Format("2006-01-02")
}
