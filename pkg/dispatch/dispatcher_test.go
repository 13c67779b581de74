package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/chatapi"
	"github.com/go-go-golems/coachchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/coachchat/pkg/transport"
	"github.com/go-go-golems/coachchat/pkg/transport/streambus"
	"github.com/go-go-golems/coachchat/pkg/transport/transporttest"
)

type fakeInference struct {
	mu    sync.Mutex
	reply string
	err   error
	block bool
	reqs  []chatapi.MessageRequest
}

func (f *fakeInference) DispatchMessage(ctx context.Context, req chatapi.MessageRequest) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	block, reply, err := f.block, f.reply, f.err
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return reply, err
}

var ana = chat.User{ID: "ana", DisplayName: "Ana"}

func watched(t *testing.T) (*transporttest.Client, *transporttest.Channel) {
	t.Helper()
	c := transporttest.NewClient()
	require.NoError(t, c.ConnectUser(context.Background(), transport.IdentityFor(ana), "t1"))
	ch := c.Channel(chat.ChannelKind, "ana-1700000000000", transport.ChannelData{})
	require.NoError(t, ch.Watch(context.Background()))
	return c, c.Channels()[0]
}

func TestSendReply(t *testing.T) {
	_, ch := watched(t)
	inf := &fakeInference{reply: "Let's plan your week."}
	d := NewDispatcher(inf)
	d.SetDraft("help me plan")

	res := d.Send(context.Background(), ch, "help me plan", ana)
	require.NoError(t, res.Err)
	require.False(t, res.Fallback)
	require.NotNil(t, res.Reply)

	msgs := ch.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.Equal(t, "help me plan", msgs[0].Text)
	require.Equal(t, chat.RoleAgent, msgs[1].Role)
	require.Equal(t, "Let's plan your week.", msgs[1].Text)
	require.Equal(t, chat.DefaultAgentID, msgs[1].Author.ID)

	require.Equal(t, []chatapi.MessageRequest{{UserID: "ana", Message: "help me plan", ChannelID: "ana-1700000000000"}}, inf.reqs)
	require.False(t, d.Pending())
	require.Equal(t, "", d.Draft())
}

func TestSendFallbackOnInferenceFailure(t *testing.T) {
	_, ch := watched(t)
	d := NewDispatcher(&fakeInference{err: errors.New("network error")})

	var transitions []bool
	d.OnPending(func(p bool) { transitions = append(transitions, p) })

	res := d.Send(context.Background(), ch, "hello", ana)
	require.True(t, res.Fallback)
	require.Error(t, res.Err)

	msgs := ch.Messages()
	require.Len(t, msgs, 2)
	agentTurns := 0
	for _, m := range msgs {
		if m.Role == chat.RoleAgent {
			agentTurns++
			require.Equal(t, chat.FallbackText, m.Text)
		}
	}
	require.Equal(t, 1, agentTurns)
	require.Equal(t, []bool{true, false}, transitions)
	require.False(t, d.Pending())
}

func TestSendFallbackOnEmptyReply(t *testing.T) {
	_, ch := watched(t)
	d := NewDispatcher(&fakeInference{reply: "  "})
	res := d.Send(context.Background(), ch, "hello", ana)
	require.True(t, res.Fallback)
	require.Equal(t, chat.FallbackText, ch.Messages()[1].Text)
}

func TestSendFallbackOnTimeout(t *testing.T) {
	_, ch := watched(t)
	d := NewDispatcher(&fakeInference{block: true}, WithInferenceTimeout(20*time.Millisecond))
	d.SetDraft("hello")

	res := d.Send(context.Background(), ch, "hello", ana)
	require.True(t, res.Fallback)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.Len(t, ch.Messages(), 2)
	require.False(t, d.Pending())
	require.Equal(t, "", d.Draft())
}

func TestSendWhitespaceIsNoop(t *testing.T) {
	client, ch := watched(t)
	inf := &fakeInference{reply: "x"}
	d := NewDispatcher(inf)
	before := len(client.Calls())

	res := d.Send(context.Background(), ch, " \n\t", ana)
	require.True(t, res.Skipped)
	require.Len(t, client.Calls(), before)
	require.Empty(t, inf.reqs)
}

func TestSendUserMessageFailureSkipsInference(t *testing.T) {
	_, ch := watched(t)
	ch.SetSendErr(errors.New("channel gone"))
	inf := &fakeInference{reply: "x"}
	d := NewDispatcher(inf)
	d.SetDraft("hello")

	res := d.Send(context.Background(), ch, "hello", ana)
	require.Error(t, res.Err)
	require.Nil(t, res.UserMessage)
	require.Empty(t, inf.reqs)
	require.False(t, d.Pending())
	require.Equal(t, "", d.Draft())
}

func TestSendFallbackLandsAfterCallerDeadline(t *testing.T) {
	gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16, Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = gc.Close() })
	client, err := streambus.NewClient(gc, gc, chatstore.NewInMemoryChannelStore())
	require.NoError(t, err)
	require.NoError(t, client.ConnectUser(context.Background(), transport.IdentityFor(ana), "t1"))
	ch := client.Channel(chat.ChannelKind, "ana-1700000000000", transport.ChannelData{})
	require.NoError(t, ch.Watch(context.Background()))
	t.Cleanup(func() { _ = ch.StopWatching(context.Background()) })

	// inference outlives the caller's deadline
	d := NewDispatcher(&fakeInference{block: true}, WithInferenceTimeout(0))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := d.Send(ctx, ch, "hello", ana)
	require.True(t, res.Fallback)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.NotNil(t, res.Reply)
	require.False(t, d.Pending())

	require.Eventually(t, func() bool { return len(ch.Messages()) == 2 }, time.Second, 10*time.Millisecond)
	msgs := ch.Messages()
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.Equal(t, chat.RoleAgent, msgs[1].Role)
	require.Equal(t, chat.FallbackText, msgs[1].Text)
}
