package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeBackend struct {
	mu       sync.Mutex
	channels []string
	messages []string
}

func (f *fakeBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/token/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"t1"}`))
	})
	mux.HandleFunc("/chat/channel/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChannelID string `json:"channel_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.channels = append(f.channels, body.ChannelID)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"channel_id": body.ChannelID})
	})
	mux.HandleFunc("/chat/message/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.messages = append(f.messages, body.Message)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ai_response":"Start with one small task."}`))
	})
	mux.HandleFunc("/memory/ana", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"conversation_history":[
			{"channel_id":"ana-1699999999000","messages":[{"content":"How do I stop procrastinating?","role":"user","created_at":"2023-11-14T22:13:19Z"}]},
			{"channel_id":"ana-1699999999000","messages":[{"content":"Break it down.","role":"assistant","created_at":"2023-11-14T22:13:20Z"}]}
		]}`))
	})
	return mux
}

func testSettings(t *testing.T, apiURL string) config.Settings {
	t.Helper()
	s := config.DefaultSettings()
	s.APIURL = apiURL
	s.Retry.Delay = 10 * time.Millisecond
	require.NoError(t, s.Normalize())
	require.NoError(t, s.Validate())
	return s
}

func TestRunChatEndToEnd(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	a, err := newApp(testSettings(t, srv.URL))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	in, inW := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runChat(context.Background(), a, chat.User{ID: "ana", DisplayName: "Ana"}, "", in, out)
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "connected to ana-") }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), chat.WelcomeText) }, 5*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(inW, "hello coach\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[AI Coach] Start with one small task.")
	}, 5*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(inW, "/history\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "How do I stop procrastinating")
	}, 5*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(inW, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not exit")
	}
	_ = inW.Close()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.channels, 1)
	require.True(t, strings.HasPrefix(backend.channels[0], "ana-"))
	require.Equal(t, []string{"hello coach"}, backend.messages)
}

func TestRunChatValidationFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	a, err := newApp(testSettings(t, srv.URL))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	out := &syncBuffer{}
	err = runChat(context.Background(), a, chat.User{ID: "ana"}, "", strings.NewReader("/quit\n"), out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "could not start chat: invalid user: display name is required")
	require.NotContains(t, out.String(), "/retry")
}

func TestWriteHistoryJSON(t *testing.T) {
	var buf bytes.Buffer
	conv := chat.Conversation{
		ChannelID: "ana-1700000000000",
		Messages:  []chat.Message{{Text: "hi", Role: chat.RoleUser}},
	}
	require.NoError(t, writeHistory(&buf, []chat.Conversation{conv}, true, false))

	var rows []historyRow
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Equal(t, []historyRow{{ChannelID: "ana-1700000000000", Title: "hi", Date: "2023-11-14", Messages: 1}}, rows)
}
