package chatapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/araddon/dateparse"

	"github.com/go-go-golems/coachchat/pkg/chat"
)

type tokenResponse struct {
	Token string `json:"token"`
}

type channelRequest struct {
	ChannelID string `json:"channel_id,omitempty"`
}

type channelResponse struct {
	ChannelID string `json:"channel_id"`
}

// MessageRequest is the body of POST /chat/message/.
type MessageRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	ChannelID string `json:"channel_id"`
}

type messageResponse struct {
	AIResponse string `json:"ai_response,omitempty"`
}

type userRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type memoryResponse struct {
	ConversationHistory []historyEntry `json:"conversation_history"`
}

type historyEntry struct {
	ChannelID       string           `json:"channel_id"`
	Messages        []historyMessage `json:"messages"`
	ChannelMetadata *struct {
		CreatedAt Timestamp `json:"created_at"`
	} `json:"channel_metadata,omitempty"`
}

type historyMessage struct {
	ID        string    `json:"id,omitempty"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	CreatedAt Timestamp `json:"created_at"`
	UserID    string    `json:"user_id,omitempty"`
	UserName  string    `json:"user_name,omitempty"`
}

// Timestamp accepts the timestamp shapes the memory backend has produced over time:
// RFC 3339, naive ISO dates, and epoch numbers. Anything unparseable decodes to the zero time.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] != '"' {
		n, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			t.Time = time.Time{}
			return nil
		}
		t.Time = fromEpoch(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		t.Time = time.Time{}
		return nil
	}
	t.Time = parsed.UTC()
	return nil
}

// fromEpoch treats values above 1e11 as milliseconds, smaller ones as seconds.
func fromEpoch(n float64) time.Time {
	if n >= 1e11 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(0, int64(n*float64(time.Second))).UTC()
}

func (e historyEntry) toConversation() chat.Conversation {
	conv := chat.Conversation{
		ChannelID: e.ChannelID,
		Messages:  make([]chat.Message, 0, len(e.Messages)),
	}
	if e.ChannelMetadata != nil && !e.ChannelMetadata.CreatedAt.IsZero() {
		conv.Metadata = &chat.ChannelMetadata{CreatedAt: e.ChannelMetadata.CreatedAt.Time}
	}
	for _, m := range e.Messages {
		conv.Messages = append(conv.Messages, chat.Message{
			ID:        m.ID,
			Text:      m.Content,
			Author:    chat.Author{ID: m.UserID, DisplayName: m.UserName},
			CreatedAt: m.CreatedAt.Time,
			Role:      chat.NormalizeRole(m.Role),
		})
	}
	return conv
}
