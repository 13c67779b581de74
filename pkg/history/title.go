package history

import (
	"time"

	"github.com/go-go-golems/coachchat/pkg/chat"
)

const (
	maxTitleRunes = 30
	defaultTitle  = "New conversation"
	titleEllipsis = "..."
)

// Title labels a conversation with its first user message, truncated to 30 characters.
func Title(c chat.Conversation) string {
	for _, m := range c.Messages {
		if m.Role != chat.RoleUser || m.Text == "" {
			continue
		}
		r := []rune(m.Text)
		if len(r) > maxTitleRunes {
			return string(r[:maxTitleRunes]) + titleEllipsis
		}
		return m.Text
	}
	return defaultTitle
}

// Date is the day a conversation is listed under: the first message's timestamp,
// else the timestamp embedded in the channel id. ok is false when neither exists.
func Date(c chat.Conversation) (time.Time, bool) {
	if len(c.Messages) == 0 {
		return time.Time{}, false
	}
	if t := c.Messages[0].CreatedAt; !t.IsZero() {
		return t, true
	}
	if ms, ok := chat.ChannelTimestamp(c.ChannelID); ok {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}
