// Package history turns the raw per-user conversation memory into the ranked list of previous conversations.
package history

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coachchat/pkg/chat"
)

// Source fetches the raw history entries stored for a user, in backend order.
type Source interface {
	FetchHistory(ctx context.Context, userID string) ([]chat.Conversation, error)
}

type Aggregator struct {
	source Source
}

func NewAggregator(source Source) *Aggregator {
	return &Aggregator{source: source}
}

// Load fetches and aggregates the user's history. It never fails: fetch errors are logged and yield an empty list.
func (a *Aggregator) Load(ctx context.Context, userID string) []chat.Conversation {
	if a == nil || a.source == nil {
		return []chat.Conversation{}
	}
	entries, err := a.source.FetchHistory(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("component", "history").Str("user_id", userID).Msg("failed to load conversation history")
		return []chat.Conversation{}
	}
	out := Aggregate(entries)
	log.Debug().Str("component", "history").Str("user_id", userID).Int("entries", len(entries)).Int("conversations", len(out)).Msg("loaded conversation history")
	return out
}

// Aggregate merges entries sharing a channel id, ranks the groups by recency and drops empty ones.
// The input is not modified.
func Aggregate(entries []chat.Conversation) []chat.Conversation {
	grouped := group(entries)
	sort.SliceStable(grouped, func(i, j int) bool {
		return compareRecency(grouped[i], grouped[j]) > 0
	})
	out := make([]chat.Conversation, 0, len(grouped))
	for _, c := range grouped {
		if strings.TrimSpace(c.ChannelID) == "" || len(c.Messages) == 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// group keeps the first entry's metadata and appends later entries' messages in fetch order.
func group(entries []chat.Conversation) []chat.Conversation {
	index := map[string]int{}
	out := make([]chat.Conversation, 0, len(entries))
	for _, e := range entries {
		if i, ok := index[e.ChannelID]; ok {
			out[i].Messages = append(out[i].Messages, e.Messages...)
			continue
		}
		c := chat.Conversation{
			ChannelID: e.ChannelID,
			Messages:  append([]chat.Message(nil), e.Messages...),
		}
		if e.Metadata != nil {
			md := *e.Metadata
			c.Metadata = &md
		}
		index[e.ChannelID] = len(out)
		out = append(out, c)
	}
	return out
}

// compareRecency returns >0 when a is more recent than b. Tiers, per comparison:
// explicit channel metadata on both, then 13-digit timestamps embedded in both channel ids,
// then the first message's creation time (missing counts as epoch 0).
func compareRecency(a, b chat.Conversation) int {
	if a.Metadata != nil && b.Metadata != nil && !a.Metadata.CreatedAt.IsZero() && !b.Metadata.CreatedAt.IsZero() {
		return cmpInt64(a.Metadata.CreatedAt.UnixMilli(), b.Metadata.CreatedAt.UnixMilli())
	}
	ta, okA := chat.ChannelTimestamp(a.ChannelID)
	tb, okB := chat.ChannelTimestamp(b.ChannelID)
	if okA && okB {
		return cmpInt64(ta, tb)
	}
	return cmpInt64(firstMessageMillis(a), firstMessageMillis(b))
}

func firstMessageMillis(c chat.Conversation) int64 {
	if len(c.Messages) == 0 {
		return 0
	}
	return millisOrZero(c.Messages[0].CreatedAt)
}

func millisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func cmpInt64(a, b int64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
