package chat

import (
	"regexp"
	"strconv"
	"sync"
	"time"
)

var channelTimestampRe = regexp.MustCompile(`\d{13}`)

// ChannelTimestamp extracts the first 13-digit millisecond timestamp embedded in a channel id.
func ChannelTimestamp(channelID string) (int64, bool) {
	m := channelTimestampRe.FindString(channelID)
	if m == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// ChannelIDSource issues channel ids of the form {userID}-{epochMillis}.
// Two ids issued in the same millisecond get consecutive timestamps, so an id is never handed out twice.
type ChannelIDSource struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func NewChannelIDSource(now func() time.Time) *ChannelIDSource {
	if now == nil {
		now = time.Now
	}
	return &ChannelIDSource{now: now}
}

func (s *ChannelIDSource) Next(userID string) string {
	s.mu.Lock()
	ms := s.now().UnixMilli()
	if ms <= s.last {
		ms = s.last + 1
	}
	s.last = ms
	s.mu.Unlock()
	return userID + "-" + strconv.FormatInt(ms, 10)
}
