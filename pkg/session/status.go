package session

import "github.com/go-go-golems/coachchat/pkg/chat"

// Status is the initialization state of a session.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusTokenAcquired
	StatusConnected
	StatusChannelReady
	StatusReady
	// StatusFailing means an attempt failed and a retry is scheduled.
	StatusFailing
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusTokenAcquired:
		return "token_acquired"
	case StatusConnected:
		return "connected"
	case StatusChannelReady:
		return "channel_ready"
	case StatusReady:
		return "ready"
	case StatusFailing:
		return "failing"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status ends an initialization.
func (s Status) Terminal() bool { return s == StatusReady || s == StatusFailed }

// Snapshot is a copy of the manager's observable state.
type Snapshot struct {
	Status     Status
	RetryCount int
	Err        error
	User       chat.User
	ChannelID  string
	History    []chat.Conversation
	Disposed   bool
}

// ErrorMessage is the user-facing text for the last failure, or "".
func (s Snapshot) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
