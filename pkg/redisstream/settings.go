package redisstream

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const groupPrefix = "coachchat-"

// Settings holds Redis Streams transport configuration for the channel bus.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Group is the consumer group used when watching channels. Every client process needs its own group,
	// otherwise watchers in the same group split the channel's messages between them. Empty means a fresh
	// group per process.
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// DefaultSettings leaves Group empty so each process reads every channel message itself.
func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Consumer: "cli-1",
	}
}

// withProcessGroup fills in a unique consumer group when none is configured.
func withProcessGroup(s Settings) Settings {
	if strings.TrimSpace(s.Group) == "" {
		s.Group = groupPrefix + uuid.NewString()
	}
	return s
}

// Validate checks the settings needed to reach Redis. It is a no-op when Redis is disabled.
func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis: addr is required when redis is enabled")
	}
	if strings.TrimSpace(s.Consumer) == "" {
		return errors.New("redis: consumer name is required when redis is enabled")
	}
	return nil
}
