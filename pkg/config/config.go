// Package config loads coachchat settings from ~/.coachchat/config.yaml and COACHCHAT_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/coachchat/pkg/chat"
	"github.com/go-go-golems/coachchat/pkg/logging"
	"github.com/go-go-golems/coachchat/pkg/redisstream"
)

const (
	DefaultPath = "~/.coachchat/config.yaml"
	EnvPrefix   = "COACHCHAT_"

	TransportMemory = "memory"
	TransportRedis  = "redis"

	RegistryMemory = "memory"
	RegistrySQLite = "sqlite"
	RegistryRedis  = "redis"
)

type AgentSettings struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	WelcomeText  string `yaml:"welcome-text"`
	FallbackText string `yaml:"fallback-text"`
}

type RetrySettings struct {
	Max   int           `yaml:"max"`
	Delay time.Duration `yaml:"delay"`
}

type RegistrySettings struct {
	Kind       string `yaml:"kind"`
	SQLitePath string `yaml:"sqlite-path"`
}

type RelaySettings struct {
	// Addr enables the websocket relay when set, e.g. "localhost:8089".
	Addr string `yaml:"addr"`
}

type Settings struct {
	APIURL           string               `yaml:"api-url"`
	RequestTimeout   time.Duration        `yaml:"request-timeout"`
	InferenceTimeout time.Duration        `yaml:"inference-timeout"`
	Agent            AgentSettings        `yaml:"agent"`
	Retry            RetrySettings        `yaml:"retry"`
	Transport        string               `yaml:"transport"`
	Registry         RegistrySettings     `yaml:"registry"`
	Redis            redisstream.Settings `yaml:"redis"`
	Relay            RelaySettings        `yaml:"relay"`
	Logging          logging.Settings     `yaml:"logging"`
}

func DefaultSettings() Settings {
	return Settings{
		APIURL:           "http://localhost:8000",
		RequestTimeout:   30 * time.Second,
		InferenceTimeout: 60 * time.Second,
		Agent: AgentSettings{
			ID:           chat.DefaultAgentID,
			Name:         chat.DefaultAgentName,
			WelcomeText:  chat.WelcomeText,
			FallbackText: chat.FallbackText,
		},
		Retry:     RetrySettings{Max: 3, Delay: 3 * time.Second},
		Transport: TransportMemory,
		Registry:  RegistrySettings{Kind: RegistryMemory, SQLitePath: "~/.coachchat/channels.db"},
		Redis:     redisstream.DefaultSettings(),
		Logging:   logging.DefaultSettings(),
	}
}

// Load reads path over the defaults. An empty path means DefaultPath, which may be absent.
func Load(path string) (Settings, error) {
	s := DefaultSettings()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return s, errors.Wrapf(err, "expand config path %s", path)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return s, nil
		}
		return s, errors.Wrapf(err, "read config %s", expanded)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, errors.Wrapf(err, "parse config %s", expanded)
	}
	return s, nil
}

// ApplyEnv overrides settings from COACHCHAT_* variables found through lookup (os.LookupEnv in production).
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *time.Duration) error {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, name)
			}
			*dst = d
		}
		return nil
	}

	str("API_URL", &s.APIURL)
	str("AGENT_ID", &s.Agent.ID)
	str("AGENT_NAME", &s.Agent.Name)
	str("TRANSPORT", &s.Transport)
	str("REGISTRY", &s.Registry.Kind)
	str("SQLITE_PATH", &s.Registry.SQLitePath)
	str("REDIS_ADDR", &s.Redis.Addr)
	str("REDIS_PASSWORD", &s.Redis.Password)
	str("RELAY_ADDR", &s.Relay.Addr)
	str("LOG_LEVEL", &s.Logging.Level)
	str("LOG_FORMAT", &s.Logging.Format)

	if v, ok := lookup(EnvPrefix + "RETRY_MAX"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "%sRETRY_MAX", EnvPrefix)
		}
		s.Retry.Max = n
	}
	if err := dur("RETRY_DELAY", &s.Retry.Delay); err != nil {
		return err
	}
	if err := dur("REQUEST_TIMEOUT", &s.RequestTimeout); err != nil {
		return err
	}
	return dur("INFERENCE_TIMEOUT", &s.InferenceTimeout)
}

// Normalize derives dependent fields: a redis transport enables the redis client.
func (s *Settings) Normalize() error {
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	s.Registry.Kind = strings.ToLower(strings.TrimSpace(s.Registry.Kind))
	if s.Transport == TransportRedis || s.Registry.Kind == RegistryRedis {
		s.Redis.Enabled = true
	}
	if s.Registry.SQLitePath != "" {
		p, err := homedir.Expand(s.Registry.SQLitePath)
		if err != nil {
			return errors.Wrap(err, "expand sqlite path")
		}
		s.Registry.SQLitePath = p
	}
	return nil
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.APIURL) == "" {
		return errors.New("config: api-url is required")
	}
	switch s.Transport {
	case TransportMemory, TransportRedis:
	default:
		return errors.Errorf("config: unknown transport %q (memory|redis)", s.Transport)
	}
	switch s.Registry.Kind {
	case RegistryMemory, RegistryRedis:
	case RegistrySQLite:
		if strings.TrimSpace(s.Registry.SQLitePath) == "" {
			return errors.New("config: registry.sqlite-path is required for the sqlite registry")
		}
	default:
		return errors.Errorf("config: unknown registry %q (memory|sqlite|redis)", s.Registry.Kind)
	}
	if s.Retry.Max <= 0 {
		return errors.Errorf("config: retry.max must be positive, got %d", s.Retry.Max)
	}
	if s.Retry.Delay < 0 {
		return errors.New("config: retry.delay must not be negative")
	}
	if s.RequestTimeout <= 0 || s.InferenceTimeout <= 0 {
		return errors.New("config: timeouts must be positive")
	}
	if strings.TrimSpace(s.Agent.ID) == "" {
		return errors.New("config: agent.id is required")
	}
	return s.Redis.Validate()
}
