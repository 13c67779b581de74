package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console|json
	WithCaller bool   `yaml:"with-caller"`
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: "console"}
}

// Init reconfigures the global zerolog logger. Output goes to stderr so the chat REPL owns stdout.
func Init(s Settings) error {
	return InitWithWriter(s, os.Stderr)
}

func InitWithWriter(s Settings, w io.Writer) error {
	lvl := strings.TrimSpace(s.Level)
	if lvl == "" {
		lvl = "info"
	}
	level, err := zerolog.ParseLevel(strings.ToLower(lvl))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", s.Level)
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	case "json":
		out = w
	default:
		return errors.Errorf("invalid log format %q", s.Format)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}
