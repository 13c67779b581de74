package logging

import (
	"bytes"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, InitWithWriter(Settings{Level: "warn", Format: "json"}, &buf))

	log.Info().Msg("hidden")
	log.Warn().Str("component", "test").Msg("shown")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"component":"test"`)
	require.Contains(t, out, `"message":"shown"`)
}

func TestInitRejectsBadSettings(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, InitWithWriter(Settings{Level: "loud"}, &buf))
	require.Error(t, InitWithWriter(Settings{Level: "info", Format: "xml"}, &buf))
}

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf))

	l.With(watermill.LogFields{"topic": "chat:x"}).Info("subscribed", watermill.LogFields{"n": 1})

	out := buf.String()
	require.Contains(t, out, `"component":"watermill"`)
	require.Contains(t, out, `"topic":"chat:x"`)
	require.Contains(t, out, `"message":"subscribed"`)
}
