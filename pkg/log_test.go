package pkg

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevelRoundTrip(t *testing.T) {
	orig := GetLogLevel()
	defer SetLogLevel(orig)

	SetLogLevel(slog.LevelDebug)
	assert.Equal(t, slog.LevelDebug, GetLogLevel())

	SetLogLevel(slog.LevelError)
	assert.Equal(t, slog.LevelError, GetLogLevel())
}

func TestLogCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	orig := DefaultLogger
	defer SetLogger(orig)

	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogDebug(ComponentEndpoint, "stall", "address", "0x81")
	out := buf.String()
	assert.Contains(t, out, "component=endpoint")
	assert.Contains(t, out, "address=0x81")
	assert.Contains(t, out, "stall")
}

func TestLogLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	orig := DefaultLogger
	defer SetLogger(orig)

	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	LogDebug(ComponentMSC, "hidden")
	assert.Empty(t, buf.String())

	LogWarn(ComponentMSC, "visible")
	assert.Contains(t, buf.String(), "visible")
}
