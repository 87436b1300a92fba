package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
)

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "warn", Output: &buf})

	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("expected warn line, got: %s", out)
	}
	if !strings.Contains(out, `"service":"chat-relay"`) {
		t.Errorf("expected service field, got: %s", out)
	}
}

func TestComponent_AddsField(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf}).Component("store")
	l.Info().Msg("hello")

	if !strings.Contains(buf.String(), `"component":"store"`) {
		t.Fatalf("expected component field, got: %s", buf.String())
	}
}

func TestLogDbOperation(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	l.LogDbOperation("messages", "insert", time.Millisecond, 1, nil)
	l.LogDbOperation("messages", "insert", time.Millisecond, 0, errors.New("disk full"))

	out := buf.String()
	if !strings.Contains(out, "Database operation completed") {
		t.Errorf("expected success line, got: %s", out)
	}
	if !strings.Contains(out, "disk full") || !strings.Contains(out, `"level":"error"`) {
		t.Errorf("expected error line, got: %s", out)
	}
}

func TestInitGlobalLogger_RoutesPackageLogger(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	InitGlobalLogger(Config{Level: "info", Output: &buf})
	log.Info().Msg("via package logger")

	if !strings.Contains(buf.String(), `"service":"chat-relay"`) || !strings.Contains(buf.String(), "via package logger") {
		t.Fatalf("expected package-level zerolog to use the relay logger, got: %s", buf.String())
	}
}
