package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitJSONWritesService(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	InitWithWriter(Config{Format: "json", Level: "info", Service: "mealplan-billing"}, &buf)

	logger := log.With().Str("component", "billing").Logger()
	logger.Info().Str("user_id", "user_42").Msg("hello")
	log.Debug().Msg("filtered")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["service"] != "mealplan-billing" || entry["component"] != "billing" || entry["user_id"] != "user_42" || entry["message"] != "hello" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if n := strings.Count(lines[0], `"component":`); n != 1 {
		t.Fatalf("expected one component key, got %d in %s", n, lines[0])
	}
}

func TestInitConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(Config{Format: "console"}, &buf)

	log.Info().Msg("console line")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "console line") {
		t.Fatalf("missing message in %q", buf.String())
	}
}
