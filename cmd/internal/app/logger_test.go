package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	newLogger(&buf, Config{LogFormat: "json", LogLevel: "info"}).Info("chat.message.appended", "conversation_id", "c1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "chat.message.appended" || rec["conversation_id"] != "c1" || rec["service"] != "chatsync" {
		t.Fatalf("unexpected record: %v", rec)
	}

	buf.Reset()
	newLogger(&buf, Config{LogFormat: "text", LogLevel: "warn"}).Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level: %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, Config{LogFormat: "pretty", LogLevel: "debug"}).Debug("transport.push.down", "retry_in", "1s")
	if out := buf.String(); !strings.Contains(out, "[DEBUG] transport.push.down") || !strings.Contains(out, "retry_in=1s") {
		t.Fatalf("pretty output: %q", out)
	}
}
