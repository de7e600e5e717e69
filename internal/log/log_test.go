package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"trace":   "trace",
		"debug":   "debug",
		"DEBUG ":  "debug",
		"warn":    "warn",
		"error":   "error",
		"fatal":   "info",
		"":        "info",
		"verbose": "info",
	}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func decodeLine(t *testing.T, line []byte) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", line, err)
	}
	return entry
}

func TestJSONLoggerComponentField(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "info")
	cl := l.With().Str("component", "relay").Logger()
	cl.Info().Msg("hello")

	entry := decodeLine(t, buf.Bytes())
	if entry["component"] != "relay" {
		t.Errorf("component = %v, want relay", entry["component"])
	}
	if entry["message"] != "hello" {
		t.Errorf("message = %v, want hello", entry["message"])
	}
}

func TestWithOriginAndRequest(t *testing.T) {
	var buf bytes.Buffer
	l := WithRequest(WithOrigin(NewJSONLogger(&buf, "debug"), "app.example"), 7, "eth_sendTransaction")
	l.Debug().Msg("x")

	entry := decodeLine(t, buf.Bytes())
	if entry["origin"] != "app.example" || entry["method"] != "eth_sendTransaction" || entry["request"] != float64(7) {
		t.Errorf("entry = %v", entry)
	}
}

func TestInitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.log")
	if err := Init("warn", true, path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		Close()
		Init("info", false, "")
	})

	Engine.Info().Msg("filtered")
	Engine.Warn().Msg("kept")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("file has %d lines, want 1: %s", len(lines), data)
	}
	entry := decodeLine(t, lines[0])
	if entry["component"] != "engine" || entry["message"] != "kept" {
		t.Errorf("entry = %v", entry)
	}
	if info, _ := os.Stat(path); info.Mode().Perm() != 0600 {
		t.Errorf("log file mode = %v, want 0600", info.Mode().Perm())
	}
}
