package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&buf, LogFormatJSON, LogLevelInfo)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Debug("hidden", "k", "v")
	l.With("module", "sync").Info("round done", "received", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line at info level, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["message"] != "round done" || entry["module"] != "sync" || entry["received"] != float64(3) {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewLoggerRejectsBadArgs(t *testing.T) {
	if _, err := NewLogger(&bytes.Buffer{}, "xml", LogLevelInfo); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := NewLogger(&bytes.Buffer{}, LogFormatJSON, "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
