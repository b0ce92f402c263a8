package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("component", "poll"))
	l.Warn("cycle slow",
		Int("instruments", 3),
		Float64("ratio", 1.5),
		Duration("elapsed", 1500*time.Millisecond),
		Bool("skipped", true),
		Error(errors.New("boom")),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if entry["level"] != "warn" || entry["message"] != "cycle slow" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["component"] != "poll" || entry["instruments"].(float64) != 3 {
		t.Fatalf("missing fields %v", entry)
	}
	if entry["elapsed"].(float64) != 1500 || entry["error"] != "boom" {
		t.Fatalf("unexpected duration/error %v", entry)
	}
}

func TestWriterLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("dropped")
	l.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %s", buf.String())
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(&Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}
