package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_JSONFieldNames(t *testing.T) {
	l, err := New(Config{Level: "debug"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var buf bytes.Buffer
	l.SetOutput(&buf)

	Component(l, "runner").WithField("venue", "bybit").Debug("connected")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for _, key := range []string{"timestamp", "level", "message", "component", "venue"} {
		if _, ok := rec[key]; !ok {
			t.Fatalf("missing key %q in %v", key, rec)
		}
	}
	if rec["component"] != "runner" || rec["message"] != "connected" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNew_Level(t *testing.T) {
	l, err := New(Config{Level: "WARN"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.GetLevel() != logrus.WarnLevel {
		t.Fatalf("expected warn level, got %v", l.GetLevel())
	}
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbiter.log")
	l, err := New(Config{File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"message":"hello"`)) {
		t.Fatalf("log file missing entry: %s", data)
	}
}
