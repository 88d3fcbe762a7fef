package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func TestSetup(t *testing.T) {
	// Reset logger for testing
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, nil)
	l := slog.New(h)

	// Inject this logger as the global logger for the test
	logger = l

	l2 := WithComponent("resolver")
	l2.Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}

	if out["component"] != "resolver" {
		t.Errorf("Expected component 'resolver', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestSetupWriterLevel(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	SetupWriter("warn", &buf)

	Get().Info("hidden")
	WithComponent("orchestrator").Warn("shown", "stage", "shard_events")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v (%q)", err, buf.String())
	}
	if out["msg"] != "shown" {
		t.Errorf("Expected only the warning to be written, got %v", out["msg"])
	}
	if out["component"] != "orchestrator" || out["stage"] != "shard_events" {
		t.Errorf("Expected component and stage fields, got %v", out)
	}
}

func TestDivert(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	var base, diverted bytes.Buffer
	SetupWriter("info", &base)

	restore := Divert(&diverted)
	WithComponent("orchestrator").Info("during")
	restore()
	WithComponent("orchestrator").Info("after")

	if !bytes.Contains(diverted.Bytes(), []byte(`"msg":"during"`)) {
		t.Errorf("diverted output missing record: %q", diverted.String())
	}
	if bytes.Contains(base.Bytes(), []byte("during")) {
		t.Errorf("record leaked to base writer: %q", base.String())
	}
	if !bytes.Contains(base.Bytes(), []byte(`"msg":"after"`)) {
		t.Errorf("restore did not return to base writer: %q", base.String())
	}
}
