package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigure(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()

	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("report level must log at info, got %s", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", log.Formatter)
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid format")
	}

	path := filepath.Join(t.TempDir(), "depthflow.log")
	if err := log.Configure("debug", "json", path, 0); err != nil {
		t.Fatalf("Configure file output: %v", err)
	}
	log.WithComponent("test").Info("to file")
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), `"component":"test"`) {
		t.Fatalf("file output missing entry: %q %v", data, err)
	}
}

func TestEnvLevelOverridesConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	log := Logger()
	if err := log.Configure("debug", "json", "stdout", 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if log.GetLevel() != logrus.WarnLevel {
		t.Fatalf("LOG_LEVEL must win, got %s", log.GetLevel())
	}
}

func TestWithInstrument(t *testing.T) {
	entry := Logger().WithComponent("feed").WithInstrument("binance_linear:BTCUSDT")
	if v := entry.Entry.Data["instrument"]; v != "binance_linear:BTCUSDT" {
		t.Fatalf("instrument field missing: %v", entry.Entry.Data)
	}
	if v := entry.Entry.Data["component"]; v != "feed" {
		t.Fatalf("component field lost: %v", entry.Entry.Data)
	}
}

func TestLogMetricDoesNotMutateFields(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)
	fields := Fields{"exchange": "okx_spot"}
	log.LogMetric("fetcher", "requests", 1, "", fields)
	if len(fields) != 1 {
		t.Fatalf("fields mutated: %v", fields)
	}
}

func TestSnapshotCountsStreamsAndWarnings(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)

	RecordStreamMessage("test_stream:ws", 10)
	RecordStreamMessage("test_stream:ws", 5)
	log.WithComponent("snapshot_test").Warn("warned")

	r := Snapshot()
	var found bool
	for _, s := range r.Streams {
		if s.Name == "test_stream:ws" {
			found = true
			if s.Messages != 2 || s.Bytes != 15 {
				t.Fatalf("unexpected stream stats: %+v", s)
			}
		}
	}
	if !found {
		t.Fatalf("stream missing from report: %+v", r.Streams)
	}
	for _, c := range r.Components {
		if c.Name == "snapshot_test" && c.Warns < 1 {
			t.Fatalf("warning not counted: %+v", c)
		}
	}
}
