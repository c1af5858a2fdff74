package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"focusstack/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))

	log.Debug("hidden")
	log.With("job_id", "j1").WithGroup("frame").Info("aligned", "index", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %q", out)
	}
	if !strings.Contains(out, "[INFO] aligned [job_id=j1 frame.index=2]") {
		t.Fatalf("unexpected line %q", out)
	}
}

func TestLogFrameDegradedIsWarning(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewTraditionalHandler(&buf, slog.LevelWarn))
	LogFrameDegraded(log, "job", "a.jpg", 3, errors.New("singular"))
	if !strings.Contains(buf.String(), "[WARN]") || !strings.Contains(buf.String(), "frame=3") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")
	prev := slog.Default()
	defer slog.SetDefault(prev)

	log, err := Setup(cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	log.Info("hello")

	matches, _ := filepath.Glob(filepath.Join(cfg.Logging.LogDir, "focusstack-*.log"))
	found := false
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err == nil && strings.Contains(string(data), "hello") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no log file containing the record in %v", matches)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
