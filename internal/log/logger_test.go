package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"firestige.xyz/satcat5/internal/config"
)

func TestParseLevelValid(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"trace", logrus.TraceLevel},
		{"debug", logrus.DebugLevel},
		{"DEBUG", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"ERROR", logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if err != nil {
				t.Errorf("parseLevel(%q) returned error: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestParseLevelInvalid(t *testing.T) {
	for _, input := range []string{"invalid", "fatal", "verbose"} {
		t.Run(input, func(t *testing.T) {
			if _, err := parseLevel(input); err == nil {
				t.Errorf("parseLevel(%q) should return error, got nil", input)
			}
		})
	}
}

func TestGetLoggerBeforeInit(t *testing.T) {
	if GetLogger() == nil {
		t.Fatal("expected default logger before Init")
	}
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	cfg := config.LogConfig{
		Level:  "debug",
		Format: "json",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled: true,
				Path:    logPath,
				Rotation: config.RotationConfig{
					MaxSizeMB:  10,
					MaxBackups: 3,
					MaxAgeDays: 7,
				},
			},
		},
	}
	if err := Init(cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Flush()

	GetLogger().WithField("key", "value").Info("test message")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("log file was not created: %v", err)
	}
	if !strings.Contains(string(data), `"key":"value"`) {
		t.Errorf("expected json field in log file, got %s", data)
	}
	if !GetLogger().IsDebugEnabled() {
		t.Error("expected debug level to be enabled")
	}
}

func TestInitWithInvalidLevel(t *testing.T) {
	err := Init(config.LogConfig{Level: "invalid", Format: "json"})
	if err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("expected error about invalid log level, got: %v", err)
	}
}

func TestInitWithInvalidFormat(t *testing.T) {
	err := Init(config.LogConfig{Level: "info", Format: "xml"})
	if err == nil || !strings.Contains(err.Error(), "unsupported log format") {
		t.Errorf("expected error about unsupported format, got: %v", err)
	}
}

func TestInitWithMissingFilePath(t *testing.T) {
	cfg := config.LogConfig{
		Level:  "info",
		Format: "text",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{Enabled: true},
		},
	}
	err := Init(cfg)
	if err == nil || !strings.Contains(err.Error(), "path") {
		t.Errorf("expected error about missing path, got: %v", err)
	}
}

func TestPatternFormatter(t *testing.T) {
	if err := Init(config.LogConfig{Level: "info", Format: "pattern", Pattern: "[%level] %msg %field"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	GetLogger().WithFields(map[string]interface{}{"b": 2, "a": "x"}).
		WithError(errors.New("boom")).Warn("hello")

	got := buf.String()
	want := "[WARNING] hello a=x,b=2,error=boom\n"
	if got != want {
		t.Errorf("pattern output = %q, want %q", got, want)
	}
}

func TestLevelFiltering(t *testing.T) {
	if err := Init(config.LogConfig{Level: "warn", Format: "text"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	GetLogger().Info("hidden")
	GetLogger().Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message should be written")
	}
}

type failWriter struct{ closed bool }

func (w *failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (w *failWriter) Close() error              { w.closed = true; return nil }

func TestOutputsKeepWritingPastFailure(t *testing.T) {
	var buf bytes.Buffer
	bad := &failWriter{}
	out := outputs{bad, &buf}

	n, err := out.Write([]byte("line\n"))
	if err == nil || n != 5 {
		t.Errorf("Write = %d, %v; want 5 and the failure", n, err)
	}
	if buf.String() != "line\n" {
		t.Errorf("second output got %q", buf.String())
	}
	if err := out.Close(); err != nil || !bad.closed {
		t.Errorf("Close = %v, closed=%v", err, bad.closed)
	}
}
