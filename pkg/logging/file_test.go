package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestNewFileLogger_CreatesDirectory(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "dir", "courier.log")

	logger, err := NewFileLogger(FileLoggerConfig{
		Path:   logPath,
		Format: FormatText,
		Level:  InfoLevel,
	})
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file was not created: %v", err)
	}
}

func TestFileLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, FormatText, WarnLevel)
	ctx := context.Background()

	logger.Debug(ctx, "debug message", nil)
	logger.Info(ctx, "info message", nil)
	logger.Warn(ctx, "warn message", nil)
	logger.Error(ctx, "error message", errors.New("boom"), nil)

	out := buf.String()
	for _, filtered := range []string{"debug message", "info message"} {
		if strings.Contains(out, filtered) {
			t.Errorf("%q should be filtered at WARN level", filtered)
		}
	}
	for _, kept := range []string{"warn message", "error message", `error="boom"`} {
		if !strings.Contains(out, kept) {
			t.Errorf("output missing %q:\n%s", kept, out)
		}
	}
}

func TestFileLogger_TextFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, FormatText, DebugLevel)

	logger.Info(context.Background(), EventUnitSucceeded, Fields{"path": "/srv/a.txt", "attempts": 1, "bytes": 42})

	line := buf.String()
	if !strings.Contains(line, "[INFO] unit.succeeded") {
		t.Errorf("unexpected line: %s", line)
	}
	a := strings.Index(line, "attempts=1")
	b := strings.Index(line, "bytes=42")
	p := strings.Index(line, "path=/srv/a.txt")
	if a < 0 || b < 0 || p < 0 || !(a < b && b < p) {
		t.Errorf("fields not written in key order: %s", line)
	}
}

func TestFileLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, FormatJSON, DebugLevel)

	logger.Error(context.Background(), EventUnitFailed, errors.New("permission denied"), Fields{
		"kind":    "permission",
		"message": "clash",
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
	if entry["message"] != EventUnitFailed {
		t.Errorf("message = %v, want %s", entry["message"], EventUnitFailed)
	}
	if entry["error"] != "permission denied" {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["kind"] != "permission" {
		t.Errorf("kind = %v", entry["kind"])
	}
	if entry["field.message"] != "clash" {
		t.Errorf("reserved key should be prefixed, got %v", entry)
	}
}

func TestFileLogger_WithFieldsSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriterLogger(&buf, FormatText, InfoLevel)
	jobLogger := base.WithFields(Fields{"job": "deploy"})
	unitLogger := jobLogger.WithFields(Fields{"unit": 3})

	ctx := context.Background()
	base.Info(ctx, "from base", nil)
	unitLogger.Info(ctx, "from unit", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if strings.Contains(lines[0], "job=") {
		t.Errorf("base logger must not inherit derived fields: %s", lines[0])
	}
	if !strings.Contains(lines[1], "job=deploy") || !strings.Contains(lines[1], "unit=3") {
		t.Errorf("derived logger lost fields: %s", lines[1])
	}
}

func TestFileLogger_Rotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "courier.log")
	logger, err := NewFileLogger(FileLoggerConfig{
		Path:       logPath,
		Format:     FormatText,
		Level:      InfoLevel,
		MaxSize:    200,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 40; i++ {
		logger.Info(ctx, fmt.Sprintf("message number %d with some padding", i), nil)
	}
	logger.Close()

	for _, name := range []string{logPath, logPath + ".1", logPath + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(logPath + ".3"); !os.IsNotExist(err) {
		t.Errorf("backup beyond MaxBackups should be removed")
	}
}

func TestFileLogger_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "courier.log")
	logger, err := NewFileLogger(FileLoggerConfig{Path: logPath, Format: FormatJSON, Level: InfoLevel})
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			l := logger.WithFields(Fields{"worker": w})
			for i := 0; i < 25; i++ {
				l.Info(context.Background(), EventUnitStarted, Fields{"index": i})
			}
		}(w)
	}
	wg.Wait()
	logger.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 200 {
		t.Fatalf("expected 200 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("interleaved or corrupt line %q: %v", line, err)
		}
	}
}

func TestNullLogger(t *testing.T) {
	var logger Logger = NewNullLogger()
	ctx := context.Background()
	logger.Info(ctx, "ignored", Fields{"k": "v"})
	logger.Error(ctx, "ignored", errors.New("x"), nil)
	if logger.WithFields(Fields{"a": 1}) != logger {
		t.Error("WithFields should return the same null logger")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"DEBUG", DebugLevel},
		{"info", InfoLevel},
		{"Warning", WarnLevel},
		{" warn ", WarnLevel},
		{"error", ErrorLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	if LevelString(ErrorLevel) != "ERROR" || LevelString(Level(42)) != "UNKNOWN" {
		t.Error("unexpected level strings")
	}
}
