package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// decodeLines parses every JSON log line written to buf
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not valid JSON: %v\nLine: %s", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func newBuffered(t *testing.T, level string) (*Logger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	log, err := New(&Config{Level: level, Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return log, &buf
}

func TestNew_Defaults(t *testing.T) {
	log, err := New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if log.config.Level != "info" || log.config.Format != "console" {
		t.Errorf("defaults = %+v, want info/console", log.config)
	}
}

func TestNew_Formats(t *testing.T) {
	for _, format := range []string{"console", "json", ""} {
		t.Run("format "+format, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := New(&Config{Level: "debug", Format: format, Writer: &buf})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			log.Debug("rendering page")
			_ = log.Sync()

			if !strings.Contains(buf.String(), "rendering page") {
				t.Errorf("output missing message: %q", buf.String())
			}
			if format == "json" && !strings.HasPrefix(buf.String(), "{") {
				t.Errorf("json format should write JSON, got %q", buf.String())
			}
		})
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"invalid level", &Config{Level: "verbose", Format: "json"}},
		{"unwritable file", &Config{Level: "info", OutputPath: filepath.Join(t.TempDir(), "missing", "dir", "pagelabel.log")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "pagelabel.log")

	log, err := New(&Config{Level: "info", Format: "json", OutputPath: logFile, Writer: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	log.WithFields("pdf", "hien_phap.pdf").Info("PDF converted")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	entries := decodeLines(t, bytes.NewBuffer(content))
	if len(entries) != 1 || entries[0]["pdf"] != "hien_phap.pdf" {
		t.Errorf("file entries = %v", entries)
	}
}

func TestNop(t *testing.T) {
	log := Nop()

	// Discarded, but must not panic
	log.WithFields("key", "value").Info("dropped message")
	log.WithError(bytes.ErrTooLarge).Error("dropped error")

	if err := log.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFieldHelpers(t *testing.T) {
	tests := []struct {
		name   string
		derive func(*Logger) *Logger
		want   map[string]interface{}
	}{
		{
			name:   "fields",
			derive: func(l *Logger) *Logger { return l.WithFields("pdf", "a.pdf", "pages", 3) },
			want:   map[string]interface{}{"pdf": "a.pdf", "pages": float64(3)},
		},
		{
			name:   "operation",
			derive: func(l *Logger) *Logger { return l.WithOperation("convert") },
			want:   map[string]interface{}{"operation": "convert"},
		},
		{
			name:   "error",
			derive: func(l *Logger) *Logger { return l.WithError(errors.New("decode failed")) },
			want:   map[string]interface{}{"error": "decode failed"},
		},
		{
			name:   "image",
			derive: func(l *Logger) *Logger { return l.WithImage("/data/doc_page_001_split_2.png", 1, 2) },
			want: map[string]interface{}{
				"image": "/data/doc_page_001_split_2.png",
				"page":  float64(1),
				"split": float64(2),
			},
		},
		{
			name:   "run and component",
			derive: func(l *Logger) *Logger { return l.WithRun("run-1").WithComponent("pipeline") },
			want:   map[string]interface{}{"run_id": "run-1", "component": "pipeline"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, buf := newBuffered(t, "info")

			tt.derive(log).Info("tile processed")
			_ = log.Sync()

			entries := decodeLines(t, buf)
			if len(entries) != 1 {
				t.Fatalf("got %d entries, want 1", len(entries))
			}
			for key, want := range tt.want {
				if entries[0][key] != want {
					t.Errorf("%s = %v, want %v", key, entries[0][key], want)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"info", false},
		{"warn", false},
		{"warning", false},
		{"error", false},
		{" INFO ", false},
		{"invalid", true},
		{"", true},
	}

	for _, tt := range tests {
		if _, err := parseLevel(tt.level); (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{"debug", []string{"debug", "info", "warn", "error"}},
		{"info", []string{"info", "warn", "error"}},
		{"warn", []string{"warn", "error"}},
		{"error", []string{"error"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, buf := newBuffered(t, tt.level)

			log.Debug("m")
			log.Info("m")
			log.Warn("m")
			log.Error("m")
			_ = log.Sync()

			var got []string
			for _, entry := range decodeLines(t, buf) {
				got = append(got, entry["level"].(string))
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("levels written = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClose(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "close.log")

	log, err := New(&Config{Level: "info", Format: "json", OutputPath: logFile, Writer: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	log.Info("before close")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := log.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "before close") {
		t.Errorf("log file should contain the message, got: %s", content)
	}
}
