package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestSanitizer_PostgresURL(t *testing.T) {
	t.Parallel()
	sanitizer := NewSanitizer()
	input := "opening store postgres://stepwise:hunter2secret@db:5432/stepwise?sslmode=disable"
	result := sanitizer.Sanitize(input)

	if strings.Contains(result, "hunter2secret") {
		t.Errorf("expected password to be removed, got: %s", result)
	}
	if !strings.Contains(result, "db:5432/stepwise") {
		t.Errorf("expected host to survive, got: %s", result)
	}
}

func TestSanitizer_MySQLDSN(t *testing.T) {
	t.Parallel()
	sanitizer := NewSanitizer()
	result := sanitizer.Sanitize("dsn=root:s3cr3t-pass@tcp(127.0.0.1:3306)/stepwise?parseTime=true")

	if strings.Contains(result, "s3cr3t-pass") {
		t.Errorf("expected mysql password to be removed, got: %s", result)
	}
	if !strings.Contains(result, "[REDACTED]") {
		t.Errorf("expected redaction marker, got: %s", result)
	}
}

func TestSanitizer_KeyValuePassword(t *testing.T) {
	t.Parallel()
	sanitizer := NewSanitizer()
	result := sanitizer.Sanitize("host=db user=app password=topsecret dbname=stepwise")

	if strings.Contains(result, "topsecret") {
		t.Errorf("expected password to be removed, got: %s", result)
	}
	if !strings.Contains(result, "dbname=stepwise") {
		t.Errorf("expected other fields to survive, got: %s", result)
	}
}

func TestSanitizer_NoFalsePositives(t *testing.T) {
	t.Parallel()
	sanitizer := NewSanitizer()
	inputs := []string{
		"task 5f0c completed, starting next tasks",
		"file:/var/lib/stepwise/stepwise.db?_txlock=immediate",
		"workflow busy, redelivering in 300ms",
	}
	for _, input := range inputs {
		if got := sanitizer.Sanitize(input); got != input {
			t.Errorf("unexpected change: %q -> %q", input, got)
		}
	}
}

func TestSanitizer_KeepsUser(t *testing.T) {
	t.Parallel()
	got := NewSanitizer().Sanitize("postgres://app:hunter2@db/stepwise")
	if got != "postgres://app:[REDACTED]@db/stepwise" {
		t.Errorf("Sanitize() = %q", got)
	}
}

func TestSanitizer_SecretKey(t *testing.T) {
	t.Parallel()
	s := NewSanitizer()
	for _, key := range []string{"password", "Token", "api_key"} {
		if !s.SecretKey(key) {
			t.Errorf("SecretKey(%q) = false", key)
		}
	}
	if s.SecretKey("task_id") {
		t.Error("SecretKey(task_id) = true")
	}
}

func TestLogger_Formats(t *testing.T) {
	t.Parallel()
	for _, format := range []string{"json", "text", "auto"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: "info", Format: format, Output: &buf})
			logger.Info("test message")

			if buf.Len() == 0 {
				t.Error("expected log output")
			}
		})
	}
}

func TestLogger_Levels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		level   string
		logFunc func(l *Logger)
		expect  bool
	}{
		{"debug at debug", "debug", func(l *Logger) { l.Debug("test") }, true},
		{"debug at info", "info", func(l *Logger) { l.Debug("test") }, false},
		{"info at info", "info", func(l *Logger) { l.Info("test") }, true},
		{"warn at error", "error", func(l *Logger) { l.Warn("test") }, false},
		{"error at error", "error", func(l *Logger) { l.Error("test") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tt.level, Format: "text", Output: &buf})
			tt.logFunc(logger)

			if hasOutput := buf.Len() > 0; hasOutput != tt.expect {
				t.Errorf("expected output=%v, got output=%v", tt.expect, hasOutput)
			}
		})
	}
}

func TestLogger_SetLevelAffectsDerivedLoggers(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "text", Output: &buf})
	derived := logger.WithTask("t-1").WithNode("demo", "start")

	derived.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered at info")
	}

	logger.SetLevel("debug")
	derived.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected debug after SetLevel, got: %s", buf.String())
	}
	if logger.Level() != slog.LevelDebug {
		t.Fatalf("expected level debug, got %s", logger.Level())
	}
}

func TestLogger_ContextFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "json", Output: &buf})
	logger.WithWorkflow("wf-1").WithTask("t-1").WithNode("demo", "start").Info("attempt")

	out := buf.String()
	for _, want := range []string{`"workflow_id":"wf-1"`, `"task_id":"t-1"`, `"workflow_type":"demo"`, `"node":"start"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}

func TestLogger_SanitizesOutput(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "text", Output: &buf})

	logger.Info("opening store", "dsn", "postgres://app:verysecret@db/stepwise")
	output := buf.String()

	if strings.Contains(output, "verysecret") {
		t.Errorf("expected dsn password to be sanitized, got: %s", output)
	}
	if !strings.Contains(output, "[REDACTED]") {
		t.Errorf("expected [REDACTED] in output, got: %s", output)
	}
}

func TestLogger_Nop(t *testing.T) {
	t.Parallel()
	logger := NewNop()
	logger.Info("test message")
	logger.SetLevel("debug")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.input, got, tt.expected)
		}
	}
}

func TestLogger_RedactsSecretKeysAndErrors(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "json", Output: &buf})

	logger.Info("connect", "password", "plain", "error", errors.New("dial postgres://app:pw123@db/x: refused"))
	out := buf.String()
	if strings.Contains(out, "plain") || strings.Contains(out, "pw123") {
		t.Errorf("expected secrets to be redacted, got: %s", out)
	}
	if !strings.Contains(out, "refused") {
		t.Errorf("expected error text to survive, got: %s", out)
	}
}

func TestConsoleHandler_ContextPrefix(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(NewConsoleHandler(&buf, slog.LevelInfo)).
		With("workflow_id", "9b2f1c3e-0000-4000-8000-000000000000", "task_id", "t-1")

	logger.Info("attempt", "node", "start", "retries", 2)
	out := buf.String()
	if !strings.Contains(out, "[9b2f1c3e/t-1 start]") {
		t.Errorf("missing context prefix: %s", out)
	}
	if strings.Contains(out, "task_id=") || !strings.Contains(out, "retries") {
		t.Errorf("unexpected attrs: %s", out)
	}
}

func TestConsoleHandler_FollowsLevelVar(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := slog.New(NewConsoleHandler(&buf, level)).With("task_id", "t-1").WithGroup("g")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be dropped at warn")
	}

	level.Set(slog.LevelInfo)
	logger.Info("kept", "k", "v")
	out := buf.String()
	if !strings.Contains(out, "kept") || !strings.Contains(out, "g.k") || !strings.Contains(out, "[t-1]") {
		t.Fatalf("unexpected console output: %s", out)
	}
}
