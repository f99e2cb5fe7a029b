package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("LogLevel(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestInit_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, &buf)

	Debug("Test", "should be suppressed")
	Info("Test", "should appear: %d", 42)

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("debug message should have been filtered, got %q", out)
	}
	if !strings.Contains(out, "should appear: 42") {
		t.Errorf("info message missing from output %q", out)
	}
	if !strings.Contains(out, "subsystem=Test") {
		t.Errorf("subsystem attribute missing from output %q", out)
	}
}

func TestError_IncludesErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf)

	Error("Test", errSentinel, "operation failed")

	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("error attribute missing from output %q", buf.String())
	}
}

type sentinelError struct{}

func (sentinelError) Error() string { return "boom" }

var errSentinel = sentinelError{}

func TestTruncateToken(t *testing.T) {
	if got := TruncateToken("abc"); got != "..." {
		t.Errorf("TruncateToken(short) = %q, want \"...\"", got)
	}
	if got := TruncateToken("abcdefghijklmnop"); got != "abcdefgh..." {
		t.Errorf("TruncateToken(long) = %q", got)
	}
}
