package logger

import (
	"log/slog"
	"strings"
	"testing"
)

func TestVerbosity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    int
		want slog.Level
	}{
		{n: -1, want: LevelOff},
		{n: 0, want: LevelOff},
		{n: 1, want: slog.LevelWarn},
		{n: 2, want: slog.LevelInfo},
		{n: 3, want: slog.LevelDebug},
		{n: 4, want: LevelTrace},
		{n: 5, want: LevelTrace - 4},
	}
	for _, tt := range tests {
		if got := Verbosity(tt.n); got != tt.want {
			t.Fatalf("Verbosity(%d): got %v want %v", tt.n, got, tt.want)
		}
	}
}

func TestFanoutRespectsLevels(t *testing.T) {
	t.Parallel()

	var quiet, loud Buffer
	log := New(NewFanoutHandler(
		NewPlainHandler(&quiet, &slog.HandlerOptions{Level: Verbosity(1)}),
		NewPlainHandler(&loud, &slog.HandlerOptions{Level: Verbosity(3)}),
		nil,
	))

	log.Debug("detail", "step", 1)
	log.Warn("careful")

	q := quiet.Drain()
	l := loud.Drain()
	if strings.Contains(q, "detail") {
		t.Fatalf("quiet buffer got debug output: %q", q)
	}
	if !strings.Contains(q, "careful") {
		t.Fatalf("quiet buffer missing warning: %q", q)
	}
	if !strings.Contains(l, "detail") || !strings.Contains(l, "step=1") {
		t.Fatalf("loud buffer missing debug output: %q", l)
	}
	if strings.Contains(l, "\033[") {
		t.Fatalf("plain handler wrote color codes: %q", l)
	}
	if quiet.Len() != 0 || loud.Len() != 0 {
		t.Fatalf("drain did not empty buffers")
	}
}

func TestVerbosityZeroIsSilent(t *testing.T) {
	t.Parallel()

	var b Buffer
	log := New(NewPlainHandler(&b, &slog.HandlerOptions{Level: Verbosity(0)}))
	log.Error("boom")
	if got := b.Drain(); got != "" {
		t.Fatalf("expected no output, got %q", got)
	}
}

func TestWithKeepsSharedWriter(t *testing.T) {
	t.Parallel()

	var b Buffer
	log := New(NewPlainHandler(&b, &slog.HandlerOptions{Level: slog.LevelInfo})).With("session", "s1").WithGroup("parser")
	log.Info("mask", "allowed", 3)
	got := b.Drain()
	if !strings.Contains(got, "session=s1") || !strings.Contains(got, "parser.allowed=3") {
		t.Fatalf("unexpected output: %q", got)
	}
}
