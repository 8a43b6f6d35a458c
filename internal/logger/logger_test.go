package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		expect  slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"fatal", LevelFatal, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		level, err := ParseLevel(tt.input)
		if (err != nil) != tt.wantErr || level != tt.expect {
			t.Errorf("ParseLevel(%q) = %v, %v; expected %v, error %v", tt.input, level, err, tt.expect, tt.wantErr)
		}
	}
}

func TestAsyncHandlerWritesDailyFile(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	handler := NewAsyncHandler(dir, slog.LevelInfo)
	log := slog.New(handler)

	log.Debug("hidden line")
	log.Info("first line")
	log.With("client", "abc").WithGroup("bayeux").Info("second line", "channel", "/foo")

	if err := handler.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// writes after close must not panic
	log.Info("late line")

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	content := string(data)
	for _, want := range []string{"first line", "second line", "client=abc", "bayeux.channel=/foo"} {
		if !strings.Contains(content, want) {
			t.Errorf("log file does not contain %q:\n%s", want, content)
		}
	}
	if strings.Contains(content, "hidden line") {
		t.Error("debug line written below the configured level")
	}
}

func TestInitRestoresDefaultLogger(t *testing.T) {
	defer goleak.VerifyNone(t)

	previous := slog.Default()
	shutdown := Init(slog.LevelDebug, "")
	InfoF("[%s] message", "test")
	if err := shutdown.Invoke(context.Background()); err != nil {
		t.Fatal(err)
	}
	if slog.Default() != previous {
		t.Error("default logger not restored")
	}
}
