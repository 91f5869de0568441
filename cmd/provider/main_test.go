package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"provider/internal/eventbus"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", slog.LevelInfo)
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}
	logger.Info("hello", "job_id", "j1")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"job_id":"j1"`) {
		t.Errorf("Expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	logger, _ = newLogger(&buf, "text", slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("Unexpected text output %q", buf.String())
	}

	if _, err := newLogger(&buf, "xml", slog.LevelInfo); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestPrintEvents(t *testing.T) {
	ts := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	events := make(chan eventbus.Event, 2)
	events <- eventbus.Event{Type: eventbus.EventStatus, Status: eventbus.StatusOnline, Timestamp: ts}
	events <- eventbus.Event{Type: eventbus.EventLog, Text: "Received job job-1", Timestamp: ts}
	close(events)

	var buf bytes.Buffer
	if err := printEvents(&buf, events); err != nil {
		t.Fatalf("printEvents failed: %v", err)
	}
	want := "15:04:05 [status] online\n15:04:05 Received job job-1\n"
	if buf.String() != want {
		t.Errorf("Expected %q, got %q", want, buf.String())
	}
}
