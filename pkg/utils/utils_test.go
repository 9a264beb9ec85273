package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("test")
	id2 := GenerateID("test")

	if id1 == id2 {
		t.Error("expected different IDs")
	}

	if !strings.HasPrefix(id1, "test_") {
		t.Errorf("expected prefix 'test_', got %s", id1)
	}
}

func TestGenerateClientID(t *testing.T) {
	id1 := GenerateClientID()
	id2 := GenerateClientID()

	if id1 == id2 {
		t.Error("expected different client IDs")
	}

	if !strings.HasPrefix(id1, "client_") {
		t.Errorf("expected prefix 'client_', got %s", id1)
	}
}

func TestGenerateTraceID(t *testing.T) {
	id := GenerateTraceID("abc", "cam1")

	if !strings.HasPrefix(id, "abc_cam1_") {
		t.Errorf("expected session/camera prefix, got %s", id)
	}

	if id == GenerateTraceID("abc", "cam1") {
		t.Error("expected different trace IDs")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{100 * time.Millisecond, "100ms"},
		{2 * time.Second, "2.00s"},
		{2*time.Minute + 30*time.Second, "2m30s"},
		{2*time.Hour + 30*time.Minute, "2h30m"},
	}

	for _, tt := range tests {
		t.Run(tt.duration.String(), func(t *testing.T) {
			result := FormatDuration(tt.duration)
			if result != tt.expected {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now()

	if !IsExpired(now.Add(-2*time.Hour), 1*time.Hour) {
		t.Error("expected expired timestamp")
	}

	if IsExpired(now.Add(-30*time.Minute), 1*time.Hour) {
		t.Error("expected non-expired timestamp")
	}
}
