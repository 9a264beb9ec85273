package validation

import (
	"strings"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	valid := []string{"show-1", "Studio_A", "abc123"}
	for _, id := range valid {
		if err := ValidateSessionID(id); err != nil {
			t.Errorf("expected %q to be valid: %v", id, err)
		}
	}

	invalid := []string{"", "  ", "show 1", "show/1", strings.Repeat("a", 65)}
	for _, id := range invalid {
		if err := ValidateSessionID(id); err == nil {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestValidateCameraID(t *testing.T) {
	if err := ValidateCameraID("camera1"); err != nil {
		t.Errorf("expected camera1 to be valid: %v", err)
	}
	if err := ValidateCameraID(""); err == nil {
		t.Error("expected empty camera id to be invalid")
	}
	if err := ValidateCameraID(strings.Repeat("c", 33)); err == nil {
		t.Error("expected overlong camera id to be invalid")
	}
}

func TestValidateCameraNumber(t *testing.T) {
	if err := ValidateCameraNumber(1); err != nil {
		t.Errorf("expected 1 to be valid: %v", err)
	}
	if err := ValidateCameraNumber(-1); err == nil {
		t.Error("expected -1 to be invalid")
	}
	if err := ValidateCameraNumber(100); err == nil {
		t.Error("expected 100 to be invalid")
	}
}

func TestValidateMaxBitrate(t *testing.T) {
	if err := ValidateMaxBitrate(5_000_000); err != nil {
		t.Errorf("expected 5 Mbps to be valid: %v", err)
	}
	if err := ValidateMaxBitrate(0); err == nil {
		t.Error("expected zero bitrate to be invalid")
	}
	if err := ValidateMaxBitrate(MaxBitrateCeiling + 1); err == nil {
		t.Error("expected over-ceiling bitrate to be invalid")
	}
}

func TestValidateInputNumber(t *testing.T) {
	if err := ValidateInputNumber(1); err != nil {
		t.Errorf("expected 1 to be valid: %v", err)
	}
	if err := ValidateInputNumber(0); err == nil {
		t.Error("expected 0 to be invalid")
	}
}

func TestValidateURL(t *testing.T) {
	valid := []string{"ws://localhost:8090/ws/latency", "https://relay.example.com", "wss://relay.example.com/ws"}
	for _, u := range valid {
		if err := ValidateURL(u); err != nil {
			t.Errorf("expected %q to be valid: %v", u, err)
		}
	}

	invalid := []string{"", "ftp://host/file", "not a url", "http://"}
	for _, u := range invalid {
		if err := ValidateURL(u); err == nil {
			t.Errorf("expected %q to be invalid", u)
		}
	}
}
