package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// SessionIDRegex validates session id format
	SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// CameraIDRegex validates camera id format
	CameraIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// MaxBitrateCeiling is the highest encoder ceiling a client may request.
const MaxBitrateCeiling = 100_000_000

// ValidateSessionID validates a session identifier
func ValidateSessionID(sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if len(sessionID) > 64 {
		return fmt.Errorf("session id is too long (max 64 characters)")
	}
	if !SessionIDRegex.MatchString(sessionID) {
		return fmt.Errorf("session id may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// ValidateCameraID validates a camera identifier
func ValidateCameraID(cameraID string) error {
	cameraID = strings.TrimSpace(cameraID)
	if cameraID == "" {
		return fmt.Errorf("camera id is required")
	}
	if len(cameraID) > 32 {
		return fmt.Errorf("camera id is too long (max 32 characters)")
	}
	if !CameraIDRegex.MatchString(cameraID) {
		return fmt.Errorf("camera id may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// ValidateCameraNumber validates a camera slot number
func ValidateCameraNumber(n int) error {
	if n < 0 || n > 99 {
		return fmt.Errorf("camera number must be between 0 and 99")
	}
	return nil
}

// ValidateMaxBitrate validates an encoder bitrate ceiling in bps
func ValidateMaxBitrate(bitrate int) error {
	if bitrate <= 0 {
		return fmt.Errorf("max bitrate must be positive")
	}
	if bitrate > MaxBitrateCeiling {
		return fmt.Errorf("max bitrate exceeds ceiling of %d bps", MaxBitrateCeiling)
	}
	return nil
}

// ValidateInputNumber validates a mixer input number
func ValidateInputNumber(n int) error {
	if n < 1 || n > 1000 {
		return fmt.Errorf("input number must be between 1 and 1000")
	}
	return nil
}

// ValidateURL validates that a string is an absolute http(s) or ws(s) URL
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("url is required")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("url scheme must be http, https, ws or wss")
	}
	if parsed.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}
