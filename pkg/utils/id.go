package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateClientID generates a unique connection id
func GenerateClientID() string {
	return GenerateID("client")
}

// GenerateSequenceID generates a unique latency probe sequence id
func GenerateSequenceID() string {
	return GenerateID("seq")
}

// GenerateTraceID generates a unique latency trace id, prefixed with the
// session/camera pair so trace logs group naturally.
func GenerateTraceID(sessionID, cameraID string) string {
	return fmt.Sprintf("%s_%s_%d_%s", sessionID, cameraID, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// GenerateID generates a prefixed unique id
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}
