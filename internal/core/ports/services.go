package ports

import (
	"context"

	"returnfeed/internal/core/domain"
)

// Broadcaster is the session-scoped fan-out primitive. Per-connection
// send failures are isolated; partial delivery is acceptable.
type Broadcaster interface {
	Broadcast(sessionID domain.SessionID, message interface{})
	BroadcastGlobal(message interface{})
}

// ProducerLink is the upstream channel to the producing endpoint (PD
// software). SendDirective must not block the control loop; while the
// link is down directives are queued best-effort.
type ProducerLink interface {
	SendDirective(directive domain.BitrateDirective) error
	ReportLatency(sessionID domain.SessionID, cameraID domain.CameraID, sequenceID string, endToEndMS float64) error
	Connected() bool
}

type TallyService interface {
	ApplyTallyUpdate(ctx context.Context, sessionID domain.SessionID, writerRole domain.Role, program, preview *int, inputs map[int]string) error
	ApplyInputsUpdate(ctx context.Context, sessionID domain.SessionID, writerRole domain.Role, inputs map[int]string, vmixVersion string) error
	GetCurrentState(ctx context.Context, sessionID domain.SessionID) (domain.TallyState, error)
}

type BitrateService interface {
	Initialize(ctx context.Context, sessionID domain.SessionID, cameraID domain.CameraID, maxBitrate int) (domain.BitrateSetting, error)
	SetPercentage(ctx context.Context, sessionID domain.SessionID, cameraID domain.CameraID, percentage float64) (domain.BitrateSetting, error)
	SetAdaptive(ctx context.Context, sessionID domain.SessionID, cameraID domain.CameraID, enabled bool) error
	RecordQualitySample(ctx context.Context, sample domain.QualitySample) error
	GetSetting(sessionID domain.SessionID, cameraID domain.CameraID) (domain.BitrateSetting, error)
	SessionSettings(sessionID domain.SessionID) []domain.BitrateSetting
	Teardown(sessionID domain.SessionID, cameraID domain.CameraID)
}

type LatencyService interface {
	StartTrace(sessionID domain.SessionID, cameraID domain.CameraID) domain.TraceID
	RecordSegment(traceID domain.TraceID, segmentName string, duration float64)
	CompleteTrace(traceID domain.TraceID, reason string) *domain.LatencyTrace
	HandleProbe(probe domain.LatencyProbe)
	HandleProbeResponse(clientID domain.ClientID, sequenceID string, receiveTimestamp float64, sessionID domain.SessionID, cameraID domain.CameraID)
	GetStats(sessionID domain.SessionID, cameraID domain.CameraID) domain.LatencyStats
	CurrentLatency(sessionID domain.SessionID, cameraID domain.CameraID) float64
	RecentAlerts(limit int) []domain.Alert
}
