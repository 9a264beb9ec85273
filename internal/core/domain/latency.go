package domain

import "time"

type TraceID string

// Segment names of the producer → passthrough → viewer path. Targets are
// milliseconds.
const (
	SegmentEncode      = "encode"
	SegmentSRTTransmit = "srt_transmit"
	SegmentPassthrough = "passthrough"
	SegmentWebRTC      = "webrtc_transmit"
	SegmentDecode      = "decode"
	SegmentTotal       = "total"
)

// DefaultSegmentTargets returns the per-segment latency budget in ms.
func DefaultSegmentTargets() map[string]float64 {
	return map[string]float64{
		SegmentEncode:      25,
		SegmentSRTTransmit: 8,
		SegmentPassthrough: 3,
		SegmentWebRTC:      15,
		SegmentDecode:      10,
		SegmentTotal:       75,
	}
}

// LatencySegment is one named sub-interval of a trace.
type LatencySegment struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration"` // ms
	Target   float64 `json:"target"`   // ms
	Optimal  bool    `json:"optimal"`
}

const (
	TraceCompleted = "completed"
	TraceTimedOut  = "timeout"
)

// LatencyTrace is one correlated multi-segment measurement. SequenceID
// matches the corresponding remote-side probe response across the hop
// boundary.
type LatencyTrace struct {
	TraceID      TraceID          `json:"traceId"`
	SessionID    SessionID        `json:"sessionId"`
	CameraID     CameraID         `json:"cameraId"`
	SequenceID   string           `json:"sequenceId,omitempty"`
	StartedAt    time.Time        `json:"startedAt"`
	CompletedAt  time.Time        `json:"completedAt"`
	TotalLatency float64          `json:"totalLatency"` // ms
	Segments     []LatencySegment `json:"segments"`
	Reason       string           `json:"reason"`
	Optimal      bool             `json:"optimal"`
}

type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is raised when a segment or trace total exceeds a threshold
// multiple of its target.
type Alert struct {
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	Segment   string        `json:"segment"`
	Actual    float64       `json:"actual"` // ms
	Target    float64       `json:"target"` // ms
	CreatedAt time.Time     `json:"createdAt"`
}

// SegmentStats summarizes one segment over the recent trace window. All
// latency figures are milliseconds.
type SegmentStats struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Target  float64 `json:"target"`
	Samples int     `json:"samples"`
}

// OverallStats extends SegmentStats with the share of traces that met the
// total target.
type OverallStats struct {
	SegmentStats
	SuccessRate float64 `json:"successRate"` // percent
}

// LatencyStats is the per (session, camera) rolling statistics report.
type LatencyStats struct {
	SessionID SessionID               `json:"sessionId"`
	CameraID  CameraID                `json:"cameraId"`
	Segments  map[string]SegmentStats `json:"segments"`
	Overall   OverallStats            `json:"overall"`
	Timestamp time.Time               `json:"timestamp"`
}

// LatencyProbe is a timestamped marker emitted at one hop and answered by
// a different hop; correlation is by SequenceID.
type LatencyProbe struct {
	SequenceID string    `json:"sequenceId"`
	SessionID  SessionID `json:"sessionId"`
	CameraID   CameraID  `json:"cameraId"`
	Source     string    `json:"source"`    // producer | passthrough | viewer
	Timestamp  float64   `json:"timestamp"` // unix ms at the emitting hop
}
