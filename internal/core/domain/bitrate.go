package domain

import (
	"math"
	"time"
)

type QualityPreset string

const (
	PresetLowLatency QualityPreset = "low_latency"
	PresetBalanced   QualityPreset = "balanced"
	PresetQuality    QualityPreset = "quality"
)

const (
	MinBitratePercentage = 0.1
	MaxBitratePercentage = 1.0
)

// BitrateSetting is the per (session, camera) bitrate budget. MaxBitrate
// is the ceiling supplied by the encoder; CurrentPercentage is the share
// of it actually in use.
type BitrateSetting struct {
	SessionID         SessionID     `json:"sessionId"`
	CameraID          CameraID      `json:"cameraId"`
	MaxBitrate        int           `json:"maxBitrate"` // bps
	CurrentPercentage float64       `json:"currentPercentage"`
	AdaptiveEnabled   bool          `json:"adaptiveEnabled"`
	QualityPreset     QualityPreset `json:"qualityPreset"`
	LastUpdated       time.Time     `json:"lastUpdated"`
}

// EffectiveBitrate is the value actually pushed to the encoder.
func (b BitrateSetting) EffectiveBitrate() int {
	return int(math.Floor(float64(b.MaxBitrate) * b.CurrentPercentage))
}

// ClampPercentage bounds a requested percentage to the legal envelope.
func ClampPercentage(p float64) float64 {
	if p < MinBitratePercentage {
		return MinBitratePercentage
	}
	if p > MaxBitratePercentage {
		return MaxBitratePercentage
	}
	return p
}

// QualitySample is one periodic telemetry report from a viewing endpoint.
// Kept in a bounded rolling window per (session, camera, client).
type QualitySample struct {
	SessionID     SessionID `json:"sessionId"`
	CameraID      CameraID  `json:"cameraId"`
	ClientID      ClientID  `json:"clientId"`
	PacketLoss    float64   `json:"packetLoss"` // ratio, 0.01 = 1%
	Jitter        float64   `json:"jitter"`     // seconds
	RoundTripTime float64   `json:"roundTripTime"`
	Bandwidth     int       `json:"bandwidth"`
	FPS           int       `json:"fps"`
	Resolution    string    `json:"resolution"`
	Timestamp     time.Time `json:"timestamp"`
}

// VideoCodecSettings carries the low-latency encoder parameters attached
// to every bitrate directive.
type VideoCodecSettings struct {
	Codec   string `json:"codec"`
	Profile string `json:"profile"`
	Level   string `json:"level"`
	GOP     int    `json:"gop"`
	BFrames int    `json:"bframes"`
	Preset  string `json:"preset"`
	Tune    string `json:"tune"`
}

type AudioCodecSettings struct {
	Codec       string `json:"codec"`
	Bitrate     int    `json:"bitrate"`
	SampleRate  int    `json:"sampleRate"`
	Application string `json:"application"`
}

// BitrateDirective is the message pushed to the producing endpoint when a
// setting changes.
type BitrateDirective struct {
	SessionID     SessionID          `json:"sessionId"`
	CameraID      CameraID           `json:"cameraId"`
	TargetBitrate int                `json:"targetBitrate"`
	QualityPreset QualityPreset      `json:"qualityPreset"`
	Video         VideoCodecSettings `json:"video"`
	Audio         AudioCodecSettings `json:"audio"`
	Timestamp     time.Time          `json:"timestamp"`
}

// DefaultDirective builds the passthrough-friendly directive for a
// setting: baseline profile, no B-frames, fixed one-second GOP.
func DefaultDirective(setting BitrateSetting) BitrateDirective {
	return BitrateDirective{
		SessionID:     setting.SessionID,
		CameraID:      setting.CameraID,
		TargetBitrate: setting.EffectiveBitrate(),
		QualityPreset: setting.QualityPreset,
		Video: VideoCodecSettings{
			Codec:   "h264",
			Profile: "baseline",
			Level:   "3.1",
			GOP:     30,
			BFrames: 0,
			Preset:  "ultrafast",
			Tune:    "zerolatency",
		},
		Audio: AudioCodecSettings{
			Codec:       "opus",
			Bitrate:     128000,
			SampleRate:  48000,
			Application: "lowdelay",
		},
		Timestamp: time.Now(),
	}
}
