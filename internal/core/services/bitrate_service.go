package services

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/core/ports"
	apperrors "returnfeed/pkg/errors"
	"returnfeed/pkg/utils"

	"go.uber.org/zap"
)

// latencyReader is the slice of the latency pipeline the control loop
// consults before stepping a bitrate up.
type latencyReader interface {
	CurrentLatency(sessionID domain.SessionID, cameraID domain.CameraID) float64
	TotalTarget() float64
}

// Control rule thresholds. Loss above stepDownLoss steps the percentage
// down; loss below stepUpLoss with jitter below stepUpJitter (and latency
// under target) steps it up. The band between the two is a dead zone.
const (
	stepDownLoss = 0.01
	stepUpLoss   = 0.002
	stepUpJitter = 0.02 // seconds
)

type bitrateKey struct {
	sessionID domain.SessionID
	cameraID  domain.CameraID
}

type sampleKey struct {
	sessionID domain.SessionID
	cameraID  domain.CameraID
	clientID  domain.ClientID
}

// BitrateControlService keeps each camera's effective bitrate within a
// safe envelope given observed network quality, without oscillating.
// There is a single authoritative writer per (session, camera): the last
// applied setting is what is broadcast.
type BitrateControlService struct {
	bus      ports.Broadcaster
	producer ports.ProducerLink
	latency  latencyReader
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	settings map[bitrateKey]domain.BitrateSetting
	samples  map[sampleKey][]domain.QualitySample

	stepSize          float64
	coalesceThreshold float64 // fraction of the current percentage
	windowSize        int
	reportInterval    time.Duration

	onApply func(domain.BitrateSetting)
	onStep  func(up bool)
}

func NewBitrateControlService(
	bus ports.Broadcaster,
	producer ports.ProducerLink,
	latency latencyReader,
	logger *zap.SugaredLogger,
) *BitrateControlService {
	return &BitrateControlService{
		bus:               bus,
		producer:          producer,
		latency:           latency,
		logger:            logger,
		settings:          make(map[bitrateKey]domain.BitrateSetting),
		samples:           make(map[sampleKey][]domain.QualitySample),
		stepSize:          0.1,
		coalesceThreshold: 0.1,
		windowSize:        50,
		reportInterval:    3 * time.Second,
	}
}

// SetStepSize sets the control loop step size
func (s *BitrateControlService) SetStepSize(step float64) {
	s.stepSize = step
}

// SetCoalesceThreshold sets the minimum relative change worth applying
func (s *BitrateControlService) SetCoalesceThreshold(threshold float64) {
	s.coalesceThreshold = threshold
}

// SetQualityWindowSize bounds the per-key rolling sample window
func (s *BitrateControlService) SetQualityWindowSize(size int) {
	s.windowSize = size
}

// SetReportInterval sets the periodic quality report request interval
func (s *BitrateControlService) SetReportInterval(interval time.Duration) {
	s.reportInterval = interval
}

// SetObservers installs metric hooks for applied settings and control
// steps. Not safe to call once the service is in use.
func (s *BitrateControlService) SetObservers(onApply func(domain.BitrateSetting), onStep func(up bool)) {
	s.onApply = onApply
	s.onStep = onStep
}

// Initialize creates a setting at full utilization and applies it
// immediately so the encoder starts from a known state.
func (s *BitrateControlService) Initialize(ctx context.Context, sessionID domain.SessionID, cameraID domain.CameraID, maxBitrate int) (domain.BitrateSetting, error) {
	if maxBitrate <= 0 {
		return domain.BitrateSetting{}, apperrors.NewValidationError("maxBitrate must be > 0")
	}

	setting := domain.BitrateSetting{
		SessionID:         sessionID,
		CameraID:          cameraID,
		MaxBitrate:        maxBitrate,
		CurrentPercentage: 1.0,
		AdaptiveEnabled:   true,
		QualityPreset:     domain.PresetBalanced,
		LastUpdated:       utils.Now(),
	}

	s.mu.Lock()
	s.settings[bitrateKey{sessionID, cameraID}] = setting
	s.mu.Unlock()

	s.applyAndBroadcast(setting)
	return setting, nil
}

// SetPercentage is the manual override path. It always takes effect,
// even when adaptation is disabled; concurrent calls race and the last
// write wins.
func (s *BitrateControlService) SetPercentage(ctx context.Context, sessionID domain.SessionID, cameraID domain.CameraID, percentage float64) (domain.BitrateSetting, error) {
	key := bitrateKey{sessionID, cameraID}

	s.mu.Lock()
	setting, ok := s.settings[key]
	if !ok {
		s.mu.Unlock()
		return domain.BitrateSetting{}, apperrors.NewNotFoundError(fmt.Sprintf("bitrate setting %s/%s", sessionID, cameraID))
	}
	setting.CurrentPercentage = domain.ClampPercentage(percentage)
	setting.LastUpdated = utils.Now()
	s.settings[key] = setting
	s.mu.Unlock()

	s.applyAndBroadcast(setting)
	return setting, nil
}

// SetAdaptive toggles the control loop for one setting.
func (s *BitrateControlService) SetAdaptive(ctx context.Context, sessionID domain.SessionID, cameraID domain.CameraID, enabled bool) error {
	key := bitrateKey{sessionID, cameraID}

	s.mu.Lock()
	defer s.mu.Unlock()

	setting, ok := s.settings[key]
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("bitrate setting %s/%s", sessionID, cameraID))
	}
	setting.AdaptiveEnabled = enabled
	setting.LastUpdated = utils.Now()
	s.settings[key] = setting
	return nil
}

// RecordQualitySample appends a telemetry report to the rolling window
// and evaluates the control rule.
func (s *BitrateControlService) RecordQualitySample(ctx context.Context, sample domain.QualitySample) error {
	if sample.SessionID == "" || sample.CameraID == "" {
		return apperrors.NewValidationError("quality sample requires session and camera ids")
	}

	key := sampleKey{sample.SessionID, sample.CameraID, sample.ClientID}

	s.mu.Lock()
	window := append(s.samples[key], sample)
	if len(window) > s.windowSize {
		window = window[len(window)-s.windowSize:]
	}
	s.samples[key] = window
	s.mu.Unlock()

	s.bus.Broadcast(sample.SessionID, map[string]interface{}{
		"type":      "quality_metrics_update",
		"sessionId": sample.SessionID,
		"cameraId":  sample.CameraID,
		"metrics": map[string]interface{}{
			"packetLoss":    sample.PacketLoss,
			"jitter":        sample.Jitter,
			"roundTripTime": sample.RoundTripTime,
			"bandwidth":     sample.Bandwidth,
			"fps":           sample.FPS,
			"resolution":    sample.Resolution,
		},
		"timestamp": utils.FormatTimestamp(sample.Timestamp),
	})

	s.evaluate(sample)
	return nil
}

// evaluate runs the hysteresis-bounded control rule for one sample.
func (s *BitrateControlService) evaluate(sample domain.QualitySample) {
	switch {
	case sample.PacketLoss > stepDownLoss:
		s.adjust(sample.SessionID, sample.CameraID, -s.stepSize)
	case sample.PacketLoss < stepUpLoss && sample.Jitter < stepUpJitter:
		if s.latency.CurrentLatency(sample.SessionID, sample.CameraID) < s.latency.TotalTarget() {
			s.adjust(sample.SessionID, sample.CameraID, s.stepSize)
		}
	default:
		// Dead zone between the two thresholds: no change, which is
		// what keeps noisy telemetry from causing oscillation.
	}
}

func (s *BitrateControlService) adjust(sessionID domain.SessionID, cameraID domain.CameraID, delta float64) {
	key := bitrateKey{sessionID, cameraID}

	s.mu.Lock()
	setting, ok := s.settings[key]
	if !ok || !setting.AdaptiveEnabled {
		s.mu.Unlock()
		return
	}

	next := domain.ClampPercentage(setting.CurrentPercentage + delta)
	if next == setting.CurrentPercentage {
		s.mu.Unlock()
		return
	}
	// Coalesce steps smaller than the threshold fraction of the current
	// value so borderline telemetry does not thrash the encoder. The
	// epsilon keeps a legitimate full step from float-rounding just under
	// the threshold (|0.9-1.0| is 0.0999..., not 0.1).
	if math.Abs(next-setting.CurrentPercentage) < s.coalesceThreshold*setting.CurrentPercentage-1e-9 {
		s.mu.Unlock()
		return
	}

	setting.CurrentPercentage = next
	setting.LastUpdated = utils.Now()
	s.settings[key] = setting
	s.mu.Unlock()

	s.logger.Infow("adaptive bitrate step",
		"session_id", sessionID,
		"camera_id", cameraID,
		"percentage", next,
		"effective_bitrate", setting.EffectiveBitrate(),
	)
	if s.onStep != nil {
		s.onStep(delta > 0)
	}
	s.applyAndBroadcast(setting)
}

// applyAndBroadcast pushes a directive to the producing endpoint, then
// broadcasts the new effective bitrate. Apply-then-broadcast, never the
// reverse: subscribers must never see a value the encoder was not told
// about. Directive failures are recoverable; the link retries on its own.
func (s *BitrateControlService) applyAndBroadcast(setting domain.BitrateSetting) {
	if s.onApply != nil {
		s.onApply(setting)
	}
	if err := s.producer.SendDirective(domain.DefaultDirective(setting)); err != nil {
		s.logger.Warnw("failed to push bitrate directive",
			"session_id", setting.SessionID,
			"camera_id", setting.CameraID,
			"error", err,
		)
	}

	s.bus.Broadcast(setting.SessionID, map[string]interface{}{
		"type":              "bitrate_changed",
		"sessionId":         setting.SessionID,
		"cameraId":          setting.CameraID,
		"maxBitrate":        setting.MaxBitrate,
		"currentPercentage": setting.CurrentPercentage,
		"effectiveBitrate":  setting.EffectiveBitrate(),
		"adaptiveEnabled":   setting.AdaptiveEnabled,
		"qualityPreset":     setting.QualityPreset,
		"timestamp":         utils.FormatTimestamp(utils.Now()),
	})
}

// GetSetting returns a copy of the current setting for one camera.
func (s *BitrateControlService) GetSetting(sessionID domain.SessionID, cameraID domain.CameraID) (domain.BitrateSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	setting, ok := s.settings[bitrateKey{sessionID, cameraID}]
	if !ok {
		return domain.BitrateSetting{}, apperrors.WrapError(domain.ErrSettingNotFound,
			apperrors.ErrCodeNotFound, fmt.Sprintf("bitrate setting %s/%s not found", sessionID, cameraID), http.StatusNotFound)
	}
	return setting, nil
}

// SessionSettings returns all settings for a session, for late joiners.
func (s *BitrateControlService) SessionSettings(sessionID domain.SessionID) []domain.BitrateSetting {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.BitrateSetting
	for key, setting := range s.settings {
		if key.sessionID == sessionID {
			out = append(out, setting)
		}
	}
	return out
}

// Teardown deletes the setting and sample windows on stream teardown.
func (s *BitrateControlService) Teardown(sessionID domain.SessionID, cameraID domain.CameraID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.settings, bitrateKey{sessionID, cameraID})
	for key := range s.samples {
		if key.sessionID == sessionID && key.cameraID == cameraID {
			delete(s.samples, key)
		}
	}
}

// Run drives the periodic quality polling. Each tick asks every session
// with an active setting for fresh telemetry; viewers answer with
// quality_metrics_report messages.
func (s *BitrateControlService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.requestQualityReports()
		}
	}
}

func (s *BitrateControlService) requestQualityReports() {
	s.mu.RLock()
	sessions := make(map[domain.SessionID]struct{})
	for key := range s.settings {
		sessions[key.sessionID] = struct{}{}
	}
	s.mu.RUnlock()

	for sessionID := range sessions {
		s.bus.Broadcast(sessionID, map[string]interface{}{
			"type":      "quality_report_request",
			"timestamp": utils.FormatTimestamp(utils.Now()),
		})
	}
}
