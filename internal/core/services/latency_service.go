package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/core/ports"
	"returnfeed/pkg/utils"

	"go.uber.org/zap"
)

type latencyKey struct {
	sessionID domain.SessionID
	cameraID  domain.CameraID
}

type activeTrace struct {
	trace domain.LatencyTrace
	timer *time.Timer
}

// LatencyPipeline correlates timestamped probes across the
// producer → passthrough → viewer path, keeps rolling per-camera
// statistics and raises threshold alerts.
type LatencyPipeline struct {
	bus      ports.Broadcaster
	producer ports.ProducerLink
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	active  map[domain.TraceID]*activeTrace
	pending map[string]domain.TraceID // sequence id → trace, across the hop boundary
	history map[latencyKey][]domain.LatencyTrace
	alerts  []domain.Alert

	onTrace func(domain.LatencyTrace)
	onAlert func(domain.Alert)

	targets            map[string]float64
	traceTimeout       time.Duration
	statsInterval      time.Duration
	statsWindow        int
	maxTraceHistory    int
	maxAlerts          int
	alertRetention     time.Duration
	cleanupInterval    time.Duration
	warningMultiplier  float64
	criticalMultiplier float64
}

func NewLatencyPipeline(bus ports.Broadcaster, producer ports.ProducerLink, logger *zap.SugaredLogger) *LatencyPipeline {
	return &LatencyPipeline{
		bus:                bus,
		producer:           producer,
		logger:             logger,
		active:             make(map[domain.TraceID]*activeTrace),
		pending:            make(map[string]domain.TraceID),
		history:            make(map[latencyKey][]domain.LatencyTrace),
		targets:            domain.DefaultSegmentTargets(),
		traceTimeout:       10 * time.Second,
		statsInterval:      time.Second,
		statsWindow:        100,
		maxTraceHistory:    1000,
		maxAlerts:          100,
		alertRetention:     time.Hour,
		cleanupInterval:    time.Minute,
		warningMultiplier:  1.2,
		criticalMultiplier: 1.5,
	}
}

// SetTraceTimeout sets the window after which an open trace force-completes
func (p *LatencyPipeline) SetTraceTimeout(timeout time.Duration) {
	p.traceTimeout = timeout
}

// SetStatsInterval sets the periodic stats broadcast interval
func (p *LatencyPipeline) SetStatsInterval(interval time.Duration) {
	p.statsInterval = interval
}

// SetStatsWindow sets the number of recent traces stats are computed over
func (p *LatencyPipeline) SetStatsWindow(window int) {
	p.statsWindow = window
}

// SetHistoryLimits bounds the per-key trace history and the alert buffer
func (p *LatencyPipeline) SetHistoryLimits(maxTraces, maxAlerts int) {
	p.maxTraceHistory = maxTraces
	p.maxAlerts = maxAlerts
}

// SetRetention sets how long alerts are kept and how often the cleanup
// pass runs
func (p *LatencyPipeline) SetRetention(alertRetention, cleanupInterval time.Duration) {
	p.alertRetention = alertRetention
	p.cleanupInterval = cleanupInterval
}

// SetAlertThresholds sets the warning/critical multipliers over target
func (p *LatencyPipeline) SetAlertThresholds(warning, critical float64) {
	p.warningMultiplier = warning
	p.criticalMultiplier = critical
}

// SetObservers installs metric hooks for finished traces and raised
// alerts. Not safe to call once the pipeline is running.
func (p *LatencyPipeline) SetObservers(onTrace func(domain.LatencyTrace), onAlert func(domain.Alert)) {
	p.onTrace = onTrace
	p.onAlert = onAlert
}

// TotalTarget returns the end-to-end latency budget in ms.
func (p *LatencyPipeline) TotalTarget() float64 {
	return p.targets[domain.SegmentTotal]
}

// StartTrace opens a trace and schedules its timeout. A trace that sees
// no terminal event within the window force-completes with reason
// "timeout".
func (p *LatencyPipeline) StartTrace(sessionID domain.SessionID, cameraID domain.CameraID) domain.TraceID {
	traceID := domain.TraceID(utils.GenerateTraceID(string(sessionID), string(cameraID)))

	at := &activeTrace{
		trace: domain.LatencyTrace{
			TraceID:   traceID,
			SessionID: sessionID,
			CameraID:  cameraID,
			StartedAt: utils.Now(),
		},
	}
	at.timer = time.AfterFunc(p.traceTimeout, func() {
		p.CompleteTrace(traceID, domain.TraceTimedOut)
	})

	p.mu.Lock()
	p.active[traceID] = at
	p.mu.Unlock()

	return traceID
}

// RecordSegment appends a named segment to an open trace and raises an
// alert when the duration blows past its target. Unknown trace ids are
// ignored; the trace may have just timed out.
func (p *LatencyPipeline) RecordSegment(traceID domain.TraceID, segmentName string, duration float64) {
	target, ok := p.targets[segmentName]
	if !ok {
		target = 10
	}

	p.mu.Lock()
	at, ok := p.active[traceID]
	if !ok {
		p.mu.Unlock()
		return
	}
	at.trace.Segments = append(at.trace.Segments, domain.LatencySegment{
		Name:     segmentName,
		Duration: duration,
		Target:   target,
		Optimal:  duration <= target,
	})
	p.mu.Unlock()

	if duration > target*p.warningMultiplier {
		severity := domain.AlertWarning
		if duration > target*p.criticalMultiplier {
			severity = domain.AlertCritical
		}
		p.raiseAlert(severity, fmt.Sprintf("high latency in %s", segmentName), segmentName, duration, target)
	}
}

// CompleteTrace sums segments into the total, stores the finished trace
// in the bounded history and removes it from the active set. Returns nil
// when the id is unknown (already completed or timed out) — callers must
// treat that as a benign race.
func (p *LatencyPipeline) CompleteTrace(traceID domain.TraceID, reason string) *domain.LatencyTrace {
	p.mu.Lock()
	at, ok := p.active[traceID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.active, traceID)
	if at.trace.SequenceID != "" {
		delete(p.pending, at.trace.SequenceID)
	}
	p.mu.Unlock()

	at.timer.Stop()

	var total float64
	for _, seg := range at.trace.Segments {
		total += seg.Duration
	}
	trace := at.trace
	trace.CompletedAt = utils.Now()
	trace.TotalLatency = total
	trace.Reason = reason
	trace.Optimal = total <= p.TotalTarget()

	p.store(trace)
	return &trace
}

// completeWithTotal finishes a probe-correlated trace whose total was
// measured across the hop boundary rather than summed from segments.
func (p *LatencyPipeline) completeWithTotal(traceID domain.TraceID, total float64) *domain.LatencyTrace {
	p.mu.Lock()
	at, ok := p.active[traceID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.active, traceID)
	if at.trace.SequenceID != "" {
		delete(p.pending, at.trace.SequenceID)
	}
	p.mu.Unlock()

	at.timer.Stop()

	trace := at.trace
	trace.CompletedAt = utils.Now()
	trace.TotalLatency = total
	trace.Reason = domain.TraceCompleted
	trace.Optimal = total <= p.TotalTarget()

	p.store(trace)
	return &trace
}

func (p *LatencyPipeline) store(trace domain.LatencyTrace) {
	key := latencyKey{trace.SessionID, trace.CameraID}

	p.mu.Lock()
	list := append(p.history[key], trace)
	if len(list) > p.maxTraceHistory {
		list = list[len(list)-p.maxTraceHistory:]
	}
	p.history[key] = list
	p.mu.Unlock()

	if p.onTrace != nil {
		p.onTrace(trace)
	}

	totalTarget := p.TotalTarget()
	if trace.TotalLatency > totalTarget {
		severity := domain.AlertWarning
		if trace.TotalLatency > totalTarget*p.criticalMultiplier {
			severity = domain.AlertCritical
		}
		p.raiseAlert(severity, "total latency exceeded target", domain.SegmentTotal, trace.TotalLatency, totalTarget)
	}
}

// HandleProbe registers a producer-side probe: it opens a trace keyed by
// the probe's sequence id and asks the session's viewers to report their
// receive timestamp.
func (p *LatencyPipeline) HandleProbe(probe domain.LatencyProbe) {
	traceID := p.StartTrace(probe.SessionID, probe.CameraID)

	p.mu.Lock()
	if at, ok := p.active[traceID]; ok {
		at.trace.SequenceID = probe.SequenceID
		p.pending[probe.SequenceID] = traceID
	}
	p.mu.Unlock()

	p.bus.Broadcast(probe.SessionID, map[string]interface{}{
		"type": "latency_measurement_request",
		"measurement": map[string]interface{}{
			"sequenceId": probe.SequenceID,
			"timestamp":  probe.Timestamp,
			"sessionId":  probe.SessionID,
			"cameraId":   probe.CameraID,
		},
	})
}

// HandleProbeResponse matches a viewer's receive timestamp against the
// pending probe with the same sequence id. A response that arrives after
// the local trace already force-timed-out is dropped, not reopened.
func (p *LatencyPipeline) HandleProbeResponse(clientID domain.ClientID, sequenceID string, receiveTimestamp float64, sessionID domain.SessionID, cameraID domain.CameraID) {
	p.mu.Lock()
	traceID, ok := p.pending[sequenceID]
	var sentAt time.Time
	if ok {
		if at, active := p.active[traceID]; active {
			sentAt = at.trace.StartedAt
		} else {
			ok = false
		}
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debugw("dropping late probe response", "sequence_id", sequenceID, "client_id", clientID)
		return
	}

	endToEnd := receiveTimestamp - float64(sentAt.UnixMilli())
	if endToEnd < 0 {
		endToEnd = 0
	}

	trace := p.completeWithTotal(traceID, endToEnd)
	if trace == nil {
		return
	}

	if err := p.producer.ReportLatency(sessionID, cameraID, sequenceID, endToEnd); err != nil {
		p.logger.Warnw("failed to report latency upstream",
			"session_id", sessionID,
			"camera_id", cameraID,
			"error", err,
		)
	}

	p.bus.Broadcast(sessionID, map[string]interface{}{
		"type":      "latency_update",
		"sessionId": sessionID,
		"cameraId":  cameraID,
		"latency":   endToEnd,
		"timestamp": receiveTimestamp,
	})
}

func (p *LatencyPipeline) raiseAlert(severity domain.AlertSeverity, message, segment string, actual, target float64) {
	alert := domain.Alert{
		Severity:  severity,
		Message:   message,
		Segment:   segment,
		Actual:    actual,
		Target:    target,
		CreatedAt: utils.Now(),
	}

	p.mu.Lock()
	p.alerts = append(p.alerts, alert)
	if len(p.alerts) > p.maxAlerts {
		p.alerts = p.alerts[len(p.alerts)-p.maxAlerts:]
	}
	p.mu.Unlock()

	if p.onAlert != nil {
		p.onAlert(alert)
	}

	p.logger.Warnw("latency alert",
		"severity", severity,
		"segment", segment,
		"actual_ms", actual,
		"target_ms", target,
	)
}

// RecentAlerts returns up to limit most recent alerts, newest last.
func (p *LatencyPipeline) RecentAlerts(limit int) []domain.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 || limit > len(p.alerts) {
		limit = len(p.alerts)
	}
	out := make([]domain.Alert, limit)
	copy(out, p.alerts[len(p.alerts)-limit:])
	return out
}

// CurrentLatency returns the most recent completed total for a camera,
// or 0 when nothing has been measured yet.
func (p *LatencyPipeline) CurrentLatency(sessionID domain.SessionID, cameraID domain.CameraID) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.history[latencyKey{sessionID, cameraID}]
	if len(list) == 0 {
		return 0
	}
	return list[len(list)-1].TotalLatency
}

// GetStats computes per-segment and overall statistics over the most
// recent window of traces.
func (p *LatencyPipeline) GetStats(sessionID domain.SessionID, cameraID domain.CameraID) domain.LatencyStats {
	p.mu.Lock()
	list := p.history[latencyKey{sessionID, cameraID}]
	if len(list) > p.statsWindow {
		list = list[len(list)-p.statsWindow:]
	}
	traces := make([]domain.LatencyTrace, len(list))
	copy(traces, list)
	p.mu.Unlock()

	stats := domain.LatencyStats{
		SessionID: sessionID,
		CameraID:  cameraID,
		Segments:  make(map[string]domain.SegmentStats),
		Timestamp: utils.Now(),
	}

	for name, target := range p.targets {
		if name == domain.SegmentTotal {
			continue
		}
		var durations []float64
		for _, t := range traces {
			for _, seg := range t.Segments {
				if seg.Name == name {
					durations = append(durations, seg.Duration)
				}
			}
		}
		if len(durations) == 0 {
			continue
		}
		stats.Segments[name] = summarize(durations, target)
	}

	if len(traces) == 0 {
		stats.Overall = domain.OverallStats{
			SegmentStats: domain.SegmentStats{Target: p.TotalTarget()},
		}
		return stats
	}

	totals := make([]float64, len(traces))
	met := 0
	for i, t := range traces {
		totals[i] = t.TotalLatency
		if t.TotalLatency <= p.TotalTarget() {
			met++
		}
	}
	stats.Overall = domain.OverallStats{
		SegmentStats: summarize(totals, p.TotalTarget()),
		SuccessRate:  float64(met) / float64(len(totals)) * 100,
	}
	return stats
}

func summarize(values []float64, target float64) domain.SegmentStats {
	sum := 0.0
	min, max := values[0], values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	return domain.SegmentStats{
		Current: values[len(values)-1],
		Average: sum / float64(len(values)),
		Min:     min,
		Max:     max,
		P50:     percentile(sorted, 50),
		P95:     percentile(sorted, 95),
		P99:     percentile(sorted, 99),
		Target:  target,
		Samples: len(values),
	}
}

// percentile interpolates linearly between ranks for non-integer
// indices. Input must be sorted ascending.
func percentile(sorted []float64, pct float64) float64 {
	index := pct / 100 * float64(len(sorted)-1)
	lower := math.Floor(index)
	if lower == index {
		return sorted[int(index)]
	}
	upper := math.Min(lower+1, float64(len(sorted)-1))
	weight := index - lower
	return sorted[int(lower)]*(1-weight) + sorted[int(upper)]*weight
}

// Run drives the periodic stats broadcast and the cleanup sweep. The two
// timers are independent of any single connection.
func (p *LatencyPipeline) Run(ctx context.Context) {
	statsTicker := time.NewTicker(p.statsInterval)
	cleanupTicker := time.NewTicker(p.cleanupInterval)
	defer statsTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			p.broadcastStats()
		case <-cleanupTicker.C:
			p.cleanup()
		}
	}
}

func (p *LatencyPipeline) broadcastStats() {
	p.mu.Lock()
	keys := make([]latencyKey, 0, len(p.history))
	for key := range p.history {
		keys = append(keys, key)
	}
	p.mu.Unlock()

	for _, key := range keys {
		stats := p.GetStats(key.sessionID, key.cameraID)
		p.bus.Broadcast(key.sessionID, map[string]interface{}{
			"type":  "latency_stats",
			"stats": stats,
		})
	}
}

func (p *LatencyPipeline) cleanup() {
	cutoff := utils.Now().Add(-p.alertRetention)

	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.alerts[:0]
	for _, alert := range p.alerts {
		if alert.CreatedAt.After(cutoff) {
			kept = append(kept, alert)
		}
	}
	p.alerts = kept
}
