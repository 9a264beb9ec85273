package services

import (
	"context"
	"sync"

	"returnfeed/internal/core/domain"
)

// recordingBus captures broadcast payloads per session so tests can
// assert on message ordering and content.
type recordingBus struct {
	mu     sync.Mutex
	events *eventLog
	bySess map[domain.SessionID][]map[string]interface{}
}

func newRecordingBus(events *eventLog) *recordingBus {
	return &recordingBus{
		events: events,
		bySess: make(map[domain.SessionID][]map[string]interface{}),
	}
}

func (b *recordingBus) Broadcast(sessionID domain.SessionID, message interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events != nil {
		b.events.add("broadcast")
	}
	if m, ok := message.(map[string]interface{}); ok {
		b.bySess[sessionID] = append(b.bySess[sessionID], m)
	}
}

func (b *recordingBus) BroadcastGlobal(message interface{}) {}

func (b *recordingBus) messages(sessionID domain.SessionID) []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]interface{}, len(b.bySess[sessionID]))
	copy(out, b.bySess[sessionID])
	return out
}

func (b *recordingBus) ofType(sessionID domain.SessionID, msgType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range b.messages(sessionID) {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// eventLog records cross-fake ordering, e.g. persist before broadcast.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

// fakeStateRepository is an in-memory SessionStateRepository with
// injectable failures.
type fakeStateRepository struct {
	mu        sync.Mutex
	events    *eventLog
	states    map[domain.SessionID]domain.TallyState
	upsertErr error
	readErr   error
}

func newFakeStateRepository(events *eventLog) *fakeStateRepository {
	return &fakeStateRepository{
		events: events,
		states: make(map[domain.SessionID]domain.TallyState),
	}
}

func (r *fakeStateRepository) UpsertTally(ctx context.Context, sessionID domain.SessionID, state domain.TallyState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events != nil {
		r.events.add("persist")
	}
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.states[sessionID] = state
	return nil
}

func (r *fakeStateRepository) UpsertInputs(ctx context.Context, sessionID domain.SessionID, inputs map[int]string, vmixVersion string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events != nil {
		r.events.add("persist")
	}
	if r.upsertErr != nil {
		return r.upsertErr
	}
	state := r.states[sessionID]
	state.Inputs = inputs
	state.VmixVersion = vmixVersion
	r.states[sessionID] = state
	return nil
}

func (r *fakeStateRepository) Read(ctx context.Context, sessionID domain.SessionID) (domain.TallyState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return domain.TallyState{}, r.readErr
	}
	state, ok := r.states[sessionID]
	if !ok {
		return domain.TallyState{}, domain.ErrSessionNotFound
	}
	return state, nil
}

func (r *fakeStateRepository) Delete(ctx context.Context, sessionID domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, sessionID)
	return nil
}

type latencyReport struct {
	sessionID  domain.SessionID
	cameraID   domain.CameraID
	sequenceID string
	endToEndMS float64
}

// fakeProducerLink records directives and latency reports pushed
// upstream.
type fakeProducerLink struct {
	mu         sync.Mutex
	directives []domain.BitrateDirective
	reports    []latencyReport
	sendErr    error
	connected  bool
}

func (p *fakeProducerLink) SendDirective(directive domain.BitrateDirective) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.directives = append(p.directives, directive)
	return nil
}

func (p *fakeProducerLink) ReportLatency(sessionID domain.SessionID, cameraID domain.CameraID, sequenceID string, endToEndMS float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, latencyReport{sessionID, cameraID, sequenceID, endToEndMS})
	return nil
}

func (p *fakeProducerLink) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakeProducerLink) sentDirectives() []domain.BitrateDirective {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.BitrateDirective, len(p.directives))
	copy(out, p.directives)
	return out
}

func (p *fakeProducerLink) latencyReports() []latencyReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]latencyReport, len(p.reports))
	copy(out, p.reports)
	return out
}

// stubLatencyReader feeds the bitrate control loop a fixed reading.
type stubLatencyReader struct {
	current float64
	target  float64
}

func (s *stubLatencyReader) CurrentLatency(sessionID domain.SessionID, cameraID domain.CameraID) float64 {
	return s.current
}

func (s *stubLatencyReader) TotalTarget() float64 {
	return s.target
}
