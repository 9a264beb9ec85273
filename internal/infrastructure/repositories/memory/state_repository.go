package memory

import (
	"context"
	"sync"

	"returnfeed/internal/core/domain"
	"returnfeed/pkg/utils"
)

type MemoryStateRepository struct {
	states map[domain.SessionID]domain.TallyState
	mu     sync.RWMutex
}

func NewMemoryStateRepository() *MemoryStateRepository {
	return &MemoryStateRepository{
		states: make(map[domain.SessionID]domain.TallyState),
	}
}

func (r *MemoryStateRepository) UpsertTally(ctx context.Context, sessionID domain.SessionID, state domain.TallyState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.states[sessionID]
	state.VmixVersion = existing.VmixVersion
	if state.Inputs == nil {
		state.Inputs = map[int]string{}
	}
	r.states[sessionID] = state
	return nil
}

func (r *MemoryStateRepository) UpsertInputs(ctx context.Context, sessionID domain.SessionID, inputs map[int]string, vmixVersion string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.states[sessionID]
	if inputs == nil {
		inputs = map[int]string{}
	}
	state.Inputs = inputs
	state.VmixVersion = vmixVersion
	state.UpdatedAt = utils.Now()
	r.states[sessionID] = state
	return nil
}

func (r *MemoryStateRepository) Read(ctx context.Context, sessionID domain.SessionID) (domain.TallyState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.states[sessionID]
	if !exists {
		return domain.TallyState{}, domain.ErrSessionNotFound
	}

	inputs := make(map[int]string, len(state.Inputs))
	for k, v := range state.Inputs {
		inputs[k] = v
	}
	state.Inputs = inputs
	return state, nil
}

func (r *MemoryStateRepository) Delete(ctx context.Context, sessionID domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.states[sessionID]; !exists {
		return domain.ErrSessionNotFound
	}
	delete(r.states, sessionID)
	return nil
}
