package services

import (
	"context"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/core/ports"
	apperrors "returnfeed/pkg/errors"
	"returnfeed/pkg/utils"

	"go.uber.org/zap"
)

// TallyService is the per-session authoritative on-air record. Writes
// are atomic replacements accepted only from the director role; state is
// persisted before it is re-broadcast so a client that queries current
// state right after a broadcast never observes stale data.
type TallyService struct {
	repo   ports.SessionStateRepository
	bus    ports.Broadcaster
	logger *zap.SugaredLogger
}

func NewTallyService(repo ports.SessionStateRepository, bus ports.Broadcaster, logger *zap.SugaredLogger) *TallyService {
	return &TallyService{
		repo:   repo,
		bus:    bus,
		logger: logger,
	}
}

// ApplyTallyUpdate replaces the session's program/preview/inputs tuple.
// Duplicate identical updates are applied and rebroadcast unconditionally;
// downstream consumers are expected to be idempotent.
func (s *TallyService) ApplyTallyUpdate(ctx context.Context, sessionID domain.SessionID, writerRole domain.Role, program, preview *int, inputs map[int]string) error {
	if !writerRole.CanWriteTally() {
		return apperrors.NewAuthorizationError("only the director can send tally updates")
	}
	if sessionID == "" {
		return apperrors.NewValidationError("session id is required")
	}

	if inputs == nil {
		inputs = map[int]string{}
	}
	state := domain.TallyState{
		Program:   program,
		Preview:   preview,
		Inputs:    inputs,
		UpdatedAt: utils.Now(),
	}

	// Persistence failures do not block the real-time path; the
	// in-memory broadcast proceeds and the store catches up on the
	// next write.
	if err := s.repo.UpsertTally(ctx, sessionID, state); err != nil {
		s.logger.Errorw("failed to persist tally state", "session_id", sessionID, "error", err)
	}

	s.bus.Broadcast(sessionID, map[string]interface{}{
		"type":      "tally_update",
		"program":   state.Program,
		"preview":   state.Preview,
		"inputs":    state.Inputs,
		"timestamp": utils.FormatTimestamp(state.UpdatedAt),
	})

	s.logger.Infow("tally update broadcast", "session_id", sessionID)
	return nil
}

// ApplyInputsUpdate replaces the session's input metadata without
// touching program/preview.
func (s *TallyService) ApplyInputsUpdate(ctx context.Context, sessionID domain.SessionID, writerRole domain.Role, inputs map[int]string, vmixVersion string) error {
	if !writerRole.CanWriteTally() {
		return apperrors.NewAuthorizationError("only the director can send inputs updates")
	}
	if sessionID == "" {
		return apperrors.NewValidationError("session id is required")
	}

	if inputs == nil {
		inputs = map[int]string{}
	}

	if err := s.repo.UpsertInputs(ctx, sessionID, inputs, vmixVersion); err != nil {
		s.logger.Errorw("failed to persist inputs", "session_id", sessionID, "error", err)
	}

	s.bus.Broadcast(sessionID, map[string]interface{}{
		"type":        "inputs_update",
		"inputs":      inputs,
		"vmixVersion": vmixVersion,
		"timestamp":   utils.FormatTimestamp(utils.Now()),
	})

	s.logger.Infow("inputs update broadcast", "session_id", sessionID, "input_count", len(inputs))
	return nil
}

// GetCurrentState returns the persisted tally tuple, or the zero state
// when the session has never been written.
func (s *TallyService) GetCurrentState(ctx context.Context, sessionID domain.SessionID) (domain.TallyState, error) {
	state, err := s.repo.Read(ctx, sessionID)
	if err == domain.ErrSessionNotFound {
		return domain.EmptyTallyState(), nil
	}
	if err != nil {
		return domain.EmptyTallyState(), apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to read session state", 500)
	}
	return state, nil
}
