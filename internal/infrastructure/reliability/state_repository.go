package reliability

import (
	"context"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/core/ports"
	"returnfeed/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// StateRepository wraps the persistent session state repository with a
// circuit breaker and an in-memory shadow. While the breaker is open,
// reads are served from the shadow and writes land there only, so tally
// keeps flowing through a Redis outage. Shadow state is best-effort: a
// relay restart during an outage starts empty.
type StateRepository struct {
	primary ports.SessionStateRepository
	shadow  ports.SessionStateRepository
	breaker *circuitbreaker.Breaker
	logger  *zap.SugaredLogger
}

func NewStateRepository(
	primary ports.SessionStateRepository,
	shadow ports.SessionStateRepository,
	settings circuitbreaker.Settings,
	logger *zap.SugaredLogger,
) *StateRepository {
	breaker := circuitbreaker.New(settings)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("state repository circuit breaker changed state",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return &StateRepository{
		primary: primary,
		shadow:  shadow,
		breaker: breaker,
		logger:  logger,
	}
}

func (r *StateRepository) UpsertTally(ctx context.Context, sessionID domain.SessionID, state domain.TallyState) error {
	if err := r.shadow.UpsertTally(ctx, sessionID, state); err != nil {
		r.logger.Warnw("shadow tally write failed", "session_id", sessionID, "error", err)
	}

	return r.breaker.Do(func() error {
		return r.primary.UpsertTally(ctx, sessionID, state)
	})
}

func (r *StateRepository) UpsertInputs(ctx context.Context, sessionID domain.SessionID, inputs map[int]string, vmixVersion string) error {
	if err := r.shadow.UpsertInputs(ctx, sessionID, inputs, vmixVersion); err != nil {
		r.logger.Warnw("shadow inputs write failed", "session_id", sessionID, "error", err)
	}

	return r.breaker.Do(func() error {
		return r.primary.UpsertInputs(ctx, sessionID, inputs, vmixVersion)
	})
}

func (r *StateRepository) Read(ctx context.Context, sessionID domain.SessionID) (domain.TallyState, error) {
	var state domain.TallyState
	err := r.breaker.Do(func() error {
		var readErr error
		state, readErr = r.primary.Read(ctx, sessionID)
		if readErr == domain.ErrSessionNotFound {
			// a miss is an answer, not a failure
			state = domain.EmptyTallyState()
			return nil
		}
		return readErr
	})
	if err == nil {
		return state, nil
	}

	r.logger.Warnw("primary state read failed, serving shadow",
		"session_id", sessionID,
		"error", err,
	)
	return r.shadow.Read(ctx, sessionID)
}

func (r *StateRepository) Delete(ctx context.Context, sessionID domain.SessionID) error {
	if err := r.shadow.Delete(ctx, sessionID); err != nil && err != domain.ErrSessionNotFound {
		r.logger.Warnw("shadow delete failed", "session_id", sessionID, "error", err)
	}

	var notFound bool
	err := r.breaker.Do(func() error {
		deleteErr := r.primary.Delete(ctx, sessionID)
		if deleteErr == domain.ErrSessionNotFound {
			notFound = true
			return nil
		}
		return deleteErr
	})
	if err == nil && notFound {
		return domain.ErrSessionNotFound
	}
	return err
}

// BreakerState exposes the breaker state for health reporting.
func (r *StateRepository) BreakerState() circuitbreaker.State {
	return r.breaker.State()
}
