package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/infrastructure/repositories/memory"
	"returnfeed/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errRedisDown = errors.New("dial tcp: connection refused")

// flakyRepository delegates to a memory repository until failing is set.
type flakyRepository struct {
	inner   *memory.MemoryStateRepository
	failing bool
}

func (f *flakyRepository) UpsertTally(ctx context.Context, sessionID domain.SessionID, state domain.TallyState) error {
	if f.failing {
		return errRedisDown
	}
	return f.inner.UpsertTally(ctx, sessionID, state)
}

func (f *flakyRepository) UpsertInputs(ctx context.Context, sessionID domain.SessionID, inputs map[int]string, vmixVersion string) error {
	if f.failing {
		return errRedisDown
	}
	return f.inner.UpsertInputs(ctx, sessionID, inputs, vmixVersion)
}

func (f *flakyRepository) Read(ctx context.Context, sessionID domain.SessionID) (domain.TallyState, error) {
	if f.failing {
		return domain.TallyState{}, errRedisDown
	}
	return f.inner.Read(ctx, sessionID)
}

func (f *flakyRepository) Delete(ctx context.Context, sessionID domain.SessionID) error {
	if f.failing {
		return errRedisDown
	}
	return f.inner.Delete(ctx, sessionID)
}

func newFixture() (*StateRepository, *flakyRepository) {
	primary := &flakyRepository{inner: memory.NewMemoryStateRepository()}
	repo := NewStateRepository(primary, memory.NewMemoryStateRepository(), circuitbreaker.Settings{
		Threshold:      2,
		Cooldown:       10 * time.Millisecond,
		HalfOpenProbes: 1,
	}, zap.NewNop().Sugar())
	return repo, primary
}

func tallyState(program int) domain.TallyState {
	state := domain.EmptyTallyState()
	state.Program = &program
	return state
}

func TestStateRepository_PassesThroughWhenHealthy(t *testing.T) {
	repo, _ := newFixture()
	ctx := context.Background()

	require.NoError(t, repo.UpsertTally(ctx, "show-1", tallyState(4)))

	state, err := repo.Read(ctx, "show-1")
	require.NoError(t, err)
	require.NotNil(t, state.Program)
	assert.Equal(t, 4, *state.Program)
}

func TestStateRepository_ServesShadowDuringOutage(t *testing.T) {
	repo, primary := newFixture()
	ctx := context.Background()

	require.NoError(t, repo.UpsertTally(ctx, "show-1", tallyState(2)))

	primary.failing = true

	// two failed writes trip the breaker; both still land in the shadow
	assert.Error(t, repo.UpsertTally(ctx, "show-1", tallyState(7)))
	assert.Error(t, repo.UpsertTally(ctx, "show-1", tallyState(8)))
	assert.Equal(t, circuitbreaker.Open, repo.BreakerState())

	state, err := repo.Read(ctx, "show-1")
	require.NoError(t, err)
	require.NotNil(t, state.Program)
	assert.Equal(t, 8, *state.Program)
}

func TestStateRepository_RecoversAfterCooldown(t *testing.T) {
	repo, primary := newFixture()
	ctx := context.Background()

	primary.failing = true
	assert.Error(t, repo.UpsertTally(ctx, "show-1", tallyState(1)))
	assert.Error(t, repo.UpsertTally(ctx, "show-1", tallyState(2)))
	require.Equal(t, circuitbreaker.Open, repo.BreakerState())

	primary.failing = false
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, repo.UpsertTally(ctx, "show-1", tallyState(3)))
	assert.Equal(t, circuitbreaker.Closed, repo.BreakerState())

	state, err := primary.inner.Read(ctx, "show-1")
	require.NoError(t, err)
	require.NotNil(t, state.Program)
	assert.Equal(t, 3, *state.Program)
}

func TestStateRepository_MissIsNotAFailure(t *testing.T) {
	repo, _ := newFixture()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		state, err := repo.Read(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, state.Program)
	}
	assert.Equal(t, circuitbreaker.Closed, repo.BreakerState())
}

func TestStateRepository_DeletePropagatesNotFound(t *testing.T) {
	repo, _ := newFixture()
	ctx := context.Background()

	err := repo.Delete(ctx, "unknown")
	assert.Equal(t, domain.ErrSessionNotFound, err)
	assert.Equal(t, circuitbreaker.Closed, repo.BreakerState())
}
