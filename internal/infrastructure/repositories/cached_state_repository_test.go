package repositories

import (
	"context"
	"testing"
	"time"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRepository counts reads that reach the backing store.
type countingRepository struct {
	*memory.MemoryStateRepository
	reads int
}

func (c *countingRepository) Read(ctx context.Context, sessionID domain.SessionID) (domain.TallyState, error) {
	c.reads++
	return c.MemoryStateRepository.Read(ctx, sessionID)
}

func newCachedFixture(ttl time.Duration) (*CachedStateRepository, *countingRepository) {
	base := &countingRepository{MemoryStateRepository: memory.NewMemoryStateRepository()}
	return NewCachedStateRepository(base, ttl), base
}

func TestCachedRead_HitsBackingStoreOnce(t *testing.T) {
	repo, base := newCachedFixture(time.Minute)
	defer repo.Stop()
	ctx := context.Background()

	program := 2
	state := domain.EmptyTallyState()
	state.Program = &program
	require.NoError(t, repo.UpsertTally(ctx, "show-1", state))

	for i := 0; i < 5; i++ {
		got, err := repo.Read(ctx, "show-1")
		require.NoError(t, err)
		require.NotNil(t, got.Program)
		assert.Equal(t, 2, *got.Program)
	}

	assert.Equal(t, 1, base.reads)
}

func TestCachedRead_InvalidatedByWrite(t *testing.T) {
	repo, base := newCachedFixture(time.Minute)
	defer repo.Stop()
	ctx := context.Background()

	program := 1
	state := domain.EmptyTallyState()
	state.Program = &program
	require.NoError(t, repo.UpsertTally(ctx, "show-1", state))

	_, err := repo.Read(ctx, "show-1")
	require.NoError(t, err)

	next := 9
	state.Program = &next
	require.NoError(t, repo.UpsertTally(ctx, "show-1", state))

	got, err := repo.Read(ctx, "show-1")
	require.NoError(t, err)
	require.NotNil(t, got.Program)
	assert.Equal(t, 9, *got.Program)
	assert.Equal(t, 2, base.reads)
}

func TestCachedRead_ExpiresByTTL(t *testing.T) {
	repo, base := newCachedFixture(10 * time.Millisecond)
	defer repo.Stop()
	ctx := context.Background()

	require.NoError(t, repo.UpsertInputs(ctx, "show-1", map[int]string{1: "CAM 1"}, ""))

	_, err := repo.Read(ctx, "show-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = repo.Read(ctx, "show-1")
	require.NoError(t, err)
	assert.Equal(t, 2, base.reads)
}

func TestCachedRead_MissIsNotCached(t *testing.T) {
	repo, _ := newCachedFixture(time.Minute)
	defer repo.Stop()

	_, err := repo.Read(context.Background(), "unknown")
	assert.Equal(t, domain.ErrSessionNotFound, err)
}
