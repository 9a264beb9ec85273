package repositories

import (
	"context"
	"fmt"
	"time"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/core/ports"
	"returnfeed/pkg/cache"
)

// CachedStateRepository is a read-through cache in front of the session
// state repository. Registration bursts read the same session state
// many times in a row; the short TTL keeps those reads off Redis while
// bounding staleness for writes made by other relay instances. Local
// writes invalidate immediately.
type CachedStateRepository struct {
	base  ports.SessionStateRepository
	store *cache.Store[domain.TallyState]
}

func NewCachedStateRepository(base ports.SessionStateRepository, ttl time.Duration) *CachedStateRepository {
	return &CachedStateRepository{
		base:  base,
		store: cache.New[domain.TallyState](ttl),
	}
}

func stateKey(sessionID domain.SessionID) string {
	return fmt.Sprintf("state:%s", sessionID)
}

func (r *CachedStateRepository) UpsertTally(ctx context.Context, sessionID domain.SessionID, state domain.TallyState) error {
	err := r.base.UpsertTally(ctx, sessionID, state)
	r.store.Delete(stateKey(sessionID))
	return err
}

func (r *CachedStateRepository) UpsertInputs(ctx context.Context, sessionID domain.SessionID, inputs map[int]string, vmixVersion string) error {
	err := r.base.UpsertInputs(ctx, sessionID, inputs, vmixVersion)
	r.store.Delete(stateKey(sessionID))
	return err
}

func (r *CachedStateRepository) Read(ctx context.Context, sessionID domain.SessionID) (domain.TallyState, error) {
	return r.store.GetOrLoad(ctx, stateKey(sessionID), func(ctx context.Context) (domain.TallyState, error) {
		return r.base.Read(ctx, sessionID)
	})
}

func (r *CachedStateRepository) Delete(ctx context.Context, sessionID domain.SessionID) error {
	err := r.base.Delete(ctx, sessionID)
	r.store.Delete(stateKey(sessionID))
	return err
}

// Stop halts the cache janitor.
func (r *CachedStateRepository) Stop() {
	r.store.Stop()
}
