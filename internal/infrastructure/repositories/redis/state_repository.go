package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/core/ports"
	"returnfeed/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisStateRepository persists each session's tally tuple as a JSON
// blob, so a relay restart does not blank every tally light in the
// studio.
type RedisStateRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisStateRepository(client *redis.Client) ports.SessionStateRepository {
	return &RedisStateRepository{
		client: client,
		prefix: "returnfeed:session:",
	}
}

func (r *RedisStateRepository) stateKey(id domain.SessionID) string {
	return r.prefix + string(id) + ":state"
}

func (r *RedisStateRepository) UpsertTally(ctx context.Context, sessionID domain.SessionID, state domain.TallyState) error {
	existing, err := r.Read(ctx, sessionID)
	if err != nil && err != domain.ErrSessionNotFound {
		return err
	}
	state.VmixVersion = existing.VmixVersion
	if state.Inputs == nil {
		state.Inputs = map[int]string{}
	}
	return r.write(ctx, sessionID, state)
}

func (r *RedisStateRepository) UpsertInputs(ctx context.Context, sessionID domain.SessionID, inputs map[int]string, vmixVersion string) error {
	state, err := r.Read(ctx, sessionID)
	if err != nil && err != domain.ErrSessionNotFound {
		return err
	}
	if inputs == nil {
		inputs = map[int]string{}
	}
	state.Inputs = inputs
	state.VmixVersion = vmixVersion
	state.UpdatedAt = utils.Now()
	return r.write(ctx, sessionID, state)
}

func (r *RedisStateRepository) write(ctx context.Context, sessionID domain.SessionID, state domain.TallyState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	if err := r.client.Set(ctx, r.stateKey(sessionID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set session state in Redis: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) Read(ctx context.Context, sessionID domain.SessionID) (domain.TallyState, error) {
	data, err := r.client.Get(ctx, r.stateKey(sessionID)).Result()
	if err == redis.Nil {
		return domain.TallyState{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.TallyState{}, fmt.Errorf("failed to get session state from Redis: %w", err)
	}

	var state domain.TallyState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return domain.TallyState{}, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	if state.Inputs == nil {
		state.Inputs = map[int]string{}
	}
	return state, nil
}

func (r *RedisStateRepository) Delete(ctx context.Context, sessionID domain.SessionID) error {
	removed, err := r.client.Del(ctx, r.stateKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session state from Redis: %w", err)
	}
	if removed == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}
