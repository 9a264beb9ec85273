package ports

import (
	"context"

	"returnfeed/internal/core/domain"
)

// SessionStateRepository is the minimal read/write contract for persisted
// session state. Upserts are keyed by session id; Read and Delete return
// domain.ErrSessionNotFound when no row exists.
type SessionStateRepository interface {
	UpsertTally(ctx context.Context, sessionID domain.SessionID, state domain.TallyState) error
	UpsertInputs(ctx context.Context, sessionID domain.SessionID, inputs map[int]string, vmixVersion string) error
	Read(ctx context.Context, sessionID domain.SessionID) (domain.TallyState, error)
	Delete(ctx context.Context, sessionID domain.SessionID) error
}
