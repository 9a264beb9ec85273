package registry

import (
	"errors"
	"sync"
	"testing"

	"returnfeed/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSender records sent frames and supports injected failures.
type fakeSender struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	pingErr error
	closed  bool
}

func (s *fakeSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.sent = append(s.sent, buf)
	return nil
}

func (s *fakeSender) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSender) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestRegistry() *Registry {
	return New(0, zap.NewNop().Sugar())
}

func addConn(t *testing.T, r *Registry, id domain.ClientID) *fakeSender {
	t.Helper()
	sender := &fakeSender{}
	r.Add(&domain.Connection{ID: id, Role: domain.RoleViewer}, sender)
	return sender
}

func TestRegister_AddsToSessionIndex(t *testing.T) {
	r := newTestRegistry()
	addConn(t, r, "c1")

	require.NoError(t, r.Register("c1", "session-abc", domain.RoleDirector, 0))

	conn, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, domain.SessionID("session-abc"), conn.SessionID)
	assert.Equal(t, domain.RoleDirector, conn.Role)
	assert.Equal(t, 1, r.SessionCount("session-abc"))
}

func TestRegister_UnknownConnection(t *testing.T) {
	r := newTestRegistry()
	err := r.Register("ghost", "session-abc", domain.RoleViewer, 0)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestRegister_MovesBetweenSessions(t *testing.T) {
	r := newTestRegistry()
	addConn(t, r, "c1")

	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 0))
	require.NoError(t, r.Register("c1", "session-xyz", domain.RoleViewer, 0))

	assert.Equal(t, 0, r.SessionCount("session-abc"))
	assert.Equal(t, 1, r.SessionCount("session-xyz"))

	conn, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, domain.SessionID("session-xyz"), conn.SessionID)
}

func TestRegister_SameSessionIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	addConn(t, r, "c1")

	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 2))
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 2))

	assert.Equal(t, 1, r.SessionCount("session-abc"))
	conn, _ := r.Get("c1")
	assert.Equal(t, 2, conn.CameraNumber)
}

func TestUnregister_ClosesSenderAndCleansIndex(t *testing.T) {
	r := newTestRegistry()
	sender := addConn(t, r, "c1")
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 0))

	r.Unregister("c1")

	assert.True(t, sender.isClosed())
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.SessionCount("session-abc"))
	assert.Empty(t, r.Sessions())

	// repeated unregister is a no-op
	r.Unregister("c1")
}

func TestForEachInSession_SkipsOtherSessions(t *testing.T) {
	r := newTestRegistry()
	addConn(t, r, "c1")
	addConn(t, r, "c2")
	addConn(t, r, "c3")
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 0))
	require.NoError(t, r.Register("c2", "session-abc", domain.RoleViewer, 0))
	require.NoError(t, r.Register("c3", "session-xyz", domain.RoleViewer, 0))

	var visited []domain.ClientID
	r.ForEachInSession("session-abc", func(id domain.ClientID, sender Sender) {
		visited = append(visited, id)
	})

	assert.ElementsMatch(t, []domain.ClientID{"c1", "c2"}, visited)
}

func TestForEachInSession_ToleratesConcurrentUnregister(t *testing.T) {
	r := newTestRegistry()
	for _, id := range []domain.ClientID{"c1", "c2", "c3"} {
		addConn(t, r, id)
		require.NoError(t, r.Register(id, "session-abc", domain.RoleViewer, 0))
	}

	// unregistering mid-iteration must not deadlock or fail
	var once sync.Once
	r.ForEachInSession("session-abc", func(id domain.ClientID, sender Sender) {
		once.Do(func() { r.Unregister("c3") })
	})

	assert.Equal(t, 2, r.SessionCount("session-abc"))
}

func TestStats(t *testing.T) {
	r := newTestRegistry()
	addConn(t, r, "c1")
	addConn(t, r, "c2")
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleDirector, 0))
	require.NoError(t, r.Register("c2", "session-abc", domain.RoleViewer, 1))

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.ByRole[domain.RoleDirector])
	assert.Equal(t, 1, stats.ByRole[domain.RoleViewer])
	assert.Equal(t, 2, stats.BySession["session-abc"])
}

func TestSweep_RemovesSilentConnections(t *testing.T) {
	r := newTestRegistry()
	sender := addConn(t, r, "c1")
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 0))

	// first sweep marks the connection stale and pings it
	r.sweep()
	assert.Equal(t, 1, r.Count())

	// no Touch in between: the second sweep removes it
	r.sweep()
	assert.Equal(t, 0, r.Count())
	assert.True(t, sender.isClosed())
}

func TestSweep_TouchKeepsConnectionAlive(t *testing.T) {
	r := newTestRegistry()
	addConn(t, r, "c1")
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 0))

	for i := 0; i < 3; i++ {
		r.sweep()
		r.Touch("c1")
	}
	assert.Equal(t, 1, r.Count())
}

func TestSweep_PingFailureRemovesConnection(t *testing.T) {
	r := newTestRegistry()
	sender := addConn(t, r, "c1")
	sender.pingErr = errors.New("broken pipe")
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 0))

	r.sweep()

	assert.Equal(t, 0, r.Count())
	assert.True(t, sender.isClosed())
}
