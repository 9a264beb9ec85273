package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"returnfeed/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) (*Bus, *Registry) {
	t.Helper()
	r := newTestRegistry()
	return NewBus(r, zap.NewNop().Sugar()), r
}

func TestBroadcast_ReachesOnlyTargetSession(t *testing.T) {
	bus, r := newTestBus(t)

	abc1 := addConn(t, r, "abc1")
	abc2 := addConn(t, r, "abc2")
	xyz1 := addConn(t, r, "xyz1")
	require.NoError(t, r.Register("abc1", "session-abc", domain.RoleViewer, 0))
	require.NoError(t, r.Register("abc2", "session-abc", domain.RoleViewer, 0))
	require.NoError(t, r.Register("xyz1", "session-xyz", domain.RoleViewer, 0))

	bus.Broadcast("session-abc", map[string]interface{}{"type": "tally_update", "program": 1})

	assert.Len(t, abc1.frames(), 1)
	assert.Len(t, abc2.frames(), 1)
	assert.Empty(t, xyz1.frames())

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(abc1.frames()[0], &decoded))
	assert.Equal(t, "tally_update", decoded["type"])
}

func TestBroadcast_UnknownSessionIsNoOp(t *testing.T) {
	bus, r := newTestBus(t)
	sender := addConn(t, r, "c1")
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 0))

	bus.Broadcast("session-ghost", map[string]interface{}{"type": "tally_update"})

	assert.Empty(t, sender.frames())
}

func TestBroadcast_SendFailureDoesNotAbortFanout(t *testing.T) {
	bus, r := newTestBus(t)

	good := addConn(t, r, "good")
	bad := addConn(t, r, "bad")
	bad.sendErr = errors.New("buffer full")
	require.NoError(t, r.Register("good", "session-abc", domain.RoleViewer, 0))
	require.NoError(t, r.Register("bad", "session-abc", domain.RoleViewer, 0))

	var gotDelivered, gotFailed int
	bus.SetObserver(func(sessionID domain.SessionID, delivered, failed int) {
		gotDelivered, gotFailed = delivered, failed
	})

	bus.Broadcast("session-abc", map[string]interface{}{"type": "tally_update"})

	assert.Len(t, good.frames(), 1)
	assert.Equal(t, 1, gotDelivered)
	assert.Equal(t, 1, gotFailed)
}

func TestBroadcast_SerializesOnce(t *testing.T) {
	bus, r := newTestBus(t)

	c1 := addConn(t, r, "c1")
	c2 := addConn(t, r, "c2")
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 0))
	require.NoError(t, r.Register("c2", "session-abc", domain.RoleViewer, 0))

	bus.Broadcast("session-abc", map[string]interface{}{"type": "inputs_update", "inputs": map[int]string{1: "CAM 1"}})

	require.Len(t, c1.frames(), 1)
	require.Len(t, c2.frames(), 1)
	assert.Equal(t, c1.frames()[0], c2.frames()[0])
}

func TestBroadcast_ForwardsFrameToRelay(t *testing.T) {
	bus, r := newTestBus(t)

	local := addConn(t, r, "c1")
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 0))

	var relayedSession domain.SessionID
	var relayedFrame []byte
	bus.SetRelay(func(sessionID domain.SessionID, frame []byte) {
		relayedSession = sessionID
		relayedFrame = frame
	})

	bus.Broadcast("session-abc", map[string]interface{}{"type": "tally_update", "program": 2})

	require.Len(t, local.frames(), 1)
	assert.Equal(t, domain.SessionID("session-abc"), relayedSession)
	assert.Equal(t, local.frames()[0], relayedFrame)
}

func TestDeliverFrame_DoesNotReRelay(t *testing.T) {
	bus, r := newTestBus(t)

	local := addConn(t, r, "c1")
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 0))

	relayCalls := 0
	bus.SetRelay(func(domain.SessionID, []byte) { relayCalls++ })

	bus.DeliverFrame("session-abc", []byte(`{"type":"tally_update","program":4}`))

	assert.Len(t, local.frames(), 1)
	assert.Zero(t, relayCalls)
}

func TestBroadcastGlobal_ReachesEveryConnection(t *testing.T) {
	bus, r := newTestBus(t)

	registered := addConn(t, r, "c1")
	unregistered := addConn(t, r, "c2")
	require.NoError(t, r.Register("c1", "session-abc", domain.RoleViewer, 0))

	bus.BroadcastGlobal(map[string]interface{}{"type": "server_shutdown"})

	assert.Len(t, registered.frames(), 1)
	assert.Len(t, unregistered.frames(), 1)
}
