package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/core/services"
	"returnfeed/internal/infrastructure/registry"
	"returnfeed/internal/infrastructure/repositories/memory"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testProducerLink struct {
	mu         sync.Mutex
	directives []domain.BitrateDirective
}

func (p *testProducerLink) SendDirective(directive domain.BitrateDirective) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.directives = append(p.directives, directive)
	return nil
}

func (p *testProducerLink) ReportLatency(sessionID domain.SessionID, cameraID domain.CameraID, sequenceID string, endToEndMS float64) error {
	return nil
}

func (p *testProducerLink) Connected() bool { return true }

func newTestServer(t *testing.T) (*WebSocketServer, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop().Sugar()

	reg := registry.New(30*time.Second, logger)
	bus := registry.NewBus(reg, logger)
	producer := &testProducerLink{}

	latency := services.NewLatencyPipeline(bus, producer, logger)
	tally := services.NewTallyService(memory.NewMemoryStateRepository(), bus, logger)
	bitrate := services.NewBitrateControlService(bus, producer, latency, logger)

	server := NewWebSocketServer(reg, bus, tally, bitrate, latency, logger)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return server, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readUntilType(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message received", msgType)
	return nil
}

func register(t *testing.T, conn *websocket.Conn, sessionID, role string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":      "register",
		"sessionId": sessionID,
		"role":      role,
	}))
	readUntilType(t, conn, "session_registered")
	readUntilType(t, conn, "full_state")
}

func TestConnect_SendsWelcome(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")

	msg := readMessage(t, conn)
	assert.Equal(t, "connected", msg["type"])
	assert.NotEmpty(t, msg["clientId"])
}

func TestRegister_RepliesWithSessionAndState(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")
	readMessage(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":      "register",
		"sessionId": "session-abc",
		"role":      "pd",
	}))

	registered := readUntilType(t, conn, "session_registered")
	assert.Equal(t, "session-abc", registered["sessionId"])
	assert.Equal(t, "director", registered["role"])

	state := readUntilType(t, conn, "full_state")
	assert.Nil(t, state["program"])
	assert.Nil(t, state["preview"])
}

func TestRegister_MissingSessionIsError(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "register", "role": "viewer"}))

	msg := readUntilType(t, conn, "error")
	assert.Contains(t, msg["message"], "session id")
}

func TestTallyUpdate_BroadcastWithinSessionOnly(t *testing.T) {
	_, ts := newTestServer(t)

	director := dial(t, ts, "")
	readMessage(t, director)
	register(t, director, "session-abc", "pd")

	viewer := dial(t, ts, "")
	readMessage(t, viewer)
	register(t, viewer, "session-abc", "viewer")

	outsider := dial(t, ts, "")
	readMessage(t, outsider)
	register(t, outsider, "session-xyz", "viewer")

	require.NoError(t, director.WriteJSON(map[string]interface{}{
		"type":    "tally_update",
		"program": 1,
		"preview": 2,
		"inputs":  map[string]string{"1": "CAM 1", "2": "CAM 2"},
	}))

	update := readUntilType(t, viewer, "tally_update")
	assert.Equal(t, float64(1), update["program"])
	assert.Equal(t, float64(2), update["preview"])

	// the other session must stay silent: a ping drains the socket and
	// the pong must be the next frame
	require.NoError(t, outsider.WriteJSON(map[string]interface{}{"type": "ping", "timestamp": 123.0}))
	msg := readMessage(t, outsider)
	assert.Equal(t, "pong", msg["type"])
}

func TestTallyUpdate_ViewerIsRejectedButStaysConnected(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")
	readMessage(t, conn)
	register(t, conn, "session-abc", "viewer")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    "tally_update",
		"program": 1,
	}))

	errMsg := readUntilType(t, conn, "error")
	assert.Contains(t, errMsg["message"], "director")

	// the socket survives the rejection
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping", "timestamp": 42.0}))
	pong := readUntilType(t, conn, "pong")
	assert.Equal(t, float64(42), pong["timestamp"])
}

func TestGetFullState_ReturnsLatestTally(t *testing.T) {
	_, ts := newTestServer(t)

	director := dial(t, ts, "")
	readMessage(t, director)
	register(t, director, "session-abc", "pd")

	require.NoError(t, director.WriteJSON(map[string]interface{}{
		"type":    "tally_update",
		"program": 3,
		"preview": 4,
	}))
	readUntilType(t, director, "tally_update")

	require.NoError(t, director.WriteJSON(map[string]interface{}{"type": "get_full_state"}))
	state := readUntilType(t, director, "full_state")
	assert.Equal(t, float64(3), state["program"])
	assert.Equal(t, float64(4), state["preview"])
}

func TestGetInputs(t *testing.T) {
	_, ts := newTestServer(t)

	director := dial(t, ts, "")
	readMessage(t, director)
	register(t, director, "session-abc", "pd")

	require.NoError(t, director.WriteJSON(map[string]interface{}{
		"type":        "inputs_update",
		"inputs":      map[string]string{"1": "Wide", "2": "Close"},
		"vmixVersion": "27.0.0.49",
	}))
	readUntilType(t, director, "inputs_update")

	require.NoError(t, director.WriteJSON(map[string]interface{}{"type": "get_inputs"}))
	inputs := readUntilType(t, director, "inputs_list")
	assert.Equal(t, "27.0.0.49", inputs["vmixVersion"])

	list, ok := inputs["inputs"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Wide", list["1"])
}

func TestBitrateChangeRequest(t *testing.T) {
	_, ts := newTestServer(t)

	director := dial(t, ts, "")
	readMessage(t, director)
	register(t, director, "session-abc", "pd")

	require.NoError(t, director.WriteJSON(map[string]interface{}{
		"type":       "bitrate_change_request",
		"cameraId":   "camera1",
		"maxBitrate": 5000000,
	}))
	resp := readUntilType(t, director, "bitrate_change_response")
	assert.Equal(t, float64(5000000), resp["effectiveBitrate"])

	require.NoError(t, director.WriteJSON(map[string]interface{}{
		"type":       "bitrate_change_request",
		"cameraId":   "camera1",
		"percentage": 0.5,
	}))
	resp = readUntilType(t, director, "bitrate_change_response")
	assert.Equal(t, float64(2500000), resp["effectiveBitrate"])
}

func TestBitrateChangeRequest_ViewerForbidden(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")
	readMessage(t, conn)
	register(t, conn, "session-abc", "viewer")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":       "bitrate_change_request",
		"cameraId":   "camera1",
		"maxBitrate": 5000000,
	}))
	msg := readUntilType(t, conn, "error")
	assert.Contains(t, msg["message"], "not allowed")
}

func TestUnknownMessageType_ErrorWithoutDisconnect(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "teleport"}))
	msg := readUntilType(t, conn, "error")
	assert.Contains(t, msg["message"], "unknown message type")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping", "timestamp": 7.0}))
	readUntilType(t, conn, "pong")
}

func TestJWT_InvalidTokenRejected(t *testing.T) {
	server, ts := newTestServer(t)
	server.SetJWTSecret("test-secret")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJWT_ValidTokenBindsSessionAndRole(t *testing.T) {
	server, ts := newTestServer(t)
	server.SetJWTSecret("test-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role":      "pd",
		"sessionId": "session-abc",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	conn := dial(t, ts, "token="+signed)
	readMessage(t, conn) // connected

	// the token already bound the session; a tally write works without
	// an explicit register
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    "tally_update",
		"program": 1,
	}))
	update := readUntilType(t, conn, "tally_update")
	assert.Equal(t, float64(1), update["program"])
}

func TestRateLimit_DropsExcessMessages(t *testing.T) {
	server, ts := newTestServer(t)
	server.SetRateLimit(1, 2)

	conn := dial(t, ts, "")
	readMessage(t, conn)

	for i := 0; i < 10; i++ {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping", "timestamp": float64(i)}))
	}

	sawLimit := false
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 10; i++ {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg["type"] == "error" && strings.Contains(msg["message"].(string), "rate limit") {
			sawLimit = true
			break
		}
	}
	assert.True(t, sawLimit)
}
