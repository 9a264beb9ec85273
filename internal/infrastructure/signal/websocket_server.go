package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/core/ports"
	"returnfeed/internal/infrastructure/registry"
	apperrors "returnfeed/pkg/errors"
	"returnfeed/pkg/utils"
	"returnfeed/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocketServer is the signaling endpoint every production client
// connects to: director consoles, staff monitors and viewers all speak
// the same JSON message protocol over one socket.
type WebSocketServer struct {
	registry *registry.Registry
	bus      ports.Broadcaster
	tally    ports.TallyService
	bitrate  ports.BitrateService
	latency  ports.LatencyService

	readTimeout    time.Duration
	writeTimeout   time.Duration
	sendBufferSize int

	jwtSecret        string
	rateLimitEnabled bool
	messagesPerSec   float64
	burst            int

	metrics ConnectionMetrics
	logger  *zap.SugaredLogger
}

// ConnectionMetrics receives connection lifecycle and traffic events.
type ConnectionMetrics interface {
	RecordClientConnected()
	RecordClientDisconnected()
	RecordMessage(msgType string)
}

// inboundMessage is the union of every client-to-server message. Fields
// irrelevant to a given type are simply absent on the wire.
type inboundMessage struct {
	Type string `json:"type"`

	// register
	Role         string `json:"role,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	CameraNumber int    `json:"cameraNumber,omitempty"`

	// tally_update / inputs_update
	Program     *int           `json:"program,omitempty"`
	Preview     *int           `json:"preview,omitempty"`
	Inputs      map[int]string `json:"inputs,omitempty"`
	VmixVersion string         `json:"vmixVersion,omitempty"`

	// ping
	Timestamp float64 `json:"timestamp,omitempty"`

	// bitrate_change_request
	CameraID   string   `json:"cameraId,omitempty"`
	MaxBitrate int      `json:"maxBitrate,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`
	Adaptive   *bool    `json:"adaptive,omitempty"`

	// quality_metrics_report
	Metrics *qualityMetricsPayload `json:"metrics,omitempty"`

	// latency_measurement_response
	SequenceID       string  `json:"sequenceId,omitempty"`
	ReceiveTimestamp float64 `json:"receiveTimestamp,omitempty"`
}

type qualityMetricsPayload struct {
	PacketLoss    float64 `json:"packetLoss"`
	Jitter        float64 `json:"jitter"` // seconds
	RoundTripTime float64 `json:"roundTripTime"`
	Bandwidth     int     `json:"bandwidth"`
	FPS           int     `json:"fps"`
	Resolution    string  `json:"resolution"`
}

func NewWebSocketServer(
	reg *registry.Registry,
	bus ports.Broadcaster,
	tally ports.TallyService,
	bitrate ports.BitrateService,
	latency ports.LatencyService,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	return &WebSocketServer{
		registry:       reg,
		bus:            bus,
		tally:          tally,
		bitrate:        bitrate,
		latency:        latency,
		readTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
		sendBufferSize: 64,
		logger:         logger,
	}
}

// SetTimeouts sets the per-connection read and write deadlines
func (s *WebSocketServer) SetTimeouts(read, write time.Duration) {
	s.readTimeout = read
	s.writeTimeout = write
}

// SetSendBufferSize sets the per-connection outbound frame buffer
func (s *WebSocketServer) SetSendBufferSize(size int) {
	s.sendBufferSize = size
}

// SetJWTSecret enables token validation on upgrade. With an empty
// secret, connections are admitted without a token.
func (s *WebSocketServer) SetJWTSecret(secret string) {
	s.jwtSecret = secret
}

// SetRateLimit enables a per-connection inbound message limiter.
func (s *WebSocketServer) SetRateLimit(messagesPerSec float64, burst int) {
	s.rateLimitEnabled = messagesPerSec > 0
	s.messagesPerSec = messagesPerSec
	s.burst = burst
}

// SetMetrics installs a metrics collector. Must be called before the
// server starts accepting connections.
func (s *WebSocketServer) SetMetrics(metrics ConnectionMetrics) {
	s.metrics = metrics
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.logger.Warnw("websocket auth failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	clientID := domain.ClientID(utils.GenerateClientID())
	sender := newWSSender(conn, s.sendBufferSize, s.writeTimeout, s.logger)
	go sender.writePump()

	s.registry.Add(&domain.Connection{ID: clientID, Role: claims.role}, sender)

	// a token can pre-bind the connection to a session
	if claims.sessionID != "" {
		if err := s.registry.Register(clientID, claims.sessionID, claims.role, 0); err != nil {
			s.logger.Errorw("failed to register token session", "client_id", clientID, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordClientConnected()
	}

	s.logger.Infow("client connected", "client_id", clientID, "remote", r.RemoteAddr)
	s.sendJSON(sender, map[string]interface{}{
		"type":     "connected",
		"clientId": clientID,
	})

	var limiter *rate.Limiter
	if s.rateLimitEnabled {
		limiter = rate.NewLimiter(rate.Limit(s.messagesPerSec), s.burst)
	}

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		s.registry.Touch(clientID)
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	s.readLoop(conn, clientID, sender, limiter)

	s.registry.Unregister(clientID)
	if s.metrics != nil {
		s.metrics.RecordClientDisconnected()
	}
	s.logger.Infow("client disconnected", "client_id", clientID)
}

func (s *WebSocketServer) readLoop(conn *websocket.Conn, clientID domain.ClientID, sender *wsSender, limiter *rate.Limiter) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warnw("websocket read failed", "client_id", clientID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		s.registry.Touch(clientID)

		if limiter != nil && !limiter.Allow() {
			s.sendError(sender, "rate limit exceeded")
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(sender, "invalid message format")
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordMessage(msg.Type)
		}

		// a malformed or unauthorized message never tears the
		// connection down; the client gets an error frame and the
		// socket stays open
		if err := s.handleMessage(context.Background(), clientID, sender, msg); err != nil {
			s.logger.Infow("message handling failed",
				"client_id", clientID,
				"type", msg.Type,
				"error", err,
			)
			s.sendError(sender, errorMessage(err))
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, clientID domain.ClientID, sender *wsSender, msg inboundMessage) error {
	if msg.Type == "" {
		return apperrors.NewValidationError("message type is required")
	}

	switch msg.Type {
	case "register":
		return s.handleRegister(ctx, clientID, sender, msg)
	case "tally_update":
		return s.handleTallyUpdate(ctx, clientID, msg)
	case "inputs_update":
		return s.handleInputsUpdate(ctx, clientID, msg)
	case "get_full_state":
		return s.handleGetFullState(ctx, clientID, sender)
	case "get_inputs":
		return s.handleGetInputs(ctx, clientID, sender)
	case "ping":
		return s.sendJSON(sender, map[string]interface{}{
			"type":      "pong",
			"timestamp": msg.Timestamp,
		})
	case "bitrate_change_request":
		return s.handleBitrateChange(ctx, clientID, sender, msg)
	case "quality_metrics_report":
		return s.handleQualityReport(ctx, clientID, msg)
	case "latency_measurement_response":
		return s.handleLatencyResponse(ctx, clientID, msg)
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *WebSocketServer) handleRegister(ctx context.Context, clientID domain.ClientID, sender *wsSender, msg inboundMessage) error {
	if err := validation.ValidateSessionID(msg.SessionID); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if err := validation.ValidateCameraNumber(msg.CameraNumber); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	role, ok := domain.ParseRole(msg.Role)
	if !ok {
		return apperrors.NewValidationError(fmt.Sprintf("unknown role: %s", msg.Role))
	}

	sessionID := domain.SessionID(msg.SessionID)
	if err := s.registry.Register(clientID, sessionID, role, msg.CameraNumber); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "registration failed", http.StatusInternalServerError)
	}

	s.logger.Infow("client registered",
		"client_id", clientID,
		"session_id", sessionID,
		"role", role,
		"camera_number", msg.CameraNumber,
	)

	if err := s.sendJSON(sender, map[string]interface{}{
		"type":      "session_registered",
		"clientId":  clientID,
		"sessionId": sessionID,
		"role":      role,
	}); err != nil {
		return err
	}

	// late joiners get the session's current state right away instead
	// of waiting for the next director update
	return s.pushFullState(ctx, sessionID, sender)
}

func (s *WebSocketServer) pushFullState(ctx context.Context, sessionID domain.SessionID, sender *wsSender) error {
	state, err := s.tally.GetCurrentState(ctx, sessionID)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"type":    "full_state",
		"program": state.Program,
		"preview": state.Preview,
		"inputs":  state.Inputs,
	}
	if state.VmixVersion != "" {
		payload["vmixVersion"] = state.VmixVersion
	}
	if settings := s.bitrate.SessionSettings(sessionID); len(settings) > 0 {
		payload["bitrateSettings"] = settings
	}
	return s.sendJSON(sender, payload)
}

func (s *WebSocketServer) handleTallyUpdate(ctx context.Context, clientID domain.ClientID, msg inboundMessage) error {
	conn, ok := s.registry.Get(clientID)
	if !ok || conn.SessionID == "" {
		return apperrors.NewValidationError("not registered to a session")
	}
	return s.tally.ApplyTallyUpdate(ctx, conn.SessionID, conn.Role, msg.Program, msg.Preview, msg.Inputs)
}

func (s *WebSocketServer) handleInputsUpdate(ctx context.Context, clientID domain.ClientID, msg inboundMessage) error {
	conn, ok := s.registry.Get(clientID)
	if !ok || conn.SessionID == "" {
		return apperrors.NewValidationError("not registered to a session")
	}
	return s.tally.ApplyInputsUpdate(ctx, conn.SessionID, conn.Role, msg.Inputs, msg.VmixVersion)
}

func (s *WebSocketServer) handleGetFullState(ctx context.Context, clientID domain.ClientID, sender *wsSender) error {
	conn, ok := s.registry.Get(clientID)
	if !ok || conn.SessionID == "" {
		return apperrors.NewValidationError("not registered to a session")
	}
	return s.pushFullState(ctx, conn.SessionID, sender)
}

func (s *WebSocketServer) handleGetInputs(ctx context.Context, clientID domain.ClientID, sender *wsSender) error {
	conn, ok := s.registry.Get(clientID)
	if !ok || conn.SessionID == "" {
		return apperrors.NewValidationError("not registered to a session")
	}

	state, err := s.tally.GetCurrentState(ctx, conn.SessionID)
	if err != nil {
		return err
	}
	return s.sendJSON(sender, map[string]interface{}{
		"type":        "inputs_list",
		"inputs":      state.Inputs,
		"vmixVersion": state.VmixVersion,
	})
}

func (s *WebSocketServer) handleBitrateChange(ctx context.Context, clientID domain.ClientID, sender *wsSender, msg inboundMessage) error {
	conn, ok := s.registry.Get(clientID)
	if !ok || conn.SessionID == "" {
		return apperrors.NewValidationError("not registered to a session")
	}
	if !conn.Role.CanWriteTally() && conn.Role != domain.RoleAdmin {
		return apperrors.NewAuthorizationError("role is not allowed to change bitrate")
	}

	cameraID := s.cameraID(msg, conn)
	if err := validation.ValidateCameraID(string(cameraID)); err != nil {
		return apperrors.NewValidationError(err.Error())
	}

	var (
		setting domain.BitrateSetting
		err     error
	)
	switch {
	case msg.MaxBitrate > 0:
		if err := validation.ValidateMaxBitrate(msg.MaxBitrate); err != nil {
			return apperrors.NewValidationError(err.Error())
		}
		setting, err = s.bitrate.Initialize(ctx, conn.SessionID, cameraID, msg.MaxBitrate)
	case msg.Percentage != nil:
		setting, err = s.bitrate.SetPercentage(ctx, conn.SessionID, cameraID, *msg.Percentage)
	case msg.Adaptive != nil:
		if err := s.bitrate.SetAdaptive(ctx, conn.SessionID, cameraID, *msg.Adaptive); err != nil {
			return err
		}
		setting, err = s.bitrate.GetSetting(conn.SessionID, cameraID)
	default:
		return apperrors.NewValidationError("bitrate_change_request requires maxBitrate, percentage or adaptive")
	}
	if err != nil {
		return err
	}

	return s.sendJSON(sender, map[string]interface{}{
		"type":              "bitrate_change_response",
		"sessionId":         setting.SessionID,
		"cameraId":          setting.CameraID,
		"maxBitrate":        setting.MaxBitrate,
		"currentPercentage": setting.CurrentPercentage,
		"effectiveBitrate":  setting.EffectiveBitrate(),
		"adaptiveEnabled":   setting.AdaptiveEnabled,
	})
}

func (s *WebSocketServer) handleQualityReport(ctx context.Context, clientID domain.ClientID, msg inboundMessage) error {
	conn, ok := s.registry.Get(clientID)
	if !ok || conn.SessionID == "" {
		return apperrors.NewValidationError("not registered to a session")
	}
	if msg.Metrics == nil {
		return apperrors.NewValidationError("metrics payload is required")
	}

	cameraID := s.cameraID(msg, conn)
	if cameraID == "" {
		return apperrors.NewValidationError("cameraId is required")
	}

	return s.bitrate.RecordQualitySample(ctx, domain.QualitySample{
		SessionID:     conn.SessionID,
		CameraID:      cameraID,
		ClientID:      clientID,
		PacketLoss:    msg.Metrics.PacketLoss,
		Jitter:        msg.Metrics.Jitter,
		RoundTripTime: msg.Metrics.RoundTripTime,
		Bandwidth:     msg.Metrics.Bandwidth,
		FPS:           msg.Metrics.FPS,
		Resolution:    msg.Metrics.Resolution,
		Timestamp:     utils.Now(),
	})
}

func (s *WebSocketServer) handleLatencyResponse(ctx context.Context, clientID domain.ClientID, msg inboundMessage) error {
	conn, ok := s.registry.Get(clientID)
	if !ok || conn.SessionID == "" {
		return apperrors.NewValidationError("not registered to a session")
	}
	if msg.SequenceID == "" {
		return apperrors.NewValidationError("sequenceId is required")
	}

	receiveTimestamp := msg.ReceiveTimestamp
	if receiveTimestamp == 0 {
		receiveTimestamp = float64(utils.Now().UnixMilli())
	}

	s.latency.HandleProbeResponse(clientID, msg.SequenceID, receiveTimestamp, conn.SessionID, s.cameraID(msg, conn))
	return nil
}

func (s *WebSocketServer) cameraID(msg inboundMessage, conn domain.Connection) domain.CameraID {
	if msg.CameraID != "" {
		return domain.CameraID(msg.CameraID)
	}
	if msg.CameraNumber > 0 {
		return domain.CameraID(fmt.Sprintf("camera%d", msg.CameraNumber))
	}
	if conn.CameraNumber > 0 {
		return domain.CameraID(fmt.Sprintf("camera%d", conn.CameraNumber))
	}
	return ""
}

type tokenClaims struct {
	role      domain.Role
	sessionID domain.SessionID
}

// authenticate validates the query token when a secret is configured.
// Without a secret every connection is admitted as a viewer and must
// register explicitly.
func (s *WebSocketServer) authenticate(r *http.Request) (tokenClaims, error) {
	claims := tokenClaims{role: domain.RoleViewer}

	token := r.URL.Query().Get("token")
	if s.jwtSecret == "" || token == "" {
		return claims, nil
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return claims, err
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return claims, fmt.Errorf("invalid token claims")
	}

	if roleName, ok := mapClaims["role"].(string); ok {
		if role, valid := domain.ParseRole(roleName); valid {
			claims.role = role
		}
	}
	if sessionID, ok := mapClaims["sessionId"].(string); ok {
		claims.sessionID = domain.SessionID(sessionID)
	}
	return claims, nil
}

func (s *WebSocketServer) sendJSON(sender *wsSender, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to marshal message", http.StatusInternalServerError)
	}
	return sender.Send(data)
}

func (s *WebSocketServer) sendError(sender *wsSender, message string) {
	s.sendJSON(sender, map[string]interface{}{
		"type":    "error",
		"message": message,
	})
}

func errorMessage(err error) string {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr.Message
	}
	return err.Error()
}
