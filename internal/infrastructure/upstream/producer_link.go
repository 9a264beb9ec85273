package upstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/core/ports"
	apperrors "returnfeed/pkg/errors"
	"returnfeed/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Link maintains the single websocket to the producing endpoint (the
// director's encoder box). The connection is expected to flap: the link
// reconnects forever with exponential backoff and queues outbound
// messages while down. The queue is bounded and drops the OLDEST entry
// on overflow, because a stale bitrate directive is worse than none.
type Link struct {
	url    string
	dialer *websocket.Dialer

	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64

	send chan []byte

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	tally   ports.TallyService
	bitrate ports.BitrateService
	latency ports.LatencyService

	logger *zap.SugaredLogger
}

type Option func(*Link)

func WithBackoff(initial, max time.Duration, multiplier float64) Option {
	return func(l *Link) {
		l.initialDelay = initial
		l.maxDelay = max
		l.multiplier = multiplier
	}
}

func WithQueueSize(size int) Option {
	return func(l *Link) {
		l.send = make(chan []byte, size)
	}
}

func NewLink(url string, tally ports.TallyService, bitrate ports.BitrateService, latency ports.LatencyService, logger *zap.SugaredLogger, opts ...Option) *Link {
	l := &Link{
		url:          url,
		dialer:       websocket.DefaultDialer,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
		multiplier:   2.0,
		send:         make(chan []byte, 256),
		tally:        tally,
		bitrate:      bitrate,
		latency:      latency,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connected reports whether the producer is currently reachable.
func (l *Link) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// SendDirective queues a bitrate directive for the producer. Never
// blocks; while the link is down the directive waits in the queue and is
// flushed on reconnect.
func (l *Link) SendDirective(directive domain.BitrateDirective) error {
	return l.enqueue(map[string]interface{}{
		"type":      "bitrate_directive",
		"directive": directive,
	})
}

// ReportLatency pushes a completed end-to-end measurement back to the
// producer so its encoder dashboard shows what viewers actually see.
func (l *Link) ReportLatency(sessionID domain.SessionID, cameraID domain.CameraID, sequenceID string, endToEndMS float64) error {
	return l.enqueue(map[string]interface{}{
		"type":       "latency_report",
		"sessionId":  sessionID,
		"cameraId":   cameraID,
		"sequenceId": sequenceID,
		"latency":    endToEndMS,
		"timestamp":  utils.FormatTimestamp(utils.Now()),
	})
}

func (l *Link) enqueue(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to marshal upstream message", 500)
	}

	for {
		select {
		case l.send <- data:
			return nil
		default:
		}
		// queue full: drop the oldest entry and retry
		select {
		case <-l.send:
			l.logger.Warnw("upstream queue full, dropping oldest message")
		default:
		}
	}
}

// Run dials and re-dials the producer until the context is cancelled.
func (l *Link) Run(ctx context.Context) {
	delay := l.initialDelay

	for {
		conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warnw("producer dial failed",
				"url", l.url,
				"retry_in", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * l.multiplier)
			if delay > l.maxDelay {
				delay = l.maxDelay
			}
			continue
		}

		delay = l.initialDelay
		l.setConn(conn)
		l.logger.Infow("producer connected", "url", l.url)

		done := make(chan struct{})
		go l.writeLoop(ctx, conn, done)
		l.readLoop(ctx, conn)
		close(done)

		l.clearConn()
		conn.Close()
		l.logger.Warnw("producer disconnected", "url", l.url)

		if ctx.Err() != nil {
			return
		}
	}
}

func (l *Link) setConn(conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.mu.Unlock()
}

func (l *Link) clearConn() {
	l.mu.Lock()
	l.conn = nil
	l.connected = false
	l.mu.Unlock()
}

func (l *Link) writeLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case data := <-l.send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.logger.Warnw("upstream write failed, requeueing", "error", err)
				// put it back for the next connection
				select {
				case l.send <- data:
				default:
				}
				conn.Close()
				return
			}
		}
	}
}

// upstreamMessage is what the producer sends us: probes for the latency
// pipeline and occasionally its own tally pushes.
type upstreamMessage struct {
	Type string `json:"type"`

	SequenceID string  `json:"sequenceId,omitempty"`
	SessionID  string  `json:"sessionId,omitempty"`
	CameraID   string  `json:"cameraId,omitempty"`
	Source     string  `json:"source,omitempty"`
	Timestamp  float64 `json:"timestamp,omitempty"`

	Program     *int           `json:"program,omitempty"`
	Preview     *int           `json:"preview,omitempty"`
	Inputs      map[int]string `json:"inputs,omitempty"`
	VmixVersion string         `json:"vmixVersion,omitempty"`

	Metrics *struct {
		PacketLoss    float64 `json:"packetLoss"`
		Jitter        float64 `json:"jitter"`
		RoundTripTime float64 `json:"roundTripTime"`
		Bandwidth     int     `json:"bandwidth"`
		FPS           int     `json:"fps"`
		Resolution    string  `json:"resolution"`
	} `json:"metrics,omitempty"`
}

func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Debugw("upstream read failed", "error", err)
			}
			return
		}

		var msg upstreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warnw("malformed upstream message", "error", err)
			continue
		}
		l.handleMessage(ctx, msg)
	}
}

func (l *Link) handleMessage(ctx context.Context, msg upstreamMessage) {
	switch msg.Type {
	case "latency_measurement":
		if msg.SequenceID == "" || msg.SessionID == "" {
			l.logger.Warnw("latency probe missing identifiers")
			return
		}
		l.latency.HandleProbe(domain.LatencyProbe{
			SequenceID: msg.SequenceID,
			SessionID:  domain.SessionID(msg.SessionID),
			CameraID:   domain.CameraID(msg.CameraID),
			Source:     msg.Source,
			Timestamp:  msg.Timestamp,
		})

	case "tally_update":
		if msg.SessionID == "" {
			return
		}
		// producer-originated tally carries director authority
		if err := l.tally.ApplyTallyUpdate(ctx, domain.SessionID(msg.SessionID), domain.RoleDirector, msg.Program, msg.Preview, msg.Inputs); err != nil {
			l.logger.Errorw("failed to apply producer tally update", "session_id", msg.SessionID, "error", err)
		}

	case "inputs_update":
		if msg.SessionID == "" {
			return
		}
		if err := l.tally.ApplyInputsUpdate(ctx, domain.SessionID(msg.SessionID), domain.RoleDirector, msg.Inputs, msg.VmixVersion); err != nil {
			l.logger.Errorw("failed to apply producer inputs update", "session_id", msg.SessionID, "error", err)
		}

	case "quality_metrics_report":
		if msg.Metrics == nil || msg.SessionID == "" || msg.CameraID == "" {
			return
		}
		if err := l.bitrate.RecordQualitySample(ctx, domain.QualitySample{
			SessionID:     domain.SessionID(msg.SessionID),
			CameraID:      domain.CameraID(msg.CameraID),
			ClientID:      "producer",
			PacketLoss:    msg.Metrics.PacketLoss,
			Jitter:        msg.Metrics.Jitter,
			RoundTripTime: msg.Metrics.RoundTripTime,
			Bandwidth:     msg.Metrics.Bandwidth,
			FPS:           msg.Metrics.FPS,
			Resolution:    msg.Metrics.Resolution,
			Timestamp:     utils.Now(),
		}); err != nil {
			l.logger.Warnw("failed to record producer quality sample", "session_id", msg.SessionID, "error", err)
		}

	case "pong":
		// keepalive, nothing to do

	default:
		l.logger.Debugw("ignoring upstream message", "type", msg.Type)
	}
}
