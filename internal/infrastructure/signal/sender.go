package signal

import (
	"sync"
	"time"

	apperrors "returnfeed/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsSender is the write half of one websocket connection. All frames go
// through a single pump goroutine, because gorilla/websocket allows at
// most one concurrent writer per connection. Send never blocks the
// caller: a peer that cannot drain its buffer gets an error instead of
// stalling the broadcast path.
type wsSender struct {
	conn *websocket.Conn

	send chan []byte
	ping chan struct{}
	done chan struct{}

	writeTimeout time.Duration

	closeOnce sync.Once
	logger    *zap.SugaredLogger
}

func newWSSender(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration, logger *zap.SugaredLogger) *wsSender {
	return &wsSender{
		conn:         conn,
		send:         make(chan []byte, bufferSize),
		ping:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// writePump drains the send and ping channels onto the wire. It exits
// when Close is called or a write fails; the read loop notices the dead
// connection through its own deadline.
func (s *wsSender) writePump() {
	for {
		select {
		case <-s.done:
			return

		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debugw("websocket write failed", "error", err)
				s.Close()
				return
			}

		case <-s.ping:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("websocket ping failed", "error", err)
				s.Close()
				return
			}
		}
	}
}

func (s *wsSender) Send(data []byte) error {
	select {
	case <-s.done:
		return apperrors.NewTransportError(nil, "connection closed")
	default:
	}

	select {
	case s.send <- data:
		return nil
	default:
		return apperrors.NewTransportError(nil, "send buffer full")
	}
}

func (s *wsSender) Ping() error {
	select {
	case <-s.done:
		return apperrors.NewTransportError(nil, "connection closed")
	case s.ping <- struct{}{}:
		return nil
	default:
		// a ping is already queued
		return nil
	}
}

func (s *wsSender) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	return nil
}
