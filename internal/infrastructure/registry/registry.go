package registry

import (
	"context"
	"sync"
	"time"

	"returnfeed/internal/core/domain"

	"go.uber.org/zap"
)

// Sender is the transport half of a connection. Send must not block the
// caller on a slow peer; implementations buffer or drop.
type Sender interface {
	Send(data []byte) error
	Ping() error
	Close() error
}

type entry struct {
	conn   *domain.Connection
	sender Sender
}

// Registry tracks every live connection, its session affiliation, role
// and liveness. It owns the session→connection-set index used for
// fan-out and is the only component allowed to destroy a connection.
type Registry struct {
	mu          sync.RWMutex
	connections map[domain.ClientID]*entry
	sessions    map[domain.SessionID]map[domain.ClientID]struct{}

	heartbeatInterval time.Duration

	logger *zap.SugaredLogger
}

func New(heartbeatInterval time.Duration, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		connections:       make(map[domain.ClientID]*entry),
		sessions:          make(map[domain.SessionID]map[domain.ClientID]struct{}),
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
	}
}

// Add inserts a connection that has not yet registered to a session.
func (r *Registry) Add(conn *domain.Connection, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn.Alive = true
	conn.JoinedAt = time.Now()
	conn.LastActivity = conn.JoinedAt
	r.connections[conn.ID] = &entry{conn: conn, sender: sender}
}

// Register tags a connection with a session and role and adds it to the
// session index. Re-registering under a new session first removes the
// connection from the old one; a connection is in at most one session.
func (r *Registry) Register(id domain.ClientID, sessionID domain.SessionID, role domain.Role, cameraNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.connections[id]
	if !ok {
		return domain.ErrConnectionNotFound
	}

	if e.conn.SessionID != "" && e.conn.SessionID != sessionID {
		r.removeFromSessionLocked(id, e.conn.SessionID)
	}

	e.conn.SessionID = sessionID
	if role != "" {
		e.conn.Role = role
	}
	if cameraNumber > 0 {
		e.conn.CameraNumber = cameraNumber
	}
	e.conn.LastActivity = time.Now()

	set, ok := r.sessions[sessionID]
	if !ok {
		set = make(map[domain.ClientID]struct{})
		r.sessions[sessionID] = set
	}
	set[id] = struct{}{}

	return nil
}

// Unregister removes the connection from the flat map and the session
// index. Safe to call multiple times; the sender is closed here so dead
// peers stop consuming resources immediately.
func (r *Registry) Unregister(id domain.ClientID) {
	r.mu.Lock()
	e, ok := r.connections[id]
	if ok {
		r.removeFromSessionLocked(id, e.conn.SessionID)
		delete(r.connections, id)
	}
	r.mu.Unlock()

	if ok {
		_ = e.sender.Close()
	}
}

func (r *Registry) removeFromSessionLocked(id domain.ClientID, sessionID domain.SessionID) {
	if sessionID == "" {
		return
	}
	if set, ok := r.sessions[sessionID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.sessions, sessionID)
		}
	}
}

// Touch marks a connection alive, typically from a pong or any inbound
// message.
func (r *Registry) Touch(id domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.connections[id]; ok {
		e.conn.Alive = true
		e.conn.LastActivity = time.Now()
	}
}

// Get returns a copy of the connection's descriptor.
func (r *Registry) Get(id domain.ClientID) (domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.connections[id]
	if !ok {
		return domain.Connection{}, false
	}
	return *e.conn, true
}

// ForEachInSession iterates the senders registered to a session. The set
// is snapshotted under the read lock, so concurrent unregistration during
// iteration skips dead entries rather than failing.
func (r *Registry) ForEachInSession(sessionID domain.SessionID, fn func(id domain.ClientID, sender Sender)) {
	r.mu.RLock()
	set, ok := r.sessions[sessionID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	snapshot := make([]*entry, 0, len(set))
	ids := make([]domain.ClientID, 0, len(set))
	for id := range set {
		if e, ok := r.connections[id]; ok {
			snapshot = append(snapshot, e)
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for i, e := range snapshot {
		fn(ids[i], e.sender)
	}
}

// ForEach iterates every known connection.
func (r *Registry) ForEach(fn func(id domain.ClientID, sender Sender)) {
	r.mu.RLock()
	snapshot := make(map[domain.ClientID]Sender, len(r.connections))
	for id, e := range r.connections {
		snapshot[id] = e.sender
	}
	r.mu.RUnlock()

	for id, sender := range snapshot {
		fn(id, sender)
	}
}

// SessionCount returns the number of connections registered to a session.
func (r *Registry) SessionCount(sessionID domain.SessionID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Count returns the total number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Sessions returns the ids of sessions with at least one connection.
func (r *Registry) Sessions() []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Stats summarizes the registry for the REST control surface.
type Stats struct {
	TotalConnections int                      `json:"totalConnections"`
	ByRole           map[domain.Role]int      `json:"byRole"`
	BySession        map[domain.SessionID]int `json:"bySession"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalConnections: len(r.connections),
		ByRole:           make(map[domain.Role]int),
		BySession:        make(map[domain.SessionID]int),
	}
	for _, e := range r.connections {
		if e.conn.Role != "" {
			stats.ByRole[e.conn.Role]++
		}
	}
	for sessionID, set := range r.sessions {
		stats.BySession[sessionID] = len(set)
	}
	return stats
}

// RunHeartbeat pings every connection each interval and forcibly
// unregisters the ones that did not answer the previous ping. Browser
// and network disconnects do not always produce a clean close event, so
// this sweep is what bounds memory growth from silently-dead peers.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	var dead []domain.ClientID
	var ping []*entry
	for id, e := range r.connections {
		if !e.conn.Alive {
			dead = append(dead, id)
			continue
		}
		e.conn.Alive = false
		ping = append(ping, e)
	}
	r.mu.Unlock()

	for _, id := range dead {
		r.logger.Infow("heartbeat timeout, removing connection", "client_id", id)
		r.Unregister(id)
	}

	for _, e := range ping {
		if err := e.sender.Ping(); err != nil {
			r.logger.Infow("ping failed, removing connection", "client_id", e.conn.ID, "error", err)
			r.Unregister(e.conn.ID)
		}
	}
}
