package domain

import "time"

type ClientID string
type SessionID string
type CameraID string

// Role is resolved before a connection reaches this layer; the registry
// only stores it and the tally service enforces it.
type Role string

const (
	RoleDirector Role = "director"
	RoleStaff    Role = "staff"
	RoleViewer   Role = "viewer"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDirector, RoleStaff, RoleViewer, RoleAdmin:
		return true
	}
	return false
}

// CanWriteTally reports whether the role is allowed to push tally and
// input-list updates for its session.
func (r Role) CanWriteTally() bool {
	return r == RoleDirector
}

// ParseRole maps a wire role name to a Role. "pd" is the historical name
// director consoles register with; an empty name means a plain viewer.
func ParseRole(name string) (Role, bool) {
	switch name {
	case "pd", string(RoleDirector):
		return RoleDirector, true
	case string(RoleStaff):
		return RoleStaff, true
	case "", string(RoleViewer):
		return RoleViewer, true
	case string(RoleAdmin):
		return RoleAdmin, true
	}
	return "", false
}

// Connection is one live bidirectional channel. The registry owns it
// exclusively; it is destroyed on transport close or heartbeat timeout.
type Connection struct {
	ID           ClientID
	SessionID    SessionID
	Role         Role
	CameraNumber int // 0 when the connection is not tagged to a camera
	Alive        bool
	JoinedAt     time.Time
	LastActivity time.Time
}
