package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// State tracks a session through its lifecycle. Transitions are
// Pending -> Active -> Closing -> Closed, with Pending -> Closed on
// install failure. No transition re-enters Pending or Active.
type State int

const (
	StatePending State = iota
	StateActive
	StateClosing
	StateClosed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session is one unit of forwarding state: traffic arriving on
// IngressPort is redirected to TargetIP:TargetPort for both UDP and TCP.
type Session struct {
	ID          string
	IngressPort uint16
	TargetIP    string
	TargetPort  uint16

	// group is the provider-side rule group holding all of this
	// session's rules, derived deterministically from ID. Never
	// exposed outside the registry.
	group string

	state State
}

// Summary is the externally visible view of a session. It carries no
// provider handles.
type Summary struct {
	ID          string `json:"session_id"`
	IngressPort uint16 `json:"ingress_port"`
	TargetIP    string `json:"target_ip"`
	TargetPort  uint16 `json:"target_port"`
}

// Summary returns the external view of the session.
func (s *Session) Summary() Summary {
	return Summary{
		ID:          s.ID,
		IngressPort: s.IngressPort,
		TargetIP:    s.TargetIP,
		TargetPort:  s.TargetPort,
	}
}

const groupPrefix = "EZFWD-"

// groupNameForID derives the provider-side rule group name from a
// session id. Netfilter chain names are limited to 28 characters, so
// the uuid is compacted and truncated; the prefix plus 20 hex digits
// stays within the limit while keeping collisions out of reach for a
// single process's session table.
func groupNameForID(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 20 {
		compact = compact[:20]
	}
	return groupPrefix + compact
}

// newSessionID generates a globally unique session id.
func newSessionID() string {
	return uuid.NewString()
}
