// Package bridge implements the command queue, correlator, and session
// lifecycle that sit between MCP tool callers and the Studio plugin. All
// mutable state is owned by a single actor goroutine; callers interact with
// it through a request/response ops channel, never shared memory.
package bridge

import (
	"encoding/json"
	"errors"
	"time"
)

// State is the lifecycle state of a Command.
type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
	StateCancelled  State = "cancelled"
)

// terminal reports whether s is a terminal lifecycle state.
func (s State) terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Command is one tool invocation owned by the queue from creation until it
// reaches a terminal state and its caller has been notified. The JSON form is
// the envelope delivered to the polling host.
type Command struct {
	ID         int64           `json:"id"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args"`
	ScopeID    string          `json:"scope_id,omitempty"`
	EnqueuedAt time.Time       `json:"-"`
	State      State           `json:"-"`
}

// Result is the terminal outcome for exactly one Command. It is consumed by
// the waiting caller and then discarded.
type Result struct {
	CommandID   int64
	Success     bool
	Payload     string
	Error       string
	CompletedAt time.Time
}

// Ack reports how a submitted result was applied. Stale and duplicate
// submissions are acknowledged with Accepted=false and logged; they are never
// surfaced to the client caller, whose delivered result is immutable.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// SessionState tracks host connectivity.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnected    SessionState = "connected"
)

// Session is one authoritative host connection. Exactly one session is
// authoritative at a time; a new session id superseding a connected one
// requeues the old session's dispatched command.
type Session struct {
	ID         string
	State      SessionState
	LastPollAt time.Time
}

var (
	// ErrInvalidArgument rejects structurally malformed enqueue payloads.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrTimeout resolves a wait whose timeout elapsed.
	ErrTimeout = errors.New("command timed out")
	// ErrDisconnected resolves waits abandoned by queue shutdown.
	ErrDisconnected = errors.New("session disconnected")
	// ErrUnknownCommand rejects waits on ids the queue does not own.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrClosed rejects operations on a closed queue.
	ErrClosed = errors.New("queue closed")
)
