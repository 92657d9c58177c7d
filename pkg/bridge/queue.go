package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/studiobridge/studiobridge/pkg/log"
)

// DefaultLivenessWindow is how long the queue waits for the next host poll
// before marking the session disconnected.
const DefaultLivenessWindow = 30 * time.Second

// maxRetainedTerminal bounds how many resolved commands stay known so that
// late duplicate submissions can be classified instead of treated as unknown.
const maxRetainedTerminal = 1024

// outcome is what a waiting caller receives: a result or a terminal error.
type outcome struct {
	res Result
	err error
}

// pollWaiter is a parked host poll. The channel is buffered so the actor
// never blocks delivering to it.
type pollWaiter struct {
	sessionID string
	ch        chan *Command
}

// Config configures a Queue.
type Config struct {
	// LivenessWindow is the maximum silence between host polls before the
	// session is considered disconnected. Zero means DefaultLivenessWindow.
	LivenessWindow time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Queue owns command identity, lifecycle state, and the correlation between
// pending callers and their eventual results. Every mutation runs on the
// actor goroutine in arrival order.
type Queue struct {
	ops        chan func()
	terminated chan struct{}

	// All fields below are owned by the actor goroutine.
	livenessWindow time.Duration
	now            func() time.Time

	nextID     int64
	pending    []*Command
	dispatched *Command
	commands   map[int64]*Command
	waiters    map[int64]chan outcome
	terminalID []int64
	pollers    []*pollWaiter
	session    *Session

	livenessGen   uint64
	livenessTimer *time.Timer
	closing       bool
}

// NewQueue creates and starts a queue actor.
func NewQueue(cfg Config) *Queue {
	window := cfg.LivenessWindow
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	q := &Queue{
		ops:            make(chan func()),
		terminated:     make(chan struct{}),
		livenessWindow: window,
		now:            now,
		nextID:         1,
		commands:       make(map[int64]*Command),
		waiters:        make(map[int64]chan outcome),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for {
		op := <-q.ops
		op()
		if q.closing {
			close(q.terminated)
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it to complete.
func (q *Queue) do(fn func()) error {
	done := make(chan struct{})
	select {
	case q.ops <- func() { fn(); close(done) }:
	case <-q.terminated:
		return ErrClosed
	}
	<-done
	return nil
}

// Close shuts the actor down. Outstanding waits resolve with ErrDisconnected
// and parked polls are woken empty.
func (q *Queue) Close() {
	_ = q.do(func() {
		if q.livenessTimer != nil {
			q.livenessTimer.Stop()
		}
		for id, ch := range q.waiters {
			cmd := q.commands[id]
			if cmd != nil && cmd.State.terminal() {
				// The channel already buffers the delivered outcome.
				continue
			}
			ch <- outcome{err: ErrDisconnected}
			delete(q.waiters, id)
		}
		for _, cmd := range q.commands {
			if !cmd.State.terminal() {
				cmd.State = StateCancelled
			}
		}
		for _, w := range q.pollers {
			w.ch <- nil
		}
		q.pollers = nil
		if q.session != nil {
			q.session.State = SessionDisconnected
		}
		q.closing = true
	})
}

// Enqueue validates the payload and creates a Pending command, returning its
// id immediately. The caller's result channel is registered here, before the
// command can be dispatched, so a fast host can never outrun the correlator.
func (q *Queue) Enqueue(tool string, args json.RawMessage, scopeID string) (int64, error) {
	if tool == "" {
		return 0, fmt.Errorf("tool name is required: %w", ErrInvalidArgument)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return 0, fmt.Errorf("malformed arguments for %q: %w", tool, ErrInvalidArgument)
	}

	var id int64
	err := q.do(func() {
		cmd := &Command{
			ID:         q.nextID,
			Tool:       tool,
			Args:       args,
			ScopeID:    scopeID,
			EnqueuedAt: q.now().UTC(),
			State:      StatePending,
		}
		q.nextID++
		id = cmd.ID
		q.commands[id] = cmd
		q.waiters[id] = make(chan outcome, 1)
		q.pending = append(q.pending, cmd)
		q.tryDispatch()
	})
	if err != nil {
		return 0, err
	}
	log.Debug("command enqueued", "id", id, "tool", tool)
	return id, nil
}

// AwaitResult suspends until a result is posted for id or timeout elapses.
// On elapse the command transitions to TimedOut and any later result for it
// is stale. Context cancellation abandons only this wait; the command may
// still complete and its late result is discarded harmlessly.
func (q *Queue) AwaitResult(ctx context.Context, id int64, timeout time.Duration) (Result, error) {
	var ch chan outcome
	var regErr error
	err := q.do(func() {
		cmd, ok := q.commands[id]
		if !ok {
			regErr = fmt.Errorf("command %d: %w", id, ErrUnknownCommand)
			return
		}
		w, ok := q.waiters[id]
		if !ok {
			// The wait was abandoned or the result already consumed; the
			// first delivered outcome is immutable and gone.
			regErr = fmt.Errorf("command %d already resolved (%s): %w", id, cmd.State, ErrUnknownCommand)
			return
		}
		ch = w
	})
	if err != nil {
		return Result{}, err
	}
	if regErr != nil {
		return Result{}, regErr
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		q.forgetWait(id, ch)
		return out.res, out.err
	case <-timer.C:
		if q.expireWait(id, ch) {
			return Result{}, ErrTimeout
		}
		// The result won the race; deliver it.
		out := <-ch
		q.forgetWait(id, ch)
		return out.res, out.err
	case <-ctx.Done():
		if q.abandonWait(id, ch) {
			return Result{}, ctx.Err()
		}
		out := <-ch
		q.forgetWait(id, ch)
		return out.res, out.err
	}
}

// forgetWait drops the waiter registration once its outcome is consumed.
func (q *Queue) forgetWait(id int64, ch chan outcome) {
	_ = q.do(func() {
		if q.waiters[id] == ch {
			delete(q.waiters, id)
		}
	})
}

// expireWait marks the command TimedOut and removes its waiter. It reports
// false when a result was already delivered, in which case the caller must
// read the channel.
func (q *Queue) expireWait(id int64, ch chan outcome) bool {
	won := false
	err := q.do(func() {
		if q.waiters[id] != ch {
			return
		}
		cmd := q.commands[id]
		if cmd == nil || cmd.State.terminal() {
			// Resolved already; the outcome is buffered in ch.
			return
		}
		delete(q.waiters, id)
		q.detach(cmd)
		cmd.State = StateTimedOut
		q.recordTerminal(id)
		won = true
		log.Warn("command timed out", "id", id, "tool", cmd.Tool)
		q.tryDispatch()
	})
	if err != nil {
		return true
	}
	return won
}

// abandonWait removes the caller's waiter without touching the command, which
// may still complete. Reports false when a result already arrived.
func (q *Queue) abandonWait(id int64, ch chan outcome) bool {
	won := false
	err := q.do(func() {
		if q.waiters[id] != ch {
			return
		}
		cmd := q.commands[id]
		if cmd != nil && cmd.State.terminal() {
			// Resolved already; let the caller consume the outcome.
			return
		}
		delete(q.waiters, id)
		won = true
		log.Debug("wait abandoned", "id", id)
	})
	if err != nil {
		return true
	}
	return won
}

// PollNext hands the host its next command. The first poll of a session id
// connects it; a different id supersedes the current session. When no command
// is deliverable the call parks for up to waitBudget and returns nil on
// expiry — the empty sentinel, not an error.
func (q *Queue) PollNext(ctx context.Context, sessionID string, waitBudget time.Duration) (*Command, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required: %w", ErrInvalidArgument)
	}

	w := &pollWaiter{sessionID: sessionID, ch: make(chan *Command, 1)}
	err := q.do(func() {
		q.touchSession(sessionID)
		if q.dispatched == nil && len(q.pending) > 0 {
			cmd := q.pending[0]
			q.pending = q.pending[1:]
			cmd.State = StateDispatched
			q.dispatched = cmd
			w.ch <- cmd
			return
		}
		q.pollers = append(q.pollers, w)
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(waitBudget)
	defer timer.Stop()

	select {
	case cmd := <-w.ch:
		if cmd != nil {
			log.Debug("command dispatched", "id", cmd.ID, "tool", cmd.Tool, "session", sessionID)
		}
		return cmd, nil
	case <-timer.C:
		if q.removePoller(w) {
			return nil, nil
		}
		cmd := <-w.ch
		if cmd != nil {
			log.Debug("command dispatched", "id", cmd.ID, "tool", cmd.Tool, "session", sessionID)
		}
		return cmd, nil
	case <-ctx.Done():
		if !q.removePoller(w) {
			// A command was dispatched into a poll the host already gave up
			// on; put it back at the head of the line.
			if cmd := <-w.ch; cmd != nil {
				_ = q.do(func() { q.requeue(cmd) })
			}
		}
		return nil, ctx.Err()
	}
}

// removePoller unparks w. Reports false when a command was already delivered.
func (q *Queue) removePoller(w *pollWaiter) bool {
	removed := false
	err := q.do(func() {
		for i, p := range q.pollers {
			if p == w {
				q.pollers = append(q.pollers[:i], q.pollers[i+1:]...)
				removed = true
				return
			}
		}
	})
	if err != nil {
		return true
	}
	return removed
}

// SubmitResult applies the host's result for a command. Matching is strictly
// by id; out-of-order submission relative to dispatch order is tolerated.
func (q *Queue) SubmitResult(id int64, success bool, payload string) Ack {
	var ack Ack
	err := q.do(func() {
		cmd, ok := q.commands[id]
		if !ok {
			ack = Ack{Reason: "stale result: unknown command id"}
			log.Warn("stale result discarded", "id", id)
			return
		}
		switch cmd.State {
		case StateCompleted, StateFailed:
			ack = Ack{Reason: "duplicate result: command already resolved"}
			log.Warn("duplicate result ignored", "id", id, "state", cmd.State)
			return
		case StateTimedOut, StateCancelled:
			ack = Ack{Reason: "stale result: command already " + string(cmd.State)}
			log.Warn("stale result discarded", "id", id, "state", cmd.State)
			return
		}

		// Pending is accepted too: a requeued command may be completed by the
		// host that originally received it.
		q.detach(cmd)
		res := Result{
			CommandID:   id,
			Success:     success,
			CompletedAt: q.now().UTC(),
		}
		if success {
			cmd.State = StateCompleted
			res.Payload = payload
		} else {
			cmd.State = StateFailed
			res.Error = payload
		}
		q.recordTerminal(id)

		if ch, ok := q.waiters[id]; ok {
			// Buffered delivery; the registration stays until the caller
			// consumes the outcome, so a result can never outrun its waiter.
			ch <- outcome{res: res}
		} else {
			// The caller abandoned its wait; accept and discard.
			log.Debug("result discarded, no waiter", "id", id)
		}
		ack = Ack{Accepted: true}
		q.tryDispatch()
	})
	if err != nil {
		return Ack{Reason: "queue closed"}
	}
	return ack
}

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	SessionID     string       `json:"session_id,omitempty"`
	SessionState  SessionState `json:"session_state"`
	LastPollAt    time.Time    `json:"last_poll_at,omitempty"`
	PendingCount  int          `json:"pending_count"`
	DispatchedID  int64        `json:"dispatched_id,omitempty"`
	NextCommandID int64        `json:"next_command_id"`
}

// Status reports the queue's current state.
func (q *Queue) Status() Status {
	st := Status{SessionState: SessionDisconnected}
	_ = q.do(func() {
		st.PendingCount = len(q.pending)
		st.NextCommandID = q.nextID
		if q.dispatched != nil {
			st.DispatchedID = q.dispatched.ID
		}
		if q.session != nil {
			st.SessionID = q.session.ID
			st.SessionState = q.session.State
			st.LastPollAt = q.session.LastPollAt
		}
	})
	return st
}

// Disconnect tears the current session down explicitly, requeueing any
// dispatched command.
func (q *Queue) Disconnect() {
	_ = q.do(func() {
		if q.session == nil || q.session.State != SessionConnected {
			return
		}
		q.session.State = SessionDisconnected
		log.Info("session disconnected", "session", q.session.ID)
		if q.dispatched != nil {
			q.requeue(q.dispatched)
		}
	})
}

// touchSession records a poll arrival, connecting or superseding as needed.
// Actor-owned.
func (q *Queue) touchSession(sessionID string) {
	now := q.now().UTC()
	switch {
	case q.session == nil:
		q.session = &Session{ID: sessionID, State: SessionConnected, LastPollAt: now}
		log.Info("session connected", "session", sessionID)
	case q.session.ID != sessionID:
		if q.session.State == SessionConnected {
			log.Warn("session superseded", "old", q.session.ID, "new", sessionID)
		}
		// Flush the prior session's parked polls before requeueing, so its
		// in-flight command is handed to the new session, not a dead poll.
		for _, w := range q.pollers {
			w.ch <- nil
		}
		q.pollers = nil
		if q.dispatched != nil {
			q.requeue(q.dispatched)
		}
		q.session = &Session{ID: sessionID, State: SessionConnected, LastPollAt: now}
		log.Info("session connected", "session", sessionID)
	default:
		q.session.LastPollAt = now
		if q.session.State == SessionDisconnected {
			q.session.State = SessionConnected
			log.Info("session reconnected", "session", sessionID)
		}
	}
	q.resetLivenessTimer()
}

// resetLivenessTimer arms the disconnect timer for the current session.
// Generation counting discards callbacks from superseded timers. Actor-owned.
func (q *Queue) resetLivenessTimer() {
	q.livenessGen++
	gen := q.livenessGen
	if q.livenessTimer != nil {
		q.livenessTimer.Stop()
	}
	q.livenessTimer = time.AfterFunc(q.livenessWindow, func() {
		_ = q.do(func() { q.expireLiveness(gen) })
	})
}

// expireLiveness marks the session disconnected after a silent window and
// requeues its dispatched command. Actor-owned.
func (q *Queue) expireLiveness(gen uint64) {
	if gen != q.livenessGen {
		return
	}
	if q.session == nil || q.session.State != SessionConnected {
		return
	}
	if len(q.pollers) > 0 {
		// A parked poll is live contact; give it another window.
		q.resetLivenessTimer()
		return
	}
	if q.now().UTC().Sub(q.session.LastPollAt) < q.livenessWindow {
		q.resetLivenessTimer()
		return
	}
	q.session.State = SessionDisconnected
	log.Warn("session liveness lapsed", "session", q.session.ID)
	if q.dispatched != nil {
		q.requeue(q.dispatched)
	}
}

// requeue returns a dispatched command to the head of the pending queue.
// Actor-owned.
func (q *Queue) requeue(cmd *Command) {
	if q.dispatched == cmd {
		q.dispatched = nil
	}
	cmd.State = StatePending
	q.pending = append([]*Command{cmd}, q.pending...)
	log.Info("command requeued", "id", cmd.ID, "tool", cmd.Tool)
	q.tryDispatch()
}

// detach removes cmd from the pending queue or the dispatched slot ahead of a
// terminal transition. Actor-owned.
func (q *Queue) detach(cmd *Command) {
	if q.dispatched == cmd {
		q.dispatched = nil
		return
	}
	for i, p := range q.pending {
		if p == cmd {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// tryDispatch hands the next pending command to a parked poll, keeping at
// most one command dispatched. Actor-owned.
func (q *Queue) tryDispatch() {
	if q.dispatched != nil || len(q.pending) == 0 || len(q.pollers) == 0 {
		return
	}
	w := q.pollers[0]
	q.pollers = q.pollers[1:]
	cmd := q.pending[0]
	q.pending = q.pending[1:]
	cmd.State = StateDispatched
	q.dispatched = cmd
	w.ch <- cmd
}

// recordTerminal registers a resolved id and prunes the oldest resolved
// commands past the retention bound. Actor-owned.
func (q *Queue) recordTerminal(id int64) {
	q.terminalID = append(q.terminalID, id)
	for len(q.terminalID) > maxRetainedTerminal {
		old := q.terminalID[0]
		q.terminalID = q.terminalID[1:]
		delete(q.commands, old)
		delete(q.waiters, old)
	}
}
