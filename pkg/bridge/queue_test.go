package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, window time.Duration) *Queue {
	t.Helper()
	q := NewQueue(Config{LivenessWindow: window})
	t.Cleanup(q.Close)
	return q
}

func mustEnqueue(t *testing.T, q *Queue, tool string) int64 {
	t.Helper()
	id, err := q.Enqueue(tool, json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("Enqueue(%q) failed: %v", tool, err)
	}
	return id
}

func mustPoll(t *testing.T, q *Queue, session string) *Command {
	t.Helper()
	cmd, err := q.PollNext(context.Background(), session, time.Second)
	if err != nil {
		t.Fatalf("PollNext failed: %v", err)
	}
	if cmd == nil {
		t.Fatal("PollNext returned empty, expected a command")
	}
	return cmd
}

func TestEnqueueRejectsMalformedPayload(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	if _, err := q.Enqueue("", json.RawMessage(`{}`), ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty tool, got %v", err)
	}
	if _, err := q.Enqueue("run_code", json.RawMessage(`{not json`), ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for malformed args, got %v", err)
	}
}

func TestCommandIDsStrictlyIncrease(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	var last int64
	for i := 0; i < 10; i++ {
		id := mustEnqueue(t, q, "run_code")
		if id <= last {
			t.Fatalf("expected strictly increasing ids, got %d after %d", id, last)
		}
		last = id
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	id, err := q.Enqueue("run_code", json.RawMessage(`{"command":"print(1)"}`), "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	go func() {
		cmd, err := q.PollNext(context.Background(), "plugin-1", time.Second)
		if err != nil || cmd == nil {
			return
		}
		q.SubmitResult(cmd.ID, true, "1")
	}()

	res, err := q.AwaitResult(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("AwaitResult failed: %v", err)
	}
	if !res.Success || res.Payload != "1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestResultDeliveredBeforeAwait(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	id := mustEnqueue(t, q, "run_code")
	cmd := mustPoll(t, q, "plugin-1")
	if ack := q.SubmitResult(cmd.ID, true, "early"); !ack.Accepted {
		t.Fatalf("expected accepted submission, got %+v", ack)
	}

	// The host answered before the caller started waiting; the result must
	// still be delivered exactly once.
	res, err := q.AwaitResult(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("AwaitResult failed: %v", err)
	}
	if res.Payload != "early" {
		t.Fatalf("expected payload %q, got %q", "early", res.Payload)
	}
}

func TestAwaitTimeoutMakesLaterResultStale(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	id := mustEnqueue(t, q, "run_code")
	cmd := mustPoll(t, q, "plugin-1")

	if _, err := q.AwaitResult(context.Background(), id, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	ack := q.SubmitResult(cmd.ID, true, "too late")
	if ack.Accepted {
		t.Fatalf("expected late result to be rejected as stale, got %+v", ack)
	}
}

func TestDuplicateResultDoesNotAlterDelivered(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	id := mustEnqueue(t, q, "run_code")
	cmd := mustPoll(t, q, "plugin-1")

	if ack := q.SubmitResult(cmd.ID, true, "first"); !ack.Accepted {
		t.Fatalf("expected first submission accepted, got %+v", ack)
	}
	if ack := q.SubmitResult(cmd.ID, false, "second"); ack.Accepted {
		t.Fatalf("expected duplicate submission rejected, got %+v", ack)
	}

	res, err := q.AwaitResult(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("AwaitResult failed: %v", err)
	}
	if !res.Success || res.Payload != "first" {
		t.Fatalf("delivered result was altered by duplicate: %+v", res)
	}
}

func TestStaleResultForUnknownID(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	if ack := q.SubmitResult(999, true, "ghost"); ack.Accepted {
		t.Fatalf("expected unknown id rejected, got %+v", ack)
	}
}

func TestPollEmptyReturnsNilAfterBudget(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	start := time.Now()
	cmd, err := q.PollNext(context.Background(), "plugin-1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("PollNext failed: %v", err)
	}
	if cmd != nil {
		t.Fatalf("expected empty poll, got command %d", cmd.ID)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("poll returned before budget elapsed: %v", elapsed)
	}
}

func TestSingleCommandDispatchedAtATime(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	mustEnqueue(t, q, "run_code")
	second := mustEnqueue(t, q, "insert_model")

	first := mustPoll(t, q, "plugin-1")

	// While the first command is outstanding, polling behaves like the
	// empty-queue case.
	cmd, err := q.PollNext(context.Background(), "plugin-1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("PollNext failed: %v", err)
	}
	if cmd != nil {
		t.Fatalf("expected no dispatch while %d outstanding, got %d", first.ID, cmd.ID)
	}

	q.SubmitResult(first.ID, true, "ok")

	next := mustPoll(t, q, "plugin-1")
	if next.ID != second {
		t.Fatalf("expected command %d next, got %d", second, next.ID)
	}
}

func TestParkedPollWakesOnEnqueue(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	type polled struct {
		cmd *Command
		err error
	}
	got := make(chan polled, 1)
	go func() {
		cmd, err := q.PollNext(context.Background(), "plugin-1", time.Second)
		got <- polled{cmd, err}
	}()

	time.Sleep(30 * time.Millisecond)
	id := mustEnqueue(t, q, "run_code")

	select {
	case p := <-got:
		if p.err != nil || p.cmd == nil {
			t.Fatalf("parked poll failed: cmd=%v err=%v", p.cmd, p.err)
		}
		if p.cmd.ID != id {
			t.Fatalf("expected command %d, got %d", id, p.cmd.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("parked poll never woke for new command")
	}
}

func TestLivenessLapseRequeuesDispatched(t *testing.T) {
	q := newTestQueue(t, 50*time.Millisecond)

	id := mustEnqueue(t, q, "run_code")
	cmd := mustPoll(t, q, "plugin-old")
	if cmd.ID != id {
		t.Fatalf("expected command %d, got %d", id, cmd.ID)
	}

	// Host goes silent; the liveness window elapses.
	time.Sleep(150 * time.Millisecond)

	st := q.Status()
	if st.SessionState != SessionDisconnected {
		t.Fatalf("expected disconnected session, got %s", st.SessionState)
	}

	// A reconnecting host receives the requeued command, not a failure.
	again := mustPoll(t, q, "plugin-new")
	if again.ID != id {
		t.Fatalf("expected requeued command %d, got %d", id, again.ID)
	}
}

func TestSecondSessionSupersedes(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	id := mustEnqueue(t, q, "run_code")
	cmd := mustPoll(t, q, "session-a")
	if cmd.ID != id {
		t.Fatalf("expected command %d, got %d", id, cmd.ID)
	}

	// A second session connects while the first is still considered live;
	// the dispatched command moves back to Pending and is delivered to it.
	again := mustPoll(t, q, "session-b")
	if again.ID != id {
		t.Fatalf("expected superseding session to receive %d, got %d", id, again.ID)
	}

	st := q.Status()
	if st.SessionID != "session-b" || st.SessionState != SessionConnected {
		t.Fatalf("expected session-b authoritative, got %+v", st)
	}
}

func TestResultForRequeuedPendingAccepted(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	id := mustEnqueue(t, q, "run_code")
	cmd := mustPoll(t, q, "session-a")

	// The session tears down, moving the command back to Pending. The host
	// that originally received it still finishes it.
	q.Disconnect()
	if st := q.Status(); st.SessionState != SessionDisconnected {
		t.Fatalf("expected disconnected session, got %+v", st)
	}

	if ack := q.SubmitResult(cmd.ID, true, "done anyway"); !ack.Accepted {
		t.Fatalf("expected result for requeued command accepted, got %+v", ack)
	}

	res, err := q.AwaitResult(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("AwaitResult failed: %v", err)
	}
	if res.Payload != "done anyway" {
		t.Fatalf("unexpected payload %q", res.Payload)
	}
}

func TestAbandonedWaitDiscardsLateResult(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	id := mustEnqueue(t, q, "run_code")
	cmd := mustPoll(t, q, "plugin-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.AwaitResult(ctx, id, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The host is never told to stop; its result is accepted and discarded.
	if ack := q.SubmitResult(cmd.ID, true, "nobody home"); !ack.Accepted {
		t.Fatalf("expected accepted submission after abandoned wait, got %+v", ack)
	}
}

func TestToolFailureCarriedAsData(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	id := mustEnqueue(t, q, "run_code")
	cmd := mustPoll(t, q, "plugin-1")
	q.SubmitResult(cmd.ID, false, "attempt to index nil")

	res, err := q.AwaitResult(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("AwaitResult failed: %v", err)
	}
	if res.Success {
		t.Fatal("expected failed result")
	}
	if res.Error != "attempt to index nil" {
		t.Fatalf("unexpected error message %q", res.Error)
	}
}

func TestCloseResolvesOutstandingWaits(t *testing.T) {
	q := NewQueue(Config{LivenessWindow: time.Minute})

	id, err := q.Enqueue("run_code", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.AwaitResult(context.Background(), id, 10*time.Second)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait not resolved by Close")
	}

	if _, err := q.Enqueue("run_code", json.RawMessage(`{}`), ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestScopeIDTravelsInEnvelope(t *testing.T) {
	q := newTestQueue(t, time.Minute)

	if _, err := q.Enqueue("run_code", json.RawMessage(`{"command":"x = 1"}`), "scope-123"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	cmd := mustPoll(t, q, "plugin-1")
	if cmd.ScopeID != "scope-123" {
		t.Fatalf("expected scope id in envelope, got %q", cmd.ScopeID)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var envelope map[string]any
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope["scope_id"] != "scope-123" {
		t.Fatalf("scope_id missing from wire envelope: %s", data)
	}
}
