// Package batch executes ordered groups of commands against the bridge
// queue, one at a time. The host executes strictly sequentially, so the next
// sub-command is not enqueued until the previous one resolved. Sub-commands
// of one batch share a scope handle the host uses to keep state (variables,
// staged instances) alive across them.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/studiobridge/studiobridge/pkg/bridge"
	"github.com/studiobridge/studiobridge/pkg/log"
)

// DefaultCommandTimeout bounds how long one sub-command may take before it is
// treated as failed.
const DefaultCommandTimeout = 30 * time.Second

// Status is the per-item outcome of a batch run.
type Status string

const (
	// StatusSuccess: the host executed the sub-command and reported success.
	StatusSuccess Status = "success"
	// StatusFailure: the sub-command was attempted and failed, timed out, or
	// could not be enqueued.
	StatusFailure Status = "failure"
	// StatusSkipped: never attempted because an earlier failure aborted the
	// batch.
	StatusSkipped Status = "skipped"
)

// SubCommand is one command within a batch.
type SubCommand struct {
	Tool string
	Args json.RawMessage
}

// Item is the recorded outcome for one sub-command, positionally matching the
// input slice.
type Item struct {
	Index   int    `json:"index"`
	Tool    string `json:"tool"`
	Status  Status `json:"status"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a whole batch run.
type Result struct {
	Items []Item `json:"items"`
	// Executed counts sub-commands actually enqueued; skipped items are not
	// executed.
	Executed int    `json:"executed"`
	ScopeID  string `json:"scope_id"`
	// Aborted reports that a failure stopped the batch early.
	Aborted bool `json:"aborted"`
}

// Invoker is the slice of the queue the executor needs.
type Invoker interface {
	Enqueue(tool string, args json.RawMessage, scopeID string) (int64, error)
	AwaitResult(ctx context.Context, id int64, timeout time.Duration) (bridge.Result, error)
}

// Config configures an Executor.
type Config struct {
	Queue Invoker
	// CommandTimeout bounds each sub-command. Zero means
	// DefaultCommandTimeout.
	CommandTimeout time.Duration
}

// Executor runs batches. Safe for concurrent use; each Run is independent.
type Executor struct {
	queue   Invoker
	timeout time.Duration
}

// NewExecutor creates an executor bound to a queue.
func NewExecutor(cfg Config) *Executor {
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Executor{queue: cfg.Queue, timeout: timeout}
}

// NewScope mints a fresh scope handle.
func NewScope() string {
	return uuid.NewString()
}

// Run executes subs in order under one scope. When stopOnError is set, the
// first failure marks every later item Skipped. An empty scopeID mints a new
// scope; callers chain batches by passing the ScopeID of a previous Result.
// The per-item outcomes are data, not an error: Run itself only fails on
// invalid input or context cancellation.
func (e *Executor) Run(ctx context.Context, subs []SubCommand, stopOnError bool, scopeID string) (Result, error) {
	if len(subs) == 0 {
		return Result{}, fmt.Errorf("batch requires at least one sub-command: %w", bridge.ErrInvalidArgument)
	}
	if scopeID == "" {
		scopeID = NewScope()
	}

	res := Result{
		Items:   make([]Item, 0, len(subs)),
		ScopeID: scopeID,
	}
	log.Debug("batch started", "scope", scopeID, "subs", len(subs), "stop_on_error", stopOnError)

	aborted := false
	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if aborted {
			res.Items = append(res.Items, Item{Index: i, Tool: sub.Tool, Status: StatusSkipped})
			continue
		}

		item, enqueued := e.runOne(ctx, i, sub, scopeID)
		if enqueued {
			res.Executed++
		}
		res.Items = append(res.Items, item)

		if item.Status == StatusFailure && stopOnError {
			aborted = true
			log.Warn("batch aborted", "scope", scopeID, "index", i, "error", item.Error)
		}
	}
	res.Aborted = aborted

	log.Debug("batch finished", "scope", scopeID, "executed", res.Executed, "aborted", aborted)
	return res, nil
}

// runOne executes one sub-command. The second return reports whether the
// command reached the queue; Executed counts only those.
func (e *Executor) runOne(ctx context.Context, index int, sub SubCommand, scopeID string) (Item, bool) {
	item := Item{Index: index, Tool: sub.Tool}

	id, err := e.queue.Enqueue(sub.Tool, sub.Args, scopeID)
	if err != nil {
		item.Status = StatusFailure
		item.Error = fmt.Sprintf("enqueue: %v", err)
		return item, false
	}

	out, err := e.queue.AwaitResult(ctx, id, e.timeout)
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		item.Status = StatusFailure
		item.Error = fmt.Sprintf("timed out after %s", e.timeout)
	case err != nil:
		item.Status = StatusFailure
		item.Error = err.Error()
	case out.Success:
		item.Status = StatusSuccess
		item.Payload = out.Payload
	default:
		item.Status = StatusFailure
		item.Error = out.Error
	}
	return item, true
}
