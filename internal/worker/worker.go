// Package worker defines the worker collaborator contract, the registry that
// routes worker types to implementations, and a subprocess worker.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/alphadose/haxmap"

	"github.com/msageha/taskweave/internal/model"
)

// Worker is the opaque reasoning step. It receives the assembled
// conversation and the operations it may request, and returns an Outcome.
// A returned error is always transport-level; semantic failure is reported
// as a Failed outcome.
type Worker interface {
	Invoke(ctx context.Context, conversation []model.Turn, ops []model.OperationSpec) (model.Outcome, error)
}

// Func adapts a function to Worker.
type Func func(ctx context.Context, conversation []model.Turn, ops []model.OperationSpec) (model.Outcome, error)

func (f Func) Invoke(ctx context.Context, conversation []model.Turn, ops []model.OperationSpec) (model.Outcome, error) {
	return f(ctx, conversation, ops)
}

// TransportError wraps a failure to reach or hear back from a worker.
type TransportError struct {
	Retryable bool
	ExitCode  int
	Err       error
}

func (e *TransportError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("worker transport (exit %d, retryable=%t): %v", e.ExitCode, e.Retryable, e.Err)
	}
	return fmt.Sprintf("worker transport (retryable=%t): %v", e.Retryable, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transport error marked retryable.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}

// ErrNoWorker is returned when no worker is registered for a type and no
// default exists.
var ErrNoWorker = errors.New("no worker registered")

// DefaultType is the registry key used when an item names no worker type or
// an unregistered one.
const DefaultType = "default"

// Registry maps worker types to workers.
type Registry struct {
	workers *haxmap.Map[string, Worker]
}

func NewRegistry() *Registry {
	return &Registry{workers: haxmap.New[string, Worker]()}
}

func (r *Registry) Register(workerType string, w Worker) {
	r.workers.Set(workerType, w)
}

// Resolve returns the worker for workerType, falling back to DefaultType.
func (r *Registry) Resolve(workerType string) (Worker, error) {
	if w, ok := r.workers.Get(workerType); ok {
		return w, nil
	}
	if w, ok := r.workers.Get(DefaultType); ok {
		return w, nil
	}
	return nil, fmt.Errorf("worker type %q: %w", workerType, ErrNoWorker)
}

// Types returns the registered worker types.
func (r *Registry) Types() []string {
	var out []string
	r.workers.ForEach(func(k string, _ Worker) bool {
		out = append(out, k)
		return true
	})
	return out
}
