package invocation

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/worker"
)

// Result is reported exactly once per Invoke. Err is set when the worker
// could not be reached after the configured transport retries; Outcome is
// meaningful only when Err is nil.
type Result struct {
	ItemID     string
	TreeID     string
	WorkerType string
	Outcome    model.Outcome
	Err        error
	Attempts   int
	Duration   time.Duration
}

// Invoke runs the worker for item in a new goroutine and calls done with the
// result. The slot granted by RequestSlot is released after done returns.
// item and fw must be copies the caller no longer mutates.
func (m *Manager) Invoke(ctx context.Context, item *model.WorkItem, fw *model.FrameworkBinding, done func(Result)) {
	conversation := Assemble(item, fw)
	ops := model.OperationsFor(fw)
	workerType := item.AssignedWorkerType
	if workerType == "" {
		workerType = worker.DefaultType
	}

	m.wg.Add(1)
	m.metrics.InvocationStarted()
	go func() {
		defer m.wg.Done()
		defer m.Release()

		start := m.now()
		res := m.call(ctx, workerType, conversation, ops)
		res.ItemID = item.ID
		res.TreeID = item.TreeID
		res.WorkerType = workerType
		res.Duration = m.now().Sub(start)

		outcome := res.Outcome.Kind
		if res.Err != nil {
			outcome = "transport_error"
		}
		m.metrics.InvocationFinished(workerType, outcome, res.Duration)
		m.logger.Info().Str("item", item.ID).Str("tree", item.TreeID).
			Str("worker_type", workerType).Str("outcome", string(outcome)).
			Int("attempts", res.Attempts).Dur("duration", res.Duration).
			Msg("invocation_finished")

		done(res)
	}()
}

func (m *Manager) call(ctx context.Context, workerType string, conversation []model.Turn, ops []model.OperationSpec) Result {
	w, err := m.registry.Resolve(workerType)
	if err != nil {
		return Result{Err: &worker.TransportError{Err: err}}
	}

	var res Result
	backoff := time.Duration(m.opts.Retry.BackoffMs) * time.Millisecond
	for attempt := 1; attempt <= m.opts.Retry.MaxAttempts; attempt++ {
		res.Attempts = attempt
		out, err := w.Invoke(ctx, conversation, ops)
		if err == nil {
			res.Outcome = out
			res.Err = nil
			return res
		}
		res.Err = err
		if ctx.Err() != nil || !worker.IsRetryable(err) || attempt == m.opts.Retry.MaxAttempts {
			break
		}
		m.logger.Warn().Err(err).Str("worker_type", workerType).
			Int("attempt", attempt).Dur("backoff", backoff).Msg("invocation_retry")
		select {
		case <-ctx.Done():
			res.Err = fmt.Errorf("retry aborted: %w", ctx.Err())
			return res
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return res
}
