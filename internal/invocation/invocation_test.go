package invocation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/worker"
)

type guardFunc func(*model.WorkItem) bool

func (f guardFunc) Exceeded(item *model.WorkItem) bool { return f(item) }

func dispatchReady(id, tree string, priority int) *model.WorkItem {
	return &model.WorkItem{ID: id, TreeID: tree, Priority: priority, State: model.StateDispatchReady}
}

func newManager(slots int, reg *worker.Registry, guard LivelockGuard) *Manager {
	if reg == nil {
		reg = worker.NewRegistry()
	}
	return NewManager(Options{
		MaxConcurrent: slots,
		Retry:         model.TransportRetryConfig{MaxAttempts: 3, BackoffMs: 1},
	}, reg, NewStepping(), guard, nil, zerolog.Nop())
}

func TestRequestSlot_ConcurrencyCeiling(t *testing.T) {
	m := newManager(1, nil, nil)
	a := dispatchReady("item_a", "tree_1", 5)
	b := dispatchReady("item_b", "tree_2", 5)

	assert.True(t, m.RequestSlot(a).Granted)
	d := m.RequestSlot(b)
	assert.False(t, d.Granted)
	assert.Equal(t, DenyConcurrency, d.Reason)
	require.Len(t, m.Waiting(), 1)

	var woke []string
	m.OnAvailable(func(w Waiter) { woke = append(woke, w.ItemID) })
	m.Release()
	assert.Equal(t, []string{"item_b"}, woke)

	// The released slot is reserved for b; a newcomer cannot take it.
	c := dispatchReady("item_c", "tree_3", 0)
	assert.Equal(t, DenyConcurrency, m.RequestSlot(c).Reason)
	assert.True(t, m.RequestSlot(b).Granted)
}

func TestRelease_PicksBestEffectivePriority(t *testing.T) {
	m := newManager(1, nil, nil)
	require.True(t, m.RequestSlot(dispatchReady("item_running", "tree_0", 5)).Granted)

	m.RequestSlot(dispatchReady("item_low", "tree_1", 9))
	m.RequestSlot(dispatchReady("item_high", "tree_2", 1))

	var woke []string
	m.OnAvailable(func(w Waiter) { woke = append(woke, w.ItemID) })
	m.Release()
	assert.Equal(t, []string{"item_high"}, woke)
}

func TestForfeit_HandsReservationOn(t *testing.T) {
	m := newManager(1, nil, nil)
	require.True(t, m.RequestSlot(dispatchReady("item_a", "tree_1", 5)).Granted)
	m.RequestSlot(dispatchReady("item_b", "tree_1", 1))
	m.RequestSlot(dispatchReady("item_c", "tree_1", 2))

	var woke []string
	m.OnAvailable(func(w Waiter) { woke = append(woke, w.ItemID) })
	m.Release()
	m.Forfeit("item_b")
	assert.Equal(t, []string{"item_b", "item_c"}, woke)

	m.Forfeit("item_c")
	assert.True(t, m.RequestSlot(dispatchReady("item_d", "tree_2", 5)).Granted)
}

func TestRequestSlot_SteppingAndGrant(t *testing.T) {
	m := newManager(2, nil, nil)
	item := dispatchReady("item_a", "tree_1", 5)
	require.NoError(t, m.Stepping().Set(Scope{Kind: ScopeTree, ID: "tree_1"}, true))

	d := m.RequestSlot(item)
	assert.Equal(t, DenyStepping, d.Reason)

	m.Stepping().Grant(item.ID)
	assert.True(t, m.RequestSlot(item).Granted)
	assert.False(t, m.Stepping().HasGrant(item.ID), "grant is one-shot")
	assert.Equal(t, DenyStepping, m.RequestSlot(item).Reason)

	other := dispatchReady("item_b", "tree_2", 5)
	assert.True(t, m.RequestSlot(other).Granted)
}

func TestRequestSlot_LivelockAndHeld(t *testing.T) {
	m := newManager(2, nil, guardFunc(func(it *model.WorkItem) bool { return it.ID == "item_loop" }))
	assert.Equal(t, DenyLivelock, m.RequestSlot(dispatchReady("item_loop", "tree_1", 5)).Reason)

	held := dispatchReady("item_held", "tree_1", 5)
	held.State = model.StateManualHold
	assert.Equal(t, DenyHeld, m.RequestSlot(held).Reason)
}

func TestEffectivePriority(t *testing.T) {
	assert.Equal(t, 5, EffectivePriority(5, time.Hour, 0))
	assert.Equal(t, 3, EffectivePriority(5, 125*time.Second, 60))
	assert.Equal(t, 0, EffectivePriority(1, time.Hour, 60))
}

func TestScope_Validate(t *testing.T) {
	assert.NoError(t, Scope{Kind: ScopeGlobal}.Validate())
	assert.Error(t, Scope{Kind: ScopeTree}.Validate())
	assert.Error(t, Scope{Kind: "galaxy", ID: "x"}.Validate())

	s := NewStepping()
	require.NoError(t, s.Set(Scope{Kind: ScopeGlobal}, true))
	require.NoError(t, s.Set(Scope{Kind: ScopeItem, ID: "item_a"}, true))
	assert.Equal(t, []Scope{{Kind: ScopeGlobal}, {Kind: ScopeItem, ID: "item_a"}}, s.Scopes())
	require.NoError(t, s.Set(Scope{Kind: ScopeGlobal}, false))
	assert.True(t, s.Active(&model.WorkItem{ID: "item_a"}))
	assert.False(t, s.Active(&model.WorkItem{ID: "item_b"}))
}

func TestInvoke_RetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	reg := worker.NewRegistry()
	reg.Register(worker.DefaultType, worker.Func(func(_ context.Context, conv []model.Turn, ops []model.OperationSpec) (model.Outcome, error) {
		if calls.Add(1) < 3 {
			return model.Outcome{}, &worker.TransportError{Retryable: true, Err: errors.New("connection reset")}
		}
		return model.Completed("done"), nil
	}))
	m := newManager(1, reg, nil)
	item := dispatchReady("item_a", "tree_1", 5)
	item.AppendTurn(model.RoleUser, "do it", "")
	require.True(t, m.RequestSlot(item).Granted)

	results := make(chan Result, 1)
	m.Invoke(context.Background(), item, &model.FrameworkBinding{ID: "fw_1", Complete: true}, func(r Result) { results <- r })

	r := <-results
	m.Wait()
	require.NoError(t, r.Err)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, "done", r.Outcome.Result)
	assert.Equal(t, worker.DefaultType, r.WorkerType)
	// The slot came back.
	assert.True(t, m.RequestSlot(dispatchReady("item_b", "tree_1", 5)).Granted)
}

func TestInvoke_NonRetryableStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	reg := worker.NewRegistry()
	reg.Register("coder", worker.Func(func(context.Context, []model.Turn, []model.OperationSpec) (model.Outcome, error) {
		calls.Add(1)
		return model.Outcome{}, &worker.TransportError{Retryable: false, ExitCode: 2, Err: errors.New("bad flag")}
	}))
	m := newManager(1, reg, nil)
	item := dispatchReady("item_a", "tree_1", 5)
	item.AssignedWorkerType = "coder"
	require.True(t, m.RequestSlot(item).Granted)

	var wg sync.WaitGroup
	wg.Add(1)
	var got Result
	m.Invoke(context.Background(), item, nil, func(r Result) { got = r; wg.Done() })
	wg.Wait()

	var te *worker.TransportError
	require.ErrorAs(t, got.Err, &te)
	assert.Equal(t, 2, te.ExitCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvoke_NoWorkerReportsOnce(t *testing.T) {
	m := newManager(1, worker.NewRegistry(), nil)
	item := dispatchReady("item_a", "tree_1", 5)
	require.True(t, m.RequestSlot(item).Granted)

	results := make(chan Result, 2)
	m.Invoke(context.Background(), item, nil, func(r Result) { results <- r })
	m.Wait()
	require.Len(t, results, 1)
	r := <-results
	assert.ErrorIs(t, r.Err, worker.ErrNoWorker)
}

func TestAssemble(t *testing.T) {
	item := &model.WorkItem{ID: "item_a", TreeID: "tree_1"}
	item.AppendTurn(model.RoleUser, "write the parser", "")
	fw := &model.FrameworkBinding{
		ID:        "fw_1",
		DomainKey: "backend",
		Requirements: []model.Requirement{
			{Key: "style", Satisfied: true, Material: "use gofmt"},
		},
		Completion: model.CompletionCriteria{MustContain: []string{"DONE"}},
	}

	turns := Assemble(item, fw)
	require.Len(t, turns, 2)
	assert.Equal(t, model.RoleSystem, turns[0].Role)
	assert.Contains(t, turns[0].Content, "## style\nuse gofmt")
	assert.Contains(t, turns[0].Content, `result contains "DONE"`)
	assert.Equal(t, "write the parser", turns[1].Content)
}

func TestDependencySummary(t *testing.T) {
	res := "42"
	dep := &model.WorkItem{ID: "item_b", Instruction: "compute the answer\nin detail", Result: &res}
	assert.Equal(t, "Dependency item_b completed: compute the answer\nResult:\n42", DependencySummary(dep))

	dep.Kind = model.ItemKindEstablishment
	dep.RequirementKey = "answer"
	assert.Contains(t, DependencySummary(dep), `Requirement "answer" established by item_b`)
}
