// Package orchestrator is the orchestration loop. Each tree has one actor
// that handles the tree's events in order; it is the only writer of the
// tree's items. Different trees run in parallel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/taskweave/internal/events"
	"github.com/msageha/taskweave/internal/gate"
	"github.com/msageha/taskweave/internal/graph"
	"github.com/msageha/taskweave/internal/invocation"
	"github.com/msageha/taskweave/internal/metrics"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/requests"
	"github.com/msageha/taskweave/internal/safety"
	"github.com/msageha/taskweave/internal/store"
)

var (
	// ErrStopped is returned by commands issued after Stop.
	ErrStopped = errors.New("orchestrator stopped")
	// ErrNotHeld is returned when resuming or stepping an item that is not
	// in manual_hold.
	ErrNotHeld = errors.New("item is not held")
	// ErrAlreadyHeld is returned when holding an item twice.
	ErrAlreadyHeld = errors.New("item is already held")
)

// Options carries the collaborators. Notifier and Metrics may be nil.
type Options struct {
	Store     store.Store
	Graph     *graph.Graph
	Gate      *gate.Gate
	Invoker   *invocation.Manager
	Processor *requests.Processor
	Safety    *safety.Monitor
	Notifier  events.Notifier
	Metrics   *metrics.Collector
	Logger    zerolog.Logger
}

type Orchestrator struct {
	store     store.Store
	graph     *graph.Graph
	gate      *gate.Gate
	invoker   *invocation.Manager
	processor *requests.Processor
	safety    *safety.Monitor
	notifier  events.Notifier
	metrics   *metrics.Collector
	logger    zerolog.Logger

	seq  atomic.Int64
	busy atomic.Int64

	mu         sync.Mutex
	actors     map[string]*actor
	live       map[string]int
	inflight   map[string]context.CancelFunc
	cancelling map[string]string
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	stopped  chan struct{}
	stopOnce sync.Once
}

func New(opts Options) *Orchestrator {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = events.Discard{}
	}
	o := &Orchestrator{
		store:      opts.Store,
		graph:      opts.Graph,
		gate:       opts.Gate,
		invoker:    opts.Invoker,
		processor:  opts.Processor,
		safety:     opts.Safety,
		notifier:   notifier,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With().Str("component", "orchestrator").Logger(),
		actors:     make(map[string]*actor),
		live:       make(map[string]int),
		inflight:   make(map[string]context.CancelFunc),
		cancelling: make(map[string]string),
		stopped:    make(chan struct{}),
	}
	o.invoker.OnAvailable(func(w invocation.Waiter) {
		o.post(SlotAvailable{TreeID: w.TreeID, ItemID: w.ItemID})
	})
	return o
}

// Start replays the store and starts the tree loops. Items left invoking by
// a previous process are redispatched; every other non-terminal, non-held
// item is re-driven from its persisted state.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	if err := o.replay(); err != nil {
		return err
	}

	o.mu.Lock()
	o.started = true
	for _, a := range o.actors {
		o.runActorLocked(a)
	}
	o.mu.Unlock()
	o.logger.Info().Msg("orchestrator_started")
	return nil
}

func (o *Orchestrator) replay() error {
	start := time.Now()
	items, err := o.store.List()
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if err := o.graph.Rebuild(items); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	var maxSeq int64
	counts := make(map[model.State]int)
	redriven := 0
	for _, it := range items {
		counts[it.State]++
		for _, t := range it.Transitions {
			if t.Seq > maxSeq {
				maxSeq = t.Seq
			}
		}
		if model.IsTerminal(it.State) {
			continue
		}
		o.track(it.TreeID, 1)
		if it.State == model.StateManualHold {
			continue
		}
		o.post(Reevaluate{TreeID: it.TreeID, ItemID: it.ID})
		redriven++
	}
	o.seq.Store(maxSeq)

	elapsed := time.Since(start)
	o.metrics.SetStateCounts(counts)
	o.metrics.SetRecoveryTime(elapsed)
	o.logger.Info().Int("items", len(items)).Int("redriven", redriven).
		Dur("elapsed", elapsed).Msg("replay_complete")
	return nil
}

// Stop cancels in-flight invocations and waits for the loops to exit. Items
// still invoking stay persisted as invoking and are redispatched on the next
// Start.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopped)
		o.mu.Lock()
		cancel := o.cancel
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		o.wg.Wait()
		o.invoker.Wait()
		o.logger.Info().Msg("orchestrator_stopped")
	})
}

// post queues ev on its tree's actor. The push happens under o.mu so that
// retire never drops an actor with an event in flight.
func (o *Orchestrator) post(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.actors[ev.Tree()]
	if !ok {
		a = newActor(ev.Tree())
		o.actors[ev.Tree()] = a
		if o.started {
			o.runActorLocked(a)
		}
	}
	o.busy.Add(1)
	a.push(ev)
}

func (o *Orchestrator) runActorLocked(a *actor) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		a.run(o.ctx, o.dispatch, o.retire)
	}()
}

// retire drops a drained actor whose tree has no unfinished items left.
func (o *Orchestrator) retire(a *actor) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.live[a.treeID] > 0 || a.pending() > 0 || o.actors[a.treeID] != a {
		return false
	}
	delete(o.actors, a.treeID)
	delete(o.live, a.treeID)
	return true
}

// track adjusts the count of non-terminal items in a tree.
func (o *Orchestrator) track(treeID string, delta int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n := o.live[treeID] + delta; n > 0 {
		o.live[treeID] = n
	} else {
		delete(o.live, treeID)
	}
}

// Idle reports whether no event is queued or being handled, no invocation is
// in flight and nobody waits for a slot.
func (o *Orchestrator) Idle() bool {
	o.mu.Lock()
	inflight := len(o.inflight)
	o.mu.Unlock()
	return o.busy.Load() == 0 && inflight == 0 && o.invoker.Pending() == 0
}

// Submit creates a root item in a new tree.
func (o *Orchestrator) Submit(sub model.Submission) (*model.WorkItem, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	treeID, err := model.GenerateID(model.IDTypeTree)
	if err != nil {
		return nil, err
	}
	id, err := model.GenerateID(model.IDTypeItem)
	if err != nil {
		return nil, err
	}
	now := model.Now()
	item := &model.WorkItem{
		ID:                        id,
		TreeID:                    treeID,
		Kind:                      model.ItemKindTask,
		Instruction:               sub.Instruction,
		DomainKey:                 sub.DomainKey,
		State:                     model.StateCreated,
		Priority:                  sub.Priority,
		DependencyIDs:             []string{},
		AssignedWorkerType:        sub.WorkerType,
		MaxConsecutiveInvocations: sub.MaxConsecutiveInvocations,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	item.AppendTurn(model.RoleUser, sub.Instruction, "")
	if err := o.store.Put(item); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	o.graph.AddItem(item.ID)
	o.track(treeID, 1)
	o.metrics.RecordSubmitted()
	o.logger.Info().Str("item", item.ID).Str("tree", treeID).Str("domain", sub.DomainKey).Msg("item_submitted")
	o.post(ItemCreated{TreeID: treeID, ItemID: item.ID})
	return item.Clone(), nil
}

// Get returns a copy of the stored item.
func (o *Orchestrator) Get(id string) (*model.WorkItem, error) {
	return o.store.Get(id)
}

// Blocks lists the items that wait on id, directly or through other items.
func (o *Orchestrator) Blocks(id string) []string {
	return o.graph.TransitiveDependents(id)
}

// Cancel fails the item and every unfinished descendant with kind cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, itemID, reason string) error {
	return o.command(ctx, itemID, func(tree string, r reply) Event {
		return CancelRequested{TreeID: tree, ItemID: itemID, Reason: reason, reply: r}
	})
}

// Resume returns a held item to the state it left and re-evaluates it.
func (o *Orchestrator) Resume(ctx context.Context, itemID string) error {
	return o.command(ctx, itemID, func(tree string, r reply) Event {
		return ResumeRequested{TreeID: tree, ItemID: itemID, reply: r}
	})
}

// Hold moves an item to manual_hold with an operator reason.
func (o *Orchestrator) Hold(ctx context.Context, itemID, reason string) error {
	return o.command(ctx, itemID, func(tree string, r reply) Event {
		return HoldRequested{TreeID: tree, ItemID: itemID, Reason: reason, reply: r}
	})
}

// Step dispatches a held item once, past any stepping scope.
func (o *Orchestrator) Step(ctx context.Context, itemID string) error {
	return o.command(ctx, itemID, func(tree string, r reply) Event {
		return ManualStepRequested{TreeID: tree, ItemID: itemID, reply: r}
	})
}

// AddDependency makes itemID wait for dependsOn. A *graph.CycleError is
// returned, and nothing changes, when the edge would close a cycle.
func (o *Orchestrator) AddDependency(ctx context.Context, itemID, dependsOn string) error {
	return o.command(ctx, itemID, func(tree string, r reply) Event {
		return AddDependencyRequested{TreeID: tree, ItemID: itemID, DependsOn: dependsOn, reply: r}
	})
}

// SetManualStepping switches stepping for a scope. Switching it off
// releases the items held by stepping that no other scope still covers.
func (o *Orchestrator) SetManualStepping(scope invocation.Scope, enabled bool) error {
	stepping := o.invoker.Stepping()
	if err := stepping.Set(scope, enabled); err != nil {
		return err
	}
	o.logger.Info().Str("scope", scope.String()).Bool("enabled", enabled).Msg("manual_stepping")
	if enabled {
		return nil
	}
	held, err := o.store.ListByState(model.StateManualHold)
	if err != nil {
		return err
	}
	for _, it := range held {
		if it.Hold == nil || it.Hold.Kind != model.HoldStepping {
			continue
		}
		if scope.Covers(it) && !stepping.Active(it) {
			o.post(ResumeRequested{TreeID: it.TreeID, ItemID: it.ID, OnlyKind: model.HoldStepping})
		}
	}
	return nil
}

// SteppingScopes lists the enabled stepping scopes.
func (o *Orchestrator) SteppingScopes() []invocation.Scope {
	return o.invoker.Stepping().Scopes()
}

// SlotQueue lists the items waiting for an invocation slot, best first.
func (o *Orchestrator) SlotQueue() []invocation.Waiter {
	return o.invoker.Waiting()
}

// StateCounts tallies stored items by state and refreshes the state gauge.
func (o *Orchestrator) StateCounts() (map[model.State]int, error) {
	items, err := o.store.List()
	if err != nil {
		return nil, err
	}
	counts := make(map[model.State]int)
	for _, it := range items {
		counts[it.State]++
	}
	o.metrics.SetStateCounts(counts)
	return counts, nil
}

func (o *Orchestrator) command(ctx context.Context, itemID string, build func(tree string, r reply) Event) error {
	item, err := o.store.Get(itemID)
	if err != nil {
		return err
	}
	select {
	case <-o.stopped:
		return ErrStopped
	default:
	}
	r := make(reply, 1)
	o.post(build(item.TreeID, r))
	select {
	case err := <-r:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return ErrStopped
	}
}
