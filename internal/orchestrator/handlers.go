package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/taskweave/internal/events"
	"github.com/msageha/taskweave/internal/graph"
	"github.com/msageha/taskweave/internal/invocation"
	"github.com/msageha/taskweave/internal/machine"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/requests"
	"github.com/msageha/taskweave/internal/safety"
	"github.com/msageha/taskweave/internal/store"
)

func (o *Orchestrator) dispatch(ev Event) {
	defer o.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Str("event", ev.EventType()).Str("tree", ev.Tree()).
				Interface("panic", r).Msg("event_handler_panic")
		}
	}()

	switch e := ev.(type) {
	case ItemCreated:
		if item, ok := o.load(e.ItemID); ok && item.State == model.StateCreated {
			o.apply(item, machine.TriggerSubmitted, machine.Guards{}, "")
		}
	case FrameworkEstablished:
		o.handleFrameworkEstablished(e)
	case InvocationCompleted:
		o.handleInvocationCompleted(e)
	case DependencyResolved:
		if item, ok := o.load(e.ItemID); ok {
			o.onDependencyResolved(item)
		}
	case DependencyFailed:
		item, ok := o.load(e.ItemID)
		dep, depOK := o.load(e.DependencyID)
		if ok && depOK {
			o.failFromDependency(item, dep)
		}
	case SlotAvailable:
		o.handleSlotAvailable(e)
	case Reevaluate:
		o.handleReevaluate(e)
	case ManualStepRequested:
		e.reply.send(o.handleStep(e))
	case ResumeRequested:
		e.reply.send(o.handleResume(e))
	case HoldRequested:
		e.reply.send(o.handleHold(e))
	case CancelRequested:
		e.reply.send(o.handleCancel(e))
	case AddDependencyRequested:
		e.reply.send(o.handleAddDependency(e))
	default:
		o.logger.Warn().Str("event", ev.EventType()).Msg("unknown_event")
	}
}

func (o *Orchestrator) load(id string) (*model.WorkItem, bool) {
	item, err := o.store.Get(id)
	if err != nil {
		o.logger.Error().Err(err).Str("item", id).Msg("load_failed")
		return nil, false
	}
	return item, true
}

// apply runs trigger through the state machine, persists the item, then
// performs the decision's effects. It is the only path that changes an
// item's state.
func (o *Orchestrator) apply(item *model.WorkItem, trigger machine.Trigger, g machine.Guards, reason string) (machine.Decision, error) {
	d, err := machine.Transition(item.State, trigger, g)
	if err != nil {
		o.logger.Debug().Err(err).Str("item", item.ID).Msg("transition_rejected")
		return d, err
	}

	if d.To == model.StateManualHold {
		item.Hold = &model.HoldInfo{Kind: d.Hold, Reason: holdReason(d.Hold, reason), From: d.From, At: model.Now()}
		item.HoldRequested = nil
	} else if d.From == model.StateManualHold {
		item.Hold = nil
	}
	if d.Has(machine.EffectResetInvocations) {
		o.safety.Reset(item)
	}
	if err := machine.Apply(item, d, o.seq.Add(1)); err != nil {
		o.logger.Error().Err(err).Str("item", item.ID).Msg("transition_apply_failed")
		return d, err
	}
	if err := o.store.Put(item); err != nil {
		o.logger.Error().Err(err).Str("item", item.ID).Msg("persist_failed")
		return d, fmt.Errorf("persist %s: %w", item.ID, err)
	}

	if model.IsTerminal(d.To) {
		o.track(item.TreeID, -1)
	}
	o.metrics.RecordTransition(d.From, d.To)
	if d.To == model.StateManualHold {
		o.metrics.RecordHold(d.Hold)
	}
	o.logger.Info().Str("item", item.ID).Str("tree", item.TreeID).
		Str("from", string(d.From)).Str("to", string(d.To)).
		Str("trigger", string(d.Trigger)).Msg("transition")

	if d.From == model.StateDispatchReady && d.To != model.StateInvoking {
		o.invoker.Forfeit(item.ID)
	}
	o.effects(item, d)
	return d, nil
}

func holdReason(kind model.HoldKind, reason string) string {
	if reason != "" {
		return reason
	}
	switch kind {
	case model.HoldStepping:
		return "manual stepping active; step to dispatch"
	case model.HoldOperator:
		return "held by operator"
	}
	return string(kind)
}

func (o *Orchestrator) effects(item *model.WorkItem, d machine.Decision) {
	for _, e := range d.Effects {
		switch e {
		case machine.EffectEvaluateFramework:
			o.evaluateFramework(item)
		case machine.EffectBindWorker:
			o.bindWorker(item)
		case machine.EffectRequestSlot:
			o.requestSlot(item)
		case machine.EffectInvoke:
			o.startInvocation(item)
		case machine.EffectFireCompletion:
			o.fireCompletion(item)
		case machine.EffectPropagateFailure:
			o.propagateFailure(item)
		case machine.EffectCancelChildren:
			o.cancelChildren(item)
		case machine.EffectNotifyHold:
			o.notifyHold(item)
		case machine.EffectReevaluate:
			o.reevaluate(item)
		}
	}
}

// dispatchGuards fills the guards of every trigger that may enter
// dispatch_ready.
func (o *Orchestrator) dispatchGuards(item *model.WorkItem) machine.Guards {
	stepping := o.invoker.Stepping()
	return machine.Guards{
		DependenciesResolved: o.graph.AllResolved(item.ID),
		Stepping:             stepping.Active(item),
		StepGranted:          stepping.HasGrant(item.ID),
	}
}

// hold forces item into manual_hold.
func (o *Orchestrator) hold(item *model.WorkItem, kind model.HoldKind, reason string) {
	o.apply(item, machine.TriggerHold, machine.Guards{HoldKind: kind}, reason)
}

func (o *Orchestrator) evaluateFramework(item *model.WorkItem) {
	if item.State != model.StateFrameworkPending {
		return
	}
	res, err := o.gate.Evaluate(o.ctx, item)
	if err != nil {
		o.hold(item, model.HoldOperator, fmt.Sprintf("framework evaluation failed: %v", err))
		return
	}
	if res.Ready {
		o.apply(item, machine.TriggerFrameworkComplete, machine.Guards{}, "")
		return
	}

	plan, err := o.gate.PlanEstablishment(item, res.Framework, res.Missing)
	if err != nil {
		o.hold(item, model.HoldOperator, fmt.Sprintf("establishment planning failed: %v", err))
		return
	}
	if len(plan.Satisfied) > 0 {
		if err := o.store.PutFramework(res.Framework); err != nil {
			o.hold(item, model.HoldOperator, fmt.Sprintf("framework update failed: %v", err))
			return
		}
		if res.Framework.Complete {
			o.apply(item, machine.TriggerFrameworkComplete, machine.Guards{}, "")
			return
		}
	}

	o.spawn(plan.Create)
	o.addDependencies(item, plan.Dependencies())
	o.logger.Info().Str("item", item.ID).Strs("missing", res.Framework.MissingKeys()).
		Int("spawned", len(plan.Create)).Int("subscribed", len(plan.Subscribe)).
		Msg("framework_gaps")
	if _, err := o.apply(item, machine.TriggerFrameworkGaps, machine.Guards{}, ""); err != nil {
		return
	}
	if depID, failed := o.graph.FailedDependency(item.ID); failed {
		if dep, ok := o.load(depID); ok {
			o.failFromDependency(item, dep)
		}
	}
}

func (o *Orchestrator) bindWorker(item *model.WorkItem) {
	if item.AssignedWorkerType == "" {
		if fw, err := o.store.GetFramework(item.FrameworkID); err == nil {
			item.AssignedWorkerType = fw.WorkerType
		}
	}
	if depID, failed := o.graph.FailedDependency(item.ID); failed {
		if dep, ok := o.load(depID); ok {
			o.failFromDependency(item, dep)
			return
		}
	}
	o.apply(item, machine.TriggerReady, o.dispatchGuards(item), "")
}

// requestSlot asks the invocation manager for a slot for a dispatch_ready
// item and acts on the decision.
func (o *Orchestrator) requestSlot(item *model.WorkItem) {
	if item.State != model.StateDispatchReady {
		return
	}
	if item.HoldRequested != nil {
		o.hold(item, model.HoldOperator, *item.HoldRequested)
		return
	}
	if depID, failed := o.graph.FailedDependency(item.ID); failed {
		if dep, ok := o.load(depID); ok {
			o.failFromDependency(item, dep)
			return
		}
	}
	if !o.graph.AllResolved(item.ID) {
		o.apply(item, machine.TriggerDependencyAdded, machine.Guards{}, "")
		return
	}

	dec := o.invoker.RequestSlot(item)
	if !dec.Granted {
		switch dec.Reason {
		case invocation.DenyLivelock:
			trip := o.safety.Livelock(item)
			o.hold(item, trip.Kind, trip.Reason)
		case invocation.DenyStepping:
			o.hold(item, model.HoldStepping, "")
		}
		return
	}

	fw, err := o.store.GetFramework(item.FrameworkID)
	if err != nil || !fw.Complete {
		o.invoker.Release()
		o.apply(item, machine.TriggerSlotGranted, machine.Guards{FrameworkComplete: false}, "")
		return
	}
	o.appendDependencySummaries(item)
	o.safety.RecordInvocation(item)
	if _, err := o.apply(item, machine.TriggerSlotGranted, machine.Guards{FrameworkComplete: true}, ""); err != nil {
		o.invoker.Release()
	}
}

func (o *Orchestrator) appendDependencySummaries(item *model.WorkItem) {
	for _, depID := range item.DependencyIDs {
		if item.HasConsumed(depID) {
			continue
		}
		dep, ok := o.load(depID)
		if !ok || dep.State != model.StateCompleted {
			continue
		}
		item.AppendTurn(model.RoleToolResult, invocation.DependencySummary(dep), dep.ID)
		item.ConsumedDependencies = append(item.ConsumedDependencies, dep.ID)
	}
}

func (o *Orchestrator) startInvocation(item *model.WorkItem) {
	fw, err := o.store.GetFramework(item.FrameworkID)
	if err != nil {
		o.logger.Error().Err(err).Str("item", item.ID).Msg("framework_missing_at_invoke")
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.mu.Lock()
	o.inflight[item.ID] = cancel
	o.mu.Unlock()

	o.invoker.Invoke(ctx, item.Clone(), fw, func(r invocation.Result) {
		o.post(InvocationCompleted{TreeID: r.TreeID, ItemID: r.ItemID, Result: r})
	})
}

func (o *Orchestrator) finishInflight(itemID string) bool {
	o.mu.Lock()
	cancel, ok := o.inflight[itemID]
	delete(o.inflight, itemID)
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) isInflight(itemID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[itemID]
	return ok
}

func (o *Orchestrator) handleInvocationCompleted(e InvocationCompleted) {
	o.finishInflight(e.ItemID)
	item, ok := o.load(e.ItemID)
	if !ok {
		return
	}
	if item.State != model.StateInvoking {
		o.logger.Debug().Str("item", item.ID).Str("state", string(item.State)).Msg("stale_invocation_result")
		return
	}

	if err := e.Result.Err; err != nil {
		item.AppendTurn(model.RoleSystem, fmt.Sprintf("invocation failed after %d attempt(s): %v", e.Result.Attempts, err), "invocation")
		item.Error = model.NewItemError(model.ErrInvocationTransport, "%v", err)
		o.apply(item, machine.TriggerWorkerFailed, machine.Guards{}, "")
		return
	}

	fw, err := o.store.GetFramework(item.FrameworkID)
	if err != nil {
		o.hold(item, model.HoldOperator, fmt.Sprintf("framework %s unavailable: %v", item.FrameworkID, err))
		return
	}
	res, err := o.processor.Process(item, fw, e.Result.Outcome)
	if err != nil {
		o.hold(item, model.HoldOperator, fmt.Sprintf("request processing failed: %v", err))
		return
	}
	if res.Framework != nil {
		if err := o.store.PutFramework(res.Framework); err != nil {
			o.logger.Error().Err(err).Str("framework", res.Framework.ID).Msg("persist_failed")
		}
	}
	for _, ce := range res.Cycles {
		o.notifyCycle(item, ce)
	}

	switch res.Action {
	case requests.ActionComplete:
		result := res.Result
		item.Result = &result
		o.safety.ClearCorrections(item)
		o.apply(item, machine.TriggerWorkerCompleted, machine.Guards{}, "")

	case requests.ActionFail:
		item.Error = res.Error
		o.apply(item, machine.TriggerWorkerFailed, machine.Guards{}, "")

	case requests.ActionEscalate:
		o.hold(item, model.HoldEscalated, res.HoldReason)

	case requests.ActionDefer:
		if res.Rejected == 0 {
			o.safety.ClearCorrections(item)
		}
		o.spawn(res.Created)
		o.addDependencies(item, res.Dependencies)
		if _, err := o.apply(item, machine.TriggerRequestsDeferred, machine.Guards{}, ""); err != nil {
			return
		}
		if item.HoldRequested != nil {
			o.hold(item, model.HoldOperator, *item.HoldRequested)
			return
		}
		o.checkAwaiting(item)

	case requests.ActionRedispatch:
		if res.Rejected > 0 {
			if trip, tripped := o.safety.RecordCorrection(item); tripped {
				o.hold(item, trip.Kind, trip.Reason)
				return
			}
		} else if !res.Incomplete {
			o.safety.ClearCorrections(item)
		}
		if _, err := o.apply(item, machine.TriggerRequestsResolved, o.dispatchGuards(item), ""); err != nil {
			return
		}
		if item.State == model.StateAwaitingDependencies && item.HoldRequested != nil {
			o.hold(item, model.HoldOperator, *item.HoldRequested)
		}
	}
}

// spawn persists new items and registers them and their edges with the
// graph before they are driven.
func (o *Orchestrator) spawn(items []*model.WorkItem) {
	for _, it := range items {
		if err := o.store.Put(it); err != nil {
			o.logger.Error().Err(err).Str("item", it.ID).Msg("persist_failed")
			continue
		}
		o.graph.AddItem(it.ID)
		o.track(it.TreeID, 1)
	}
	for _, it := range items {
		for _, dep := range it.DependencyIDs {
			if err := o.graph.AddDependency(it.ID, dep); err != nil {
				o.logger.Error().Err(err).Str("item", it.ID).Str("depends_on", dep).Msg("edge_rejected")
			}
		}
	}
	for _, it := range items {
		o.logger.Info().Str("item", it.ID).Str("parent", it.ParentID).Str("kind", string(it.Kind)).Msg("item_spawned")
		o.post(ItemCreated{TreeID: it.TreeID, ItemID: it.ID})
	}
}

func (o *Orchestrator) addDependencies(item *model.WorkItem, deps []string) {
	for _, dep := range deps {
		if item.HasDependency(dep) {
			continue
		}
		if err := o.graph.AddDependency(item.ID, dep); err != nil {
			o.logger.Error().Err(err).Str("item", item.ID).Str("depends_on", dep).Msg("edge_rejected")
			continue
		}
		item.DependencyIDs = append(item.DependencyIDs, dep)
	}
}

// checkAwaiting moves an awaiting item on once its dependencies settled.
func (o *Orchestrator) checkAwaiting(item *model.WorkItem) {
	if item.State != model.StateAwaitingDependencies {
		return
	}
	if depID, failed := o.graph.FailedDependency(item.ID); failed {
		if dep, ok := o.load(depID); ok {
			o.failFromDependency(item, dep)
		}
		return
	}
	if o.graph.AllResolved(item.ID) {
		o.apply(item, machine.TriggerDependencies, o.dispatchGuards(item), "")
	}
}

func (o *Orchestrator) onDependencyResolved(item *model.WorkItem) {
	switch item.State {
	case model.StateAwaitingDependencies:
		o.checkAwaiting(item)
	case model.StateFrameworkPending:
		if o.graph.AllResolved(item.ID) {
			o.evaluateFramework(item)
		}
	}
}

func (o *Orchestrator) fireCompletion(item *model.WorkItem) {
	o.notifier.Notify(events.NewNotification(events.KindTerminal, item))
	if item.Kind == model.ItemKindEstablishment {
		o.satisfyFrameworks(item)
	}
	for _, id := range o.graph.OnResolved(item.ID) {
		dependent, ok := o.load(id)
		if !ok {
			continue
		}
		if dependent.TreeID != item.TreeID {
			o.post(DependencyResolved{TreeID: dependent.TreeID, ItemID: id, DependencyID: item.ID})
			continue
		}
		o.onDependencyResolved(dependent)
	}
}

// satisfyFrameworks records an establishment result on every binding of the
// tree that still misses the requirement.
func (o *Orchestrator) satisfyFrameworks(e *model.WorkItem) {
	fws, err := o.store.ListFrameworks(e.TreeID)
	if err != nil {
		o.logger.Error().Err(err).Str("tree", e.TreeID).Msg("list_frameworks_failed")
		return
	}
	result := ""
	if e.Result != nil {
		result = *e.Result
	}
	for _, fw := range fws {
		missing := false
		for _, k := range fw.MissingKeys() {
			if k == e.RequirementKey {
				missing = true
			}
		}
		if !missing {
			continue
		}
		fw.Satisfy(e.RequirementKey, result, e.ID)
		if err := o.store.PutFramework(fw); err != nil {
			o.logger.Error().Err(err).Str("framework", fw.ID).Msg("persist_failed")
			continue
		}
		o.logger.Info().Str("framework", fw.ID).Str("requirement", e.RequirementKey).
			Bool("complete", fw.Complete).Msg("requirement_satisfied")
		o.post(FrameworkEstablished{TreeID: fw.TreeID, FrameworkID: fw.ID})
	}
}

func (o *Orchestrator) handleFrameworkEstablished(e FrameworkEstablished) {
	items, err := o.store.ListByTree(e.TreeID)
	if err != nil {
		o.logger.Error().Err(err).Str("tree", e.TreeID).Msg("list_tree_failed")
		return
	}
	for _, it := range items {
		if it.FrameworkID != e.FrameworkID || it.State != model.StateFrameworkPending {
			continue
		}
		if o.graph.AllResolved(it.ID) {
			o.evaluateFramework(it)
		}
	}
}

func (o *Orchestrator) propagateFailure(item *model.WorkItem) {
	o.finishInflight(item.ID)
	n := events.NewNotification(events.KindTerminal, item)
	n.Affected = o.graph.TransitiveDependents(item.ID)
	o.notifier.Notify(n)
	for _, id := range o.graph.OnFailed(item.ID) {
		dependent, ok := o.load(id)
		if !ok {
			continue
		}
		if dependent.TreeID != item.TreeID {
			o.post(DependencyFailed{TreeID: dependent.TreeID, ItemID: id, DependencyID: item.ID})
			continue
		}
		o.failFromDependency(dependent, item)
	}
}

// failFromDependency fails item because dep failed. Items being cancelled
// as part of a cancelled subtree fail as cancelled instead.
func (o *Orchestrator) failFromDependency(item, dep *model.WorkItem) {
	if model.IsTerminal(item.State) {
		return
	}
	o.mu.Lock()
	reason, cancelling := o.cancelling[item.ID]
	o.mu.Unlock()
	if cancelling {
		o.cancelItem(item, reason)
		return
	}
	item.Error = model.CausedBy(model.ErrDependencyFailed, dep.ID, dep.Error)
	o.apply(item, machine.TriggerDependencyFailed, machine.Guards{}, "")
}

func (o *Orchestrator) cancelItem(item *model.WorkItem, reason string) {
	if model.IsTerminal(item.State) {
		return
	}
	item.Error = model.NewItemError(model.ErrCancelled, "%s", reason)
	o.apply(item, machine.TriggerCancel, machine.Guards{}, "")
}

func (o *Orchestrator) cancelChildren(item *model.WorkItem) {
	children, err := store.Children(o.store, item.TreeID, item.ID)
	if err != nil {
		o.logger.Error().Err(err).Str("item", item.ID).Msg("list_children_failed")
		return
	}
	for _, c := range children {
		o.cancelItem(c, fmt.Sprintf("ancestor %s cancelled", item.ID))
	}
}

func (o *Orchestrator) notifyHold(item *model.WorkItem) {
	kind := events.KindHold
	if item.Hold != nil && safety.IsSafetyHold(item.Hold.Kind) {
		kind = events.KindSafetyTrip
	}
	o.logger.Warn().Str("item", item.ID).Str("tree", item.TreeID).
		Str("hold", string(item.Hold.Kind)).Str("reason", item.Hold.Reason).Msg("item_held")
	o.notifier.Notify(events.NewNotification(kind, item))
}

func (o *Orchestrator) notifyCycle(item *model.WorkItem, ce *graph.CycleError) {
	n := events.NewNotification(events.KindCycleRejected, item)
	n.Reason = ce.Error()
	o.logger.Warn().Str("item", item.ID).Str("path", graph.FormatPath(ce.Path)).Msg("cycle_rejected")
	o.notifier.Notify(n)
}

// reevaluate re-drives an item that was resumed or replayed. Dispatch-ready
// items are driven by the request_slot effect instead.
func (o *Orchestrator) reevaluate(item *model.WorkItem) {
	switch item.State {
	case model.StateCreated:
		o.apply(item, machine.TriggerSubmitted, machine.Guards{}, "")
	case model.StateFrameworkPending:
		if depID, failed := o.graph.FailedDependency(item.ID); failed {
			if dep, ok := o.load(depID); ok {
				o.failFromDependency(item, dep)
			}
			return
		}
		if o.graph.AllResolved(item.ID) {
			o.evaluateFramework(item)
		}
	case model.StateFrameworkReady:
		o.bindWorker(item)
	case model.StateAwaitingDependencies:
		o.checkAwaiting(item)
	}
}

func (o *Orchestrator) handleReevaluate(e Reevaluate) {
	item, ok := o.load(e.ItemID)
	if !ok {
		return
	}
	switch item.State {
	case model.StateInvoking:
		if !o.isInflight(item.ID) {
			o.apply(item, machine.TriggerRecovered, o.dispatchGuards(item), "")
		}
	case model.StateDispatchReady:
		o.requestSlot(item)
	default:
		o.reevaluate(item)
	}
}

func (o *Orchestrator) handleSlotAvailable(e SlotAvailable) {
	item, ok := o.load(e.ItemID)
	if !ok {
		o.invoker.Forfeit(e.ItemID)
		return
	}
	if item.State != model.StateDispatchReady {
		o.invoker.Forfeit(item.ID)
		return
	}
	o.requestSlot(item)
}

func (o *Orchestrator) handleHold(e HoldRequested) error {
	item, err := o.store.Get(e.ItemID)
	if err != nil {
		return err
	}
	switch {
	case model.IsTerminal(item.State):
		return fmt.Errorf("hold %s: %w", item.ID, machine.ErrTerminal)
	case item.State == model.StateManualHold:
		return fmt.Errorf("hold %s: %w", item.ID, ErrAlreadyHeld)
	}
	reason := e.Reason
	if reason == "" {
		reason = holdReason(model.HoldOperator, "")
	}
	if item.State == model.StateInvoking {
		item.HoldRequested = &reason
		item.UpdatedAt = model.Now()
		o.logger.Info().Str("item", item.ID).Msg("hold_requested")
		return o.store.Put(item)
	}
	_, err = o.apply(item, machine.TriggerHold, machine.Guards{HoldKind: model.HoldOperator}, reason)
	return err
}

func (o *Orchestrator) handleResume(e ResumeRequested) error {
	item, err := o.store.Get(e.ItemID)
	if err != nil {
		return err
	}
	if item.State != model.StateManualHold || item.Hold == nil {
		return fmt.Errorf("resume %s (%s): %w", item.ID, item.State, ErrNotHeld)
	}
	if e.OnlyKind != "" && item.Hold.Kind != e.OnlyKind {
		return nil
	}
	from, kind := item.Hold.From, item.Hold.Kind
	if kind == model.HoldStepping {
		o.safety.ClearHold(item)
	} else {
		o.safety.Release(item)
	}
	_, err = o.apply(item, machine.TriggerResume, machine.Guards{HeldFrom: from, HoldKind: kind}, "")
	return err
}

func (o *Orchestrator) handleStep(e ManualStepRequested) error {
	item, err := o.store.Get(e.ItemID)
	if err != nil {
		return err
	}
	if item.State != model.StateManualHold || item.Hold == nil {
		return fmt.Errorf("step %s (%s): %w", item.ID, item.State, ErrNotHeld)
	}
	o.invoker.Stepping().Grant(item.ID)
	o.safety.ClearHold(item)
	_, err = o.apply(item, machine.TriggerStep, machine.Guards{HeldFrom: item.Hold.From, HoldKind: item.Hold.Kind}, "")
	return err
}

func (o *Orchestrator) handleCancel(e CancelRequested) error {
	item, err := o.store.Get(e.ItemID)
	if err != nil {
		return err
	}
	if model.IsTerminal(item.State) {
		return fmt.Errorf("cancel %s: %w", item.ID, machine.ErrTerminal)
	}
	reason := e.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}

	descendants, err := store.Descendants(o.store, item.TreeID, item.ID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	for _, d := range descendants {
		o.cancelling[d.ID] = fmt.Sprintf("ancestor %s cancelled", item.ID)
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		for _, d := range descendants {
			delete(o.cancelling, d.ID)
		}
		o.mu.Unlock()
	}()

	o.logger.Info().Str("item", item.ID).Int("descendants", len(descendants)).Str("reason", reason).Msg("cancel")
	o.cancelItem(item, reason)
	return nil
}

func (o *Orchestrator) handleAddDependency(e AddDependencyRequested) error {
	item, err := o.store.Get(e.ItemID)
	if err != nil {
		return err
	}
	if model.IsTerminal(item.State) {
		return fmt.Errorf("add dependency to %s: %w", item.ID, machine.ErrTerminal)
	}
	dep, err := o.store.Get(e.DependsOn)
	if err != nil {
		return err
	}
	if item.HasDependency(dep.ID) {
		return nil
	}
	if err := o.graph.AddDependency(item.ID, dep.ID); err != nil {
		var ce *graph.CycleError
		if errors.As(err, &ce) {
			o.notifyCycle(item, ce)
		}
		return err
	}
	item.DependencyIDs = append(item.DependencyIDs, dep.ID)
	item.UpdatedAt = model.Now()
	o.logger.Info().Str("item", item.ID).Str("depends_on", dep.ID).Msg("dependency_added")

	// The graph, not the dep record read above, decides: a cross-tree dep may
	// have failed in between, and its OnFailed pass did not see this edge.
	if failedID, failed := o.graph.FailedDependency(item.ID); failed {
		if err := o.store.Put(item); err != nil {
			return err
		}
		if cause, ok := o.load(failedID); ok {
			o.failFromDependency(item, cause)
		}
		return nil
	}
	if item.State == model.StateDispatchReady && !o.graph.AllResolved(item.ID) {
		_, err := o.apply(item, machine.TriggerDependencyAdded, machine.Guards{}, "")
		return err
	}
	return o.store.Put(item)
}
