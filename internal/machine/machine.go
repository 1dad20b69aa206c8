// Package machine is the authoritative state machine for work items. It is a
// pure function of (current state, trigger, guards); it never touches the
// store and never blocks. The orchestrator applies the returned decision.
package machine

import (
	"errors"
	"fmt"

	"github.com/msageha/taskweave/internal/model"
)

// ErrTerminal is returned for any trigger applied to a completed or failed
// item. Terminality is idempotent: nothing moves an item out of it.
var ErrTerminal = errors.New("item is terminal")

// ErrIllegal is returned when the trigger has no transition from the state.
var ErrIllegal = errors.New("illegal transition")

type Trigger string

const (
	TriggerSubmitted         Trigger = "submitted"
	TriggerFrameworkGaps     Trigger = "framework_gaps"
	TriggerFrameworkComplete Trigger = "framework_complete"
	TriggerReady             Trigger = "ready"
	TriggerSlotGranted       Trigger = "slot_granted"
	TriggerWorkerCompleted   Trigger = "worker_completed"
	TriggerWorkerFailed      Trigger = "worker_failed"
	TriggerRequestsDeferred  Trigger = "requests_deferred"
	TriggerRequestsResolved  Trigger = "requests_resolved"
	TriggerDependencyAdded   Trigger = "dependency_added"
	TriggerDependencies      Trigger = "dependencies_resolved"
	TriggerDependencyFailed  Trigger = "dependency_failed"
	TriggerHold              Trigger = "hold"
	TriggerResume            Trigger = "resume"
	TriggerStep              Trigger = "step"
	TriggerCancel            Trigger = "cancel"
	TriggerRecovered         Trigger = "recovered"
)

// Effect is a side effect the orchestrator must perform after persisting the
// new state.
type Effect string

const (
	EffectEvaluateFramework Effect = "evaluate_framework"
	EffectSpawnEstablish    Effect = "spawn_establishment"
	EffectBindWorker        Effect = "bind_worker"
	EffectRequestSlot       Effect = "request_slot"
	EffectInvoke            Effect = "invoke"
	EffectFireCompletion    Effect = "fire_completion"
	EffectPropagateFailure  Effect = "propagate_failure"
	EffectCancelChildren    Effect = "cancel_children"
	EffectNotifyHold        Effect = "notify_hold"
	EffectResetInvocations  Effect = "reset_invocations"
	EffectReevaluate        Effect = "reevaluate"
)

// Guards carries the facts a transition depends on. The orchestrator fills
// only the ones relevant to the trigger.
type Guards struct {
	DependenciesResolved bool
	FrameworkComplete    bool
	Stepping             bool
	StepGranted          bool
	LivelockTripped      bool
	// HoldKind is the kind to enter on hold, or the kind being released on
	// resume and step.
	HoldKind model.HoldKind
	HeldFrom model.State
}

// Decision is the result of a transition: the next state and the effects to
// apply. Hold is set when To is manual_hold.
type Decision struct {
	Trigger Trigger
	From    model.State
	To      model.State
	Hold    model.HoldKind
	Effects []Effect
}

func (d Decision) Has(e Effect) bool {
	for _, x := range d.Effects {
		if x == e {
			return true
		}
	}
	return false
}

// Transition computes the decision for trigger applied in state from.
func Transition(from model.State, trigger Trigger, g Guards) (Decision, error) {
	d := Decision{Trigger: trigger, From: from}
	if model.IsTerminal(from) {
		return d, fmt.Errorf("%s on %s: %w", trigger, from, ErrTerminal)
	}
	if !model.IsValidState(from) {
		return d, fmt.Errorf("%s on %q: unknown state: %w", trigger, from, ErrIllegal)
	}

	switch trigger {
	case TriggerSubmitted:
		if from != model.StateCreated {
			break
		}
		return d.to(model.StateFrameworkPending, EffectEvaluateFramework), nil

	case TriggerFrameworkGaps:
		if from != model.StateFrameworkPending {
			break
		}
		return d.to(model.StateFrameworkPending, EffectSpawnEstablish), nil

	case TriggerFrameworkComplete:
		if from != model.StateFrameworkPending {
			break
		}
		return d.to(model.StateFrameworkReady, EffectBindWorker), nil

	case TriggerReady:
		if from != model.StateFrameworkReady {
			break
		}
		if !g.DependenciesResolved {
			return d.to(model.StateAwaitingDependencies), nil
		}
		return d.dispatchReady(g), nil

	case TriggerSlotGranted:
		if from != model.StateDispatchReady {
			break
		}
		if !g.FrameworkComplete {
			return d.to(model.StateFrameworkPending, EffectEvaluateFramework), nil
		}
		if g.LivelockTripped {
			return d.hold(model.HoldLivelock), nil
		}
		return d.to(model.StateInvoking, EffectInvoke), nil

	case TriggerWorkerCompleted:
		if from != model.StateInvoking {
			break
		}
		return d.to(model.StateCompleted, EffectResetInvocations, EffectFireCompletion), nil

	case TriggerRequestsDeferred:
		if from != model.StateInvoking {
			break
		}
		return d.to(model.StateAwaitingDependencies, EffectResetInvocations), nil

	case TriggerRequestsResolved:
		if from != model.StateInvoking {
			break
		}
		if !g.DependenciesResolved {
			return d.to(model.StateAwaitingDependencies, EffectResetInvocations), nil
		}
		return d.dispatchReady(g), nil

	case TriggerDependencyAdded:
		if from != model.StateDispatchReady || g.DependenciesResolved {
			break
		}
		return d.to(model.StateAwaitingDependencies, EffectResetInvocations), nil

	case TriggerDependencies:
		if from != model.StateAwaitingDependencies || !g.DependenciesResolved {
			break
		}
		return d.dispatchReady(g), nil

	case TriggerWorkerFailed, TriggerDependencyFailed:
		return d.to(model.StateFailed, EffectResetInvocations, EffectPropagateFailure), nil

	case TriggerCancel:
		return d.to(model.StateFailed, EffectResetInvocations, EffectPropagateFailure, EffectCancelChildren), nil

	case TriggerRecovered:
		// An invocation in flight at shutdown is lost; the item is redispatched.
		if from != model.StateInvoking {
			break
		}
		return d.dispatchReady(g), nil

	case TriggerHold:
		if from == model.StateManualHold {
			break
		}
		kind := g.HoldKind
		if kind == "" {
			kind = model.HoldOperator
		}
		return d.hold(kind), nil

	case TriggerResume, TriggerStep:
		if from != model.StateManualHold {
			break
		}
		return d.resume(trigger, g), nil
	}
	return d, fmt.Errorf("%s on %s: %w", trigger, from, ErrIllegal)
}

func (d Decision) to(next model.State, effects ...Effect) Decision {
	d.To = next
	d.Effects = effects
	return d
}

func (d Decision) hold(kind model.HoldKind) Decision {
	d.To = model.StateManualHold
	d.Hold = kind
	d.Effects = []Effect{EffectNotifyHold}
	return d
}

// dispatchReady enters dispatch_ready, or manual_hold when stepping is active
// and no step was granted for this dispatch.
func (d Decision) dispatchReady(g Guards) Decision {
	if g.Stepping && !g.StepGranted {
		return d.hold(model.HoldStepping)
	}
	return d.to(model.StateDispatchReady, EffectRequestSlot)
}

func (d Decision) resume(trigger Trigger, g Guards) Decision {
	target := g.HeldFrom
	switch target {
	case "", model.StateInvoking:
		// The invocation that was running at hold time already finished.
		target = model.StateDispatchReady
	}
	if trigger == TriggerStep {
		target = model.StateDispatchReady
	}
	// Stepping holds are a dispatch gate, not a safety stop: releasing one
	// keeps the livelock counters.
	effects := []Effect{EffectReevaluate}
	if trigger == TriggerResume && g.HoldKind != model.HoldStepping {
		effects = append(effects, EffectResetInvocations)
	}
	if target == model.StateDispatchReady {
		effects = append(effects, EffectRequestSlot)
	}
	d.To = target
	d.Effects = effects
	return d
}

// Apply validates d against the legal transition table and records it on
// item. It is the only place item.State is assigned.
func Apply(item *model.WorkItem, d Decision, seq int64) error {
	if item.State != d.From {
		return fmt.Errorf("apply %s to %s: item is %s: %w", d.Trigger, item.ID, item.State, ErrIllegal)
	}
	if err := model.ValidateItemTransition(d.From, d.To); err != nil {
		return fmt.Errorf("apply %s to %s: %w", d.Trigger, item.ID, err)
	}
	now := model.Now()
	item.State = d.To
	item.UpdatedAt = now
	item.Transitions = append(item.Transitions, model.Transition{
		Seq:     seq,
		From:    d.From,
		To:      d.To,
		Trigger: string(d.Trigger),
		At:      now,
	})
	return nil
}
