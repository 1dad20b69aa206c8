package model

import "fmt"

// State is the lifecycle state of a WorkItem.
type State string

const (
	StateCreated              State = "created"
	StateFrameworkPending     State = "framework_pending"
	StateFrameworkReady       State = "framework_ready"
	StateDispatchReady        State = "dispatch_ready"
	StateInvoking             State = "invoking"
	StateAwaitingDependencies State = "awaiting_dependencies"
	StateManualHold           State = "manual_hold"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateCreated,
	StateFrameworkPending,
	StateFrameworkReady,
	StateDispatchReady,
	StateInvoking,
	StateAwaitingDependencies,
	StateManualHold,
	StateCompleted,
	StateFailed,
}

var terminalStates = map[State]bool{
	StateCompleted: true,
	StateFailed:    true,
}

// Every non-terminal state may additionally move to manual_hold (operator or
// safety) and to failed (cancellation, dependency failure). Those edges are
// added in init so the table below only lists the forward lifecycle.
var validItemTransitions = map[State]map[State]bool{
	StateCreated: {
		StateFrameworkPending: true,
	},
	StateFrameworkPending: {
		StateFrameworkPending: true, // gaps found, establishment spawned
		StateFrameworkReady:   true,
	},
	StateFrameworkReady: {
		StateDispatchReady:        true,
		StateAwaitingDependencies: true,
	},
	StateDispatchReady: {
		StateInvoking:             true,
		StateFrameworkPending:     true, // binding lost completeness before dispatch
		StateAwaitingDependencies: true, // dependency added while queued
	},
	StateInvoking: {
		StateAwaitingDependencies: true,
		StateDispatchReady:        true,
		StateCompleted:            true,
	},
	StateAwaitingDependencies: {
		StateDispatchReady: true,
	},
	StateManualHold: {
		StateCreated:              true,
		StateFrameworkPending:     true,
		StateFrameworkReady:       true,
		StateDispatchReady:        true,
		StateAwaitingDependencies: true,
	},
}

func init() {
	for from, allowed := range validItemTransitions {
		if from != StateManualHold {
			allowed[StateManualHold] = true
		}
		allowed[StateFailed] = true
	}
}

// IsTerminal reports whether s is completed or failed.
func IsTerminal(s State) bool {
	return terminalStates[s]
}

// IsValidState reports whether s is a known state.
func IsValidState(s State) bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// ValidateItemTransition checks from → to against the legal transition table.
func ValidateItemTransition(from, to State) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	allowed, ok := validItemTransitions[from]
	if !ok {
		return fmt.Errorf("unknown state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid item transition: %q → %q", from, to)
	}
	return nil
}
