package orchestrator

import (
	"github.com/msageha/taskweave/internal/invocation"
	"github.com/msageha/taskweave/internal/model"
)

// Event is one unit of work for a tree's loop. Events of one tree are
// handled strictly in order.
type Event interface {
	EventType() string
	Tree() string
}

// reply carries a command's synchronous result back to the caller.
type reply chan error

func (r reply) send(err error) {
	if r != nil {
		r <- err
	}
}

// ItemCreated drives a newly persisted item out of created.
type ItemCreated struct {
	TreeID string
	ItemID string
}

func (e ItemCreated) EventType() string { return "item_created" }
func (e ItemCreated) Tree() string      { return e.TreeID }

// FrameworkEstablished is posted when an establishment result satisfied a
// requirement of the framework.
type FrameworkEstablished struct {
	TreeID      string
	FrameworkID string
}

func (e FrameworkEstablished) EventType() string { return "framework_established" }
func (e FrameworkEstablished) Tree() string      { return e.TreeID }

// InvocationCompleted is posted exactly once per worker invocation.
type InvocationCompleted struct {
	TreeID string
	ItemID string
	Result invocation.Result
}

func (e InvocationCompleted) EventType() string { return "invocation_completed" }
func (e InvocationCompleted) Tree() string      { return e.TreeID }

// DependencyResolved tells a dependent in another tree that its last
// outstanding dependency completed.
type DependencyResolved struct {
	TreeID       string
	ItemID       string
	DependencyID string
}

func (e DependencyResolved) EventType() string { return "dependency_resolved" }
func (e DependencyResolved) Tree() string      { return e.TreeID }

// DependencyFailed tells a dependent in another tree that a dependency
// failed.
type DependencyFailed struct {
	TreeID       string
	ItemID       string
	DependencyID string
}

func (e DependencyFailed) EventType() string { return "dependency_failed" }
func (e DependencyFailed) Tree() string      { return e.TreeID }

// SlotAvailable is posted when an invocation slot was reserved for a
// waiting item.
type SlotAvailable struct {
	TreeID string
	ItemID string
}

func (e SlotAvailable) EventType() string { return "slot_available" }
func (e SlotAvailable) Tree() string      { return e.TreeID }

// Reevaluate re-drives an item from its current state. Used on replay and
// when stepping is switched off.
type Reevaluate struct {
	TreeID string
	ItemID string
}

func (e Reevaluate) EventType() string { return "reevaluate" }
func (e Reevaluate) Tree() string      { return e.TreeID }

// ManualStepRequested releases one stepping hold for a single dispatch.
type ManualStepRequested struct {
	TreeID string
	ItemID string
	reply  reply
}

func (e ManualStepRequested) EventType() string { return "manual_step_requested" }
func (e ManualStepRequested) Tree() string      { return e.TreeID }

// ResumeRequested returns a held item to the state it left.
type ResumeRequested struct {
	TreeID string
	ItemID string
	// OnlyKind limits the resume to holds of this kind when set.
	OnlyKind model.HoldKind
	reply    reply
}

func (e ResumeRequested) EventType() string { return "resume_requested" }
func (e ResumeRequested) Tree() string      { return e.TreeID }

// HoldRequested holds an item for the operator. An invoking item is held as
// soon as its invocation completes.
type HoldRequested struct {
	TreeID string
	ItemID string
	Reason string
	reply  reply
}

func (e HoldRequested) EventType() string { return "hold_requested" }
func (e HoldRequested) Tree() string      { return e.TreeID }

// CancelRequested fails an item and its unfinished descendants.
type CancelRequested struct {
	TreeID string
	ItemID string
	Reason string
	reply  reply
}

func (e CancelRequested) EventType() string { return "cancel_requested" }
func (e CancelRequested) Tree() string      { return e.TreeID }

// AddDependencyRequested inserts the edge ItemID -> DependsOn.
type AddDependencyRequested struct {
	TreeID    string
	ItemID    string
	DependsOn string
	reply     reply
}

func (e AddDependencyRequested) EventType() string { return "add_dependency_requested" }
func (e AddDependencyRequested) Tree() string      { return e.TreeID }
