// Package events carries operator notifications: a non-blocking in-process
// bus and an append-only JSONL audit log.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/msageha/taskweave/internal/model"
)

// Kind is the type of an operator notification.
type Kind string

const (
	// KindTerminal is published for every completed or failed item.
	KindTerminal Kind = "terminal"
	// KindHold is published for every manual_hold entry.
	KindHold Kind = "hold"
	// KindSafetyTrip is published when a safety threshold is exceeded.
	KindSafetyTrip Kind = "safety_trip"
	// KindCycleRejected is published when an edge insertion would close a cycle.
	KindCycleRejected Kind = "cycle_rejected"
)

// AllKinds lists every notification kind.
var AllKinds = []Kind{KindTerminal, KindHold, KindSafetyTrip, KindCycleRejected}

// Notification is pushed to operators. Delivery is fire-and-forget.
type Notification struct {
	ID        string           `json:"id"`
	Kind      Kind             `json:"kind"`
	ItemID    string           `json:"item_id"`
	TreeID    string           `json:"tree_id"`
	State     model.State      `json:"state,omitempty"`
	HoldKind  model.HoldKind   `json:"hold_kind,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Error     *model.ItemError `json:"error,omitempty"`
	// Affected lists the items downstream of a failure, nearest first.
	Affected  []string         `json:"affected,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewNotification stamps a notification with an id and the current time.
func NewNotification(kind Kind, item *model.WorkItem) Notification {
	n := Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	if item != nil {
		n.ItemID = item.ID
		n.TreeID = item.TreeID
		n.State = item.State
		if item.Hold != nil {
			n.HoldKind = item.Hold.Kind
			n.Reason = item.Hold.Reason
		}
		n.Error = item.Error.Clone()
	}
	return n
}

// Notifier receives operator notifications. Implementations must not block.
type Notifier interface {
	Notify(Notification)
}

// Fanout delivers a notification to several notifiers in order.
type Fanout []Notifier

func (f Fanout) Notify(n Notification) {
	for _, x := range f {
		if x != nil {
			x.Notify(n)
		}
	}
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(Notification) {}
