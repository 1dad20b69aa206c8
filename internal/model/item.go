package model

import "time"

// ItemKind distinguishes ordinary work from framework-establishment work.
type ItemKind string

const (
	ItemKindTask          ItemKind = "task"
	ItemKindEstablishment ItemKind = "establishment"
)

// EstablishmentDomain is the domain key bound to establishment items. Its
// framework has no requirements so establishment work never recurses into
// further establishment.
const EstablishmentDomain = "framework.establish"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleWorker     Role = "worker"
	RoleToolResult Role = "tool_result"
)

// Turn is one entry of a WorkItem's append-only conversation log.
type Turn struct {
	Role    Role   `yaml:"role" json:"role"`
	Content string `yaml:"content" json:"content"`
	Source  string `yaml:"source,omitempty" json:"source,omitempty"`
	At      string `yaml:"at" json:"at"`
}

// HoldKind records why an item entered manual_hold.
type HoldKind string

const (
	HoldOperator   HoldKind = "operator"
	HoldStepping   HoldKind = "stepping"
	HoldLivelock   HoldKind = "livelock"
	HoldEscalated  HoldKind = "escalated"
	HoldDrift      HoldKind = "compliance_drift"
	HoldRetryLimit HoldKind = "retry_exhausted"
)

// HoldInfo is set while an item sits in manual_hold.
type HoldInfo struct {
	Kind   HoldKind `yaml:"kind" json:"kind"`
	Reason string   `yaml:"reason" json:"reason"`
	From   State    `yaml:"from" json:"from"`
	At     string   `yaml:"at" json:"at"`
}

// InvocationRecord tracks consecutive worker invocations for the livelock
// guard. ConsecutiveInvocations resets only on a dependency wait, a terminal
// state, or an operator resume.
type InvocationRecord struct {
	ConsecutiveInvocations int     `yaml:"consecutive_invocation_count" json:"consecutive_invocation_count"`
	TotalInvocations       int     `yaml:"total_invocations" json:"total_invocations"`
	LastInvocationAt       *string `yaml:"last_invocation_at" json:"last_invocation_at,omitempty"`
	ManualHold             bool    `yaml:"manual_hold" json:"manual_hold"`
	Corrections            int     `yaml:"corrections" json:"corrections"`
}

// Transition is one applied state change, kept for audit and replay.
type Transition struct {
	Seq     int64  `yaml:"seq" json:"seq"`
	From    State  `yaml:"from" json:"from"`
	To      State  `yaml:"to" json:"to"`
	Trigger string `yaml:"trigger" json:"trigger"`
	At      string `yaml:"at" json:"at"`
}

// WorkItem is a unit of work. Hierarchy and dependencies are references by
// id; the store is the arena.
type WorkItem struct {
	ID          string   `yaml:"id" json:"id"`
	ParentID    string   `yaml:"parent_id,omitempty" json:"parent_id,omitempty"`
	TreeID      string   `yaml:"tree_id" json:"tree_id"`
	Kind        ItemKind `yaml:"kind" json:"kind"`
	Instruction string   `yaml:"instruction" json:"instruction"`
	DomainKey   string   `yaml:"domain_key,omitempty" json:"domain_key,omitempty"`
	State       State    `yaml:"state" json:"state"`
	Priority    int      `yaml:"priority" json:"priority"`

	DependencyIDs      []string `yaml:"dependency_ids" json:"dependency_ids"`
	FrameworkID        string   `yaml:"framework_id,omitempty" json:"framework_id,omitempty"`
	AssignedWorkerType string   `yaml:"assigned_worker_type,omitempty" json:"assigned_worker_type,omitempty"`

	// Establishment items only: the requirement they satisfy.
	RequirementKey  string          `yaml:"requirement_key,omitempty" json:"requirement_key,omitempty"`
	RequirementKind RequirementKind `yaml:"requirement_kind,omitempty" json:"requirement_kind,omitempty"`
	TargetFramework string          `yaml:"target_framework,omitempty" json:"target_framework,omitempty"`

	Conversation []Turn     `yaml:"conversation_log" json:"conversation_log"`
	Result       *string    `yaml:"result" json:"result,omitempty"`
	Error        *ItemError `yaml:"error" json:"error,omitempty"`

	Hold          *HoldInfo        `yaml:"hold,omitempty" json:"hold,omitempty"`
	HoldRequested *string          `yaml:"hold_requested,omitempty" json:"hold_requested,omitempty"`
	Invocation    InvocationRecord `yaml:"invocation" json:"invocation"`

	// MaxConsecutiveInvocations overrides the configured livelock ceiling for
	// every item of the tree. Zero means use the configured value.
	MaxConsecutiveInvocations int `yaml:"max_consecutive_invocations,omitempty" json:"max_consecutive_invocations,omitempty"`

	// ConsumedDependencies lists dependencies whose results were already
	// appended to the conversation.
	ConsumedDependencies []string `yaml:"consumed_dependencies,omitempty" json:"consumed_dependencies,omitempty"`

	Transitions []Transition `yaml:"transitions" json:"transitions"`
	CreatedAt   string       `yaml:"created_at" json:"created_at"`
	UpdatedAt   string       `yaml:"updated_at" json:"updated_at"`
}

// Now returns the current UTC time in the persisted timestamp format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// AppendTurn extends the conversation log. The log is never rewritten.
func (w *WorkItem) AppendTurn(role Role, content, source string) {
	w.Conversation = append(w.Conversation, Turn{
		Role:    role,
		Content: content,
		Source:  source,
		At:      Now(),
	})
}

func (w *WorkItem) HasDependency(id string) bool {
	for _, dep := range w.DependencyIDs {
		if dep == id {
			return true
		}
	}
	return false
}

func (w *WorkItem) HasConsumed(id string) bool {
	for _, dep := range w.ConsumedDependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// IsRoot reports whether the item was submitted externally.
func (w *WorkItem) IsRoot() bool {
	return w.ParentID == ""
}

// TerminalCount returns how many terminal states the item has visited.
func (w *WorkItem) TerminalCount() int {
	n := 0
	for _, t := range w.Transitions {
		if IsTerminal(t.To) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so store readers never alias loop-owned state.
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	c := *w
	c.DependencyIDs = append([]string(nil), w.DependencyIDs...)
	c.Conversation = append([]Turn(nil), w.Conversation...)
	c.ConsumedDependencies = append([]string(nil), w.ConsumedDependencies...)
	c.Transitions = append([]Transition(nil), w.Transitions...)
	if w.Result != nil {
		r := *w.Result
		c.Result = &r
	}
	if w.Error != nil {
		c.Error = w.Error.Clone()
	}
	if w.Hold != nil {
		h := *w.Hold
		c.Hold = &h
	}
	if w.HoldRequested != nil {
		h := *w.HoldRequested
		c.HoldRequested = &h
	}
	if w.Invocation.LastInvocationAt != nil {
		at := *w.Invocation.LastInvocationAt
		c.Invocation.LastInvocationAt = &at
	}
	return &c
}
