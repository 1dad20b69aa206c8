package model

import "fmt"

// ErrorKind is the closed taxonomy of work item failures.
type ErrorKind string

const (
	ErrFrameworkIncomplete      ErrorKind = "framework_incomplete"
	ErrDependencyFailed         ErrorKind = "dependency_failed"
	ErrCycleDetected            ErrorKind = "cycle_detected"
	ErrLivelockThreshold        ErrorKind = "livelock_threshold_exceeded"
	ErrInvocationTransport      ErrorKind = "invocation_transport_error"
	ErrInvalidStructuredRequest ErrorKind = "invalid_structured_request"
	ErrWorkerFailed             ErrorKind = "worker_failed"
	ErrCancelled                ErrorKind = "cancelled"
)

// ItemError is the error recorded on a failed WorkItem. When the failure was
// caused by another item, CauseItemID names it and Cause carries a copy of
// that item's error, so the chain survives without walking the store.
type ItemError struct {
	Kind        ErrorKind  `yaml:"kind" json:"kind"`
	Message     string     `yaml:"message" json:"message"`
	CauseItemID string     `yaml:"cause_item_id,omitempty" json:"cause_item_id,omitempty"`
	Cause       *ItemError `yaml:"cause,omitempty" json:"cause,omitempty"`
	At          string     `yaml:"at" json:"at"`
}

func NewItemError(kind ErrorKind, format string, args ...any) *ItemError {
	return &ItemError{Kind: kind, Message: fmt.Sprintf(format, args...), At: Now()}
}

// CausedBy builds a dependency_failed error pointing at the failed item.
func CausedBy(kind ErrorKind, causeID string, cause *ItemError) *ItemError {
	e := &ItemError{
		Kind:        kind,
		Message:     fmt.Sprintf("dependency %s failed", causeID),
		CauseItemID: causeID,
		At:          Now(),
	}
	if cause != nil {
		e.Cause = cause.Clone()
	}
	return e
}

func (e *ItemError) Error() string {
	if e.CauseItemID != "" {
		return fmt.Sprintf("%s: %s (cause: %s)", e.Kind, e.Message, e.CauseItemID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ItemError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// CauseChain lists the ids of the items that caused this error, nearest first.
func (e *ItemError) CauseChain() []string {
	var chain []string
	for cur := e; cur != nil && cur.CauseItemID != ""; cur = cur.Cause {
		chain = append(chain, cur.CauseItemID)
	}
	return chain
}

// RootKind returns the kind of the innermost error in the chain.
func (e *ItemError) RootKind() ErrorKind {
	cur := e
	for cur.Cause != nil {
		cur = cur.Cause
	}
	return cur.Kind
}

func (e *ItemError) Clone() *ItemError {
	if e == nil {
		return nil
	}
	c := *e
	c.Cause = e.Cause.Clone()
	return &c
}
