package model

// OutcomeKind tags the variant carried by an Outcome.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeRequests  OutcomeKind = "requests"
)

// Outcome is what a worker invocation returns: exactly one of a completion
// result, a failure, or a list of structured requests.
type Outcome struct {
	Kind     OutcomeKind         `json:"kind" yaml:"kind"`
	Result   string              `json:"result,omitempty" yaml:"result,omitempty"`
	Error    string              `json:"error,omitempty" yaml:"error,omitempty"`
	Requests []StructuredRequest `json:"requests,omitempty" yaml:"requests,omitempty"`
}

func Completed(result string) Outcome { return Outcome{Kind: OutcomeCompleted, Result: result} }

func Failed(msg string) Outcome { return Outcome{Kind: OutcomeFailed, Error: msg} }

func Requests(reqs ...StructuredRequest) Outcome {
	return Outcome{Kind: OutcomeRequests, Requests: reqs}
}

// RequestKind names a structured request a worker may return.
type RequestKind string

const (
	RequestDecompose RequestKind = "decompose"
	RequestNeedInput RequestKind = "need_input"
	RequestComplete  RequestKind = "complete"
	RequestEscalate  RequestKind = "escalate"
)

// KnownRequestKinds lists every request kind the processor understands.
var KnownRequestKinds = []RequestKind{RequestDecompose, RequestNeedInput, RequestComplete, RequestEscalate}

func IsKnownRequestKind(k RequestKind) bool {
	for _, known := range KnownRequestKinds {
		if k == known {
			return true
		}
	}
	return false
}

// SubtaskSpec describes one child created by a decompose request. After
// lists sibling indexes this subtask must wait for.
type SubtaskSpec struct {
	Instruction string `json:"instruction" yaml:"instruction"`
	WorkerType  string `json:"worker_type,omitempty" yaml:"worker_type,omitempty"`
	DomainKey   string `json:"domain_key,omitempty" yaml:"domain_key,omitempty"`
	Priority    int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	After       []int  `json:"after,omitempty" yaml:"after,omitempty"`
}

// StructuredRequest is one typed instruction from a worker.
type StructuredRequest struct {
	Kind RequestKind `json:"kind" yaml:"kind"`

	// decompose
	Subtasks []SubtaskSpec `json:"subtasks,omitempty" yaml:"subtasks,omitempty"`

	// need_input
	Key             string          `json:"key,omitempty" yaml:"key,omitempty"`
	RequirementKind RequirementKind `json:"requirement_kind,omitempty" yaml:"requirement_kind,omitempty"`
	Description     string          `json:"description,omitempty" yaml:"description,omitempty"`

	// complete
	Result string `json:"result,omitempty" yaml:"result,omitempty"`

	// escalate
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// OperationSpec advertises a request kind to the worker.
type OperationSpec struct {
	Name        RequestKind `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
}

// ContextBlob is a piece of material returned by a context lookup.
type ContextBlob struct {
	Key     string `json:"key" yaml:"key"`
	Content string `json:"content" yaml:"content"`
	Source  string `json:"source,omitempty" yaml:"source,omitempty"`
}

var operationDescriptions = map[RequestKind]string{
	RequestDecompose: "split this item into dependent sub-items",
	RequestNeedInput: "request additional context or tools before continuing",
	RequestComplete:  "declare the item done with a result",
	RequestEscalate:  "stop and hand the item to an operator with a reason",
}

// OperationsFor returns the operation specs allowed by a framework.
func OperationsFor(fw *FrameworkBinding) []OperationSpec {
	var ops []OperationSpec
	for _, k := range KnownRequestKinds {
		if fw != nil && !fw.Allows(k) {
			continue
		}
		ops = append(ops, OperationSpec{Name: k, Description: operationDescriptions[k]})
	}
	return ops
}
