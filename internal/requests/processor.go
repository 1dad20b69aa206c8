// Package requests turns a worker outcome into the actions the orchestrator
// applies: completion, failure, new dependent items, or corrective turns.
// Every structured request is either executed or answered with a corrective
// turn; none is dropped.
package requests

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/msageha/taskweave/internal/gate"
	"github.com/msageha/taskweave/internal/graph"
	"github.com/msageha/taskweave/internal/model"
)

// Action is what the orchestrator does with the item next.
type Action string

const (
	ActionComplete   Action = "complete"
	ActionFail       Action = "fail"
	ActionDefer      Action = "defer"
	ActionRedispatch Action = "redispatch"
	ActionEscalate   Action = "escalate"
)

// Result is the processed outcome. The item passed to Process already
// carries the appended turns.
type Result struct {
	Action     Action
	Result     string
	Error      *model.ItemError
	HoldReason string

	// Created are new items (subtasks and establishment items) to persist
	// and register with the graph, including their DependencyIDs edges.
	Created []*model.WorkItem
	// Dependencies are the ids the item must now wait on.
	Dependencies []string
	// Framework is set when the binding changed and must be persisted.
	Framework *model.FrameworkBinding

	// Rejected counts requests answered with a corrective turn.
	Rejected int
	// Incomplete is set when a declared result failed completion criteria.
	Incomplete bool
	// Cycles holds sibling ordering cycles found in decompose requests.
	Cycles []*graph.CycleError
}

// Processor validates requests against the bound framework.
type Processor struct {
	gate   *gate.Gate
	logger zerolog.Logger
}

func New(g *gate.Gate, logger zerolog.Logger) *Processor {
	return &Processor{gate: g, logger: logger.With().Str("component", "requests").Logger()}
}

// Process appends the worker's turn to item and maps out to a Result. fw is
// the item's binding; it may be updated in place by need_input requests.
func (p *Processor) Process(item *model.WorkItem, fw *model.FrameworkBinding, out model.Outcome) (Result, error) {
	item.AppendTurn(model.RoleWorker, describe(out), "")

	switch out.Kind {
	case model.OutcomeFailed:
		msg := out.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		return Result{Action: ActionFail, Error: model.NewItemError(model.ErrWorkerFailed, "%s", msg)}, nil
	case model.OutcomeCompleted:
		var res Result
		p.complete(item, fw, out.Result, &res)
		return res, nil
	case model.OutcomeRequests:
		return p.requests(item, fw, out.Requests)
	}
	var res Result
	p.reject(item, &res, "unknown outcome kind %q; return completed, failed or requests", out.Kind)
	res.Action = ActionRedispatch
	return res, nil
}

func (p *Processor) requests(item *model.WorkItem, fw *model.FrameworkBinding, reqs []model.StructuredRequest) (Result, error) {
	var res Result
	if len(reqs) == 0 {
		p.reject(item, &res, "empty request list; return at least one request")
		res.Action = ActionRedispatch
		return res, nil
	}

	if len(reqs) > 1 {
		for _, r := range reqs {
			if r.Kind == model.RequestComplete || r.Kind == model.RequestEscalate {
				p.reject(item, &res, "%s must be the only request in a response; %d requests were not executed", r.Kind, len(reqs))
				res.Action = ActionRedispatch
				return res, nil
			}
		}
	}

	for i, r := range reqs {
		if !model.IsKnownRequestKind(r.Kind) {
			p.reject(item, &res, "request %d: unknown kind %q; available: %s", i, r.Kind, kinds(fw))
			continue
		}
		if !fw.Allows(r.Kind) {
			p.reject(item, &res, "request %d: %s is not permitted by framework %q; available: %s", i, r.Kind, fw.DomainKey, kinds(fw))
			continue
		}
		switch r.Kind {
		case model.RequestComplete:
			p.complete(item, fw, r.Result, &res)
			return res, nil
		case model.RequestEscalate:
			reason := strings.TrimSpace(r.Reason)
			if reason == "" {
				reason = "escalated by worker"
			}
			res.Action = ActionEscalate
			res.HoldReason = reason
			return res, nil
		case model.RequestDecompose:
			if err := p.decompose(item, i, r.Subtasks, &res); err != nil {
				return Result{}, err
			}
		case model.RequestNeedInput:
			if err := p.needInput(item, fw, i, r, &res); err != nil {
				return Result{}, err
			}
		}
	}

	res.Action = ActionRedispatch
	if len(res.Dependencies) > 0 {
		res.Action = ActionDefer
	}
	return res, nil
}

func (p *Processor) complete(item *model.WorkItem, fw *model.FrameworkBinding, result string, res *Result) {
	if violations := fw.Completion.Check(result); len(violations) > 0 {
		item.AppendTurn(model.RoleSystem,
			fmt.Sprintf("%s: completion rejected: %s", model.ErrInvalidStructuredRequest, strings.Join(violations, "; ")),
			"processor")
		res.Action = ActionRedispatch
		res.Incomplete = true
		return
	}
	res.Action = ActionComplete
	res.Result = result
}

func (p *Processor) decompose(item *model.WorkItem, index int, subtasks []model.SubtaskSpec, res *Result) error {
	if len(subtasks) == 0 {
		p.reject(item, res, "request %d: decompose needs at least one subtask", index)
		return nil
	}
	after := make([][]int, len(subtasks))
	for i, st := range subtasks {
		if strings.TrimSpace(st.Instruction) == "" {
			p.reject(item, res, "request %d: subtasks[%d].instruction is required", index, i)
			return nil
		}
		if st.DomainKey == model.EstablishmentDomain {
			p.reject(item, res, "request %d: subtasks[%d].domain_key %q is reserved", index, i, st.DomainKey)
			return nil
		}
		after[i] = st.After
	}
	if _, err := graph.OrderSiblings(len(subtasks), after); err != nil {
		var ce *graph.CycleError
		if errors.As(err, &ce) {
			res.Cycles = append(res.Cycles, ce)
			item.AppendTurn(model.RoleSystem,
				fmt.Sprintf("%s: request %d: %v; no subtasks were created", model.ErrCycleDetected, index, err),
				"processor")
			res.Rejected++
			return nil
		}
		p.reject(item, res, "request %d: %v", index, err)
		return nil
	}

	children := make([]*model.WorkItem, len(subtasks))
	for i, st := range subtasks {
		child, err := newChild(item, st)
		if err != nil {
			return err
		}
		children[i] = child
	}
	for i, st := range subtasks {
		for _, j := range st.After {
			children[i].DependencyIDs = append(children[i].DependencyIDs, children[j].ID)
		}
	}
	for _, c := range children {
		res.Created = append(res.Created, c)
		res.Dependencies = append(res.Dependencies, c.ID)
	}
	p.logger.Debug().Str("item", item.ID).Int("subtasks", len(children)).Msg("decomposed")
	return nil
}

func newChild(parent *model.WorkItem, st model.SubtaskSpec) (*model.WorkItem, error) {
	id, err := model.GenerateID(model.IDTypeItem)
	if err != nil {
		return nil, err
	}
	domain := st.DomainKey
	if domain == "" {
		domain = parent.DomainKey
	}
	priority := st.Priority
	if priority == 0 {
		priority = parent.Priority
	}
	now := model.Now()
	child := &model.WorkItem{
		ID:                        id,
		ParentID:                  parent.ID,
		TreeID:                    parent.TreeID,
		Kind:                      model.ItemKindTask,
		Instruction:               st.Instruction,
		DomainKey:                 domain,
		State:                     model.StateCreated,
		Priority:                  priority,
		DependencyIDs:             []string{},
		AssignedWorkerType:        st.WorkerType,
		MaxConsecutiveInvocations: parent.MaxConsecutiveInvocations,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	child.AppendTurn(model.RoleUser, st.Instruction, parent.ID)
	return child, nil
}

func (p *Processor) needInput(item *model.WorkItem, fw *model.FrameworkBinding, index int, r model.StructuredRequest, res *Result) error {
	key := strings.TrimSpace(r.Key)
	if key == "" {
		p.reject(item, res, "request %d: need_input requires a key", index)
		return nil
	}
	kind := r.RequirementKind
	if kind == "" {
		kind = model.RequirementContext
	}
	if !model.IsValidRequirementKind(kind) {
		p.reject(item, res, "request %d: unknown requirement_kind %q", index, kind)
		return nil
	}

	if fw.AppendRequirement(model.Requirement{Key: key, Kind: kind, Description: r.Description}) {
		res.Framework = fw
	}
	for _, req := range fw.Requirements {
		if req.Key == key && req.Satisfied {
			item.AppendTurn(model.RoleToolResult, req.Material, req.SatisfiedBy)
			return nil
		}
	}

	plan, err := p.gate.PlanEstablishment(item, fw, []string{key})
	if err != nil {
		return fmt.Errorf("plan establishment for %s: %w", key, err)
	}
	if len(plan.Satisfied) > 0 {
		res.Framework = fw
		for _, req := range fw.Requirements {
			if req.Key == key {
				item.AppendTurn(model.RoleToolResult, req.Material, req.SatisfiedBy)
			}
		}
	}
	res.Created = append(res.Created, plan.Create...)
	res.Dependencies = append(res.Dependencies, plan.Dependencies()...)
	return nil
}

func (p *Processor) reject(item *model.WorkItem, res *Result, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	item.AppendTurn(model.RoleSystem, fmt.Sprintf("%s: %s", model.ErrInvalidStructuredRequest, msg), "processor")
	res.Rejected++
	p.logger.Info().Str("item", item.ID).Str("reason", msg).Msg("request_rejected")
}

func kinds(fw *model.FrameworkBinding) string {
	var names []string
	for _, op := range model.OperationsFor(fw) {
		names = append(names, string(op.Name))
	}
	return strings.Join(names, ", ")
}

func describe(out model.Outcome) string {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("%s outcome", out.Kind)
	}
	return string(data)
}
