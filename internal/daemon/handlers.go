package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/msageha/taskweave/internal/graph"
	"github.com/msageha/taskweave/internal/invocation"
	"github.com/msageha/taskweave/internal/machine"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/orchestrator"
	"github.com/msageha/taskweave/internal/store"
	"github.com/msageha/taskweave/internal/uds"
)

const commandTimeout = 10 * time.Second

// ItemSummary is one row of a listing.
type ItemSummary struct {
	ID          string         `json:"id"`
	TreeID      string         `json:"tree_id"`
	ParentID    string         `json:"parent_id,omitempty"`
	Kind        model.ItemKind `json:"kind"`
	State       model.State    `json:"state"`
	Priority    int            `json:"priority"`
	HoldKind    model.HoldKind `json:"hold_kind,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	Instruction string         `json:"instruction"`
	UpdatedAt   string         `json:"updated_at"`
}

func summarize(it *model.WorkItem) ItemSummary {
	s := ItemSummary{
		ID:          it.ID,
		TreeID:      it.TreeID,
		ParentID:    it.ParentID,
		Kind:        it.Kind,
		State:       it.State,
		Priority:    it.Priority,
		Instruction: truncate(it.Instruction, 80),
		UpdatedAt:   it.UpdatedAt,
	}
	if it.Hold != nil {
		s.HoldKind = it.Hold.Kind
	}
	if it.Error != nil {
		s.ErrorKind = string(it.Error.Kind)
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ItemDetail is the reply of the show command: the stored record plus the
// items held up by it.
type ItemDetail struct {
	model.WorkItem `yaml:",inline"`
	Blocks         []string `yaml:"blocks,omitempty" json:"blocks,omitempty"`
}

// Status is the reply of the status command.
type Status struct {
	PID      int                 `json:"pid"`
	States   map[model.State]int `json:"states"`
	Stepping []invocation.Scope  `json:"stepping"`
	Queue    []invocation.Waiter `json:"queue"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})
	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.logger.Info().Msg("shutdown_requested")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
	d.server.Handle(uds.CmdSubmit, d.handleSubmit)
	d.server.Handle(uds.CmdShow, d.handleShow)
	d.server.Handle(uds.CmdList, d.handleList)
	d.server.Handle(uds.CmdStatus, d.handleStatus)
	d.server.Handle(uds.CmdManual, d.handleManual)
	d.server.Handle(uds.CmdDepend, d.handleDepend)
	d.server.Handle(uds.CmdCancel, d.itemCommand(d.orch.Cancel))
	d.server.Handle(uds.CmdHold, d.itemCommand(d.orch.Hold))
	d.server.Handle(uds.CmdResume, d.itemCommand(func(ctx context.Context, id, _ string) error {
		return d.orch.Resume(ctx, id)
	}))
	d.server.Handle(uds.CmdStep, d.itemCommand(func(ctx context.Context, id, _ string) error {
		return d.orch.Step(ctx, id)
	}))
}

func (d *Daemon) handleSubmit(req *uds.Request) *uds.Response {
	var sub model.Submission
	if err := req.DecodeParams(&sub); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	item, err := d.orch.Submit(sub)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(summarize(item))
}

func (d *Daemon) handleShow(req *uds.Request) *uds.Response {
	var p uds.ItemParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	item, err := d.orch.Get(p.ItemID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(ItemDetail{WorkItem: *item, Blocks: d.orch.Blocks(item.ID)})
}

func (d *Daemon) handleList(req *uds.Request) *uds.Response {
	var p uds.ListParams
	if len(req.Params) > 0 {
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}
	var (
		items []*model.WorkItem
		err   error
	)
	switch {
	case p.TreeID != "":
		items, err = d.store.ListByTree(p.TreeID)
	case p.State != "":
		if !model.IsValidState(model.State(p.State)) {
			return uds.ErrorResponse(uds.ErrCodeValidation, "unknown state "+p.State)
		}
		items, err = d.store.ListByState(model.State(p.State))
	default:
		items, err = d.store.List()
	}
	if err != nil {
		return errorResponse(err)
	}
	out := make([]ItemSummary, 0, len(items))
	for _, it := range items {
		if p.State != "" && string(it.State) != p.State {
			continue
		}
		out = append(out, summarize(it))
	}
	return uds.SuccessResponse(out)
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	counts, err := d.orch.StateCounts()
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(Status{
		PID:      os.Getpid(),
		States:   counts,
		Stepping: d.orch.SteppingScopes(),
		Queue:    d.orch.SlotQueue(),
	})
}

func (d *Daemon) handleManual(req *uds.Request) *uds.Response {
	var p uds.ManualParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	scope := invocation.Scope{Kind: invocation.ScopeKind(p.Scope), ID: p.ID}
	if err := scope.Validate(); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if err := d.orch.SetManualStepping(scope, p.Enabled); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(d.orch.SteppingScopes())
}

func (d *Daemon) handleDepend(req *uds.Request) *uds.Response {
	var p uds.DependParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := d.orch.AddDependency(ctx, p.ItemID, p.DependsOn); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]string{"item_id": p.ItemID, "depends_on": p.DependsOn})
}

// itemCommand adapts an orchestrator command addressed to one item.
func (d *Daemon) itemCommand(run func(ctx context.Context, itemID, reason string) error) uds.HandlerFunc {
	return func(req *uds.Request) *uds.Response {
		var p uds.ItemParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := run(ctx, p.ItemID, p.Reason); err != nil {
			return errorResponse(err)
		}
		item, err := d.orch.Get(p.ItemID)
		if err != nil {
			return errorResponse(err)
		}
		return uds.SuccessResponse(summarize(item))
	}
}

func errorResponse(err error) *uds.Response {
	var (
		ce *graph.CycleError
		ve *model.ValidationErrors
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.As(err, &ce):
		return uds.ErrorResponse(uds.ErrCodeCycle, err.Error())
	case errors.As(err, &ve):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	case errors.Is(err, machine.ErrTerminal),
		errors.Is(err, machine.ErrIllegal),
		errors.Is(err, orchestrator.ErrNotHeld),
		errors.Is(err, orchestrator.ErrAlreadyHeld):
		return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
	}
	return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
}
