// Package gate decides whether a work item's process framework is complete
// enough to dispatch, and plans the establishment work that closes gaps.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/store"
)

// ContextFetcher is the knowledge lookup collaborator. A fetch error of any
// kind leaves the affected requirements missing.
type ContextFetcher interface {
	FetchContext(ctx context.Context, keys []string) ([]model.ContextBlob, error)
}

// Templates resolves the configured framework template for a domain.
type Templates interface {
	Template(domainKey string) (model.FrameworkTemplate, bool)
}

// Result is the outcome of one evaluation.
type Result struct {
	Ready     bool
	Missing   []string
	Framework *model.FrameworkBinding
}

// Gate evaluates framework completeness. It never blocks beyond the fetch
// timeout and never polls; re-evaluation is driven by the caller.
type Gate struct {
	store        store.Store
	templates    Templates
	fetcher      ContextFetcher
	fetchTimeout time.Duration
	logger       zerolog.Logger
}

// New creates a gate. fetcher may be nil, in which case context
// requirements are only ever satisfied by establishment work.
func New(st store.Store, templates Templates, fetcher ContextFetcher, fetchTimeout time.Duration, logger zerolog.Logger) *Gate {
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}
	return &Gate{
		store:        st,
		templates:    templates,
		fetcher:      fetcher,
		fetchTimeout: fetchTimeout,
		logger:       logger.With().Str("component", "gate").Logger(),
	}
}

// Bind returns the binding for the item's (tree, domain), instantiating it
// from the domain template the first time the domain appears in the tree.
// A domain without a template gets a binding with no requirements, as does
// the establishment domain.
func (g *Gate) Bind(item *model.WorkItem) (*model.FrameworkBinding, error) {
	fw, err := g.store.FindFramework(item.TreeID, item.DomainKey)
	if err == nil {
		return fw, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find framework: %w", err)
	}

	id, err := model.GenerateID(model.IDTypeFramework)
	if err != nil {
		return nil, err
	}
	now := model.Now()
	fw = &model.FrameworkBinding{
		ID:           id,
		TreeID:       item.TreeID,
		DomainKey:    item.DomainKey,
		Requirements: []model.Requirement{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if tmpl, ok := g.templates.Template(item.DomainKey); ok {
		fw.WorkerType = tmpl.WorkerType
		fw.AllowedOperations = append([]model.RequestKind(nil), tmpl.AllowedOperations...)
		fw.Completion = tmpl.Completion
		if item.DomainKey != model.EstablishmentDomain {
			for _, rt := range tmpl.Requirements {
				fw.Requirements = append(fw.Requirements, model.Requirement{
					Key:         rt.Key,
					Kind:        rt.Kind,
					Description: rt.Description,
				})
			}
		}
	}
	fw.Complete = len(fw.Missing()) == 0
	if err := g.store.PutFramework(fw); err != nil {
		return nil, fmt.Errorf("put framework: %w", err)
	}
	g.logger.Debug().Str("framework", fw.ID).Str("tree", fw.TreeID).
		Str("domain", fw.DomainKey).Int("requirements", len(fw.Requirements)).
		Msg("framework_instantiated")
	return fw, nil
}

// Evaluate binds the item to its framework (setting item.FrameworkID),
// tries to satisfy open context requirements through the fetcher and
// reports what is still missing. The binding is persisted when it changed.
func (g *Gate) Evaluate(ctx context.Context, item *model.WorkItem) (Result, error) {
	fw, err := g.Bind(item)
	if err != nil {
		return Result{}, err
	}
	item.FrameworkID = fw.ID

	if g.fetchMissingContext(ctx, fw) {
		if err := g.store.PutFramework(fw); err != nil {
			return Result{}, fmt.Errorf("put framework: %w", err)
		}
	}
	return Result{Ready: fw.Complete, Missing: fw.MissingKeys(), Framework: fw}, nil
}

func (g *Gate) fetchMissingContext(ctx context.Context, fw *model.FrameworkBinding) bool {
	if g.fetcher == nil {
		return false
	}
	var keys []string
	for _, r := range fw.Missing() {
		if r.Kind == model.RequirementContext {
			keys = append(keys, r.Key)
		}
	}
	if len(keys) == 0 {
		return false
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.fetchTimeout)
	defer cancel()
	blobs, err := g.fetcher.FetchContext(fetchCtx, keys)
	if err != nil {
		g.logger.Debug().Err(err).Str("framework", fw.ID).Strs("keys", keys).Msg("context_fetch_incomplete")
	}
	changed := false
	for _, b := range blobs {
		if fw.Satisfy(b.Key, b.Content, "knowledge:"+b.Source) {
			changed = true
		}
	}
	return changed
}

// DedupeKey identifies establishment work within a tree. At most one
// establishment item exists per key.
func DedupeKey(treeID, requirementKey string) string {
	return treeID + "/" + requirementKey
}

// Plan describes how the gaps of one framework are closed for one item.
type Plan struct {
	// Create holds new establishment items, not yet persisted.
	Create []*model.WorkItem
	// Subscribe lists existing establishment items the item must wait on.
	Subscribe []string
	// Satisfied lists requirement keys closed from an already completed
	// establishment item. The framework passed to PlanEstablishment was
	// updated in place and must be persisted.
	Satisfied []string
}

// Dependencies returns every establishment item the planned item waits on.
func (p Plan) Dependencies() []string {
	deps := append([]string(nil), p.Subscribe...)
	for _, e := range p.Create {
		deps = append(deps, e.ID)
	}
	return deps
}

// PlanEstablishment yields exactly one establishment item per missing
// requirement key in the tree. Existing establishment items for a key are
// reused: a completed one satisfies the requirement directly, any other is
// subscribed to.
func (g *Gate) PlanEstablishment(item *model.WorkItem, fw *model.FrameworkBinding, missing []string) (Plan, error) {
	existing, err := g.establishments(item.TreeID)
	if err != nil {
		return Plan{}, err
	}

	var plan Plan
	for _, key := range missing {
		req, ok := requirement(fw, key)
		if !ok {
			continue
		}
		dk := DedupeKey(item.TreeID, key)
		if e, ok := existing[dk]; ok {
			if e.State == model.StateCompleted && e.Result != nil {
				fw.Satisfy(key, *e.Result, e.ID)
				plan.Satisfied = append(plan.Satisfied, key)
				continue
			}
			if !item.HasDependency(e.ID) {
				plan.Subscribe = append(plan.Subscribe, e.ID)
			}
			continue
		}
		e, err := g.NewEstablishment(item, fw, req)
		if err != nil {
			return Plan{}, err
		}
		existing[dk] = e
		plan.Create = append(plan.Create, e)
	}
	return plan, nil
}

func (g *Gate) establishments(treeID string) (map[string]*model.WorkItem, error) {
	items, err := g.store.ListByTree(treeID)
	if err != nil {
		return nil, fmt.Errorf("list tree %s: %w", treeID, err)
	}
	out := make(map[string]*model.WorkItem)
	for _, it := range items {
		if it.Kind != model.ItemKindEstablishment {
			continue
		}
		dk := DedupeKey(treeID, it.RequirementKey)
		// A completed establishment wins over an older failed one.
		if prev, ok := out[dk]; ok && prev.State == model.StateCompleted {
			continue
		}
		out[dk] = it
	}
	return out, nil
}

func requirement(fw *model.FrameworkBinding, key string) (model.Requirement, bool) {
	for _, r := range fw.Requirements {
		if r.Key == key {
			return r, true
		}
	}
	return model.Requirement{}, false
}

// NewEstablishment builds (without persisting) an establishment item whose
// completion satisfies req on fw. The requesting item is its parent.
func (g *Gate) NewEstablishment(item *model.WorkItem, fw *model.FrameworkBinding, req model.Requirement) (*model.WorkItem, error) {
	id, err := model.GenerateID(model.IDTypeItem)
	if err != nil {
		return nil, err
	}
	now := model.Now()
	e := &model.WorkItem{
		ID:                        id,
		ParentID:                  item.ID,
		TreeID:                    item.TreeID,
		Kind:                      model.ItemKindEstablishment,
		Instruction:               establishmentInstruction(fw, req),
		DomainKey:                 model.EstablishmentDomain,
		State:                     model.StateCreated,
		Priority:                  item.Priority,
		DependencyIDs:             []string{},
		RequirementKey:            req.Key,
		RequirementKind:           req.Kind,
		TargetFramework:           fw.ID,
		MaxConsecutiveInvocations: item.MaxConsecutiveInvocations,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if tmpl, ok := g.templates.Template(model.EstablishmentDomain); ok {
		e.AssignedWorkerType = tmpl.WorkerType
	}
	e.AppendTurn(model.RoleUser, e.Instruction, "")
	return e, nil
}

func establishmentInstruction(fw *model.FrameworkBinding, req model.Requirement) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Establish the %s requirement %q", req.Kind, req.Key)
	if fw.DomainKey != "" {
		fmt.Fprintf(&sb, " for the %q framework", fw.DomainKey)
	}
	sb.WriteString(".")
	if req.Description != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.Description)
	}
	sb.WriteString("\n\nComplete with the material that satisfies the requirement as the result.")
	return sb.String()
}
