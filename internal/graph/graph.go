// Package graph maintains the read-side dependency structure over work
// items: forward edges (what an item waits on), the reverse index (who waits
// on an item) and per-item outstanding counts.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/msageha/taskweave/internal/model"
)

// ErrUnknownItem is returned when an edge references an item the graph has
// never seen.
var ErrUnknownItem = errors.New("unknown item")

// CycleError reports that inserting Item → DependsOn would close a cycle.
// Path starts and ends with Item.
type CycleError struct {
	Item      string
	DependsOn string
	Path      []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

type resolution int

const (
	pending resolution = iota
	resolved
	failed
)

// Graph is safe for concurrent use. Trees run on separate goroutines and
// dependencies may cross trees.
type Graph struct {
	mu          sync.Mutex
	status      map[string]resolution
	deps        map[string]map[string]struct{}
	dependents  map[string]map[string]struct{}
	outstanding map[string]int
}

func New() *Graph {
	return &Graph{
		status:      make(map[string]resolution),
		deps:        make(map[string]map[string]struct{}),
		dependents:  make(map[string]map[string]struct{}),
		outstanding: make(map[string]int),
	}
}

// AddItem registers a node. Registering an existing node is a no-op.
func (g *Graph) AddItem(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addItemLocked(id)
}

func (g *Graph) addItemLocked(id string) {
	if _, ok := g.status[id]; ok {
		return
	}
	g.status[id] = pending
}

// AddDependency records that item waits on dependsOn. Before insertion it
// walks from dependsOn along existing edges; reaching item means the edge
// would close a cycle and nothing is modified. Adding an existing edge is a
// no-op. An edge onto an already resolved item does not count as outstanding.
func (g *Graph) AddDependency(item, dependsOn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.status[item]; !ok {
		return fmt.Errorf("add dependency %s -> %s: %w: %s", item, dependsOn, ErrUnknownItem, item)
	}
	if _, ok := g.status[dependsOn]; !ok {
		return fmt.Errorf("add dependency %s -> %s: %w: %s", item, dependsOn, ErrUnknownItem, dependsOn)
	}
	if item == dependsOn {
		return &CycleError{Item: item, DependsOn: dependsOn, Path: []string{item, item}}
	}
	if _, exists := g.deps[item][dependsOn]; exists {
		return nil
	}
	if path := g.pathLocked(dependsOn, item); path != nil {
		return &CycleError{Item: item, DependsOn: dependsOn, Path: append([]string{item}, path...)}
	}

	if g.deps[item] == nil {
		g.deps[item] = make(map[string]struct{})
	}
	g.deps[item][dependsOn] = struct{}{}
	if g.dependents[dependsOn] == nil {
		g.dependents[dependsOn] = make(map[string]struct{})
	}
	g.dependents[dependsOn][item] = struct{}{}
	if g.status[dependsOn] != resolved {
		g.outstanding[item]++
	}
	return nil
}

// pathLocked returns a dependency path from → … → to, or nil. Iterative DFS
// over forward edges, O(V+E).
func (g *Graph) pathLocked(from, to string) []string {
	parent := map[string]string{from: ""}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			var path []string
			for n := cur; n != ""; n = parent[n] {
				path = append(path, n)
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path
		}
		for _, next := range sortedKeys(g.deps[cur]) {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			stack = append(stack, next)
		}
	}
	return nil
}

// OnResolved marks id as terminal-success and returns the dependents whose
// outstanding count dropped to zero, sorted. Resolving twice returns nil.
func (g *Graph) OnResolved(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.addItemLocked(id)
	if g.status[id] != pending {
		return nil
	}
	g.status[id] = resolved

	var unblocked []string
	for _, dep := range sortedKeys(g.dependents[id]) {
		if g.outstanding[dep] > 0 {
			g.outstanding[dep]--
		}
		if g.outstanding[dep] == 0 && g.status[dep] == pending {
			unblocked = append(unblocked, dep)
		}
	}
	return unblocked
}

// OnFailed marks id as failed and returns its direct dependents that are
// still pending, sorted. Failure never decrements outstanding counts.
func (g *Graph) OnFailed(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.addItemLocked(id)
	if g.status[id] != pending {
		return nil
	}
	g.status[id] = failed

	var affected []string
	for _, dep := range sortedKeys(g.dependents[id]) {
		if g.status[dep] == pending {
			affected = append(affected, dep)
		}
	}
	return affected
}

// AllResolved reports whether every dependency of id has resolved.
func (g *Graph) AllResolved(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding[id] == 0
}

// FailedDependency returns a dependency of id that has failed, if any.
func (g *Graph) FailedDependency(id string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, dep := range sortedKeys(g.deps[id]) {
		if g.status[dep] == failed {
			return dep, true
		}
	}
	return "", false
}

// TransitiveDependents returns every item that directly or indirectly waits
// on id, in BFS order.
func (g *Graph) TransitiveDependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	visited := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range sortedKeys(g.dependents[cur]) {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	return out
}

// Rebuild replaces the graph with the edges recorded in items. Used on
// daemon start; the store's dependency_ids are the source of truth.
func (g *Graph) Rebuild(items []*model.WorkItem) error {
	g.mu.Lock()
	g.status = make(map[string]resolution, len(items))
	g.deps = make(map[string]map[string]struct{})
	g.dependents = make(map[string]map[string]struct{})
	g.outstanding = make(map[string]int)
	for _, it := range items {
		switch it.State {
		case model.StateCompleted:
			g.status[it.ID] = resolved
		case model.StateFailed:
			g.status[it.ID] = failed
		default:
			g.status[it.ID] = pending
		}
	}
	g.mu.Unlock()

	for _, it := range items {
		for _, dep := range it.DependencyIDs {
			if err := g.AddDependency(it.ID, dep); err != nil {
				return fmt.Errorf("rebuild %s: %w", it.ID, err)
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
