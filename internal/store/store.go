// Package store holds the Work Item Store and the Framework Registry. Both
// are plain keyed upserts; the orchestrator's per-tree single writer makes
// multi-item transactions unnecessary.
package store

import (
	"errors"
	"sort"

	"github.com/msageha/taskweave/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store is injected into every component that reads or persists items.
// Implementations return copies: mutating a returned value never changes
// stored state until it is Put back.
type Store interface {
	Get(id string) (*model.WorkItem, error)
	Put(item *model.WorkItem) error
	List() ([]*model.WorkItem, error)
	ListByTree(treeID string) ([]*model.WorkItem, error)
	ListByState(state model.State) ([]*model.WorkItem, error)

	GetFramework(id string) (*model.FrameworkBinding, error)
	PutFramework(fw *model.FrameworkBinding) error
	FindFramework(treeID, domainKey string) (*model.FrameworkBinding, error)
	ListFrameworks(treeID string) ([]*model.FrameworkBinding, error)
}

func sortItems(items []*model.WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt < items[j].CreatedAt
		}
		return items[i].ID < items[j].ID
	})
}

func frameworkKey(treeID, domainKey string) string {
	return treeID + "|" + domainKey
}

// Children returns the items whose parent is id.
func Children(s Store, treeID, id string) ([]*model.WorkItem, error) {
	items, err := s.ListByTree(treeID)
	if err != nil {
		return nil, err
	}
	var out []*model.WorkItem
	for _, it := range items {
		if it.ParentID == id {
			out = append(out, it)
		}
	}
	return out, nil
}

// Descendants returns every item below id in the parent hierarchy, BFS order.
func Descendants(s Store, treeID, id string) ([]*model.WorkItem, error) {
	items, err := s.ListByTree(treeID)
	if err != nil {
		return nil, err
	}
	byParent := make(map[string][]*model.WorkItem)
	for _, it := range items {
		byParent[it.ParentID] = append(byParent[it.ParentID], it)
	}
	var out []*model.WorkItem
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range byParent[cur] {
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}
	return out, nil
}
