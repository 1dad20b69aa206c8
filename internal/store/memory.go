package store

import (
	"fmt"
	"sort"

	"github.com/alphadose/haxmap"

	"github.com/msageha/taskweave/internal/model"
)

// MemoryStore keeps every record in lock-free maps.
type MemoryStore struct {
	items      *haxmap.Map[string, *model.WorkItem]
	frameworks *haxmap.Map[string, *model.FrameworkBinding]
	fwIndex    *haxmap.Map[string, string]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:      haxmap.New[string, *model.WorkItem](),
		frameworks: haxmap.New[string, *model.FrameworkBinding](),
		fwIndex:    haxmap.New[string, string](),
	}
}

func (s *MemoryStore) Get(id string) (*model.WorkItem, error) {
	it, ok := s.items.Get(id)
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return it.Clone(), nil
}

func (s *MemoryStore) Put(item *model.WorkItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("put item: missing id")
	}
	s.items.Set(item.ID, item.Clone())
	return nil
}

func (s *MemoryStore) List() ([]*model.WorkItem, error) {
	return s.filter(func(*model.WorkItem) bool { return true }), nil
}

func (s *MemoryStore) ListByTree(treeID string) ([]*model.WorkItem, error) {
	return s.filter(func(it *model.WorkItem) bool { return it.TreeID == treeID }), nil
}

func (s *MemoryStore) ListByState(state model.State) ([]*model.WorkItem, error) {
	return s.filter(func(it *model.WorkItem) bool { return it.State == state }), nil
}

func (s *MemoryStore) filter(keep func(*model.WorkItem) bool) []*model.WorkItem {
	var out []*model.WorkItem
	s.items.ForEach(func(_ string, it *model.WorkItem) bool {
		if keep(it) {
			out = append(out, it.Clone())
		}
		return true
	})
	sortItems(out)
	return out
}

func (s *MemoryStore) GetFramework(id string) (*model.FrameworkBinding, error) {
	fw, ok := s.frameworks.Get(id)
	if !ok {
		return nil, fmt.Errorf("framework %s: %w", id, ErrNotFound)
	}
	return fw.Clone(), nil
}

func (s *MemoryStore) PutFramework(fw *model.FrameworkBinding) error {
	if fw == nil || fw.ID == "" {
		return fmt.Errorf("put framework: missing id")
	}
	s.frameworks.Set(fw.ID, fw.Clone())
	s.fwIndex.Set(frameworkKey(fw.TreeID, fw.DomainKey), fw.ID)
	return nil
}

func (s *MemoryStore) FindFramework(treeID, domainKey string) (*model.FrameworkBinding, error) {
	id, ok := s.fwIndex.Get(frameworkKey(treeID, domainKey))
	if !ok {
		return nil, fmt.Errorf("framework %s/%s: %w", treeID, domainKey, ErrNotFound)
	}
	return s.GetFramework(id)
}

func (s *MemoryStore) ListFrameworks(treeID string) ([]*model.FrameworkBinding, error) {
	var out []*model.FrameworkBinding
	s.frameworks.ForEach(func(_ string, fw *model.FrameworkBinding) bool {
		if treeID == "" || fw.TreeID == treeID {
			out = append(out, fw.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
