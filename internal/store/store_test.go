package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/model"
)

func item(id, tree, parent string, state model.State, created string) *model.WorkItem {
	return &model.WorkItem{ID: id, TreeID: tree, ParentID: parent, State: state, CreatedAt: created}
}

func backends(t *testing.T) map[string]Store {
	ys, err := OpenYAMLStore(t.TempDir(), filepath.Join(t.TempDir(), "state"), zerolog.Nop())
	require.NoError(t, err)
	return map[string]Store{"memory": NewMemoryStore(), "yaml": ys}
}

func TestStore_ItemCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(item("b", "t1", "a", model.StateCreated, "2026-01-01T00:00:02Z")))
			require.NoError(t, s.Put(item("a", "t1", "", model.StateInvoking, "2026-01-01T00:00:01Z")))
			require.NoError(t, s.Put(item("c", "t2", "", model.StateCreated, "2026-01-01T00:00:03Z")))

			got, err := s.Get("a")
			require.NoError(t, err)
			got.State = model.StateFailed
			again, _ := s.Get("a")
			assert.Equal(t, model.StateInvoking, again.State, "returned items must be copies")

			tree, err := s.ListByTree("t1")
			require.NoError(t, err)
			require.Len(t, tree, 2)
			assert.Equal(t, "a", tree[0].ID, "sorted by creation time")

			created, err := s.ListByState(model.StateCreated)
			require.NoError(t, err)
			assert.Len(t, created, 2)

			all, err := s.List()
			require.NoError(t, err)
			assert.Len(t, all, 3)

			// upsert
			require.NoError(t, s.Put(item("a", "t1", "", model.StateCompleted, "2026-01-01T00:00:01Z")))
			got, _ = s.Get("a")
			assert.Equal(t, model.StateCompleted, got.State)
		})
	}
}

func TestStore_Frameworks(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fw := &model.FrameworkBinding{ID: "fw_1", TreeID: "t1", DomainKey: "research"}
			require.NoError(t, s.PutFramework(fw))

			found, err := s.FindFramework("t1", "research")
			require.NoError(t, err)
			assert.Equal(t, "fw_1", found.ID)

			_, err = s.FindFramework("t2", "research")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetFramework("fw_x")
			assert.ErrorIs(t, err, ErrNotFound)

			list, err := s.ListFrameworks("t1")
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestDescendants(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Put(item("root", "t", "", model.StateAwaitingDependencies, "1")))
	require.NoError(t, s.Put(item("c1", "t", "root", model.StateCreated, "2")))
	require.NoError(t, s.Put(item("c2", "t", "root", model.StateCreated, "3")))
	require.NoError(t, s.Put(item("g1", "t", "c1", model.StateCreated, "4")))

	children, err := Children(s, "t", "root")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	desc, err := Descendants(s, "t", "root")
	require.NoError(t, err)
	var ids []string
	for _, d := range desc {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"c1", "c2", "g1"}, ids)
}

func TestYAMLStore_ReopenAndRecover(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "state")
	s, err := OpenYAMLStore(root, dir, zerolog.Nop())
	require.NoError(t, err)

	it := item("item_1", "t1", "", model.StateCreated, "1")
	require.NoError(t, s.Put(it))
	it.State = model.StateFrameworkPending
	require.NoError(t, s.Put(it))
	require.NoError(t, s.PutFramework(&model.FrameworkBinding{ID: "fw_1", TreeID: "t1", DomainKey: "d"}))

	// Corrupt the live record; the backup holds the previous version.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "items", "item_1.yaml"), []byte("{{{"), 0644))

	reopened, err := OpenYAMLStore(root, dir, zerolog.Nop())
	require.NoError(t, err)
	got, err := reopened.Get("item_1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCreated, got.State)
	_, err = reopened.FindFramework("t1", "d")
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
