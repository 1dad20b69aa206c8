package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/model"
)

func newGraph(ids ...string) *Graph {
	g := New()
	for _, id := range ids {
		g.AddItem(id)
	}
	return g
}

func TestAddDependency_UnknownItem(t *testing.T) {
	g := newGraph("a")
	err := g.AddDependency("a", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownItem))
}

func TestAddDependency_DirectCycle(t *testing.T) {
	g := newGraph("a", "b")
	require.NoError(t, g.AddDependency("b", "a"))

	err := g.AddDependency("a", "b")
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "a"}, ce.Path)
	assert.Contains(t, err.Error(), "a -> b -> a")
	assert.True(t, g.AllResolved("a"), "rejected edge must not be inserted")
	assert.Equal(t, []string{"b"}, g.TransitiveDependents("a"))
}

func TestAddDependency_TransitiveCycle(t *testing.T) {
	g := newGraph("a", "b", "c")
	require.NoError(t, g.AddDependency("b", "c"))
	require.NoError(t, g.AddDependency("c", "a"))

	err := g.AddDependency("a", "b")
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "c", "a"}, ce.Path)
}

func TestAddDependency_SelfIsCycle(t *testing.T) {
	g := newGraph("a")
	var ce *CycleError
	require.ErrorAs(t, g.AddDependency("a", "a"), &ce)
}

func TestAddDependency_Idempotent(t *testing.T) {
	g := newGraph("a", "b")
	require.NoError(t, g.AddDependency("a", "b"))
	require.NoError(t, g.AddDependency("a", "b"))
	assert.Equal(t, []string{"a"}, g.OnResolved("b"), "one resolution releases a")
	assert.True(t, g.AllResolved("a"))
}

func TestOnResolved_UnblocksOnlyWhenAllResolved(t *testing.T) {
	g := newGraph("p", "c1", "c2", "c3")
	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, g.AddDependency("p", c))
	}
	assert.False(t, g.AllResolved("p"))

	assert.Empty(t, g.OnResolved("c1"))
	assert.Empty(t, g.OnResolved("c2"))
	assert.False(t, g.AllResolved("p"))
	assert.Equal(t, []string{"p"}, g.OnResolved("c3"))
	assert.True(t, g.AllResolved("p"))

	assert.Nil(t, g.OnResolved("c3"), "second resolution is a no-op")
}

func TestAddDependency_OnResolvedItemNotOutstanding(t *testing.T) {
	g := newGraph("a", "b")
	g.OnResolved("b")
	require.NoError(t, g.AddDependency("a", "b"))
	assert.True(t, g.AllResolved("a"))
}

func TestAddDependency_OntoFailedItem(t *testing.T) {
	g := newGraph("a", "b")
	assert.Nil(t, g.OnFailed("b"))
	require.NoError(t, g.AddDependency("a", "b"))

	assert.False(t, g.AllResolved("a"), "a failed dependency stays outstanding")
	dep, ok := g.FailedDependency("a")
	assert.True(t, ok)
	assert.Equal(t, "b", dep)
}

func TestOnFailed(t *testing.T) {
	g := newGraph("a", "b", "c")
	require.NoError(t, g.AddDependency("b", "a"))
	require.NoError(t, g.AddDependency("c", "b"))

	assert.Equal(t, []string{"b"}, g.OnFailed("a"))
	assert.False(t, g.AllResolved("b"))
	dep, ok := g.FailedDependency("b")
	assert.True(t, ok)
	assert.Equal(t, "a", dep)
	assert.Equal(t, []string{"b", "c"}, g.TransitiveDependents("a"))
	assert.Nil(t, g.OnResolved("a"), "a failed item never resolves")
}

func TestRebuild(t *testing.T) {
	items := []*model.WorkItem{
		{ID: "a", State: model.StateCompleted},
		{ID: "b", State: model.StateInvoking},
		{ID: "p", State: model.StateAwaitingDependencies, DependencyIDs: []string{"a", "b"}},
	}
	g := New()
	require.NoError(t, g.Rebuild(items))
	assert.False(t, g.AllResolved("p"))
	assert.Equal(t, []string{"p"}, g.OnResolved("b"))
}

func TestRebuild_MissingReference(t *testing.T) {
	items := []*model.WorkItem{{ID: "p", DependencyIDs: []string{"ghost"}}}
	err := New().Rebuild(items)
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestOrderSiblings(t *testing.T) {
	order, err := OrderSiblings(3, [][]int{nil, {0}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, order)

	_, err = OrderSiblings(2, [][]int{{1}, {0}})
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "subtasks[0] -> subtasks[1] -> subtasks[0]", FormatPath(ce.Path))

	_, err = OrderSiblings(2, [][]int{{5}})
	assert.Error(t, err)

	order, err = OrderSiblings(0, nil)
	assert.NoError(t, err)
	assert.Nil(t, order)
}
