package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// OrderSiblings validates the sibling ordering of n new items, where
// after[i] lists the sibling indexes item i must wait for, and returns a
// topological order. Uses Kahn's algorithm; on a cycle a DFS reports the
// cycle path.
func OrderSiblings(n int, after [][]int) ([]int, error) {
	if n == 0 {
		return nil, nil
	}
	for i := 0; i < n && i < len(after); i++ {
		for _, dep := range after[i] {
			if dep < 0 || dep >= n {
				return nil, fmt.Errorf("subtasks[%d].after: index %d out of range", i, dep)
			}
			if dep == i {
				return nil, &CycleError{Path: []string{label(i), label(i)}}
			}
		}
	}

	inDegree := make([]int, n)
	forward := make([][]int, n)
	for i := 0; i < n && i < len(after); i++ {
		for _, dep := range after[i] {
			inDegree[i]++
			forward[dep] = append(forward[dep], i)
		}
	}

	var queue []int
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	var sorted []int
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, next := range forward[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(sorted) == n {
		return sorted, nil
	}
	return nil, &CycleError{Path: siblingCycle(n, after, inDegree)}
}

func siblingCycle(n int, after [][]int, inDegree []int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, n)
	parent := make([]int, n)
	var cycle []string

	var dfs func(node int) bool
	dfs = func(node int) bool {
		color[node] = gray
		if node < len(after) {
			for _, dep := range after[node] {
				if color[dep] == gray {
					path := []int{dep}
					for cur := node; cur != dep; cur = parent[cur] {
						path = append(path, cur)
					}
					path = append(path, dep)
					for i := len(path) - 1; i >= 0; i-- {
						cycle = append(cycle, label(path[i]))
					}
					return true
				}
				if color[dep] == white {
					parent[dep] = node
					if dfs(dep) {
						return true
					}
				}
			}
		}
		color[node] = black
		return false
	}

	for i := 0; i < n; i++ {
		if inDegree[i] > 0 && color[i] == white && dfs(i) {
			return cycle
		}
	}
	return []string{"(cycle detected)"}
}

func label(i int) string {
	return "subtasks[" + strconv.Itoa(i) + "]"
}

// FormatPath renders a cycle path for operator output.
func FormatPath(path []string) string {
	return strings.Join(path, " -> ")
}
