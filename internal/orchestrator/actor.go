package orchestrator

import (
	"context"
	"sync"
)

// actor serializes the events of one tree. The queue is unbounded so that
// posting never blocks a caller, including another tree's loop. The loop
// exits once the queue drains and retire agrees; a later event for the tree
// starts a new actor.
type actor struct {
	treeID string
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
}

func newActor(treeID string) *actor {
	return &actor{treeID: treeID, wake: make(chan struct{}, 1)}
}

func (a *actor) push(ev Event) {
	a.mu.Lock()
	a.queue = append(a.queue, ev)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *actor) pop() (Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil, false
	}
	ev := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	return ev, true
}

func (a *actor) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *actor) run(ctx context.Context, handle func(Event), retire func(*actor) bool) {
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			ev, ok := a.pop()
			if !ok {
				break
			}
			handle(ev)
		}
		if retire(a) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		}
	}
}
