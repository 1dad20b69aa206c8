// Package invocation decides when an item may call its worker and performs
// the call. The worker call is the only place the runtime suspends.
package invocation

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/msageha/taskweave/internal/metrics"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/worker"
)

// DenialReason explains a denied slot request.
type DenialReason string

const (
	DenyConcurrency DenialReason = "concurrency"
	DenyLivelock    DenialReason = "livelock"
	DenyStepping    DenialReason = "stepping"
	DenyHeld        DenialReason = "held"
)

// Decision is Granted or Denied(reason).
type Decision struct {
	Granted bool
	Reason  DenialReason
}

func (d Decision) String() string {
	if d.Granted {
		return "granted"
	}
	return "denied(" + string(d.Reason) + ")"
}

// LivelockGuard reports whether one more invocation would pass the
// consecutive invocation ceiling.
type LivelockGuard interface {
	Exceeded(item *model.WorkItem) bool
}

// Waiter is an item denied for concurrency, waiting for a slot.
type Waiter struct {
	ItemID     string    `json:"item_id"`
	TreeID     string    `json:"tree_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Options configures a Manager.
type Options struct {
	MaxConcurrent    int
	PriorityAgingSec int
	Retry            model.TransportRetryConfig
}

// Manager owns the global invocation ceiling. A slot released while items
// wait is handed to the waiter with the best effective priority, which is
// told through the onAvailable callback and must then request again.
type Manager struct {
	sem      *semaphore.Weighted
	stepping *Stepping
	guard    LivelockGuard
	registry *worker.Registry
	opts     Options
	metrics  *metrics.Collector
	logger   zerolog.Logger

	mu          sync.Mutex
	waiters     []Waiter
	reserved    map[string]bool
	onAvailable func(Waiter)

	wg  sync.WaitGroup
	now func() time.Time
}

// NewManager creates a Manager. guard may be nil.
func NewManager(opts Options, registry *worker.Registry, stepping *Stepping, guard LivelockGuard, m *metrics.Collector, logger zerolog.Logger) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	if stepping == nil {
		stepping = NewStepping()
	}
	return &Manager{
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		stepping:    stepping,
		guard:       guard,
		registry:    registry,
		opts:        opts,
		metrics:     m,
		logger:      logger.With().Str("component", "invocation").Logger(),
		reserved:    make(map[string]bool),
		onAvailable: func(Waiter) {},
		now:         time.Now,
	}
}

// OnAvailable sets the callback told about a slot reserved for a waiter.
// It is called without internal locks held.
func (m *Manager) OnAvailable(fn func(Waiter)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAvailable = fn
}

func (m *Manager) Stepping() *Stepping { return m.stepping }

// RequestSlot decides whether item may be invoked now. A Granted decision
// holds one slot that must be returned through Release, either by Invoke or
// by the caller when it does not invoke after all. A pending step grant for
// the item is consumed.
func (m *Manager) RequestSlot(item *model.WorkItem) Decision {
	var handoff *Waiter
	d := m.decide(item, &handoff)
	if handoff != nil {
		m.notify(*handoff)
	}
	if !d.Granted {
		if d.Reason == DenyLivelock {
			// A step spent on a livelocked item does not carry over to the
			// next dispatch.
			m.stepping.consume(item.ID)
		}
		m.metrics.RecordSlotDenied(string(d.Reason))
		m.logger.Debug().Str("item", item.ID).Str("decision", d.String()).Msg("slot_denied")
		return d
	}
	m.stepping.consume(item.ID)
	m.logger.Debug().Str("item", item.ID).Msg("slot_granted")
	return d
}

func (m *Manager) decide(item *model.WorkItem, handoff **Waiter) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reason DenialReason
	switch {
	case item.State == model.StateManualHold:
		reason = DenyHeld
	case m.stepping.Active(item) && !m.stepping.HasGrant(item.ID):
		reason = DenyStepping
	case m.guard != nil && m.guard.Exceeded(item):
		reason = DenyLivelock
	}

	if reason != "" {
		m.removeWaiterLocked(item.ID)
		if m.reserved[item.ID] {
			delete(m.reserved, item.ID)
			*handoff = m.releaseLocked()
		}
		return Decision{Reason: reason}
	}

	if m.reserved[item.ID] {
		delete(m.reserved, item.ID)
		return Decision{Granted: true}
	}
	if m.sem.TryAcquire(1) {
		m.removeWaiterLocked(item.ID)
		return Decision{Granted: true}
	}
	if !m.isWaitingLocked(item.ID) {
		m.waiters = append(m.waiters, Waiter{
			ItemID:     item.ID,
			TreeID:     item.TreeID,
			Priority:   item.Priority,
			EnqueuedAt: m.now(),
		})
	}
	return Decision{Reason: DenyConcurrency}
}

// Release returns one slot.
func (m *Manager) Release() {
	m.mu.Lock()
	w := m.releaseLocked()
	m.mu.Unlock()
	if w != nil {
		m.notify(*w)
	}
}

// Forfeit withdraws itemID from the waiters, returning a slot reserved for
// it. Called when a waiter left dispatch_ready before it could use a slot.
func (m *Manager) Forfeit(itemID string) {
	m.mu.Lock()
	m.removeWaiterLocked(itemID)
	var w *Waiter
	if m.reserved[itemID] {
		delete(m.reserved, itemID)
		w = m.releaseLocked()
	}
	m.mu.Unlock()
	if w != nil {
		m.notify(*w)
	}
}

// releaseLocked hands the slot to the next waiter, or back to the
// semaphore when nobody waits.
func (m *Manager) releaseLocked() *Waiter {
	if len(m.waiters) == 0 {
		m.sem.Release(1)
		return nil
	}
	m.sortWaitersLocked()
	w := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.reserved[w.ItemID] = true
	return &w
}

func (m *Manager) notify(w Waiter) {
	m.mu.Lock()
	fn := m.onAvailable
	m.mu.Unlock()
	m.logger.Debug().Str("item", w.ItemID).Str("tree", w.TreeID).Msg("slot_reserved")
	fn(w)
}

// Waiting returns the current waiters in grant order.
func (m *Manager) Waiting() []Waiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sortWaitersLocked()
	return append([]Waiter(nil), m.waiters...)
}

// Pending counts waiters plus slots reserved but not yet taken.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters) + len(m.reserved)
}

func (m *Manager) isWaitingLocked(itemID string) bool {
	for _, w := range m.waiters {
		if w.ItemID == itemID {
			return true
		}
	}
	return false
}

func (m *Manager) removeWaiterLocked(itemID string) {
	for i, w := range m.waiters {
		if w.ItemID == itemID {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// sortWaitersLocked orders waiters by effective priority ASC, then enqueue
// time ASC, then id ASC.
func (m *Manager) sortWaitersLocked() {
	now := m.now()
	sort.SliceStable(m.waiters, func(i, j int) bool {
		a, b := m.waiters[i], m.waiters[j]
		pa := EffectivePriority(a.Priority, now.Sub(a.EnqueuedAt), m.opts.PriorityAgingSec)
		pb := EffectivePriority(b.Priority, now.Sub(b.EnqueuedAt), m.opts.PriorityAgingSec)
		if pa != pb {
			return pa < pb
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ItemID < b.ItemID
	})
}

// EffectivePriority computes the aging-adjusted priority. Lower runs first.
// effective_priority = max(0, priority - floor(age_seconds / priority_aging_sec))
func EffectivePriority(priority int, age time.Duration, priorityAgingSec int) int {
	if priorityAgingSec <= 0 {
		return priority
	}
	aging := int(math.Floor(age.Seconds() / float64(priorityAgingSec)))
	result := priority - aging
	if result < 0 {
		return 0
	}
	return result
}

// Wait blocks until every started invocation has reported.
func (m *Manager) Wait() {
	m.wg.Wait()
}
