// Package safety implements the livelock guard and framework-compliance
// drift tracking. It only reads and updates an item's InvocationRecord; the
// orchestrator applies the resulting holds.
package safety

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/msageha/taskweave/internal/metrics"
	"github.com/msageha/taskweave/internal/model"
)

// Trip is a safety verdict that forces an item into manual_hold.
type Trip struct {
	Kind   model.HoldKind
	Reason string
}

// Monitor holds the configured ceilings.
type Monitor struct {
	maxConsecutive int
	maxCorrections int
	metrics        *metrics.Collector
	logger         zerolog.Logger
}

func New(limits model.LimitsConfig, m *metrics.Collector, logger zerolog.Logger) *Monitor {
	return &Monitor{
		maxConsecutive: limits.MaxConsecutiveInvocationsPerTree,
		maxCorrections: limits.MaxCorrections,
		metrics:        m,
		logger:         logger.With().Str("component", "safety").Logger(),
	}
}

// Ceiling returns the consecutive invocation ceiling for item, honouring the
// tree override carried on the item.
func (m *Monitor) Ceiling(item *model.WorkItem) int {
	if item.MaxConsecutiveInvocations > 0 {
		return item.MaxConsecutiveInvocations
	}
	return m.maxConsecutive
}

// Exceeded reports whether one more invocation would pass the ceiling.
func (m *Monitor) Exceeded(item *model.WorkItem) bool {
	ceiling := m.Ceiling(item)
	return ceiling > 0 && item.Invocation.ConsecutiveInvocations >= ceiling
}

// RecordInvocation counts a granted invocation.
func (m *Monitor) RecordInvocation(item *model.WorkItem) {
	now := model.Now()
	item.Invocation.ConsecutiveInvocations++
	item.Invocation.TotalInvocations++
	item.Invocation.LastInvocationAt = &now
}

// Reset clears the consecutive counter. Called when the item waits on
// dependencies or reaches a terminal state.
func (m *Monitor) Reset(item *model.WorkItem) {
	item.Invocation.ConsecutiveInvocations = 0
}

// Livelock marks the item held by the livelock guard.
func (m *Monitor) Livelock(item *model.WorkItem) Trip {
	item.Invocation.ManualHold = true
	t := Trip{
		Kind: model.HoldLivelock,
		Reason: fmt.Sprintf("%s: %d consecutive invocations without dependency wait or terminal result (ceiling %d)",
			model.ErrLivelockThreshold, item.Invocation.ConsecutiveInvocations, m.Ceiling(item)),
	}
	m.trip(item, t)
	return t
}

// RecordCorrection counts a rejected request batch. It returns a drift trip
// when the correction ceiling is reached.
func (m *Monitor) RecordCorrection(item *model.WorkItem) (Trip, bool) {
	item.Invocation.Corrections++
	if m.maxCorrections <= 0 || item.Invocation.Corrections < m.maxCorrections {
		return Trip{}, false
	}
	item.Invocation.ManualHold = true
	t := Trip{
		Kind: model.HoldDrift,
		Reason: fmt.Sprintf("%s: %d consecutive rejected requests (ceiling %d)",
			model.ErrInvalidStructuredRequest, item.Invocation.Corrections, m.maxCorrections),
	}
	m.trip(item, t)
	return t, true
}

// ClearCorrections resets drift tracking after a request batch was accepted.
func (m *Monitor) ClearCorrections(item *model.WorkItem) {
	item.Invocation.Corrections = 0
}

// Release clears safety state on operator resume.
func (m *Monitor) Release(item *model.WorkItem) {
	item.Invocation.ManualHold = false
	item.Invocation.ConsecutiveInvocations = 0
	item.Invocation.Corrections = 0
}

// ClearHold drops the safety hold flag but keeps the counters. Used when a
// step or the end of stepping lets the item dispatch again.
func (m *Monitor) ClearHold(item *model.WorkItem) {
	item.Invocation.ManualHold = false
}

// IsSafetyHold reports whether kind was forced by this monitor.
func IsSafetyHold(kind model.HoldKind) bool {
	switch kind {
	case model.HoldLivelock, model.HoldDrift, model.HoldRetryLimit:
		return true
	}
	return false
}

func (m *Monitor) trip(item *model.WorkItem, t Trip) {
	m.metrics.RecordSafetyTrip(string(t.Kind))
	m.logger.Warn().Str("item", item.ID).Str("tree", item.TreeID).
		Str("kind", string(t.Kind)).Str("reason", t.Reason).Msg("safety_trip")
}
