package safety

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/metrics"
	"github.com/msageha/taskweave/internal/model"
)

func TestLivelockCeiling(t *testing.T) {
	m := New(model.LimitsConfig{MaxConsecutiveInvocationsPerTree: 15, MaxCorrections: 3}, nil, zerolog.Nop())
	item := &model.WorkItem{ID: "item_1"}

	for i := 0; i < 15; i++ {
		require.False(t, m.Exceeded(item), "attempt %d", i+1)
		m.RecordInvocation(item)
	}
	assert.True(t, m.Exceeded(item), "16th attempt must trip")
	assert.Equal(t, 15, item.Invocation.ConsecutiveInvocations)
	assert.Equal(t, 15, item.Invocation.TotalInvocations)

	trip := m.Livelock(item)
	assert.Equal(t, model.HoldLivelock, trip.Kind)
	assert.Contains(t, trip.Reason, "ceiling 15")
	assert.True(t, item.Invocation.ManualHold)

	m.Release(item)
	assert.False(t, m.Exceeded(item))
	assert.False(t, item.Invocation.ManualHold)
	assert.Equal(t, 15, item.Invocation.TotalInvocations)
}

func TestCeiling_TreeOverride(t *testing.T) {
	m := New(model.LimitsConfig{MaxConsecutiveInvocationsPerTree: 15}, nil, zerolog.Nop())
	item := &model.WorkItem{MaxConsecutiveInvocations: 2}
	assert.Equal(t, 2, m.Ceiling(item))
	m.RecordInvocation(item)
	m.RecordInvocation(item)
	assert.True(t, m.Exceeded(item))

	m.Reset(item)
	assert.False(t, m.Exceeded(item))
}

func TestRecordCorrection_Drift(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	m := New(model.LimitsConfig{MaxCorrections: 2}, c, zerolog.Nop())
	item := &model.WorkItem{ID: "item_1"}

	_, tripped := m.RecordCorrection(item)
	assert.False(t, tripped)
	trip, tripped := m.RecordCorrection(item)
	require.True(t, tripped)
	assert.Equal(t, model.HoldDrift, trip.Kind)
	assert.True(t, IsSafetyHold(trip.Kind))

	n, err := testutil.GatherAndCount(reg, "taskweave_safety_trips_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m.ClearCorrections(item)
	assert.Zero(t, item.Invocation.Corrections)
}
