// Package metrics exposes runtime counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/taskweave/internal/model"
)

// Collector groups every taskweave metric. All methods are safe on a nil
// receiver so components can run without metrics.
type Collector struct {
	submitted      prometheus.Counter
	transitions    *prometheus.CounterVec
	invocations    *prometheus.CounterVec
	invocationTime prometheus.Histogram
	inFlight       prometheus.Gauge
	holds          *prometheus.CounterVec
	safetyTrips    *prometheus.CounterVec
	slotDenials    *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	itemsByState   *prometheus.GaugeVec
	recoveryTime   prometheus.Gauge
	commands       *prometheus.CounterVec
	commandTime    prometheus.Histogram
}

// NewCollector creates the collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskweave_items_submitted_total",
			Help: "Total number of root items submitted",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_transitions_total",
			Help: "State transitions applied, by from and to state",
		}, []string{"from", "to"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_invocations_total",
			Help: "Worker invocations, by worker type and outcome kind",
		}, []string{"worker_type", "outcome"}),
		invocationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskweave_invocation_duration_seconds",
			Help:    "Worker invocation latency including transport retries",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskweave_invocations_in_flight",
			Help: "Current number of in-flight worker invocations",
		}),
		holds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_holds_total",
			Help: "Manual hold entries, by hold kind",
		}, []string{"kind"}),
		safetyTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_safety_trips_total",
			Help: "Safety threshold trips, by reason",
		}, []string{"reason"}),
		slotDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_slot_denials_total",
			Help: "Invocation slot denials, by reason",
		}, []string{"reason"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_notifications_dropped_total",
			Help: "Operator notifications dropped by a full subscriber",
		}, []string{"kind"}),
		itemsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskweave_items",
			Help: "Current number of items, by state",
		}, []string{"state"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskweave_recovery_seconds",
			Help: "Time taken to replay the store on the last start",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_operator_commands_total",
			Help: "Operator socket commands, by command and result code",
		}, []string{"command", "code"}),
		commandTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskweave_operator_command_duration_seconds",
			Help:    "Operator socket command latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		c.submitted, c.transitions, c.invocations, c.invocationTime, c.inFlight,
		c.holds, c.safetyTrips, c.slotDenials, c.dropped, c.itemsByState, c.recoveryTime,
		c.commands, c.commandTime,
	)
	return c
}

func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.submitted.Inc()
}

func (c *Collector) RecordTransition(from, to model.State) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// InvocationStarted increments the in-flight gauge.
func (c *Collector) InvocationStarted() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

// InvocationFinished records the outcome and latency of one invocation.
func (c *Collector) InvocationFinished(workerType string, outcome model.OutcomeKind, d time.Duration) {
	if c == nil {
		return
	}
	c.inFlight.Dec()
	c.invocations.WithLabelValues(workerType, string(outcome)).Inc()
	c.invocationTime.Observe(d.Seconds())
}

func (c *Collector) RecordHold(kind model.HoldKind) {
	if c == nil {
		return
	}
	c.holds.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) RecordSafetyTrip(reason string) {
	if c == nil {
		return
	}
	c.safetyTrips.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordSlotDenied(reason string) {
	if c == nil {
		return
	}
	c.slotDenials.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordDropped(kind string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(kind).Inc()
}

// SetStateCounts replaces the per-state item gauges.
func (c *Collector) SetStateCounts(counts map[model.State]int) {
	if c == nil {
		return
	}
	for _, s := range model.AllStates {
		c.itemsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// RecordCommand counts one answered operator command; code is empty on
// success.
func (c *Collector) RecordCommand(command, code string, d time.Duration) {
	if c == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	c.commands.WithLabelValues(command, code).Inc()
	c.commandTime.Observe(d.Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
