// Package metrics instruments reconciliation and apply runs. A nil *Recorder
// is valid and records nothing.
package metrics

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Napageneral/iatimport/internal/records"
)

const namespace = "iatimport"

// Outcomes of one applied item.
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeMatched = "matched"
	OutcomeSkipped = "skipped"
	OutcomeRemoved = "removed"
	OutcomeFailed  = "failed"
)

// Recorder collects counters on its own registry, plus lightweight
// aggregates for the JSON snapshot the CLI prints.
type Recorder struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	items         *prometheus.CounterVec
	retries       *prometheus.CounterVec
	groupFailures *prometheus.CounterVec
	groupDuration *prometheus.HistogramVec
	reconcileTime prometheus.Histogram

	mu             sync.Mutex
	groups         int
	failedGroups   int
	groupTotal     time.Duration
	reconcileRuns  int
	reconcileTotal time.Duration
	outcomes       map[string]int
}

// NewRecorder registers every collector on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Reconciliation decisions by kind and action.",
		}, []string{"kind", "action"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_items_total",
			Help:      "Applied items by kind and outcome.",
		}, []string{"kind", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uniqueness_retries_total",
			Help:      "Creates that hit a uniqueness violation and were re-resolved.",
		}, []string{"kind", "result"}),
		groupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_failures_total",
			Help:      "Kind groups rolled back.",
		}, []string{"kind"}),
		groupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "group_apply_seconds",
			Help:      "Time spent applying one kind group.",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.05,
				0.1, 0.5, 1, 5, 10,
			},
		}, []string{"kind", "result"}),
		reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_seconds",
			Help:      "Time spent building one reconciliation plan.",
			Buckets:   prometheus.DefBuckets,
		}),
		outcomes: make(map[string]int),
	}
	r.registry.MustRegister(r.decisions, r.items, r.retries, r.groupFailures, r.groupDuration, r.reconcileTime)
	return r
}

// Registry exposes the underlying registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RecordDecision counts one plan decision.
func (r *Recorder) RecordDecision(kind records.Kind, action string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(string(kind), action).Inc()
}

// RecordReconcile observes the duration of one plan build.
func (r *Recorder) RecordReconcile(d time.Duration) {
	if r == nil {
		return
	}
	r.reconcileTime.Observe(d.Seconds())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcileRuns++
	r.reconcileTotal += d
}

// RecordItem counts one applied item.
func (r *Recorder) RecordItem(kind records.Kind, outcome string) {
	if r == nil {
		return
	}
	r.items.WithLabelValues(string(kind), outcome).Inc()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

// RecordRetry counts a uniqueness race; adopted reports whether
// re-resolution found the winner.
func (r *Recorder) RecordRetry(kind records.Kind, adopted bool) {
	if r == nil {
		return
	}
	result := "adopted"
	if !adopted {
		result = "unresolved"
	}
	r.retries.WithLabelValues(string(kind), result).Inc()
}

// RecordGroup observes one group transaction.
func (r *Recorder) RecordGroup(kind records.Kind, d time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		r.groupFailures.WithLabelValues(string(kind)).Inc()
	}
	r.groupDuration.WithLabelValues(string(kind), result).Observe(d.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups++
	r.groupTotal += d
	if err != nil {
		r.failedGroups++
	}
}

// Snapshot returns a JSON-serializable view of the aggregates.
func (r *Recorder) Snapshot() map[string]any {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	div := func(d time.Duration, n int) float64 {
		if n <= 0 {
			return 0
		}
		return float64(d.Milliseconds()) / float64(n)
	}
	outcomes := make(map[string]int, len(r.outcomes))
	for k, v := range r.outcomes {
		outcomes[k] = v
	}
	return map[string]any{
		"reconcile": map[string]any{
			"runs":   r.reconcileRuns,
			"avg_ms": div(r.reconcileTotal, r.reconcileRuns),
		},
		"apply": map[string]any{
			"groups":        r.groups,
			"failed_groups": r.failedGroups,
			"avg_group_ms":  div(r.groupTotal, r.groups),
			"items":         outcomes,
		},
	}
}

// SnapshotJSON returns Snapshot encoded as JSON.
func (r *Recorder) SnapshotJSON() json.RawMessage {
	if r == nil {
		return json.RawMessage("null")
	}
	b, _ := json.Marshal(r.Snapshot())
	return b
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return errors.Wrap(err, "write metrics textfile")
	}
	return nil
}
