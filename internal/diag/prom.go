package diag

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink exposes events as Prometheus metrics. It implements both Sink
// and prometheus.Collector.
type PromSink struct {
	commits   *prometheus.CounterVec
	dirtyAll  *prometheus.CounterVec
	patches   prometheus.Histogram
	selectors *prometheus.CounterVec
	tasks     *prometheus.CounterVec
	faults    *prometheus.CounterVec
}

// NewPromSink creates the collectors under namespace (default "statekit").
func NewPromSink(namespace string) *PromSink {
	if namespace == "" {
		namespace = "statekit"
	}
	return &PromSink{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Committed transactions by module and origin kind.",
		}, []string{"module", "origin"}),
		dirtyAll: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dirty_all_total",
			Help:      "Commits that degraded to dirtyAll, by reason.",
		}, []string{"module", "reason"}),
		patches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_patches",
			Help:      "Patches recorded per committed transaction.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
		selectors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selector_evaluations_total",
			Help:      "Selector evaluations by outcome.",
		}, []string{"module", "changed"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task lifecycle transitions by runner and phase.",
		}, []string{"module", "runner", "phase"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Misuse, fault and trait error reports by kind.",
		}, []string{"module", "kind"}),
	}
}

// Describe implements prometheus.Collector.
func (p *PromSink) Describe(ch chan<- *prometheus.Desc) {
	p.commits.Describe(ch)
	p.dirtyAll.Describe(ch)
	p.patches.Describe(ch)
	p.selectors.Describe(ch)
	p.tasks.Describe(ch)
	p.faults.Describe(ch)
}

// Collect implements prometheus.Collector.
func (p *PromSink) Collect(ch chan<- prometheus.Metric) {
	p.commits.Collect(ch)
	p.dirtyAll.Collect(ch)
	p.patches.Collect(ch)
	p.selectors.Collect(ch)
	p.tasks.Collect(ch)
	p.faults.Collect(ch)
}

// Emit implements Sink.
func (p *PromSink) Emit(e Event) {
	switch e.Kind {
	case KindCommit:
		c := e.Commit
		p.commits.WithLabelValues(e.Module, string(c.Origin.Kind)).Inc()
		if c.Dirty.DirtyAll {
			p.dirtyAll.WithLabelValues(e.Module, string(c.Dirty.Reason)).Inc()
		}
		p.patches.Observe(float64(c.PatchCount))
	case KindSelectorEval:
		changed := "false"
		if e.Selector.Changed {
			changed = "true"
		}
		p.selectors.WithLabelValues(e.Module, changed).Inc()
	case KindTask:
		p.tasks.WithLabelValues(e.Module, e.Task.Runner, string(e.Task.Phase)).Inc()
	default:
		p.faults.WithLabelValues(e.Module, string(e.Kind)).Inc()
	}
}
