package diag

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("statekit.diag")

var (
	commitTotal     metric.Int64Counter
	commitDuration  metric.Float64Histogram
	commitPatches   metric.Int64Histogram
	selectorTotal   metric.Int64Counter
	taskTransitions metric.Int64Counter
	faultTotal      metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		commitTotal, err = meter.Int64Counter(
			"statekit_commits_total",
			metric.WithDescription("Committed transactions by origin kind and dirty mode"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commitDuration, err = meter.Float64Histogram(
			"statekit_commit_duration_ms",
			metric.WithDescription("Time from begin to commit"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commitPatches, err = meter.Int64Histogram(
			"statekit_commit_patches",
			metric.WithDescription("Patches recorded per committed transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		selectorTotal, err = meter.Int64Counter(
			"statekit_selector_evaluations_total",
			metric.WithDescription("Selector evaluations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		taskTransitions, err = meter.Int64Counter(
			"statekit_task_transitions_total",
			metric.WithDescription("Task lifecycle transitions by runner and phase"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		faultTotal, err = meter.Int64Counter(
			"statekit_faults_total",
			metric.WithDescription("Misuse, fault and trait error reports"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// MetricsSink records events as OpenTelemetry metrics on the global meter
// provider.
type MetricsSink struct{}

// NewMetricsSink creates the sink, initializing instruments on first use.
func NewMetricsSink() (*MetricsSink, error) {
	if err := initMetrics(); err != nil {
		return nil, err
	}
	return &MetricsSink{}, nil
}

// Emit implements Sink.
func (MetricsSink) Emit(e Event) {
	if err := initMetrics(); err != nil {
		return
	}
	ctx := context.Background()

	switch e.Kind {
	case KindCommit:
		c := e.Commit
		attrs := metric.WithAttributes(
			attribute.String("module", e.Module),
			attribute.String("origin", string(c.Origin.Kind)),
			attribute.Bool("dirty_all", c.Dirty.DirtyAll),
		)
		commitTotal.Add(ctx, 1, attrs)
		commitDuration.Record(ctx, c.DurationMs, attrs)
		commitPatches.Record(ctx, int64(c.PatchCount), attrs)
	case KindSelectorEval:
		selectorTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("module", e.Module),
			attribute.Bool("changed", e.Selector.Changed),
		))
	case KindTask:
		taskTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("module", e.Module),
			attribute.String("runner", e.Task.Runner),
			attribute.String("phase", string(e.Task.Phase)),
		))
	default:
		faultTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("module", e.Module),
			attribute.String("kind", string(e.Kind)),
		))
	}
}
