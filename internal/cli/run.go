package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/statekit/internal/compiler"
	"github.com/roach88/statekit/internal/diag"
	"github.com/roach88/statekit/internal/engine"
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/journal"
	"github.com/roach88/statekit/internal/task"
	"github.com/roach88/statekit/internal/txn"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Module          string
	Journal         string   // sqlite journal path; empty disables journaling
	Steps           []string // "dispatch:<action>[=<json>]" or "trigger:<task>[=<json>]"
	Instrumentation string   // "light" | "full"
	Metrics         string   // listen address for /metrics; keeps the module running

	// IDGenerator overrides the transaction id generator (for testing).
	// If nil, defaults to UUIDv7.
	IDGenerator txn.IDGenerator

	// ready, when set, receives the metrics listener address once serving.
	ready chan<- string
}

// RunStep is one parsed --step flag.
type RunStep struct {
	Kind    string // "dispatch" | "trigger"
	Target  string
	Payload ir.IRValue
}

// RunResult is the outcome of a run.
type RunResult struct {
	Module  string                `json:"module"`
	Seq     int64                 `json:"seq"`
	Commits []RunCommit           `json:"commits"`
	State   ir.IRObject           `json:"state"`
	Tasks   map[string]task.Stats `json:"tasks"`
}

// RunCommit summarizes one commit made during the run.
type RunCommit struct {
	Seq    int64  `json:"seq"`
	TxnID  string `json:"txn_id"`
	Origin string `json:"origin"`
	Dirty  string `json:"dirty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <specs>",
		Short: "Mount a module and drive it",
		Long: `Mount a module from its CUE definition, execute steps in order and print
the commits and final state.

Steps are "dispatch:<action>[=<json payload>]" or
"trigger:<task>[=<json payload>]". Tasks have no effects here: a trigger
succeeds with its payload as result.

With --metrics the module stays mounted after the steps and serves
Prometheus metrics until interrupted.

Examples:
  statekit run ./specs --step dispatch:increment --step 'dispatch:add=5'
  statekit run ./specs --module Counter --journal ./counter.db --step 'trigger:load="a"'
  statekit run ./specs --metrics :9090`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModule(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Module, "module", "", "module to run (required when specs define several)")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite commit journal")
	cmd.Flags().StringArrayVar(&opts.Steps, "step", nil, "step to execute (repeatable, in order)")
	cmd.Flags().StringVar(&opts.Instrumentation, "instrumentation", "light", "journal instrumentation (light|full)")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "serve Prometheus metrics on this address and keep running")

	return cmd
}

// ParseStep parses a --step value.
func ParseStep(s string) (RunStep, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || (kind != "dispatch" && kind != "trigger") {
		return RunStep{}, fmt.Errorf("step %q: want dispatch:<action> or trigger:<task>", s)
	}
	target, raw, hasPayload := strings.Cut(rest, "=")
	if target == "" {
		return RunStep{}, fmt.Errorf("step %q: missing name", s)
	}
	step := RunStep{Kind: kind, Target: target, Payload: ir.IRNull{}}
	if hasPayload {
		v, err := ir.UnmarshalIRValue([]byte(raw))
		if err != nil {
			return RunStep{}, fmt.Errorf("step %q: payload: %w", s, err)
		}
		step.Payload = v
	}
	return step, nil
}

func runModule(opts *RunOptions, specsPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := opts.logger()

	steps := make([]RunStep, len(opts.Steps))
	for i, s := range opts.Steps {
		step, err := ParseStep(s)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid step", err)
		}
		steps[i] = step
	}

	level := txn.InstrumentLight
	switch opts.Instrumentation {
	case "light", "":
	case "full":
		level = txn.InstrumentFull
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid instrumentation %q: must be light or full", opts.Instrumentation))
	}

	spec, err := loadModule(specsPath, opts.Module)
	if err != nil {
		return err
	}
	prog, err := compiler.Build(spec)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to build module", err)
	}

	recorder := diag.NewRecorder()
	sinks := []diag.Sink{recorder, diag.NewLogSink(logger)}

	if opts.Journal != "" {
		st, err := journal.Open(opts.Journal, journal.WithLogger(logger))
		if err != nil {
			_ = formatter.Error(ErrCodeJournal, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing journal", "error", closeErr)
			}
		}()
		sinks = append(sinks, st)
	}

	var registry *prometheus.Registry
	if opts.Metrics != "" {
		var metricSinks []diag.Sink
		registry, metricSinks, err = metricsSinks()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to register metrics", err)
		}
		sinks = append(sinks, metricSinks...)
	}

	ids := opts.IDGenerator
	if ids == nil {
		ids = txn.UUIDv7Generator{}
	}

	ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m, runners, err := prog.Instantiate(nil,
		engine.WithLogger(logger),
		engine.WithSinks(sinks...),
		engine.WithInstrumentation(level),
		engine.WithIDGenerator(ids),
	)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to instantiate module", err)
	}
	defer m.Destroy()

	logger.Info("mounting module", "module", m.Name())
	if err := m.Mount(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to mount module", err)
	}
	if err := m.Flush(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to settle module", err)
	}

	for _, step := range steps {
		logger.Debug("executing step", "kind", step.Kind, "target", step.Target)
		switch step.Kind {
		case "dispatch":
			if _, err := m.Dispatch(ctx, step.Target, step.Payload); err != nil {
				_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
				return WrapExitError(ExitFailure, fmt.Sprintf("dispatch %s failed", step.Target), err)
			}
		case "trigger":
			r, ok := runners[step.Target]
			if !ok {
				_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("task %q is not declared", step.Target), nil)
				return NewExitError(ExitFailure, fmt.Sprintf("trigger %s failed", step.Target))
			}
			if !r.Trigger(ctx, step.Payload) {
				return NewExitError(ExitFailure, fmt.Sprintf("trigger %s refused", step.Target))
			}
		}
		if err := m.Flush(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to settle module", err)
		}
	}

	result := RunResult{
		Module:  m.Name(),
		Seq:     m.Seq(),
		Commits: []RunCommit{},
		State:   m.State(),
		Tasks:   m.TaskStats(),
	}
	for _, c := range recorder.Commits() {
		origin := c.Origin.Label()
		if phase := c.Origin.Detail("phase"); phase != "" {
			origin += "/" + phase
		}
		result.Commits = append(result.Commits, RunCommit{Seq: c.TxnSeq, TxnID: c.TxnID, Origin: origin, Dirty: c.Dirty.String()})
	}

	if err := outputRun(formatter, result); err != nil {
		return err
	}

	if registry != nil {
		return serveMetrics(ctx, opts, registry, logger)
	}
	return nil
}

// metricsSinks builds the sinks attached under --metrics: a Prometheus sink
// registered on a fresh registry, and the OpenTelemetry sink recording on
// the global meter provider.
func metricsSinks() (*prometheus.Registry, []diag.Sink, error) {
	prom := diag.NewPromSink("statekit")
	registry := prometheus.NewRegistry()
	if err := registry.Register(prom); err != nil {
		return nil, nil, err
	}
	otelSink, err := diag.NewMetricsSink()
	if err != nil {
		return nil, nil, err
	}
	return registry, []diag.Sink{prom, otelSink}, nil
}

func serveMetrics(ctx context.Context, opts *RunOptions, registry *prometheus.Registry, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", opts.Metrics)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	if opts.ready != nil {
		opts.ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "metrics server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "metrics server shutdown failed", err)
	}
	logger.Info("module stopped")
	return nil
}

func outputRun(formatter *OutputFormatter, result RunResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	formatter.Pass("%s mounted", result.Module)
	for _, c := range result.Commits {
		fmt.Fprintf(formatter.Writer, "  [%d] %-28s dirty=%s\n", c.Seq, c.Origin, c.Dirty)
	}
	state, err := ir.MarshalCanonical(result.State)
	if err != nil {
		return err
	}
	fmt.Fprintf(formatter.Writer, "seq %d state %s\n", result.Seq, state)
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
