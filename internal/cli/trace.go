package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Journal string
	Module  string
	Seq     int64  // show the patches of this commit
	Replay  bool   // rebuild state from the journal
	UpTo    int64  // replay only commits with seq <= UpTo
	Specs   string // specs providing the initial state for replay
	Latest  bool   // print the latest journaled snapshot

	// Timeline filters.
	Origin string // "<kind>" or "<kind>:<name>"
	Phase  string
	Since  int64
	Until  int64
}

// TraceEvent is one commit in the trace timeline.
type TraceEvent struct {
	Seq        int64   `json:"seq"`
	TxnID      string  `json:"txn_id"`
	Origin     string  `json:"origin"`
	Dirty      string  `json:"dirty"`
	Patches    int     `json:"patches"`
	Truncated  bool    `json:"patches_truncated,omitempty"`
	DurationMs float64 `json:"duration_ms"`
	Snapshot   bool    `json:"snapshot"`
}

// TracePatch is one recorded patch of a commit.
type TracePatch struct {
	OpSeq  int             `json:"op_seq"`
	Path   string          `json:"path"`
	Reason string          `json:"reason"`
	StepID string          `json:"step_id,omitempty"`
	From   json.RawMessage `json:"from,omitempty"`
	To     json.RawMessage `json:"to,omitempty"`
}

// TraceResult holds the trace output. Only the parts requested by flags
// are set.
type TraceResult struct {
	Module   string          `json:"module"`
	Timeline []TraceEvent    `json:"timeline,omitempty"`
	Seq      int64           `json:"seq,omitempty"`
	Patches  []TracePatch    `json:"patches,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect a commit journal",
		Long: `Inspect the commits a module wrote to its SQLite journal.

By default prints the commit timeline: seq, origin, dirty roots and patch
counts. --seq shows the patches of one commit (values are recorded under
full instrumentation). --replay rebuilds the state by applying journaled
patches and snapshots to the initial state of the module in --specs, and
fails if a commit's patches do not reproduce its snapshot. --latest prints
the newest journaled snapshot.

The timeline can be filtered by origin (--origin task or --origin
reducer:add), task phase and a seq window (--since, --until).

Examples:
  statekit trace --journal ./counter.db
  statekit trace --journal ./counter.db --module Counter --seq 3
  statekit trace --journal ./counter.db --origin task:load --phase failure
  statekit trace --journal ./counter.db --replay --specs ./specs
  statekit trace --journal ./counter.db --replay --up-to 10 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite commit journal (required)")
	_ = cmd.MarkFlagRequired("journal")
	cmd.Flags().StringVar(&opts.Module, "module", "", "module to inspect (required when the journal holds several)")
	cmd.Flags().Int64Var(&opts.Seq, "seq", 0, "show the patches of this commit")
	cmd.Flags().BoolVar(&opts.Replay, "replay", false, "rebuild state from the journal")
	cmd.Flags().Int64Var(&opts.UpTo, "up-to", 0, "replay only up to this seq")
	cmd.Flags().StringVar(&opts.Specs, "specs", "", "specs providing the module's initial state for --replay")
	cmd.Flags().BoolVar(&opts.Latest, "latest", false, "print the latest journaled snapshot")
	cmd.Flags().StringVar(&opts.Origin, "origin", "", "only commits with this origin (kind or kind:name)")
	cmd.Flags().StringVar(&opts.Phase, "phase", "", "only task commits in this phase")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "only commits with seq >= since")
	cmd.Flags().Int64Var(&opts.Until, "until", 0, "only commits with seq <= until")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := commandContext(cmd)

	if _, err := os.Stat(opts.Journal); os.IsNotExist(err) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("journal not found: %s", opts.Journal), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("journal not found: %s", opts.Journal))
	}
	st, err := journal.Open(opts.Journal, journal.WithLogger(opts.logger()))
	if err != nil {
		_ = formatter.Error(ErrCodeJournal, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	module, err := resolveModule(ctx, st, opts.Module)
	if err != nil {
		_ = formatter.Error(ErrCodeNoModule, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to select module", err)
	}
	result := TraceResult{Module: module}

	switch {
	case opts.Replay:
		err = traceReplay(ctx, st, opts, &result)
	case opts.Latest:
		err = traceLatest(ctx, st, &result)
	case opts.Seq > 0:
		err = tracePatches(ctx, st, opts.Seq, &result)
	default:
		err = traceTimeline(ctx, st, timelineQuery(opts, module), &result)
	}
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			_ = formatter.Error(ErrCodeJournal, exitErr.Error(), nil)
			return err
		}
		_ = formatter.Error(ErrCodeJournal, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return outputTraceText(formatter, result)
}

// resolveModule returns name, or the journal's only module.
func resolveModule(ctx context.Context, st *journal.Store, name string) (string, error) {
	modules, err := st.Modules(ctx)
	if err != nil {
		return "", err
	}
	if name != "" {
		for _, m := range modules {
			if m == name {
				return name, nil
			}
		}
		return "", fmt.Errorf("module %q has no commits in the journal", name)
	}
	switch len(modules) {
	case 0:
		return "", errors.New("journal has no commits")
	case 1:
		return modules[0], nil
	default:
		return "", fmt.Errorf("journal holds modules %v; choose one with --module", modules)
	}
}

// timelineQuery builds the journal query for the timeline filters.
func timelineQuery(opts *TraceOptions, module string) journal.Query {
	var preds []journal.Predicate
	if opts.Origin != "" {
		kind, name, _ := strings.Cut(opts.Origin, ":")
		preds = append(preds, journal.OriginIs{Kind: ir.OriginKind(kind), Name: name})
	}
	if opts.Phase != "" {
		preds = append(preds, journal.PhaseIs{Phase: opts.Phase})
	}
	if opts.Since > 0 || opts.Until > 0 {
		preds = append(preds, journal.SeqRange{From: opts.Since, To: opts.Until})
	}
	return journal.Query{Module: module, Where: journal.And{Predicates: preds}}
}

func traceTimeline(ctx context.Context, st *journal.Store, q journal.Query, result *TraceResult) error {
	commits, err := st.QueryCommits(ctx, q)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	result.Timeline = make([]TraceEvent, len(commits))
	for i, c := range commits {
		origin := c.Origin.Label()
		if phase := c.Origin.Detail("phase"); phase != "" {
			origin += "/" + phase
		}
		result.Timeline[i] = TraceEvent{
			Seq:        c.TxnSeq,
			TxnID:      c.TxnID,
			Origin:     origin,
			Dirty:      c.Dirty.String(),
			Patches:    c.PatchCount,
			Truncated:  c.PatchesTruncated,
			DurationMs: c.DurationMs,
			Snapshot:   c.Snapshot != nil,
		}
	}
	return nil
}

func tracePatches(ctx context.Context, st *journal.Store, seq int64, result *TraceResult) error {
	patches, err := st.ReadPatches(ctx, result.Module, seq)
	if err != nil {
		return err
	}
	result.Seq = seq
	result.Patches = make([]TracePatch, len(patches))
	for i, p := range patches {
		tp := TracePatch{OpSeq: p.OpSeq, Path: p.Path, Reason: string(p.Reason), StepID: p.StepID}
		if !p.Resolved {
			tp.Path = fmt.Sprintf("#%d", p.PathID)
		}
		if tp.From, err = rawValue(p.From); err != nil {
			return err
		}
		if tp.To, err = rawValue(p.To); err != nil {
			return err
		}
		result.Patches[i] = tp
	}
	return nil
}

func traceLatest(ctx context.Context, st *journal.Store, result *TraceResult) error {
	state, seq, err := st.LatestSnapshot(ctx, result.Module)
	if errors.Is(err, journal.ErrNoSnapshot) {
		return NewExitError(ExitFailure, "no snapshot journaled (record with full instrumentation)")
	}
	if err != nil {
		return err
	}
	result.Seq = seq
	result.State, err = rawValue(state)
	return err
}

func traceReplay(ctx context.Context, st *journal.Store, opts *TraceOptions, result *TraceResult) error {
	initial := ir.IRObject{}
	if opts.Specs != "" {
		spec, err := loadModule(opts.Specs, result.Module)
		if err != nil {
			return err
		}
		initial = spec.Initial
	}

	state, seq, err := st.Replay(ctx, result.Module, initial, opts.UpTo)
	var div *journal.DivergenceError
	switch {
	case errors.As(err, &div):
		return WrapExitError(ExitFailure, "replay diverged", err)
	case errors.Is(err, journal.ErrNotReplayable):
		return WrapExitError(ExitFailure, "journal cannot be replayed (record with full instrumentation)", err)
	case err != nil:
		return err
	}
	result.Seq = seq
	result.State, err = rawValue(state)
	return err
}

func rawValue(v ir.IRValue) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func outputTraceText(formatter *OutputFormatter, result TraceResult) error {
	w := formatter.Writer
	switch {
	case result.Timeline != nil:
		fmt.Fprintf(w, "Module: %s\n\n", result.Module)
		if len(result.Timeline) == 0 {
			fmt.Fprintln(w, "No commits.")
			return nil
		}
		for _, ev := range result.Timeline {
			fmt.Fprintf(w, "[%d] %-28s dirty=%s patches=%d", ev.Seq, ev.Origin, ev.Dirty, ev.Patches)
			if ev.Truncated {
				fmt.Fprint(w, " (truncated)")
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "\n%d commit(s)\n", len(result.Timeline))
	case result.Patches != nil:
		fmt.Fprintf(w, "Module: %s seq %d\n\n", result.Module, result.Seq)
		if len(result.Patches) == 0 {
			fmt.Fprintln(w, "No patches recorded.")
		}
		for _, p := range result.Patches {
			fmt.Fprintf(w, "  %d %s %s", p.OpSeq, p.Reason, p.Path)
			if p.To != nil {
				fmt.Fprintf(w, " = %s", p.To)
			}
			fmt.Fprintln(w)
		}
	default:
		fmt.Fprintf(w, "Module: %s seq %d\n%s\n", result.Module, result.Seq, result.State)
	}
	return nil
}
