package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/statekit/internal/compiler"
	"github.com/roach88/statekit/internal/ir"
)

// ManifestOptions holds flags for the manifest command.
type ManifestOptions struct {
	*RootOptions
	Module string // only this module
	Output string // directory for <module>.manifest.json files
}

// ManifestSummary is one written manifest.
type ManifestSummary struct {
	Module string `json:"module"`
	Digest string `json:"digest"`
	Path   string `json:"path,omitempty"`
}

// NewManifestCommand creates the manifest command.
func NewManifestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ManifestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "manifest <specs>",
		Short: "Export module manifests",
		Long: `Build the manifest of each module: its fields, actions, compiled trait
plan, selectors and tasks, keyed by a content digest. Manifests are
independent of declaration order.

Without --output the manifests are printed; with --output each is
written to <dir>/<Module>.manifest.json.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output directory")
	cmd.Flags().StringVar(&opts.Module, "module", "", "only export this module")

	return cmd
}

func runManifest(opts *ManifestOptions, specsPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	res, loadErrors := LoadSpecs(specsPath)
	if len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
		}
		return WrapExitError(ExitCommandError, "failed to load specs", errors.Join(loadErrors...))
	}

	specs := make([]*ir.ModuleSpec, 0, len(res.Modules))
	if opts.Module != "" {
		spec, err := SelectModule(res, opts.Module)
		if err != nil {
			_ = formatter.Error(ErrCodeNoModule, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to select module", err)
		}
		specs = append(specs, spec)
	} else {
		for i := range res.Modules {
			specs = append(specs, &res.Modules[i])
		}
	}

	var manifests []ir.Manifest
	for _, spec := range specs {
		if verrs := compiler.Validate(spec); len(verrs) > 0 {
			_ = formatter.Error(verrs[0].Code, fmt.Sprintf("%s: %s", spec.Name, verrs[0].Error()), verrs)
			return NewExitError(ExitFailure, fmt.Sprintf("module %s is invalid", spec.Name))
		}
		m, err := compiler.BuildManifest(spec)
		if err != nil {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to build manifest for %s", spec.Name), err)
		}
		formatter.VerboseLog("Built manifest for %s (%s)", m.Module, m.Digest)
		manifests = append(manifests, m)
	}

	if opts.Output == "" {
		if opts.Format == "json" {
			return formatter.Success(manifests)
		}
		for _, m := range manifests {
			data, err := compiler.MarshalManifest(m)
			if err != nil {
				return err
			}
			if _, err := formatter.Writer.Write(data); err != nil {
				return err
			}
		}
		return nil
	}

	if err := os.MkdirAll(opts.Output, 0755); err != nil {
		_ = formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to create output directory", err)
	}
	summaries := make([]ManifestSummary, 0, len(manifests))
	for _, m := range manifests {
		data, err := compiler.MarshalManifest(m)
		if err != nil {
			return err
		}
		path := filepath.Join(opts.Output, m.Module+".manifest.json")
		if err := os.WriteFile(path, data, 0644); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to write manifest", err)
		}
		summaries = append(summaries, ManifestSummary{Module: m.Module, Digest: m.Digest, Path: path})
	}

	if opts.Format == "json" {
		return formatter.Success(summaries)
	}
	for _, s := range summaries {
		formatter.Pass("%s %s → %s", s.Module, s.Digest, s.Path)
	}
	return nil
}
