package cmd

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/resolver"
)

// summary counts resolution events for the closing status line.
type summary struct {
	resolver.NoopHooks

	placed  atomic.Int32
	fetched atomic.Int32
	cached  atomic.Int32
	skipped atomic.Int32
}

func (s *summary) OnSkip(context.Context, string, config.Dependency, string) { s.skipped.Add(1) }
func (s *summary) OnCacheHit(context.Context, string, string)                { s.cached.Add(1) }
func (s *summary) OnFetch(context.Context, string, string, string)           { s.fetched.Add(1) }
func (s *summary) OnMaterialize(context.Context, resolver.Placement)         { s.placed.Add(1) }

func newUpdateCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Clean the output tree and resolve all dependencies",
		Long: `Removes the output tree, then resolves every dependency in haven.json:
cache first, then the global repositories followed by the package's own,
walking transitive dependencies and placing files under <path>/<scope>/<name>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd, s)
		},
	}
}

func runUpdate(cmd *cobra.Command, s *session) error {
	_, _, desc, err := s.descriptor()
	if err != nil {
		return err
	}
	if err := clean(s.cfg.Path); err != nil {
		return err
	}

	ctx := cmd.Context()
	res, err := s.resolver(ctx, desc)
	if err != nil {
		return err
	}
	sum := &summary{}
	res.Hooks = sum

	p := newProgress(loggerFromContext(ctx))
	if err := res.Resolve(ctx, desc.Dependencies); err != nil {
		return err
	}
	p.done(fmt.Sprintf("Resolved %d dependencies of %s@%s", len(desc.Dependencies), desc.Name, desc.Version))

	w := cmd.OutOrStdout()
	printSuccess(w, "Placed %d artifacts into %s", sum.placed.Load(), s.cfg.Path)
	printDetail(w, "%d fetched, %d from cache, %d skipped by scope",
		sum.fetched.Load(), sum.cached.Load(), sum.skipped.Load())
	return nil
}

func clean(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

func newCleanCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the output tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loggerFromContext(cmd.Context()).Info("cleaning haven artifacts", "path", s.cfg.Path)
			if err := clean(s.cfg.Path); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "Removed %s", s.cfg.Path)
			return nil
		},
	}
}

func newCleanCacheCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean-cache",
		Short: "Remove every entry from the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanCache(cmd, s)
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	return cmd
}

func runCleanCache(cmd *cobra.Command, s *session) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		confirmed := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("Remove everything under %s?", s.cfg.LocalCache)).
			Value(&confirmed).
			Run()
		if err != nil {
			return fmt.Errorf("prompt failed: %w", err)
		}
		if !confirmed {
			printInfo(cmd.OutOrStdout(), "Cache left untouched")
			return nil
		}
	}

	loggerFromContext(cmd.Context()).Info("cleaning haven artifacts cache", "path", s.cfg.LocalCache)
	if err := s.store().Clear(); err != nil {
		return err
	}
	printSuccess(cmd.OutOrStdout(), "Cleared %s", s.cfg.LocalCache)
	return nil
}
