package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/havenpkg/haven/pkg/graph"
	"github.com/havenpkg/haven/pkg/materialize"
	"github.com/havenpkg/haven/pkg/resolver"
)

func newGraphCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the resolved dependency graph",
		Long: `Resolves haven.json like update does, fetching into the cache as needed,
but leaves the output tree alone. Prints Graphviz DOT, or SVG rendered with
the embedded Graphviz.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(cmd, s)
		},
	}
	cmd.Flags().String("format", "dot", "output format: dot or svg")
	cmd.Flags().StringP("file", "f", "", "write to file instead of stdout")
	return cmd
}

func runGraph(cmd *cobra.Command, s *session) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "dot" && format != "svg" {
		return fmt.Errorf("unknown format %q (want dot or svg)", format)
	}
	file, _ := cmd.Flags().GetString("file")

	_, _, desc, err := s.descriptor()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	res, err := s.resolver(ctx, desc)
	if err != nil {
		return err
	}
	rec := graph.NewRecorder(desc.Name + "@" + desc.Version)
	sum := &summary{}
	res.Hooks = resolver.MultiHooks{rec, sum}
	res.Materialize = materialize.Count

	if err := res.Resolve(ctx, desc.Dependencies); err != nil {
		return err
	}

	var out []byte
	if format == "svg" {
		out, err = rec.SVG(ctx)
		if err != nil {
			return err
		}
	} else {
		out = []byte(rec.DOT())
	}

	if file == "" {
		_, err := cmd.OutOrStdout().Write(out)
		return err
	}
	if err := os.WriteFile(file, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", file, err)
	}
	printSuccess(cmd.OutOrStdout(), "Wrote %d artifacts to %s", sum.placed.Load(), file)
	return nil
}
