package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/havenpkg/haven/pkg/project"
)

func newSetVersionCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "set-version [version]",
		Short: "Rewrite the version in haven.json",
		Long:  "Sets the package version, keeping the descriptor's format. Prompts when no version is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetVersion(cmd, s, args)
		},
	}
}

func runSetVersion(cmd *cobra.Command, s *session, args []string) error {
	_, path, desc, err := s.descriptor()
	if err != nil {
		return err
	}

	var version string
	if len(args) == 1 {
		version = args[0]
	} else {
		version = desc.Version
		err := huh.NewInput().
			Title(fmt.Sprintf("New version for %s", desc.Name)).
			Value(&version).
			Validate(notBlank("version")).
			Run()
		if err != nil {
			return fmt.Errorf("prompt failed: %w", err)
		}
	}

	previous, err := project.SetVersion(path, version)
	if err != nil {
		return err
	}
	printSuccess(cmd.OutOrStdout(), "%s: %s → %s", desc.Name, previous, version)
	return nil
}
