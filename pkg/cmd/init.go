package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/project"
)

func newInitCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a haven.json in the current directory",
		Long:  "Creates a haven.json descriptor and adds the output directory and local config file to .gitignore.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, s)
		},
	}

	cmd.Flags().String("name", "", "package name (default: directory name)")
	cmd.Flags().String("version", project.DefaultVersion, "initial version")
	cmd.Flags().BoolP("yes", "y", false, "accept defaults without prompting")

	return cmd
}

func runInit(cmd *cobra.Command, s *session) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	name, _ := cmd.Flags().GetString("name")
	version, _ := cmd.Flags().GetString("version")
	yes, _ := cmd.Flags().GetBool("yes")
	if name == "" {
		name = project.InferName(wd)
	}

	if !yes {
		if err := promptPackage(&name, &version); err != nil {
			return err
		}
	}

	path, err := project.Init(wd, name, version)
	if err != nil {
		return err
	}
	printSuccess(cmd.OutOrStdout(), "Created %s for %s", path, coord(name, version))

	var entries []string
	if out := project.OutputEntry(wd, s.cfg.Path); out != "" {
		entries = append(entries, out)
	}
	entries = append(entries, config.LocalConfigFile)

	added, err := project.EnsureGitignore(wd, entries)
	if err != nil {
		return err
	}
	for _, entry := range added {
		printInfo(cmd.OutOrStdout(), "Added %s to .gitignore", entry)
	}
	return nil
}

// promptPackage asks for the package coordinates, prefilled with the
// current values.
func promptPackage(name, version *string) error {
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Package name").
				Value(name).
				Validate(notBlank("name")),
			huh.NewInput().
				Title("Version").
				Value(version).
				Validate(notBlank("version")),
		),
	).Run()
	if err != nil {
		return fmt.Errorf("prompt failed: %w", err)
	}
	return nil
}

func notBlank(field string) func(string) error {
	return func(v string) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s must not be empty", field)
		}
		return nil
	}
}
