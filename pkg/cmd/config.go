package cmd

import (
	"github.com/spf13/cobra"

	"github.com/havenpkg/haven/pkg/config"
)

func newCheckConfigCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate haven.json and the global config",
		Long: `Fails when a release version of this package depends on a snapshot
version, then prints the effective global configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckConfig(cmd, s)
		},
	}
}

func runCheckConfig(cmd *cobra.Command, s *session) error {
	_, path, desc, err := s.descriptor()
	if err != nil {
		return err
	}
	if err := config.CheckSnapshots(desc); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	printSuccess(w, "%s is valid for %s", path, coord(desc.Name, desc.Version))
	printDetail(w, "local_cache: %s", s.cfg.LocalCache)
	printDetail(w, "path: %s", s.cfg.Path)
	printDetail(w, "defaults.scope: %s", s.cfg.Defaults.Scope)
	printDetail(w, "transient_scopes: %v", s.cfg.TransientScopes)
	for _, r := range s.cfg.Repositories.Dependencies {
		printDetail(w, "repository: %s %s", r.Type, r.URL)
	}
	for _, r := range desc.DependencyRepositories() {
		printDetail(w, "package repository: %s %s", r.Type, r.URL)
	}
	return nil
}
