package cmd

import (
	"github.com/spf13/cobra"

	"github.com/havenpkg/haven/pkg/deploy"
	"github.com/havenpkg/haven/pkg/installer"
)

func newInstallCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install this package's artifacts into the local cache",
		Long: `Copies the files of every artifact declared in haven.json into the local
cache so other packages on this machine can depend on them. A release
version with a snapshot dependency is refused.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, s)
		},
	}
}

func runInstall(cmd *cobra.Command, s *session) error {
	dir, _, desc, err := s.descriptor()
	if err != nil {
		return err
	}

	inst := &installer.Installer{
		Store:      s.store(),
		ProjectDir: dir,
		Logger:     loggerFromContext(cmd.Context()),
	}
	entries, err := inst.Install(cmd.Context(), desc)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for _, e := range entries {
		printSuccess(w, "Installed %s", coord(e.Name, e.Version))
		printDetail(w, "%s", e.Dir)
	}
	if len(entries) == 0 {
		printWarning(w, "%s declares no artifacts", desc.Name)
	}
	return nil
}

func newDeployCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Install, then publish to the first distribution repository",
		Long: `Installs the package into the local cache and uploads every artifact to the
first repository under repositories.distribution in haven.json. HTTP
targets receive multipart uploads; s3:// targets receive objects.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd, s)
		},
	}
	cmd.Flags().Bool("skip-install", false, "publish what is already in the cache")
	return cmd
}

func runDeploy(cmd *cobra.Command, s *session) error {
	skip, _ := cmd.Flags().GetBool("skip-install")
	if !skip {
		if err := runInstall(cmd, s); err != nil {
			return err
		}
	}

	_, _, desc, err := s.descriptor()
	if err != nil {
		return err
	}

	d := &deploy.Deployer{
		Config: s.cfg,
		Store:  s.store(),
		Logger: loggerFromContext(cmd.Context()),
	}
	n, err := d.Deploy(cmd.Context(), desc)
	if err != nil {
		return err
	}
	printSuccess(cmd.OutOrStdout(), "Deployed %s (%d files) to %s",
		coord(desc.Name, desc.Version), n, desc.DistributionRepositories()[0].URL)
	return nil
}
