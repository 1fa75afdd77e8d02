package cmd

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/repository"
	"github.com/havenpkg/haven/pkg/resolver"
	"github.com/havenpkg/haven/pkg/store"
)

// session holds what the root PersistentPreRunE resolves for every
// subcommand.
type session struct {
	configPath string
	cache      string
	output     string
	jobs       int
	verbose    bool

	cfg *config.Global
}

func NewRootCmd() *cobra.Command {
	s := &session{}

	root := &cobra.Command{
		Use:   "haven",
		Short: "Artifact dependency manager",
		Long: `haven resolves a package's artifact dependencies against local, Maven,
haven and git-backed repositories, caches them under ~/.haven/cache and
places their files into scoped output directories.`,
		PersistentPreRunE: s.setup,
		SilenceUsage:      true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&s.configPath, "config", "", "global config file (default ~/.haven/config.json)")
	flags.StringVar(&s.cache, "cache", "", "local cache directory (overrides local_cache)")
	flags.StringVar(&s.output, "output", "", "output root for placed artifacts (overrides path)")
	flags.IntVar(&s.jobs, "jobs", 0, "sibling dependencies resolved at once (overrides jobs)")
	flags.BoolVarP(&s.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newInitCmd(s))
	root.AddCommand(newInstallCmd(s))
	root.AddCommand(newDeployCmd(s))
	root.AddCommand(newUpdateCmd(s))
	root.AddCommand(newCleanCmd(s))
	root.AddCommand(newCleanCacheCmd(s))
	root.AddCommand(newCheckConfigCmd(s))
	root.AddCommand(newSetVersionCmd(s))
	root.AddCommand(newGraphCmd(s))
	root.AddCommand(newServeCmd(s))

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (s *session) setup(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("loading .env: %w", err)
		}
	}

	level := log.InfoLevel
	if s.verbose {
		level = log.DebugLevel
	}
	cmd.SetContext(withLogger(cmd.Context(), newLogger(cmd.ErrOrStderr(), level)))

	overrides := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("cache") {
		overrides["local_cache"] = s.cache
	}
	if flags.Changed("output") {
		overrides["path"] = s.output
	}
	if flags.Changed("jobs") {
		overrides["jobs"] = s.jobs
	}

	cfg, err := config.LoadGlobal(config.LoadOptions{GlobalPath: s.configPath, Overrides: overrides})
	if err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// descriptor loads the package descriptor from the working directory.
func (s *session) descriptor() (dir, path string, desc *config.Descriptor, err error) {
	dir, err = os.Getwd()
	if err != nil {
		return "", "", nil, fmt.Errorf("getting working directory: %w", err)
	}
	path, err = config.FindDescriptor(dir)
	if err != nil {
		return "", "", nil, err
	}
	desc, err = config.LoadDescriptor(path)
	if err != nil {
		return "", "", nil, err
	}
	return dir, path, desc, nil
}

func (s *session) store() store.Store {
	return store.New(s.cfg.LocalCache)
}

// resolver wires the global repositories followed by the package's own.
func (s *session) resolver(ctx context.Context, desc *config.Descriptor) (*resolver.Resolver, error) {
	logger := loggerFromContext(ctx)
	refs := slices.Concat(s.cfg.Repositories.Dependencies, desc.DependencyRepositories())
	repos, err := repository.Chain(refs, repository.Options{Config: s.cfg, Logger: logger})
	if err != nil {
		return nil, err
	}

	res := resolver.New(s.cfg, s.store(), repos)
	res.Logger = logger
	return res, nil
}
