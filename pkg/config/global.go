package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LocalConfigFile is the package-local override of the global config.
// YAML and TOML spellings of it are read as well.
const LocalConfigFile = "haven-config.json"

// localConfigFiles is the lookup order of the package-local override.
var localConfigFiles = []string{
	LocalConfigFile,
	"haven-config.yaml",
	"haven-config.yml",
	"haven-config.toml",
}

// GlobalConfigFile is the per-user config under ~/.haven.
const GlobalConfigFile = "config.json"

// homeDirName holds the per-user config and the default cache.
const homeDirName = ".haven"

// envPrefix namespaces environment overrides: HAVEN_LOCAL_CACHE,
// HAVEN_DEFAULTS_SCOPE, ...
const envPrefix = "HAVEN"

// Global is the machine-wide configuration. It is loaded once per run and
// passed by pointer to everything that needs it; nothing mutates it after
// LoadGlobal returns.
type Global struct {
	LocalCache      string             `mapstructure:"local_cache"`
	Path            string             `mapstructure:"path"`
	Defaults        Defaults           `mapstructure:"defaults"`
	TransientScopes []string           `mapstructure:"transient_scopes"`
	Repositories    GlobalRepositories `mapstructure:"repositories"`
	Timeouts        Timeouts           `mapstructure:"timeouts"`
	Remote          RemoteOptions      `mapstructure:"remote"`
	S3              S3Options          `mapstructure:"s3"`
	// Jobs is how many sibling dependencies resolve at once. 1 keeps the
	// strictly sequential order.
	Jobs int `mapstructure:"jobs"`
}

type Defaults struct {
	Scope      string `mapstructure:"scope"`
	MavenGroup string `mapstructure:"maven_group"`
}

type GlobalRepositories struct {
	Dependencies []RepositoryRef `mapstructure:"dependencies"`
}

type Timeouts struct {
	// Request bounds each backend HTTP request. 0 disables the bound.
	Request time.Duration `mapstructure:"request"`
	// Resolve bounds a whole resolution. 0 disables the bound.
	Resolve time.Duration `mapstructure:"resolve"`
}

type RemoteOptions struct {
	// MaxDepth bounds how deep a remote directory listing is followed.
	MaxDepth int `mapstructure:"max_depth"`
	// Concurrency is how many files of one artifact download at once.
	Concurrency int `mapstructure:"concurrency"`
}

// S3Options holds credentials for s3:// repositories and distribution
// targets. They are passed through to the client untouched.
type S3Options struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// IsTransient reports whether dependencies of this scope are followed when
// they are someone else's sub-dependency.
func (g *Global) IsTransient(scope string) bool {
	return slices.Contains(g.TransientScopes, scope)
}

// Validate checks the fields resolution cannot run without.
func (g *Global) Validate() error {
	switch {
	case g.LocalCache == "":
		return fmt.Errorf("config: local_cache must be set")
	case g.Path == "":
		return fmt.Errorf("config: path must be set")
	case g.Defaults.Scope == "":
		return fmt.Errorf("config: defaults.scope must be set")
	case g.Jobs < 1:
		return fmt.Errorf("config: jobs must be at least 1, got %d", g.Jobs)
	}
	for i, r := range g.Repositories.Dependencies {
		if r.URL == "" {
			return fmt.Errorf("config: repositories.dependencies[%d] has no url", i)
		}
	}
	return nil
}

// LoadOptions controls where LoadGlobal looks. Zero values select the
// standard locations.
type LoadOptions struct {
	// GlobalPath defaults to ~/.haven/config.json.
	GlobalPath string
	// LocalPath defaults to the first haven-config.{json,yaml,yml,toml}
	// in the working directory.
	LocalPath string
	// Overrides are applied last, typically from CLI flags. Keys use the
	// dotted config names ("local_cache", "defaults.scope").
	Overrides map[string]any
}

// LoadGlobal resolves the global config with Viper precedence:
// overrides > HAVEN_* environment > package-local file > ~/.haven file >
// built-in defaults.
func LoadGlobal(opts LoadOptions) (*Global, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	if opts.GlobalPath == "" {
		opts.GlobalPath = filepath.Join(havenDir(home), GlobalConfigFile)
	}
	if opts.LocalPath == "" {
		opts.LocalPath = FindLocalConfig(".")
	}
	return loadGlobal(opts, home)
}

// FindLocalConfig returns the package-local config in dir, or "" when
// there is none. Viper picks the format from the extension.
func FindLocalConfig(dir string) string {
	for _, name := range localConfigFiles {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func havenDir(home string) string {
	return filepath.Join(home, homeDirName)
}

// loadGlobal is the internal implementation that takes the home directory
// explicitly, making it testable without touching the real one.
func loadGlobal(opts LoadOptions, home string) (*Global, error) {
	v := viper.New()
	setDefaults(v, home)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Lowest file priority: the per-user config. Missing is fine.
	if _, err := os.Stat(opts.GlobalPath); err == nil {
		v.SetConfigFile(opts.GlobalPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", opts.GlobalPath, err)
		}
	}

	// Higher priority: the package-local override.
	if _, err := os.Stat(opts.LocalPath); opts.LocalPath != "" && err == nil {
		v.SetConfigFile(opts.LocalPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", opts.LocalPath, err)
		}
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	cfg := &Global{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.LocalCache = expandHome(cfg.LocalCache, home)
	cfg.Path = expandHome(cfg.Path, home)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("local_cache", filepath.Join(havenDir(home), "cache"))
	v.SetDefault("path", "haven_artifacts")
	v.SetDefault("defaults.scope", "main")
	v.SetDefault("defaults.maven_group", "org.webjars")
	v.SetDefault("transient_scopes", []string{"main"})
	v.SetDefault("repositories.dependencies", []map[string]any{
		{"type": "maven", "url": "https://repo1.maven.org/maven2"},
		{"type": "bower", "url": "https://registry.bower.io"},
	})
	v.SetDefault("timeouts.request", 60*time.Second)
	v.SetDefault("timeouts.resolve", time.Duration(0))
	v.SetDefault("remote.max_depth", 32)
	v.SetDefault("remote.concurrency", 4)
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.use_ssl", true)
	v.SetDefault("jobs", 1)
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
