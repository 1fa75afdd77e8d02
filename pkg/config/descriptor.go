package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"sigs.k8s.io/yaml"

	"github.com/havenpkg/haven/pkg/errors"
)

// DescriptorFileName is the package descriptor filename. It is also the name
// of the metadata document stored beside every cached artifact.
const DescriptorFileName = "haven.json"

const snapshotSuffix = "-SNAPSHOT"

// descriptorCandidates lists the descriptor filenames FindDescriptor looks
// for, in order of preference.
var descriptorCandidates = []string{
	DescriptorFileName,
	"haven.yaml",
	"haven.yml",
	"haven.toml",
}

// Descriptor describes a package: what it depends on, what it ships, and
// where it is fetched from and published to.
type Descriptor struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Dependencies []Dependency   `json:"dependencies,omitempty"`
	Artifacts    []ArtifactSpec `json:"artifacts,omitempty"`
	Repositories *Repositories  `json:"repositories,omitempty"`
}

type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Scope   string `json:"scope,omitempty"`
	// Includes limits the copied files to these relative paths. nil means
	// every file.
	Includes []string `json:"includes,omitempty"`
	// Excludes drops these relative paths. nil means none.
	Excludes []string `json:"excludes,omitempty"`
}

type ArtifactSpec struct {
	// ID suffixes the package name: "<name>-<id>".
	ID    string      `json:"id,omitempty"`
	Files []FileEntry `json:"files"`
}

// FileEntry is a file or directory shipped in an artifact. In the document
// it is either a plain path or a one-key {"src": "target"} object.
type FileEntry struct {
	Src    string
	Target string
}

type Repositories struct {
	Dependencies []RepositoryRef `json:"dependencies,omitempty"`
	Distribution []RepositoryRef `json:"distribution,omitempty"`
}

type RepositoryRef struct {
	Type string `json:"type,omitempty" mapstructure:"type"`
	URL  string `json:"url" mapstructure:"url"`
}

func (f *FileEntry) UnmarshalJSON(data []byte) error {
	var path string
	if err := json.Unmarshal(data, &path); err == nil {
		f.Src, f.Target = path, path
		return nil
	}

	var mapping map[string]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return fmt.Errorf("file entry must be a path or a {src: target} object: %w", err)
	}
	if len(mapping) != 1 {
		return fmt.Errorf("file entry must hold exactly one src: target pair, got %d", len(mapping))
	}
	for src, target := range mapping {
		f.Src, f.Target = src, target
	}
	return nil
}

func (f FileEntry) MarshalJSON() ([]byte, error) {
	if f.Src == f.Target {
		return json.Marshal(f.Src)
	}
	return json.Marshal(map[string]string{f.Src: f.Target})
}

// ArtifactName returns the name the artifact is cached and published under.
func (d *Descriptor) ArtifactName(a ArtifactSpec) string {
	if a.ID == "" {
		return d.Name
	}
	return d.Name + "-" + a.ID
}

// DependencyRepositories returns the package's extra dependency
// repositories, or nil.
func (d *Descriptor) DependencyRepositories() []RepositoryRef {
	if d.Repositories == nil {
		return nil
	}
	return d.Repositories.Dependencies
}

// DistributionRepositories returns the package's distribution targets, or
// nil.
func (d *Descriptor) DistributionRepositories() []RepositoryRef {
	if d.Repositories == nil {
		return nil
	}
	return d.Repositories.Distribution
}

// IsSnapshot reports whether version carries the snapshot suffix.
func IsSnapshot(version string) bool {
	return strings.HasSuffix(version, snapshotSuffix)
}

// CheckSnapshots fails with a SnapshotDependency error when a release
// package declares a snapshot dependency. Snapshot packages may depend on
// anything.
func CheckSnapshots(d *Descriptor) error {
	if IsSnapshot(d.Version) {
		return nil
	}
	for _, dep := range d.Dependencies {
		if IsSnapshot(dep.Version) {
			return errors.Snapshot(dep.Name, dep.Version)
		}
	}
	return nil
}

// Format is a descriptor document encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
	FormatTOML
)

// FormatOf picks the encoding from the file extension. Anything unknown is
// treated as JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// UnmarshalDescriptor decodes a descriptor. YAML and TOML documents are
// normalized to JSON first so the one set of json tags (and FileEntry's
// custom decoding) applies to every format.
func UnmarshalDescriptor(data []byte, format Format) (*Descriptor, error) {
	var err error
	switch format {
	case FormatYAML:
		data, err = yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("converting yaml: %w", err)
		}
	case FormatTOML:
		var raw map[string]any
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing toml: %w", err)
		}
		data, err = json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("converting toml: %w", err)
		}
	}

	d := &Descriptor{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Marshal encodes the descriptor in the given format.
func (d *Descriptor) Marshal(format Format) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatYAML:
		return yaml.JSONToYAML(data)
	case FormatTOML:
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return toml.Marshal(raw)
	default:
		return append(data, '\n'), nil
	}
}

// FindDescriptor returns the path of the descriptor in dir, preferring
// haven.json.
func FindDescriptor(dir string) (string, error) {
	for _, name := range descriptorCandidates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no package descriptor (%s) found in %s", strings.Join(descriptorCandidates, ", "), dir)
}

func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	d, err := UnmarshalDescriptor(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return d, nil
}

// SaveDescriptor writes d to path in the format implied by its extension.
func SaveDescriptor(path string, d *Descriptor) error {
	data, err := d.Marshal(FormatOf(path))
	if err != nil {
		return fmt.Errorf("marshaling descriptor: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
