package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/havenpkg/haven/pkg/config"
)

const DescriptorFile = config.DescriptorFileName

// DefaultVersion is what a new package starts at.
const DefaultVersion = "0.1.0-SNAPSHOT"

// InferName derives a package name from the given directory path.
func InferName(dir string) string {
	return filepath.Base(dir)
}

// Init creates a haven.json descriptor in dir. It refuses to run when any
// descriptor format is already present.
func Init(dir, name, version string) (string, error) {
	if existing, err := config.FindDescriptor(dir); err == nil {
		return "", fmt.Errorf("%s already exists", filepath.Base(existing))
	}
	if version == "" {
		version = DefaultVersion
	}

	desc := &config.Descriptor{
		Name:         name,
		Version:      version,
		Dependencies: []config.Dependency{},
		Artifacts:    []config.ArtifactSpec{},
	}

	path := filepath.Join(dir, DescriptorFile)
	if err := config.SaveDescriptor(path, desc); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// SetVersion rewrites the version of the descriptor at path, keeping its
// format. It returns the previous version.
func SetVersion(path, version string) (string, error) {
	if strings.TrimSpace(version) == "" {
		return "", fmt.Errorf("version must not be empty")
	}
	desc, err := config.LoadDescriptor(path)
	if err != nil {
		return "", err
	}
	previous := desc.Version
	desc.Version = version
	if err := config.SaveDescriptor(path, desc); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return previous, nil
}

// EnsureGitignore ensures that each entry appears somewhere in the .gitignore
// file within dir. Only entries not already present are appended. Returns the
// list of entries that were actually added.
func EnsureGitignore(dir string, entries []string) ([]string, error) {
	path := filepath.Join(dir, ".gitignore")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		line = strings.TrimSpace(line)
		present[line] = true
		present[strings.TrimSuffix(line, "/")] = true
	}

	var toAdd []string
	for _, entry := range entries {
		if !present[entry] && !present[strings.TrimSuffix(entry, "/")] {
			toAdd = append(toAdd, entry)
			present[entry] = true
		}
	}

	if len(toAdd) == 0 {
		return nil, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return nil, err
		}
	}

	for _, entry := range toAdd {
		if _, err := f.WriteString(entry + "\n"); err != nil {
			return nil, err
		}
	}

	return toAdd, nil
}

// OutputEntry turns the configured output path into a .gitignore line. Paths
// outside dir yield "".
func OutputEntry(dir, output string) string {
	rel := output
	if filepath.IsAbs(output) {
		var err error
		if rel, err = filepath.Rel(dir, output); err != nil {
			return ""
		}
	}
	if !filepath.IsLocal(rel) {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(rel)) + "/"
}
