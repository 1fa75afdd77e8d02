// Package installer publishes a package's build output into the local cache
// so that other packages on this machine can depend on it.
package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
	"github.com/havenpkg/haven/pkg/materialize"
	"github.com/havenpkg/haven/pkg/store"
)

type Installer struct {
	Store store.Store
	// ProjectDir is where artifact file paths are resolved from.
	ProjectDir string
	Logger     *log.Logger
}

// Install copies every artifact declared by desc into the cache as
// <name[-id]>/<version>/artifact/ and records desc as each entry's
// metadata. A release package with a snapshot dependency is refused before
// anything is written.
func (inst *Installer) Install(ctx context.Context, desc *config.Descriptor) ([]*store.Entry, error) {
	if err := config.CheckSnapshots(desc); err != nil {
		return nil, err
	}

	entries := make([]*store.Entry, 0, len(desc.Artifacts))
	for _, art := range desc.Artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := inst.installArtifact(desc, art)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (inst *Installer) installArtifact(desc *config.Descriptor, art config.ArtifactSpec) (*store.Entry, error) {
	name := desc.ArtifactName(art)

	// Start from an empty entry so files dropped from the build do not
	// linger in a reinstalled snapshot.
	if err := inst.Store.Remove(name, desc.Version); err != nil {
		return nil, fmt.Errorf("clearing %s@%s: %w", name, desc.Version, err)
	}

	artifactDir := inst.Store.ArtifactDir(name, desc.Version)
	files := 0
	for _, fe := range art.Files {
		n, err := inst.copyEntry(fe, artifactDir)
		if err != nil {
			inst.Store.Remove(name, desc.Version)
			return nil, fmt.Errorf("installing %s@%s: %w", name, desc.Version, err)
		}
		files += n
	}

	entry, err := inst.Store.WriteMetadata(name, desc.Version, desc)
	if err != nil {
		inst.Store.Remove(name, desc.Version)
		return nil, err
	}

	inst.logger().Info("installed", "name", name, "version", desc.Version, "files", files)
	return entry, nil
}

// copyEntry copies one file or directory entry and returns the number of
// files written.
func (inst *Installer) copyEntry(fe config.FileEntry, artifactDir string) (int, error) {
	if !filepath.IsLocal(filepath.FromSlash(fe.Target)) {
		return 0, errors.Backend(nil, "target %q leaves the artifact directory", fe.Target)
	}

	src := filepath.Join(inst.ProjectDir, filepath.FromSlash(fe.Src))
	dest := filepath.Join(artifactDir, filepath.FromSlash(fe.Target))

	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("artifact file %s does not exist", fe.Src)
		}
		return 0, fmt.Errorf("checking %s: %w", fe.Src, err)
	}

	if info.IsDir() {
		return materialize.CopyTree(src, dest)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	if err := materialize.CopyFile(src, dest); err != nil {
		return 0, err
	}
	return 1, nil
}

func (inst *Installer) logger() *log.Logger {
	if inst.Logger != nil {
		return inst.Logger
	}
	return log.Default()
}
