package installer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
	"github.com/havenpkg/haven/pkg/store"
)

// writeProject lays out build output under a fresh project directory.
func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		os.MkdirAll(filepath.Dir(path), 0o755)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", rel, err)
		}
	}
	return dir
}

func newInstaller(t *testing.T, projectDir string) *Installer {
	t.Helper()
	return &Installer{
		Store:      store.New(t.TempDir()),
		ProjectDir: projectDir,
		Logger:     log.NewWithOptions(&bytes.Buffer{}, log.Options{}),
	}
}

func TestInstall(t *testing.T) {
	project := map[string]string{
		"dist/app.js":           "app",
		"dist/app.css":          "css",
		"assets/img/logo.png":   "png",
		"assets/img/icon.png":   "ico",
		"build/themes/dark.css": "dark",
	}

	tests := map[string]struct {
		artifacts []config.ArtifactSpec
		// want maps artifact name to the files expected under artifact/.
		want map[string][]string
	}{
		"plain files": {
			artifacts: []config.ArtifactSpec{{
				Files: []config.FileEntry{
					{Src: "dist/app.js", Target: "dist/app.js"},
				},
			}},
			want: map[string][]string{"ui": {"dist/app.js"}},
		},
		"remapped file": {
			artifacts: []config.ArtifactSpec{{
				Files: []config.FileEntry{
					{Src: "dist/app.css", Target: "css/ui.css"},
				},
			}},
			want: map[string][]string{"ui": {"css/ui.css"}},
		},
		"directory": {
			artifacts: []config.ArtifactSpec{{
				Files: []config.FileEntry{
					{Src: "assets", Target: "assets"},
				},
			}},
			want: map[string][]string{"ui": {"assets/img/icon.png", "assets/img/logo.png"}},
		},
		"sub-artifact with id": {
			artifacts: []config.ArtifactSpec{
				{Files: []config.FileEntry{{Src: "dist/app.js", Target: "app.js"}}},
				{ID: "themes", Files: []config.FileEntry{{Src: "build/themes", Target: "themes"}}},
			},
			want: map[string][]string{
				"ui":        {"app.js"},
				"ui-themes": {"themes/dark.css"},
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			inst := newInstaller(t, writeProject(t, project))
			desc := &config.Descriptor{Name: "ui", Version: "1.0.0", Artifacts: tc.artifacts}

			entries, err := inst.Install(context.Background(), desc)
			if err != nil {
				t.Fatalf("Install() error: %v", err)
			}
			if len(entries) != len(tc.want) {
				t.Fatalf("Install() returned %d entries, want %d", len(entries), len(tc.want))
			}

			for artifact, files := range tc.want {
				entry, err := inst.Store.Lookup(artifact, "1.0.0")
				if err != nil {
					t.Fatalf("Lookup(%s) error: %v", artifact, err)
				}
				if entry.Metadata.Name != "ui" {
					t.Errorf("metadata name = %q, want the package name", entry.Metadata.Name)
				}
				for _, f := range files {
					if _, err := os.Stat(filepath.Join(entry.ArtifactDir(), filepath.FromSlash(f))); err != nil {
						t.Errorf("%s: missing %s", artifact, f)
					}
				}
			}
		})
	}
}

func TestInstallReplacesPreviousContent(t *testing.T) {
	projectDir := writeProject(t, map[string]string{"a.js": "a", "b.js": "b"})
	inst := newInstaller(t, projectDir)
	desc := &config.Descriptor{Name: "lib", Version: "1.0.0-SNAPSHOT", Artifacts: []config.ArtifactSpec{{
		Files: []config.FileEntry{{Src: "a.js", Target: "a.js"}, {Src: "b.js", Target: "b.js"}},
	}}}
	if _, err := inst.Install(context.Background(), desc); err != nil {
		t.Fatal(err)
	}

	desc.Artifacts[0].Files = desc.Artifacts[0].Files[:1]
	if _, err := inst.Install(context.Background(), desc); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(inst.Store.ArtifactDir("lib", "1.0.0-SNAPSHOT"), "b.js")); !os.IsNotExist(err) {
		t.Error("b.js survived a reinstall that no longer ships it")
	}
}

func TestInstallErrors(t *testing.T) {
	tests := map[string]struct {
		desc     *config.Descriptor
		wantKind errors.Kind
	}{
		"snapshot dependency of a release": {
			desc: &config.Descriptor{
				Name:         "app",
				Version:      "2.0.0",
				Dependencies: []config.Dependency{{Name: "lib", Version: "1.0.0-SNAPSHOT"}},
				Artifacts:    []config.ArtifactSpec{{Files: []config.FileEntry{{Src: "a.js", Target: "a.js"}}}},
			},
			wantKind: errors.KindSnapshotDependency,
		},
		"missing file": {
			desc: &config.Descriptor{
				Name:      "app",
				Version:   "2.0.0",
				Artifacts: []config.ArtifactSpec{{Files: []config.FileEntry{{Src: "nope.js", Target: "nope.js"}}}},
			},
		},
		"target escapes": {
			desc: &config.Descriptor{
				Name:      "app",
				Version:   "2.0.0",
				Artifacts: []config.ArtifactSpec{{Files: []config.FileEntry{{Src: "a.js", Target: "../a.js"}}}},
			},
			wantKind: errors.KindBackend,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			inst := newInstaller(t, writeProject(t, map[string]string{"a.js": "a"}))

			_, err := inst.Install(context.Background(), tc.desc)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tc.wantKind != "" && errors.KindOf(err) != tc.wantKind {
				t.Errorf("error kind = %q, want %q (err: %v)", errors.KindOf(err), tc.wantKind, err)
			}
			if _, err := inst.Store.Lookup("app", "2.0.0"); !errors.IsNotFound(err) {
				t.Error("failed install left a cache entry behind")
			}
		})
	}
}
