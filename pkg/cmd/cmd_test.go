package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
)

// workspace is a throwaway HOME, cache and output tree for one test.
type workspace struct {
	home   string
	cache  string
	output string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	base := t.TempDir()
	ws := &workspace{
		home:   filepath.Join(base, "home"),
		cache:  filepath.Join(base, "cache"),
		output: filepath.Join(base, "out"),
	}
	os.MkdirAll(ws.home, 0o755)
	t.Setenv("HOME", ws.home)
	return ws
}

// run executes the root command in dir and returns stdout.
func (ws *workspace) run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	t.Chdir(dir)

	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{
		"--config", filepath.Join(ws.home, "config.json"),
		"--cache", ws.cache,
		"--output", ws.output,
	}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestInitCommand(t *testing.T) {
	ws := newWorkspace(t)
	dir := filepath.Join(t.TempDir(), "ui")
	os.MkdirAll(dir, 0o755)

	out, err := ws.run(t, dir, "init", "--yes", "--version", "1.0.0")
	if err != nil {
		t.Fatalf("init error: %v", err)
	}
	if !strings.Contains(out, "ui@1.0.0") {
		t.Errorf("output = %q, want package coordinates", out)
	}

	desc, err := config.LoadDescriptor(filepath.Join(dir, config.DescriptorFileName))
	if err != nil {
		t.Fatal(err)
	}
	if desc.Name != "ui" || desc.Version != "1.0.0" {
		t.Errorf("descriptor = %s@%s, want ui@1.0.0", desc.Name, desc.Version)
	}

	gitignore, _ := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if !strings.Contains(string(gitignore), config.LocalConfigFile) {
		t.Errorf(".gitignore = %q, want %s", gitignore, config.LocalConfigFile)
	}

	if _, err := ws.run(t, dir, "init", "--yes"); err == nil {
		t.Error("second init succeeded, want error")
	}
}

func TestInstallThenUpdate(t *testing.T) {
	ws := newWorkspace(t)

	// lib is installed into the cache from its own project.
	lib := t.TempDir()
	writeFiles(t, lib, map[string]string{"dist/lib.js": "lib", "dist/lib.css": "css"})
	writeJSON(t, filepath.Join(lib, "haven.json"), map[string]any{
		"name":      "lib",
		"version":   "1.0.0",
		"artifacts": []any{map[string]any{"files": []any{map[string]string{"dist": "js"}}}},
	})
	if out, err := ws.run(t, lib, "install"); err != nil {
		t.Fatalf("install error: %v", err)
	} else if !strings.Contains(out, "lib@1.0.0") {
		t.Errorf("install output = %q", out)
	}

	// app depends on lib, which is a cache hit, and on dep, which only a
	// local repository has.
	repo := t.TempDir()
	writeFiles(t, repo, map[string]string{
		"dep/2.0.0/haven.json":      `{"name":"dep","version":"2.0.0"}`,
		"dep/2.0.0/artifact/dep.js": "dep",
	})

	app := t.TempDir()
	writeJSON(t, filepath.Join(app, "haven.json"), map[string]any{
		"name":    "app",
		"version": "1.0.0",
		"dependencies": []any{
			map[string]any{"name": "lib", "version": "1.0.0", "excludes": []string{"js/lib.css"}},
			map[string]any{"name": "dep", "version": "2.0.0", "scope": "test"},
		},
	})
	writeJSON(t, filepath.Join(app, config.LocalConfigFile), map[string]any{
		"repositories": map[string]any{
			"dependencies": []any{map[string]string{"type": "local", "url": repo}},
		},
	})

	// Stale output is removed by update.
	writeFiles(t, ws.output, map[string]string{"main/stale/old.js": "old"})

	out, err := ws.run(t, app, "update")
	if err != nil {
		t.Fatalf("update error: %v", err)
	}
	if !strings.Contains(out, "Placed 2 artifacts") {
		t.Errorf("update output = %q", out)
	}

	tests := map[string]struct {
		path   string
		exists bool
	}{
		"cached dependency":  {path: "main/lib/js/lib.js", exists: true},
		"excluded file":      {path: "main/lib/js/lib.css", exists: false},
		"fetched dependency": {path: "test/dep/dep.js", exists: true},
		"stale output":       {path: "main/stale/old.js", exists: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := os.Stat(filepath.Join(ws.output, filepath.FromSlash(tc.path)))
			if got := err == nil; got != tc.exists {
				t.Errorf("%s exists = %v, want %v", tc.path, got, tc.exists)
			}
		})
	}

	// Local repositories are read in place, never copied into the cache.
	if _, err := os.Stat(filepath.Join(ws.cache, "dep")); !os.IsNotExist(err) {
		t.Error("dep from a local repository was copied into the cache")
	}
}

func TestUpdateNotFound(t *testing.T) {
	ws := newWorkspace(t)
	app := t.TempDir()
	writeJSON(t, filepath.Join(app, "haven.json"), map[string]any{
		"name":         "app",
		"version":      "1.0.0",
		"dependencies": []any{map[string]string{"name": "zzzyyyxxx", "version": "9.8.7"}},
	})
	writeJSON(t, filepath.Join(app, config.LocalConfigFile), map[string]any{
		"repositories": map[string]any{
			"dependencies": []any{map[string]string{"type": "local", "url": t.TempDir()}},
		},
	})

	_, err := ws.run(t, app, "update")
	if !errors.IsNotFound(err) {
		t.Fatalf("update error = %v, want not found", err)
	}
	if err.Error() != "Dependency not found: zzzyyyxxx v.9.8.7" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestCheckConfigCommand(t *testing.T) {
	tests := map[string]struct {
		version  string
		depVer   string
		wantKind errors.Kind
	}{
		"release with release dependency":   {version: "1.0.0", depVer: "2.0.0"},
		"snapshot with snapshot dependency": {version: "1.0.0-SNAPSHOT", depVer: "2.0.0-SNAPSHOT"},
		"release with snapshot dependency":  {version: "1.0.0", depVer: "2.0.0-SNAPSHOT", wantKind: errors.KindSnapshotDependency},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ws := newWorkspace(t)
			dir := t.TempDir()
			writeJSON(t, filepath.Join(dir, "haven.json"), map[string]any{
				"name":         "app",
				"version":      tc.version,
				"dependencies": []any{map[string]string{"name": "d", "version": tc.depVer}},
			})

			_, err := ws.run(t, dir, "check-config")
			if got := errors.KindOf(err); got != tc.wantKind {
				t.Errorf("check-config error kind = %q, want %q (err: %v)", got, tc.wantKind, err)
			}
		})
	}
}

func TestSetVersionCommand(t *testing.T) {
	ws := newWorkspace(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"haven.yaml": "name: app\nversion: 1.0.0-SNAPSHOT\n"})

	if _, err := ws.run(t, dir, "set-version", "1.0.0"); err != nil {
		t.Fatalf("set-version error: %v", err)
	}
	desc, err := config.LoadDescriptor(filepath.Join(dir, "haven.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if desc.Version != "1.0.0" {
		t.Errorf("version = %q, want 1.0.0", desc.Version)
	}
}

func TestCleanCacheCommand(t *testing.T) {
	ws := newWorkspace(t)
	writeFiles(t, ws.cache, map[string]string{"lib/1.0.0/haven.json": `{"name":"lib","version":"1.0.0"}`})

	if _, err := ws.run(t, t.TempDir(), "clean-cache", "--yes"); err != nil {
		t.Fatalf("clean-cache error: %v", err)
	}
	entries, _ := os.ReadDir(ws.cache)
	if len(entries) != 0 {
		t.Errorf("cache has %d entries after clean-cache, want 0", len(entries))
	}
}

func TestGraphCommand(t *testing.T) {
	ws := newWorkspace(t)
	writeFiles(t, ws.cache, map[string]string{
		"d/1.0.0/haven.json":    `{"name":"d","version":"1.0.0","dependencies":[{"name":"e","version":"2.0.0"}]}`,
		"d/1.0.0/artifact/d.js": "d",
		"e/2.0.0/haven.json":    `{"name":"e","version":"2.0.0"}`,
	})
	app := t.TempDir()
	writeJSON(t, filepath.Join(app, "haven.json"), map[string]any{
		"name":         "app",
		"version":      "1.0.0",
		"dependencies": []any{map[string]string{"name": "d", "version": "1.0.0"}},
	})

	out, err := ws.run(t, app, "graph")
	if err != nil {
		t.Fatalf("graph error: %v", err)
	}
	for _, want := range []string{`"app@1.0.0" -> "d";`, `"d" -> "e";`} {
		if !strings.Contains(out, want) {
			t.Errorf("graph output missing %s:\n%s", want, out)
		}
	}
	if _, err := os.Stat(ws.output); !os.IsNotExist(err) {
		t.Error("graph wrote the output tree")
	}

	if _, err := ws.run(t, app, "graph", "--format", "png"); err == nil {
		t.Error("graph --format png succeeded, want error")
	}
}

func TestUnknownCommand(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.run(t, t.TempDir(), "frobnicate")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("error = %v, want unknown command", err)
	}
}
