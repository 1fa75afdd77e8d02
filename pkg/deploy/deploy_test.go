package deploy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
	"github.com/havenpkg/haven/pkg/installer"
	"github.com/havenpkg/haven/pkg/registry"
	"github.com/havenpkg/haven/pkg/repository"
	"github.com/havenpkg/haven/pkg/store"
)

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func testConfig() *config.Global {
	return &config.Global{
		Timeouts: config.Timeouts{Request: 5 * time.Second},
		Remote:   config.RemoteOptions{MaxDepth: 8, Concurrency: 2},
	}
}

// installed builds a project, installs it into a fresh cache and returns
// the descriptor and cache.
func installed(t *testing.T, distribution string) (*config.Descriptor, store.Store) {
	t.Helper()
	project := t.TempDir()
	for rel, content := range map[string]string{
		"dist/ui.js":         "ui",
		"dist/css/theme.css": "theme",
	} {
		path := filepath.Join(project, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	desc := &config.Descriptor{
		Name:    "ui",
		Version: "1.2.0",
		Artifacts: []config.ArtifactSpec{
			{Files: []config.FileEntry{{Src: "dist", Target: "dist"}}},
			{ID: "theme", Files: []config.FileEntry{{Src: "dist/css/theme.css", Target: "theme.css"}}},
		},
		Repositories: &config.Repositories{
			Distribution: []config.RepositoryRef{{Type: repository.TypeHaven, URL: distribution}},
		},
	}

	cache := store.New(t.TempDir())
	inst := &installer.Installer{Store: cache, ProjectDir: project, Logger: quietLogger()}
	_, err := inst.Install(context.Background(), desc)
	require.NoError(t, err)
	return desc, cache
}

func TestDeployToRegistry(t *testing.T) {
	root := t.TempDir()
	srv := httptest.NewServer(registry.New(root, quietLogger()).Handler())
	defer srv.Close()

	desc, cache := installed(t, srv.URL)
	d := &Deployer{Config: testConfig(), Store: cache, Logger: quietLogger()}

	n, err := d.Deploy(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for rel, want := range map[string]string{
		"ui/1.2.0/artifact/dist/ui.js":         "ui",
		"ui/1.2.0/artifact/dist/css/theme.css": "theme",
		"ui-theme/1.2.0/artifact/theme.css":    "theme",
	} {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.Equal(t, want, string(data), rel)
	}

	// What was deployed can be fetched back as a haven repository.
	remote := repository.NewRemote(srv.URL, repository.Options{Config: testConfig(), Logger: quietLogger()})
	entry, err := remote.Fetch(context.Background(), repository.Request{Name: "ui-theme", Version: "1.2.0"}, store.New(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, "ui", entry.Metadata.Name)
}

func TestDeployUploadsMetadataLast(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	desc, cache := installed(t, srv.URL)
	desc.Artifacts = desc.Artifacts[:1]
	d := &Deployer{Config: testConfig(), Store: cache, Logger: quietLogger()}

	_, err := d.Deploy(context.Background(), desc)
	require.NoError(t, err)

	require.Len(t, paths, 3)
	assert.Equal(t, "/ui/1.2.0/haven.json", paths[len(paths)-1])
	assert.ElementsMatch(t, []string{
		"/ui/1.2.0/artifact/dist/ui.js",
		"/ui/1.2.0/artifact/dist/css/theme.css",
	}, paths[:2])
}

func TestDeployErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	tests := map[string]struct {
		prepare  func(desc *config.Descriptor, cache store.Store)
		wantKind errors.Kind
	}{
		"server error": {
			prepare:  func(desc *config.Descriptor, cache store.Store) {},
			wantKind: errors.KindTransport,
		},
		"not installed": {
			prepare: func(desc *config.Descriptor, cache store.Store) {
				cache.Remove("ui", "1.2.0")
			},
			wantKind: errors.KindDependencyNotFound,
		},
		"snapshot dependency": {
			prepare: func(desc *config.Descriptor, cache store.Store) {
				desc.Dependencies = []config.Dependency{{Name: "lib", Version: "2.0.0-SNAPSHOT"}}
			},
			wantKind: errors.KindSnapshotDependency,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			desc, cache := installed(t, failing.URL)
			tc.prepare(desc, cache)
			d := &Deployer{Config: testConfig(), Store: cache, Logger: quietLogger()}

			_, err := d.Deploy(context.Background(), desc)
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, errors.KindOf(err))
		})
	}
}

func TestDeployWithoutDistribution(t *testing.T) {
	desc, cache := installed(t, "http://unused")
	desc.Repositories = nil
	d := &Deployer{Config: testConfig(), Store: cache, Logger: quietLogger()}

	_, err := d.Deploy(context.Background(), desc)
	assert.ErrorContains(t, err, "no distribution repository")
}
