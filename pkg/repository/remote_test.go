package repository

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
	"github.com/havenpkg/haven/pkg/store"
)

func TestRemoteFetch(t *testing.T) {
	reg := &fakeRegistry{files: map[string]string{
		"ui/1.0.0/haven.json":                   `{"name": "ui", "version": "1.0.0", "dependencies": [{"name": "icons", "version": "2.0.0"}]}`,
		"ui/1.0.0/artifact/ui.js":               "js",
		"ui/1.0.0/artifact/css/ui.css":          "css",
		"ui/1.0.0/artifact/css/themes/dark.css": "dark",
	}}
	srv := httptest.NewServer(reg)
	defer srv.Close()

	cache := store.New(t.TempDir())
	entry, err := NewRemote(srv.URL+"/", testOptions()).Fetch(context.Background(), Request{Name: "ui", Version: "1.0.0"}, cache)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"ui.js":               "js",
		"css/ui.css":          "css",
		"css/themes/dark.css": "dark",
	}, readTree(t, entry.ArtifactDir()))
	assert.Equal(t, []config.Dependency{{Name: "icons", Version: "2.0.0"}}, entry.Dependencies())

	_, err = cache.Lookup("ui", "1.0.0")
	assert.NoError(t, err)
}

func TestRemoteFetchErrors(t *testing.T) {
	tests := map[string]struct {
		files    map[string]string
		status   int
		maxDepth int
		wantKind errors.Kind
	}{
		"metadata missing": {
			files:    map[string]string{"other/1.0.0/haven.json": `{}`},
			wantKind: errors.KindDependencyNotFound,
		},
		"server error": {
			status:   http.StatusInternalServerError,
			wantKind: errors.KindDependencyNotFound,
		},
		"unauthorized": {
			status:   http.StatusUnauthorized,
			wantKind: errors.KindDependencyNotFound,
		},
		"malformed metadata": {
			files:    map[string]string{"lib/1.0.0/haven.json": `{"name": `},
			wantKind: errors.KindBackend,
		},
		"too deep": {
			files: map[string]string{
				"lib/1.0.0/haven.json":             `{"name": "lib", "version": "1.0.0"}`,
				"lib/1.0.0/artifact/a/b/c/d/e.txt": "deep",
			},
			maxDepth: 2,
			wantKind: errors.KindBackend,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(&fakeRegistry{files: tc.files, status: tc.status})
			defer srv.Close()

			opts := testOptions()
			if tc.maxDepth > 0 {
				opts.Config.Remote.MaxDepth = tc.maxDepth
			}
			cache := store.New(t.TempDir())

			_, err := NewRemote(srv.URL, opts).Fetch(context.Background(), Request{Name: "lib", Version: "1.0.0"}, cache)
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, errors.KindOf(err), "err: %v", err)

			_, lookupErr := cache.Lookup("lib", "1.0.0")
			assert.True(t, errors.IsNotFound(lookupErr), "failed fetch must not leave metadata")
		})
	}
}

func TestValidEntryName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		assert.Error(t, validEntryName(name), "name %q", name)
	}
	assert.NoError(t, validEntryName("jquery.min.js"))
}

func TestRemoteFetchWithoutArtifact(t *testing.T) {
	srv := httptest.NewServer(&fakeRegistry{files: map[string]string{
		"agg/1.0.0/haven.json": `{"name": "agg", "version": "1.0.0", "dependencies": [{"name": "lib", "version": "1.0.0"}]}`,
	}})
	defer srv.Close()

	cache := store.New(t.TempDir())
	entry, err := NewRemote(srv.URL, testOptions()).Fetch(context.Background(), Request{Name: "agg", Version: "1.0.0"}, cache)
	require.NoError(t, err)
	assert.Empty(t, readTree(t, entry.ArtifactDir()))
	assert.Equal(t, []config.Dependency{{Name: "lib", Version: "1.0.0"}}, entry.Dependencies())
}

func TestRemoteFetchListedResourceMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/lib/1.0.0/haven.json":
			w.Write([]byte(`{"name": "lib", "version": "1.0.0"}`))
		case r.URL.Path == "/lib/1.0.0/artifact/" && r.URL.RawQuery == ListingQuery:
			w.Write([]byte(`{"resources": [{"name": "gone.js"}], "directories": [{"name": "sub"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cache := store.New(t.TempDir())
	_, err := NewRemote(srv.URL, testOptions()).Fetch(context.Background(), Request{Name: "lib", Version: "1.0.0"}, cache)
	assert.Equal(t, errors.KindBackend, errors.KindOf(err), "err: %v", err)

	_, lookupErr := cache.Lookup("lib", "1.0.0")
	assert.True(t, errors.IsNotFound(lookupErr))
}

func TestStatusMapping(t *testing.T) {
	req := Request{Name: "lib", Version: "1.0.0"}
	network := errors.Transport(io.ErrUnexpectedEOF, "GET http://x")

	assert.True(t, errors.IsNotFound(missAs(errors.Transport(&statusError{code: http.StatusForbidden}, "GET http://x"), req)))
	assert.Equal(t, errors.KindTransport, errors.KindOf(missAs(network, req)), "network failures still abort")

	assert.Equal(t, errors.KindBackend, errors.KindOf(brokenAs(errors.Transport(&statusError{code: http.StatusNotFound}, "GET http://x"), "http://x")))
	assert.Equal(t, errors.KindTransport, errors.KindOf(brokenAs(errors.Transport(&statusError{code: http.StatusBadGateway}, "GET http://x"), "http://x")))
}
