// Package registry serves a directory in cache layout over HTTP so it can be
// used as a "haven" repository and as a deploy target.
//
//	GET  /<dir>/?view=json   directory listing
//	GET  /<file>             file bytes
//	POST /<file>             multipart upload, field "my_file"
//	GET  /healthz            heartbeat
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/havenpkg/haven/pkg/repository"
)

const (
	// DefaultAddr is where haven serve listens unless told otherwise.
	DefaultAddr = "127.0.0.1:19514"
	// UploadField is the multipart field deploy sends files in.
	UploadField = "my_file"

	maxMemory       = 32 << 20
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	Root   string
	Logger *log.Logger

	router chi.Router
}

func New(root string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{Root: root, Logger: logger, router: chi.NewRouter()}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Heartbeat("/healthz"))
	s.router.Use(s.logRequests)

	s.router.Get("/*", s.get)
	s.router.Post("/*", s.upload)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done or the process receives
// SIGINT or SIGTERM. It returns nil on clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return fmt.Errorf("creating registry root: %w", err)
	}

	srv := &http.Server{Addr: addr, Handler: s.router}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("registry listening", "addr", addr, "root", s.Root)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case sig := <-sigCh:
		s.Logger.Info("shutting down", "signal", sig)
	case <-ctx.Done():
		s.Logger.Info("shutting down", "reason", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

// resolve maps the wildcard URL path onto the root, refusing anything that
// would leave it.
func (s *Server) resolve(r *http.Request) (string, bool) {
	rel := filepath.FromSlash(chi.URLParam(r, "*"))
	rel = filepath.Clean(rel)
	if rel == "." {
		return s.Root, true
	}
	if !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.Join(s.Root, rel), true
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	path, ok := s.resolve(r)
	if !ok {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if r.URL.Query().Get("view") == "json" {
		if !info.IsDir() {
			http.NotFound(w, r)
			return
		}
		s.list(w, path)
		return
	}

	if info.IsDir() {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "reading file", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) list(w http.ResponseWriter, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		http.Error(w, "reading directory", http.StatusInternalServerError)
		return
	}

	listing := repository.Listing{
		Resources:   []repository.ListingEntry{},
		Directories: []repository.ListingEntry{},
	}
	for _, e := range entries {
		// Uploads are staged under dot names until renamed.
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		entry := repository.ListingEntry{Name: e.Name()}
		if e.IsDir() {
			listing.Directories = append(listing.Directories, entry)
		} else {
			listing.Resources = append(listing.Resources, entry)
		}
	}
	sort.Slice(listing.Resources, func(i, j int) bool { return listing.Resources[i].Name < listing.Resources[j].Name })
	sort.Slice(listing.Directories, func(i, j int) bool { return listing.Directories[i].Name < listing.Directories[j].Name })

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	path, ok := s.resolve(r)
	if !ok || path == s.Root {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		http.Error(w, "expected multipart form", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile(UploadField)
	if err != nil {
		http.Error(w, fmt.Sprintf("missing %s field", UploadField), http.StatusBadRequest)
		return
	}
	defer file.Close()

	if err := writeAtomic(path, file); err != nil {
		s.Logger.Error("storing upload", "path", path, "err", err)
		http.Error(w, "storing upload", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// writeAtomic stages the upload beside its destination and renames it into
// place, so a listing never shows a half-written file.
func writeAtomic(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".upload")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
