package repository

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
	"github.com/havenpkg/haven/pkg/store"
)

const (
	mavenDir     = "maven"
	mavenPOM     = "pom.xml"
	mavenJar     = "artifact.jar"
	requireShim  = "webjars-requirejs.js"
	mavenCompile = "compile"
	mavenRuntime = "runtime"
)

// Maven fetches webjars: the files under
// META-INF/resources/webjars/<name>/<version>/ inside
// <url>/<group path>/<name>/<version>/<name>-<version>.jar.
type Maven struct {
	url    string
	group  string
	http   httpGetter
	logger *log.Logger
}

var _ Repository = &Maven{}

func NewMaven(url string, opts Options) *Maven {
	return &Maven{
		url:    strings.TrimSuffix(url, "/"),
		group:  opts.Config.Defaults.MavenGroup,
		http:   httpGetter{client: opts.httpClient()},
		logger: opts.logger(),
	}
}

func (m *Maven) Name() string {
	return TypeMaven + " " + m.url
}

// baseURL is <url>/<group path>/<name>/<version>/<name>-<version>.
func (m *Maven) baseURL(req Request) string {
	groupPath := strings.ReplaceAll(m.group, ".", "/")
	return fmt.Sprintf("%s/%s/%s/%s/%s-%s", m.url, groupPath, req.Name, req.Version, req.Name, req.Version)
}

func (m *Maven) Fetch(ctx context.Context, req Request, cache store.Store) (*store.Entry, error) {
	entry, err := m.fetch(ctx, req, cache)
	if err != nil {
		discard(cache, req)
		return nil, err
	}
	return entry, nil
}

func (m *Maven) fetch(ctx context.Context, req Request, cache store.Store) (*store.Entry, error) {
	base := m.baseURL(req)
	pomPath := cache.Path(req.Name, req.Version, mavenDir, mavenPOM)
	jarPath := cache.Path(req.Name, req.Version, mavenDir, mavenJar)

	m.logger.Debug("downloading pom", "url", base+".pom")
	if err := m.http.download(ctx, base+".pom", pomPath); err != nil {
		return nil, missAs(err, req)
	}
	m.logger.Debug("downloading jar", "url", base+".jar")
	if err := m.http.download(ctx, base+".jar", jarPath); err != nil {
		return nil, missAs(err, req)
	}

	n, err := extractWebjar(jarPath, cache.ArtifactDir(req.Name, req.Version), req)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("extracted webjar", "name", req.Name, "version", req.Version, "files", n)

	deps, err := m.pomDependencies(pomPath)
	if err != nil {
		// The artifact is usable without its dependency list.
		m.logger.Warn("could not read pom dependencies", "name", req.Name, "version", req.Version, "err", err)
	}

	return cache.WriteMetadata(req.Name, req.Version, &config.Descriptor{
		Name:         req.Name,
		Version:      req.Version,
		Dependencies: deps,
	})
}

// normalizeVersion truncates version at its first hyphen: webjars drop
// qualifiers from the resource path.
func normalizeVersion(version string) string {
	if i := strings.Index(version, "-"); i >= 0 {
		return version[:i]
	}
	return version
}

// extractWebjar copies every jar entry under
// .../resources/webjars/<name>/<normalized version>/ into dest, keeping the
// path below that prefix. It returns the number of files written.
func extractWebjar(jarPath, dest string, req Request) (int, error) {
	pattern := regexp.MustCompile(
		"^.*resources/webjars/" + regexp.QuoteMeta(req.Name) + "/" +
			regexp.QuoteMeta(normalizeVersion(req.Version)) + "/(.+)$")

	zr, err := zip.OpenReader(jarPath)
	if err != nil {
		return 0, errors.Backend(err, "opening jar for %s", req)
	}
	defer zr.Close()

	n := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(f.Name)
		if match == nil {
			continue
		}
		rel := match[1]
		if path.Base(rel) == requireShim {
			continue
		}
		target, err := safeJoin(dest, rel)
		if err != nil {
			return n, errors.Backend(err, "jar entry %s", f.Name)
		}
		if err := extractZipFile(f, target); err != nil {
			return n, errors.Backend(err, "extracting %s from jar for %s", f.Name, req)
		}
		n++
	}
	return n, nil
}

func extractZipFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin joins a slash-separated archive path onto dir, refusing paths
// that climb out of it.
func safeJoin(dir, rel string) (string, error) {
	if rel == "" || path.IsAbs(rel) {
		return "", fmt.Errorf("unsafe path %q", rel)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("unsafe path %q", rel)
		}
	}
	return filepath.Join(dir, filepath.FromSlash(rel)), nil
}

type pomProject struct {
	GroupID      string          `xml:"groupId"`
	ArtifactID   string          `xml:"artifactId"`
	Version      string          `xml:"version"`
	Dependencies []pomDependency `xml:"dependencies>dependency"`
}

type pomDependency struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
	Version    string `xml:"version"`
	Scope      string `xml:"scope"`
	Optional   string `xml:"optional"`
}

func (m *Maven) pomDependencies(pomPath string) ([]config.Dependency, error) {
	data, err := os.ReadFile(pomPath)
	if err != nil {
		return nil, err
	}
	var pom pomProject
	if err := xml.Unmarshal(data, &pom); err != nil {
		return nil, fmt.Errorf("parsing pom: %w", err)
	}
	return extractDeps(&pom, m.group), nil
}

// extractDeps keeps the runtime dependencies that live in group and pin an
// exact version. Property references and version ranges are skipped.
func extractDeps(pom *pomProject, group string) []config.Dependency {
	var deps []config.Dependency
	seen := make(map[string]bool)

	for _, dep := range pom.Dependencies {
		switch dep.Scope {
		case "", mavenCompile, mavenRuntime:
		default:
			continue
		}
		if dep.Optional == "true" || dep.GroupID != group {
			continue
		}
		if dep.ArtifactID == "" || !exactVersion(dep.Version) {
			continue
		}
		key := dep.ArtifactID + "@" + dep.Version
		if seen[key] {
			continue
		}
		seen[key] = true
		deps = append(deps, config.Dependency{Name: dep.ArtifactID, Version: dep.Version})
	}
	return deps
}

func exactVersion(v string) bool {
	return v != "" && !strings.Contains(v, "${") && !strings.ContainsAny(v, "[](),")
}
