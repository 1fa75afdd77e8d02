package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/havenpkg/haven/pkg/errors"
)

// statusError is a non-2xx response. Each backend decides whether it is a
// clean miss or a broken repository.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d", e.code)
}

// statusOf returns the HTTP status carried by err, or 0.
func statusOf(err error) int {
	var se *statusError
	if stderrors.As(err, &se) {
		return se.code
	}
	return 0
}

type httpGetter struct {
	client *http.Client
}

// get returns the body of a 2xx response. Any other status, like a network
// failure, is a Transport error; statusOf recovers the code.
func (g httpGetter) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Backend(err, "building request for %s", url)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.Transport(err, "GET %s", url)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, errors.Transport(&statusError{code: resp.StatusCode}, "GET %s", url)
	}
	return resp.Body, nil
}

func (g httpGetter) getJSON(ctx context.Context, url string, v any) error {
	body, err := g.get(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return errors.Backend(err, "decoding %s", url)
	}
	return nil
}

// download streams url into path, creating parent directories.
func (g httpGetter) download(ctx context.Context, url, path string) error {
	body, err := g.get(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Backend(err, "creating %s", filepath.Dir(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Backend(err, "creating %s", path)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return errors.Transport(err, "reading %s", url)
	}
	if err := f.Close(); err != nil {
		return errors.Backend(err, "writing %s", path)
	}
	return nil
}

// missAs converts any non-success status into a clean miss for req, so the
// next repository is tried. Network failures pass through.
func missAs(err error, req Request) error {
	if statusOf(err) != 0 {
		return errors.NotFound(req.Name, req.Version)
	}
	return err
}

// brokenAs converts a 404 into a Backend error: the repository advertised
// something it cannot serve.
func brokenAs(err error, url string) error {
	if statusOf(err) == http.StatusNotFound {
		return errors.Backend(err, "listed resource missing: %s", url)
	}
	return err
}
