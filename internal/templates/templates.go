// Package templates provides the default planning used to seed a year that
// has no data yet.
package templates

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"change/internal/core"
)

//go:embed planning.json
var embeddedPlanning []byte

// Fetcher returns the statements of the default planning.
type Fetcher interface {
	Fetch(ctx context.Context) ([]core.Statement, error)
}

func decode(data []byte) ([]core.Statement, error) {
	var statements []core.Statement
	if err := json.Unmarshal(data, &statements); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	for i, s := range statements {
		if !s.Type.IsValid() {
			return nil, fmt.Errorf("template statement %d: %w", i, core.ErrInvalidType)
		}
	}
	return statements, nil
}

// HTTPFetcher downloads the template from a static resource.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]core.Statement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build template request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch template: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("template %s: %w", f.URL, core.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("template %s: unexpected status %d", f.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return decode(body)
}

// EmbeddedFetcher serves the template compiled into the binary.
type EmbeddedFetcher struct{}

func (EmbeddedFetcher) Fetch(context.Context) ([]core.Statement, error) {
	return decode(embeddedPlanning)
}

// Fallback tries each fetcher in order and returns the first success.
type Fallback struct {
	fetchers []Fetcher
	logger   *slog.Logger
}

func NewFallback(logger *slog.Logger, fetchers ...Fetcher) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{fetchers: fetchers, logger: logger}
}

func (f *Fallback) Fetch(ctx context.Context) ([]core.Statement, error) {
	var errs []error
	for i, fetcher := range f.fetchers {
		statements, err := fetcher.Fetch(ctx)
		if err == nil {
			return statements, nil
		}
		f.logger.WarnContext(ctx, "Template source failed", "source", i, "error", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no template source: %w", core.ErrNotFound)
	}
	return nil, errors.Join(errs...)
}
