// This file is part of dotrepro.
//
// Copyright (C) 2024 dotrepro Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package nuget

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultFeedURL is the flat container endpoint of nuget.org.
	DefaultFeedURL = "https://api.nuget.org/v3-flatcontainer"
	// DefaultTimeout bounds a single package download.
	DefaultTimeout = 30 * time.Second
	// DefaultRateLimit is the number of downloads started per second.
	DefaultRateLimit = 10
)

// Fetcher writes the .nupkg archive of a package to w.
type Fetcher interface {
	Fetch(ctx context.Context, id Identity, w io.Writer) error
}

// HTTPFetcher downloads packages from a flat container feed.
type HTTPFetcher struct {
	feedURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logrus.FieldLogger
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithFeedURL sets the flat container base URL.
func WithFeedURL(feedURL string) FetcherOption {
	return func(f *HTTPFetcher) {
		f.feedURL = strings.TrimRight(feedURL, "/")
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		f.httpClient = c
	}
}

// WithTimeout sets the timeout of a single download.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		f.httpClient = &http.Client{Timeout: d}
	}
}

// WithRateLimit sets the number of downloads started per second.
func WithRateLimit(perSecond float64) FetcherOption {
	return func(f *HTTPFetcher) {
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) FetcherOption {
	return func(f *HTTPFetcher) {
		f.logger = l
	}
}

// NewHTTPFetcher creates a fetcher for the nuget.org feed unless configured
// otherwise.
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		feedURL:    DefaultFeedURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     discardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URL returns the download URL of the package archive.
func (f *HTTPFetcher) URL(id Identity) string {
	lowerID := strings.ToLower(id.ID)
	lowerVersion := strings.ToLower(id.Version)
	return fmt.Sprintf("%s/%s/%s/%s", f.feedURL, lowerID, lowerVersion, id.fileName())
}

// Fetch downloads the package archive. There are no retries.
func (f *HTTPFetcher) Fetch(ctx context.Context, id Identity, w io.Writer) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}

	u := f.URL(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	f.logger.WithField("url", u).Debug("Downloading package.")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrPackageNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("failed to download %s: unexpected status %s", id, resp.Status)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to download %s: %w", id, err)
	}
	return nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
