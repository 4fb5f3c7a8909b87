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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type outcome struct {
	dir string
	err error
}

// Cache downloads packages into a directory. Concurrent requests for the same
// package share one download and completed outcomes, failures included, are
// remembered, so every package is fetched at most once per Cache.
type Cache struct {
	dir     string
	fetcher Fetcher
	logger  logrus.FieldLogger

	group singleflight.Group

	mu   sync.Mutex
	done map[string]outcome
}

// NewCache creates a cache rooted at dir. A nil logger discards output.
func NewCache(dir string, fetcher Fetcher, logger logrus.FieldLogger) *Cache {
	if logger == nil {
		logger = discardLogger()
	}
	return &Cache{
		dir:     dir,
		fetcher: fetcher,
		logger:  logger,
		done:    make(map[string]outcome),
	}
}

// Dir returns the directory a package is extracted to.
func (c *Cache) Dir(id Identity) string {
	return filepath.Join(c.dir, strings.ToLower(id.ID), strings.ToLower(id.Version))
}

// Get returns the directory of the extracted package, downloading it if
// needed. A caller that gives up through ctx gets ctx.Err() while the
// download continues for the other callers.
func (c *Cache) Get(ctx context.Context, id Identity) (string, error) {
	key := id.Key()
	if o, ok := c.lookup(key); ok {
		cacheHitsTotal.Inc()
		return o.dir, o.err
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if o, ok := c.lookup(key); ok {
			return o.dir, o.err
		}
		dir, err := c.download(context.WithoutCancel(ctx), id)
		c.mu.Lock()
		c.done[key] = outcome{dir: dir, err: err}
		c.mu.Unlock()
		return dir, err
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			coalescedTotal.Inc()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Cache) lookup(key string) (outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.done[key]
	return o, ok
}

func (c *Cache) download(ctx context.Context, id Identity) (dir string, err error) {
	log := c.logger.WithField("package", id.String())
	dir = c.Dir(id)
	if fi, statErr := os.Stat(dir); statErr == nil && fi.IsDir() {
		log.Debug("Package already extracted.")
		return dir, nil
	}

	start := time.Now()
	defer func() {
		downloadDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			downloadFailuresTotal.Inc()
			log.WithError(err).Warn("Package download failed.")
		}
	}()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp(c.dir, ".download-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)

	archive := filepath.Join(tmp, id.fileName())
	f, err := os.Create(archive)
	if err != nil {
		return "", err
	}
	if err := c.fetcher.Fetch(ctx, id, f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	downloadsTotal.Inc()

	extracted := filepath.Join(tmp, "content")
	if err := Extract(archive, extracted); err != nil {
		return "", fmt.Errorf("%s: %w", id, err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(extracted, dir); err != nil {
		// Another process may have extracted the same package.
		if fi, statErr := os.Stat(dir); statErr == nil && fi.IsDir() {
			return dir, nil
		}
		return "", err
	}
	log.WithField("dir", dir).Info("Package extracted.")
	return dir, nil
}

// Forget drops the remembered outcome of a package so the next Get fetches
// it again.
func (c *Cache) Forget(id Identity) {
	c.mu.Lock()
	delete(c.done, id.Key())
	c.mu.Unlock()
}

// IsNotFound reports whether err means the feed has no such package.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPackageNotFound)
}
