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

package sourcelink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sirupsen/logrus"
)

// Checkout makes dir a working tree of repo at its commit. An existing
// repository in dir is reused and only fetched if the commit is missing.
func Checkout(ctx context.Context, repo Repository, dir string, logger logrus.FieldLogger) error {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	log := logger.WithField("repository", repo.URL)

	r, err := git.PlainOpen(dir)
	if err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			return err
		}
		log.WithField("dir", dir).Info("Cloning repository.")
		r, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:        repo.URL,
			NoCheckout: true,
		})
		if err != nil {
			return fmt.Errorf("error when cloning %s: %w", repo.URL, err)
		}
	}

	hash := plumbing.NewHash(repo.Commit)
	if _, err := r.CommitObject(hash); err != nil {
		log.Debug("Commit not present, fetching.")
		err = r.FetchContext(ctx, &git.FetchOptions{RemoteName: git.DefaultRemoteName})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return fmt.Errorf("error when fetching %s: %w", repo.URL, err)
		}
	}

	wt, err := r.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return fmt.Errorf("error when checking out %s: %w", repo, err)
	}
	log.WithField("commit", repo.Commit).Debug("Checked out commit.")
	return nil
}

// SourceFiles maps documents to files of a checked out repository. Documents
// that have no mapping or no file in the checkout are returned as missing.
func (m *Map) SourceFiles(docs []string, checkoutDir string) (files, missing []string) {
	for _, doc := range docs {
		rel, ok := m.RelativePath(doc)
		if !ok || rel == "" {
			missing = append(missing, doc)
			continue
		}
		p := filepath.Join(checkoutDir, filepath.FromSlash(rel))
		if fi, err := os.Stat(p); err != nil || fi.IsDir() {
			missing = append(missing, doc)
			continue
		}
		files = append(files, p)
	}
	return files, missing
}
