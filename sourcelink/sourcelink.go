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

// Package sourcelink maps the documents recorded in a portable PDB to the
// repository and commit they were built from.
package sourcelink

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// ErrInvalidSourceLink is returned for Source Link documents that cannot be parsed.
var ErrInvalidSourceLink = errors.New("invalid Source Link document")

type mapping struct {
	path     string
	url      string
	wildcard bool
}

// Map is a parsed Source Link document.
type Map struct {
	mappings []mapping
}

type document struct {
	Documents map[string]string `json:"documents"`
}

// Parse parses the JSON Source Link document. Keys and values ending in "*"
// are prefix mappings; the rest of the document path replaces the "*" of the
// URL.
func Parse(data []byte) (*Map, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSourceLink, err)
	}
	m := &Map{}
	for path, u := range doc.Documents {
		keyWild := strings.HasSuffix(path, "*")
		urlWild := strings.HasSuffix(u, "*")
		if keyWild != urlWild || strings.Count(path, "*") > 1 || strings.Count(u, "*") > 1 {
			return nil, fmt.Errorf("%w: mapping %q -> %q", ErrInvalidSourceLink, path, u)
		}
		m.mappings = append(m.mappings, mapping{
			path:     strings.TrimSuffix(path, "*"),
			url:      strings.TrimSuffix(u, "*"),
			wildcard: keyWild,
		})
	}
	// Longest prefix first.
	slices.SortFunc(m.mappings, func(a, b mapping) int {
		if len(a.path) != len(b.path) {
			return len(b.path) - len(a.path)
		}
		return strings.Compare(a.path, b.path)
	})
	return m, nil
}

// Len returns the number of mappings.
func (m *Map) Len() int {
	return len(m.mappings)
}

func (m *Map) match(doc string) (mapping, string, bool) {
	for _, mp := range m.mappings {
		if mp.wildcard {
			if len(doc) >= len(mp.path) && strings.EqualFold(doc[:len(mp.path)], mp.path) {
				return mp, doc[len(mp.path):], true
			}
			continue
		}
		if strings.EqualFold(doc, mp.path) {
			return mp, "", true
		}
	}
	return mapping{}, "", false
}

// Resolve returns the URL a document can be downloaded from.
func (m *Map) Resolve(doc string) (string, bool) {
	mp, rest, ok := m.match(doc)
	if !ok {
		return "", false
	}
	return mp.url + strings.ReplaceAll(rest, `\`, "/"), true
}

// RelativePath returns the slash separated path of a document inside its
// repository.
func (m *Map) RelativePath(doc string) (string, bool) {
	u, ok := m.Resolve(doc)
	if !ok {
		return "", false
	}
	repo, ok := repositoryOf(u)
	if !ok {
		return "", false
	}
	return repo.path, true
}

// Repository is a git repository at a fixed commit.
type Repository struct {
	URL    string `json:"url"`
	Commit string `json:"commit"`
}

func (r Repository) String() string {
	return r.URL + "@" + r.Commit
}

type repoRef struct {
	Repository
	path string
}

var commitPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// repositoryOf recognises the raw content URL layouts of the common hosts.
func repositoryOf(raw string) (repoRef, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return repoRef{}, false
	}
	parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")

	var owner, name, commit string
	var rest []string
	switch {
	// raw.githubusercontent.com/<owner>/<repo>/<commit>/<path>
	case u.Host == "raw.githubusercontent.com" && len(parts) >= 3:
		owner, name, commit, rest = parts[0], parts[1], parts[2], parts[3:]
		u.Host = "github.com"
	// <host>/<owner>/<repo>/-/raw/<commit>/<path>
	case len(parts) >= 5 && parts[2] == "-" && parts[3] == "raw":
		owner, name, commit, rest = parts[0], parts[1], parts[4], parts[5:]
	// <host>/<owner>/<repo>/raw/<commit>/<path>
	case len(parts) >= 4 && parts[2] == "raw":
		owner, name, commit, rest = parts[0], parts[1], parts[3], parts[4:]
	default:
		return repoRef{}, false
	}
	if !commitPattern.MatchString(commit) {
		return repoRef{}, false
	}
	return repoRef{
		Repository: Repository{
			URL:    fmt.Sprintf("%s://%s/%s/%s", u.Scheme, u.Host, owner, name),
			Commit: strings.ToLower(commit),
		},
		path: strings.Join(rest, "/"),
	}, true
}

// Repositories returns the distinct repositories the mappings point at.
func (m *Map) Repositories() []Repository {
	var repos []Repository
	for _, mp := range m.mappings {
		ref, ok := repositoryOf(mp.url)
		if !ok || slices.Contains(repos, ref.Repository) {
			continue
		}
		repos = append(repos, ref.Repository)
	}
	slices.SortFunc(repos, func(a, b Repository) int {
		return strings.Compare(a.String(), b.String())
	})
	return repos
}
