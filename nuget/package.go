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

// Package nuget downloads and unpacks NuGet packages. Packages are kept in a
// cache directory and fetched at most once per Cache.
package nuget

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPackageNotFound is returned when the feed has no such package version.
	ErrPackageNotFound = errors.New("package not found")
	// ErrInvalidIdentity is returned for package identities that cannot be parsed.
	ErrInvalidIdentity = errors.New("invalid package identity")
	// ErrUnsafePath is returned for archive entries that would be extracted
	// outside the destination directory.
	ErrUnsafePath = errors.New("unsafe path in package")
)

// Identity names a single version of a package.
type Identity struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// ParseIdentity parses "id@version" or "id/version".
func ParseIdentity(s string) (Identity, error) {
	i := strings.LastIndexAny(s, "@/")
	if i <= 0 || i == len(s)-1 {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}
	return Identity{ID: s[:i], Version: s[i+1:]}, nil
}

// Key is the case-insensitive cache key of the identity. Package ids and
// versions are compared without case on every NuGet feed.
func (id Identity) Key() string {
	return strings.ToLower(id.ID) + "/" + strings.ToLower(id.Version)
}

func (id Identity) String() string {
	return id.ID + "@" + id.Version
}

func (id Identity) fileName() string {
	return strings.ToLower(id.ID) + "." + strings.ToLower(id.Version) + ".nupkg"
}
