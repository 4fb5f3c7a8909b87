// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package dotrepro

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveReferences looks up every reference by file name in dirs. The first
// directory holding the file wins. File names are matched without case.
// References that are not found are left out of the result.
func ResolveReferences(refs []MetadataReference, dirs []string) (map[string]string, error) {
	resolved := make(map[string]string, len(refs))
	if len(refs) == 0 {
		return resolved, nil
	}

	index := make(map[string]string)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			key := strings.ToLower(e.Name())
			if _, ok := index[key]; !ok {
				index[key] = filepath.Join(dir, e.Name())
			}
		}
	}

	for _, ref := range refs {
		if p, ok := index[strings.ToLower(ref.FileName)]; ok {
			resolved[ref.FileName] = p
		}
	}
	return resolved, nil
}
