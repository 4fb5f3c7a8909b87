// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package sourcelink

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCommit = "0123456789abcdef0123456789abcdef01234567"

const testSourceLink = `{
  "documents": {
    "/_/*": "https://raw.githubusercontent.com/contoso/lib/0123456789abcdef0123456789abcdef01234567/*",
    "/_/external/vendored/*": "https://gitlab.com/vendor/tool/-/raw/89abcdef0123456789abcdef0123456789abcdef/*",
    "C:\\build\\Generated.cs": "https://example.com/generated.cs"
  }
}`

func TestParseAndResolve(t *testing.T) {
	assert := assert.New(t)
	m, err := Parse([]byte(testSourceLink))
	require.NoError(t, err)
	assert.Equal(3, m.Len())

	u, ok := m.Resolve("/_/src/Lib/Program.cs")
	assert.True(ok)
	assert.Equal("https://raw.githubusercontent.com/contoso/lib/"+testCommit+"/src/Lib/Program.cs", u)

	u, ok = m.Resolve("/_/external/vendored/Tool.cs")
	assert.True(ok, "longest prefix wins")
	assert.Equal("https://gitlab.com/vendor/tool/-/raw/89abcdef0123456789abcdef0123456789abcdef/Tool.cs", u)

	u, ok = m.Resolve(`c:\build\generated.cs`)
	assert.True(ok)
	assert.Equal("https://example.com/generated.cs", u)

	_, ok = m.Resolve("/home/user/other.cs")
	assert.False(ok)

	rel, ok := m.RelativePath("/_/src/Lib/Program.cs")
	assert.True(ok)
	assert.Equal("src/Lib/Program.cs", rel)

	_, ok = m.RelativePath(`C:\build\Generated.cs`)
	assert.False(ok, "URL is not a repository layout")
}

func TestParseInvalid(t *testing.T) {
	for _, doc := range []string{
		`not json`,
		`{"documents": {"/_/*": "https://example.com/file.cs"}}`,
		`{"documents": {"/_/a.cs": "https://example.com/*"}}`,
	} {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalidSourceLink, doc)
	}
}

func TestRepositories(t *testing.T) {
	m, err := Parse([]byte(testSourceLink))
	require.NoError(t, err)
	assert.Equal(t, []Repository{
		{URL: "https://github.com/contoso/lib", Commit: testCommit},
		{URL: "https://gitlab.com/vendor/tool", Commit: "89abcdef0123456789abcdef0123456789abcdef"},
	}, m.Repositories())
}

func TestRepositoryOf(t *testing.T) {
	assert := assert.New(t)
	ref, ok := repositoryOf("https://github.com/contoso/lib/raw/" + testCommit + "/src/a.cs")
	assert.True(ok)
	assert.Equal("https://github.com/contoso/lib", ref.URL)
	assert.Equal("src/a.cs", ref.path)

	_, ok = repositoryOf("https://raw.githubusercontent.com/contoso/lib/main/src/a.cs")
	assert.False(ok, "branch names are not pinned commits")
}

func commitFile(t *testing.T, r *git.Repository, dir, name, content string) plumbing.Hash {
	t.Helper()
	wt, err := r.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	_, err = wt.Add(name)
	require.NoError(t, err)
	h, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "dotrepro", Email: "dotrepro@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)
	return h
}

func TestCheckoutExistingRepository(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir := t.TempDir()
	r, err := git.PlainInit(dir, false)
	require.NoError(err)
	first := commitFile(t, r, dir, "src/Program.cs", "class Program {}")
	commitFile(t, r, dir, "src/Program.cs", "class Program { static void Main() {} }")

	repo := Repository{URL: "https://github.com/contoso/lib", Commit: first.String()}
	require.NoError(Checkout(context.Background(), repo, dir, nil))

	data, err := os.ReadFile(filepath.Join(dir, "src", "Program.cs"))
	require.NoError(err)
	assert.Equal("class Program {}", string(data))

	m, err := Parse([]byte(`{"documents":{"/_/*":"https://raw.githubusercontent.com/contoso/lib/` + first.String() + `/*"}}`))
	require.NoError(err)
	files, missing := m.SourceFiles([]string{"/_/src/Program.cs", "/_/src/Gone.cs", "/elsewhere/x.cs"}, dir)
	assert.Equal([]string{filepath.Join(dir, "src", "Program.cs")}, files)
	assert.Equal([]string{"/_/src/Gone.cs", "/elsewhere/x.cs"}, missing)
}
