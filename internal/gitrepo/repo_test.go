package gitrepo_test

import (
	"context"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/gitrepo/gittest"
)

func hashes(t *testing.T, repo *gittest.Repo, starts, hidden []plumbing.Hash) []plumbing.Hash {
	t.Helper()
	commits, err := repo.Walk(context.Background(), starts, hidden)
	require.NoError(t, err)
	out := make([]plumbing.Hash, 0, len(commits))
	for _, c := range commits {
		out = append(out, c.Hash)
	}
	return out
}

func TestWalkOldestFirst(t *testing.T) {
	repo := gittest.New(t)
	base := repo.Commit("base")
	chain := repo.Chain(base, "c1", "c2", "c3")

	assert.Equal(t, chain, hashes(t, repo, []plumbing.Hash{chain[2]}, []plumbing.Hash{base}))
}

func TestWalkMergeOrdersParentsFirst(t *testing.T) {
	repo := gittest.New(t)
	base := repo.Commit("base")
	left := repo.Commit("left", base)
	right := repo.Commit("right", base)
	merge := repo.Commit("merge", left, right)

	got := hashes(t, repo, []plumbing.Hash{merge}, []plumbing.Hash{base})
	require.Len(t, got, 3)
	assert.Equal(t, merge, got[2])
	assert.ElementsMatch(t, []plumbing.Hash{left, right}, got[:2])
}

func TestWalkWithoutHiddenIncludesRoot(t *testing.T) {
	repo := gittest.New(t)
	chain := repo.Chain(plumbing.ZeroHash, "root", "next")
	assert.Equal(t, chain, hashes(t, repo, []plumbing.Hash{chain[1]}, nil))
}

func TestWalkTipAlreadyHidden(t *testing.T) {
	repo := gittest.New(t)
	chain := repo.Chain(plumbing.ZeroHash, "root", "next")
	assert.Empty(t, hashes(t, repo, []plumbing.Hash{chain[0]}, []plumbing.Hash{chain[1]}))
}

func TestAncestry(t *testing.T) {
	repo := gittest.New(t)
	chain := repo.Chain(plumbing.ZeroHash, "a", "b", "c")
	orphan := repo.Commit("orphan")

	merged, err := repo.IsMergedInto(chain[0], chain[2])
	require.NoError(t, err)
	assert.True(t, merged)

	merged, err = repo.IsMergedInto(chain[2], chain[0])
	require.NoError(t, err)
	assert.False(t, merged)

	ok, err := repo.HasMergeBase(chain[2], orphan)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.HasMergeBase(chain[1], repo.Commit("side", chain[0]))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestObjectLookups(t *testing.T) {
	repo := gittest.New(t)
	c := repo.Commit("a")
	blob := repo.Blob("data")

	assert.True(t, repo.IsCommit(c))
	assert.False(t, repo.IsCommit(blob))
	assert.True(t, repo.HasObject(blob))

	_, err := repo.Repository.Commit(plumbing.NewHash("0123456789012345678901234567890123456789"))
	assert.ErrorIs(t, err, gitrepo.ErrMissingObject)
	assert.Equal(t, c.String()[:7], gitrepo.Abbreviate(c))
}

func TestHeadIsUnbornBranch(t *testing.T) {
	repo := gittest.New(t)
	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/master", head)

	exists, err := repo.Refs().Exists(head)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, repo.SetHead("refs/heads/main"))
	head, err = repo.Head()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", head)
}

func TestReadFile(t *testing.T) {
	repo := gittest.New(t)
	c := repo.CommitWith(gittest.CommitSpec{Message: "config", Files: map[string]string{"receive.yaml": "project: {}\n"}})

	data, ok, err := repo.ReadFile(c, "receive.yaml")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "project: {}\n", string(data))

	_, ok, err = repo.ReadFile(c, "absent.yaml")
	require.NoError(t, err)
	assert.False(t, ok)
}
