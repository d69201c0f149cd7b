package patchset

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydakis/jul/receive/internal/batch"
	"github.com/lydakis/jul/receive/internal/changeid"
	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/config"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/gitrepo/gittest"
	"github.com/lydakis/jul/receive/internal/permission"
	"github.com/lydakis/jul/receive/internal/selector"
	"github.com/lydakis/jul/receive/internal/storage"
	"github.com/lydakis/jul/receive/internal/storage/storagetest"
)

const key = "I0123456789abcdef0123456789abcdef01234567"

type fixture struct {
	repo    *gittest.Repo
	store   *storage.Store
	base    plumbing.Hash
	old     plumbing.Hash
	change  storage.Change
	checker *Checker
}

func newFixture(t *testing.T, status storage.ChangeStatus) *fixture {
	repo := gittest.New(t)
	base := repo.Commit("initial\n")
	repo.SetRef("refs/heads/master", base)
	old := repo.Commit("v1\n\nChange-Id: "+key+"\n", base)

	store := storagetest.New(t)
	change := storagetest.Seed(t, store, storagetest.ChangeSpec{
		Branch: "refs/heads/master", Key: key, Owner: "alice", Status: status,
		Commits: []string{old.String()}, Groups: []string{"g1"},
	})
	repo.SetRef(changeid.PatchSetRef(change.Number, 1), old)

	return &fixture{
		repo:   repo,
		store:  store,
		base:   base,
		old:    old,
		change: change,
		checker: &Checker{
			Repo:        repo.Repository,
			Store:       store,
			Permissions: permission.AllowAll{},
			User:        permission.User{Name: "alice"},
		},
	}
}

func (f *fixture) commit(t *testing.T, h plumbing.Hash) *object.Commit {
	c, err := f.repo.Repository.Commit(h)
	require.NoError(t, err)
	return c
}

func (f *fixture) check(t *testing.T, h plumbing.Hash) (*Plan, *command.RejectionReason) {
	t.Helper()
	plan, reason, err := f.checker.Check(context.Background(), Request{Change: f.change.Number, Commit: f.commit(t, h)})
	require.NoError(t, err)
	return plan, reason
}

func TestCheckAndWritePatchSet(t *testing.T) {
	f := newFixture(t, storage.StatusNew)
	amended := f.repo.Commit("v2\n\nChange-Id: "+key+"\n", f.base)

	plan, reason := f.check(t, amended)
	require.Nil(t, reason)
	assert.Equal(t, 2, plan.PatchSet)
	assert.Equal(t, changeid.PatchSetRef(f.change.Number, 2), plan.Ref)
	assert.Equal(t, []string{"g1"}, plan.Groups, "inherits the prior groups")
	assert.Empty(t, plan.Messages)

	exec := batch.New(f.store, f.repo.Refs(), config.Default().Retry)
	b := &batch.Batch{}
	b.AddRef(plan.RefUpdate())
	b.AddOp(plan.Op("alice", "", nil))
	res, err := exec.Execute(context.Background(), b)
	require.NoError(t, err)
	require.False(t, res.Conflict)

	got, err := f.store.Get(context.Background(), f.change.Number)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentPatchSet)
	assert.Equal(t, "v2", got.Subject)
	assert.Equal(t, got.MetaVersion, plan.Updated.MetaVersion)
	assert.Equal(t, amended, f.repo.Ref(plan.Ref))

	msgs, err := f.store.Messages(context.Background(), f.change.Number)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Uploaded patch set 2.", msgs[0].Text)
}

func TestCheckRejections(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		f := newFixture(t, storage.StatusNew)
		_, reason, err := f.checker.Check(context.Background(), Request{Change: 99, Commit: f.commit(t, f.old)})
		require.NoError(t, err)
		require.NotNil(t, reason)
		assert.Equal(t, command.BucketChangeNotFound, reason.Bucket)
		assert.Equal(t, "change 99 not found", reason.Why)
	})

	t.Run("closed", func(t *testing.T) {
		f := newFixture(t, storage.StatusAbandoned)
		_, reason := f.check(t, f.repo.Commit("v2\n", f.base))
		require.NotNil(t, reason)
		assert.Equal(t, fmt.Sprintf("change %d closed", f.change.Number), reason.Why)
	})

	t.Run("already in change", func(t *testing.T) {
		f := newFixture(t, storage.StatusNew)
		_, reason := f.check(t, f.old)
		require.NotNil(t, reason)
		assert.Equal(t, command.BucketCommitAlreadyExistsInChange, reason.Bucket)
		assert.Equal(t, fmt.Sprintf("commit %s already exists in change %d", f.old.String()[:10], f.change.Number), reason.Why)
	})

	t.Run("already in project", func(t *testing.T) {
		f := newFixture(t, storage.StatusNew)
		other := f.repo.Commit("other\n", f.base)
		f.repo.SetRef("refs/changes/42/42/1", other)
		_, reason := f.check(t, other)
		require.NotNil(t, reason)
		assert.Equal(t, command.BucketCommitAlreadyExistsInProject, reason.Bucket)
		assert.Equal(t, "commit already exists (in the project): refs/changes/42/42/1", reason.Why)
	})

	t.Run("depends on prior patch set", func(t *testing.T) {
		f := newFixture(t, storage.StatusNew)
		_, reason := f.check(t, f.repo.Commit("fixup\n", f.old))
		require.NotNil(t, reason)
		assert.Equal(t, command.BucketDuplicateChangeID, reason.Bucket)
		assert.Equal(t, selector.SameChangeIDInMultipleChanges, reason.Why)
	})

	t.Run("no permission", func(t *testing.T) {
		f := newFixture(t, storage.StatusNew)
		f.checker.Permissions = permission.NewRules()
		f.checker.User = permission.User{Name: "bob"}
		_, reason := f.check(t, f.repo.Commit("v2\n", f.base))
		require.NotNil(t, reason)
		assert.Equal(t, command.BucketCannotAddPatchSet, reason.Bucket)
		assert.Equal(t, fmt.Sprintf("cannot add patch set to %d.", f.change.Number), reason.Why)
	})

	t.Run("patch set limit", func(t *testing.T) {
		f := newFixture(t, storage.StatusNew)
		f.checker.MaxPatchSets = 1
		_, reason := f.check(t, f.repo.Commit("v2\n", f.base))
		require.NotNil(t, reason)
		assert.Equal(t, command.BucketTooManyPatchSets, reason.Bucket)
	})
}

func TestCheckWorkInProgressToggle(t *testing.T) {
	f := newFixture(t, storage.StatusNew)
	f.checker.Permissions = permission.NewRules(permission.Rule{
		Ref: "refs/heads/*", Permissions: []permission.Permission{permission.AddPatchSet}, Allow: true,
	})
	f.checker.User = permission.User{Name: "bob"}
	wip := true
	amended := f.commit(t, f.repo.Commit("v2\n", f.base))

	_, reason, err := f.checker.Check(context.Background(), Request{Change: f.change.Number, Commit: amended, WorkInProgress: &wip})
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Equal(t, command.BucketCannotToggleWIP, reason.Bucket)
	assert.Equal(t, OnlyOwnerCanToggleWIP, reason.Why)

	f.checker.User = permission.User{Name: "alice"}
	_, reason, err = f.checker.Check(context.Background(), Request{Change: f.change.Number, Commit: amended, WorkInProgress: &wip})
	require.NoError(t, err)
	assert.Nil(t, reason, "owners may toggle")
}

func TestSameTreeWarnings(t *testing.T) {
	f := newFixture(t, storage.StatusNew)
	prior := f.commit(t, f.old)

	identical := f.repo.CommitWith(gittest.CommitSpec{
		Message: prior.Message, Parents: prior.ParentHashes, Tree: prior.TreeHash, AuthorWhen: prior.Author.When,
	})
	plan, reason := f.check(t, identical)
	require.Nil(t, reason)
	require.Len(t, plan.Messages, 1)
	assert.Equal(t, fmt.Sprintf("no changes between prior commit %s and new commit %s",
		gitrepo.Abbreviate(f.old), gitrepo.Abbreviate(identical)), plan.Messages[0].Text)

	reworded := f.repo.CommitWith(gittest.CommitSpec{
		Message: "v1 reworded\n", Parents: prior.ParentHashes, Tree: prior.TreeHash, AuthorWhen: prior.Author.When,
	})
	plan, reason = f.check(t, reworded)
	require.Nil(t, reason)
	require.Len(t, plan.Messages, 1)
	assert.Equal(t, gitrepo.Abbreviate(reworded)+": no files changed, message updated", plan.Messages[0].Text)
}

func TestNextPatchSetSkipsExistingRefs(t *testing.T) {
	f := newFixture(t, storage.StatusNew)
	stray := f.repo.Commit("stray\n", f.base)
	f.repo.SetRef(changeid.PatchSetRef(f.change.Number, 2), stray)

	plan, reason := f.check(t, f.repo.Commit("v2\n", f.base))
	require.Nil(t, reason)
	assert.Equal(t, 3, plan.PatchSet)
}

func TestOpFailsOnStaleChange(t *testing.T) {
	f := newFixture(t, storage.StatusNew)
	plan, reason := f.check(t, f.repo.Commit("v2\n", f.base))
	require.Nil(t, reason)

	ctx := context.Background()
	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.UpdateChange(ctx, f.change)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, err = f.store.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	err = plan.Op("alice", "", nil)(ctx, tx)
	assert.ErrorIs(t, err, storage.ErrContention)
}
