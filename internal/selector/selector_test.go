package selector

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydakis/jul/receive/internal/changeid"
	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/gitrepo/gittest"
	"github.com/lydakis/jul/receive/internal/magic"
	"github.com/lydakis/jul/receive/internal/report"
	"github.com/lydakis/jul/receive/internal/storage"
	"github.com/lydakis/jul/receive/internal/storage/storagetest"
	"github.com/lydakis/jul/receive/internal/validate"
)

const master = "refs/heads/master"

type env struct {
	repo  *gittest.Repo
	store *storage.Store
	base  plumbing.Hash
	msgs  *report.MessageStream
}

func newEnv(t *testing.T) *env {
	repo := gittest.New(t)
	base := repo.Commit("initial\n")
	repo.SetRef(master, base)
	return &env{repo: repo, store: storagetest.New(t), base: base, msgs: &report.MessageStream{}}
}

func (e *env) input(tip plumbing.Hash, mutate ...func(*Input)) *Input {
	in := &Input{
		Repo:      e.repo.Repository,
		Index:     e.store,
		Spec:      &magic.Spec{Ref: "refs/for/master", Dest: master, Tip: tip},
		Validator: validate.NewChain(validate.ChangeIDValidator{}),
		Messages:  e.msgs,
	}
	for _, fn := range mutate {
		fn(in)
	}
	return in
}

func withKey(subject, key string) string {
	return subject + "\n\nChange-Id: " + key + "\n"
}

func key(n int) string {
	return fmt.Sprintf("I%040x", n)
}

func TestSelectCreatesOneChangePerCommit(t *testing.T) {
	e := newEnv(t)
	chain := e.repo.Chain(e.base, "c1\n", "c2\n", "c3\n")

	sel, reason, err := Select(context.Background(), e.input(chain[2]))
	require.NoError(t, err)
	require.Nil(t, reason)
	require.Len(t, sel.Creates, 3)
	assert.Empty(t, sel.Replaces)

	for i, create := range sel.Creates {
		assert.Equal(t, chain[i], create.Commit.Hash)
		assert.Equal(t, master, create.Branch)
		assert.Equal(t, changeid.ForCommit(chain[i].String()), create.Key)
		assert.False(t, create.HasFooter)
		assert.Equal(t, []string{chain[0].String()}, create.Groups, "one group for the whole chain")
		if i > 0 {
			assert.Greater(t, create.Change, sel.Creates[i-1].Change)
		}
	}

	warnings := 0
	for _, m := range e.msgs.Drain() {
		if m.Type == report.TypeWarning && m.Text == deprecatedNoChangeID {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestSelectAllNotInTarget(t *testing.T) {
	e := newEnv(t)
	chain := e.repo.Chain(e.base, "c1\n", "c2\n", "c3\n")

	sel, reason, err := Select(context.Background(), e.input(chain[2], func(in *Input) {
		in.Spec.NewChangeForAllNotInTarget = true
		in.Spec.BaseCommit = []plumbing.Hash{e.base}
	}))
	require.NoError(t, err)
	require.Nil(t, reason)
	require.Len(t, sel.Creates, 3)
	for i, create := range sel.Creates {
		assert.Equal(t, chain[i], create.Commit.Hash)
		assert.Equal(t, []string{chain[0].String()}, create.Groups)
	}
}

func TestSelectDuplicateChangeIDInPush(t *testing.T) {
	e := newEnv(t)
	chain := e.repo.Chain(e.base, withKey("a", key(1)), withKey("b", key(1)))

	sel, reason, err := Select(context.Background(), e.input(chain[1]))
	require.NoError(t, err)
	assert.Nil(t, sel)
	require.NotNil(t, reason)
	assert.Equal(t, command.BucketDuplicateChangeID, reason.Bucket)
	assert.Equal(t, SameChangeIDInMultipleChanges, reason.Why)

	next, err := e.store.NextChangeNumbers(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, next, "no numbers consumed")
}

func TestSelectMaxBatchChanges(t *testing.T) {
	e := newEnv(t)
	chain := e.repo.Chain(e.base, "c1\n", "c2\n", "c3\n")

	_, reason, err := Select(context.Background(), e.input(chain[2], func(in *Input) { in.MaxBatchChanges = 2 }))
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Equal(t, command.BucketTooManyChanges, reason.Bucket)
	assert.Equal(t, "the number of pushed changes in a batch exceeds the max limit 2", reason.Why)

	sel, reason, err := Select(context.Background(), e.input(chain[2], func(in *Input) { in.MaxBatchChanges = 3 }))
	require.NoError(t, err)
	require.Nil(t, reason)
	assert.Len(t, sel.Creates, 3)
}

func TestSelectReplacesExistingChange(t *testing.T) {
	e := newEnv(t)
	old := e.repo.Commit(withKey("v1", key(7)), e.base)
	change := storagetest.Seed(t, e.store, storagetest.ChangeSpec{Branch: master, Key: key(7), Commits: []string{old.String()}})
	e.repo.SetRef(changeid.PatchSetRef(change.Number, 1), old)

	amended := e.repo.Commit(withKey("v2", key(7)), e.base)
	child := e.repo.Commit(withKey("next", key(8)), amended)

	sel, reason, err := Select(context.Background(), e.input(child))
	require.NoError(t, err)
	require.Nil(t, reason)
	require.Len(t, sel.Replaces, 1)
	assert.Equal(t, change.Number, sel.Replaces[0].Change.Number)
	assert.Equal(t, amended, sel.Replaces[0].Commit.Hash)
	require.Len(t, sel.Creates, 1)
	assert.Equal(t, key(8), sel.Creates[0].Key)
	assert.True(t, sel.Creates[0].HasFooter)
	assert.Greater(t, sel.Creates[0].Change, change.Number)
	assert.Equal(t, sel.Replaces[0].Groups, sel.Creates[0].Groups)
}

func TestSelectInheritsStoredGroups(t *testing.T) {
	e := newEnv(t)
	parent := e.repo.Commit(withKey("parent", key(1)), e.base)
	change := storagetest.Seed(t, e.store, storagetest.ChangeSpec{
		Branch: master, Key: key(1), Commits: []string{parent.String()}, Groups: []string{"stored-group"},
	})
	e.repo.SetRef(changeid.PatchSetRef(change.Number, 1), parent)

	child := e.repo.Commit(withKey("child", key(2)), parent)
	sel, reason, err := Select(context.Background(), e.input(child))
	require.NoError(t, err)
	require.Nil(t, reason)
	require.Len(t, sel.Creates, 1)
	assert.Equal(t, []string{"stored-group"}, sel.Creates[0].Groups)
}

func TestSelectClosedChange(t *testing.T) {
	e := newEnv(t)
	old := e.repo.Commit(withKey("v1", key(3)), e.base)
	change := storagetest.Seed(t, e.store, storagetest.ChangeSpec{
		Branch: master, Key: key(3), Status: storage.StatusMerged, Commits: []string{old.String()},
	})
	amended := e.repo.Commit(withKey("v2", key(3)), e.base)

	_, reason, err := Select(context.Background(), e.input(amended))
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Equal(t, command.BucketChangeIsClosed, reason.Bucket)
	assert.Equal(t, fmt.Sprintf("change %d closed", change.Number), reason.Why)
}

func TestSelectAlreadyCurrentPatchSet(t *testing.T) {
	e := newEnv(t)
	c := e.repo.Commit(withKey("v1", key(4)), e.base)
	change := storagetest.Seed(t, e.store, storagetest.ChangeSpec{Branch: master, Key: key(4), Commits: []string{c.String()}})
	e.repo.SetRef(changeid.PatchSetRef(change.Number, 1), c)

	// Tracked commits are skipped entirely by a plain push.
	_, reason, err := Select(context.Background(), e.input(c))
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Equal(t, "no new changes", reason.Why)

	// With an explicit base the commit is looked at again.
	_, reason, err = Select(context.Background(), e.input(c, func(in *Input) {
		in.Spec.Base = []plumbing.Hash{e.base}
		in.Spec.BaseCommit = []plumbing.Hash{e.base}
	}))
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Equal(t, command.BucketCommitAlreadyExistsInChange, reason.Bucket)
	assert.Equal(t, "commit(s) already exists (as current patchset)", reason.Why)
}

func TestSelectImplicitMerge(t *testing.T) {
	e := newEnv(t)
	unreviewed := e.repo.Commit("side work\n", e.base)
	e.repo.SetRef("refs/heads/side", unreviewed)
	tip := e.repo.Commit("on top of side\n", unreviewed)

	_, reason, err := Select(context.Background(), e.input(tip, func(in *Input) { in.RejectImplicitMerges = true }))
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Equal(t, command.BucketImplicitMerge, reason.Bucket)
	assert.Equal(t, "implicit merges detected", reason.Why)

	var errs []string
	for _, m := range e.msgs.Drain() {
		if m.IsError() {
			errs = append(errs, m.Text)
		}
	}
	assert.Equal(t, []string{"Implicit Merge of " + gitrepo.Abbreviate(unreviewed) + " side work"}, errs)

	sel, reason, err := Select(context.Background(), e.input(tip))
	require.NoError(t, err)
	require.Nil(t, reason, "allowed when the project does not reject implicit merges")
	assert.Len(t, sel.Creates, 1)
}

func TestSelectInvalidCommitAborts(t *testing.T) {
	e := newEnv(t)
	chain := e.repo.Chain(e.base, withKey("ok", key(1)), "missing id\n")

	_, reason, err := Select(context.Background(), e.input(chain[1], func(in *Input) {
		in.Validator = validate.NewChain(validate.ChangeIDValidator{Require: true})
	}))
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Equal(t, command.BucketRejectedByValidator, reason.Bucket)
	assert.Equal(t, "commit "+gitrepo.Abbreviate(chain[1])+": missing Change-Id in message footer", reason.Why)
}

func TestSelectMergeWithAllNotInTarget(t *testing.T) {
	e := newEnv(t)
	left := e.repo.Commit("left\n", e.base)
	right := e.repo.Commit("right\n", e.base)
	merge := e.repo.Commit("merge\n", left, right)
	tip := e.repo.Commit("tip\n", merge)

	_, reason, err := Select(context.Background(), e.input(tip, func(in *Input) {
		in.Spec.NewChangeForAllNotInTarget = true
		in.Spec.BaseCommit = []plumbing.Hash{e.base}
	}))
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Equal(t, command.BucketMergeWithAllNotInTarget, reason.Bucket)
}

func TestSelectEditNewChange(t *testing.T) {
	e := newEnv(t)
	tip := e.repo.Commit("new\n", e.base)
	_, reason, err := Select(context.Background(), e.input(tip, func(in *Input) { in.Spec.Edit = true }))
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Equal(t, "edit is not supported for new changes", reason.Why)
}

func TestSelectAmbiguousChangeID(t *testing.T) {
	e := newEnv(t)
	a := e.repo.Commit(withKey("a", key(9)), e.base)
	storagetest.Seed(t, e.store, storagetest.ChangeSpec{Branch: master, Key: key(9), Status: storage.StatusMerged, Commits: []string{a.String()}})
	storagetest.Seed(t, e.store, storagetest.ChangeSpec{Branch: master, Key: key(9), Status: storage.StatusAbandoned, Commits: []string{a.String()}})
	tip := e.repo.Commit(withKey("again", key(9)), e.base)

	_, reason, err := Select(context.Background(), e.input(tip))
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Equal(t, command.BucketDuplicateChange, reason.Bucket)
	assert.Equal(t, key(9)+" has duplicates", reason.Why)
}

func TestSelectExplicitBaseHidesDestination(t *testing.T) {
	e := newEnv(t)
	landed := e.repo.Commit(withKey("merged directly", key(20)), e.base)
	e.repo.SetRef(master, landed)
	tip := e.repo.Commit(withKey("new work", key(21)), landed)

	in := e.input(tip, func(in *Input) {
		in.Spec.Base = []plumbing.Hash{e.base}
		in.Spec.BaseCommit = []plumbing.Hash{e.base}
	})
	sel, reason, err := Select(context.Background(), in)
	require.NoError(t, err)
	require.Nil(t, reason)
	require.Len(t, sel.Creates, 1)
	assert.Equal(t, tip, sel.Creates[0].Commit.Hash)
	assert.Equal(t, []plumbing.Hash{e.base}, in.Spec.BaseCommit)
}
