package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "receive.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = os.RemoveAll(tmp)
	})
	return store
}

const key = "I0123456789abcdef0123456789abcdef01234567"

func insertChange(t *testing.T, store *Store, num int, branch, sha string) Change {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := tx.InsertChange(ctx, Change{Number: num, Key: key, Branch: branch, Owner: "alice", Subject: "feat: add thing", CurrentPatchSet: 1})
	if err != nil {
		t.Fatalf("InsertChange failed: %v", err)
	}
	if _, err := tx.InsertPatchSet(ctx, PatchSet{Change: num, Number: 1, CommitSHA: sha, Uploader: "alice", Groups: []string{sha}}); err != nil {
		t.Fatalf("InsertPatchSet failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return c
}

func TestNextChangeNumbersMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.NextChangeNumbers(ctx, 3)
	if err != nil {
		t.Fatalf("NextChangeNumbers failed: %v", err)
	}
	second, err := store.NextChangeNumbers(ctx, 2)
	if err != nil {
		t.Fatalf("NextChangeNumbers failed: %v", err)
	}
	want := []int{1, 2, 3, 4, 5}
	got := append(first, second...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestNumbersSurviveRolledBackInsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	nums, err := store.NextChangeNumbers(ctx, 1)
	if err != nil {
		t.Fatalf("NextChangeNumbers failed: %v", err)
	}
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := tx.InsertChange(ctx, Change{Number: nums[0], Key: key, Branch: "refs/heads/main", CurrentPatchSet: 1}); err != nil {
		t.Fatalf("InsertChange failed: %v", err)
	}
	_ = tx.Rollback()

	next, err := store.NextChangeNumbers(ctx, 1)
	if err != nil {
		t.Fatalf("NextChangeNumbers failed: %v", err)
	}
	if next[0] != nums[0]+1 {
		t.Fatalf("expected %d, got %d", nums[0]+1, next[0])
	}
	if _, err := store.Get(ctx, nums[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOpenChangeKeyIsUniquePerBranch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	insertChange(t, store, 1, "refs/heads/main", "aaa")

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	_, err = tx.InsertChange(ctx, Change{Number: 2, Key: key, Branch: "refs/heads/main", CurrentPatchSet: 1})
	_ = tx.Rollback()
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	// Same key on another branch is a different change.
	insertChange(t, store, 3, "refs/heads/stable", "bbb")
}

func TestUpdateChangeDetectsStaleVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := insertChange(t, store, 1, "refs/heads/main", "aaa")

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	merged, err := tx.SetMerged(ctx, c, "sub-1")
	if err != nil {
		t.Fatalf("SetMerged failed: %v", err)
	}
	if merged.MetaVersion != c.MetaVersion+1 {
		t.Fatalf("expected version %d, got %d", c.MetaVersion+1, merged.MetaVersion)
	}
	if _, err := tx.UpdateChange(ctx, c); !errors.Is(err, ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusMerged || got.SubmissionID != "sub-1" {
		t.Fatalf("unexpected change %+v", got)
	}
	open, err := store.OpenByBranch(ctx, "refs/heads/main")
	if err != nil {
		t.Fatalf("OpenByBranch failed: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open changes, got %v", open)
	}
}

func TestLookups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	insertChange(t, store, 7, "refs/heads/main", "abc123")

	byKey, err := store.ByBranchKey(ctx, "refs/heads/main", key)
	if err != nil {
		t.Fatalf("ByBranchKey failed: %v", err)
	}
	if len(byKey) != 1 || byKey[0].Number != 7 {
		t.Fatalf("unexpected ByBranchKey result %+v", byKey)
	}

	byCommit, err := store.ByBranchCommit(ctx, "refs/heads/main", "abc123")
	if err != nil {
		t.Fatalf("ByBranchCommit failed: %v", err)
	}
	if len(byCommit) != 1 {
		t.Fatalf("expected 1 change, got %d", len(byCommit))
	}

	ps, err := store.PatchSet(ctx, 7, 1)
	if err != nil {
		t.Fatalf("PatchSet failed: %v", err)
	}
	if len(ps.Groups) != 1 || ps.Groups[0] != "abc123" {
		t.Fatalf("unexpected groups %v", ps.Groups)
	}
	if _, err := store.PatchSet(ctx, 7, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChangeExtrasAndEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	insertChange(t, store, 1, "refs/heads/main", "aaa")

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.AddReviewers(ctx, 1, []ChangeReviewer{{Account: "bob", State: Reviewer}, {Account: "carol", State: CC}}); err != nil {
		t.Fatalf("AddReviewers failed: %v", err)
	}
	if err := tx.AddHashtags(ctx, 1, []string{"perf", "perf"}); err != nil {
		t.Fatalf("AddHashtags failed: %v", err)
	}
	if err := tx.AddMessage(ctx, Message{Change: 1, PatchSet: 1, Author: "alice", Text: "Uploaded patch set 1."}); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if err := tx.AddApprovals(ctx, []Approval{{Change: 1, PatchSet: 1, Account: "alice", Label: "Code-Review", Value: 1}}); err != nil {
		t.Fatalf("AddApprovals failed: %v", err)
	}
	if _, err := tx.RecordEvent(ctx, Event{Type: "change.created", DataJSON: `{"number":1}`}); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	reviewers, _ := store.Reviewers(ctx, 1)
	if len(reviewers) != 2 || reviewers[1].State != CC {
		t.Fatalf("unexpected reviewers %+v", reviewers)
	}
	tags, _ := store.Hashtags(ctx, 1)
	if len(tags) != 1 {
		t.Fatalf("expected one hashtag, got %v", tags)
	}
	msgs, _ := store.Messages(ctx, 1)
	if len(msgs) != 1 || msgs[0].Text != "Uploaded patch set 1." {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	approvals, _ := store.Approvals(ctx, 1, 1)
	if len(approvals) != 1 || approvals[0].Value != 1 {
		t.Fatalf("unexpected approvals %+v", approvals)
	}
	events, err := store.ListEventsSince(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListEventsSince failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != "change.created" {
		t.Fatalf("unexpected events %+v", events)
	}
}
