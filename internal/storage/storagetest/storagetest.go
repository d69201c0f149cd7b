// Package storagetest opens throwaway stores and seeds changes for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lydakis/jul/receive/internal/storage"
)

func New(t testing.TB) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "receive.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// ChangeSpec describes a change to seed. Commits lists the patch set
// commits in order; the last one is current.
type ChangeSpec struct {
	Branch         string
	Key            string
	Owner          string
	Subject        string
	Status         storage.ChangeStatus
	WorkInProgress bool
	Commits        []string
	Groups         []string
}

// Seed allocates a change number and stores the change with its patch sets.
func Seed(t testing.TB, store *storage.Store, spec ChangeSpec) storage.Change {
	t.Helper()
	ctx := context.Background()
	if spec.Owner == "" {
		spec.Owner = "owner"
	}
	if spec.Subject == "" {
		spec.Subject = "seeded change"
	}
	nums, err := store.NextChangeNumbers(ctx, 1)
	if err != nil {
		t.Fatalf("allocate change number: %v", err)
	}
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	change, err := tx.InsertChange(ctx, storage.Change{
		Number:          nums[0],
		Key:             spec.Key,
		Branch:          spec.Branch,
		Owner:           spec.Owner,
		Subject:         spec.Subject,
		Status:          spec.Status,
		WorkInProgress:  spec.WorkInProgress,
		CurrentPatchSet: len(spec.Commits),
	})
	if err != nil {
		t.Fatalf("insert change: %v", err)
	}
	for i, sha := range spec.Commits {
		groups := spec.Groups
		if len(groups) == 0 {
			groups = []string{sha}
		}
		_, err := tx.InsertPatchSet(ctx, storage.PatchSet{
			Change:    change.Number,
			Number:    i + 1,
			CommitSHA: sha,
			Uploader:  spec.Owner,
			Groups:    groups,
		})
		if err != nil {
			t.Fatalf("insert patch set: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return change
}
