// Package patchset verifies and writes new patch sets for existing changes.
package patchset

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/batch"
	"github.com/lydakis/jul/receive/internal/changeid"
	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/permission"
	"github.com/lydakis/jul/receive/internal/report"
	"github.com/lydakis/jul/receive/internal/selector"
	"github.com/lydakis/jul/receive/internal/storage"
)

// OnlyOwnerCanToggleWIP rejects a work-in-progress change by someone else.
const OnlyOwnerCanToggleWIP = "only users with Toggle-Wip-State permission can modify Work-in-Progress"

// Store is the change metadata the checker reads.
type Store interface {
	Get(ctx context.Context, num int) (storage.Change, error)
	PatchSets(ctx context.Context, num int) ([]storage.PatchSet, error)
}

type Checker struct {
	Repo        *gitrepo.Repository
	Store       Store
	Permissions permission.Oracle
	User        permission.User
	// MaxPatchSets of 0 disables the limit.
	MaxPatchSets int
}

// Request asks for commit to become the next patch set of change.
type Request struct {
	Change int
	Commit *object.Commit
	// WorkInProgress, when set, is the state the push asks for.
	WorkInProgress *bool
	Groups         []string
}

// Plan is a verified request, ready to be added to a batch.
type Plan struct {
	Change   storage.Change
	Prior    storage.PatchSet
	PatchSet int
	Ref      string
	Commit   *object.Commit
	Groups   []string
	Messages []report.Message

	// Updated holds the change as written by Op once the batch ran.
	Updated storage.Change
}

// Check runs every verification a replacement must pass. A rejection leaves
// the change untouched.
func (c *Checker) Check(ctx context.Context, req Request) (*Plan, *command.RejectionReason, error) {
	change, err := c.Store.Get(ctx, req.Change)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, reject(command.BucketChangeNotFound, fmt.Sprintf("change %d not found", req.Change)), nil
	}
	if err != nil {
		return nil, nil, err
	}
	existing, err := c.Store.PatchSets(ctx, change.Number)
	if err != nil {
		return nil, nil, err
	}
	prior, ok := find(existing, change.CurrentPatchSet)
	if !ok {
		klog.Warningf("change %d is missing revision for patch set %d (has %d patch sets)",
			change.Number, change.CurrentPatchSet, len(existing))
		return nil, reject(command.BucketMissingRevision, fmt.Sprintf("change %d missing revisions", change.Number)), nil
	}
	if c.MaxPatchSets > 0 && len(existing) >= c.MaxPatchSets {
		return nil, reject(command.BucketTooManyPatchSets, fmt.Sprintf(
			"change %d may not exceed %d patch sets. To continue working on this change, "+
				"recreate it with a new Change-Id, then abandon this one.", change.Number, c.MaxPatchSets)), nil
	}

	if err := c.Permissions.CheckChange(ctx, c.User, change, permission.AddPatchSet); err != nil {
		if _, ok := permission.Denied(err); !ok {
			return nil, nil, err
		}
		return nil, reject(command.BucketCannotAddPatchSet, fmt.Sprintf("cannot add patch set to %d.", change.Number)), nil
	}

	commit := req.Commit
	sha := commit.Hash.String()
	if !change.Status.Open() {
		return nil, reject(command.BucketChangeIsClosed, fmt.Sprintf("change %d closed", change.Number)), nil
	}
	for _, ps := range existing {
		if ps.CommitSHA == sha {
			return nil, reject(command.BucketCommitAlreadyExistsInChange,
				fmt.Sprintf("commit %s already exists in change %d", gitrepo.AbbreviateN(commit.Hash, 10), change.Number)), nil
		}
	}
	refs, err := c.Repo.Refs().PatchSetsByCommit(commit.Hash)
	if err != nil {
		return nil, nil, err
	}
	if len(refs) > 0 {
		return nil, reject(command.BucketCommitAlreadyExistsInProject,
			"commit already exists (in the project): "+refs[0].Name), nil
	}
	for _, ps := range existing {
		// A change must not depend on one of its own earlier patch sets.
		merged, err := c.Repo.IsMergedInto(plumbing.NewHash(ps.CommitSHA), commit.Hash)
		if err != nil {
			return nil, nil, err
		}
		if merged {
			return nil, reject(command.BucketDuplicateChangeID, selector.SameChangeIDInMultipleChanges), nil
		}
	}

	if reason, err := c.checkWIP(ctx, change, req.WorkInProgress); reason != nil || err != nil {
		return nil, reason, err
	}

	plan := &Plan{Change: change, Prior: prior, Commit: commit, Groups: req.Groups}
	if len(plan.Groups) == 0 {
		plan.Groups = prior.Groups
	}
	if msg, ok, err := c.sameTree(plan); err != nil {
		return nil, nil, err
	} else if ok {
		plan.Messages = append(plan.Messages, msg)
	}
	plan.PatchSet, err = c.nextPatchSet(change.Number, existing)
	if err != nil {
		return nil, nil, err
	}
	plan.Ref = changeid.PatchSetRef(change.Number, plan.PatchSet)
	return plan, nil, nil
}

func (c *Checker) checkWIP(ctx context.Context, change storage.Change, want *bool) (*command.RejectionReason, error) {
	if want == nil || *want == change.WorkInProgress || change.Owner == c.User.Name {
		return nil, nil
	}
	if err := c.Permissions.CheckGlobal(ctx, c.User, permission.WriteConfig); err == nil {
		return nil, nil
	} else if _, ok := permission.Denied(err); !ok {
		return nil, err
	}
	if err := c.Permissions.CheckChange(ctx, c.User, change, permission.ToggleWIP); err != nil {
		if _, ok := permission.Denied(err); !ok {
			return nil, err
		}
		return reject(command.BucketCannotToggleWIP, OnlyOwnerCanToggleWIP), nil
	}
	return nil, nil
}

// sameTree warns when the new commit does not change the tree of the
// prior patch set.
func (c *Checker) sameTree(p *Plan) (report.Message, bool, error) {
	prior, err := c.Repo.Commit(plumbing.NewHash(p.Prior.CommitSHA))
	if err != nil {
		return report.Message{}, false, err
	}
	next := p.Commit
	if prior.TreeHash != next.TreeHash {
		return report.Message{}, false, nil
	}
	messageEq := prior.Message == next.Message
	authorEq := prior.Author.Name == next.Author.Name && prior.Author.Email == next.Author.Email &&
		prior.Author.When.Equal(next.Author.When)
	parentsEq := equalHashes(prior.ParentHashes, next.ParentHashes)
	if messageEq && authorEq && parentsEq {
		return report.Warning(fmt.Sprintf("no changes between prior commit %s and new commit %s",
			gitrepo.Abbreviate(prior.Hash), gitrepo.Abbreviate(next.Hash))), true, nil
	}

	var b strings.Builder
	b.WriteString(gitrepo.Abbreviate(next.Hash))
	b.WriteString(": no files changed")
	if !authorEq {
		b.WriteString(", author changed")
	}
	if !messageEq {
		b.WriteString(", message updated")
	}
	if !parentsEq {
		b.WriteString(", was rebased")
	}
	return report.Warning(b.String()), true, nil
}

// nextPatchSet picks the number after the highest stored patch set,
// skipping numbers whose ref already exists.
func (c *Checker) nextPatchSet(change int, existing []storage.PatchSet) (int, error) {
	next := 1
	for _, ps := range existing {
		if ps.Number >= next {
			next = ps.Number + 1
		}
	}
	for {
		exists, err := c.Repo.Refs().Exists(changeid.PatchSetRef(change, next))
		if err != nil {
			return 0, err
		}
		if !exists {
			return next, nil
		}
		next++
	}
}

// RefUpdate creates the patch set ref.
func (p *Plan) RefUpdate() gitrepo.RefUpdate {
	return gitrepo.RefUpdate{Name: p.Ref, New: p.Commit.Hash}
}

// Op stores the patch set and makes it current. apply may adjust the change
// before it is written. The write fails with storage.ErrContention when the
// change moved since Check.
func (p *Plan) Op(uploader, message string, apply func(*storage.Change)) batch.Op {
	return func(ctx context.Context, tx *storage.Tx) error {
		_, err := tx.InsertPatchSet(ctx, storage.PatchSet{
			Change:    p.Change.Number,
			Number:    p.PatchSet,
			CommitSHA: p.Commit.Hash.String(),
			Uploader:  uploader,
			Groups:    p.Groups,
		})
		if err != nil {
			return fmt.Errorf("insert patch set %d of change %d: %w", p.PatchSet, p.Change.Number, err)
		}
		change := p.Change
		change.CurrentPatchSet = p.PatchSet
		change.Subject = gitrepo.Subject(p.Commit.Message)
		if apply != nil {
			apply(&change)
		}
		updated, err := tx.UpdateChange(ctx, change)
		if err != nil {
			return err
		}
		if message == "" {
			message = fmt.Sprintf("Uploaded patch set %d.", p.PatchSet)
		}
		if err := tx.AddMessage(ctx, storage.Message{
			Change:   change.Number,
			PatchSet: p.PatchSet,
			Author:   uploader,
			Tag:      "autogenerated:receive:newPatchSet",
			Text:     message,
		}); err != nil {
			return err
		}
		p.Updated = updated
		return nil
	}
}

func find(list []storage.PatchSet, num int) (storage.PatchSet, bool) {
	for _, ps := range list {
		if ps.Number == num {
			return ps, true
		}
	}
	return storage.PatchSet{}, false
}

func equalHashes(a, b []plumbing.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func reject(bucket command.MetricBucket, why string) *command.RejectionReason {
	r := command.Reason(bucket, why)
	return &r
}
