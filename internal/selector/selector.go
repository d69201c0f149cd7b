// Package selector walks the commits of a refs/for/ push and decides which
// of them become new changes and which replace existing ones.
package selector

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/changeid"
	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/magic"
	"github.com/lydakis/jul/receive/internal/permission"
	"github.com/lydakis/jul/receive/internal/report"
	"github.com/lydakis/jul/receive/internal/storage"
	"github.com/lydakis/jul/receive/internal/validate"
)

// SameChangeIDInMultipleChanges is the rejection for two commits of one push
// sharing a Change-Id.
const SameChangeIDInMultipleChanges = "same Change-Id in multiple changes.\n" +
	"Squash the commits with the same Change-Id or ensure Change-Ids are unique for each commit"

const deprecatedNoChangeID = "pushing without Change-Id is deprecated"

// Index is the change lookup the selector needs. *storage.Store implements
// it.
type Index interface {
	Get(ctx context.Context, num int) (storage.Change, error)
	ByBranchKey(ctx context.Context, branch, key string) ([]storage.Change, error)
	ByBranchCommit(ctx context.Context, branch, sha string) ([]storage.Change, error)
	PatchSet(ctx context.Context, num, ps int) (storage.PatchSet, error)
	NextChangeNumbers(ctx context.Context, n int) ([]int, error)
}

type Input struct {
	Repo      *gitrepo.Repository
	Index     Index
	Spec      *magic.Spec
	Validator *validate.Chain
	User      permission.User
	Messages  *report.MessageStream
	// MaxBatchChanges of 0 disables the limit.
	MaxBatchChanges      int
	RejectImplicitMerges bool
}

type CreateRequest struct {
	Commit *object.Commit
	Branch string
	Key    string
	// HasFooter is false when Key was derived from the commit.
	HasFooter bool
	Change    int
	Groups    []string
}

type ReplaceRequest struct {
	Change storage.Change
	Commit *object.Commit
	Groups []string
}

type Selection struct {
	Creates  []*CreateRequest
	Replaces []*ReplaceRequest
	// Validation records the per-validator outcome of every validated
	// commit.
	Validation map[plumbing.Hash]map[string]validate.Status
}

type lookup struct {
	commit      *object.Commit
	key         string
	destChanges []storage.Change
}

func rejectWith(bucket command.MetricBucket, why string) *command.RejectionReason {
	r := command.Reason(bucket, why)
	return &r
}

// Select runs the walk. A non-nil reason rejects the magic command and no
// change may be created; an error is an unexpected storage or repository
// failure.
func Select(ctx context.Context, in *Input) (*Selection, *command.RejectionReason, error) {
	spec := in.Spec
	refs := in.Repo.Refs()

	tip, err := in.Repo.Commit(spec.Tip)
	if err != nil {
		return nil, nil, err
	}
	destTip, err := refs.Exact(spec.Dest)
	if err != nil {
		return nil, nil, err
	}
	uninteresting, err := frontier(in, tip, destTip)
	if err != nil {
		return nil, nil, err
	}
	commits, err := in.Repo.Walk(ctx, []plumbing.Hash{spec.Tip}, uninteresting)
	if err != nil {
		return nil, nil, fmt.Errorf("walk %s: %w", spec.Ref, err)
	}

	existing, err := refs.PatchSetIndex()
	if err != nil {
		return nil, nil, err
	}
	groups := NewGroupCollector(existing, in.Index)
	sel := &Selection{Validation: make(map[plumbing.Hash]map[string]validate.Status)}

	rejectImplicit := in.RejectImplicitMerges && tip.NumParents() == 1 && !spec.Merged
	mergedParents := make(map[plumbing.Hash]bool)
	walked := make(map[plumbing.Hash]bool, len(commits))

	var pending []*lookup
	keyed := 0
	alreadyTracked := 0
	warnedNoID := false
	for _, c := range commits {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		walked[c.Hash] = true
		if err := groups.Visit(ctx, c); err != nil {
			return nil, nil, err
		}
		if rejectImplicit && c.NumParents() == 1 {
			mergedParents[c.ParentHashes[0]] = true
		}

		tracked := len(existing[c.Hash]) > 0
		if tracked {
			alreadyTracked++
			if !spec.NewChangeForAllNotInTarget && len(spec.Base) == 0 {
				continue
			}
		}

		p := &lookup{commit: c, key: changeid.Last(c.Message)}
		if p.key != "" {
			p.destChanges, err = in.Index.ByBranchKey(ctx, spec.Dest, p.key)
			keyed++
		} else {
			p.destChanges, err = in.Index.ByBranchCommit(ctx, spec.Dest, c.Hash.String())
		}
		if err != nil {
			return nil, nil, err
		}
		pending = append(pending, p)

		n := keyed + len(sel.Creates)
		if p.key == "" {
			n++
		}
		if in.MaxBatchChanges != 0 && n > in.MaxBatchChanges {
			klog.V(2).Infof("%d changes exceeds limit of %d", n, in.MaxBatchChanges)
			return nil, rejectWith(command.BucketTooManyChanges,
				fmt.Sprintf("the number of pushed changes in a batch exceeds the max limit %d", in.MaxBatchChanges)), nil
		}

		if tracked {
			onDest := false
			for _, ch := range p.destChanges {
				if ch.Branch == spec.Dest {
					onDest = true
					break
				}
			}
			if onDest {
				continue
			}
			klog.V(3).Infof("creating new change for %s even though it is already tracked", c.Hash)
		}

		res, err := in.Validator.Validate(ctx, validate.Input{
			Repo:          in.Repo,
			Commit:        c,
			Ref:           spec.Ref,
			Branch:        spec.Dest,
			User:          in.User,
			PluginOptions: spec.PluginOptions,
			Merged:        spec.Merged,
		})
		if err != nil {
			return nil, nil, err
		}
		sel.Validation[c.Hash] = res.Info
		in.Messages.Add(res.Messages...)
		if !res.Valid {
			klog.V(2).Infof("aborting early due to invalid commit %s", c.Hash)
			return nil, res.Reason, nil
		}

		if spec.NewChangeForAllNotInTarget && c.NumParents() > 1 {
			return nil, rejectWith(command.BucketMergeWithAllNotInTarget,
				"Pushing merges in commit chains with 'all not in target' is not allowed,\n"+
					"to override please set the base manually"), nil
		}

		if p.key == "" {
			if !warnedNoID {
				in.Messages.Add(report.Warning(deprecatedNoChangeID))
				warnedNoID = true
			}
			sel.Creates = append(sel.Creates, &CreateRequest{
				Commit: c,
				Branch: spec.Dest,
				Key:    changeid.ForCommit(c.Hash.String()),
			})
		}
	}
	klog.V(2).Infof("walked %d commits: %d already tracked, %d new changes without Change-Id, %d deferred lookups",
		len(commits), alreadyTracked, len(sel.Creates), keyed)

	if rejectImplicit {
		reason, err := implicitMerges(ctx, in, mergedParents, walked, destTip)
		if reason != nil || err != nil {
			return nil, reason, err
		}
	}

	reason, err := resolvePending(ctx, in, sel, pending)
	if reason != nil || err != nil {
		return nil, reason, err
	}

	if len(sel.Creates) == 0 && len(sel.Replaces) == 0 {
		return nil, rejectWith(command.BucketNoNewChanges, "no new changes"), nil
	}
	if len(sel.Creates) > 0 && spec.Edit {
		return nil, rejectWith(command.BucketCannotEditNewChange, "edit is not supported for new changes"), nil
	}

	if len(sel.Creates) > 0 {
		ids, err := in.Index.NextChangeNumbers(ctx, len(sel.Creates))
		if err != nil {
			return nil, nil, fmt.Errorf("allocate change numbers: %w", err)
		}
		for i, create := range sel.Creates {
			create.Change = ids[i]
			create.Groups = groups.Groups(create.Commit.Hash)
		}
	}
	for _, replace := range sel.Replaces {
		replace.Groups = groups.Groups(replace.Commit.Hash)
	}
	return sel, nil, nil
}

// frontier lists the commits the walk must not enter: explicit bases plus
// the destination, the parents of a %merged tip, or every branch head plus
// the destination.
func frontier(in *Input, tip *object.Commit, destTip plumbing.Hash) ([]plumbing.Hash, error) {
	spec := in.Spec
	switch {
	case len(spec.BaseCommit) > 0:
		out := append([]plumbing.Hash(nil), spec.BaseCommit...)
		if !destTip.IsZero() {
			out = append(out, destTip)
		}
		return out, nil
	case spec.Merged:
		return tip.ParentHashes, nil
	}
	heads, err := in.Repo.Refs().ByPrefix("refs/heads/")
	if err != nil {
		return nil, err
	}
	out := make([]plumbing.Hash, 0, len(heads)+1)
	for _, h := range heads {
		out = append(out, h)
	}
	if !destTip.IsZero() {
		out = append(out, destTip)
	}
	return out, nil
}

func resolvePending(ctx context.Context, in *Input, sel *Selection, pending []*lookup) (*command.RejectionReason, error) {
	spec := in.Spec
	newKeys := make(map[string]bool)
	replaced := make(map[int]bool)
	remaining := len(pending)

	for _, p := range pending {
		if p.key == "" {
			continue
		}
		if newKeys[p.key] {
			klog.V(2).Infof("multiple commits with Change-Id %s", p.key)
			return rejectWith(command.BucketDuplicateChangeID, SameChangeIDInMultipleChanges), nil
		}

		switch len(p.destChanges) {
		case 0:
			if !changeid.Valid(p.key) {
				return rejectWith(command.BucketInvalidChangeID, "invalid Change-Id"), nil
			}
			// The index may lag behind the refs; check them directly.
			found, err := foundInExistingPatchSets(ctx, in, p.commit.Hash)
			if err != nil {
				return nil, err
			}
			if found {
				if remaining == 1 {
					return alreadyCurrent(), nil
				}
				remaining--
				continue
			}
			newKeys[p.key] = true
			sel.Creates = append(sel.Creates, &CreateRequest{
				Commit:    p.commit,
				Branch:    spec.Dest,
				Key:       p.key,
				HasFooter: true,
			})

		case 1:
			change := p.destChanges[0]
			current, err := in.Index.PatchSet(ctx, change.Number, change.CurrentPatchSet)
			if err != nil {
				return nil, fmt.Errorf("current patch set of change %d: %w", change.Number, err)
			}
			if current.CommitSHA == p.commit.Hash.String() {
				if remaining == 1 {
					return alreadyCurrent(), nil
				}
				remaining--
				continue
			}
			if !change.Status.Open() {
				return rejectWith(command.BucketChangeIsClosed, fmt.Sprintf("change %d closed", change.Number)), nil
			}
			if replaced[change.Number] {
				return rejectWith(command.BucketDuplicateRequest, "duplicate request"), nil
			}
			replaced[change.Number] = true
			sel.Replaces = append(sel.Replaces, &ReplaceRequest{Change: change, Commit: p.commit})

		default:
			numbers := make([]string, 0, len(p.destChanges))
			for _, ch := range p.destChanges {
				numbers = append(numbers, fmt.Sprint(ch.Number))
			}
			klog.V(2).Infof("multiple changes in %s with Change-Id %s: %s", spec.Dest, p.key, strings.Join(numbers, ","))
			return rejectWith(command.BucketDuplicateChange, p.key+" has duplicates"), nil
		}
	}
	return nil, nil
}

func alreadyCurrent() *command.RejectionReason {
	return rejectWith(command.BucketCommitAlreadyExistsInChange, "commit(s) already exists (as current patchset)")
}

func foundInExistingPatchSets(ctx context.Context, in *Input, h plumbing.Hash) (bool, error) {
	refs, err := in.Repo.Refs().PatchSetsByCommit(h)
	if err != nil {
		return false, err
	}
	for _, ref := range refs {
		change, err := in.Index.Get(ctx, ref.Change)
		if err != nil {
			continue
		}
		if change.Branch == in.Spec.Dest {
			klog.V(2).Infof("found change %s from existing refs", change.Key)
			return true, nil
		}
	}
	return false, nil
}

// implicitMerges rejects the push when a parent of the pushed chain is
// neither part of the push nor merged into the destination. Every commit
// that would be merged implicitly is reported.
func implicitMerges(ctx context.Context, in *Input, parents, walked map[plumbing.Hash]bool, destTip plumbing.Hash) (*command.RejectionReason, error) {
	if destTip.IsZero() {
		return nil, nil
	}
	var unmerged []plumbing.Hash
	for p := range parents {
		if walked[p] {
			continue
		}
		merged, err := in.Repo.IsMergedInto(p, destTip)
		if err != nil {
			return nil, err
		}
		if !merged {
			unmerged = append(unmerged, p)
		}
	}
	if len(unmerged) == 0 {
		return nil, nil
	}
	commits, err := in.Repo.Walk(ctx, unmerged, []plumbing.Hash{destTip})
	if err != nil {
		return nil, err
	}
	for _, c := range commits {
		in.Messages.Add(report.Error(fmt.Sprintf("Implicit Merge of %s %s", gitrepo.Abbreviate(c.Hash), gitrepo.Subject(c.Message))))
	}
	return rejectWith(command.BucketImplicitMerge, "implicit merges detected"), nil
}
