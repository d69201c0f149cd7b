package receive

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/batch"
	"github.com/lydakis/jul/receive/internal/changeid"
	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/events"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/magic"
	"github.com/lydakis/jul/receive/internal/metrics"
	"github.com/lydakis/jul/receive/internal/patchset"
	"github.com/lydakis/jul/receive/internal/selector"
	"github.com/lydakis/jul/receive/internal/storage"
)

const (
	newChangeTag = "autogenerated:receive:newPatchSet"
	mergedTag    = "autogenerated:receive:merged"
)

// insertion collects what one attempt of the insert batch wrote. It is
// rebuilt from scratch on every retry.
type insertion struct {
	plans    []*patchset.Plan
	created  []storage.Change
	replaced []storage.Change
	lines    []successLine
}

// handleMagic processes a refs/for/ push. Only the last magic command is
// acted on; earlier ones are duplicates.
func (s *Session) handleMagic(ctx context.Context, cmds []*command.Tracked) error {
	s.result.MagicPush = true
	cmd := cmds[len(cmds)-1]
	c := cmd.Command()

	spec, reason, err := magic.Parse(ctx, c.RefName, c.NewID, s.pushOptions, magic.Env{
		Repo:                s.deps.Repo,
		User:                s.user,
		Permissions:         s.deps.Permissions,
		Plugins:             s.deps.Plugins,
		Project:             s.cfg.Project,
		AllowPrivateChanges: s.cfg.Receive.AllowPrivateChanges,
		Messages:            s.messages,
	})
	kind := metrics.KindMagic
	if spec != nil && spec.Submit {
		kind = metrics.KindDirectSubmit
	}
	s.pushKind.Store(kind)
	s.deps.Metrics.Push(kind, updateType(cmds))

	for _, dup := range cmds[:len(cmds)-1] {
		s.reject(dup, command.Reason(command.BucketDuplicateRequest, "duplicate request"))
	}
	switch {
	case errors.Is(err, gitrepo.ErrMissingObject):
		klog.V(2).Infof("magic push %s: %v", c.RefName, err)
		cmd.SetResult(command.RejectedMissingObject, "missing object(s)")
		return nil
	case err != nil:
		return fmt.Errorf("parse %s: %w", c.RefName, err)
	case reason != nil:
		s.reject(cmd, *reason)
		return nil
	}

	sel, reason, err := selector.Select(ctx, &selector.Input{
		Repo:                 s.deps.Repo,
		Index:                s.index(),
		Spec:                 spec,
		Validator:            s.deps.Validators,
		User:                 s.user,
		Messages:             s.messages,
		MaxBatchChanges:      s.cfg.Receive.MaxBatchChanges,
		RejectImplicitMerges: s.cfg.Project.RejectImplicitMerges,
	})
	if err != nil {
		return err
	}
	if reason != nil {
		s.reject(cmd, *reason)
		return nil
	}
	klog.FromContext(ctx).V(2).Info("selected changes", "ref", c.RefName, "dest", spec.Dest,
		"creates", len(sel.Creates), "replaces", len(sel.Replaces))

	var ins *insertion
	res, err := s.exec.ExecuteWithRetry(ctx, batch.KindInsert, func(ctx context.Context) (*batch.Batch, error) {
		ins = &insertion{}
		return s.buildInsert(ctx, spec, sel, ins)
	})
	var rejected command.RejectionReason
	switch {
	case errors.As(err, &rejected):
		s.reject(cmd, rejected)
		return nil
	case errors.Is(err, storage.ErrDuplicateKey):
		klog.FromContext(ctx).V(2).Info("lost race creating change", "error", err)
		s.reject(cmd, command.Reason(command.BucketConflict, "conflict"))
		return nil
	case err != nil:
		return err
	case res.Conflict:
		s.reject(cmd, command.Reason(command.BucketConflict, "conflict"))
		return nil
	}

	for _, plan := range ins.plans {
		s.messages.Add(plan.Messages...)
	}
	for _, change := range ins.created {
		s.result.Created = append(s.result.Created, change.Number)
	}
	for _, change := range ins.replaced {
		s.result.Replaced = append(s.result.Replaced, change.Number)
	}
	s.deps.Metrics.Changes("created", len(ins.created))
	s.deps.Metrics.Changes("replaced", len(ins.replaced))
	s.addSuccessMessages(ins.lines)

	if spec.Submit && !spec.Edit {
		return s.submit(ctx, cmd, spec, append(ins.created, ins.replaced...))
	}
	cmd.Accept()
	return nil
}

// buildInsert re-verifies every replacement and assembles the batch that
// creates the new changes and patch sets. A verification failure is returned
// as a command.RejectionReason, which ends the retry loop.
func (s *Session) buildInsert(ctx context.Context, spec *magic.Spec, sel *selector.Selection, ins *insertion) (*batch.Batch, error) {
	s.events.Discard()
	checker := s.checker()
	var wip *bool
	switch {
	case spec.WorkInProgress:
		wip = ptr(true)
	case spec.Ready:
		wip = ptr(false)
	}

	b := &batch.Batch{}
	for _, rr := range sel.Replaces {
		plan, reason, err := checker.Check(ctx, patchset.Request{
			Change:         rr.Change.Number,
			Commit:         rr.Commit,
			WorkInProgress: wip,
			Groups:         rr.Groups,
		})
		if err != nil {
			return nil, err
		}
		if reason != nil {
			return nil, *reason
		}
		ins.plans = append(ins.plans, plan)
		if spec.Edit {
			if err := s.addEdit(b, plan, ins); err != nil {
				return nil, err
			}
			continue
		}
		s.addReplace(b, spec, plan, ins)
	}
	for _, cr := range sel.Creates {
		s.addCreate(b, spec, cr, ins)
	}

	b.AddHook(func(ctx context.Context) {
		if s.deps.Cache != nil {
			var nums []int
			for _, plan := range ins.plans {
				nums = append(nums, plan.Change.Number)
			}
			s.deps.Cache.Evict(nums...)
		}
		s.events.Flush(ctx)
	})
	return b, nil
}

func (s *Session) addCreate(b *batch.Batch, spec *magic.Spec, cr *selector.CreateRequest, ins *insertion) {
	ref := changeid.PatchSetRef(cr.Change, 1)
	b.AddRef(gitrepo.RefUpdate{Name: ref, New: cr.Commit.Hash})
	b.AddOp(func(ctx context.Context, tx *storage.Tx) error {
		change, err := tx.InsertChange(ctx, storage.Change{
			Number:          cr.Change,
			Key:             cr.Key,
			Branch:          cr.Branch,
			Owner:           s.user.Name,
			Subject:         gitrepo.Subject(cr.Commit.Message),
			Topic:           spec.Topic,
			Private:         spec.SetPrivate,
			WorkInProgress:  spec.WorkInProgressForNewChanges(s.cfg.Project.WorkInProgressByDefault),
			CurrentPatchSet: 1,
		})
		if err != nil {
			return fmt.Errorf("insert change %d: %w", cr.Change, err)
		}
		if _, err := tx.InsertPatchSet(ctx, storage.PatchSet{
			Change:    change.Number,
			Number:    1,
			CommitSHA: cr.Commit.Hash.String(),
			Uploader:  s.user.Name,
			Groups:    cr.Groups,
		}); err != nil {
			return fmt.Errorf("insert patch set 1 of change %d: %w", change.Number, err)
		}
		if err := tx.AddMessage(ctx, storage.Message{
			Change:   change.Number,
			PatchSet: 1,
			Author:   s.user.Name,
			Tag:      newChangeTag,
			Text:     uploadMessage(1, spec.Message),
		}); err != nil {
			return err
		}
		if err := s.addReviewData(ctx, tx, spec, change.Number, 1); err != nil {
			return err
		}
		ins.created = append(ins.created, change)
		ins.lines = append(ins.lines, newSuccessLine(change, cr.Commit, false, true))
		return s.events.Record(ctx, tx, events.ChangeCreated, events.Payload{
			Change: change.Number, PatchSet: 1, Ref: ref, New: cr.Commit.Hash.String(), Uploader: s.user.Name,
			Notify: spec.NotifyHandling(change.WorkInProgress), PublishComments: spec.ShouldPublishComments(),
		})
	})
}

func (s *Session) addReplace(b *batch.Batch, spec *magic.Spec, plan *patchset.Plan, ins *insertion) {
	b.AddRef(plan.RefUpdate())
	b.AddOp(plan.Op(s.user.Name, uploadMessage(plan.PatchSet, spec.Message), func(c *storage.Change) {
		if spec.Topic != "" {
			c.Topic = spec.Topic
		}
		switch {
		case spec.Private:
			c.Private = true
		case spec.RemovePrivate:
			c.Private = false
		}
		switch {
		case spec.WorkInProgress:
			c.WorkInProgress = true
		case spec.Ready:
			c.WorkInProgress = false
		}
	}))
	b.AddOp(func(ctx context.Context, tx *storage.Tx) error {
		if err := s.addReviewData(ctx, tx, spec, plan.Change.Number, plan.PatchSet); err != nil {
			return err
		}
		ins.replaced = append(ins.replaced, plan.Updated)
		ins.lines = append(ins.lines, newSuccessLine(plan.Updated, plan.Commit, false, false))
		return s.events.Record(ctx, tx, events.PatchSetCreated, events.Payload{
			Change: plan.Change.Number, PatchSet: plan.PatchSet, Ref: plan.Ref,
			Old: plan.Prior.CommitSHA, New: plan.Commit.Hash.String(), Uploader: s.user.Name,
			Notify: spec.NotifyHandling(plan.Updated.WorkInProgress), PublishComments: spec.ShouldPublishComments(),
		})
	})
}

// addEdit stores the commit as the user's change edit on top of the current
// patch set instead of a new patch set.
func (s *Session) addEdit(b *batch.Batch, plan *patchset.Plan, ins *insertion) error {
	ref := changeid.EditRef(s.user.Name, plan.Change.Number, plan.Prior.Number)
	old, err := s.deps.Repo.Refs().Exact(ref)
	if err != nil {
		return err
	}
	b.AddRef(gitrepo.RefUpdate{Name: ref, Old: old, New: plan.Commit.Hash})
	ins.lines = append(ins.lines, newSuccessLine(plan.Change, plan.Commit, true, false))
	return nil
}

func (s *Session) addReviewData(ctx context.Context, tx *storage.Tx, spec *magic.Spec, change, ps int) error {
	var reviewers []storage.ChangeReviewer
	for _, r := range spec.Reviewers {
		reviewers = append(reviewers, storage.ChangeReviewer{Account: r, State: storage.Reviewer})
	}
	for _, cc := range spec.CCs {
		reviewers = append(reviewers, storage.ChangeReviewer{Account: cc, State: storage.CC})
	}
	if err := tx.AddReviewers(ctx, change, reviewers); err != nil {
		return err
	}
	if err := tx.AddHashtags(ctx, change, spec.Hashtags); err != nil {
		return err
	}
	var approvals []storage.Approval
	for _, label := range spec.LabelOrder {
		approvals = append(approvals, storage.Approval{
			Change: change, PatchSet: ps, Account: s.user.Name, Label: label, Value: spec.Labels[label],
		})
	}
	return tx.AddApprovals(ctx, approvals)
}

// submit moves the destination branch to the pushed tip and closes the
// changes of the push as merged. Only fast-forwards are submitted.
func (s *Session) submit(ctx context.Context, cmd *command.Tracked, spec *magic.Spec, changes []storage.Change) error {
	destTip, err := s.deps.Repo.Refs().Exact(spec.Dest)
	if err != nil {
		return err
	}
	if !destTip.IsZero() {
		ff, err := s.deps.Repo.IsMergedInto(destTip, spec.Tip)
		if err != nil {
			return err
		}
		if !ff {
			s.reporter.AddError("submit requires a fast-forward of "+spec.Dest+"; rebase the changes and push again", cmd.RefName())
			s.reject(cmd, command.Reason(command.BucketConflict, "conflict"))
			return nil
		}
	}

	submissionID := ulid.Make().String()
	var merged []int
	res, err := s.exec.ExecuteWithRetry(ctx, batch.KindSubmit, func(ctx context.Context) (*batch.Batch, error) {
		s.events.Discard()
		merged = nil
		b := &batch.Batch{}
		b.AddRef(gitrepo.RefUpdate{Name: spec.Dest, Old: destTip, New: spec.Tip})
		b.AddOp(func(ctx context.Context, tx *storage.Tx) error {
			for _, c := range changes {
				change, err := tx.Get(ctx, c.Number)
				if err != nil {
					return err
				}
				if !change.Status.Open() {
					continue
				}
				change, err = tx.SetMerged(ctx, change, submissionID)
				if err != nil {
					return err
				}
				if err := tx.AddMessage(ctx, storage.Message{
					Change: change.Number, PatchSet: change.CurrentPatchSet, Author: s.user.Name,
					Tag: mergedTag, Text: "Change has been successfully merged",
				}); err != nil {
					return err
				}
				merged = append(merged, change.Number)
				if err := s.events.Record(ctx, tx, events.ChangeMerged, events.Payload{
					Change: change.Number, PatchSet: change.CurrentPatchSet, Ref: spec.Dest,
					Old: destTip.String(), New: spec.Tip.String(), SubmissionID: submissionID,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		b.AddHook(func(ctx context.Context) {
			if s.deps.Cache != nil {
				s.deps.Cache.Evict(merged...)
			}
			s.events.Flush(ctx)
		})
		return b, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		klog.FromContext(ctx).Error(err, "submit failed", "dest", spec.Dest)
		s.reject(cmd, command.Reason(command.BucketSubmitError, "error during submit"))
		return nil
	}
	if res.Conflict {
		s.reject(cmd, command.Reason(command.BucketConflict, "conflict"))
		return nil
	}
	klog.FromContext(ctx).V(2).Info("submitted", "dest", spec.Dest, "tip", gitrepo.Abbreviate(spec.Tip), "merged", len(merged))
	s.deps.Metrics.Changes("merged", len(merged))
	cmd.Accept()
	return nil
}

func uploadMessage(ps int, message string) string {
	out := fmt.Sprintf("Uploaded patch set %d.", ps)
	if message != "" {
		out += "\n\n" + message
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
