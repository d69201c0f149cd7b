// Package autoclose marks open changes merged when their commits reach a
// branch through a direct push.
package autoclose

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/oklog/ulid/v2"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/batch"
	"github.com/lydakis/jul/receive/internal/cache"
	"github.com/lydakis/jul/receive/internal/changeid"
	"github.com/lydakis/jul/receive/internal/events"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/patchset"
	"github.com/lydakis/jul/receive/internal/storage"
)

const mergedMessage = "Change has been successfully pushed."

// Index is the change lookup auto-close needs. *storage.Store implements it.
type Index interface {
	Get(ctx context.Context, num int) (storage.Change, error)
	OpenByBranch(ctx context.Context, branch string) (map[string]storage.Change, error)
}

type Engine struct {
	Repo     *gitrepo.Repository
	Index    Index
	Executor *batch.Executor
	Checker  *patchset.Checker
	Events   *events.Recorder
	Cache    *cache.ChangeCache
}

// Result lists the changes closed by one invocation.
type Result struct {
	SubmissionID string
	Closed       []storage.Change
}

type existingClose struct {
	change   storage.Change
	patchSet int
}

type replaceClose struct {
	commit *object.Commit
	change storage.Change
}

// Close walks the commits between oldID and newID on refName, oldest first,
// and closes every open change whose commit landed. Commits that fail
// verification are skipped; they never block the ref update that already
// happened.
func (e *Engine) Close(ctx context.Context, refName string, oldID, newID plumbing.Hash) (*Result, error) {
	if oldID.IsZero() || newID.IsZero() {
		// A new branch cannot contain changes yet.
		return &Result{}, nil
	}
	submissionID := ulid.Make().String()

	var closed []storage.Change
	res, err := e.Executor.ExecuteWithRetry(ctx, batch.KindAutoClose, func(ctx context.Context) (*batch.Batch, error) {
		closed = nil
		if e.Events != nil {
			e.Events.Discard()
		}
		return e.build(ctx, refName, oldID, newID, submissionID, &closed)
	})
	if err != nil {
		return nil, fmt.Errorf("auto-close %s: %w", refName, err)
	}
	if res.Conflict {
		klog.Warningf("auto-close %s: patch set refs changed concurrently, nothing closed", refName)
		return &Result{}, nil
	}
	return &Result{SubmissionID: submissionID, Closed: closed}, nil
}

func (e *Engine) build(ctx context.Context, refName string, oldID, newID plumbing.Hash, submissionID string, closed *[]storage.Change) (*batch.Batch, error) {
	commits, err := e.Repo.Walk(ctx, []plumbing.Hash{newID}, []plumbing.Hash{oldID})
	if err != nil {
		return nil, err
	}
	index, err := e.Repo.Refs().PatchSetIndex()
	if err != nil {
		return nil, err
	}

	var existing []existingClose
	var replaces []replaceClose
	var open map[string]storage.Change
	seen := make(map[int]bool)

commits:
	for _, c := range commits {
		for _, ref := range index[c.Hash] {
			change, err := e.Index.Get(ctx, ref.Change)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if change.Branch != refName {
				continue
			}
			if !seen[change.Number] && change.Status.Open() {
				seen[change.Number] = true
				existing = append(existing, existingClose{change: change, patchSet: ref.PatchSet})
			}
			continue commits
		}

		for _, key := range changeid.FromFooter(c.Message) {
			if open == nil {
				open, err = e.Index.OpenByBranch(ctx, refName)
				if err != nil {
					return nil, err
				}
			}
			onto, ok := open[key]
			if !ok {
				continue
			}
			if !seen[onto.Number] {
				seen[onto.Number] = true
				replaces = append(replaces, replaceClose{commit: c, change: onto})
			}
			continue commits
		}
	}

	b := &batch.Batch{}
	for _, ec := range existing {
		ec := ec
		b.AddOp(func(ctx context.Context, tx *storage.Tx) error {
			change, err := tx.Get(ctx, ec.change.Number)
			if err != nil {
				return err
			}
			if !change.Status.Open() {
				return nil
			}
			change.CurrentPatchSet = ec.patchSet
			change.Private = false
			merged, err := tx.SetMerged(ctx, change, submissionID)
			if err != nil {
				return err
			}
			if err := tx.AddMessage(ctx, storage.Message{Change: merged.Number, PatchSet: ec.patchSet, Author: e.Checker.User.Name,
				Tag: "autogenerated:receive:merged", Text: mergedMessage}); err != nil {
				return err
			}
			*closed = append(*closed, merged)
			return e.record(ctx, tx, events.ChangeMerged, events.Payload{Change: merged.Number, PatchSet: ec.patchSet,
				Ref: refName, New: newID.String(), SubmissionID: submissionID})
		})
	}

	for _, rc := range replaces {
		plan, reason, err := e.Checker.Check(ctx, patchset.Request{Change: rc.change.Number, Commit: rc.commit})
		if err != nil {
			return nil, err
		}
		if reason != nil {
			klog.V(2).Infof("not closing %d because validation failed: %s", rc.change.Number, reason.Why)
			continue
		}
		b.AddRef(plan.RefUpdate())
		b.AddOp(plan.Op(e.Checker.User.Name, mergedMessage, func(c *storage.Change) {
			c.Status = storage.StatusMerged
			c.SubmissionID = submissionID
			c.Private = false
		}))
		b.AddOp(func(ctx context.Context, tx *storage.Tx) error {
			*closed = append(*closed, plan.Updated)
			if err := e.record(ctx, tx, events.PatchSetCreated, events.Payload{Change: plan.Change.Number,
				PatchSet: plan.PatchSet, Ref: plan.Ref, New: plan.Commit.Hash.String(), Uploader: e.Checker.User.Name}); err != nil {
				return err
			}
			return e.record(ctx, tx, events.ChangeMerged, events.Payload{Change: plan.Change.Number, PatchSet: plan.PatchSet,
				Ref: refName, New: newID.String(), SubmissionID: submissionID})
		})
	}
	klog.V(2).Infof("auto-closing %d changes with existing patch sets and %d with new patch sets", len(existing), len(replaces))

	b.AddHook(func(ctx context.Context) {
		if e.Cache != nil {
			nums := make([]int, 0, len(*closed))
			for _, c := range *closed {
				nums = append(nums, c.Number)
			}
			e.Cache.Evict(nums...)
		}
		if e.Events != nil {
			e.Events.Flush(ctx)
		}
	})
	return b, nil
}

func (e *Engine) record(ctx context.Context, tx *storage.Tx, typ string, p events.Payload) error {
	if e.Events == nil {
		return nil
	}
	return e.Events.Record(ctx, tx, typ, p)
}
