// Package batch applies ref updates and change metadata mutations as one
// unit: either all of them land or none do.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/config"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/storage"
)

// Op mutates change metadata inside the batch transaction.
type Op func(ctx context.Context, tx *storage.Tx) error

// Hook runs after the batch is durable. Hooks cannot fail the batch.
type Hook func(ctx context.Context)

type Batch struct {
	RefOps    []gitrepo.RefUpdate
	ChangeOps []Op
	Hooks     []Hook
}

func (b *Batch) AddRef(u gitrepo.RefUpdate) {
	b.RefOps = append(b.RefOps, u)
}

func (b *Batch) AddOp(op Op) {
	b.ChangeOps = append(b.ChangeOps, op)
}

func (b *Batch) AddHook(h Hook) {
	b.Hooks = append(b.Hooks, h)
}

func (b *Batch) Empty() bool {
	return len(b.RefOps) == 0 && len(b.ChangeOps) == 0
}

// Result carries the per-ref outcomes. When Conflict is set nothing was
// written and the caller decides which commands to reject.
type Result struct {
	Refs     []gitrepo.RefOutcome
	Conflict bool
}

// Status returns the outcome recorded for ref.
func (r *Result) Status(ref string) (gitrepo.RefStatus, bool) {
	for _, o := range r.Refs {
		if o.Name == ref {
			return o.Status, true
		}
	}
	return 0, false
}

// Kind selects the retry budget for an operation group.
type Kind int

const (
	KindLookup Kind = iota
	KindInsert
	KindReplace
	KindAutoClose
	KindSubmit
	KindRefs
)

func (k Kind) String() string {
	switch k {
	case KindLookup:
		return "lookup"
	case KindInsert:
		return "insert"
	case KindReplace:
		return "replace"
	case KindAutoClose:
		return "autoclose"
	case KindSubmit:
		return "submit"
	case KindRefs:
		return "refs"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Observer is told about every retried attempt.
type Observer interface {
	Retried(kind Kind, err error)
}

type Executor struct {
	store    *storage.Store
	refs     *gitrepo.RefStore
	retry    config.Retry
	observer Observer
}

func New(store *storage.Store, refs *gitrepo.RefStore, retry config.Retry) *Executor {
	return &Executor{store: store, refs: refs, retry: retry}
}

func (e *Executor) SetObserver(o Observer) {
	e.observer = o
}

// Execute runs one batch. Change ops run first inside a transaction, then
// the ref updates are applied; the transaction commits only when every ref
// won its compare-and-swap. A failed commit reverts the refs.
func (e *Executor) Execute(ctx context.Context, b *Batch) (*Result, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, op := range b.ChangeOps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := op(ctx, tx); err != nil {
			return nil, err
		}
	}

	res := &Result{}
	if len(b.RefOps) > 0 {
		outcomes, err := e.refs.Apply(b.RefOps)
		res.Refs = outcomes
		if errors.Is(err, gitrepo.ErrRefConflict) {
			klog.V(2).Infof("batch of %d refs lost a compare-and-swap, rolling back", len(b.RefOps))
			res.Conflict = true
			return res, nil
		}
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		klog.Warningf("commit failed after ref updates, reverting %d refs: %v", len(b.RefOps), err)
		e.refs.Revert(b.RefOps)
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true

	for _, h := range b.Hooks {
		h(ctx)
	}
	return res, nil
}

// Budget is the longest a retried operation group of kind may take.
func (e *Executor) Budget(kind Kind) time.Duration {
	if kind == KindLookup || kind == KindRefs || e.retry.Multiplier <= 1 {
		return e.retry.Timeout
	}
	return e.retry.Timeout * time.Duration(e.retry.Multiplier)
}

// ExecuteWithRetry builds and runs a batch, rebuilding it from scratch each
// time storage reports contention. Any other error ends the attempt.
func (e *Executor) ExecuteWithRetry(ctx context.Context, kind Kind, build func(ctx context.Context) (*Batch, error)) (*Result, error) {
	policy := backoff.NewExponentialBackOff()
	if e.retry.InitialInterval > 0 {
		policy.InitialInterval = e.retry.InitialInterval
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(e.Budget(kind)),
		backoff.WithNotify(func(err error, next time.Duration) {
			klog.V(2).Infof("%s: retrying in %s after %v", kind, next, err)
			if e.observer != nil {
				e.observer.Retried(kind, err)
			}
		}),
	}
	if e.retry.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(e.retry.MaxTries))
	}

	return backoff.Retry(ctx, func() (*Result, error) {
		b, err := build(ctx)
		if err != nil {
			return nil, retryable(err)
		}
		res, err := e.Execute(ctx, b)
		if err != nil {
			return nil, retryable(err)
		}
		return res, nil
	}, opts...)
}

func retryable(err error) error {
	if errors.Is(err, storage.ErrContention) {
		return err
	}
	return backoff.Permanent(err)
}
