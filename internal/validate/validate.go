package validate

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/object"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/permission"
	"github.com/lydakis/jul/receive/internal/report"
)

// Input describes one commit about to be accepted.
type Input struct {
	Repo   *gitrepo.Repository
	Commit *object.Commit
	// Ref is the ref named by the push command, Branch its destination.
	Ref    string
	Branch string
	User   permission.User
	// PluginOptions carries the <plugin>~<name> push options.
	PluginOptions  map[string]string
	Merged         bool
	SkipValidation bool
}

type Validator interface {
	Name() string
	Validate(ctx context.Context, in Input) ([]report.Message, error)
}

// RejectError marks the commit as invalid. Any other error returned by a
// validator is treated as an internal failure.
type RejectError struct {
	Bucket   command.MetricBucket
	Reason   string
	Messages []report.Message
}

func (e *RejectError) Error() string {
	return e.Reason
}

func Reject(format string, args ...any) *RejectError {
	return &RejectError{Bucket: command.BucketRejectedByValidator, Reason: fmt.Sprintf(format, args...)}
}

type Status string

const (
	Passed   Status = "passed"
	Rejected Status = "rejected"
	Skipped  Status = "skipped"
)

type Result struct {
	Messages []report.Message
	Valid    bool
	// Reason is set when Valid is false.
	Reason *command.RejectionReason
	Info   map[string]Status
}

// always marks validators that still run for merged commits and under
// skip-validation.
type always interface {
	Always() bool
}

// Chain runs validators in order and stops at the first rejection.
type Chain struct {
	validators []Validator
}

func NewChain(validators ...Validator) *Chain {
	return &Chain{validators: validators}
}

func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.validators)
}

func (c *Chain) Validate(ctx context.Context, in Input) (Result, error) {
	res := Result{Valid: true, Info: make(map[string]Status)}
	if c == nil {
		return res, nil
	}
	for _, v := range c.validators {
		if in.Merged || in.SkipValidation {
			if a, ok := v.(always); !ok || !a.Always() {
				res.Info[v.Name()] = Skipped
				continue
			}
		}
		msgs, err := v.Validate(ctx, in)
		res.Messages = append(res.Messages, msgs...)
		if err == nil {
			res.Info[v.Name()] = Passed
			continue
		}
		var rejected *RejectError
		if !errors.As(err, &rejected) {
			return Result{}, fmt.Errorf("validator %s on %s: %w", v.Name(), in.Commit.Hash, err)
		}
		klog.V(2).Infof("validator %s rejected %s: %s", v.Name(), gitrepo.Abbreviate(in.Commit.Hash), rejected.Reason)
		res.Info[v.Name()] = Rejected
		res.Messages = append(res.Messages, rejected.Messages...)
		res.Valid = false
		reason := command.Reason(rejected.Bucket, fmt.Sprintf("commit %s: %s", gitrepo.Abbreviate(in.Commit.Hash), rejected.Reason))
		res.Reason = &reason
		return res, nil
	}
	return res, nil
}
