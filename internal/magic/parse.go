package magic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/config"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/permission"
	"github.com/lydakis/jul/receive/internal/report"
)

const (
	Prefix        = "refs/for/"
	PublishPrefix = "refs/publish/"
)

// IsMagic reports whether ref asks for review instead of a ref update.
func IsMagic(ref string) bool {
	return strings.HasPrefix(ref, Prefix) || strings.HasPrefix(ref, PublishPrefix)
}

// Env is what the parser needs from the session.
type Env struct {
	Repo                *gitrepo.Repository
	User                permission.User
	Permissions         permission.Oracle
	Plugins             *Registry
	Project             config.Project
	AllowPrivateChanges bool
	Messages            *report.MessageStream
}

// ParseError is an option the grammar does not accept.
type ParseError struct {
	Bucket  command.MetricBucket
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

func reject(bucket command.MetricBucket, format string, args ...any) *command.RejectionReason {
	r := command.Reason(bucket, fmt.Sprintf(format, args...))
	return &r
}

func prohibited(err error) (*command.RejectionReason, error) {
	if denied, ok := permission.Denied(err); ok {
		r := command.Prohibited(denied.Error())
		return &r, nil
	}
	return nil, err
}

// Parse turns a refs/for/ command into a Spec. A non-nil reason rejects the
// command; an error is an unexpected repository failure. A tip missing from
// the object database yields an error wrapping gitrepo.ErrMissingObject.
func Parse(ctx context.Context, refName string, tip plumbing.Hash, opts *PushOptions, env Env) (*Spec, *command.RejectionReason, error) {
	spec := newSpec(refName)
	spec.Tip = tip

	for _, kv := range opts.Get(OptionCustomKeyedValue) {
		parts := strings.Split(kv, ":")
		if len(parts) != 2 {
			return nil, reject(command.BucketInvalidOption,
				"the value for option '%s' must be given as '<key>:<format>'", OptionCustomKeyedValue), nil
		}
		spec.CustomKeyedValues[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	path, perr := spec.parseRef(opts, env.Plugins)
	if perr != nil && !spec.Help {
		klog.V(2).Infof("invalid branch syntax %s: %v", refName, perr)
		return nil, reject(perr.Bucket, "%s", perr.Message), nil
	}

	if spec.PushJustification != "" && !spec.Submit {
		return nil, reject(command.BucketInvalidOption,
			"when pushing for a review a push justification can only be set when the 'submit' option is used"), nil
	}
	if spec.SkipValidation {
		return nil, reject(command.BucketCannotSkipValidationForMagic,
			"\"--%s\" option is only supported for direct push", OptionSkipValidation), nil
	}

	head, err := env.Repo.Head()
	if err != nil {
		return nil, nil, fmt.Errorf("read HEAD: %w", err)
	}
	dest, pathTopic, err := splitDest(env.Repo.Refs(), head, path)
	if err != nil {
		return nil, nil, err
	}
	spec.Dest = dest
	if spec.Topic == "" {
		spec.Topic = pathTopic
	}
	if len(spec.Topic) > TopicMaxLength {
		return nil, reject(command.BucketTopicTooLarge, "topic length exceeds the limit (%d)", TopicMaxLength), nil
	}

	if spec.Help {
		help := "\nHelp for refs/for/branch:\n\n" + Usage()
		if plugins := env.Plugins.Help(); plugins != "" {
			help += "\nPlugin push options:\n" + plugins
		}
		env.Messages.Add(report.Other(help))
		return nil, reject(command.BucketHelpRequested, "see help"), nil
	}

	destTip, err := env.Repo.Refs().Exact(dest)
	if err != nil {
		return nil, nil, err
	}
	if destTip.IsZero() && dest != head && dest != command.ConfigRef {
		klog.V(2).Infof("ref %s not found", dest)
		if name, ok := strings.CutPrefix(dest, "refs/heads/"); ok {
			return nil, reject(command.BucketBranchNotFound, "branch %s not found", name), nil
		}
		return nil, reject(command.BucketRefNotFound, "%s not found", dest), nil
	}

	for _, perm := range []permission.Permission{permission.Read, permission.CreateChange} {
		if err := env.Permissions.CheckRef(ctx, env.User, dest, perm); err != nil {
			return prohibitedSpec(err)
		}
	}

	if spec.Private && spec.RemovePrivate {
		return nil, reject(command.BucketInvalidOption, "the options 'private' and 'remove-private' are mutually exclusive"), nil
	}
	spec.SetPrivate = spec.Private || (env.Project.PrivateByDefault && !spec.RemovePrivate)
	if !env.AllowPrivateChanges && spec.SetPrivate {
		return nil, reject(command.BucketInvalidOption, "private changes are disabled"), nil
	}
	if spec.WorkInProgress && spec.Ready {
		return nil, reject(command.BucketInvalidOption, "the options 'wip' and 'ready' are mutually exclusive"), nil
	}
	if spec.PublishComments && spec.NoPublishComments {
		return nil, reject(command.BucketInvalidOption,
			"the options 'publish-comments' and 'no-publish-comments' are mutually exclusive"), nil
	}
	if spec.Submit {
		if err := env.Permissions.CheckRef(ctx, env.User, dest, permission.UpdateBySubmit); err != nil {
			return prohibitedSpec(err)
		}
	}

	tipCommit, err := env.Repo.Commit(tip)
	if err != nil {
		return nil, nil, fmt.Errorf("tip of %s: %w", refName, err)
	}

	if spec.Merged {
		if len(spec.Base) > 0 {
			return nil, reject(command.BucketInvalidOption, "cannot use merged with base"), nil
		}
		if destTip.IsZero() {
			return nil, reject(command.BucketBranchNotFound, "%s not found", dest), nil
		}
		merged, err := env.Repo.IsMergedInto(tip, destTip)
		if err != nil {
			return nil, nil, err
		}
		if !merged {
			return nil, reject(command.BucketNotMergedIntoBranch, "not merged into branch"), nil
		}
	}

	spec.NewChangeForAllNotInTarget = env.Project.NewChangeForAllNotInTarget
	if tipCommit.NumParents() != 1 || len(spec.Base) > 0 || spec.Merged {
		klog.V(3).Infof("forcing newChangeForAllNotInTarget = false for %s", refName)
		spec.NewChangeForAllNotInTarget = false
	}

	switch {
	case len(spec.Base) > 0:
		for _, b := range spec.Base {
			typ, err := env.Repo.ObjectType(b)
			if errors.Is(err, gitrepo.ErrMissingObject) {
				return nil, reject(command.BucketInvalidBase, "base not found"), nil
			}
			if err != nil {
				return nil, nil, fmt.Errorf("read base %s: %w", b, err)
			}
			if typ != plumbing.CommitObject {
				return nil, reject(command.BucketInvalidBase, "base must be a commit"), nil
			}
			spec.BaseCommit = append(spec.BaseCommit, b)
		}
	case spec.NewChangeForAllNotInTarget:
		if !destTip.IsZero() {
			spec.BaseCommit = []plumbing.Hash{destTip}
		} else if dest != head && dest != command.ConfigRef {
			return nil, reject(command.BucketBranchNotFound, "%s not found", dest), nil
		}
	}

	if !destTip.IsZero() {
		connected, err := env.Repo.HasMergeBase(tip, destTip)
		if err != nil {
			return nil, nil, err
		}
		if !connected {
			return nil, reject(command.BucketNoCommonAncestry, "no common ancestry"), nil
		}
	} else {
		klog.V(3).Infof("branch %s is unborn", dest)
	}
	return spec, nil, nil
}

func prohibitedSpec(err error) (*Spec, *command.RejectionReason, error) {
	r, err := prohibited(err)
	return nil, r, err
}

// parseRef strips the magic prefix, applies the %options of the ref and
// then the push options, and returns the destination path.
func (s *Spec) parseRef(opts *PushOptions, plugins *Registry) (string, *ParseError) {
	rest := strings.TrimPrefix(strings.TrimPrefix(s.Ref, Prefix), PublishPrefix)

	merged := NewPushOptions()
	if i := strings.IndexByte(rest, '%'); i >= 0 {
		for _, kv := range strings.Split(rest[i+1:], ",") {
			if kv == "" {
				continue
			}
			key, value, _ := strings.Cut(kv, "=")
			merged.Put(key, value)
		}
		rest = rest[:i]
	}
	if merged.Has(OptionCustomKeyedValue) {
		return rest, &ParseError{Bucket: command.BucketInvalidBranchSyntax, Message: fmt.Sprintf(
			"option '%s' cannot be specified as an option in the ref name, use a push option instead ('-o %s=<key>:<value>')",
			OptionCustomKeyedValue, OptionCustomKeyedValue)}
	}
	for _, key := range opts.Keys() {
		for _, value := range opts.Get(key) {
			if plugins.Has(key) {
				s.PluginOptions[key] = value
				continue
			}
			if key == OptionNoteDB {
				continue
			}
			merged.Put(key, value)
		}
	}

	var firstErr *ParseError
	for _, key := range merged.Keys() {
		o, ok := optionsByName[strings.TrimLeft(key, "-")]
		if !ok {
			if firstErr == nil {
				firstErr = &ParseError{Bucket: command.BucketInvalidBranchSyntax,
					Message: fmt.Sprintf("\"--%s\" is not a valid option", strings.TrimLeft(key, "-"))}
			}
			continue
		}
		for _, value := range merged.Get(key) {
			if err := o.apply(s, value); err != nil && firstErr == nil {
				firstErr = &ParseError{Bucket: command.BucketInvalidBranchSyntax, Message: err.Error()}
			}
		}
	}
	if rest == "" && firstErr == nil {
		firstErr = &ParseError{Bucket: command.BucketInvalidBranchSyntax, Message: "destination branch is required"}
	}
	return rest, firstErr
}

// splitDest picks the longest prefix of path naming an existing branch,
// HEAD's target or the config ref; what remains is the topic. If nothing
// matches the whole path is the destination.
func splitDest(refs *gitrepo.RefStore, head, path string) (string, string, error) {
	parts := strings.Split(path, "/")
	for i := len(parts); i > 0; i-- {
		candidate := fullName(strings.Join(parts[:i], "/"))
		exists, err := refs.Exists(candidate)
		if err != nil {
			return "", "", err
		}
		if exists || candidate == head || candidate == command.ConfigRef {
			return candidate, strings.Join(parts[i:], "/"), nil
		}
	}
	return fullName(path), "", nil
}

func fullName(name string) string {
	if strings.HasPrefix(name, "refs/") {
		return name
	}
	return "refs/heads/" + name
}
