package receive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/autoclose"
	"github.com/lydakis/jul/receive/internal/batch"
	"github.com/lydakis/jul/receive/internal/changeid"
	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/config"
	"github.com/lydakis/jul/receive/internal/events"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/magic"
	"github.com/lydakis/jul/receive/internal/patchset"
	"github.com/lydakis/jul/receive/internal/permission"
	"github.com/lydakis/jul/receive/internal/storage"
	"github.com/lydakis/jul/receive/internal/validate"
)

const (
	cannotDeleteChanges = "Cannot delete from '" + changeid.ChangesPrefix + "'"
	cannotDeleteConfig  = "Cannot delete project configuration from '" + command.ConfigRef + "'"
)

// handleRegular checks every command, applies the survivors as one ref
// transaction and then closes changes that landed on a branch.
func (s *Session) handleRegular(ctx context.Context, cmds []*command.Tracked) error {
	s.result.MagicPush = false
	for _, cmd := range cmds {
		if err := s.parseRegular(ctx, cmd); err != nil {
			return err
		}
	}

	var pending []*command.Tracked
	for _, cmd := range cmds {
		if cmd.NotAttempted() {
			pending = append(pending, cmd)
		}
	}
	klog.V(2).Infof("applying %d of %d ref updates", len(pending), len(cmds))
	if len(pending) == 0 {
		return nil
	}

	res, err := s.exec.ExecuteWithRetry(ctx, batch.KindRefs, func(ctx context.Context) (*batch.Batch, error) {
		s.events.Discard()
		b := &batch.Batch{}
		for _, cmd := range pending {
			c := cmd.Command()
			b.AddRef(gitrepo.RefUpdate{Name: c.RefName, Old: c.OldID, New: c.NewID})
			b.AddOp(func(ctx context.Context, tx *storage.Tx) error {
				return s.events.Record(ctx, tx, events.RefUpdated, events.Payload{
					Ref: c.RefName, Old: c.OldID.String(), New: c.NewID.String(), Uploader: s.user.Name,
				})
			})
		}
		b.AddHook(s.events.Flush)
		return b, nil
	})
	if err != nil {
		return err
	}
	if res.Conflict {
		for _, cmd := range pending {
			status, _ := res.Status(cmd.RefName())
			bucket := command.BucketTransactionAborted
			if status == gitrepo.RefConflict {
				bucket = command.BucketLockFailure
			}
			s.reject(cmd, command.Reason(bucket, status.String()))
		}
		return nil
	}

	var landed []command.PushCommand
	for _, cmd := range pending {
		if cmd.Accept() {
			landed = append(landed, cmd.Command())
		}
	}
	return s.autoClose(ctx, landed)
}

func (s *Session) autoClose(ctx context.Context, landed []command.PushCommand) error {
	engine := &autoclose.Engine{
		Repo:     s.deps.Repo,
		Index:    s.index(),
		Executor: s.exec,
		Checker:  s.checker(),
		Events:   s.events,
		Cache:    s.deps.Cache,
	}
	for _, c := range landed {
		if !c.IsHead() && !c.IsConfig() {
			continue
		}
		if c.Kind == command.KindDelete {
			continue
		}
		res, err := engine.Close(ctx, c.RefName, c.OldID, c.NewID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The ref already moved; failing to close changes must not
			// fail the push.
			klog.Warningf("auto-close on %s failed: %v", c.RefName, err)
			continue
		}
		for _, change := range res.Closed {
			s.result.Autoclosed = append(s.result.Autoclosed, change.Number)
		}
		s.deps.Metrics.Changes("autoclosed", len(res.Closed))
	}
	return nil
}

// parseRegular runs the checks of one ref update. Rejections are recorded on
// cmd; only unexpected failures are returned.
func (s *Session) parseRegular(ctx context.Context, cmd *command.Tracked) error {
	if !cmd.NotAttempted() {
		klog.V(2).Infof("already processed: %s", cmd.Outcome().Status)
		return nil
	}
	c := cmd.Command()
	if !gitrepo.ValidRefName(c.RefName) {
		s.reject(cmd, command.Reason(command.BucketInvalidRef, "not valid ref"))
		return nil
	}
	if changeid.IsMetaRef(c.RefName) {
		// Only this command is rejected so that mirror pushes still work.
		v, _ := s.pushOptions.Last(magic.OptionNoteDB)
		if v != "allow" {
			s.reject(cmd, command.Reason(command.BucketMetaUpdateWithoutAllow,
				"NoteDb update requires -o "+magic.OptionNoteDB+"=allow"))
			return nil
		}
		if err := s.deps.Permissions.CheckGlobal(ctx, s.user, permission.AccessDatabase); err != nil {
			if _, ok := permission.Denied(err); !ok {
				return err
			}
			s.reject(cmd, command.Reason(command.BucketMetaUpdateWithoutPermission,
				"NoteDb update requires access database permission"))
			return nil
		}
	}

	var err error
	switch c.Kind {
	case command.KindCreate:
		err = s.parseCreate(ctx, cmd)
	case command.KindUpdate:
		err = s.parseUpdate(ctx, cmd)
	case command.KindDelete:
		err = s.parseDelete(ctx, cmd)
	case command.KindNonFastForward:
		err = s.parseRewind(ctx, cmd)
	default:
		s.reject(cmd, command.Reason(command.BucketUnknownCommandType,
			"prohibited: unknown command type "+c.Kind.String()))
		return nil
	}
	if err != nil || !cmd.NotAttempted() {
		return err
	}
	if c.IsConfig() {
		return s.validateConfigPush(ctx, cmd)
	}
	return nil
}

func (s *Session) parseCreate(ctx context.Context, cmd *command.Tracked) error {
	c := cmd.Command()
	exists, err := s.deps.Repo.Refs().Exists(c.RefName)
	if err != nil {
		return err
	}
	if exists {
		s.reject(cmd, command.Reason(command.BucketRefAlreadyExists,
			fmt.Sprintf("Cannot create ref '%s' because it already exists.", c.RefName)))
		return nil
	}
	if _, err := s.deps.Repo.ObjectType(c.NewID); err != nil {
		return fmt.Errorf("invalid object %s for %s creation: %w", c.NewID, c.RefName, err)
	}
	klog.V(2).Infof("creating %s", c.String())

	if c.IsHead() && !s.isCommit(cmd) {
		return nil
	}
	if err := s.deps.Permissions.CheckRef(ctx, s.user, c.RefName, permission.Create); err != nil {
		return s.rejectProhibited(cmd, err)
	}
	return s.validateRegularCommits(ctx, cmd)
}

func (s *Session) parseUpdate(ctx context.Context, cmd *command.Tracked) error {
	c := cmd.Command()
	klog.V(2).Infof("updating %s", c.String())
	if err := s.deps.Permissions.CheckRef(ctx, s.user, c.RefName, permission.Update); err != nil {
		return s.rejectProhibited(cmd, err)
	}
	if c.IsHead() && !s.deps.Repo.IsCommit(c.NewID) {
		s.reject(cmd, command.Reason(command.BucketInvalidHead, "head must point to commit"))
		return nil
	}
	return s.validateRegularCommits(ctx, cmd)
}

func (s *Session) isCommit(cmd *command.Tracked) bool {
	if s.deps.Repo.IsCommit(cmd.Command().NewID) {
		return true
	}
	s.reject(cmd, command.Reason(command.BucketNotACommit, "not a commit"))
	return false
}

func (s *Session) parseDelete(ctx context.Context, cmd *command.Tracked) error {
	c := cmd.Command()
	klog.V(2).Infof("deleting %s", c.String())
	switch {
	case strings.HasPrefix(c.RefName, changeid.ChangesPrefix):
		s.reporter.AddError(cannotDeleteChanges, c.RefName)
		s.reject(cmd, command.Reason(command.BucketCannotDeleteChanges, "cannot delete changes"))
		return nil
	case c.IsConfig():
		s.reporter.AddError(cannotDeleteConfig, c.RefName)
		s.reject(cmd, command.Reason(command.BucketCannotDeleteConfig, "cannot delete project configuration"))
		return nil
	}

	if err := s.deps.Permissions.CheckRef(ctx, s.user, c.RefName, permission.Delete); err != nil {
		if err := s.rejectProhibited(cmd, err); err != nil {
			return err
		}
	}
	if c.OldID.IsZero() {
		// Clients send a zero old id for refs the server did not advertise.
		s.reject(cmd, command.Reason(command.BucketRefNotFound, fmt.Sprintf("The ref %s doesn't exist", c.RefName)))
	}
	return nil
}

func (s *Session) parseRewind(ctx context.Context, cmd *command.Tracked) error {
	c := cmd.Command()
	if _, err := s.deps.Repo.Commit(c.NewID); err != nil {
		return fmt.Errorf("invalid object %s for %s rewind: %w", c.NewID, c.RefName, err)
	}
	klog.V(2).Infof("rewinding %s", c.String())

	if err := s.validateRegularCommits(ctx, cmd); err != nil || !cmd.NotAttempted() {
		return err
	}
	if err := s.deps.Permissions.CheckRef(ctx, s.user, c.RefName, permission.ForceUpdate); err != nil {
		return s.rejectProhibited(cmd, err)
	}
	return nil
}

// validateRegularCommits runs the validator chain over the commits the
// update brings into the repository. Commits that already are patch sets
// were validated when they were uploaded.
func (s *Session) validateRegularCommits(ctx context.Context, cmd *command.Tracked) error {
	c := cmd.Command()
	skip := !c.IsConfig() && s.pushOptions.Has(magic.OptionSkipValidation)
	if skip {
		if s.cfg.Project.RequireSignedOffBy {
			s.reject(cmd, command.Reason(command.BucketSignedOffByRequired,
				"requireSignedOffBy prevents option "+magic.OptionSkipValidation))
			return nil
		}
		if err := s.deps.Permissions.CheckRef(ctx, s.user, c.RefName, permission.SkipValidation); err != nil {
			return s.rejectProhibited(cmd, err)
		}
		if len(s.cfg.Project.RejectCommits) > 0 {
			s.reject(cmd, command.Reason(command.BucketBannedCommit,
				"reject-commits prevents "+magic.OptionSkipValidation))
			return nil
		}
	}

	if !s.deps.Repo.IsCommit(c.NewID) {
		return nil
	}
	heads, err := s.deps.Repo.Refs().ByPrefix("refs/heads/")
	if err != nil {
		return err
	}
	uninteresting := make([]plumbing.Hash, 0, len(heads)+1)
	for _, h := range heads {
		uninteresting = append(uninteresting, h)
	}
	if current, err := s.deps.Repo.Refs().Exact(c.RefName); err != nil {
		return err
	} else if !current.IsZero() {
		uninteresting = append(uninteresting, current)
	}

	commits, err := s.deps.Repo.Walk(ctx, []plumbing.Hash{c.NewID}, uninteresting)
	if errors.Is(err, gitrepo.ErrMissingObject) {
		klog.Errorf("invalid pack upload for %s; one or more objects weren't sent: %v", c.RefName, err)
		cmd.SetResult(command.RejectedMissingObject, "missing object(s)")
		return nil
	}
	if err != nil {
		return err
	}
	limit := s.cfg.Receive.MaxBatchCommits
	if limit > 0 && len(commits) > limit && !skip {
		klog.V(2).Infof("number of new commits exceeds limit of %d", limit)
		s.reject(cmd, command.Reason(command.BucketTooManyCommits,
			fmt.Sprintf("more than %d commits, and %s not set", limit, magic.OptionSkipValidation)))
		return nil
	}

	tracked, err := s.deps.Repo.Refs().PatchSetIndex()
	if err != nil {
		return err
	}
	validated := 0
	for _, commit := range commits {
		if len(tracked[commit.Hash]) > 0 {
			continue
		}
		res, err := s.deps.Validators.Validate(ctx, validate.Input{
			Repo:           s.deps.Repo,
			Commit:         commit,
			Ref:            c.RefName,
			Branch:         c.RefName,
			User:           s.user,
			PluginOptions:  pluginOptions(s.pushOptions),
			SkipValidation: skip,
		})
		if err != nil {
			return err
		}
		validated++
		s.messages.Add(res.Messages...)
		if !res.Valid {
			s.reject(cmd, *res.Reason)
			break
		}
	}
	klog.V(2).Infof("validated %d new commits for %s", validated, c.RefName)
	return nil
}

// validateConfigPush guards refs/meta/config: only config writers may push
// there and the pushed project file must parse.
func (s *Session) validateConfigPush(ctx context.Context, cmd *command.Tracked) error {
	c := cmd.Command()
	if err := s.deps.Permissions.CheckRef(ctx, s.user, c.RefName, permission.WriteConfig); err != nil {
		if _, ok := permission.Denied(err); !ok {
			return err
		}
		s.reject(cmd, command.Reason(command.BucketConfigUpdateNotAllowed,
			"must be either project owner or have "+permission.WriteConfig.Describe()+" permission"))
		return nil
	}
	if c.Kind == command.KindDelete {
		return nil
	}
	if !s.isCommit(cmd) {
		return nil
	}

	data, ok, err := s.deps.Repo.ReadFile(c.NewID, config.ProjectFile)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := config.Parse(data); err != nil {
		s.reporter.AddError("Invalid project configuration:\n  "+err.Error(), c.RefName)
		klog.Errorf("user %s tried to push invalid project configuration %s", s.user.Name, c.NewID)
		s.reject(cmd, command.Reason(command.BucketInvalidConfig, "invalid project configuration"))
	}
	return nil
}

// pluginOptions collects the <plugin>~<name> push options for validators.
func pluginOptions(opts *magic.PushOptions) map[string]string {
	out := make(map[string]string)
	for _, key := range opts.Keys() {
		if strings.Contains(key, "~") {
			out[key], _ = opts.Last(key)
		}
	}
	return out
}

// index reads changes through the shared cache when there is one.
func (s *Session) index() *cachedIndex {
	return &cachedIndex{Store: s.deps.Store, cache: s.deps.Cache}
}

func (s *Session) checker() *patchset.Checker {
	return &patchset.Checker{
		Repo:         s.deps.Repo,
		Store:        s.deps.Store,
		Permissions:  s.deps.Permissions,
		User:         s.user,
		MaxPatchSets: s.cfg.Project.MaxPatchSets,
	}
}
