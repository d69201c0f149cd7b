// Package receive runs one push from the commands sent by the client to a
// terminal result per command: plain ref updates for regular pushes, new
// changes and patch sets for refs/for/ pushes.
package receive

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/lydakis/jul/receive/internal/batch"
	"github.com/lydakis/jul/receive/internal/cache"
	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/config"
	"github.com/lydakis/jul/receive/internal/events"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/magic"
	"github.com/lydakis/jul/receive/internal/metrics"
	"github.com/lydakis/jul/receive/internal/permission"
	"github.com/lydakis/jul/receive/internal/report"
	"github.com/lydakis/jul/receive/internal/storage"
	"github.com/lydakis/jul/receive/internal/validate"
)

// ErrAlreadyUsed is returned by a second call to Process.
var ErrAlreadyUsed = errors.New("receive: session already used")

// State is the lifecycle of a session. A session whose context ends while
// it runs moves to Cancelling until the remaining commands are rejected.
type State int32

const (
	NotStarted State = iota
	Running
	Cancelling
	Finished
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Cancelling:
		return "cancelling"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Deps are the collaborators shared by every session of a project.
type Deps struct {
	Repo        *gitrepo.Repository
	Store       *storage.Store
	Permissions permission.Oracle
	Config      config.Config
	// Validators defaults to the chain built from Config.
	Validators *validate.Chain
	// Plugins defaults to the plugin options listed in Config.
	Plugins *magic.Registry
	// Executor defaults to one over Store and Repo with the Config retry
	// settings.
	Executor *batch.Executor
	Broker   *events.Broker
	Cache    *cache.ChangeCache
	Metrics  *metrics.Metrics
}

// Options are per push.
type Options struct {
	Sender   report.Sender
	Progress command.Progress
	// ServerDeadline overrides receive.deadline. Zero keeps the config
	// value; a negative value disables the server deadline.
	ServerDeadline time.Duration
}

// Result summarizes a finished session.
type Result struct {
	MagicPush  bool              `json:"magic_push" yaml:"magicPush"`
	Created    []int             `json:"created,omitempty" yaml:"created,omitempty"`
	Replaced   []int             `json:"replaced,omitempty" yaml:"replaced,omitempty"`
	Autoclosed []int             `json:"autoclosed,omitempty" yaml:"autoclosed,omitempty"`
	Commands   []command.Outcome `json:"commands" yaml:"commands"`
}

// Session processes exactly one push.
type Session struct {
	deps Deps
	cfg  config.Config
	user permission.User
	opts Options

	state atomic.Int32

	exec     *batch.Executor
	events   *events.Recorder
	messages *report.MessageStream
	reporter *report.Reporter
	sender   report.Sender

	pushOptions *magic.PushOptions
	trace       string
	pushKind    atomic.Value
	result      Result
}

func New(deps Deps, user permission.User, opts Options) *Session {
	s := &Session{
		deps:     deps,
		cfg:      deps.Config,
		user:     user,
		opts:     opts,
		exec:     deps.Executor,
		events:   events.NewRecorder(deps.Broker),
		messages: &report.MessageStream{},
		reporter: report.NewReporter(),
		sender:   opts.Sender,
	}
	if s.deps.Validators == nil {
		s.deps.Validators = validate.FromConfig(s.cfg)
	}
	if s.deps.Plugins == nil {
		s.deps.Plugins = magic.NewRegistry(s.cfg.Receive.PluginOptions...)
	}
	if s.deps.Metrics == nil {
		s.deps.Metrics = metrics.New(nil)
	}
	if s.exec == nil {
		s.exec = batch.New(deps.Store, deps.Repo.Refs(), s.cfg.Retry)
		s.exec.SetObserver(s.deps.Metrics)
	}
	if s.sender == nil {
		s.sender = report.Discard
	}
	s.pushKind.Store(metrics.KindDirect)
	s.reporter.OnReject(func(r command.RejectionReason) {
		s.deps.Metrics.Reject(s.pushKind.Load().(string), r)
	})
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Messages exposes the advisory stream, mostly for tests.
func (s *Session) Messages() *report.MessageStream {
	return s.messages
}

// Process runs the push. Every command ends with a terminal result, also
// when an error is returned: commands that were not reached are rejected
// with an internal error before the error propagates.
func (s *Session) Process(ctx context.Context, cmds []*command.PushCommand, pushOptions []string) (*Result, error) {
	if !s.state.CompareAndSwap(int32(NotStarted), int32(Running)) {
		return nil, ErrAlreadyUsed
	}
	defer s.state.Store(int32(Finished))

	s.pushOptions = magic.ParsePushOptions(pushOptions)
	if v, ok := s.pushOptions.Last("trace"); ok {
		s.trace = v
		s.messages.Add(report.Other("TRACE_ID: " + v))
	}
	logger := klog.FromContext(ctx)
	if s.trace != "" {
		logger = klog.LoggerWithValues(logger, "trace", s.trace)
	}
	ctx = klog.NewContext(ctx, logger)
	logger.V(2).Info("processing push", "user", s.user.Name, "commands", len(cmds), "options", s.pushOptions.Strings())

	tracked := make([]*command.Tracked, len(cmds))
	for i, cmd := range cmds {
		tracked[i] = command.Track(cmd, s.opts.Progress)
	}

	err := s.run(ctx, tracked)
	if err == nil {
		s.reporter.RejectRemaining(tracked, command.Internal())
	}

	s.reporter.SendErrors(s.sender, s.user.String())
	if s.reporter.SawForbidden() {
		s.messages.Add(report.Hint(fmt.Sprintf(
			"user %s lacks a permission needed by this push; ask a project owner to review the access rules", s.user.Name)))
	}
	if ferr := report.Flush(s.messages, s.sender); ferr != nil {
		logger.Error(ferr, "flush messages")
	}

	for _, t := range tracked {
		s.result.Commands = append(s.result.Commands, t.Outcome())
	}
	logger.V(2).Info("push processed", "created", len(s.result.Created), "replaced", len(s.result.Replaced),
		"autoclosed", len(s.result.Autoclosed))
	res := s.result
	return &res, err
}

// run bounds the push by its deadline and maps cancellation onto the
// remaining commands. Only unexpected failures are returned, after the
// remaining commands were rejected as internal errors.
func (s *Session) run(ctx context.Context, cmds []*command.Tracked) error {
	runCtx, cancel, err := s.withDeadline(ctx)
	if err != nil {
		klog.FromContext(ctx).V(2).Info("rejecting push", "reason", err)
		s.reporter.RejectRemaining(cmds, command.Reason(command.BucketInvalidDeadline, err.Error()))
		return nil
	}
	defer cancel()

	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		return s.process(runCtx, cmds)
	})
	g.Go(func() error {
		select {
		case <-done:
		case <-runCtx.Done():
			s.state.CompareAndSwap(int32(Running), int32(Cancelling))
			// The worker may still be appending; send what is there now.
			klog.FromContext(ctx).V(2).Info("push cancelled, flushing messages", "cause", context.Cause(runCtx))
			if err := report.Flush(s.messages, s.sender); err != nil {
				klog.FromContext(ctx).Error(err, "flush messages")
			}
		}
		return nil
	})
	err = g.Wait()

	if runCtx.Err() != nil {
		s.state.CompareAndSwap(int32(Running), int32(Cancelling))
		cerr := cancellation(runCtx)
		s.deps.Metrics.Cancelled(cerr.Bucket)
		klog.FromContext(ctx).Info("push cancelled", "reason", cerr.Message, "error", err)
		s.reporter.RejectRemaining(cmds, command.Reason(cerr.Bucket, cerr.Message))
		return nil
	}
	if err != nil {
		klog.FromContext(ctx).Error(err, "push failed", "user", s.user.Name)
		s.reporter.RejectRemaining(cmds, command.Internal())
		return err
	}
	return nil
}

// process handles as many commands as it can and may leave some not
// attempted.
func (s *Session) process(ctx context.Context, cmds []*command.Tracked) error {
	if s.cfg.Project.ReadOnly {
		for _, cmd := range cmds {
			s.reject(cmd, command.Reason(command.BucketProjectNotWritable,
				"prohibited: project state does not permit write"))
		}
		return nil
	}

	var magicCmds, regularCmds []*command.Tracked
	for _, cmd := range cmds {
		if magic.IsMagic(cmd.RefName()) {
			magicCmds = append(magicCmds, cmd)
		} else {
			regularCmds = append(regularCmds, cmd)
		}
	}
	if len(magicCmds) > 0 && len(regularCmds) > 0 {
		s.reporter.RejectRemaining(cmds, command.Reason(command.BucketCannotCombinePushes,
			"cannot combine normal pushes and magic pushes"))
		return nil
	}

	if len(regularCmds) > 0 {
		s.deps.Metrics.Push(metrics.KindDirect, updateType(regularCmds))
		return s.handleRegular(ctx, regularCmds)
	}
	if len(magicCmds) > 0 {
		return s.handleMagic(ctx, magicCmds)
	}
	return nil
}

func (s *Session) reject(cmd *command.Tracked, reason command.RejectionReason) {
	if s.reporter.Reject(cmd, reason) {
		klog.V(2).Infof("rejected %s: %s", cmd.RefName(), reason.Why)
	}
}

// rejectProhibited rejects cmd for a failed permission check and files the
// advice of the denial, if any. Errors other than denials are returned.
func (s *Session) rejectProhibited(cmd *command.Tracked, err error) error {
	denied, ok := permission.Denied(err)
	if !ok {
		return err
	}
	if denied.Advice != "" {
		s.reporter.AddError(denied.Advice, cmd.RefName())
	}
	s.reject(cmd, command.Prohibited(denied.Error()))
	return nil
}

func updateType(cmds []*command.Tracked) string {
	kinds := make([]command.Kind, 0, len(cmds))
	for _, cmd := range cmds {
		kinds = append(kinds, cmd.Command().Kind)
	}
	return metrics.UpdateType(kinds...)
}
