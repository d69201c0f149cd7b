package magic

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

const (
	OptionCustomKeyedValue = "custom-keyed-value"
	OptionSkipValidation   = "skip-validation"
	OptionNoteDB           = "notedb"
	TopicMaxLength         = 2048
)

var notifyValues = []string{"NONE", "OWNER", "OWNER_REVIEWERS", "ALL"}

// Spec is the parsed form of a refs/for/ push. It is read-only once Parse
// returns.
type Spec struct {
	// Ref is the magic ref exactly as pushed.
	Ref string
	// Dest is the full name of the destination branch.
	Dest  string
	Topic string
	Tip   plumbing.Hash

	Reviewers []string
	CCs       []string
	// Labels keeps the last vote per label name, LabelOrder the first
	// appearance of each name.
	Labels     map[string]int
	LabelOrder []string
	Hashtags   []string
	Message    string

	Base       []plumbing.Hash
	BaseCommit []plumbing.Hash

	Private            bool
	RemovePrivate      bool
	WorkInProgress     bool
	Ready              bool
	Edit               bool
	Submit             bool
	Merged             bool
	PublishComments    bool
	NoPublishComments  bool
	SkipValidation     bool
	IgnoreAttentionSet bool
	Help               bool

	Notify    string
	NotifyTo  []string
	NotifyCC  []string
	NotifyBCC []string

	Trace             string
	PushJustification string
	Deadline          string

	CustomKeyedValues map[string]string
	PluginOptions     map[string]string

	// SetPrivate is the effective privacy of new changes.
	SetPrivate bool
	// NewChangeForAllNotInTarget is the project setting after the tip,
	// %base and %merged have been taken into account.
	NewChangeForAllNotInTarget bool
}

func newSpec(ref string) *Spec {
	return &Spec{
		Ref:               ref,
		Labels:            make(map[string]int),
		CustomKeyedValues: make(map[string]string),
		PluginOptions:     make(map[string]string),
	}
}

// WorkInProgressForNewChanges resolves wip/ready against the project
// default.
func (s *Spec) WorkInProgressForNewChanges(projectDefault bool) bool {
	if s.WorkInProgress {
		return true
	}
	if s.Ready {
		return false
	}
	return projectDefault
}

func (s *Spec) ShouldPublishComments() bool {
	return s.PublishComments && !s.NoPublishComments
}

// NotifyHandling defaults to OWNER for work in progress and ALL otherwise.
func (s *Spec) NotifyHandling(wip bool) string {
	if s.Notify != "" {
		return s.Notify
	}
	if wip {
		return "OWNER"
	}
	return "ALL"
}

type option struct {
	name    string
	aliases []string
	meta    string
	usage   string
	// flag options take no value.
	flag  bool
	apply func(s *Spec, value string) error
}

func (o option) names() []string {
	return append([]string{o.name}, o.aliases...)
}

var options = []option{
	{name: "trace", meta: "NAME", usage: "enable tracing", apply: func(s *Spec, v string) error { s.Trace = v; return nil }},
	{name: "push-justification", meta: "NAME", usage: "justification for the push if the 'submit' option is used to submit on push",
		apply: func(s *Spec, v string) error { s.PushJustification = v; return nil }},
	{name: "deadline", meta: "NAME", usage: "deadline after which the push should be aborted",
		apply: func(s *Spec, v string) error { s.Deadline = v; return nil }},
	{name: "base", meta: "BASE", usage: "merge base of changes", apply: func(s *Spec, v string) error {
		if !plumbing.IsHash(v) {
			return fmt.Errorf("%q is not a valid value for \"--base\"", v)
		}
		s.Base = append(s.Base, plumbing.NewHash(v))
		return nil
	}},
	{name: OptionCustomKeyedValue, meta: "CUSTOM_KEYED_VALUES", usage: "custom keyed value in the format '<key>:<value>'",
		apply: func(*Spec, string) error { return nil }},
	{name: "topic", meta: "NAME", usage: "attach topic to changes", apply: func(s *Spec, v string) error { s.Topic = v; return nil }},
	{name: "private", flag: true, usage: "mark new/updated change as private", apply: func(s *Spec, _ string) error { s.Private = true; return nil }},
	{name: "remove-private", flag: true, usage: "remove privacy flag from updated change",
		apply: func(s *Spec, _ string) error { s.RemovePrivate = true; return nil }},
	{name: OptionSkipValidation, flag: true, usage: "skips commit validation",
		apply: func(s *Spec, _ string) error { s.SkipValidation = true; return nil }},
	{name: "wip", aliases: []string{"work-in-progress"}, flag: true, usage: "mark change as work in progress",
		apply: func(s *Spec, _ string) error { s.WorkInProgress = true; return nil }},
	{name: "ready", flag: true, usage: "mark change as ready", apply: func(s *Spec, _ string) error { s.Ready = true; return nil }},
	{name: "edit", aliases: []string{"e"}, flag: true, usage: "upload as change edit",
		apply: func(s *Spec, _ string) error { s.Edit = true; return nil }},
	{name: "submit", flag: true, usage: "immediately submit the change", apply: func(s *Spec, _ string) error { s.Submit = true; return nil }},
	{name: "merged", flag: true, usage: "create single change for a merged commit",
		apply: func(s *Spec, _ string) error { s.Merged = true; return nil }},
	{name: "publish-comments", flag: true, usage: "publish all draft comments on updated changes",
		apply: func(s *Spec, _ string) error { s.PublishComments = true; return nil }},
	{name: "no-publish-comments", aliases: []string{"np"}, flag: true, usage: "do not publish draft comments",
		apply: func(s *Spec, _ string) error { s.NoPublishComments = true; return nil }},
	{name: "notify", meta: "NOTIFY", usage: "Notify handling that defines to whom email notifications should be sent. " +
		"Allowed values are NONE, OWNER, OWNER_REVIEWERS, ALL. If not set, the default is ALL.",
		apply: func(s *Spec, v string) error {
			upper := strings.ToUpper(v)
			for _, allowed := range notifyValues {
				if upper == allowed {
					s.Notify = upper
					return nil
				}
			}
			return fmt.Errorf("%q is not a valid value for \"--notify\"", v)
		}},
	{name: "notify-to", meta: "USER", usage: "user that should be notified one time by email",
		apply: func(s *Spec, v string) error { s.NotifyTo = append(s.NotifyTo, v); return nil }},
	{name: "notify-cc", meta: "USER", usage: "user that should be CC'd one time by email",
		apply: func(s *Spec, v string) error { s.NotifyCC = append(s.NotifyCC, v); return nil }},
	{name: "notify-bcc", meta: "USER", usage: "user that should be BCC'd one time by email",
		apply: func(s *Spec, v string) error { s.NotifyBCC = append(s.NotifyBCC, v); return nil }},
	{name: "reviewer", aliases: []string{"r"}, meta: "REVIEWER", usage: "add reviewer to changes",
		apply: func(s *Spec, v string) error { s.Reviewers = append(s.Reviewers, v); return nil }},
	{name: "cc", meta: "CC", usage: "add CC to changes", apply: func(s *Spec, v string) error { s.CCs = append(s.CCs, v); return nil }},
	{name: "label", aliases: []string{"l"}, meta: "LABEL+VALUE", usage: "label(s) to assign (defaults to +1 if no value provided)",
		apply: func(s *Spec, v string) error {
			l, err := ParseLabel(v)
			if err != nil {
				return err
			}
			if _, ok := s.Labels[l.Name]; !ok {
				s.LabelOrder = append(s.LabelOrder, l.Name)
			}
			s.Labels[l.Name] = l.Value
			return nil
		}},
	{name: "message", aliases: []string{"m"}, meta: "MESSAGE", usage: "Comment message to apply to the review",
		apply: func(s *Spec, v string) error { s.Message = decodeMessage(v); return nil }},
	{name: "hashtag", aliases: []string{"t"}, meta: "HASHTAG", usage: "add hashtag to changes",
		apply: func(s *Spec, v string) error {
			if tag := cleanupHashtag(v); tag != "" {
				s.Hashtags = append(s.Hashtags, tag)
			}
			return nil
		}},
	{name: "ignore-automatic-attention-set-rules", aliases: []string{"ias", "ignore-attention-set"}, flag: true,
		usage: "do not change the attention set on this push",
		apply: func(s *Spec, _ string) error { s.IgnoreAttentionSet = true; return nil }},
	{name: "help", aliases: []string{"h"}, flag: true, usage: "display this help text",
		apply: func(s *Spec, _ string) error { s.Help = true; return nil }},
}

var optionsByName = func() map[string]option {
	m := make(map[string]option)
	for _, o := range options {
		for _, n := range o.names() {
			m[n] = o
		}
	}
	return m
}()

// Usage renders the option table the way it is printed for %help.
func Usage() string {
	var sb strings.Builder
	for _, o := range options {
		left := " --" + o.name
		for _, a := range o.aliases {
			if len(a) <= 3 {
				left += " (-" + a + ")"
			} else {
				left += " (--" + a + ")"
			}
		}
		if o.meta != "" {
			left += " " + o.meta
		}
		fmt.Fprintf(&sb, "%-50s : %s\n", left, o.usage)
	}
	return sb.String()
}

// decodeMessage turns underscores into spaces and then percent-decodes.
// Undecodable input is kept as is.
func decodeMessage(token string) string {
	msg := strings.ReplaceAll(token, "_", " ")
	if decoded, err := url.QueryUnescape(msg); err == nil {
		return decoded
	}
	return msg
}

func cleanupHashtag(tag string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(tag), "#"))
}
