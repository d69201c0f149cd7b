package validate

import (
	"context"
	"fmt"
	"net/mail"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/lydakis/jul/receive/internal/changeid"
	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/config"
	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/report"
)

// FromConfig builds the default chain. The banned-commit check comes first
// and is the only one that applies to merged commits.
func FromConfig(cfg config.Config) *Chain {
	var vs []Validator
	if len(cfg.Project.RejectCommits) > 0 {
		vs = append(vs, NewBannedCommitValidator(cfg.Project.RejectCommits))
	}
	vs = append(vs, ChangeIDValidator{Require: cfg.Project.RequireChangeID})
	if cfg.Project.RequireSignedOffBy {
		vs = append(vs, SignedOffByValidator{})
	}
	if len(cfg.Validators.BannedAuthorEmails) > 0 {
		vs = append(vs, AuthorEmailValidator{Banned: cfg.Validators.BannedAuthorEmails})
	}
	if cfg.Validators.MaxSubjectLength > 0 {
		vs = append(vs, SubjectLengthValidator{Max: cfg.Validators.MaxSubjectLength})
	}
	return NewChain(vs...)
}

const commitMsgHookHint = "to automatically insert a Change-Id, install the commit-msg hook and amend: git commit --amend --no-edit"

type ChangeIDValidator struct {
	Require bool
}

func (ChangeIDValidator) Name() string { return "change-id" }

func (v ChangeIDValidator) Validate(_ context.Context, in Input) ([]report.Message, error) {
	ids := changeid.FromFooter(in.Commit.Message)
	switch {
	case len(ids) > 1:
		return nil, Reject("multiple Change-Id lines in message footer")
	case len(ids) == 1:
		if !changeid.Valid(ids[0]) {
			return nil, &RejectError{
				Bucket:   command.BucketInvalidChangeID,
				Reason:   "invalid Change-Id line format in message footer",
				Messages: []report.Message{report.Hint(commitMsgHookHint)},
			}
		}
	case v.Require && in.Commit.NumParents() <= 1:
		if strings.HasPrefix(gitrepo.Subject(in.Commit.Message), changeid.FooterKey+":") {
			return nil, Reject("missing subject; Change-Id must be in message footer")
		}
		return nil, &RejectError{
			Bucket:   command.BucketRejectedByValidator,
			Reason:   "missing Change-Id in message footer",
			Messages: []report.Message{report.Hint(commitMsgHookHint)},
		}
	}
	return nil, nil
}

// SignedOffByValidator requires a Signed-off-by footer from the author,
// committer or uploader.
type SignedOffByValidator struct{}

func (SignedOffByValidator) Name() string { return "signed-off-by" }

func (SignedOffByValidator) Validate(_ context.Context, in Input) ([]report.Message, error) {
	want := []string{
		strings.ToLower(in.Commit.Author.Email),
		strings.ToLower(in.Commit.Committer.Email),
		strings.ToLower(in.User.Email),
	}
	for _, line := range strings.Split(in.Commit.Message, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "Signed-off-by") {
			continue
		}
		addr, err := mail.ParseAddress(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		if slices.Contains(want, strings.ToLower(addr.Address)) {
			return nil, nil
		}
	}
	return nil, &RejectError{
		Bucket: command.BucketSignedOffByRequired,
		Reason: "not Signed-off-by author/committer/uploader in message footer",
	}
}

// BannedCommitValidator rejects commits listed in the project's
// reject-commits list, even for merged commits.
type BannedCommitValidator struct {
	banned map[plumbing.Hash]bool
}

func NewBannedCommitValidator(shas []string) BannedCommitValidator {
	banned := make(map[plumbing.Hash]bool, len(shas))
	for _, s := range shas {
		banned[plumbing.NewHash(strings.TrimSpace(s))] = true
	}
	return BannedCommitValidator{banned: banned}
}

func (BannedCommitValidator) Name() string { return "banned-commit" }

func (BannedCommitValidator) Always() bool { return true }

func (v BannedCommitValidator) Validate(_ context.Context, in Input) ([]report.Message, error) {
	if v.banned[in.Commit.Hash] {
		return nil, &RejectError{Bucket: command.BucketBannedCommit, Reason: "contains banned commit"}
	}
	return nil, nil
}

// SubjectLengthValidator only warns.
type SubjectLengthValidator struct {
	Max int
}

func (SubjectLengthValidator) Name() string { return "subject-length" }

func (v SubjectLengthValidator) Validate(_ context.Context, in Input) ([]report.Message, error) {
	if len(gitrepo.Subject(in.Commit.Message)) <= v.Max {
		return nil, nil
	}
	return []report.Message{report.Warning(fmt.Sprintf("commit %s: subject >%d characters; use shorter first paragraph",
		gitrepo.Abbreviate(in.Commit.Hash), v.Max))}, nil
}

type AuthorEmailValidator struct {
	Banned []string
}

func (AuthorEmailValidator) Name() string { return "author-email" }

func (v AuthorEmailValidator) Validate(_ context.Context, in Input) ([]report.Message, error) {
	email := strings.ToLower(in.Commit.Author.Email)
	for _, banned := range v.Banned {
		banned = strings.ToLower(strings.TrimSpace(banned))
		if email == banned || (strings.HasPrefix(banned, "@") && strings.HasSuffix(email, banned)) {
			return nil, Reject("author email %s is not allowed", in.Commit.Author.Email)
		}
	}
	return nil, nil
}
