package receive

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/lydakis/jul/receive/internal/gitrepo"
	"github.com/lydakis/jul/receive/internal/report"
	"github.com/lydakis/jul/receive/internal/storage"
)

const (
	subjectMaxLength  = 80
	subjectCropSuffix = "..."
	subjectCropRange  = 10
)

// successLine describes one change touched by a magic push.
type successLine struct {
	change  int
	commit  plumbing.Hash
	parent  plumbing.Hash
	subject string
	private bool
	wip     bool
	edit    bool
	isNew   bool
}

func newSuccessLine(change storage.Change, commit *object.Commit, edit, isNew bool) successLine {
	l := successLine{
		change:  change.Number,
		commit:  commit.Hash,
		subject: change.Subject,
		private: change.Private,
		wip:     change.WorkInProgress,
		edit:    edit,
		isNew:   isNew,
	}
	if l.subject == "" {
		l.subject = gitrepo.Subject(commit.Message)
	}
	if commit.NumParents() > 0 {
		l.parent = commit.ParentHashes[0]
	}
	return l
}

// addSuccessMessages queues the SUCCESS block listing every touched change,
// parents before children.
func (s *Session) addSuccessMessages(lines []successLine) {
	if len(lines) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("\nSUCCESS\n\n")
	for _, l := range orderLines(lines) {
		b.WriteString(s.formatLine(l))
		b.WriteByte('\n')
	}
	s.messages.Add(report.Other(b.String()))
}

func (s *Session) formatLine(l successLine) string {
	url := s.cfg.Receive.CanonicalWebURL
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	project := s.cfg.Project.Name
	if project == "" {
		project = "project"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  %sc/%s/+/%d %s", url, project, l.change, cropSubject(l.subject))
	if l.edit {
		b.WriteString(" [EDIT]")
	}
	if l.private {
		b.WriteString(" [PRIVATE]")
	}
	if l.wip {
		b.WriteString(" [WIP]")
	}
	if l.isNew {
		b.WriteString(" [NEW]")
	}
	return b.String()
}

// orderLines sorts lines so that each chain of the push is listed from its
// oldest commit to its tip. Chains are ordered by the change number of their
// tip.
func orderLines(lines []successLine) []successLine {
	byCommit := make(map[plumbing.Hash]successLine, len(lines))
	hasChild := make(map[plumbing.Hash]bool)
	for _, l := range lines {
		byCommit[l.commit] = l
	}
	for _, l := range lines {
		if _, ok := byCommit[l.parent]; ok {
			hasChild[l.parent] = true
		}
	}

	var tips []successLine
	for _, l := range lines {
		if !hasChild[l.commit] {
			tips = append(tips, l)
		}
	}
	sort.Slice(tips, func(i, j int) bool { return tips[i].change < tips[j].change })

	out := make([]successLine, 0, len(lines))
	done := make(map[plumbing.Hash]bool, len(lines))
	for _, tip := range tips {
		var chain []successLine
		for l, ok := tip, true; ok && !done[l.commit]; l, ok = byCommit[l.parent] {
			done[l.commit] = true
			chain = append(chain, l)
		}
		for i := len(chain) - 1; i >= 0; i-- {
			out = append(out, chain[i])
		}
	}
	return out
}

// cropSubject shortens subjects longer than subjectMaxLength, preferring to
// cut after whitespace close to the limit.
func cropSubject(subject string) string {
	r := []rune(subject)
	if len(r) <= subjectMaxLength {
		return subject
	}
	limit := subjectMaxLength - len(subjectCropSuffix)
	for pos := limit; pos > limit-subjectCropRange; pos-- {
		if unicode.IsSpace(r[pos-1]) {
			return string(r[:pos]) + subjectCropSuffix
		}
	}
	return string(r[:limit]) + subjectCropSuffix
}
