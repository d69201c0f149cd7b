package report

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/lydakis/jul/receive/internal/command"
)

// RejectionFooter closes the error block whenever any error was sent.
const RejectionFooter = "Contact an administrator to fix the permissions"

// Reporter keeps the command-level outcome bookkeeping of one session: the
// rejection reasons, per-error ref lists and whether a permission denial was
// seen.
type Reporter struct {
	mu        sync.Mutex
	reasons   map[string]command.RejectionReason
	errOrder  []string
	errRefs   map[string][]string
	forbidden bool
	onReject  func(command.RejectionReason)
}

func NewReporter() *Reporter {
	return &Reporter{
		reasons: make(map[string]command.RejectionReason),
		errRefs: make(map[string][]string),
	}
}

// OnReject registers a callback run for every recorded rejection.
func (r *Reporter) OnReject(fn func(command.RejectionReason)) {
	r.mu.Lock()
	r.onReject = fn
	r.mu.Unlock()
}

// Reject records reason against cmd. It reports false when cmd already had a
// terminal result.
func (r *Reporter) Reject(cmd *command.Tracked, reason command.RejectionReason) bool {
	if !cmd.Reject(reason) {
		return false
	}
	r.mu.Lock()
	r.reasons[cmd.RefName()] = reason
	if reason.Status == http.StatusForbidden {
		r.forbidden = true
	}
	fn := r.onReject
	r.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
	return true
}

// RejectRemaining rejects every command that has no result yet.
func (r *Reporter) RejectRemaining(cmds []*command.Tracked, reason command.RejectionReason) {
	for _, cmd := range cmds {
		if cmd.NotAttempted() {
			r.Reject(cmd, reason)
		}
	}
}

// AddError files err against ref. Identical errors on several refs are
// reported once.
func (r *Reporter) AddError(err, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.errRefs[err]; !ok {
		r.errOrder = append(r.errOrder, err)
	}
	r.errRefs[err] = append(r.errRefs[err], ref)
}

func (r *Reporter) SawForbidden() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forbidden
}

func (r *Reporter) Reasons() map[string]command.RejectionReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]command.RejectionReason, len(r.reasons))
	for k, v := range r.reasons {
		out[k] = v
	}
	return out
}

// ErrorLines renders the collected errors, one entry per distinct text.
func (r *Reporter) ErrorLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.errOrder))
	for _, err := range r.errOrder {
		out = append(out, BuildError(err, r.errRefs[err]))
	}
	return out
}

// SendErrors writes the error block followed by the user line and footer.
func (r *Reporter) SendErrors(s Sender, user string) {
	lines := r.ErrorLines()
	if len(lines) == 0 {
		return
	}
	for _, line := range lines {
		s.SendMessage("error: " + line)
	}
	s.SendMessage("User: " + user)
	s.SendMessage(RejectionFooter)
}

func BuildError(err string, refs []string) string {
	var sb strings.Builder
	if len(refs) == 1 {
		ref := refs[0]
		sb.WriteString("branch " + ref + ":\n")
		// Old git-review releases still push to refs/publish/.
		if strings.HasPrefix(ref, "refs/publish/") {
			sb.WriteString("If you are using git-review, update to at least git-review 1.27. Otherwise:\n")
		}
		sb.WriteString(err)
		return sb.String()
	}
	sb.WriteString("branches " + strings.Join(refs, ", "))
	sb.WriteString(":\n")
	sb.WriteString(err)
	return sb.String()
}

type Sender interface {
	SendMessage(msg string)
	SendError(msg string)
	Flush() error
}

// Discard drops everything sent to it.
var Discard Sender = discard{}

type discard struct{}

func (discard) SendMessage(string) {}
func (discard) SendError(string)   {}
func (discard) Flush() error       { return nil }

// WriterSender writes messages to Out and errors to Err, one per line.
type WriterSender struct {
	mu  sync.Mutex
	Out io.Writer
	Err io.Writer
}

func (w *WriterSender) SendMessage(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.Out, msg)
}

func (w *WriterSender) SendError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.Err
	if out == nil {
		out = w.Out
	}
	fmt.Fprintln(out, msg)
}

func (w *WriterSender) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, out := range []io.Writer{w.Out, w.Err} {
		if f, ok := out.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush sends every pending message of the stream through s.
func Flush(stream *MessageStream, s Sender) error {
	for _, m := range stream.Drain() {
		if m.IsError() {
			s.SendError(m.String())
		} else {
			s.SendMessage(m.String())
		}
	}
	return s.Flush()
}
