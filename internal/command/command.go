package command

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
)

type Kind int

const (
	KindCreate Kind = iota
	KindUpdate
	KindDelete
	KindNonFastForward
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "CREATE"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	case KindNonFastForward:
		return "UPDATE_NONFASTFORWARD"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type Result int

const (
	NotAttempted Result = iota
	OK
	Rejected
	RejectedMissingObject
)

func (r Result) String() string {
	switch r {
	case NotAttempted:
		return "NOT_ATTEMPTED"
	case OK:
		return "OK"
	case Rejected:
		return "REJECTED_OTHER_REASON"
	case RejectedMissingObject:
		return "REJECTED_MISSING_OBJECT"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// PushCommand is one ref update requested by the client.
type PushCommand struct {
	RefName string
	OldID   plumbing.Hash
	NewID   plumbing.Hash
	Kind    Kind
	Result  Result
	Message string
}

// New derives the kind from the ids. Callers that know the update rewinds
// history pass the result of an ancestry check as fastForward.
func New(refName string, oldID, newID plumbing.Hash, fastForward bool) *PushCommand {
	cmd := &PushCommand{RefName: refName, OldID: oldID, NewID: newID}
	switch {
	case oldID.IsZero():
		cmd.Kind = KindCreate
	case newID.IsZero():
		cmd.Kind = KindDelete
	case !fastForward:
		cmd.Kind = KindNonFastForward
	default:
		cmd.Kind = KindUpdate
	}
	return cmd
}

func (c *PushCommand) String() string {
	return fmt.Sprintf("%s %s %s %s", c.Kind, c.OldID, c.NewID, c.RefName)
}

func (c *PushCommand) IsHead() bool {
	return strings.HasPrefix(c.RefName, "refs/heads/")
}

func (c *PushCommand) IsConfig() bool {
	return c.RefName == ConfigRef
}

const ConfigRef = "refs/meta/config"

// Progress counts commands that reached a terminal result.
type Progress interface {
	Update(n int)
}

// Tracked wraps a caller-owned command for the duration of a session. Every
// result recorded on the wrapper is copied onto the original, and progress is
// ticked once per command.
type Tracked struct {
	mu       sync.Mutex
	orig     *PushCommand
	cmd      PushCommand
	progress Progress
	reason   *RejectionReason
}

func Track(orig *PushCommand, progress Progress) *Tracked {
	return &Tracked{orig: orig, cmd: *orig, progress: progress}
}

func (t *Tracked) RefName() string {
	return t.cmd.RefName
}

func (t *Tracked) Command() PushCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd
}

func (t *Tracked) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd.Result
}

func (t *Tracked) Reason() *RejectionReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *Tracked) NotAttempted() bool {
	return t.Result() == NotAttempted
}

// SetResult records a terminal result. A command may move from OK to
// Rejected (direct submit failing after the change was created); any other
// transition out of a terminal state is ignored and reported as false.
func (t *Tracked) SetResult(result Result, message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.cmd.Result
	if prev != NotAttempted && !(prev == OK && result == Rejected) {
		return false
	}
	if prev == NotAttempted && t.progress != nil {
		t.progress.Update(1)
	}
	t.cmd.Result = result
	t.cmd.Message = message
	t.orig.Result = result
	t.orig.Message = message
	return true
}

func (t *Tracked) Accept() bool {
	return t.SetResult(OK, "")
}

func (t *Tracked) Reject(reason RejectionReason) bool {
	if !t.SetResult(Rejected, reason.Why) {
		return false
	}
	t.mu.Lock()
	t.reason = &reason
	t.mu.Unlock()
	return true
}

// Outcome is the per-command record returned to callers once a session ends.
type Outcome struct {
	RefName string           `json:"ref" yaml:"ref"`
	Result  Result           `json:"-" yaml:"-"`
	Status  string           `json:"status" yaml:"status"`
	Message string           `json:"message,omitempty" yaml:"message,omitempty"`
	Reason  *RejectionReason `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (t *Tracked) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Outcome{
		RefName: t.cmd.RefName,
		Result:  t.cmd.Result,
		Status:  t.cmd.Result.String(),
		Message: t.cmd.Message,
		Reason:  t.reason,
	}
}

// Counter is a Progress that just counts.
type Counter struct {
	mu sync.Mutex
	n  int
}

func (c *Counter) Update(n int) {
	c.mu.Lock()
	c.n += n
	c.mu.Unlock()
}

func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
