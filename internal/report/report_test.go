package report

import (
	"bytes"
	"sync"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydakis/jul/receive/internal/command"
)

func TestBuildError(t *testing.T) {
	assert.Equal(t, "branch refs/heads/main:\nboom", BuildError("boom", []string{"refs/heads/main"}))
	assert.Equal(t,
		"branch refs/publish/main:\nIf you are using git-review, update to at least git-review 1.27. Otherwise:\nboom",
		BuildError("boom", []string{"refs/publish/main"}))
	assert.Equal(t, "branches refs/heads/a, refs/heads/b:\nboom", BuildError("boom", []string{"refs/heads/a", "refs/heads/b"}))
}

func TestReporterMergesIdenticalErrors(t *testing.T) {
	r := NewReporter()
	r.AddError("cannot delete changes", "refs/changes/01/1/1")
	r.AddError("other", "refs/heads/x")
	r.AddError("cannot delete changes", "refs/changes/02/2/1")

	assert.Equal(t, []string{
		"branches refs/changes/01/1/1, refs/changes/02/2/1:\ncannot delete changes",
		"branch refs/heads/x:\nother",
	}, r.ErrorLines())

	var out bytes.Buffer
	r.SendErrors(&WriterSender{Out: &out}, "alice")
	assert.Contains(t, out.String(), "error: branches refs/changes/01/1/1")
	assert.Contains(t, out.String(), "User: alice\n"+RejectionFooter+"\n")
}

func TestReporterTracksForbidden(t *testing.T) {
	r := NewReporter()
	var seen []command.MetricBucket
	r.OnReject(func(reason command.RejectionReason) { seen = append(seen, reason.Bucket) })

	cmds := []*command.Tracked{
		command.Track(command.New("refs/heads/a", plumbing.ZeroHash, plumbing.NewHash("1111111111111111111111111111111111111111"), true), nil),
		command.Track(command.New("refs/heads/b", plumbing.ZeroHash, plumbing.NewHash("2222222222222222222222222222222222222222"), true), nil),
	}
	require.True(t, r.Reject(cmds[0], command.Prohibited("not permitted: create on refs/heads/a")))
	assert.False(t, r.Reject(cmds[0], command.Internal()))
	r.RejectRemaining(cmds, command.Internal())

	assert.True(t, r.SawForbidden())
	assert.Equal(t, []command.MetricBucket{command.BucketProhibited, command.BucketInternalServerError}, seen)
	assert.Equal(t, command.InternalServerError, r.Reasons()["refs/heads/b"].Why)
}

func TestMessageStreamConcurrentDrain(t *testing.T) {
	var stream MessageStream
	var wg sync.WaitGroup
	drained := make(chan int, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			stream.Add(Warning("w"))
		}
	}()
	go func() {
		n := 0
		for i := 0; i < 100; i++ {
			n += len(stream.Drain())
		}
		drained <- n
	}()
	wg.Wait()
	n := <-drained
	n += len(stream.Drain())
	assert.Equal(t, 500, n)
}

func TestFlushPrefixesByType(t *testing.T) {
	var stream MessageStream
	stream.Add(Other(""), Other("SUCCESS"), Error("Implicit Merge of abc1234 fix"), Hint("try again"))

	var out, errOut bytes.Buffer
	require.NoError(t, Flush(&stream, &WriterSender{Out: &out, Err: &errOut}))
	assert.Equal(t, "\nSUCCESS\nhint: try again\n", out.String())
	assert.Equal(t, "error: Implicit Merge of abc1234 fix\n", errOut.String())
	assert.Zero(t, stream.Len())
}
