package receive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydakis/jul/receive/internal/command"
	"github.com/lydakis/jul/receive/internal/magic"
)

func TestDeadlineCancellation(t *testing.T) {
	for _, tc := range []struct {
		name    string
		opts    []string
		server  time.Duration
		cancel  bool
		bucket  command.MetricBucket
		message string
	}{
		{
			name:    "client",
			opts:    []string{"deadline=1ms"},
			server:  time.Hour,
			bucket:  command.BucketClientDeadlineExceeded,
			message: "Client Provided Deadline Exceeded (deadline=1ms)",
		},
		{
			name:    "server wins when earlier",
			opts:    []string{"deadline=1h"},
			server:  time.Millisecond,
			bucket:  command.BucketServerDeadlineExceeded,
			message: "Server Deadline Exceeded (timeout=1ms)",
		},
		{
			name:    "client closed",
			server:  -1,
			cancel:  true,
			bucket:  command.BucketClientClosedRequest,
			message: "Client Closed Request",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.session()
			s.opts.ServerDeadline = tc.server
			s.pushOptions = magic.ParsePushOptions(tc.opts)

			parent, cancelParent := context.WithCancel(context.Background())
			defer cancelParent()
			ctx, cancel, err := s.withDeadline(parent)
			require.NoError(t, err)
			defer cancel()
			if tc.cancel {
				cancelParent()
			}

			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("context not done")
			}
			cerr := cancellation(ctx)
			assert.Equal(t, tc.bucket, cerr.Bucket)
			assert.Equal(t, tc.message, cerr.Message)
		})
	}
}

func TestDeadlineRejectsNonPositive(t *testing.T) {
	f := newFixture(t)
	s := f.session()
	s.pushOptions = magic.ParsePushOptions([]string{"deadline=-5s"})

	_, _, err := s.withDeadline(context.Background())
	assert.EqualError(t, err, `invalid deadline "-5s": must be positive`)
}

func TestNoDeadline(t *testing.T) {
	f := newFixture(t)
	s := f.session()
	s.opts.ServerDeadline = -1
	s.pushOptions = magic.ParsePushOptions(nil)

	ctx, cancel, err := s.withDeadline(context.Background())
	require.NoError(t, err)
	defer cancel()
	_, ok := ctx.Deadline()
	assert.False(t, ok)
}

// stateSender records the session state whenever a message goes out.
type stateSender struct {
	session *Session
	states  []State
}

func (r *stateSender) SendMessage(string) { r.states = append(r.states, r.session.State()) }
func (r *stateSender) SendError(string)   { r.states = append(r.states, r.session.State()) }
func (r *stateSender) Flush() error       { return nil }

func TestCancelledSessionPassesThroughCancelling(t *testing.T) {
	f := newFixture(t)
	tip := f.repo.Commit(withKey("late", 1), f.base)
	s := f.session()
	sender := &stateSender{session: s}
	s.sender = sender

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Process(ctx, []*command.PushCommand{forReview("refs/for/master", tip)}, []string{"trace=abc"})
	require.NoError(t, err)
	assert.Equal(t, command.BucketClientClosedRequest, bucket(t, res.Commands[0]))
	require.NotEmpty(t, sender.states)
	assert.Equal(t, Cancelling, sender.states[len(sender.states)-1])
	assert.Equal(t, Finished, s.State())
}
