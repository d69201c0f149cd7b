package receive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lydakis/jul/receive/internal/command"
)

// CancellationError is the cause attached to a session context that stopped
// before the push was processed.
type CancellationError struct {
	Bucket  command.MetricBucket
	Message string
}

func (e *CancellationError) Error() string {
	return e.Message
}

// withDeadline derives the session context. The client deadline push option
// and the server deadline both apply; the earlier one wins.
func (s *Session) withDeadline(ctx context.Context) (context.Context, context.CancelFunc, error) {
	server := s.opts.ServerDeadline
	if server == 0 {
		server = s.cfg.Receive.Deadline
	}
	var client time.Duration
	if v, ok := s.pushOptions.Last("deadline"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid deadline %q: %w", v, err)
		}
		if d <= 0 {
			return nil, nil, fmt.Errorf("invalid deadline %q: must be positive", v)
		}
		client = d
	}

	switch {
	case client > 0 && (server <= 0 || client < server):
		ctx, cancel := context.WithTimeoutCause(ctx, client, &CancellationError{
			Bucket:  command.BucketClientDeadlineExceeded,
			Message: fmt.Sprintf("Client Provided Deadline Exceeded (deadline=%s)", client),
		})
		return ctx, cancel, nil
	case server > 0:
		ctx, cancel := context.WithTimeoutCause(ctx, server, &CancellationError{
			Bucket:  command.BucketServerDeadlineExceeded,
			Message: fmt.Sprintf("Server Deadline Exceeded (timeout=%s)", server),
		})
		return ctx, cancel, nil
	default:
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
}

// cancellation explains why ctx is done.
func cancellation(ctx context.Context) *CancellationError {
	cause := context.Cause(ctx)
	var cerr *CancellationError
	if errors.As(cause, &cerr) {
		return cerr
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return &CancellationError{Bucket: command.BucketServerDeadlineExceeded, Message: "Server Deadline Exceeded"}
	}
	return &CancellationError{Bucket: command.BucketClientClosedRequest, Message: "Client Closed Request"}
}
