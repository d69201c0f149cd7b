// Package events records change lifecycle events and fans them out to
// in-process subscribers once they are durable.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lydakis/jul/receive/internal/storage"
)

const (
	ChangeCreated   = "change.created"
	PatchSetCreated = "patchset.created"
	ChangeMerged    = "change.merged"
	RefUpdated      = "ref.updated"
)

type Event struct {
	ID        string
	Type      string
	DataJSON  []byte
	CreatedAt string
}

// Payload is the data recorded with every event.
type Payload struct {
	Change       int    `json:"change,omitempty"`
	PatchSet     int    `json:"patch_set,omitempty"`
	Ref          string `json:"ref,omitempty"`
	Old          string `json:"old,omitempty"`
	New          string `json:"new,omitempty"`
	Uploader     string `json:"uploader,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
	// Notify is NONE, OWNER, OWNER_REVIEWERS or ALL.
	Notify          string `json:"notify,omitempty"`
	PublishComments bool   `json:"publish_comments,omitempty"`
}

type Broker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Event]struct{})}
}

func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

func (b *Broker) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is too slow.
		}
	}
}

// Recorder persists events inside a change transaction and publishes them
// after the transaction commits. A nil Broker only persists.
type Recorder struct {
	mu      sync.Mutex
	broker  *Broker
	pending []Event
}

func NewRecorder(b *Broker) *Recorder {
	return &Recorder{broker: b}
}

func (r *Recorder) Record(ctx context.Context, tx *storage.Tx, typ string, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	stored, err := tx.RecordEvent(ctx, storage.Event{Type: typ, DataJSON: string(data)})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.pending = append(r.pending, Event{
		ID:        stored.EventID,
		Type:      stored.Type,
		DataJSON:  data,
		CreatedAt: stored.CreatedAt.UTC().Format(time.RFC3339),
	})
	r.mu.Unlock()
	return nil
}

// Flush publishes everything recorded since the last Flush. It is meant to
// run as a post-commit hook.
func (r *Recorder) Flush(context.Context) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	if r.broker == nil {
		return
	}
	for _, evt := range pending {
		r.broker.Publish(evt)
	}
}

// Discard drops events of a transaction that did not commit.
func (r *Recorder) Discard() {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
}
