package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydakis/jul/receive/internal/storage/storagetest"
)

func TestBrokerFansOut(t *testing.T) {
	b := NewBroker()
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelC()

	b.Publish(Event{ID: "1", Type: ChangeCreated})
	assert.Equal(t, "1", (<-a).ID)
	assert.Equal(t, "1", (<-c).ID)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	b.Publish(Event{ID: "2"})
	assert.Equal(t, "2", (<-c).ID)
}

func TestRecorderPublishesOnFlush(t *testing.T) {
	store := storagetest.New(t)
	b := NewBroker()
	ch, cancel := b.Subscribe()
	defer cancel()
	rec := NewRecorder(b)

	ctx := context.Background()
	since := time.Now().Add(-time.Minute)
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, rec.Record(ctx, tx, ChangeMerged, Payload{Change: 3, SubmissionID: "sub"}))
	require.NoError(t, tx.Commit())

	select {
	case <-ch:
		t.Fatal("published before flush")
	default:
	}

	rec.Flush(ctx)
	evt := <-ch
	assert.Equal(t, ChangeMerged, evt.Type)
	var p Payload
	require.NoError(t, json.Unmarshal(evt.DataJSON, &p))
	assert.Equal(t, Payload{Change: 3, SubmissionID: "sub"}, p)

	stored, err := store.ListEventsSince(ctx, since, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, evt.ID, stored[0].EventID)
}

func TestRecorderDiscard(t *testing.T) {
	store := storagetest.New(t)
	b := NewBroker()
	ch, cancel := b.Subscribe()
	defer cancel()
	rec := NewRecorder(b)

	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, rec.Record(ctx, tx, ChangeCreated, Payload{Change: 1}))
	require.NoError(t, tx.Rollback())
	rec.Discard()
	rec.Flush(ctx)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %v", evt)
	default:
	}
}
