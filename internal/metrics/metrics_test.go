package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydakis/jul/receive/internal/batch"
	"github.com/lydakis/jul/receive/internal/command"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Push(KindMagic, UpdateType(command.KindCreate))
	m.Push(KindMagic, UpdateType(command.KindCreate, command.KindCreate))
	m.Reject(KindDirect, command.Prohibited("nope"))
	m.Cancelled(command.BucketServerDeadlineExceeded)
	m.Changes("created", 3)
	m.Changes("replaced", 0)
	m.Retried(batch.KindInsert, errors.New("busy"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pushes.WithLabelValues(KindMagic, "CREATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejects.WithLabelValues(KindDirect, "prohibited", "403")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.changes.WithLabelValues("created")))

	expected := `
# HELP jul_receive_cancelled_total Sessions cancelled before completion.
# TYPE jul_receive_cancelled_total counter
jul_receive_cancelled_total{reason="server_deadline_exceeded"} 1
# HELP jul_receive_retry_total Batch attempts retried after storage contention.
# TYPE jul_receive_retry_total counter
jul_receive_retry_total{operation="insert"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"jul_receive_cancelled_total", "jul_receive_retry_total"))
}

func TestNilRegistry(t *testing.T) {
	m := New(nil)
	m.Changes("autoclosed", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.changes.WithLabelValues("autoclosed")))
}

func TestUpdateType(t *testing.T) {
	assert.Equal(t, "CREATE/UPDATE", UpdateType(command.KindUpdate, command.KindCreate, command.KindUpdate))
	assert.Equal(t, "", UpdateType())
}
