// Package metrics exposes push intake counters.
package metrics

import (
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lydakis/jul/receive/internal/batch"
	"github.com/lydakis/jul/receive/internal/command"
)

const namespace = "jul_receive"

// Push kinds used as label values.
const (
	KindMagic        = "magic"
	KindDirectSubmit = "direct_submit"
	KindDirect       = "direct"
)

type Metrics struct {
	pushes    *prometheus.CounterVec
	rejects   *prometheus.CounterVec
	cancelled *prometheus.CounterVec
	changes   *prometheus.CounterVec
	retries   *prometheus.CounterVec
}

// New creates the counters and registers them on reg. A nil reg leaves them
// unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_total",
			Help:      "Pushed commands by push kind and update type.",
		}, []string{"kind", "update_type"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reject_total",
			Help:      "Rejected commands by push kind, reason bucket and status.",
		}, []string{"push_kind", "bucket", "status"}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancelled_total",
			Help:      "Sessions cancelled before completion.",
		}, []string{"reason"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_total",
			Help:      "Changes created, replaced or auto-closed.",
		}, []string{"status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_total",
			Help:      "Batch attempts retried after storage contention.",
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(m.pushes, m.rejects, m.cancelled, m.changes, m.retries)
	}
	return m
}

// Push counts one push. updateType joins the distinct command kinds of the
// push, see UpdateType.
func (m *Metrics) Push(kind, updateType string) {
	m.pushes.WithLabelValues(kind, updateType).Inc()
}

// UpdateType renders kinds sorted and de-duplicated, joined by "/".
func UpdateType(kinds ...command.Kind) string {
	seen := make(map[string]bool)
	var names []string
	for _, k := range kinds {
		if name := k.String(); !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, "/")
}

func (m *Metrics) Reject(kind string, reason command.RejectionReason) {
	m.rejects.WithLabelValues(kind, string(reason.Bucket), strconv.Itoa(reason.Status)).Inc()
}

func (m *Metrics) Cancelled(bucket command.MetricBucket) {
	m.cancelled.WithLabelValues(string(bucket)).Inc()
}

// Changes adds n to the counter for status (created, replaced, autoclosed).
func (m *Metrics) Changes(status string, n int) {
	if n > 0 {
		m.changes.WithLabelValues(status).Add(float64(n))
	}
}

// Retried implements batch.Observer.
func (m *Metrics) Retried(kind batch.Kind, _ error) {
	m.retries.WithLabelValues(kind.String()).Inc()
}

var _ batch.Observer = (*Metrics)(nil)
