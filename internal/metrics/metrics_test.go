package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Refresh("timer", nil)
	m.Refresh("timer", errors.New("boom"))
	m.Refresh("manual", nil)
	m.SetFeeds(3)
	m.SetTasks(2)
	m.Request("tool", false)
	m.Request("tool", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("timer", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("timer", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.feeds))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("tool", "error")))

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Refresh("timer", nil)
		m.SetFeeds(1)
		m.SetTasks(1)
		m.Request("tool", true)
	})
}
