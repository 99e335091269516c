package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process collectors. A nil *Metrics records nothing.
type Metrics struct {
	refreshes *prometheus.CounterVec
	feeds     prometheus.Gauge
	tasks     prometheus.Gauge
	requests  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rssmcp_feed_refresh_total",
			Help: "Feed refresh attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		feeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rssmcp_feeds_registered",
			Help: "Number of registered feeds.",
		}),
		tasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rssmcp_refresh_tasks",
			Help: "Number of running per-feed refresh tasks.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rssmcp_requests_total",
			Help: "Dispatched protocol requests by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.refreshes, m.feeds, m.tasks, m.requests)
	}
	return m
}

func (m *Metrics) Refresh(trigger string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.refreshes.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) SetFeeds(n int) {
	if m == nil {
		return
	}
	m.feeds.Set(float64(n))
}

func (m *Metrics) SetTasks(n int) {
	if m == nil {
		return
	}
	m.tasks.Set(float64(n))
}

func (m *Metrics) Request(reqType string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.requests.WithLabelValues(reqType, outcome).Inc()
}
