package server

import (
	"time"

	"github.com/facebookgo/stats"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ndlib/archivegate/datastore"
)

// gatewayCollector reports store capacity, eviction, and quota state at
// scrape time.
type gatewayCollector struct {
	s *Server
}

var (
	descCurrent = prometheus.NewDesc("archivegate_store_current_bytes",
		"Bytes held by the store.", []string{"store"}, nil)
	descMaximum = prometheus.NewDesc("archivegate_store_maximum_bytes",
		"Configured capacity of the store. 0 is unlimited.", []string{"store"}, nil)
	descEvictionRuns = prometheus.NewDesc("archivegate_eviction_runs_total",
		"Evictions run.", nil, nil)
	descEvictedBytes = prometheus.NewDesc("archivegate_evicted_bytes_total",
		"Bytes freed by eviction.", nil, nil)
	descEvictionFailures = prometheus.NewDesc("archivegate_eviction_failures_total",
		"Products eviction failed to delete.", nil, nil)
	descFetches = prometheus.NewDesc("archivegate_running_fetches",
		"Running asynchronous fetches per principal.", []string{"principal"}, nil)
	descPending = prometheus.NewDesc("archivegate_ingest_pending",
		"Ingests waiting for a worker.", nil, nil)
)

func (c *gatewayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descCurrent
	ch <- descMaximum
	ch <- descEvictionRuns
	ch <- descEvictedBytes
	ch <- descEvictionFailures
	ch <- descFetches
	ch <- descPending
}

func (c *gatewayCollector) Collect(ch chan<- prometheus.Metric) {
	if c.s.Manager != nil {
		for _, st := range c.s.Manager.Stores() {
			sized, ok := underlying(st).(datastore.Sized)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(descCurrent, prometheus.GaugeValue, float64(sized.CurrentSize()), st.Name())
			ch <- prometheus.MustNewConstMetric(descMaximum, prometheus.GaugeValue, float64(sized.MaximumSize()), st.Name())
		}
	}
	if c.s.Evictor != nil {
		st := c.s.Evictor.Stats()
		ch <- prometheus.MustNewConstMetric(descEvictionRuns, prometheus.CounterValue, float64(st.Runs))
		ch <- prometheus.MustNewConstMetric(descEvictedBytes, prometheus.CounterValue, float64(st.Evicted))
		ch <- prometheus.MustNewConstMetric(descEvictionFailures, prometheus.CounterValue, float64(st.Failed))
	}
	if c.s.Quota != nil {
		for principal, n := range c.s.Quota.Snapshot() {
			ch <- prometheus.MustNewConstMetric(descFetches, prometheus.GaugeValue, float64(n), principal)
		}
	}
	if c.s.Setter != nil {
		ch <- prometheus.MustNewConstMetric(descPending, prometheus.GaugeValue, float64(c.s.Setter.Pending()))
	}
}

// promStats feeds the connection statistics httpdown keeps into
// prometheus. It satisfies facebookgo/stats.Client.
type promStats struct {
	sums  *prometheus.CounterVec
	avgs  *prometheus.SummaryVec
	times *prometheus.SummaryVec
}

var _ stats.Client = &promStats{}

func newPromStats(reg prometheus.Registerer) *promStats {
	ps := &promStats{
		sums: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivegate_httpdown_events_total",
			Help: "Server lifecycle events.",
		}, []string{"key"}),
		avgs: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "archivegate_httpdown_values",
			Help: "Server lifecycle values.",
		}, []string{"key"}),
		times: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "archivegate_httpdown_seconds",
			Help: "Server lifecycle durations.",
		}, []string{"key"}),
	}
	reg.MustRegister(ps.sums, ps.avgs, ps.times)
	return ps
}

func (ps *promStats) BumpAvg(key string, val float64) {
	ps.avgs.WithLabelValues(key).Observe(val)
}

func (ps *promStats) BumpSum(key string, val float64) {
	if val < 0 {
		// counters only go up
		ps.avgs.WithLabelValues(key).Observe(val)
		return
	}
	ps.sums.WithLabelValues(key).Add(val)
}

func (ps *promStats) BumpHistogram(key string, val float64) {
	ps.avgs.WithLabelValues(key).Observe(val)
}

func (ps *promStats) BumpTime(key string) interface {
	End()
} {
	return timer{start: time.Now(), obs: ps.times.WithLabelValues(key)}
}

type timer struct {
	start time.Time
	obs   prometheus.Observer
}

func (t timer) End() {
	t.obs.Observe(time.Since(t.start).Seconds())
}
