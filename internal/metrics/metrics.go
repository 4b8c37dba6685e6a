// Package metrics holds the prometheus collectors for change feed consumers.
package metrics

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/katasec/dstream-ingester-changefeed/internal/logging"
)

const namespace = "changefeed"

// Poll results recorded by the polls counter
const (
	PollPage      = "page"
	PollNoNewData = "no_new_data"
	PollFailure   = "transient_failure"
)

// FeedMetrics groups the collectors updated by the consumption loop
type FeedMetrics struct {
	Events     *prometheus.CounterVec
	Polls      *prometheus.CounterVec
	Malformed  *prometheus.CounterVec
	SinkErrors *prometheus.CounterVec
	State      *prometheus.GaugeVec

	// Page sizing of SQL Server change tables, by table
	PageSize     *prometheus.GaugeVec
	AvgRowBytes  *prometheus.GaugeVec
	SampledRows  *prometheus.GaugeVec
	MaxPageBytes *prometheus.GaugeVec
	LastSample   *prometheus.GaugeVec
}

// NewFeedMetrics creates the collectors and registers them on reg
func NewFeedMetrics(reg prometheus.Registerer) *FeedMetrics {
	m := &FeedMetrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Interpreted change events delivered to sinks.",
		}, []string{"mode", "kind"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Change feed pulls by result.",
		}, []string{"mode", "result"}),
		Malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_events_total",
			Help:      "Events that matched no known operation shape.",
		}, []string{"mode"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Errors returned by sinks.",
		}, []string{"mode"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_state",
			Help:      "Current consumer state (0 starting, 1 polling, 2 draining, 3 stopped).",
		}, []string{"mode"}),
		PageSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "page_size_rows",
			Help:      "Rows requested per change table query.",
		}, []string{"table"}),
		AvgRowBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sampled_row_bytes",
			Help:      "Average encoded size of the last sampled change rows.",
		}, []string{"table"}),
		SampledRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sampled_rows",
			Help:      "Rows read by the last page size sample.",
		}, []string{"table"}),
		MaxPageBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_page_bytes",
			Help:      "Byte budget a page is sized against.",
		}, []string{"table"}),
		LastSample: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sample_timestamp_seconds",
			Help:      "Unix time of the last page size sample that found rows.",
		}, []string{"table"}),
	}
	if reg != nil {
		reg.MustRegister(m.Events, m.Polls, m.Malformed, m.SinkErrors, m.State,
			m.PageSize, m.AvgRowBytes, m.SampledRows, m.MaxPageBytes, m.LastSample)
	}
	return m
}

// Pusher periodically pushes a registry to a Prometheus Pushgateway
type Pusher struct {
	pusher   *push.Pusher
	interval time.Duration
}

// NewPusher creates a pusher for the given gateway URL and job name
func NewPusher(url, job string, g prometheus.Gatherer, interval time.Duration) *Pusher {
	p := push.New(url, job).Gatherer(g)
	if hn, err := os.Hostname(); err == nil {
		p = p.Grouping("instance", hn)
	} else {
		logging.GetLogger().Warn("getting hostname for metrics push", "error", err)
	}
	return &Pusher{pusher: p, interval: interval}
}

// Run pushes on every interval until ctx is cancelled, then pushes once more
func (p *Pusher) Run(ctx context.Context) {
	log := logging.GetLogger().Named("metrics")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := p.pusher.Push(); err != nil {
				log.Warn("final metrics push failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := p.pusher.PushContext(ctx); err != nil {
				log.Warn("metrics push failed", "error", err)
			}
		}
	}
}
