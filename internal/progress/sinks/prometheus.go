package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/shelfbox/internal/progress"
)

// PrometheusSink exports run-level progress: how many sessions and uploads are
// in flight, how long they take, and fetch latency per site.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runsActive    *prometheus.GaugeVec
	runDuration   *prometheus.HistogramVec
	fetchDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg (the default registry when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfbox_runs_started_total",
			Help: "Crawl sessions and upload operations started, by kind.",
		}, []string{"kind"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfbox_runs_finished_total",
			Help: "Crawl sessions and upload operations finished, by kind and status.",
		}, []string{"kind", "status"}),
		runsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shelfbox_runs_active",
			Help: "Crawl sessions and upload operations currently running.",
		}, []string{"kind"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shelfbox_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind", "status"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shelfbox_fetch_duration_seconds",
			Help:    "Fetch duration by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "status_class"}),
		tracker: &runTracker{running: make(map[string]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsFinished, s.runsActive, s.runDuration, s.fetchDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

const (
	kindCrawl  = "crawl"
	kindUpload = "upload"
)

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSessionStart:
			s.start(kindCrawl, evt.RunID)
		case progress.StageUploadStart:
			s.start(kindUpload, evt.RunID)
		case progress.StageSessionDone:
			s.finish(kindCrawl, evt)
		case progress.StageUploadDone:
			s.finish(kindUpload, evt)
		case progress.StageFetchDone, progress.StageFetchFailed:
			class := string(evt.StatusClass)
			if class == "" {
				class = string(progress.StatusOther)
			}
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(evt.Site, class).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

func (s *PrometheusSink) start(kind, runID string) {
	s.runsStarted.WithLabelValues(kind).Inc()
	if s.tracker.start(runID) {
		s.runsActive.WithLabelValues(kind).Inc()
	}
}

func (s *PrometheusSink) finish(kind string, evt progress.Event) {
	status := string(evt.Status)
	s.runsFinished.WithLabelValues(kind, status).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(kind, status).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.WithLabelValues(kind).Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
