package sinks

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/progress"
)

// PrometheusSink exports harvest progress via Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	projectsDone  prometheus.Counter
	reposTotal    *prometheus.CounterVec
	rowsTotal     prometheus.Counter
	repoDuration  *prometheus.HistogramVec
	runDurSeconds prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_runs_started_total",
			Help: "Harvest runs started.",
		}),
		projectsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_projects_discovered_total",
			Help: "Projects whose repository listing has been fully walked.",
		}),
		reposTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_repos_total",
			Help: "Repositories by outcome (done, empty, unknown, failed, skipped).",
		}, []string{"result"}),
		rowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_rows_total",
			Help: "Rows written to the output sink.",
		}),
		repoDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_repo_duration_seconds",
			Help:    "Wall time spent on one repository, by outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120, 300},
		}, []string{"result"}),
		runDurSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_last_run_duration_seconds",
			Help: "Wall time of the most recently finished run.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.projectsDone,
		s.reposTotal,
		s.rowsTotal,
		s.repoDuration,
		s.runDurSeconds,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch {
	case evt.Stage == progress.StageRunStart:
		s.runsStarted.Inc()
	case evt.Stage == progress.StageProjectDone:
		s.projectsDone.Inc()
	case evt.Stage == progress.StageRepoSkipped:
		s.reposTotal.WithLabelValues(resultLabel(evt.Stage)).Inc()
	case evt.Stage.IsRepoOutcome():
		label := resultLabel(evt.Stage)
		s.reposTotal.WithLabelValues(label).Inc()
		if evt.Rows > 0 {
			s.rowsTotal.Add(float64(evt.Rows))
		}
		if evt.Dur > 0 {
			s.repoDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
		}
	case evt.Stage == progress.StageRunDone:
		s.runDurSeconds.Set(evt.Dur.Seconds())
	}
}

func resultLabel(stage progress.Stage) string {
	return strings.ToLower(strings.TrimPrefix(string(stage), "REPO_"))
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
