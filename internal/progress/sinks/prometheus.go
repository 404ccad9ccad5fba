package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlkit/internal/progress"
)

// PrometheusSink exports download progress via Prometheus.
type PrometheusSink struct {
	bytesTotal    prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsActive    prometheus.Gauge
	expectedBytes prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlkit_download_bytes_total",
			Help: "Bytes appended to download temp files.",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlkit_download_jobs_started_total",
			Help: "Download jobs registered with the progress tracker.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlkit_download_jobs_finished_total",
			Help: "Download jobs that reached a terminal state, by state.",
		}, []string{"state"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlkit_download_jobs_active",
			Help: "Download jobs registered and not yet finished.",
		}),
		expectedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlkit_download_expected_bytes_total",
			Help: "Sum of content lengths of finished downloads.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.bytesTotal,
		s.jobsStarted,
		s.jobsFinished,
		s.jobsActive,
		s.expectedBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Advance > 0 {
			s.bytesTotal.Add(float64(evt.Advance))
		}
		switch {
		case evt.State == progress.StatePending:
			s.jobsStarted.Inc()
			s.jobsActive.Inc()
		case evt.State.Terminal():
			s.jobsFinished.WithLabelValues(stateLabel(evt.State)).Inc()
			s.jobsActive.Dec()
			if evt.State == progress.StateDone {
				s.expectedBytes.Add(float64(evt.Total))
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func stateLabel(state progress.State) string {
	switch state {
	case progress.StateDone:
		return "done"
	case progress.StateSkipped:
		return "skipped"
	case progress.StateCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}
