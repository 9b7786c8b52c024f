package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scholarlab/paperflow/pkg/models"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperflow_stage_duration_seconds",
		Help:    "Stage execution time by stage kind and outcome.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage", "outcome"})

	stageFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperflow_stage_fallbacks_total",
		Help: "Stages served by the degraded local path.",
	}, []string{"stage"})

	pipelinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperflow_pipelines_total",
		Help: "Settled pipeline requests by outcome.",
	}, []string{"outcome"})
)

func observeStage(kind models.StageKind, res *models.StageResult) {
	stageDuration.WithLabelValues(string(kind), outcome(res.Success)).
		Observe(res.Elapsed.Seconds())
	if res.UsedFallback {
		stageFallbacks.WithLabelValues(string(kind)).Inc()
	}
}

func observePipeline(result *models.PipelineResult) {
	pipelinesTotal.WithLabelValues(outcome(result.Success)).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
