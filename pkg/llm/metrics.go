package llm

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paperflow",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Completion calls per provider and outcome.",
	}, []string{"provider", "outcome"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paperflow",
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "Completion call latency per provider.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"provider"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paperflow",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Tokens consumed per provider and direction.",
	}, []string{"provider", "direction"})
)

// instrumented decorates a Provider with prometheus call metrics.
type instrumented struct {
	inner Provider
}

// Instrument wraps a provider so every call records outcome, latency, and
// token counters.
func Instrument(p Provider) Provider {
	return &instrumented{inner: p}
}

func (m *instrumented) Name() string { return m.inner.Name() }

func (m *instrumented) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := m.inner.Complete(ctx, req)
	callDuration.WithLabelValues(m.inner.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		callTotal.WithLabelValues(m.inner.Name(), string(Classify(err))).Inc()
		return nil, err
	}

	callTotal.WithLabelValues(m.inner.Name(), "ok").Inc()
	tokensTotal.WithLabelValues(m.inner.Name(), "input").Add(float64(resp.InputTokens))
	tokensTotal.WithLabelValues(m.inner.Name(), "output").Add(float64(resp.OutputTokens))
	return resp, nil
}
