package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure95_llm_requests_total",
			Help: "Total number of completion requests sent to LLM providers.",
		},
		[]string{"provider", "model", "status"},
	)
	llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure95_llm_request_duration_seconds",
			Help:    "Histogram of LLM completion latencies.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"provider", "model"},
	)
	llmTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure95_llm_tokens",
			Help:    "Histogram of token counts per completion.",
			Buckets: prometheus.LinearBuckets(250, 250, 20),
		},
		[]string{"provider", "model", "kind"},
	)
)

func observeUsage(provider, model string, u Usage) {
	if u.PromptTokens > 0 {
		llmTokens.WithLabelValues(provider, model, "prompt").Observe(float64(u.PromptTokens))
	}
	if u.CompletionTokens > 0 {
		llmTokens.WithLabelValues(provider, model, "completion").Observe(float64(u.CompletionTokens))
	}
}
