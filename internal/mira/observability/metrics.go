package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the companion.
type Metrics struct {
	Turns                 *prometheus.CounterVec
	GenerationDuration    prometheus.Histogram
	MediaSends            *prometheus.CounterVec
	SweepGreetings        prometheus.Counter
	OnboardingTransitions *prometheus.CounterVec
	MemoriesExtracted     prometheus.Counter
	MoodShifts            prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed dialogue turns by outcome.",
		}, []string{"outcome"}),
		GenerationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "Reply generation latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
		MediaSends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_sends_total",
			Help:      "Engagement media sends by reason.",
		}, []string{"reason"}),
		SweepGreetings: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_greetings_total",
			Help:      "Anniversary greetings delivered by the daily sweep.",
		}),
		OnboardingTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "onboarding_transitions_total",
			Help:      "Onboarding state transitions by destination state.",
		}, []string{"to"}),
		MemoriesExtracted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_extracted_total",
			Help:      "Memory directives extracted from generated replies.",
		}),
		MoodShifts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mood_shifts_total",
			Help:      "Observable mood changes announced to users.",
		}),
	}
}

func (m *Metrics) ObserveGeneration(d time.Duration) {
	m.GenerationDuration.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
