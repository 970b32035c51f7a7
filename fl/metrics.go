package fl

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fedpara"

// Metrics records per-round simulation metrics in a private registry.
// A nil *Metrics discards everything.
type Metrics struct {
	registry      *prometheus.Registry
	rounds        prometheus.Counter
	fits          *prometheus.CounterVec
	roundDuration prometheus.Histogram
	fitDuration   prometheus.Histogram
	trainLoss     prometheus.Gauge
	evalLoss      prometheus.Gauge
	evalAccuracy  prometheus.Gauge
	uploaded      prometheus.Gauge
}

func NewMetrics(runID string) *Metrics {
	labels := prometheus.Labels{"run_id": runID}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_total",
			Help: "Completed federated rounds.", ConstLabels: labels,
		}),
		fits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "client_fits_total",
			Help: "Client fit calls by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "round_duration_seconds",
			Help: "Wall time of a round including aggregation.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		fitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "client_fit_duration_seconds",
			Help: "Wall time of one client's local training.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		trainLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "train_loss",
			Help: "Sample-weighted training loss of the last round.", ConstLabels: labels,
		}),
		evalLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "eval_loss",
			Help: "Sample-weighted evaluation loss of the last evaluated round.", ConstLabels: labels,
		}),
		evalAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "eval_accuracy",
			Help: "Sample-weighted evaluation accuracy of the last evaluated round.", ConstLabels: labels,
		}),
		uploaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "exchanged_values",
			Help: "Scalars each client uploads per round.", ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.rounds, m.fits, m.roundDuration, m.fitDuration,
		m.trainLoss, m.evalLoss, m.evalAccuracy, m.uploaded)
	return m
}

func (m *Metrics) observeFit(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fits.WithLabelValues(outcome).Inc()
	m.fitDuration.Observe(d.Seconds())
}

func (m *Metrics) observeRound(r RoundResult, exchanged int) {
	if m == nil {
		return
	}
	m.rounds.Inc()
	m.roundDuration.Observe(r.Duration.Seconds())
	m.trainLoss.Set(r.TrainLoss)
	m.uploaded.Set(float64(exchanged))
	if r.Evaluated {
		m.evalLoss.Set(r.EvalLoss)
		m.evalAccuracy.Set(r.EvalAccuracy)
	}
}

// Gatherer exposes the registry, e.g. for an HTTP handler.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// WriteTextfile writes the current values in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
