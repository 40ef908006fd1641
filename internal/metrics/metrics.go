package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grabber_extractions_total",
		Help: "Activation extraction calls by outcome",
	}, []string{"outcome"})

	ExtractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grabber_extraction_duration_seconds",
		Help:    "Wall time of activation extraction calls",
		Buckets: prometheus.DefBuckets,
	})

	ForwardPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grabber_forward_pass_duration_seconds",
		Help:    "Duration of instrumented forward passes",
		Buckets: prometheus.DefBuckets,
	})

	BatchSizeHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grabber_batch_size",
		Help:    "Number of inputs per extraction",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	SequenceLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grabber_sequence_length_tokens",
		Help:    "Padded sequence length per extraction",
		Buckets: []float64{1, 8, 32, 128, 512, 1024, 2048, 4096},
	})

	LayersCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grabber_layers_captured_total",
		Help: "Total number of layer slices returned",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grabber_numerical_instability_total",
		Help: "Total number of NaN/Inf values seen in captured activations",
	}, []string{"layer", "type"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grabber_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grabber_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	FlightStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grabber_flight_streams_total",
		Help: "Arrow Flight DoGet streams by outcome",
	}, []string{"outcome"})

	SubjectsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grabber_subjects_loaded",
		Help: "Number of subjects currently held in memory",
	})
)

// Outcome labels for ExtractionsTotal.
const (
	OutcomeOK           = "ok"
	OutcomeEmptyInput   = "empty_input"
	OutcomeInvalidLayer = "invalid_layer"
	OutcomeExecution    = "execution"
)

func RecordExtraction(outcome string, batch, seqLen, layers int, duration time.Duration) {
	ExtractionsTotal.WithLabelValues(outcome).Inc()
	ExtractionDuration.Observe(duration.Seconds())
	if outcome != OutcomeOK {
		return
	}
	BatchSizeHistogram.Observe(float64(batch))
	SequenceLengthHistogram.Observe(float64(seqLen))
	LayersCaptured.Add(float64(layers))
}

func RecordForwardPass(duration time.Duration) {
	ForwardPassDuration.Observe(duration.Seconds())
}

func RecordNumericalInstability(layer string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(layer, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(layer, "inf").Add(float64(infCount))
	}
}

func RecordHTTPRequest(route, code string) {
	HTTPRequests.WithLabelValues(route, code).Inc()
}

func RecordRateLimited() {
	RateLimited.Inc()
}

func RecordFlightStream(outcome string) {
	FlightStreams.WithLabelValues(outcome).Inc()
}

func RecordSubjectsLoaded(n int) {
	SubjectsLoaded.Set(float64(n))
}
