package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver turns pipeline events into Prometheus collectors.
type PrometheusObserver struct {
	registry *prometheus.Registry

	captureAcquired  *prometheus.CounterVec
	captureErrors    *prometheus.CounterVec
	framesDropped    prometheus.Counter
	blocksIn         prometheus.Counter
	blocksDropped    prometheus.Counter
	segmentsFlushed  prometheus.Counter
	segmentErrors    prometheus.Counter
	segmentAudio     prometheus.Histogram
	transcriptions   *prometheus.CounterVec
	transcribeTime   prometheus.Histogram
	transcribeDrops  prometheus.Counter
	commitLag        prometheus.Histogram
	breakerDenied    prometheus.Counter
	recognition      *prometheus.CounterVec
	recognitionError prometheus.Counter
	recognitionDrops prometheus.Counter
	activeSessions   prometheus.Gauge
}

// NewPrometheusObserver registers collectors on a private registry so
// several observers (tests, embedded sessions) can coexist.
func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &PrometheusObserver{
		registry: reg,
		captureAcquired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_capture_acquired_total",
			Help: "Streams acquired by kind",
		}, []string{"kind"}),
		captureErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_capture_errors_total",
			Help: "Stream acquisition failures by reason",
		}, []string{"reason"}),
		framesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_capture_frames_dropped_total",
			Help: "Capture blocks dropped because the consumer was behind",
		}),
		blocksIn: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_mixer_blocks_total",
			Help: "Downmixed blocks accepted by the mixer",
		}),
		blocksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_mixer_blocks_dropped_total",
			Help: "Blocks dropped by the real-time callback",
		}),
		segmentsFlushed: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_segments_flushed_total",
			Help: "WAV segments produced by the mixer",
		}),
		segmentErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_segment_encode_errors_total",
			Help: "Segments dropped because encoding failed",
		}),
		segmentAudio: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_segment_audio_seconds",
			Help:    "Audio duration of flushed segments",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8},
		}),
		transcriptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_transcriptions_total",
			Help: "Transcription calls by result",
		}, []string{"result", "reason"}),
		transcribeTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_transcription_duration_seconds",
			Help:    "Latency of transcription calls",
			Buckets: prometheus.DefBuckets,
		}),
		transcribeDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transcriptions_dropped_total",
			Help: "Segments not submitted because the dispatch queue was full",
		}),
		commitLag: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_segment_commit_lag_seconds",
			Help:    "Time from segment flush to its transcript commit",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
		breakerDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_breaker_denied_total",
			Help: "Transcriptions skipped while the circuit breaker was open",
		}),
		recognition: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_recognition_results_total",
			Help: "Streaming recognition results by kind",
		}, []string{"kind"}),
		recognitionError: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_recognition_errors_total",
			Help: "Errors reported by the recognition engine",
		}),
		recognitionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_recognition_frames_dropped_total",
			Help: "Microphone blocks not sent to the recognition engine because it was behind",
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_active_sessions",
			Help: "Capture sessions currently running",
		}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventCaptureAcquired:
		p.captureAcquired.WithLabelValues(ev.Tags[TagSource]).Inc()
	case EventCaptureError:
		p.captureErrors.WithLabelValues(ev.Tags[TagReason]).Inc()
	case EventFramesDropped:
		p.framesDropped.Add(nonNegative(ev.Value))
	case EventBlockIn:
		p.blocksIn.Inc()
	case EventBlockDropped:
		p.blocksDropped.Inc()
	case EventSegmentFlushed:
		p.segmentsFlushed.Inc()
		p.segmentAudio.Observe(ev.Value)
	case EventSegmentEncodeErr:
		p.segmentErrors.Inc()
	case EventTranscribeOK:
		p.transcriptions.WithLabelValues("ok", "").Inc()
		p.transcribeTime.Observe(ev.Value / 1000)
	case EventTranscribeError:
		p.transcriptions.WithLabelValues("error", ev.Tags[TagReason]).Inc()
		p.transcribeTime.Observe(ev.Value / 1000)
	case EventTranscribeDrop:
		p.transcribeDrops.Inc()
	case EventSegmentCommitted:
		p.commitLag.Observe(ev.Value / 1000)
	case EventBreakerDenied:
		p.breakerDenied.Inc()
	case EventRecognizerFinal:
		p.recognition.WithLabelValues("final").Inc()
	case EventRecognizerInterim:
		p.recognition.WithLabelValues("interim").Inc()
	case EventRecognizerError:
		p.recognitionError.Inc()
	case EventRecognizerDropped:
		p.recognitionDrops.Inc()
	case EventSessionStart:
		p.activeSessions.Inc()
	case EventSessionStop:
		p.activeSessions.Dec()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusObserver) Gatherer() prometheus.Gatherer { return p.registry }

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
