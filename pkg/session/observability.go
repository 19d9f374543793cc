package session

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/observers"
)

// Observability is the observer chain of a process: debug logging,
// segment latency, optional Prometheus collectors and, when an artifacts
// directory is set, per-session timelines and usage summaries.
type Observability struct {
	Observer   metrics.Observer
	Prometheus *metrics.PrometheusObserver
	Latency    *observers.LatencyObserver
	Usage      *observers.UsageObserver

	async    *metrics.AsyncObserver
	timeline *observers.TimelineObserver
}

func NewObservability(cfg Config, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Observability{
		Latency: observers.NewLatencyObserver(logger),
	}
	list := []metrics.Observer{o.Latency, observers.NewLoggerObserver(logger)}
	if strings.TrimSpace(cfg.Observability.MetricsAddr) != "" {
		o.Prometheus = metrics.NewPrometheusObserver()
		list = append(list, o.Prometheus)
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			removed, err := observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
			if err != nil {
				logger.Warn("artifact_purge_failed", slog.String("error", err.Error()))
			} else if removed > 0 {
				logger.Info("artifacts_purged", slog.Int("files", removed))
			}
		}
		o.Usage = observers.NewUsageObserver(dir)
		list = append(list, o.Usage)
		if cfg.Observability.Timeline {
			o.timeline = observers.NewTimelineObserver(dir)
			list = append(list, o.timeline)
		}
	}
	var inner metrics.Observer = observers.NewMultiObserver(list...)
	inner = metrics.NewSamplingObserver(inner, cfg.Observability.SampleBlocks, metrics.EventBlockIn, metrics.EventRecognizerInterim)
	o.async = metrics.NewAsyncObserver(inner, 2048)
	o.Observer = o.async
	return o
}

// MetricsHandler serves /metrics, or nil when Prometheus is disabled.
func (o *Observability) MetricsHandler() http.Handler {
	if o.Prometheus == nil {
		return nil
	}
	return o.Prometheus.Handler()
}

// Close drains queued events and writes the artifact summaries.
func (o *Observability) Close() error {
	o.async.Close()
	var err error
	if o.timeline != nil {
		err = errors.Join(err, o.timeline.Close())
	}
	if o.Usage != nil {
		err = errors.Join(err, o.Usage.Close())
	}
	return err
}
