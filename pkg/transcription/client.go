package transcription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
)

type ClientConfig struct {
	TargetRate int
	SessionID  string
	Logger     *slog.Logger
	Observer   metrics.Observer
}

// Client converts segments to the wire format through a lazily loaded
// codec and submits them to a backend. Each call is a single attempt.
type Client struct {
	backend Transcriber
	codec   *LazyCodec
	cfg     ClientConfig
	log     *slog.Logger
}

func NewClient(backend Transcriber, codec *LazyCodec, cfg ClientConfig) (*Client, error) {
	if backend == nil {
		return nil, errors.New("transcription backend is required")
	}
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = WireRate
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if codec == nil {
		codec = NewLazyCodec("native", NewNativeLoader(cfg.TargetRate), cfg.Logger, cfg.Observer)
	}
	return &Client{
		backend: backend,
		codec:   codec,
		cfg:     cfg,
		log:     logging.NewComponentLogger(cfg.Logger, "transcription"),
	}, nil
}

type segmentKey struct{}

// WithSegmentID tags the events of a Transcribe call with the segment it
// belongs to.
func WithSegmentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, segmentKey{}, id)
}

func segmentID(ctx context.Context) string {
	id, _ := ctx.Value(segmentKey{}).(string)
	return id
}

func (c *Client) Name() string { return c.backend.Name() }

func (c *Client) Codec() *LazyCodec { return c.codec }

func (c *Client) Transcribe(ctx context.Context, wav audio.Container) (*Result, error) {
	if wav.IsZero() {
		return nil, &errorsx.EncodingError{Kind: errorsx.EncodingMalformedBuffer, Detail: "empty segment"}
	}
	start := time.Now()
	tags := map[string]string{
		metrics.TagSessionID: c.cfg.SessionID,
		metrics.TagProvider:  c.backend.Name(),
	}
	if id := segmentID(ctx); id != "" {
		tags[metrics.TagSegmentID] = id
	}

	converted := wav
	if !wav.IsWireFormat(c.cfg.TargetRate) {
		out, err := c.codec.Convert(ctx, wav)
		if err != nil {
			c.fail(err, tags, start)
			return nil, err
		}
		converted = out
	}

	metrics.Record(c.cfg.Observer, metrics.EventTranscribeStart, 1, tags, map[string]any{"bytes": converted.Len()})
	res, err := c.backend.Transcribe(ctx, converted)
	if err != nil {
		c.fail(err, tags, start)
		return nil, err
	}
	elapsed := time.Since(start)
	metrics.Record(c.cfg.Observer, metrics.EventTranscribeOK, float64(elapsed.Milliseconds()), tags, map[string]any{
		"audio_seconds": converted.Duration().Seconds(),
		"segments":      len(res.Segments),
	})
	c.log.Debug("transcription_ok",
		slog.String("session_id", c.cfg.SessionID),
		slog.String("provider", c.backend.Name()),
		slog.Duration("elapsed", elapsed),
		slog.Int("chars", len(res.Text)))
	return res, nil
}

func (c *Client) fail(err error, tags map[string]string, start time.Time) {
	reason := errorsx.Reason(err)
	failTags := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		failTags[k] = v
	}
	failTags[metrics.TagReason] = string(reason)
	metrics.Record(c.cfg.Observer, metrics.EventTranscribeError, float64(time.Since(start).Milliseconds()), failTags, nil)
	c.log.Warn("transcription_failed",
		slog.String("session_id", c.cfg.SessionID),
		slog.String("provider", c.backend.Name()),
		slog.String("error", err.Error()),
		slog.String("reason_code", string(reason)))
}
