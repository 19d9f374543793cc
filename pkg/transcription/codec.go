package transcription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
)

// Codec converts a WAV container to 16 kHz mono PCM16.
type Codec interface {
	Name() string
	Convert(ctx context.Context, in audio.Container) (audio.Container, error)
}

// CodecLoader prepares a Codec. It may be expensive and is run at most
// once per successful load.
type CodecLoader func(ctx context.Context) (Codec, error)

// LazyCodec defers codec loading until first use. Concurrent first
// callers share one load; a failed load is not cached.
type LazyCodec struct {
	name     string
	loader   CodecLoader
	log      *slog.Logger
	observer metrics.Observer

	group singleflight.Group
	mu    sync.RWMutex
	codec Codec
	loads int
}

func NewLazyCodec(name string, loader CodecLoader, logger *slog.Logger, obs metrics.Observer) *LazyCodec {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &LazyCodec{
		name:     name,
		loader:   loader,
		log:      logging.NewComponentLogger(logger, "codec"),
		observer: obs,
	}
}

func (l *LazyCodec) Name() string { return l.name }

// Loaded reports whether a codec is ready without triggering a load.
func (l *LazyCodec) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.codec != nil
}

// Loads returns how many times the loader actually ran.
func (l *LazyCodec) Loads() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loads
}

// Get returns the codec, loading it if needed. ctx bounds only this
// caller's wait; the shared load itself is not cancelled by one caller.
func (l *LazyCodec) Get(ctx context.Context) (Codec, error) {
	l.mu.RLock()
	c := l.codec
	l.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	ch := l.group.DoChan(l.name, func() (any, error) {
		l.mu.RLock()
		ready := l.codec
		l.mu.RUnlock()
		if ready != nil {
			return ready, nil
		}
		start := time.Now()
		codec, err := l.loader(context.WithoutCancel(ctx))
		l.mu.Lock()
		l.loads++
		if err == nil {
			l.codec = codec
		}
		l.mu.Unlock()
		if err != nil {
			l.log.Error("codec_load_failed",
				slog.String("codec", l.name),
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.ReasonCodecLoad)))
			return nil, errorsx.Wrap(err, errorsx.ReasonCodecLoad)
		}
		elapsed := time.Since(start)
		l.log.Info("codec_loaded",
			slog.String("codec", l.name),
			slog.Duration("elapsed", elapsed))
		metrics.Record(l.observer, metrics.EventCodecLoaded, float64(elapsed.Milliseconds()),
			map[string]string{metrics.TagProvider: l.name}, nil)
		return codec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Codec), nil
	}
}

// Convert loads the codec if necessary and converts in.
func (l *LazyCodec) Convert(ctx context.Context, in audio.Container) (audio.Container, error) {
	c, err := l.Get(ctx)
	if err != nil {
		return audio.Container{}, err
	}
	return c.Convert(ctx, in)
}
