package transcription

import (
	"context"

	"github.com/harunnryd/scribe/pkg/audio"
)

// NativeCodec decodes, downmixes and linearly resamples in process.
type NativeCodec struct {
	TargetRate int
}

func NewNativeLoader(targetRate int) CodecLoader {
	return func(context.Context) (Codec, error) {
		return NativeCodec{TargetRate: targetRate}, nil
	}
}

func (NativeCodec) Name() string { return "native" }

func (n NativeCodec) Convert(ctx context.Context, in audio.Container) (audio.Container, error) {
	rate := n.TargetRate
	if rate <= 0 {
		rate = WireRate
	}
	if in.IsWireFormat(rate) {
		return in, nil
	}
	pcm, srcRate, err := audio.DecodeWAV(in.Bytes())
	if err != nil {
		return audio.Container{}, err
	}
	if err := ctx.Err(); err != nil {
		return audio.Container{}, err
	}
	return audio.EncodeWAV(audio.ResamplePCM16(pcm, srcRate, rate), rate)
}
