package transcription

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/harunnryd/scribe/pkg/audio"
)

// FFmpegCodec pipes WAV through an ffmpeg binary and re-wraps the raw
// s16le output so the container header stays canonical.
type FFmpegCodec struct {
	Binary     string
	TargetRate int
}

// NewFFmpegLoader resolves the binary on first use.
func NewFFmpegLoader(binary string, targetRate int) CodecLoader {
	if binary == "" {
		binary = "ffmpeg"
	}
	return func(ctx context.Context) (Codec, error) {
		path, err := exec.LookPath(binary)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: %w", err)
		}
		probe := exec.CommandContext(ctx, path, "-hide_banner", "-version")
		if out, err := probe.Output(); err != nil {
			return nil, fmt.Errorf("ffmpeg probe: %w", err)
		} else if !bytes.HasPrefix(out, []byte("ffmpeg version")) {
			return nil, fmt.Errorf("ffmpeg probe: unexpected output %q", firstLine(out))
		}
		return FFmpegCodec{Binary: path, TargetRate: targetRate}, nil
	}
}

func (FFmpegCodec) Name() string { return "ffmpeg" }

func (f FFmpegCodec) Convert(ctx context.Context, in audio.Container) (audio.Container, error) {
	rate := f.TargetRate
	if rate <= 0 {
		rate = WireRate
	}
	if in.IsWireFormat(rate) {
		return in, nil
	}
	// ffmpeg -f wav -i pipe:0 -ac 1 -ar 16000 -f s16le pipe:1
	cmd := exec.CommandContext(ctx, f.Binary,
		"-hide_banner", "-loglevel", "error",
		"-f", "wav", "-i", "pipe:0",
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"-f", "s16le", "pipe:1",
	)
	cmd.Stdin = in.Reader()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return audio.Container{}, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return audio.EncodeWAV(audio.PCM16FromBytes(stdout.Bytes()), rate)
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
