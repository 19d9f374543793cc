package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/harunnryd/scribe/pkg/errorsx"
)

const (
	HeaderSize    = 44
	MaxSampleRate = 384000
	pcmFormat     = 1
	bitsPerSample = 16
)

// maxSamples keeps ChunkSize (36 + 2n) inside a u32.
const maxSamples = (math.MaxUint32 - 36) / 2

// header is the canonical 44-byte RIFF/WAVE header for mono PCM16.
type header struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// Container is an encoded WAV file. It is never mutated after creation.
type Container struct {
	data       []byte
	sampleRate int
	channels   int
	bits       int
	samples    int
}

func (c Container) Bytes() []byte     { return append([]byte(nil), c.data...) }
func (c Container) Reader() io.Reader { return bytes.NewReader(c.data) }
func (c Container) Len() int          { return len(c.data) }
func (c Container) SampleRate() int   { return c.sampleRate }
func (c Container) Channels() int     { return c.channels }
func (c Container) NumSamples() int   { return c.samples }
func (c Container) IsZero() bool      { return len(c.data) == 0 }
func (c Container) DataLen() int      { return c.samples * max(c.channels, 1) * c.bits / 8 }

func (c Container) Duration() time.Duration {
	if c.sampleRate <= 0 {
		return 0
	}
	return time.Duration(c.samples) * time.Second / time.Duration(c.sampleRate)
}

// EncodeWAV serializes mono PCM16 samples into a WAV container.
func EncodeWAV(samples []int16, sampleRate int) (Container, error) {
	if len(samples) == 0 {
		return Container{}, &errorsx.EncodingError{Kind: errorsx.EncodingMalformedBuffer, Detail: "empty buffer"}
	}
	if len(samples) > maxSamples {
		return Container{}, &errorsx.EncodingError{Kind: errorsx.EncodingMalformedBuffer, Detail: fmt.Sprintf("%d samples exceed container size", len(samples))}
	}
	if sampleRate <= 0 || sampleRate > MaxSampleRate {
		return Container{}, &errorsx.EncodingError{Kind: errorsx.EncodingUnsupportedRate, Detail: fmt.Sprintf("%d Hz", sampleRate)}
	}

	dataSize := uint32(len(samples) * 2)
	h := header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   pcmFormat,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return Container{}, fmt.Errorf("write wav header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return Container{}, fmt.Errorf("write wav data: %w", err)
	}
	return Container{data: buf.Bytes(), sampleRate: sampleRate, channels: 1, bits: bitsPerSample, samples: len(samples)}, nil
}

// EncodeFloat quantizes float samples with gain and encodes them.
func EncodeFloat(samples []float32, sampleRate int, gain float64) (Container, error) {
	return EncodeWAV(QuantizeAll(samples, gain), sampleRate)
}

// Info describes a parsed WAV stream.
type Info struct {
	SampleRate    int     `json:"sample_rate"`
	Channels      int     `json:"channels"`
	BitsPerSample int     `json:"bits_per_sample"`
	DataSize      int     `json:"data_size_bytes"`
	NumSamples    int     `json:"num_samples"`
	Duration      float64 `json:"duration_seconds"`
}

type chunkLayout struct {
	info       Info
	dataOffset int
}

// parse walks the RIFF chunk list so files carrying LIST or fact chunks
// before the data chunk are accepted.
func parse(data []byte) (chunkLayout, error) {
	var out chunkLayout
	if len(data) < 12 {
		return out, malformed("need at least 12 bytes, got %d", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return out, malformed("missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return out, malformed("missing WAVE format")
	}
	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return out, malformed("short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != pcmFormat {
				return out, malformed("audio format %d is not PCM", format)
			}
			out.info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			out.info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			out.info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return out, malformed("data chunk before fmt chunk")
			}
			if body+size > len(data) {
				return out, malformed("declared data size %d exceeds payload %d", size, len(data)-body)
			}
			if out.info.SampleRate <= 0 || out.info.SampleRate > MaxSampleRate {
				return out, &errorsx.EncodingError{Kind: errorsx.EncodingUnsupportedRate, Detail: fmt.Sprintf("%d Hz", out.info.SampleRate)}
			}
			if out.info.Channels <= 0 {
				return out, malformed("channel count %d", out.info.Channels)
			}
			frameBytes := out.info.Channels * out.info.BitsPerSample / 8
			if frameBytes <= 0 {
				return out, malformed("bits per sample %d", out.info.BitsPerSample)
			}
			out.info.DataSize = size
			out.info.NumSamples = size / frameBytes
			out.info.Duration = float64(out.info.NumSamples) / float64(out.info.SampleRate)
			out.dataOffset = body
			return out, nil
		}
		pos = body + size + size%2
	}
	return out, malformed("missing data chunk")
}

// DecodeWAV returns the mono PCM16 samples and sample rate of a WAV file.
func DecodeWAV(data []byte) ([]int16, int, error) {
	layout, err := parse(data)
	if err != nil {
		return nil, 0, err
	}
	if layout.info.BitsPerSample != bitsPerSample {
		return nil, 0, malformed("unsupported bit depth %d", layout.info.BitsPerSample)
	}
	raw := data[layout.dataOffset : layout.dataOffset+layout.info.DataSize]
	interleaved := PCM16FromBytes(raw)
	if layout.info.Channels == 1 {
		return interleaved, layout.info.SampleRate, nil
	}
	ch := layout.info.Channels
	mono := make([]int16, len(interleaved)/ch)
	for i := range mono {
		var sum int32
		for c := 0; c < ch; c++ {
			sum += int32(interleaved[i*ch+c])
		}
		mono[i] = int16(sum / int32(ch))
	}
	return mono, layout.info.SampleRate, nil
}

// ValidateWAV checks the container layout without decoding samples.
func ValidateWAV(data []byte) error {
	_, err := parse(data)
	return err
}

// GetInfo extracts metadata from a WAV file.
func GetInfo(data []byte) (*Info, error) {
	layout, err := parse(data)
	if err != nil {
		return nil, err
	}
	info := layout.info
	return &info, nil
}

// Info reports the metadata of an encoded container.
func (c Container) Info() Info {
	return Info{
		SampleRate:    c.sampleRate,
		Channels:      c.channels,
		BitsPerSample: c.bits,
		DataSize:      c.DataLen(),
		NumSamples:    c.samples,
		Duration:      c.Duration().Seconds(),
	}
}

// ParseContainer validates an externally produced WAV and wraps it.
func ParseContainer(data []byte) (Container, error) {
	layout, err := parse(data)
	if err != nil {
		return Container{}, err
	}
	return Container{
		data:       append([]byte(nil), data...),
		sampleRate: layout.info.SampleRate,
		channels:   layout.info.Channels,
		bits:       layout.info.BitsPerSample,
		samples:    layout.info.NumSamples,
	}, nil
}

// IsWireFormat reports whether c is mono PCM16 at rate.
func (c Container) IsWireFormat(rate int) bool {
	return c.channels == 1 && c.bits == bitsPerSample && c.sampleRate == rate
}

func malformed(format string, args ...any) error {
	return &errorsx.EncodingError{Kind: errorsx.EncodingMalformedBuffer, Detail: fmt.Sprintf(format, args...)}
}
