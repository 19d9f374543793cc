package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/harunnryd/scribe/pkg/errorsx"
)

// DefaultGain is the attenuation applied to mixed segments before quantization.
const DefaultGain = 0.8

func Clamp(x float32) float32 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}

// Condition clamps x to [-1, 1] and applies gain.
func Condition(x float32, gain float64) float64 {
	return float64(Clamp(x)) * gain
}

// Quantize converts a float sample to PCM16. Negative values scale by
// 32768, non-negative by 32767, truncating toward zero.
func Quantize(x float32, gain float64) int16 {
	v := Condition(x, gain)
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return int16(v * 32768)
	}
	return int16(v * 32767)
}

func QuantizeAll(samples []float32, gain float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = Quantize(s, gain)
	}
	return out
}

// Downmix averages two equally sized channels into one.
func Downmix(left, right []float32) ([]float32, error) {
	out := make([]float32, len(left))
	if err := DownmixInto(out, left, right); err != nil {
		return nil, err
	}
	return out, nil
}

// DownmixInto writes (left+right)/2 into dst, which must match both inputs.
func DownmixInto(dst, left, right []float32) error {
	if len(left) != len(right) || len(dst) != len(left) {
		return &errorsx.EncodingError{
			Kind:   errorsx.EncodingMalformedBuffer,
			Detail: fmt.Sprintf("channel length mismatch left=%d right=%d dst=%d", len(left), len(right), len(dst)),
		}
	}
	for i := range left {
		dst[i] = (left[i] + right[i]) / 2
	}
	return nil
}

// PCM16Bytes serializes samples as little-endian bytes.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCM16FromBytes parses little-endian PCM16. A trailing odd byte is ignored.
func PCM16FromBytes(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// FloatToPCM16Bytes quantizes at unity gain and serializes, the layout
// streaming engines expect for linear16.
func FloatToPCM16Bytes(samples []float32) []byte {
	return PCM16Bytes(QuantizeAll(samples, 1))
}

func FloatsFromPCM16(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// FloatsFromLE32 parses little-endian IEEE-754 float32 samples.
func FloatsFromLE32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, &errorsx.EncodingError{Kind: errorsx.EncodingMalformedBuffer, Detail: fmt.Sprintf("%d bytes is not a float32 multiple", len(b))}
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

func FloatsToLE32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
