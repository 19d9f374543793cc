package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/harunnryd/scribe/pkg/errorsx"
)

func TestEncodeWAVHeaderLayout(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	c, err := EncodeWAV(samples, 44100)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b := c.Bytes()
	if len(b) != HeaderSize+len(samples)*2 {
		t.Fatalf("expected %d bytes, got %d", HeaderSize+len(samples)*2, len(b))
	}
	checks := []struct {
		name string
		got  []byte
		want string
	}{
		{"riff", b[0:4], "RIFF"},
		{"wave", b[8:12], "WAVE"},
		{"fmt", b[12:16], "fmt "},
		{"data", b[36:40], "data"},
	}
	for _, c := range checks {
		if string(c.got) != c.want {
			t.Fatalf("%s: expected %q, got %q", c.name, c.want, c.got)
		}
	}
	le := binary.LittleEndian
	if got := le.Uint32(b[4:8]); got != 36+10 {
		t.Fatalf("chunk size: got %d", got)
	}
	if got := le.Uint32(b[16:20]); got != 16 {
		t.Fatalf("subchunk1 size: got %d", got)
	}
	if got := le.Uint16(b[20:22]); got != 1 {
		t.Fatalf("audio format: got %d", got)
	}
	if got := le.Uint16(b[22:24]); got != 1 {
		t.Fatalf("channels: got %d", got)
	}
	if got := le.Uint32(b[24:28]); got != 44100 {
		t.Fatalf("sample rate: got %d", got)
	}
	if got := le.Uint32(b[28:32]); got != 88200 {
		t.Fatalf("byte rate: got %d", got)
	}
	if got := le.Uint16(b[32:34]); got != 2 {
		t.Fatalf("block align: got %d", got)
	}
	if got := le.Uint16(b[34:36]); got != 16 {
		t.Fatalf("bits: got %d", got)
	}
	if got := le.Uint32(b[40:44]); got != 10 {
		t.Fatalf("data size: got %d", got)
	}
	if !bytes.Equal(b[44:46], []byte{0, 0}) || !bytes.Equal(b[46:48], []byte{1, 0}) || !bytes.Equal(b[48:50], []byte{0xFF, 0xFF}) {
		t.Fatalf("samples not little endian: % x", b[44:])
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	samples := make([]int16, 1000)
	for i := range samples {
		samples[i] = int16(i*67 - 30000)
	}
	c, err := EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	info, err := GetInfo(c.Bytes())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.DataSize != 2000 {
		t.Fatalf("unexpected info %+v", info)
	}
	got, rate, err := DecodeWAV(c.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 || len(got) != len(samples) {
		t.Fatalf("rate=%d len=%d", rate, len(got))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d: expected %d got %d", i, samples[i], got[i])
		}
	}
	if c.Info() != *info {
		t.Fatalf("container info %+v differs from parsed %+v", c.Info(), *info)
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	_, err := EncodeWAV(nil, 44100)
	var ee *errorsx.EncodingError
	if !errors.As(err, &ee) || ee.Kind != errorsx.EncodingMalformedBuffer {
		t.Fatalf("expected malformed buffer, got %v", err)
	}
	_, err = EncodeWAV([]int16{1}, 0)
	if !errors.As(err, &ee) || ee.Kind != errorsx.EncodingUnsupportedRate {
		t.Fatalf("expected unsupported rate, got %v", err)
	}
	_, err = EncodeWAV([]int16{1}, MaxSampleRate+1)
	if !errors.As(err, &ee) || ee.Kind != errorsx.EncodingUnsupportedRate {
		t.Fatalf("expected unsupported rate, got %v", err)
	}
}

func TestDecodeRejectsTruncatedData(t *testing.T) {
	c, _ := EncodeWAV([]int16{1, 2, 3, 4}, 8000)
	b := c.Bytes()
	if err := ValidateWAV(b[:len(b)-2]); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
	if err := ValidateWAV([]byte("RIFF")); err == nil {
		t.Fatalf("expected error for short input")
	}
}

func TestDecodeSkipsExtraChunksAndDownmixesStereo(t *testing.T) {
	var buf bytes.Buffer
	le := binary.LittleEndian
	data := []int16{100, 300, -200, -400}
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(0))
	buf.WriteString("WAVE")
	buf.WriteString("LIST")
	_ = binary.Write(&buf, le, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0})
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, le, uint32(16))
	_ = binary.Write(&buf, le, uint16(1))
	_ = binary.Write(&buf, le, uint16(2))
	_ = binary.Write(&buf, le, uint32(8000))
	_ = binary.Write(&buf, le, uint32(32000))
	_ = binary.Write(&buf, le, uint16(4))
	_ = binary.Write(&buf, le, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, le, uint32(len(data)*2))
	_ = binary.Write(&buf, le, data)

	got, rate, err := DecodeWAV(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 8000 || len(got) != 2 || got[0] != 200 || got[1] != -300 {
		t.Fatalf("unexpected decode rate=%d samples=%v", rate, got)
	}
	c, err := ParseContainer(buf.Bytes())
	if err != nil {
		t.Fatalf("parse container: %v", err)
	}
	if c.IsWireFormat(8000) {
		t.Fatalf("stereo input must not be treated as wire format")
	}
}
