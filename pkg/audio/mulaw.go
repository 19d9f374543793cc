package audio

import "sync"

var (
	muLawOnce  sync.Once
	muLawTable [256]int16
)

func buildMuLawTable() {
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := ((int32(mantissa) << 3) + 0x84) << exponent
		sample -= 0x84
		if sign != 0 {
			sample = -sample
		}
		muLawTable[i] = int16(sample)
	}
}

// MuLawToPCM16 expands G.711 µ-law bytes, as carried by telephony media streams.
func MuLawToPCM16(payload []byte) []int16 {
	muLawOnce.Do(buildMuLawTable)
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = muLawTable[b]
	}
	return out
}

func MuLawToFloat(payload []byte) []float32 {
	return FloatsFromPCM16(MuLawToPCM16(payload))
}
