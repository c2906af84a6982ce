package audio

import (
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts a float sample in [-1, 1] to a signed 16-bit sample.
// Out-of-range input is clamped and NaN maps to silence. Negative values scale
// by 32768 and positive values by 32767 so both extremes are reachable.
func FloatToPCM16(s float32) int16 {
	if s != s {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// PCM16ToFloat converts a signed 16-bit sample to a float in [-1, 1).
func PCM16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

// EncodePCM16 encodes samples as little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 decodes little-endian PCM16 bytes. A trailing odd byte is
// ignored; callers that care should check len(pcm)%2 themselves.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// DecodePCM16Float decodes little-endian PCM16 bytes straight to floats in
// [-1, 1). A trailing odd byte is ignored.
func DecodePCM16Float(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = PCM16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. The output has floor(len(in) / (srcRate/dstRate)) samples;
// output sample i interpolates between source indices floor(i*ratio) and the
// following index, clamped to the last sample, rounded to nearest.
//
// If the rates match (or either is non-positive) the input slice itself is
// returned. No anti-aliasing filter is applied.
func Resample(in []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return in
	}
	if len(in) == 0 {
		return []int16{}
	}

	ratio := float64(srcRate) / float64(dstRate)
	n := int(math.Floor(float64(len(in)) / ratio))
	out := make([]int16, n)
	last := len(in) - 1

	for i := range n {
		pos := float64(i) * ratio
		lo := int(pos)
		if lo > last {
			lo = last
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := pos - float64(lo)
		v := float64(in[lo])*(1-frac) + float64(in[hi])*frac
		out[i] = clamp16(math.Round(v))
	}
	return out
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
