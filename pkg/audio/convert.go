package audio

import (
	"encoding/binary"
	"math"
)

// Float32ToPCM16 converts float32 samples to little-endian int16 PCM bytes.
// Values outside [-1, 1] are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Float32ToInt16(s)))
	}
	return out
}

// Float32ToInt16 converts one normalised sample to int16 with clamping.
func Float32ToInt16(s float32) int16 {
	v := float64(s) * 32767.0
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(math.Round(v))
}

// InterleavedToMono averages interleaved multi-channel samples into mono.
// Channel counts below 2 return the input unchanged.
func InterleavedToMono(samples []float32, channels int) []float32 {
	if channels < 2 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono float32 samples from srcRate to dstRate using linear
// interpolation. If the rates match (or either is invalid) the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// ResampleFrame returns frame converted to dstRate. Frames already at the
// target rate are returned unchanged without allocation.
func ResampleFrame(frame AudioFrame, dstRate int) AudioFrame {
	if frame.SampleRate == dstRate || dstRate <= 0 {
		return frame
	}
	return AudioFrame{
		Samples:    Resample(frame.Samples, frame.SampleRate, dstRate),
		SampleRate: dstRate,
		Timestamp:  frame.Timestamp,
	}
}

// RMS returns the root-mean-square energy of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
