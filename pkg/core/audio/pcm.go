// Package audio converts microphone PCM into fixed-size chunks for streaming
// and schedules returned speech for gapless playback.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"mime"
	"strconv"
)

const (
	// InputSampleRate is the rate of audio sent to the backend.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of synthesized audio returned by the backend.
	OutputSampleRate = 24000
	// ChunkSamples is the number of samples per outbound chunk.
	ChunkSamples = 1024
)

// MIMEType returns the wire MIME type for mono s16le PCM at rate.
func MIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// SampleRateFromMIME reads the rate parameter of a MIME type such as
// "audio/pcm;rate=24000". It returns def when the parameter is missing.
func SampleRateFromMIME(mimeType string, def int) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return def
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return def
	}
	return rate
}

// EncodeBase64 encodes a chunk for JSON transports.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 decodes base64 PCM received over a JSON transport.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// CalculateRMSEnergy computes the root-mean-square energy of 16-bit signed
// little-endian PCM. Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// CalculatePeakAmplitude returns the maximum absolute amplitude in the PCM data.
// Returns a value between 0.0 and 1.0.
func CalculatePeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		// float64 avoids overflow when negating -32768
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}

// BytesToSamples decodes s16le PCM. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// SamplesToBytes encodes samples as s16le PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for f := 0; f < frames; f++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[f*channels+c])
		}
		out[f] = int16(sum / channels)
	}
	return out
}

// resampler converts a mono stream between rates with linear interpolation.
// It keeps position and the previous sample across calls so chunk boundaries
// do not click.
type resampler struct {
	step float64
	pos  float64
	prev int16
}

func newResampler(from, to int) *resampler {
	if from <= 0 || to <= 0 || from == to {
		return nil
	}
	return &resampler{step: float64(from) / float64(to)}
}

func (r *resampler) process(src []int16) []int16 {
	if r == nil || len(src) == 0 {
		return src
	}
	out := make([]int16, 0, int(float64(len(src))/r.step)+1)
	for {
		i := int(math.Floor(r.pos))
		if i+1 >= len(src) {
			break
		}
		frac := r.pos - float64(i)
		a := r.prev
		if i >= 0 {
			a = src[i]
		}
		b := src[i+1]
		out = append(out, int16(float64(a)+(float64(b)-float64(a))*frac))
		r.pos += r.step
	}
	r.pos -= float64(len(src))
	r.prev = src[len(src)-1]
	return out
}
