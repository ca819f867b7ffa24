// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package audio implements the telephony codec primitives used by the media
// bridge: G.711 µ-law ↔ 16-bit linear PCM, linear-interpolation resampling
// between fixed rates, silence generation and chunk validation.
//
// All functions are pure and synchronous; callers own concurrency.
package audio

import (
	"encoding/binary"
	"errors"

	"github.com/zaf/g711"
)

// Format tags an audio payload.
type Format string

const (
	FormatMuLaw Format = "ulaw"
	FormatPCM16 Format = "pcm16"
)

const (
	// TelephonyRate is the PSTN-side sample rate.
	TelephonyRate = 8000
	// OpenAIRate is the sample rate of PCM16 audio produced by the
	// realtime AI.
	OpenAIRate = 24000

	// FrameSamples is one 20ms frame at 8kHz.
	FrameSamples = 160

	// muLawSilence is the µ-law encoding of zero-amplitude.
	muLawSilence = 0x7F
	// silenceTolerance allows ±2 quantisation steps around the silence byte.
	silenceTolerance = 2

	// minChunkBytes / maxChunkBytes bound a µ-law chunk at 8kHz: 10ms..400ms.
	minChunkBytes = 80
	maxChunkBytes = 3200
)

// ErrInvalidPCMLength is returned when a PCM16 byte buffer has odd length.
var ErrInvalidPCMLength = errors.New("pcm16 buffer length must be even")

// DecodeMuLawToPCM16 expands µ-law bytes to 16-bit LE linear PCM.
// One input byte yields one sample, so the output is twice as long.
func DecodeMuLawToPCM16(data []byte) []byte {
	return g711.DecodeUlaw(data)
}

// EncodePCM16ToMuLaw compresses 16-bit LE linear PCM to µ-law.
// Rejects odd-length input.
func EncodePCM16ToMuLaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidPCMLength
	}
	return g711.EncodeUlaw(pcm), nil
}

// PCM16ToSamples reinterprets 16-bit LE bytes as int16 samples.
// Rejects odd-length input.
func PCM16ToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidPCMLength
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// SamplesToPCM16 serialises int16 samples as 16-bit LE bytes.
func SamplesToPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ResampleLinear converts samples between rates using linear interpolation.
// The output length is ⌊len × dst/src⌋; identical rates return the input
// unchanged. The right-edge source index is clamped to len−1.
func ResampleLinear(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	outLen := len(samples) * dstRate / srcRate
	out := make([]int16, outLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
	}
	return out
}

// ChunkValidation is the result of ValidateChunk.
type ChunkValidation struct {
	OK         bool
	Reason     string
	DurationMs int
}

// ValidateChunk sanity-checks an audio chunk before it is forwarded to the
// AI. For µ-law at 8kHz the chunk must be 80..3200 bytes (10ms..400ms).
// Every byte value is a legal µ-law code, so within those bounds any
// payload is forwardable.
func ValidateChunk(data []byte, format Format) ChunkValidation {
	if len(data) == 0 {
		return ChunkValidation{Reason: "empty chunk"}
	}

	if format != FormatMuLaw {
		return ChunkValidation{OK: true, DurationMs: len(data) / 2 * 1000 / TelephonyRate}
	}

	if len(data) < minChunkBytes {
		return ChunkValidation{Reason: "chunk shorter than 10ms", DurationMs: len(data) / 8}
	}
	if len(data) > maxChunkBytes {
		return ChunkValidation{Reason: "chunk longer than 400ms", DurationMs: len(data) / 8}
	}

	return ChunkValidation{OK: true, DurationMs: len(data) / 8}
}

// IsSilence reports whether every µ-law byte is within ±2 of the silence
// code 0x7F.
func IsSilence(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		d := int(b) - muLawSilence
		if d < -silenceTolerance || d > silenceTolerance {
			return false
		}
	}
	return true
}

// CreateSilence returns a pre-filled silence buffer of the given duration:
// 0xFF for µ-law, zeros for PCM16.
func CreateSilence(durationMs int, format Format, sampleRate int) []byte {
	samples := sampleRate * durationMs / 1000
	if format == FormatMuLaw {
		buf := make([]byte, samples)
		for i := range buf {
			buf[i] = 0xFF
		}
		return buf
	}
	return make([]byte, samples*2)
}
