// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package audio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// µ-law codec
// ============================================================================

func TestDecodeMuLawToPCM16_Length(t *testing.T) {
	in := make([]byte, 160)
	out := DecodeMuLawToPCM16(in)
	assert.Equal(t, 320, len(out), "1 µ-law byte should expand to 2 PCM bytes")
}

func TestEncodePCM16ToMuLaw_RejectsOddLength(t *testing.T) {
	_, err := EncodePCM16ToMuLaw(make([]byte, 321))
	assert.ErrorIs(t, err, ErrInvalidPCMLength)
}

func TestMuLawRoundTrip_SilenceStaysNearSilence(t *testing.T) {
	// 0xFF is the µ-law code for zero amplitude with sign bit; after a
	// decode/encode round trip every byte must be within 1 quantisation
	// step of the original.
	in := bytes.Repeat([]byte{0xFF}, 160)

	pcm := DecodeMuLawToPCM16(in)
	out, err := EncodePCM16ToMuLaw(pcm)
	require.NoError(t, err)
	require.Equal(t, len(in), len(out))

	for i, b := range out {
		diff := int(b) - 0xFF
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, 1, "byte %d drifted more than 1 step", i)
	}
}

func TestMuLawRoundTrip_StaysValid(t *testing.T) {
	for _, n := range []int{80, 160, 3200} {
		in := make([]byte, n)
		for i := range in {
			in[i] = byte(i % 256)
		}
		pcm := DecodeMuLawToPCM16(in)
		out, err := EncodePCM16ToMuLaw(pcm)
		require.NoError(t, err)

		v := ValidateChunk(out, FormatMuLaw)
		assert.True(t, v.OK, "round-tripped %d byte chunk should validate: %s", n, v.Reason)
	}
}

// ============================================================================
// Resampling
// ============================================================================

func TestResampleLinear_IdentityWhenRatesMatch(t *testing.T) {
	in := []int16{1, 2, 3, 4, 5}
	out := ResampleLinear(in, 8000, 8000)
	assert.Equal(t, in, out)
}

func TestResampleLinear_OutputLength(t *testing.T) {
	tests := []struct {
		name     string
		inLen    int
		src, dst int
		outLen   int
	}{
		{"24k to 8k", 24000, 24000, 8000, 8000},
		{"8k to 24k", 160, 8000, 24000, 480},
		{"one second down", 240, 24000, 8000, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make([]int16, tt.inLen)
			out := ResampleLinear(in, tt.src, tt.dst)
			assert.Equal(t, tt.outLen, len(out))
		})
	}
}

func TestResampleLinear_InterpolatesBetweenSamples(t *testing.T) {
	// Upsampling a ramp by 2x: odd output samples sit halfway between
	// neighbouring inputs.
	in := []int16{0, 100, 200, 300}
	out := ResampleLinear(in, 8000, 16000)
	require.Equal(t, 8, len(out))
	assert.Equal(t, int16(0), out[0])
	assert.Equal(t, int16(50), out[1])
	assert.Equal(t, int16(100), out[2])
	assert.Equal(t, int16(150), out[3])
}

func TestResampleLinear_ClampsRightEdge(t *testing.T) {
	in := []int16{10, 20}
	out := ResampleLinear(in, 8000, 24000)
	require.Equal(t, 6, len(out))
	// Positions past the last input index clamp to the final sample.
	assert.Equal(t, int16(20), out[5])
}

// ============================================================================
// Validation / silence
// ============================================================================

func TestValidateChunk(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		ok         bool
		durationMs int
	}{
		{"empty", nil, false, 0},
		{"too short", make([]byte, 79), false, 9},
		{"minimum 10ms", make([]byte, 80), true, 10},
		{"20ms frame", make([]byte, 160), true, 20},
		{"maximum 400ms", make([]byte, 3200), true, 400},
		{"too long", make([]byte, 3201), false, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ValidateChunk(tt.data, FormatMuLaw)
			assert.Equal(t, tt.ok, v.OK)
			assert.Equal(t, tt.durationMs, v.DurationMs)
		})
	}
}

func TestValidateChunk_AcceptsEveryByteValue(t *testing.T) {
	// All 256 µ-law codes are legal; a chunk spanning the full range must
	// pass as long as its length is in bounds.
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	v := ValidateChunk(data, FormatMuLaw)
	assert.True(t, v.OK)
	assert.Equal(t, 32, v.DurationMs)
}

func TestIsSilence(t *testing.T) {
	assert.True(t, IsSilence(bytes.Repeat([]byte{0x7F}, 160)))
	assert.True(t, IsSilence([]byte{0x7D, 0x7E, 0x7F, 0x80, 0x81}))
	assert.False(t, IsSilence([]byte{0x7F, 0x00}))
	assert.False(t, IsSilence(nil))
}

func TestCreateSilence(t *testing.T) {
	mu := CreateSilence(20, FormatMuLaw, TelephonyRate)
	require.Equal(t, 160, len(mu))
	for _, b := range mu {
		assert.Equal(t, byte(0xFF), b)
	}

	pcm := CreateSilence(20, FormatPCM16, TelephonyRate)
	require.Equal(t, 320, len(pcm))
	for _, b := range pcm {
		assert.Equal(t, byte(0x00), b)
	}
}

// ============================================================================
// Sample conversion
// ============================================================================

func TestPCM16SampleRoundTrip(t *testing.T) {
	samples := []int16{-32768, -1, 0, 1, 32767}
	got, err := PCM16ToSamples(SamplesToPCM16(samples))
	require.NoError(t, err)
	assert.Equal(t, samples, got)
}

func TestPCM16ToSamples_RejectsOddLength(t *testing.T) {
	_, err := PCM16ToSamples(make([]byte, 3))
	assert.ErrorIs(t, err, ErrInvalidPCMLength)
}
