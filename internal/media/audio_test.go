package media

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"
)

// buildWAV assembles a minimal RIFF/WAVE byte stream for tests.
func buildWAV(channels uint16, sampleRate uint32, samples []int16) []byte {
	var data bytes.Buffer
	for _, s := range samples {
		binary.Write(&data, binary.LittleEndian, s)
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+data.Len()))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, channels)
	binary.Write(&buf, binary.LittleEndian, sampleRate)
	binary.Write(&buf, binary.LittleEndian, sampleRate*uint32(channels)*2) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(channels*2))            // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))                    // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(data.Len()))
	buf.Write(data.Bytes())
	return buf.Bytes()
}

func TestDecodeWAVMono(t *testing.T) {
	samples := []int16{0, 100, -100, 32000, -32000}
	wav := buildWAV(1, 8000, samples)

	audio, err := DecodeWAV(bytes.NewReader(wav))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), audio.NumChannels)
	assert.Equal(t, uint32(8000), audio.SampleRate)
	assert.Equal(t, uint16(16), audio.BitsPerSample)
	assert.Len(t, audio.PCMData, len(samples)*2)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, err := DecodeWAV(bytes.NewReader([]byte("RIFFxxxxJUNK")))
	assert.Error(t, err)

	_, err = DecodeWAV(bytes.NewReader([]byte("not a wav at all........")))
	assert.Error(t, err)
}

// Stereo input downmixes by taking the left channel.
func TestToMono8kStereoDownmix(t *testing.T) {
	// Interleaved L/R pairs: left ramps, right is noise we must ignore.
	samples := []int16{10, -999, 20, 999, 30, -500, 40, 500}
	wav := buildWAV(2, 8000, samples)
	audio, err := DecodeWAV(bytes.NewReader(wav))
	require.NoError(t, err)

	mono, err := ToMono8k(audio)
	require.NoError(t, err)
	require.Len(t, mono, 8) // 4 samples * 2 bytes

	for i, want := range []int16{10, 20, 30, 40} {
		got := int16(binary.LittleEndian.Uint16(mono[i*2:]))
		assert.Equal(t, want, got)
	}
}

func TestToMono8kResamples16k(t *testing.T) {
	samples := make([]int16, 1600) // 100 ms at 16 kHz
	wav := buildWAV(1, 16000, samples)
	audio, err := DecodeWAV(bytes.NewReader(wav))
	require.NoError(t, err)

	mono, err := ToMono8k(audio)
	require.NoError(t, err)
	// 100 ms at 8 kHz is 800 samples; interpolation may drop a boundary sample.
	got := len(mono) / 2
	assert.InDelta(t, 800, got, 2)
}

// μ-law of silence is the idle code 0xFF.
func TestEncodePCMUSilence(t *testing.T) {
	silence := make([]byte, 20) // ten zero samples
	out := EncodePCMU(silence)
	require.Len(t, out, 10)
	for _, b := range out {
		assert.Equal(t, byte(0xFF), b)
	}
}

// Round trip preserves sign and stays within one quantisation step.
func TestUlawRoundTrip(t *testing.T) {
	for _, v := range []int16{1000, -1000, 8000, -8000, 30000, -30000} {
		in := make([]byte, 2)
		binary.LittleEndian.PutUint16(in, uint16(v))
		decoded := g711.DecodeUlaw(g711.EncodeUlaw(in))
		got := int16(binary.LittleEndian.Uint16(decoded))

		if v > 0 {
			assert.Positive(t, got, "input %d", v)
		} else {
			assert.Negative(t, got, "input %d", v)
		}
		diff := int32(v) - int32(got)
		if diff < 0 {
			diff = -diff
		}
		limit := int32(v) / 8
		if limit < 0 {
			limit = -limit
		}
		if limit < 64 {
			limit = 64
		}
		assert.LessOrEqual(t, diff, limit, "input %d decoded %d", v, got)
	}
}

func TestSplitFramesPadsWithSilence(t *testing.T) {
	ulaw := make([]byte, 170) // one full frame + 10 bytes
	frames := splitFrames(ulaw)
	require.Len(t, frames, 2)
	assert.Len(t, frames[0], frameSamples)
	assert.Len(t, frames[1], frameSamples)
	for i := 10; i < frameSamples; i++ {
		assert.Equal(t, byte(ulawSilence), frames[1][i])
	}
}

func TestSplitFramesEmpty(t *testing.T) {
	assert.Nil(t, splitFrames(nil))
}
