// Package media implements the auto-dialer's audio path: WAV decoding,
// downmix and resampling to 8 kHz mono, G.711 μ-law encoding, and paced RTP
// emission.
package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zaf/g711"
)

const targetSampleRate = 8000

// AudioFile holds decoded WAV metadata and raw PCM data.
type AudioFile struct {
	AudioFormat   uint16
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	PCMData       []byte
}

// ReadWAVFile walks the RIFF chunks of a WAV file and returns its format
// and PCM payload. Only uncompressed 16-bit PCM is accepted.
func ReadWAVFile(path string) (*AudioFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wav: %w", err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV parses WAV content from a reader.
func DecodeWAV(r io.ReadSeeker) (*AudioFile, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading RIFF header: %w", err)
	}
	if string(header) != "RIFF" {
		return nil, fmt.Errorf("not a RIFF file")
	}
	var riffSize uint32
	if err := binary.Read(r, binary.LittleEndian, &riffSize); err != nil {
		return nil, fmt.Errorf("reading RIFF size: %w", err)
	}
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading WAVE id: %w", err)
	}
	if string(header) != "WAVE" {
		return nil, fmt.Errorf("not a WAVE file")
	}

	audio := &AudioFile{}
	sawFormat := false
	for {
		chunkID := make([]byte, 4)
		if _, err := io.ReadFull(r, chunkID); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		var chunkSize uint32
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID) {
		case "fmt ":
			if err := binary.Read(r, binary.LittleEndian, &audio.AudioFormat); err != nil {
				return nil, fmt.Errorf("reading audio format: %w", err)
			}
			if audio.AudioFormat != 1 {
				return nil, fmt.Errorf("only PCM wav supported, got format %d", audio.AudioFormat)
			}
			if err := binary.Read(r, binary.LittleEndian, &audio.NumChannels); err != nil {
				return nil, fmt.Errorf("reading channels: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &audio.SampleRate); err != nil {
				return nil, fmt.Errorf("reading sample rate: %w", err)
			}
			// Byte rate and block align are derivable; skip them.
			if _, err := r.Seek(6, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("seeking past byte rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &audio.BitsPerSample); err != nil {
				return nil, fmt.Errorf("reading bits per sample: %w", err)
			}
			if rest := int64(chunkSize) - 16; rest > 0 {
				if _, err := r.Seek(rest, io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("seeking past fmt extension: %w", err)
				}
			}
			sawFormat = true

		case "data":
			if !sawFormat {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			data := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, fmt.Errorf("reading audio data: %w", err)
			}
			audio.PCMData = data
			slog.Debug("wav decoded",
				"sample_rate", audio.SampleRate,
				"channels", audio.NumChannels,
				"bits", audio.BitsPerSample,
				"bytes", len(data),
			)
			return audio, nil

		default:
			if _, err := r.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", chunkID, err)
			}
		}
	}
	return nil, fmt.Errorf("data chunk not found")
}

// ToMono8k converts decoded audio to 8 kHz mono 16-bit PCM. Stereo input is
// downmixed by taking the left channel; other rates are linearly
// interpolated.
func ToMono8k(audio *AudioFile) ([]byte, error) {
	if audio.BitsPerSample != 16 {
		return nil, fmt.Errorf("only 16-bit PCM supported, got %d", audio.BitsPerSample)
	}

	var mono []byte
	switch audio.NumChannels {
	case 1:
		mono = audio.PCMData
	case 2:
		mono = make([]byte, 0, len(audio.PCMData)/2)
		for i := 0; i+3 < len(audio.PCMData); i += 4 {
			// Left channel only.
			mono = append(mono, audio.PCMData[i], audio.PCMData[i+1])
		}
	default:
		return nil, fmt.Errorf("unsupported channel count %d", audio.NumChannels)
	}

	if audio.SampleRate == targetSampleRate {
		return mono, nil
	}
	return resampleLinear(mono, audio.SampleRate, targetSampleRate), nil
}

// resampleLinear interpolates 16-bit little-endian PCM between sample
// rates.
func resampleLinear(pcm []byte, from, to uint32) []byte {
	inSamples := len(pcm) / 2
	if inSamples < 2 {
		return nil
	}
	ratio := float64(from) / float64(to)
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, 0, outSamples*2)

	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		if idx+1 >= inSamples {
			break
		}
		s1 := int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
		s2 := int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:]))
		v := int16(float64(s1)*(1-frac) + float64(s2)*frac)
		out = binary.LittleEndian.AppendUint16(out, uint16(v))
	}
	return out
}

// EncodePCMU encodes 16-bit linear PCM to G.711 μ-law.
func EncodePCMU(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// LoadPCMU loads a WAV file and returns it as an 8 kHz μ-law stream.
func LoadPCMU(path string) ([]byte, error) {
	audio, err := ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	pcm, err := ToMono8k(audio)
	if err != nil {
		return nil, err
	}
	return EncodePCMU(pcm), nil
}
