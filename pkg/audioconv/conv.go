// Package audioconv decodes recorded audio and re-encodes it as the mono
// 16-bit PCM WAV the transcription service expects.
package audioconv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"
)

const DefaultTargetRate = 16000

var ErrUnsupported = errors.New("audioconv: unsupported format")

// ToWAV decodes blob, downmixes to mono, resamples to targetRate and wraps
// the quantized samples in a canonical 44-byte-header WAV. The output depends
// only on blob and targetRate.
func ToWAV(blob []byte, targetRate int) ([]byte, error) {
	if targetRate <= 0 {
		targetRate = DefaultTargetRate
	}

	x, sr, err := DecodeMono(blob)
	if err != nil {
		return nil, err
	}
	if sr != targetRate {
		x = Resample(x, sr, targetRate)
	}

	return EncodeWAV(ToPCM16(x), targetRate)
}

// DecodeMono sniffs the container and returns mono float32 samples in
// [-1, 1] at the source sample rate.
func DecodeMono(blob []byte) ([]float32, int, error) {
	if len(blob) == 0 {
		return nil, 0, errors.New("audioconv: empty input")
	}

	br := bufio.NewReader(bytes.NewReader(blob))
	magic, _ := br.Peek(4)

	switch {
	case string(magic) == "RIFF":
		return decodeWAV(bytes.NewReader(blob))
	case string(magic) == "OggS":
		if x, sr, err := decodeOggVorbis(bytes.NewReader(blob)); err == nil {
			return x, sr, nil
		}
		x, sr, err := decodeOggOpus(bytes.NewReader(blob))
		if err != nil {
			return nil, 0, fmt.Errorf("cannot decode ogg as vorbis or opus: %w", err)
		}
		return x, sr, nil
	case isMP3(magic):
		return decodeMP3(bytes.NewReader(blob))
	default:
		return nil, 0, fmt.Errorf("%w (magic %q)", ErrUnsupported, magic)
	}
}

func isMP3(magic []byte) bool {
	if len(magic) < 3 {
		return false
	}
	if string(magic[:3]) == "ID3" {
		return true
	}
	// frame sync
	return magic[0] == 0xFF && magic[1]&0xE0 == 0xE0
}

func decodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav")
	}
	pb, err := dec.FullPCMBuffer()
	if err != nil || pb == nil || pb.Data == nil {
		if err == nil {
			err = errors.New("empty wav")
		}
		return nil, 0, err
	}

	bd := int(dec.BitDepth)
	if bd == 0 {
		bd = 16
	}
	x := intSliceToFloat32(pb.Data, bd)

	ch := 1
	sr := 44100
	if pb.Format != nil {
		if pb.Format.NumChannels > 0 {
			ch = pb.Format.NumChannels
		}
		if pb.Format.SampleRate > 0 {
			sr = pb.Format.SampleRate
		}
	}
	return downmixInterleaved(x, ch), sr, nil
}

func decodeMP3(r io.Reader) ([]float32, int, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, err
	}
	var raw bytes.Buffer
	if _, err := io.Copy(&raw, dec); err != nil {
		return nil, 0, err
	}
	ints := make([]int16, raw.Len()/2)
	if err := binary.Read(bytes.NewReader(raw.Bytes()), binary.LittleEndian, &ints); err != nil {
		return nil, 0, err
	}
	// go-mp3 always yields interleaved stereo
	x := downmixInterleaved(int16SliceToFloat32(ints), 2)

	sr := dec.SampleRate()
	if sr <= 0 {
		sr = 44100
	}
	return x, sr, nil
}

func decodeOggVorbis(r io.Reader) ([]float32, int, error) {
	pcm, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, 0, errors.New("invalid ogg/vorbis stream")
	}
	return downmixInterleaved(pcm, format.Channels), format.SampleRate, nil
}

// opus always decodes at 48 kHz
const opusRate = 48000

func decodeOggOpus(rs io.ReadSeeker) ([]float32, int, error) {
	dec, err := popus.NewDecoder(rs)
	if err != nil {
		return nil, 0, err
	}
	defer dec.Destroy()

	ch := dec.ChannelCount()
	if ch <= 0 {
		ch = 1
	}

	var (
		pcm []float32
		buf = make([]int16, opusRate*ch/2)
	)
	for {
		n, err := dec.Read(buf) // samples per channel
		if n > 0 {
			pcm = append(pcm, int16SliceToFloat32(buf[:n*ch])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
	}

	return downmixInterleaved(pcm, ch), opusRate, nil
}

func intSliceToFloat32(data []int, bitDepth int) []float32 {
	out := make([]float32, len(data))
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))
	for i, v := range data {
		out[i] = float32(clamp(float64(v)*scale, -1.0, 1.0))
	}
	return out
}

func int16SliceToFloat32(data []int16) []float32 {
	out := make([]float32, len(data))
	const scale = 1.0 / 32768.0
	for i, v := range data {
		out[i] = float32(float64(v) * scale)
	}
	return out
}

func downmixInterleaved(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	nFrames := len(in) / channels
	out := make([]float32, nFrames)
	for i := 0; i < nFrames; i++ {
		sum := 0.0
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += float64(in[base+c])
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
