package audioconv

import (
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

// Resample converts in from inSR to outSR with linear interpolation. The
// output holds round(len(in) * outSR / inSR) samples.
func Resample(in []float32, inSR, outSR int) []float32 {
	if inSR == outSR || len(in) == 0 || inSR <= 0 || outSR <= 0 {
		return in
	}

	ratio := float64(inSR) / float64(outSR)
	outN := int(math.Round(float64(len(in)) / ratio))
	out := make([]float32, outN)
	last := len(in) - 1

	for i := 0; i < outN; i++ {
		src := float64(i) * ratio
		lo := int(math.Floor(src))
		if lo > last {
			lo = last
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		a := float32(src - float64(lo))
		out[i] = in[lo]*(1-a) + in[hi]*a
	}
	return out
}

// ToPCM16 clamps to [-1, 1] and scales asymmetrically so both -1 and 1 map to
// the int16 extremes. Fractions are truncated toward zero.
func ToPCM16(x []float32) []int16 {
	out := make([]int16, len(x))
	for i, v := range x {
		s := clamp(float64(v), -1, 1)
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7FFF)
		}
	}
	return out
}

// EncodeWAV writes mono 16-bit PCM with the canonical 44-byte header. The
// encoder patches its size fields by seeking, so it writes to an in-memory
// file.
func EncodeWAV(pcm []int16, sampleRate int) ([]byte, error) {
	fs := afero.NewMemMapFs()
	f, err := fs.Create(wavScratch)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)

	data := make([]int, len(pcm))
	for i, v := range pcm {
		data[i] = int(v)
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return afero.ReadFile(fs, wavScratch)
}

const wavScratch = "utterance.wav"
