package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

const DefaultFFTSize = 256

// Analyser keeps the last fftSize samples for level meters and spectrum
// displays.
type Analyser struct {
	mu   sync.Mutex
	ring []float64
	head int
}

func NewAnalyser(size int) *Analyser {
	if size <= 0 {
		size = DefaultFFTSize
	}
	return &Analyser{ring: make([]float64, size)}
}

func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range samples {
		a.ring[a.head] = float64(s)
		a.head = (a.head + 1) % len(a.ring)
	}
}

func (a *Analyser) snapshot() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]float64, len(a.ring))
	for i := range a.ring {
		out[i] = a.ring[(a.head+i)%len(a.ring)]
	}
	return out
}

// Level is the RMS of the current window.
func (a *Analyser) Level() float64 {
	x := a.snapshot()

	var s float64
	for _, v := range x {
		s += v * v
	}
	return math.Sqrt(s / float64(len(x)))
}

// FrequencyData returns fftSize/2 normalised magnitudes of the Hann-windowed
// current window, lowest bin first.
func (a *Analyser) FrequencyData() []float64 {
	x := a.snapshot()
	window.Apply(x, window.Hann)

	bins := fft.FFTReal(x)
	n := len(x)
	out := make([]float64, n/2)
	for i := range out {
		out[i] = cmplx.Abs(bins[i]) / float64(n)
	}
	return out
}

// Bands folds FrequencyData into n equal-width bands, each the mean of its
// bins.
func (a *Analyser) Bands(n int) []float64 {
	bins := a.FrequencyData()
	if n <= 0 || n > len(bins) {
		n = len(bins)
	}

	out := make([]float64, n)
	per := len(bins) / n
	for i := range out {
		var s float64
		for _, v := range bins[i*per : (i+1)*per] {
			s += v
		}
		out[i] = s / float64(per)
	}
	return out
}
