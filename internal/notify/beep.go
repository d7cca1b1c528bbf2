package notify

import (
	"fmt"
	log "log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"

	"hark/internal/audio"
)

type note struct {
	freq  float64
	start time.Duration
	dur   time.Duration
}

var (
	wakeNotes = []note{
		{392.00, 0, 500 * time.Millisecond},
		{587.33, 30 * time.Millisecond, 450 * time.Millisecond},
		{783.99, 60 * time.Millisecond, 400 * time.Millisecond},
		{1174.66, 90 * time.Millisecond, 350 * time.Millisecond},
	}
	wakeShimmer = []note{
		{2349.32, 60 * time.Millisecond, 350 * time.Millisecond},
		{3135.96, 90 * time.Millisecond, 300 * time.Millisecond},
	}
	stopNotes = []note{
		{783.99, 0, 250 * time.Millisecond},
		{587.33, 80 * time.Millisecond, 300 * time.Millisecond},
	}
)

// Sounds plays the recording start/stop cues.
type Sounds struct {
	mu      sync.Mutex
	out     *audio.Speaker
	volume  float64
	enabled bool

	wake, stop buffer
}

func NewSounds(out *audio.Speaker, volume float64) *Sounds {
	s := &Sounds{out: out, enabled: true}
	s.SetVolume(volume)
	return s
}

func (s *Sounds) SetEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = v
}

func (s *Sounds) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.volume = math.Max(0, math.Min(1, v))
	rate := s.out.Rate()
	s.wake = renderChime(rate, wakeNotes, wakeShimmer, s.volume)
	s.stop = renderChime(rate, stopNotes, nil, s.volume*0.8)
}

// LoadWakeFile replaces the synthesized wake chime with an mp3 file.
func (s *Sounds) LoadWakeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open chime: %w", err)
	}

	st, format, err := mp3.Decode(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("decode chime: %w", err)
	}
	defer st.Close()

	rs := beep.Resample(4, format.SampleRate, s.out.Rate(), st)
	var buf buffer
	chunk := make([][2]float64, 512)
	for {
		n, ok := rs.Stream(chunk)
		buf = append(buf, chunk[:n]...)
		if !ok {
			break
		}
	}

	s.mu.Lock()
	s.wake = buf
	s.mu.Unlock()
	return nil
}

func (s *Sounds) WakeChime() { s.play(func() buffer { return s.wake }) }
func (s *Sounds) StopChime() { s.play(func() buffer { return s.stop }) }

func (s *Sounds) play(pick func() buffer) {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	buf := pick()
	s.mu.Unlock()

	format := beep.Format{SampleRate: s.out.Rate(), NumChannels: 2, Precision: 2}
	if err := s.out.PlayAsync(buf.streamer(), format); err != nil {
		log.Debug("Failed to play chime", "err", err)
	}
}

type buffer [][2]float64

func (b buffer) streamer() beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if pos >= len(b) {
			return 0, false
		}
		n := copy(samples, b[pos:])
		pos += n
		return n, true
	})
}

// renderChime mixes sine tones with a light vibrato and a fifth harmonic,
// each shaped by a fast attack and exponential decay.
func renderChime(rate beep.SampleRate, notes, shimmer []note, volume float64) buffer {
	var end time.Duration
	for _, n := range append(append([]note(nil), notes...), shimmer...) {
		if e := n.start + n.dur + 100*time.Millisecond; e > end {
			end = e
		}
	}

	out := make(buffer, rate.N(end))
	sr := float64(rate)

	for _, n := range notes {
		start := rate.N(n.start)
		dur := n.dur.Seconds()
		for i := 0; start+i < len(out); i++ {
			t := float64(i) / sr
			if t > dur {
				break
			}
			vib := 1 + 0.003*math.Sin(2*math.Pi*5.5*t)
			v := envelope(t, dur, 0.4) * math.Sin(2*math.Pi*n.freq*vib*t)
			v += harmonicEnvelope(t, dur) * math.Sin(2*math.Pi*n.freq*1.5*t)
			out[start+i][0] += v * volume
			out[start+i][1] += v * volume
		}
	}

	for _, n := range shimmer {
		start := rate.N(n.start)
		dur := n.dur.Seconds()
		for _, cents := range []float64{-3, 3} {
			f := n.freq * math.Pow(2, cents/1200)
			for i := 0; start+i < len(out); i++ {
				t := float64(i) / sr
				if t > dur {
					break
				}
				v := envelope(t, dur, 0.03) * math.Sin(2*math.Pi*f*t)
				out[start+i][0] += v * volume
				out[start+i][1] += v * volume
			}
		}
	}

	for i := range out {
		out[i][0] = math.Max(-1, math.Min(1, out[i][0]))
		out[i][1] = math.Max(-1, math.Min(1, out[i][1]))
	}
	return out
}

func envelope(t, dur, peak float64) float64 {
	const attack = 0.04
	switch {
	case t < attack:
		return peak * t / attack
	case t < dur*0.35:
		return expRamp(peak, 0.12*peak/0.4, (t-attack)/(dur*0.35-attack))
	default:
		return expRamp(0.12*peak/0.4, 0.001, (t-dur*0.35)/(dur*0.65))
	}
}

func harmonicEnvelope(t, dur float64) float64 {
	const attack = 0.03
	if t < attack {
		return 0.08 * t / attack
	}
	if t > dur*0.5 {
		return 0
	}
	return expRamp(0.08, 0.001, (t-attack)/(dur*0.5-attack))
}

func expRamp(from, to, frac float64) float64 {
	if frac <= 0 {
		return from
	}
	if frac >= 1 {
		return to
	}
	return from * math.Pow(to/from, frac)
}
