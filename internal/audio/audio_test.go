package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu   sync.Mutex
	rate int
	fns  map[int]FrameFunc
	next int
}

func newFakeSource(rate int) *fakeSource {
	return &fakeSource{rate: rate, fns: make(map[int]FrameFunc)}
}

func (s *fakeSource) SampleRate() int { return s.rate }

func (s *fakeSource) Tap(fn FrameFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

func (s *fakeSource) emit(n int) {
	s.mu.Lock()
	fns := make([]FrameFunc, 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	frame := make([]float32, n)
	for i := range frame {
		frame[i] = 0.25
	}
	for _, fn := range fns {
		fn(frame, s.rate)
	}
}

func (s *fakeSource) taps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

func TestRecorder(t *testing.T) {
	t.Run("encodes captured frames as wav", func(t *testing.T) {
		src := newFakeSource(16000)
		rec := NewRecorder(src, 1000)

		if err := rec.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		src.emit(400)
		src.emit(400)

		blob, err := rec.Stop()
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
		if len(blob) != 44+800*2 {
			t.Errorf("expected %d bytes, got %d", 44+800*2, len(blob))
		}
		if got := binary.LittleEndian.Uint32(blob[24:28]); got != 16000 {
			t.Errorf("expected sample rate 16000, got %d", got)
		}
		if src.taps() != 0 {
			t.Errorf("expected tap released, %d still registered", src.taps())
		}
	})

	t.Run("short recordings are discarded", func(t *testing.T) {
		src := newFakeSource(16000)
		rec := NewRecorder(src, 1000)

		rec.Start()
		src.emit(100)

		_, err := rec.Stop()
		if !errors.Is(err, ErrTooShort) {
			t.Errorf("expected ErrTooShort, got %v", err)
		}
		if rec.Recording() {
			t.Error("expected recorder to be idle")
		}
	})

	t.Run("second start is a no-op", func(t *testing.T) {
		src := newFakeSource(16000)
		rec := NewRecorder(src, 1000)

		rec.Start()
		src.emit(300)
		rec.Start()
		src.emit(300)

		if src.taps() != 1 {
			t.Errorf("expected one tap, got %d", src.taps())
		}
		blob, err := rec.Stop()
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
		if len(blob) != 44+600*2 {
			t.Errorf("expected frames from before the second start to be kept, got %d bytes", len(blob))
		}
	})

	t.Run("stop without start", func(t *testing.T) {
		rec := NewRecorder(newFakeSource(16000), 0)
		if _, err := rec.Stop(); !errors.Is(err, ErrNotRecording) {
			t.Errorf("expected ErrNotRecording, got %v", err)
		}
	})
}

func TestCaptureTap(t *testing.T) {
	c := NewCapture()

	var a, b int
	untapA := c.Tap(func(s []float32, _ int) { a += len(s) })
	c.Tap(func(s []float32, _ int) { b += len(s) })

	c.fanOut(make([]float32, 10), 48000)
	untapA()
	untapA()
	c.fanOut(make([]float32, 10), 48000)

	if a != 10 {
		t.Errorf("expected untapped sink to see 10 samples, got %d", a)
	}
	if b != 20 {
		t.Errorf("expected remaining sink to see 20 samples, got %d", b)
	}
}

func TestAnalyser(t *testing.T) {
	t.Run("silence", func(t *testing.T) {
		a := NewAnalyser(DefaultFFTSize)
		if lvl := a.Level(); lvl != 0 {
			t.Errorf("expected level 0, got %f", lvl)
		}
		if n := len(a.FrequencyData()); n != DefaultFFTSize/2 {
			t.Errorf("expected %d bins, got %d", DefaultFFTSize/2, n)
		}
	})

	t.Run("sine peaks at its bin", func(t *testing.T) {
		a := NewAnalyser(DefaultFFTSize)

		// 16 cycles over the window lands exactly on bin 16.
		x := make([]float32, DefaultFFTSize)
		for i := range x {
			x[i] = float32(math.Sin(2 * math.Pi * 16 * float64(i) / DefaultFFTSize))
		}
		a.Write(x)

		data := a.FrequencyData()
		peak := 0
		for i := range data {
			if data[i] > data[peak] {
				peak = i
			}
		}
		if peak != 16 {
			t.Errorf("expected peak at bin 16, got %d", peak)
		}

		if lvl := a.Level(); math.Abs(lvl-math.Sqrt2/2) > 0.01 {
			t.Errorf("expected rms ~0.707, got %f", lvl)
		}

		bands := a.Bands(16)
		if len(bands) != 16 {
			t.Fatalf("expected 16 bands, got %d", len(bands))
		}
		loud := 0
		for i := range bands {
			if bands[i] > bands[loud] {
				loud = i
			}
		}
		if loud != 2 {
			t.Errorf("expected bins 16-23 to fold into band 2, got band %d", loud)
		}
	})

	t.Run("band count clamps to bins", func(t *testing.T) {
		a := NewAnalyser(DefaultFFTSize)
		if n := len(a.Bands(0)); n != DefaultFFTSize/2 {
			t.Errorf("expected %d bands, got %d", DefaultFFTSize/2, n)
		}
	})
}

const pactlOutput = `Sink Input #41
	Driver: protocol-native.c
	Volume: front-left: 65536 / 100% / 0.00 dB,   front-right: 65536 / 100% / 0.00 dB
	Properties:
		application.name = "Firefox"
Sink Input #42
	Volume: front-left: 39322 /  60% / -13.31 dB
	Properties:
		application.name = "hark"
Sink Input #bogus
	Volume: front-left: 1 / 1%
`

func TestParseSinkInputs(t *testing.T) {
	got := parseSinkInputs(pactlOutput)
	if len(got) != 2 {
		t.Fatalf("expected 2 sink inputs, got %d", len(got))
	}
	if got[0] != (sinkInput{ID: 41, Volume: 100, AppName: "Firefox"}) {
		t.Errorf("unexpected first input: %+v", got[0])
	}
	if got[1] != (sinkInput{ID: 42, Volume: 60, AppName: "hark"}) {
		t.Errorf("unexpected second input: %+v", got[1])
	}

	if parseSinkInputs("") != nil {
		t.Error("expected nil for empty output")
	}
}

func TestDucker(t *testing.T) {
	var calls []string
	run := func(_ context.Context, name string, args ...string) ([]byte, error) {
		if args[0] == "list" {
			return []byte(pactlOutput), nil
		}
		calls = append(calls, strings.Join(args[1:], " "))
		return nil, nil
	}

	d := newDucker(run, []string{"hark"}, 0.3, 10, 0)

	if err := d.Duck(context.Background()); err != nil {
		t.Fatalf("duck: %v", err)
	}
	if !d.Active() {
		t.Error("expected ducker active")
	}
	if err := d.Duck(context.Background()); err != nil {
		t.Fatalf("second duck: %v", err)
	}
	if len(calls) != 1 || calls[0] != "41 30%" {
		t.Errorf("expected only Firefox ducked to 30%%, got %v", calls)
	}

	calls = nil
	if err := d.Unduck(context.Background()); err != nil {
		t.Fatalf("unduck: %v", err)
	}
	if len(calls) != 1 || calls[0] != "41 100%" {
		t.Errorf("expected Firefox restored to 100%%, got %v", calls)
	}
	if d.Active() {
		t.Error("expected ducker inactive")
	}

	t.Run("fade steps", func(t *testing.T) {
		var steps []string
		run := func(_ context.Context, _ string, args ...string) ([]byte, error) {
			if args[0] == "list" {
				return []byte(pactlOutput), nil
			}
			steps = append(steps, args[2])
			return nil, nil
		}
		d := newDucker(run, []string{"hark"}, 0.5, 0, 20*time.Millisecond)
		d.sleep = func(time.Duration) {}

		d.Duck(context.Background())

		want := []string{"100%", "75%", "50%"}
		if fmt.Sprint(steps) != fmt.Sprint(want) {
			t.Errorf("expected %v, got %v", want, steps)
		}
	})

	t.Run("nil ducker", func(t *testing.T) {
		var d *Ducker
		if err := d.Duck(context.Background()); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})
}
