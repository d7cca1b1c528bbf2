// Package audio owns the microphone stream, utterance recording and local
// output.
package audio

import (
	"errors"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// FrameFunc receives a private copy of every captured buffer.
type FrameFunc func(samples []float32, sampleRate int)

// Source is anything that can lend its frames to a tap.
type Source interface {
	Tap(fn FrameFunc) (untap func())
	SampleRate() int
}

// Capture reads mono float32 frames from the default input device at its
// native rate. PortAudio hands us the raw signal: there is no echo
// cancellation, noise suppression or gain control in the path.
type Capture struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	rate    int
	running bool

	sinksMu  sync.RWMutex
	sinks    map[int]FrameFunc
	nextSink int

	analyser *Analyser
}

func NewCapture() *Capture {
	return &Capture{
		sinks:    make(map[int]FrameFunc),
		analyser: NewAnalyser(DefaultFFTSize),
	}
}

func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: no default input device: %v", ErrDeviceUnavailable, err)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.FramesPerBuffer = int(params.SampleRate) / 50 // 20ms

	stream, err := portaudio.OpenStream(params, c.process)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: open stream: %v", ErrDeviceUnavailable, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: start stream: %v", ErrDeviceUnavailable, err)
	}

	c.stream = stream
	c.rate = int(params.SampleRate)
	c.running = true

	log.Info("Microphone open", "device", dev.Name, "rate", c.rate)
	return nil
}

// Stop releases the stream and terminates PortAudio. Safe to call when
// already stopped.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	if err := c.stream.Stop(); err != nil {
		log.Debug("Failed to stop stream", "err", err)
	}
	if err := c.stream.Close(); err != nil {
		log.Debug("Failed to close stream", "err", err)
	}
	portaudio.Terminate()

	c.stream = nil
	c.running = false
	log.Info("Microphone closed")
}

func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Capture) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

func (c *Capture) Analyser() *Analyser { return c.analyser }

func (c *Capture) Tap(fn FrameFunc) func() {
	c.sinksMu.Lock()
	id := c.nextSink
	c.nextSink++
	c.sinks[id] = fn
	c.sinksMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.sinksMu.Lock()
			delete(c.sinks, id)
			c.sinksMu.Unlock()
		})
	}
}

// process runs on the PortAudio callback thread; sinks must not block.
func (c *Capture) process(in []float32) {
	frame := append([]float32(nil), in...)
	c.analyser.Write(frame)
	c.fanOut(frame, c.rate)
}

func (c *Capture) fanOut(frame []float32, rate int) {
	c.sinksMu.RLock()
	sinks := make([]FrameFunc, 0, len(c.sinks))
	for _, fn := range c.sinks {
		sinks = append(sinks, fn)
	}
	c.sinksMu.RUnlock()

	for _, fn := range sinks {
		fn(frame, rate)
	}
}
