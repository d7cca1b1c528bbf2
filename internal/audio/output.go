package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

const DefaultOutputRate = beep.SampleRate(44100)

// Speaker wraps the process-wide beep speaker. It is initialised lazily on
// the first playback so a daemon without an output device still starts.
type Speaker struct {
	rate beep.SampleRate

	once    sync.Once
	initErr error
}

func NewSpeaker(rate beep.SampleRate) *Speaker {
	if rate <= 0 {
		rate = DefaultOutputRate
	}
	return &Speaker{rate: rate}
}

func (s *Speaker) Rate() beep.SampleRate { return s.rate }

func (s *Speaker) init() error {
	s.once.Do(func() {
		if err := speaker.Init(s.rate, s.rate.N(time.Second/10)); err != nil {
			s.initErr = fmt.Errorf("init speaker: %w", err)
		}
	})
	return s.initErr
}

// Play blocks until st is drained or ctx is done. On cancellation the
// streamer is detached from the mixer before returning.
func (s *Speaker) Play(ctx context.Context, st beep.Streamer, format beep.Format) error {
	if err := s.init(); err != nil {
		return err
	}

	if format.SampleRate != 0 && format.SampleRate != s.rate {
		st = beep.Resample(4, format.SampleRate, s.rate, st)
	}

	done := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: beep.Seq(st, beep.Callback(func() {
		close(done)
	}))}

	speaker.Play(ctrl)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Lock()
		ctrl.Streamer = nil
		speaker.Unlock()
		return ctx.Err()
	}
}

// PlayAsync queues st without waiting for it.
func (s *Speaker) PlayAsync(st beep.Streamer, format beep.Format) error {
	if err := s.init(); err != nil {
		return err
	}

	if format.SampleRate != 0 && format.SampleRate != s.rate {
		st = beep.Resample(4, format.SampleRate, s.rate, st)
	}
	speaker.Play(st)
	return nil
}
