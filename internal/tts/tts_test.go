package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/faiface/beep"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"hark/pkg/audioconv"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"**Hola** *mundo*", "Hola mundo"},
		{"usa `ls -la`", "usa ls -la"},
		{"## Título\nTexto", "Título Texto"},
		{"mira [la web](https://example.com) ya", "mira la web ya"},
		{"  muchos \n\n espacios  ", "muchos espacios"},
		{"***", ""},
	}
	for _, tt := range tests {
		if got := CleanText(tt.in); got != tt.want {
			t.Errorf("CleanText(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

type fakePlayer struct {
	mu      sync.Mutex
	plays   int
	samples int
	format  beep.Format
	block   bool
	started chan struct{}
}

func (p *fakePlayer) Play(ctx context.Context, st beep.Streamer, format beep.Format) error {
	p.mu.Lock()
	p.plays++
	p.format = format
	p.mu.Unlock()

	if p.block {
		close(p.started)
		<-ctx.Done()
		return ctx.Err()
	}

	buf := make([][2]float64, 512)
	for {
		n, ok := st.Stream(buf)
		p.mu.Lock()
		p.samples += n
		p.mu.Unlock()
		if !ok {
			return nil
		}
	}
}

func wavPayload(t *testing.T) []byte {
	t.Helper()
	blob, err := audioconv.EncodeWAV(make([]int16, 1600), 16000)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return blob
}

func newRemote(t *testing.T, h http.HandlerFunc, p Player) *Remote {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := openai.NewClient(
		option.WithBaseURL(srv.URL+"/api/v1/"),
		option.WithAPIKey("test"),
		option.WithMaxRetries(0),
	)
	return NewRemote(&c, p)
}

func TestSpeak(t *testing.T) {
	payload := wavPayload(t)

	var input, path string
	p := &fakePlayer{}
	r := newRemote(t, func(w http.ResponseWriter, req *http.Request) {
		path = req.URL.Path
		var body speechRequest
		json.NewDecoder(req.Body).Decode(&body)
		input = body.Input
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(payload)
	}, p)
	r.SetAgent("voice1")

	if err := r.Speak(context.Background(), "**Hola**   mundo"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if input != "Hola mundo" {
		t.Errorf("expected cleaned input, got %q", input)
	}
	if path != "/api/v1/voice/voice1/speech" {
		t.Errorf("unexpected path %q", path)
	}
	if p.plays != 1 || p.samples != 1600 {
		t.Errorf("expected one playback of 1600 samples, got %d plays %d samples", p.plays, p.samples)
	}
	if p.format.SampleRate != 16000 {
		t.Errorf("expected 16kHz format, got %v", p.format.SampleRate)
	}

	if err := r.Speak(context.Background(), "**"); err != nil {
		t.Errorf("expected empty text to be a no-op, got %v", err)
	}
	if p.plays != 1 {
		t.Errorf("expected no playback for empty text, got %d", p.plays)
	}
}

func TestSpeakFailure(t *testing.T) {
	p := &fakePlayer{}
	r := newRemote(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("no voice configured"))
	}, p)

	if err := r.Speak(context.Background(), "hola"); err == nil {
		t.Error("expected error")
	}
	if p.plays != 0 {
		t.Errorf("expected no playback, got %d", p.plays)
	}
	if r.Available(context.Background()) {
		t.Error("expected speech unavailable")
	}
}

func TestStopInterruptsPlayback(t *testing.T) {
	payload := wavPayload(t)
	p := &fakePlayer{block: true, started: make(chan struct{})}
	r := newRemote(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(payload)
	}, p)

	if !r.Available(context.Background()) {
		t.Error("expected speech available")
	}

	errc := make(chan error, 1)
	go func() { errc <- r.Speak(context.Background(), "una frase larga") }()

	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}
	r.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("speak did not return after stop")
	}
}

func TestDecode(t *testing.T) {
	if _, _, err := Decode(nil); err == nil {
		t.Error("expected error for empty payload")
	}
	st, format, err := Decode(wavPayload(t))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer st.Close()
	if format.NumChannels != 1 || st.Len() != 1600 {
		t.Errorf("unexpected stream: %d channels, %d samples", format.NumChannels, st.Len())
	}
}
