// Package tts speaks agent replies.
package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
	"github.com/openai/openai-go/v3/option"
)

// Poster issues a POST relative to the API base URL.
type Poster interface {
	Post(ctx context.Context, path string, body, res any, opts ...option.RequestOption) error
}

// Player plays a stream and blocks until it ends or ctx is done.
type Player interface {
	Play(ctx context.Context, st beep.Streamer, format beep.Format) error
}

var (
	boldRe    = regexp.MustCompile(`\*\*`)
	starRe    = regexp.MustCompile(`\*`)
	tickRe    = regexp.MustCompile("`")
	headingRe = regexp.MustCompile(`#{1,6}\s`)
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

// CleanText drops markdown so it is not read aloud.
func CleanText(text string) string {
	text = boldRe.ReplaceAllString(text, "")
	text = starRe.ReplaceAllString(text, "")
	text = tickRe.ReplaceAllString(text, "")
	text = headingRe.ReplaceAllString(text, "")
	text = linkRe.ReplaceAllString(text, "$1")
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

type speechRequest struct {
	Input string `json:"input"`
}

// Remote fetches speech from the server's per-agent endpoint and plays it.
type Remote struct {
	api    Poster
	player Player

	mu     sync.Mutex
	agent  string
	cancel context.CancelFunc
	seq    uint64
}

func NewRemote(api Poster, player Player) *Remote {
	return &Remote{api: api, player: player, agent: "default"}
}

func (r *Remote) SetAgent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent = id
}

func (r *Remote) path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return "voice/" + url.PathEscape(r.agent) + "/speech"
}

// Available probes the speech endpoint with a short request.
func (r *Remote) Available(ctx context.Context) bool {
	var res *http.Response
	err := r.api.Post(ctx, r.path(), speechRequest{Input: "test"}, &res, option.WithHeader("Accept", "*/*"))
	if res != nil {
		res.Body.Close()
	}
	if err != nil {
		log.Debug("Speech unavailable", "err", err)
		return false
	}
	return true
}

// Speak interrupts any current utterance, then fetches and plays text. It
// returns ctx.Err() when interrupted by Stop or ctx.
func (r *Remote) Speak(ctx context.Context, text string) error {
	text = CleanText(text)
	if text == "" {
		return nil
	}

	r.Stop()

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.cancel = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.seq == seq {
			r.cancel = nil
		}
		r.mu.Unlock()
		cancel()
	}()

	var res *http.Response
	if err := r.api.Post(ctx, r.path(), speechRequest{Input: text}, &res, option.WithHeader("Accept", "*/*")); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("speech request: %w", err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read speech: %w", err)
	}

	st, format, err := Decode(payload)
	if err != nil {
		return err
	}
	defer st.Close()

	return r.player.Play(ctx, st, format)
}

// Stop aborts the in-flight request and playback, if any.
func (r *Remote) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Decode opens a wav or mp3 payload for playback.
func Decode(payload []byte) (beep.StreamSeekCloser, beep.Format, error) {
	if len(payload) == 0 {
		return nil, beep.Format{}, fmt.Errorf("empty audio payload")
	}

	if bytes.HasPrefix(payload, []byte("RIFF")) {
		st, format, err := wav.Decode(bytes.NewReader(payload))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("decode wav: %w", err)
		}
		return st, format, nil
	}

	st, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(payload)))
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("decode mp3: %w", err)
	}
	return st, format, nil
}
