// Package espeak speaks through the local espeak-ng library, for when the
// server offers no speech endpoint.
package espeak

/*
#cgo LDFLAGS: -lespeak-ng
#include <stdlib.h>
#include <espeak-ng/speak_lib.h>

static int
hark_espeak_init(const char *lang)
{
	if (espeak_Initialize(AUDIO_OUTPUT_SYNCH_PLAYBACK, 500, NULL, 0) < 0)
	{ return -1; }

	espeak_VOICE specs = { .languages = lang };
	if (espeak_SetVoiceByProperties(&specs) != EE_OK)
	{ return -2; }

	return 0;
}

static int
hark_espeak_say(const char *text)
{
	if (!text)
	{ return -1; }

	if (espeak_Synth(text, 0, 0, POS_CHARACTER, 0, espeakCHARS_AUTO, NULL, NULL) != EE_OK)
	{ return -2; }

	return espeak_Synchronize() == EE_OK ? 0 : -3;
}

static void
hark_espeak_cancel(void)
{
	espeak_Cancel();
}
*/
import "C"

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unsafe"
)

type Engine struct {
	mu      sync.Mutex // one utterance at a time
	initErr error
}

// New initialises espeak-ng with the voice for lang (e.g. "es").
func New(lang string) *Engine {
	if lang == "" {
		lang = "es"
	}

	clang := C.CString(lang)
	defer C.free(unsafe.Pointer(clang))

	e := &Engine{}
	if rc := C.hark_espeak_init(clang); rc != 0 {
		e.initErr = fmt.Errorf("espeak init failed: %d", int(rc))
	}
	return e
}

func (e *Engine) Available(context.Context) bool { return e.initErr == nil }

// SetAgent is a no-op: the local voice does not depend on the agent.
func (e *Engine) SetAgent(string) {}

// Speak blocks until text was spoken. Cancelling ctx cuts it short.
func (e *Engine) Speak(ctx context.Context, text string) error {
	if e.initErr != nil {
		return e.initErr
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	done := make(chan int, 1)
	go func() { done <- int(C.hark_espeak_say(ctext)) }()

	select {
	case rc := <-done:
		if rc != 0 {
			return fmt.Errorf("espeak say failed: %d", rc)
		}
		return nil
	case <-ctx.Done():
		C.hark_espeak_cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) Stop() {
	C.hark_espeak_cancel()
}
