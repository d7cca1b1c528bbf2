package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
)

const capsJSON = `{"type":"capabilities","data":{"wakewords":{"models":[{"id":"a","phrase":"hey a"},{"id":"b"}],"active":"a"},"vad":{"enabled":true,"silenceTimeout":1500}}}`

type testServer struct {
	*httptest.Server
	conns atomic.Int32
}

// newTestServer upgrades every request and hands the connection to fn
// together with its 1-based sequence number. fn returning false rejects the
// request instead.
func newTestServer(t *testing.T, fn func(conn *ws.Conn, n int) bool) *testServer {
	t.Helper()

	ts := &testServer{}
	upgrader := ws.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(ts.conns.Add(1))
		if !fn(nil, n) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		fn(conn, n)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnect(t *testing.T) {
	t.Run("ready after first capabilities", func(t *testing.T) {
		ts := newTestServer(t, func(conn *ws.Conn, _ int) bool {
			if conn == nil {
				return true
			}
			conn.WriteMessage(ws.TextMessage, []byte(capsJSON))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return true
				}
			}
		})

		c := NewClient(Config{URL: ts.wsURL()})
		defer c.Close()

		var got Capabilities
		c.Subscribe(ListenerFuncs{Capabilities: func(caps Capabilities) { got = caps }})

		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if !c.Ready() {
			t.Error("expected client ready")
		}
		if p := c.ActivePhrase(); p != "hey a" {
			t.Errorf("expected phrase %q, got %q", "hey a", p)
		}
		if !c.VADEnabled() || c.VADSilenceTimeout() != 1500*time.Millisecond {
			t.Errorf("unexpected vad state: %v %v", c.VADEnabled(), c.VADSilenceTimeout())
		}
		if len(got.Wakewords.Models) != 2 {
			t.Errorf("expected listener to receive 2 models, got %d", len(got.Wakewords.Models))
		}
	})

	t.Run("times out without capabilities", func(t *testing.T) {
		ts := newTestServer(t, func(conn *ws.Conn, _ int) bool {
			if conn == nil {
				return true
			}
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return true
				}
			}
		})

		c := NewClient(Config{URL: ts.wsURL(), ConnectTimeout: 50 * time.Millisecond})
		defer c.Close()

		err := c.Connect(context.Background())
		if !errors.Is(err, ErrConnectTimeout) {
			t.Errorf("expected ErrConnectTimeout, got %v", err)
		}
		if c.Ready() {
			t.Error("expected client not ready")
		}
	})

	t.Run("close before ready is a hard failure", func(t *testing.T) {
		ts := newTestServer(t, func(conn *ws.Conn, _ int) bool {
			return true
		})

		c := NewClient(Config{URL: ts.wsURL()})
		defer c.Close()

		var waits atomic.Int32
		c.wait = func(time.Duration) bool {
			waits.Add(1)
			return true
		}

		err := c.Connect(context.Background())
		if !errors.Is(err, ErrConnectFailed) {
			t.Errorf("expected ErrConnectFailed, got %v", err)
		}

		time.Sleep(50 * time.Millisecond)
		if n := waits.Load(); n != 0 {
			t.Errorf("expected no reconnect attempts, got %d", n)
		}
		if n := ts.conns.Load(); n != 1 {
			t.Errorf("expected a single connection, got %d", n)
		}
	})

	t.Run("closed client refuses to connect", func(t *testing.T) {
		c := NewClient(Config{URL: "ws://127.0.0.1:1"})
		c.Close()
		c.Close()
		if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}

type received struct {
	kind int
	data []byte
}

func TestSendAudioFrame(t *testing.T) {
	msgs := make(chan received, 16)
	ts := newTestServer(t, func(conn *ws.Conn, _ int) bool {
		if conn == nil {
			return true
		}
		conn.WriteMessage(ws.TextMessage, []byte(capsJSON))
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return true
			}
			msgs <- received{kind: kind, data: data}
		}
	})

	c := NewClient(Config{URL: ts.wsURL()})
	defer c.Close()

	c.SendAudioFrame([]float32{1}, 16000)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.SendAudioFrame([]float32{0.5, -0.5}, 16000)
	c.SendAudioFrame([]float32{0.25}, 16000)
	c.SendAudioFrame([]float32{0.125}, 48000)
	if err := c.SetWakewordModel("b"); err != nil {
		t.Fatalf("set model: %v", err)
	}

	next := func() received {
		select {
		case m := <-msgs:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
			return received{}
		}
	}

	expectConfig := func(rate int, model string) {
		t.Helper()
		m := next()
		if m.kind != ws.TextMessage {
			t.Fatalf("expected config text message, got kind %d", m.kind)
		}
		env, err := Decode(m.data)
		if err != nil || env.Type != TypeConfig {
			t.Fatalf("expected config envelope, got %s (%v)", m.data, err)
		}
		var cfg AudioConfig
		json.Unmarshal(env.Data, &cfg)
		if cfg.SampleRate != rate || cfg.Model != model {
			t.Errorf("expected config {%d %s}, got %+v", rate, model, cfg)
		}
	}

	expectFrame := func(want ...float32) {
		t.Helper()
		m := next()
		if m.kind != ws.BinaryMessage {
			t.Fatalf("expected binary frame, got %s", m.data)
		}
		got := DecodeFrame(m.data)
		if len(got) != len(want) {
			t.Fatalf("expected %d samples, got %d", len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("sample %d: expected %v, got %v", i, want[i], got[i])
			}
		}
	}

	expectConfig(16000, "a")
	expectFrame(0.5, -0.5)
	expectFrame(0.25)
	expectConfig(48000, "a")
	expectFrame(0.125)

	m := next()
	if string(m.data) != `{"type":"setModel","data":{"model":"b"}}` {
		t.Errorf("unexpected setModel message: %s", m.data)
	}
	if c.ActiveModel() != "b" {
		t.Errorf("expected active model b, got %q", c.ActiveModel())
	}
	if c.ActivePhrase() != "b" {
		t.Errorf("expected phrase to fall back to id, got %q", c.ActivePhrase())
	}
}

func TestEvents(t *testing.T) {
	ts := newTestServer(t, func(conn *ws.Conn, _ int) bool {
		if conn == nil {
			return true
		}
		conn.WriteMessage(ws.TextMessage, []byte(capsJSON))
		conn.WriteMessage(ws.TextMessage, []byte(`not json`))
		conn.WriteMessage(ws.TextMessage, []byte(`{"type":"wakeword","data":{"model":"a"}}`))
		conn.WriteMessage(ws.TextMessage, []byte(`{"type":"speech_start"}`))
		conn.WriteMessage(ws.TextMessage, []byte(`{"type":"speech_end"}`))
		conn.WriteMessage(ws.TextMessage, []byte(`{"type":"error","data":{"message":"boom"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return true
			}
		}
	})

	c := NewClient(Config{URL: ts.wsURL()})
	defer c.Close()

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}
	c.Subscribe(ListenerFuncs{
		Wakeword:    func(m string) { record("wake:" + m) },
		SpeechStart: func() { record("start") },
		SpeechEnd:   func() { record("end") },
		Error:       func(err error) { record("err:" + err.Error()) },
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	})

	want := []string{"wake:a", "start", "end", "err:voice events: boom"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: expected %q, got %q", i, want[i], events[i])
		}
	}
}

func TestReconnect(t *testing.T) {
	ts := newTestServer(t, func(conn *ws.Conn, n int) bool {
		if n > 1 {
			return false
		}
		if conn == nil {
			return true
		}
		conn.WriteMessage(ws.TextMessage, []byte(capsJSON))
		return true
	})

	c := NewClient(Config{URL: ts.wsURL(), ReconnectDelay: 10 * time.Millisecond})
	defer c.Close()

	var mu sync.Mutex
	var delays []time.Duration
	c.wait = func(d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return true
	}

	var disconnects, giveUps atomic.Int32
	c.Subscribe(ListenerFuncs{
		Disconnect:  func(error) { disconnects.Add(1) },
		Unavailable: func(err error) {
			if err == nil {
				t.Error("expected the last dial error")
			}
			giveUps.Add(1)
		},
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "reconnect attempts", func() bool {
		return ts.conns.Load() == 1+DefaultMaxReconnects
	})
	waitFor(t, "give up", func() bool { return giveUps.Load() == 1 })
	time.Sleep(50 * time.Millisecond)

	if n := ts.conns.Load(); n != 1+DefaultMaxReconnects {
		t.Errorf("expected %d connection attempts, got %d", 1+DefaultMaxReconnects, n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != DefaultMaxReconnects {
		t.Fatalf("expected %d delays, got %v", DefaultMaxReconnects, delays)
	}
	for i, d := range delays {
		if want := time.Duration(i+1) * 10 * time.Millisecond; d != want {
			t.Errorf("attempt %d: expected delay %v, got %v", i+1, want, d)
		}
	}
	if c.Ready() {
		t.Error("expected client to stay disconnected")
	}
	if n := disconnects.Load(); n != 1 {
		t.Errorf("expected 1 disconnect, got %d", n)
	}
	if n := giveUps.Load(); n != 1 {
		t.Errorf("expected 1 give up, got %d", n)
	}
}

func TestConnectWhileReconnecting(t *testing.T) {
	release := make(chan struct{})
	ts := newTestServer(t, func(conn *ws.Conn, n int) bool {
		if conn == nil {
			return true
		}
		if n > 1 {
			<-release
		}
		conn.WriteMessage(ws.TextMessage, []byte(capsJSON))
		if n == 1 {
			return true
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return true
			}
		}
	})

	c := NewClient(Config{URL: ts.wsURL()})
	defer c.Close()
	c.wait = func(time.Duration) bool { return true }

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "reconnect dial", func() bool { return ts.conns.Load() == 2 })
	if err := c.Connect(context.Background()); !errors.Is(err, ErrConnecting) {
		t.Errorf("expected ErrConnecting, got %v", err)
	}

	close(release)
	waitFor(t, "ready", c.Ready)
}

func TestEventsURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/v1/voice/events"},
		{"https://magec.example/", "wss://magec.example/api/v1/voice/events"},
	}
	for _, tt := range tests {
		got, err := EventsURL(tt.in)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}

	if _, err := EventsURL("ftp://x"); err == nil {
		t.Error("expected error for ftp scheme")
	}
}
