package protocol

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReconnectDelay = time.Second
	DefaultMaxReconnects  = 5

	outboundQueue = 64
	writeTimeout  = 5 * time.Second
)

var (
	ErrConnectTimeout = errors.New("voice events: connection timeout")
	ErrConnectFailed  = errors.New("voice events: failed to connect")
	ErrNotConnected   = errors.New("voice events: not connected")
	ErrClosed         = errors.New("voice events: client closed")
	// ErrConnecting means another Connect, possibly the reconnect loop, is
	// still waiting for the handshake.
	ErrConnecting = errors.New("voice events: connect in progress")
)

type Config struct {
	URL    string
	Header http.Header
	// HeaderFunc, when set, is consulted on every dial instead of Header.
	HeaderFunc func() http.Header

	Dialer         *ws.Dialer
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
}

type outbound struct {
	kind int
	data []byte
}

// link is one websocket connection with its writer. A client owns at most
// one live link.
type link struct {
	conn     *ws.Conn
	out      chan outbound
	done     chan struct{}
	ready    chan struct{}
	failed   chan error
	stopOnce sync.Once
}

func newLink(conn *ws.Conn) *link {
	return &link{
		conn:   conn,
		out:    make(chan outbound, outboundQueue),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
		failed: make(chan error, 1),
	}
}

func (l *link) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

func (l *link) enqueue(kind int, data []byte) bool {
	select {
	case l.out <- outbound{kind: kind, data: data}:
		return true
	default:
		return false
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case m := <-l.out:
			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(m.kind, m.data); err != nil {
				log.Debug("Failed to write voice events frame", "err", err)
			}
		}
	}
}

type Client struct {
	cfg    Config
	dialer *ws.Dialer

	mu         sync.Mutex
	link       *link
	connecting bool
	ready      bool
	closed     bool
	caps       Capabilities
	active     string
	sampleRate int

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int

	closedCh chan struct{}

	// wait sleeps for d and reports false when the client was closed meanwhile.
	wait func(d time.Duration) bool
}

func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}

	dialer := cfg.Dialer
	if dialer == nil {
		d := *ws.DefaultDialer
		dialer = &d
	}

	c := &Client{
		cfg:       cfg,
		dialer:    dialer,
		listeners: make(map[int]Listener),
		closedCh:  make(chan struct{}),
	}
	c.wait = c.sleep
	return c
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-c.closedCh:
		return false
	}
}

// Subscribe registers l for all future events and returns a func removing it.
func (c *Client) Subscribe(l Listener) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Client) each(fn func(Listener)) {
	c.listenersMu.RLock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.listenersMu.RUnlock()

	for _, l := range ls {
		fn(l)
	}
}

// Connect dials the server and returns once the first capabilities message
// arrived. A connection that drops before that is a hard failure and is not
// retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.ready:
		c.mu.Unlock()
		return nil
	case c.connecting:
		c.mu.Unlock()
		return ErrConnecting
	}
	c.connecting = true
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	log.Debug("Dialing voice events", "url", c.cfg.URL)
	header := c.cfg.Header
	if c.cfg.HeaderFunc != nil {
		header = c.cfg.HeaderFunc()
	}
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		c.endConnect()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return ErrConnectTimeout
		}
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	l := newLink(conn)

	c.mu.Lock()
	if c.closed {
		c.connecting = false
		c.mu.Unlock()
		l.stop()
		return ErrClosed
	}
	c.link = l
	c.sampleRate = 0
	c.mu.Unlock()

	go l.writeLoop()
	go c.readLoop(l)

	select {
	case <-l.ready:
		log.Info("Voice events ready", "url", c.cfg.URL)
		return nil
	case err := <-l.failed:
		c.endConnect()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	case <-dialCtx.Done():
		c.drop(l)
		c.endConnect()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return ErrConnectTimeout
		}
		return dialCtx.Err()
	}
}

func (c *Client) endConnect() {
	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
}

// drop tears down l without scheduling a reconnect.
func (c *Client) drop(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
		c.ready = false
	}
	c.mu.Unlock()
	l.stop()
}

func (c *Client) readLoop(l *link) {
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			c.lost(l, err)
			return
		}
		if kind != ws.TextMessage {
			continue
		}

		env, err := Decode(data)
		if err != nil {
			log.Warn("Failed to parse voice event", "msg", string(data), "err", err)
			continue
		}
		c.dispatch(l, env)
	}
}

func (c *Client) dispatch(l *link, env Envelope) {
	switch env.Type {
	case TypeCapabilities:
		caps, err := decodeCapabilities(env.Data)
		if err != nil {
			log.Warn("Failed to parse voice event", "type", env.Type, "err", err)
			return
		}

		c.mu.Lock()
		c.caps = caps
		c.active = caps.Wakewords.Active
		first := !c.ready && c.link == l
		if first {
			c.ready = true
			c.connecting = false
		}
		c.mu.Unlock()

		c.each(func(ls Listener) { ls.OnCapabilities(caps) })
		if first {
			close(l.ready)
		}

	case TypeWakeword:
		model, err := decodeWakeword(env.Data)
		if err != nil {
			log.Warn("Failed to parse voice event", "type", env.Type, "err", err)
			return
		}
		c.each(func(ls Listener) { ls.OnWakeword(model) })

	case TypeSpeechStart:
		c.each(func(ls Listener) { ls.OnSpeechStart() })

	case TypeSpeechEnd:
		c.each(func(ls Listener) { ls.OnSpeechEnd() })

	case TypeError:
		serr := decodeServerError(env.Data)
		c.each(func(ls Listener) { ls.OnError(serr) })

	default:
		log.Debug("Ignoring voice event", "type", env.Type)
	}
}

// lost handles the end of l's read loop.
func (c *Client) lost(l *link, err error) {
	c.mu.Lock()
	current := c.link == l
	wasReady := current && c.ready
	if current {
		c.link = nil
		c.ready = false
	}
	closed := c.closed
	c.mu.Unlock()

	l.stop()

	if !current || closed {
		return
	}

	if !wasReady {
		l.failed <- err
		return
	}

	log.Warn("Voice events connection lost", "err", err)
	lostErr := fmt.Errorf("voice events: connection lost: %w", err)
	c.each(func(ls Listener) { ls.OnDisconnect(lostErr) })
	go c.reconnect()
}

func (c *Client) reconnect() {
	var err error
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		delay := time.Duration(attempt) * c.cfg.ReconnectDelay
		log.Info("Reconnecting to voice events", "attempt", attempt, "delay", delay)

		if !c.wait(delay) {
			return
		}

		err = c.Connect(context.Background())
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		if errors.Is(err, ErrConnecting) {
			// A concurrent Connect owns the outcome.
			return
		}
		log.Warn("Failed to reconnect", "attempt", attempt, "err", err)
	}

	log.Error("Voice events unavailable, giving up", "attempts", c.cfg.MaxReconnects)
	c.each(func(ls Listener) { ls.OnUnavailable(err) })
}

// SendAudioFrame queues a frame for the server. A config message goes first
// whenever sampleRate differs from the last one sent on this connection.
// Frames are dropped while disconnected or when the queue is full.
func (c *Client) SendAudioFrame(samples []float32, sampleRate int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.link
	if l == nil {
		return
	}

	if sampleRate != c.sampleRate {
		msg, err := encode(TypeConfig, AudioConfig{SampleRate: sampleRate, Model: c.active})
		if err != nil {
			log.Error("Failed to encode audio config", "err", err)
			return
		}
		if !l.enqueue(ws.TextMessage, msg) {
			log.Debug("Voice events queue full, dropping config")
			return
		}
		c.sampleRate = sampleRate
	}

	if !l.enqueue(ws.BinaryMessage, EncodeFrame(samples)) {
		log.Debug("Voice events queue full, dropping frame")
	}
}

// SetWakewordModel asks the server to switch models and assumes it will.
func (c *Client) SetWakewordModel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link == nil {
		return ErrNotConnected
	}

	msg, err := encode(TypeSetModel, setModel{Model: id})
	if err != nil {
		return fmt.Errorf("encode setModel: %w", err)
	}
	if !c.link.enqueue(ws.TextMessage, msg) {
		return fmt.Errorf("set model %q: outbound queue full", id)
	}

	c.active = id
	return nil
}

func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Client) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()

	caps := c.caps
	caps.Wakewords.Models = append([]Model(nil), c.caps.Wakewords.Models...)
	caps.Wakewords.Active = c.active
	return caps
}

func (c *Client) ActiveModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Client) ActivePhrase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps.Phrase(c.active)
}

func (c *Client) VADEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps.VAD.Enabled
}

func (c *Client) VADSilenceTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.caps.VAD.SilenceTimeout) * time.Millisecond
}

// Close stops reconnection and closes the socket. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.ready = false
	close(c.closedCh)
	c.mu.Unlock()

	if l != nil {
		msg := ws.FormatCloseMessage(ws.CloseNormalClosure, "")
		l.conn.WriteControl(ws.CloseMessage, msg, time.Now().Add(time.Second))
		l.stop()
	}
	return nil
}
