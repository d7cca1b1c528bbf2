// Package ipc is the local control socket between the daemon and hark-ctl:
// one JSON request per connection, answered by one JSON reply.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"
)

const DefaultTimeout = 30 * time.Second

var ErrUnknownCommand = errors.New("ipc: unknown command")

type Request struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
}

type Reply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	Cmd     string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Cmd, e.Message)
}

// HandlerFunc answers one command. The result is encoded as the reply data.
type HandlerFunc func(ctx context.Context, args []string) (any, error)

// Mux routes requests by command name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

func (m *Mux) Handle(cmd string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[cmd] = fn
}

func (m *Mux) Commands() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.handlers))
	for cmd := range m.handlers {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) serve(ctx context.Context, req Request) Reply {
	m.mu.RLock()
	fn, ok := m.handlers[req.Cmd]
	m.mu.RUnlock()

	if !ok {
		return Reply{Error: fmt.Sprintf("%v: %q", ErrUnknownCommand, req.Cmd)}
	}

	res, err := fn(ctx, req.Args)
	if err != nil {
		return Reply{Error: err.Error()}
	}

	rep := Reply{OK: true}
	if res != nil {
		data, err := json.Marshal(res)
		if err != nil {
			return Reply{Error: fmt.Sprintf("encode reply: %v", err)}
		}
		rep.Data = data
	}
	return rep
}

type Server struct {
	path string
	ln   net.Listener
	mux  *Mux

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen binds the unix socket at path, replacing a stale one, and starts
// serving.
func Listen(path string, mux *Mux) (*Server, error) {
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{path: path, ln: ln, mux: mux, ctx: ctx, cancel: cancel}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("Failed to accept control connection", "err", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		log.Debug("Bad control request", "err", err)
		json.NewEncoder(conn).Encode(Reply{Error: "bad request"})
		return
	}

	log.Debug("Control request", "cmd", req.Cmd, "args", req.Args)

	ctx, cancel := context.WithTimeout(s.ctx, DefaultTimeout)
	defer cancel()

	if err := json.NewEncoder(conn).Encode(s.mux.serve(ctx, req)); err != nil {
		log.Debug("Failed to write control reply", "err", err)
	}
}

// Close stops accepting, waits for in-flight requests and removes the socket.
func (s *Server) Close() error {
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	os.Remove(s.path)
	return err
}

// Call sends one command to the daemon listening on path and decodes the
// reply data into res when res is non-nil.
func Call(ctx context.Context, path string, res any, cmd string, args ...string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if err := json.NewEncoder(conn).Encode(Request{Cmd: cmd, Args: args}); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}

	var rep Reply
	if err := json.NewDecoder(conn).Decode(&rep); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if !rep.OK {
		return &RemoteError{Cmd: cmd, Message: rep.Error}
	}

	if res != nil && len(rep.Data) > 0 {
		if err := json.Unmarshal(rep.Data, res); err != nil {
			return fmt.Errorf("decode %s reply: %w", cmd, err)
		}
	}
	return nil
}
