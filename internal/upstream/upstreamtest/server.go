// Package upstreamtest provides an in-process fake of the realtime provider's
// websocket endpoint for tests.
package upstreamtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one client event received by the fake provider.
type Frame struct {
	Conn  int
	Type  string
	Audio string
	Raw   json.RawMessage
}

type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader
	release  chan struct{}

	mu          sync.Mutex
	rejectCode  int
	hang        bool
	mute        bool
	conns       map[int]*websocket.Conn
	nextConn    int
	frames      []Frame
	lastHeaders http.Header
	lastQuery   string
	changed     chan struct{}
}

func NewServer() *Server {
	s := &Server{
		release: make(chan struct{}),
		conns:   make(map[int]*websocket.Conn),
		changed: make(chan struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the ws:// endpoint of the fake provider.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Reject makes subsequent handshakes fail with the given HTTP status.
func (s *Server) Reject(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectCode = status
}

// Hang makes subsequent handshakes block until the client gives up.
func (s *Server) Hang(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang = v
}

// Mute stops the server from answering pings, as a stalled peer would.
func (s *Server) Mute(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mute = v
}

func (s *Server) muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mute
}

func (s *Server) Close() {
	close(s.release)
	s.DropAll()
	s.Server.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject, hang := s.rejectCode, s.hang
	s.lastHeaders = r.Header.Clone()
	s.lastQuery = r.URL.RawQuery
	s.mu.Unlock()

	if reject != 0 {
		http.Error(w, "rejected", reject)
		return
	}
	if hang {
		select {
		case <-r.Context().Done():
		case <-s.release:
		}
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetPingHandler(func(data string) error {
		if s.muted() {
			return nil
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	s.mu.Lock()
	s.nextConn++
	id := s.nextConn
	s.conns[id] = conn
	s.notifyLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.notifyLocked()
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var head struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
		}
		_ = json.Unmarshal(data, &head)
		s.mu.Lock()
		s.frames = append(s.frames, Frame{Conn: id, Type: head.Type, Audio: head.Audio, Raw: append(json.RawMessage(nil), data...)})
		s.notifyLocked()
		s.mu.Unlock()
	}
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Frames returns a copy of every frame received so far.
func (s *Server) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Types returns the event types received so far, in order, optionally
// skipping session.update frames.
func (s *Server) Types(skipSessionUpdate bool) []string {
	frames := s.Frames()
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		if skipSessionUpdate && f.Type == "session.update" {
			continue
		}
		out = append(out, f.Type)
	}
	return out
}

// OpenConns reports how many provider sockets are currently open.
func (s *Server) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders.Clone()
}

func (s *Server) LastQuery() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

// WaitFor blocks until cond holds or timeout elapses, returning the final
// result of cond.
func (s *Server) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		ch := s.changed
		s.mu.Unlock()
		if cond() {
			return true
		}
		select {
		case <-ch:
		case <-deadline:
			return cond()
		}
	}
}

// WaitForFrames waits until at least n frames have been received.
func (s *Server) WaitForFrames(n int, timeout time.Duration) []Frame {
	s.WaitFor(timeout, func() bool { return len(s.Frames()) >= n })
	return s.Frames()
}

// Push sends a raw provider event to every open socket.
func (s *Server) Push(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(event))
	}
}

// DropAll closes every provider socket from the server side.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
