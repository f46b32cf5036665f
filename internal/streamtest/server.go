// Package streamtest is an in-process fake of the message API used by tests:
// submit, status check and the per-message event stream over SSE and WebSocket.
package streamtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/floegence/redeven-stream/internal/message"
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

// Connect records one stream connection attempt.
type Connect struct {
	Transport   string
	SessionID   string
	MessageID   string
	LastID      int64
	LastEventID string
	Rejected    bool
}

// SubmitFunc decides the response to a submit call. body is the raw request body.
type SubmitFunc func(sessionID string, body []byte) (status int, resp any)

type Server struct {
	URL string
	// Token, when set, is required as a bearer token on every request.
	Token string
	// Submit overrides the default submit behaviour, which accepts the message
	// and opens a stream for a new assistant message.
	Submit SubmitFunc

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	streams     map[string]*Stream
	connects    []Connect
	statusCalls int
	submits     int
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		streams:  map[string]*Stream{},
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions/{session}/messages", s.handleSubmit)
	mux.HandleFunc("GET /api/sessions/{session}/messages/{message}/status", s.handleStatus)
	mux.HandleFunc("GET /api/sessions/{session}/messages/{message}/stream", s.handleSSE)
	mux.HandleFunc("GET /api/sessions/{session}/messages/{message}/stream/ws", s.handleWS)
	s.srv = httptest.NewServer(s.auth(mux))
	s.URL = s.srv.URL
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Close() {
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.Drop()
	}
	s.srv.CloseClientConnections()
	s.srv.Close()
}

// Stream returns the stream for messageID, creating it if needed.
func (s *Server) Stream(sessionID string, messageID string) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamLocked(sessionID, messageID)
}

func (s *Server) streamLocked(sessionID string, messageID string) *Stream {
	if st, ok := s.streams[messageID]; ok {
		return st
	}
	st := &Stream{
		sessionID: sessionID,
		messageID: messageID,
		status:    message.StatusProcessing,
		subs:      map[int]chan []byte{},
	}
	s.streams[messageID] = st
	return st
}

func (s *Server) lookup(messageID string) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[messageID]
}

func (s *Server) Connects() []Connect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Connect(nil), s.connects...)
}

// AwaitConnects waits until at least n connection attempts were recorded.
func (s *Server) AwaitConnects(n int, timeout time.Duration) ([]Connect, bool) {
	deadline := time.Now().Add(timeout)
	for {
		got := s.Connects()
		if len(got) >= n {
			return got, true
		}
		if time.Now().After(deadline) {
			return got, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// SetSubmit replaces the submit behaviour of a server that is already
// serving requests.
func (s *Server) SetSubmit(fn SubmitFunc) {
	s.mu.Lock()
	s.Submit = fn
	s.mu.Unlock()
}

func (s *Server) StatusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls
}

func (s *Server) Submits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := strings.TrimSpace(s.Token); tok != "" {
			if r.Header.Get("Authorization") != "Bearer "+tok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.submits++
	n := s.submits
	submit := s.Submit
	s.mu.Unlock()

	if submit != nil {
		status, resp := submit(sessionID, body)
		writeJSON(w, status, resp)
		return
	}
	assistantID := fmt.Sprintf("asst_%d", n)
	s.Stream(sessionID, assistantID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id":           fmt.Sprintf("msg_%d", n),
		"assistant_message_id": assistantID,
		"session_id":           sessionID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.statusCalls++
	st := s.streams[r.PathValue("message")]
	s.mu.Unlock()
	if st == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	// The status body is the message snapshot with a status field added.
	status, final := st.snapshot()
	snap := message.New(st.sessionID, st.messageID, time.Time{})
	if final != nil {
		snap = *final
	}
	resp := map[string]any{}
	if b, err := json.Marshal(snap); err == nil {
		_ = json.Unmarshal(b, &resp)
	}
	resp["status"] = status
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) record(c Connect) {
	s.mu.Lock()
	s.connects = append(s.connects, c)
	s.mu.Unlock()
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	c := Connect{
		Transport:   TransportSSE,
		SessionID:   r.PathValue("session"),
		MessageID:   r.PathValue("message"),
		LastID:      parseLastID(r),
		LastEventID: r.Header.Get("Last-Event-ID"),
	}
	st := s.lookup(c.MessageID)
	if st == nil {
		s.record(c)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if st.takeReject() {
		c.Rejected = true
		s.record(c)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.record(c)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	backlog, ch, id := st.attach(c.LastID)
	defer st.detach(id)

	write := func(frame []byte) bool {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	for _, f := range backlog {
		if !write(f) {
			return
		}
	}
	if ch == nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-ch:
			if !ok || !write(f) {
				return
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c := Connect{
		Transport: TransportWebSocket,
		SessionID: r.PathValue("session"),
		MessageID: r.PathValue("message"),
		LastID:    parseLastID(r),
	}
	st := s.lookup(c.MessageID)
	if st == nil {
		s.record(c)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if st.takeReject() {
		c.Rejected = true
		s.record(c)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.record(c)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	backlog, ch, id := st.attach(c.LastID)
	defer st.detach(id)

	// Drain client frames so close handshakes are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, f := range backlog {
		if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
			return
		}
	}
	if ch == nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
		}
	}
}

func parseLastID(r *http.Request) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("last_id")), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
