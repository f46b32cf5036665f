// Package subscription owns one live connection to a message's event stream.
//
// A Subscription dials, decodes frames and hands events to its Handler in
// receipt order. It never retries on its own: a dropped connection is reported
// once through OnReconnecting and OnTransportError and the owner decides when
// to call Reconnect.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/floegence/redeven-stream/internal/streamevent"
)

var (
	ErrClosed      = errors.New("subscription closed")
	ErrIdleTimeout = errors.New("stream idle timeout")
)

// Target names the stream to open. ResumeFrom is the last sequence the caller
// has already applied; the server replays everything after it.
type Target struct {
	SessionID  string
	MessageID  string
	ResumeFrom int64
}

// Cursor is the wire form of ResumeFrom.
func (t Target) Cursor() string {
	if t.ResumeFrom <= 0 {
		return "0"
	}
	return strconv.FormatInt(t.ResumeFrom, 10)
}

// Conn is one open transport. Recv blocks for the next frame. Close must
// unblock a pending Recv and be safe to call more than once.
type Conn interface {
	Recv() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, t Target) (Conn, error)
}

type DialerFunc func(ctx context.Context, t Target) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, t Target) (Conn, error) { return f(ctx, t) }

// TransportError reports a failed dial or a dropped connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "transport error"
	}
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Handler callbacks run on the connection's reader goroutine. They may call
// Close or Reconnect.
type Handler struct {
	OnEvent          func(ev streamevent.Event)
	OnReconnecting   func()
	OnTransportError func(err error)
	OnMalformed      func(err error)
}

type Options struct {
	Logger *slog.Logger
	// IdleTimeout drops the connection when no frame (pings included) arrives
	// for this long. Zero disables the watchdog.
	IdleTimeout time.Duration
}

type Subscription struct {
	dialer    Dialer
	h         Handler
	log       *slog.Logger
	idle      time.Duration
	sessionID string
	messageID string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	gen        uint64
	conn       Conn
	connCancel context.CancelFunc
	lastSeq    int64
	closed     bool
}

// Open starts connecting in the background and returns immediately.
func Open(ctx context.Context, d Dialer, t Target, h Handler, opts Options) (*Subscription, error) {
	if d == nil {
		return nil, errors.New("missing dialer")
	}
	t.SessionID = strings.TrimSpace(t.SessionID)
	t.MessageID = strings.TrimSpace(t.MessageID)
	if t.SessionID == "" || t.MessageID == "" {
		return nil, errors.New("invalid target")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		dialer:    d,
		h:         h,
		log:       logger.With("session_id", t.SessionID, "message_id", t.MessageID),
		idle:      opts.IdleTimeout,
		sessionID: t.SessionID,
		messageID: t.MessageID,
		ctx:       sctx,
		cancel:    cancel,
	}
	s.mu.Lock()
	s.startLocked(t.ResumeFrom)
	s.mu.Unlock()
	return s, nil
}

// LastSequence is the highest sequence received on any connection of this
// subscription. It never decreases.
func (s *Subscription) LastSequence() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Reconnect drops the current connection, if any, and dials again from resumeFrom.
func (s *Subscription) Reconnect(resumeFrom int64) error {
	if s == nil {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dropLocked()
	s.startLocked(resumeFrom)
	return nil
}

// Close is idempotent and does not wait for the reader goroutine, so it is safe
// to call from a Handler callback. No callbacks fire after Close returns,
// except one already in progress.
func (s *Subscription) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.dropLocked()
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *Subscription) startLocked(resumeFrom int64) {
	s.gen++
	gen := s.gen
	cctx, ccancel := context.WithCancel(s.ctx)
	s.connCancel = ccancel
	t := Target{SessionID: s.sessionID, MessageID: s.messageID, ResumeFrom: resumeFrom}
	go s.run(cctx, gen, t)
}

func (s *Subscription) dropLocked() {
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Subscription) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && gen == s.gen
}

func (s *Subscription) run(ctx context.Context, gen uint64, t Target) {
	conn, err := s.dialer.Dial(ctx, t)
	if err != nil {
		s.disconnected(gen, &TransportError{Op: "dial", Err: err})
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.log.Debug("stream connected", "resume_from", t.ResumeFrom)

	var idleFired atomic.Bool
	var watchdog *time.Timer
	if s.idle > 0 {
		watchdog = time.AfterFunc(s.idle, func() {
			idleFired.Store(true)
			_ = conn.Close()
		})
		defer watchdog.Stop()
	}

	for {
		raw, err := conn.Recv()
		if err != nil {
			if idleFired.Load() {
				err = ErrIdleTimeout
			}
			s.disconnected(gen, &TransportError{Op: "recv", Err: err})
			return
		}
		if watchdog != nil {
			watchdog.Reset(s.idle)
		}

		ev, err := streamevent.Decode(raw)
		if err != nil {
			if !s.current(gen) {
				return
			}
			s.log.Warn("stream frame dropped", "error", err)
			if s.h.OnMalformed != nil {
				s.h.OnMalformed(err)
			}
			continue
		}
		if !s.observe(gen, ev.Sequence) {
			return
		}
		if s.h.OnEvent != nil {
			s.h.OnEvent(ev)
		}
	}
}

func (s *Subscription) observe(gen uint64, seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return false
	}
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	return true
}

func (s *Subscription) disconnected(gen uint64, err error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.log.Warn("stream disconnected", "error", err)
	if s.h.OnReconnecting != nil {
		s.h.OnReconnecting()
	}
	if s.h.OnTransportError != nil {
		s.h.OnTransportError(err)
	}
}
