// Package sender runs the request/response half of a reply: submit the user
// message, short-circuit when the reply is already finished, otherwise stream
// it into the aggregate store until it ends.
//
// A session has at most one live stream. Send and Follow tear down whatever
// the session was streaming before.
package sender

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/redeven-stream/internal/aggstore"
	"github.com/floegence/redeven-stream/internal/apiclient"
	"github.com/floegence/redeven-stream/internal/message"
	"github.com/floegence/redeven-stream/internal/reconcile"
	"github.com/floegence/redeven-stream/internal/reconnect"
	"github.com/floegence/redeven-stream/internal/streamevent"
	"github.com/floegence/redeven-stream/internal/subscription"
)

// API is the subset of apiclient.Client the coordinator uses.
type API interface {
	SubmitMessage(ctx context.Context, req apiclient.SubmitRequest) (apiclient.SubmitResponse, error)
	GetMessageStatus(ctx context.Context, sessionID string, messageID string) (apiclient.MessageStatus, error)
}

type Options struct {
	API    API
	Dialer subscription.Dialer
	Store  *aggstore.Store
	Logger *slog.Logger

	Policy             reconnect.Policy
	IdleTimeout        time.Duration
	ToolIndicatorClear time.Duration

	OnToolActivity func(sessionID string, act reconcile.ToolActivity, active bool)
	OnStateChange  func(sessionID string, s reconnect.Snapshot)
	OnFailure      reconcile.FailureFunc
	// OnMalformed sees frames that could not be decoded. They are skipped.
	OnMalformed func(sessionID string, err error)

	Now       func() time.Time
	AfterFunc reconnect.AfterFunc
}

type SendRequest struct {
	SessionID      string
	Content        []apiclient.Part
	Attachments    []string
	IncludeHistory bool
}

type Coordinator struct {
	api        API
	dialer     subscription.Dialer
	store      *aggstore.Store
	log        *slog.Logger
	reconciler *reconcile.Reconciler
	now        func() time.Time
	opts       Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	id    string
	rc    *reconnect.Coordinator
	tools *reconcile.ToolIndicator

	mu  sync.Mutex
	cur *run
}

// run tracks one message from Send or Follow until it is done. A Send run
// starts under the provisional local id and is renamed once the server assigns
// the reply id.
type run struct {
	done chan struct{}
	once sync.Once
	err  error

	mu        sync.Mutex
	messageID string
}

func newRun(messageID string) *run {
	return &run{messageID: messageID, done: make(chan struct{})}
}

func (r *run) id() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messageID
}

func (r *run) rename(messageID string) {
	r.mu.Lock()
	r.messageID = messageID
	r.mu.Unlock()
}

func (r *run) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func New(opts Options) (*Coordinator, error) {
	if opts.API == nil {
		return nil, errors.New("missing api client")
	}
	if opts.Dialer == nil {
		return nil, errors.New("missing dialer")
	}
	if opts.Store == nil {
		return nil, errors.New("missing aggregate store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		api:    opts.API,
		dialer: opts.Dialer,
		store:  opts.Store,
		log:    logger,
		reconciler: reconcile.New(reconcile.Options{
			Logger:    logger,
			OnFailure: opts.OnFailure,
			Now:       now,
		}),
		now:      now,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*session{},
	}, nil
}

// Send submits a user message and starts reconciling the reply. It returns the
// id under which the reply aggregate is stored. The stream itself runs in the
// background; use Wait to block until the reply is done.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (string, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return "", errors.New("missing session id")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sess, err := c.session(sessionID)
	if err != nil {
		return "", err
	}
	c.stop(sess, ErrCancelled)

	localID := "local_" + uuid.NewString()
	agg := message.New(sessionID, localID, c.now())
	agg.IsStreaming = true
	c.store.Put(agg)
	r := c.begin(sess, localID)

	resp, err := c.api.SubmitMessage(ctx, apiclient.SubmitRequest{
		SessionID:       sessionID,
		Content:         req.Content,
		Attachments:     req.Attachments,
		IncludeHistory:  req.IncludeHistory,
		ClientMessageID: localID,
	})
	if err != nil {
		c.store.Update(localID, func(a message.Aggregate) message.Aggregate {
			a.IsStreaming = false
			a.Error = &message.ErrorInfo{Kind: message.ErrorKindSubmit, Message: err.Error()}
			a.UpdatedAt = c.now()
			return a
		})
		c.log.Warn("submit message failed", "session_id", sessionID, "error", err)
		serr := &SubmitError{SessionID: sessionID, Err: err}
		r.finish(serr)
		return localID, serr
	}

	if resp.AssistantMessageID == "" {
		c.store.Update(localID, func(a message.Aggregate) message.Aggregate {
			a.IsStreaming = false
			a.IsComplete = true
			a.UpdatedAt = c.now()
			return a
		})
		c.log.Info("message submitted; no reply expected", "session_id", sessionID, "user_message_id", resp.MessageID)
		r.finish(nil)
		return localID, nil
	}

	msgID := resp.AssistantMessageID
	c.store.Rename(localID, msgID)
	r.rename(msgID)
	select {
	case <-r.done:
		// Cancelled while the submit was in flight.
		return msgID, r.err
	default:
	}
	c.log.Info("message submitted", "session_id", sessionID, "user_message_id", resp.MessageID, "message_id", msgID)

	st, err := c.api.GetMessageStatus(ctx, sessionID, msgID)
	switch {
	case err != nil:
		c.log.Warn("status check failed; subscribing", "session_id", sessionID, "message_id", msgID, "error", err)
	case st.Terminal():
		c.finalizeFromStatus(sess, r, st)
		return msgID, nil
	}

	if err := sess.rc.Subscribe(c.ctx, sessionID, msgID, 0); err != nil {
		c.failRun(sess, r, message.ErrorKindTransport, err)
		return msgID, err
	}
	return msgID, nil
}

// Follow attaches to a reply that is already being produced, resuming after
// resumeFrom or after what the store already holds, whichever is later.
func (c *Coordinator) Follow(ctx context.Context, sessionID string, messageID string, resumeFrom int64) error {
	sessionID = strings.TrimSpace(sessionID)
	messageID = strings.TrimSpace(messageID)
	if sessionID == "" || messageID == "" {
		return errors.New("invalid request")
	}
	sess, err := c.session(sessionID)
	if err != nil {
		return err
	}
	c.stop(sess, ErrCancelled)

	agg, ok := c.store.Get(messageID)
	if !ok {
		agg = message.New(sessionID, messageID, c.now())
		agg.IsStreaming = true
		c.store.Put(agg)
	}
	r := c.begin(sess, messageID)
	if agg.Done() {
		r.finish(nil)
		return nil
	}
	if agg.LastSequence > resumeFrom {
		resumeFrom = agg.LastSequence
	}
	if ctx != nil && ctx.Err() != nil {
		c.failRun(sess, r, message.ErrorKindTransport, ctx.Err())
		return ctx.Err()
	}
	if err := sess.rc.Subscribe(c.ctx, sessionID, messageID, resumeFrom); err != nil {
		c.failRun(sess, r, message.ErrorKindTransport, err)
		return err
	}
	return nil
}

// Wait blocks until the session's current message is done and returns its
// final aggregate. The error is nil for a normal end, a *ServerSignaledError
// for an error event, or the reconnect failure.
func (c *Coordinator) Wait(ctx context.Context, sessionID string) (message.Aggregate, error) {
	sess := c.lookup(sessionID)
	if sess == nil {
		return message.Aggregate{}, ErrUnknownSession
	}
	r := sess.current()
	if r == nil {
		return message.Aggregate{}, ErrNothingRunning
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return message.Aggregate{}, ctx.Err()
	case <-r.done:
	}
	agg, _ := c.store.Get(r.id())
	return agg, r.err
}

// Cancel stops streaming for a session. The partial aggregate stays in the store.
func (c *Coordinator) Cancel(sessionID string) {
	sess := c.lookup(sessionID)
	if sess == nil {
		return
	}
	c.stop(sess, ErrCancelled)
}

func (c *Coordinator) ToolActivity(sessionID string) (reconcile.ToolActivity, bool) {
	sess := c.lookup(sessionID)
	if sess == nil {
		return reconcile.ToolActivity{}, false
	}
	return sess.tools.Current()
}

// Connection returns the reconnect state of a session's stream.
func (c *Coordinator) Connection(sessionID string) reconnect.Snapshot {
	sess := c.lookup(sessionID)
	if sess == nil {
		return reconnect.Snapshot{State: reconnect.StateIdle}
	}
	return sess.rc.Snapshot()
}

func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		c.stop(s, ErrClosed)
	}
	c.cancel()
	return nil
}

func (c *Coordinator) lookup(sessionID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[strings.TrimSpace(sessionID)]
}

func (c *Coordinator) session(sessionID string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if s, ok := c.sessions[sessionID]; ok {
		return s, nil
	}

	s := &session{id: sessionID}
	s.tools = reconcile.NewToolIndicator(c.opts.ToolIndicatorClear, func(act reconcile.ToolActivity, active bool) {
		if c.opts.OnToolActivity != nil {
			c.opts.OnToolActivity(sessionID, act, active)
		}
	})
	rc, err := reconnect.New(reconnect.Options{
		Dialer:      c.dialer,
		Policy:      c.opts.Policy,
		Logger:      c.log.With("session_id", sessionID),
		IdleTimeout: c.opts.IdleTimeout,
		OnEvent:     func(ev streamevent.Event) { c.onEvent(s, ev) },
		OnMalformed: func(err error) {
			c.log.Debug("malformed stream frame", "session_id", sessionID, "error", err)
			if c.opts.OnMalformed != nil {
				c.opts.OnMalformed(sessionID, err)
			}
		},
		OnStateChange: func(snap reconnect.Snapshot) { c.onStateChange(s, snap) },
		AfterFunc:     c.opts.AfterFunc,
	})
	if err != nil {
		return nil, err
	}
	s.rc = rc
	c.sessions[sessionID] = s
	return s, nil
}

func (s *session) current() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (c *Coordinator) begin(s *session, messageID string) *run {
	r := newRun(messageID)
	s.mu.Lock()
	s.cur = r
	s.mu.Unlock()
	return r
}

// stop tears down the session's stream and ends its current run with reason.
func (c *Coordinator) stop(s *session, reason error) {
	s.rc.Unsubscribe()
	s.tools.Stop()

	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	c.store.Update(r.id(), func(a message.Aggregate) message.Aggregate {
		a.IsStreaming = false
		return a
	})
	r.finish(reason)
}

func (c *Coordinator) onEvent(s *session, ev streamevent.Event) {
	s.tools.Observe(ev)

	r := s.current()
	if r == nil {
		return
	}
	agg, ok := c.store.Update(r.id(), func(a message.Aggregate) message.Aggregate {
		return c.reconciler.Apply(a, ev)
	})
	if !ok {
		c.log.Warn("stream event for unknown message", "session_id", s.id, "message_id", r.id(), "event_type", ev.Type)
		return
	}
	if !ev.Type.IsTerminal() && !agg.Done() {
		return
	}

	s.rc.Unsubscribe()
	s.tools.Stop()
	var err error
	if agg.Error != nil && agg.Error.Kind == message.ErrorKindServer {
		err = &ServerSignaledError{MessageID: r.id(), Code: agg.Error.Code, Message: agg.Error.Message}
	}
	c.log.Info("message finished",
		"session_id", s.id,
		"message_id", r.id(),
		"last_sequence", agg.LastSequence,
		"error", err,
	)
	r.finish(err)
}

func (c *Coordinator) onStateChange(s *session, snap reconnect.Snapshot) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s.id, snap)
	}
	if snap.State != reconnect.StateFailed {
		return
	}
	r := s.current()
	if r == nil || r.id() != snap.MessageID {
		return
	}
	err := snap.Err
	if err == nil {
		err = reconnect.ErrRetriesExhausted
	}
	c.failRun(s, r, message.ErrorKindTransport, err)
}

func (c *Coordinator) failRun(s *session, r *run, kind message.ErrorKind, err error) {
	c.store.Update(r.id(), func(a message.Aggregate) message.Aggregate {
		if a.Done() {
			return a
		}
		a.IsStreaming = false
		a.Error = &message.ErrorInfo{Kind: kind, Message: err.Error()}
		a.UpdatedAt = c.now()
		return a
	})
	s.tools.Stop()
	c.log.Warn("message stream failed", "session_id", s.id, "message_id", r.id(), "error", err)
	r.finish(err)
}

func (c *Coordinator) finalizeFromStatus(s *session, r *run, st apiclient.MessageStatus) {
	failed := strings.EqualFold(st.Status, message.StatusFailed)
	agg, _ := c.store.Update(r.id(), func(a message.Aggregate) message.Aggregate {
		out := reconcile.Finalize(a, st.Message)
		if failed && out.Error == nil {
			out.Error = &message.ErrorInfo{Kind: message.ErrorKindServer, Code: message.StatusFailed, Message: "message failed"}
		}
		return out
	})
	var err error
	if agg.Error != nil && agg.Error.Kind == message.ErrorKindServer {
		err = &ServerSignaledError{MessageID: r.id(), Code: agg.Error.Code, Message: agg.Error.Message}
	}
	c.log.Info("message already finished; not subscribing", "session_id", s.id, "message_id", r.id(), "status", st.Status)
	r.finish(err)
}
