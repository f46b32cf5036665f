// Package reconnect keeps one message stream alive across transport drops.
//
// The Coordinator wraps a subscription.Subscription and drives it with Step:
// every drop schedules a reopen at the highest sequence seen so far, with
// exponential backoff, until Policy.MaxAttempts reopens in a row fail.
package reconnect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/floegence/redeven-stream/internal/streamevent"
	"github.com/floegence/redeven-stream/internal/subscription"
)

// Timer is the part of *time.Timer the coordinator needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Options struct {
	Dialer subscription.Dialer
	// Policy defaults to DefaultPolicy when left zero.
	Policy      Policy
	Logger      *slog.Logger
	IdleTimeout time.Duration

	// OnEvent receives every decoded event in order, on the reader goroutine.
	OnEvent       func(ev streamevent.Event)
	OnMalformed   func(err error)
	OnStateChange func(s Snapshot)

	AfterFunc AfterFunc
}

type Coordinator struct {
	dialer        subscription.Dialer
	policy        Policy
	log           *slog.Logger
	idle          time.Duration
	onEvent       func(ev streamevent.Event)
	onMalformed   func(err error)
	onStateChange func(s Snapshot)
	afterFunc     AfterFunc

	mu    sync.Mutex
	snap  Snapshot
	sub   *subscription.Subscription
	timer Timer
	// gen invalidates callbacks from subscriptions and timers of earlier Subscribe calls.
	gen uint64
}

func New(opts Options) (*Coordinator, error) {
	if opts.Dialer == nil {
		return nil, errors.New("missing dialer")
	}
	policy := opts.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	af := opts.AfterFunc
	if af == nil {
		af = realAfterFunc
	}
	return &Coordinator{
		dialer:        opts.Dialer,
		policy:        policy.normalized(),
		log:           logger,
		idle:          opts.IdleTimeout,
		onEvent:       opts.OnEvent,
		onMalformed:   opts.OnMalformed,
		onStateChange: opts.OnStateChange,
		afterFunc:     af,
		snap:          Snapshot{State: StateIdle},
	}, nil
}

// Subscribe replaces any current stream with one for messageID, resuming after
// resumeFrom.
func (c *Coordinator) Subscribe(ctx context.Context, sessionID string, messageID string, resumeFrom int64) error {
	c.Unsubscribe()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	snap, eff := Step(c.policy, c.snap, Subscribed{SessionID: sessionID, MessageID: messageID, ResumeFrom: resumeFrom})
	sub, err := subscription.Open(ctx, c.dialer, subscription.Target{
		SessionID:  snap.SessionID,
		MessageID:  snap.MessageID,
		ResumeFrom: eff.Cursor,
	}, c.handler(gen), subscription.Options{
		Logger:      c.log,
		IdleTimeout: c.idle,
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.snap = snap
	c.sub = sub
	c.mu.Unlock()

	c.log.Debug("stream subscribed", "session_id", snap.SessionID, "message_id", snap.MessageID, "resume_from", eff.Cursor)
	c.notify(snap)
	return nil
}

// Unsubscribe closes the stream and cancels any pending reopen. It is safe in
// every state and from inside OnEvent.
func (c *Coordinator) Unsubscribe() {
	c.mu.Lock()
	c.gen++
	prev := c.snap
	snap, _ := Step(c.policy, c.snap, Unsubscribed{})
	c.snap = snap
	timer := c.timer
	c.timer = nil
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if sub != nil {
		_ = sub.Close()
	}
	if prev.State != StateIdle {
		c.notify(snap)
	}
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Err is the terminal error once the coordinator reached StateFailed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.State != StateFailed {
		return nil
	}
	return c.snap.Err
}

func (c *Coordinator) handler(gen uint64) subscription.Handler {
	return subscription.Handler{
		OnEvent:          func(ev streamevent.Event) { c.onStreamEvent(gen, ev) },
		OnTransportError: func(err error) { c.onDrop(gen, err) },
		OnMalformed: func(err error) {
			if c.onMalformed != nil {
				c.onMalformed(err)
			}
		},
	}
}

func (c *Coordinator) onStreamEvent(gen uint64, ev streamevent.Event) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	prev := c.snap.State
	snap, _ := Step(c.policy, c.snap, EventReceived{Sequence: ev.Sequence})
	c.snap = snap
	c.mu.Unlock()

	if prev != snap.State {
		c.log.Info("stream reconnected", "message_id", snap.MessageID, "resume_cursor", snap.ResumeCursor)
		c.notify(snap)
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *Coordinator) onDrop(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	prev := c.snap
	snap, eff := Step(c.policy, c.snap, TransportFailed{Err: err})
	c.snap = snap
	var sub *subscription.Subscription
	switch eff.Kind {
	case EffectSchedule:
		c.timer = c.afterFunc(eff.Delay, func() { c.onReopenDue(gen) })
	case EffectFail:
		sub = c.sub
		c.sub = nil
	}
	c.mu.Unlock()

	switch eff.Kind {
	case EffectSchedule:
		c.log.Warn("stream dropped; reconnecting",
			"message_id", snap.MessageID,
			"attempt", snap.Attempt,
			"delay", eff.Delay,
			"resume_cursor", eff.Cursor,
			"error", err,
		)
	case EffectFail:
		if sub != nil {
			_ = sub.Close()
		}
		c.log.Error("stream reconnect failed", "message_id", snap.MessageID, "error", snap.Err)
	}
	if prev.State != snap.State {
		c.notify(snap)
	}
}

func (c *Coordinator) onReopenDue(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	snap, eff := Step(c.policy, c.snap, ReopenDue{})
	c.snap = snap
	sub := c.sub
	c.mu.Unlock()

	if eff.Kind != EffectReopen || sub == nil {
		return
	}
	cursor := eff.Cursor
	if seen := sub.LastSequence(); seen > cursor {
		cursor = seen
	}
	c.log.Debug("stream reopening", "message_id", snap.MessageID, "attempt", snap.Attempt, "resume_from", cursor)
	if err := sub.Reconnect(cursor); err != nil {
		c.onDrop(gen, err)
	}
}

func (c *Coordinator) notify(s Snapshot) {
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}
