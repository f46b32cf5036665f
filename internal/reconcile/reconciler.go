package reconcile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/floegence/redeven-stream/internal/message"
	"github.com/floegence/redeven-stream/internal/streamevent"
)

// ReconciliationError wraps a failure to fold one event into an aggregate.
type ReconciliationError struct {
	EventType streamevent.EventType
	Sequence  int64
	Err       error
}

func (e *ReconciliationError) Error() string {
	if e == nil {
		return "reconciliation failed"
	}
	return fmt.Sprintf("reconcile %s (sequence %d): %v", e.EventType, e.Sequence, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// FailureFunc receives events that could not be applied.
type FailureFunc func(ev streamevent.Event, err error)

type Options struct {
	Logger    *slog.Logger
	OnFailure FailureFunc
	// Now stamps events that arrive without a timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Reconciler applies events and never fails: an event that cannot be applied is
// reported to OnFailure and leaves the aggregate at its pre-event value.
type Reconciler struct {
	log       *slog.Logger
	onFailure FailureFunc
	now       func() time.Time
}

func New(opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{log: logger, onFailure: opts.OnFailure, now: now}
}

func (r *Reconciler) Apply(agg message.Aggregate, ev streamevent.Event) (out message.Aggregate) {
	defer func() {
		if rec := recover(); rec != nil {
			r.fail(ev, &ReconciliationError{EventType: ev.Type, Sequence: ev.Sequence, Err: fmt.Errorf("panic: %v", rec)})
			out = agg
		}
	}()

	next, err := Apply(agg, ev, r.now())
	if err == nil {
		return next
	}
	if errors.Is(err, ErrStale) {
		r.log.Debug("stream event ignored",
			"message_id", agg.MessageID,
			"event_type", ev.Type,
			"sequence", ev.Sequence,
			"reason", err.Error(),
		)
		return agg
	}
	r.fail(ev, &ReconciliationError{EventType: ev.Type, Sequence: ev.Sequence, Err: err})
	return agg
}

func (r *Reconciler) fail(ev streamevent.Event, err error) {
	r.log.Warn("stream event skipped",
		"message_id", ev.MessageID,
		"event_type", ev.Type,
		"sequence", ev.Sequence,
		"error", err,
	)
	if r.onFailure != nil {
		r.onFailure(ev, err)
	}
}
