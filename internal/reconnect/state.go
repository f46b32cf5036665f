package reconnect

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

type State string

const (
	StateIdle         State = "idle"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Snapshot is the coordinator's state. It is a plain value; Step derives the
// next one.
type Snapshot struct {
	State State
	// Attempt counts reopens since the last event was received.
	Attempt      int
	ResumeCursor int64
	SessionID    string
	MessageID    string
	// Scheduled is true while a reopen timer is pending.
	Scheduled bool
	Err       error
}

// Input is one of Subscribed, EventReceived, TransportFailed, ReopenDue, Unsubscribed.
type Input interface{ isInput() }

type Subscribed struct {
	SessionID  string
	MessageID  string
	ResumeFrom int64
}

type EventReceived struct{ Sequence int64 }

type TransportFailed struct{ Err error }

type ReopenDue struct{}

type Unsubscribed struct{}

func (Subscribed) isInput()      {}
func (EventReceived) isInput()   {}
func (TransportFailed) isInput() {}
func (ReopenDue) isInput()       {}
func (Unsubscribed) isInput()    {}

type EffectKind int

const (
	EffectNone EffectKind = iota
	// EffectOpen opens a fresh subscription at Cursor.
	EffectOpen
	// EffectSchedule arms a timer that delivers ReopenDue after Delay.
	EffectSchedule
	// EffectReopen reconnects the existing subscription at Cursor.
	EffectReopen
	EffectFail
	EffectClose
)

type Effect struct {
	Kind   EffectKind
	Delay  time.Duration
	Cursor int64
}

// Step is the reconnection state machine. It has no side effects; the returned
// Effect tells the caller what to do.
func Step(p Policy, s Snapshot, in Input) (Snapshot, Effect) {
	switch in := in.(type) {
	case Subscribed:
		cursor := in.ResumeFrom
		if cursor < 0 {
			cursor = 0
		}
		next := Snapshot{
			State:        StateConnected,
			ResumeCursor: cursor,
			SessionID:    strings.TrimSpace(in.SessionID),
			MessageID:    strings.TrimSpace(in.MessageID),
		}
		return next, Effect{Kind: EffectOpen, Cursor: cursor}

	case EventReceived:
		if s.State == StateIdle || s.State == StateFailed {
			return s, Effect{}
		}
		s.State = StateConnected
		s.Attempt = 0
		s.Err = nil
		if in.Sequence > s.ResumeCursor {
			s.ResumeCursor = in.Sequence
		}
		return s, Effect{}

	case TransportFailed:
		if s.State == StateIdle || s.State == StateFailed || s.Scheduled {
			return s, Effect{}
		}
		b := backoff{policy: p, attempt: s.Attempt}
		d, ok := b.Next()
		if !ok {
			s.State = StateFailed
			s.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.Attempt, in.Err)
			return s, Effect{Kind: EffectFail}
		}
		s.Attempt = b.attempt
		s.State = StateReconnecting
		s.Scheduled = true
		s.Err = in.Err
		return s, Effect{Kind: EffectSchedule, Delay: d, Cursor: s.ResumeCursor}

	case ReopenDue:
		if s.State != StateReconnecting || !s.Scheduled {
			return s, Effect{}
		}
		s.Scheduled = false
		return s, Effect{Kind: EffectReopen, Cursor: s.ResumeCursor}

	case Unsubscribed:
		return Snapshot{State: StateIdle}, Effect{Kind: EffectClose}
	}
	return s, Effect{}
}
