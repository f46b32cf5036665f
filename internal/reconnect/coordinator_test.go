package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/floegence/redeven-stream/internal/streamevent"
	"github.com/floegence/redeven-stream/internal/streamtest"
	"github.com/floegence/redeven-stream/internal/subscription"
)

func TestPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Fatalf("Delay(%d)=%v, want %v", attempt, got, w)
		}
	}
	if got := p.Delay(-1); got != time.Second {
		t.Fatalf("Delay(-1)=%v, want 1s", got)
	}
}

func TestStep_FailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	s, eff := Step(p, Snapshot{State: StateIdle}, Subscribed{SessionID: "s1", MessageID: "m1", ResumeFrom: 3})
	if eff.Kind != EffectOpen || eff.Cursor != 3 || s.State != StateConnected {
		t.Fatalf("subscribe: state=%s effect=%+v", s.State, eff)
	}

	boom := errors.New("boom")
	var delays []time.Duration
	for i := 0; i < p.MaxAttempts; i++ {
		s, eff = Step(p, s, TransportFailed{Err: boom})
		if eff.Kind != EffectSchedule {
			t.Fatalf("failure %d: effect=%+v, want schedule", i+1, eff)
		}
		delays = append(delays, eff.Delay)
		if s.State != StateReconnecting {
			t.Fatalf("failure %d: state=%s", i+1, s.State)
		}
		// A second drop report before the timer fires is ignored.
		if _, again := Step(p, s, TransportFailed{Err: boom}); again.Kind != EffectNone {
			t.Fatalf("duplicate drop effect=%+v", again)
		}
		s, eff = Step(p, s, ReopenDue{})
		if eff.Kind != EffectReopen || eff.Cursor != 3 {
			t.Fatalf("reopen %d: effect=%+v", i+1, eff)
		}
	}
	s, eff = Step(p, s, TransportFailed{Err: boom})
	if eff.Kind != EffectFail || s.State != StateFailed {
		t.Fatalf("final: state=%s effect=%+v", s.State, eff)
	}
	if !errors.Is(s.Err, ErrRetriesExhausted) || !errors.Is(s.Err, boom) {
		t.Fatalf("Err=%v", s.Err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays=%v, want %v", delays, want)
		}
	}

	// Failed is terminal until the next Subscribe.
	if next, eff := Step(p, s, ReopenDue{}); eff.Kind != EffectNone || next.State != StateFailed {
		t.Fatalf("reopen after failure: state=%s effect=%+v", next.State, eff)
	}
}

func TestStep_EventResetsAttempts(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	s, _ := Step(p, Snapshot{}, Subscribed{SessionID: "s1", MessageID: "m1"})
	s, _ = Step(p, s, TransportFailed{Err: errors.New("x")})
	s, _ = Step(p, s, ReopenDue{})
	s, _ = Step(p, s, TransportFailed{Err: errors.New("x")})
	if s.Attempt != 2 {
		t.Fatalf("Attempt=%d, want 2", s.Attempt)
	}
	s, _ = Step(p, s, ReopenDue{})
	s, _ = Step(p, s, EventReceived{Sequence: 9})
	if s.Attempt != 0 || s.State != StateConnected || s.ResumeCursor != 9 {
		t.Fatalf("after event: %+v", s)
	}
	s, _ = Step(p, s, EventReceived{Sequence: 4})
	if s.ResumeCursor != 9 {
		t.Fatalf("ResumeCursor=%d, want 9", s.ResumeCursor)
	}
	s, eff := Step(p, s, TransportFailed{Err: errors.New("x")})
	if eff.Delay != time.Second || eff.Cursor != 9 {
		t.Fatalf("effect=%+v, want 1s at cursor 9", eff)
	}
	s, eff = Step(p, s, Unsubscribed{})
	if s.State != StateIdle || eff.Kind != EffectClose {
		t.Fatalf("unsubscribe: state=%s effect=%+v", s.State, eff)
	}
}

// manualClock records scheduled reopens and fires them on demand.
type manualClock struct {
	mu     sync.Mutex
	delays []time.Duration
	due    chan func()
}

func newManualClock() *manualClock { return &manualClock{due: make(chan func(), 16)} }

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	c.due <- f
	return manualTimer{}
}

func (c *manualClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type stateLog struct {
	ch chan Snapshot
}

func (l *stateLog) await(t *testing.T, want State) Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-l.ch:
			if s.State == want {
				return s
			}
		case <-deadline:
			t.Fatalf("state %s not reached", want)
			return Snapshot{}
		}
	}
}

func TestCoordinator_GivesUpAfterFiveReopens(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		dials []int64
	)
	dialer := subscription.DialerFunc(func(_ context.Context, tg subscription.Target) (subscription.Conn, error) {
		mu.Lock()
		dials = append(dials, tg.ResumeFrom)
		mu.Unlock()
		return nil, errors.New("connection refused")
	})
	clock := newManualClock()
	states := &stateLog{ch: make(chan Snapshot, 64)}
	c, err := New(Options{
		Dialer:        dialer,
		AfterFunc:     clock.AfterFunc,
		OnStateChange: func(s Snapshot) { states.ch <- s },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Subscribe(context.Background(), "s1", "m1", 7); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < DefaultMaxAttempts; i++ {
		select {
		case f := <-clock.due:
			f()
		case <-time.After(3 * time.Second):
			t.Fatalf("reopen %d never scheduled", i+1)
		}
	}
	failed := states.await(t, StateFailed)
	if !errors.Is(failed.Err, ErrRetriesExhausted) {
		t.Fatalf("Err=%v, want ErrRetriesExhausted", failed.Err)
	}
	if !errors.Is(c.Err(), ErrRetriesExhausted) {
		t.Fatalf("c.Err()=%v", c.Err())
	}

	select {
	case <-clock.due:
		t.Fatalf("reopen scheduled after failure")
	case <-time.After(50 * time.Millisecond):
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	got := clock.Delays()
	if len(got) != len(want) {
		t.Fatalf("delays=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delays=%v, want %v", got, want)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dials) != 6 {
		t.Fatalf("dials=%d, want 6", len(dials))
	}
	for i, cur := range dials {
		if cur != 7 {
			t.Fatalf("dial %d cursor=%d, want 7", i, cur)
		}
	}
}

func TestCoordinator_ResumesFromLastEvent(t *testing.T) {
	t.Parallel()

	srv := streamtest.NewServer(t)
	st := srv.Stream("s1", "m1")
	st.Emit(streamevent.MessageStart{})
	st.Emit(streamevent.TextDelta{Delta: "a"})

	events := make(chan streamevent.Event, 32)
	clock := newManualClock()
	c, err := New(Options{
		Dialer:    &subscription.SSEDialer{BaseURL: srv.URL},
		AfterFunc: clock.AfterFunc,
		OnEvent:   func(ev streamevent.Event) { events <- ev },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Unsubscribe()

	if err := c.Subscribe(context.Background(), "s1", "m1", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for want := int64(1); want <= 2; want++ {
		select {
		case ev := <-events:
			if ev.Sequence != want {
				t.Fatalf("Sequence=%d, want %d", ev.Sequence, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("event %d not delivered", want)
		}
	}

	st.Drop()
	var reopen func()
	select {
	case reopen = <-clock.due:
	case <-time.After(3 * time.Second):
		t.Fatalf("reopen not scheduled after drop")
	}
	if s := c.Snapshot(); s.State != StateReconnecting || s.ResumeCursor != 2 {
		t.Fatalf("snapshot=%+v", s)
	}
	st.Emit(streamevent.TextDelta{Delta: "b"})
	reopen()

	select {
	case ev := <-events:
		if ev.Sequence != 3 {
			t.Fatalf("after reopen Sequence=%d, want 3", ev.Sequence)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no event after reopen")
	}
	if s := c.Snapshot(); s.State != StateConnected || s.Attempt != 0 {
		t.Fatalf("snapshot=%+v", s)
	}

	conns := srv.Connects()
	if len(conns) != 2 || conns[1].LastID != 2 {
		t.Fatalf("connects=%+v", conns)
	}
}

func TestCoordinator_UnsubscribeFromAnyState(t *testing.T) {
	t.Parallel()

	dialer := subscription.DialerFunc(func(context.Context, subscription.Target) (subscription.Conn, error) {
		return nil, errors.New("down")
	})
	clock := newManualClock()
	c, err := New(Options{Dialer: dialer, AfterFunc: clock.AfterFunc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Idle.
	c.Unsubscribe()
	if s := c.Snapshot(); s.State != StateIdle {
		t.Fatalf("state=%s, want idle", s.State)
	}

	// Reconnecting with a pending timer.
	if err := c.Subscribe(context.Background(), "s1", "m1", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	var reopen func()
	select {
	case reopen = <-clock.due:
	case <-time.After(3 * time.Second):
		t.Fatalf("reopen not scheduled")
	}
	c.Unsubscribe()
	if s := c.Snapshot(); s.State != StateIdle {
		t.Fatalf("state=%s, want idle", s.State)
	}

	// A timer that fires after Unsubscribe does nothing.
	reopen()
	select {
	case <-clock.due:
		t.Fatalf("stale timer scheduled another reopen")
	case <-time.After(50 * time.Millisecond):
	}
	if s := c.Snapshot(); s.State != StateIdle {
		t.Fatalf("state=%s after stale timer, want idle", s.State)
	}
}

func TestNew_RequiresDialer(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatalf("New without dialer err=nil")
	}
}
