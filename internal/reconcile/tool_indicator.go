package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/floegence/redeven-stream/internal/streamevent"
)

const DefaultToolIndicatorClear = 3 * time.Second

type ToolPhase string

const (
	ToolPhaseCalling ToolPhase = "calling"
	ToolPhaseResult  ToolPhase = "result"
)

// ToolActivity is the transient "a tool is running" hint shown next to a reply.
// It is not part of the aggregate and is never persisted or replayed.
type ToolActivity struct {
	ToolName   string
	ToolCallID string
	Phase      ToolPhase
	IsError    bool
	Since      time.Time
}

// ToolIndicator tracks ToolActivity for one stream. It is set by tool_call and
// tool_result events and cleared after clearAfter or on the next non-tool event.
type ToolIndicator struct {
	clearAfter time.Duration
	onChange   func(act ToolActivity, active bool)

	mu      sync.Mutex
	current *ToolActivity
	timer   *time.Timer
	gen     uint64
}

func NewToolIndicator(clearAfter time.Duration, onChange func(act ToolActivity, active bool)) *ToolIndicator {
	if clearAfter <= 0 {
		clearAfter = DefaultToolIndicatorClear
	}
	return &ToolIndicator{clearAfter: clearAfter, onChange: onChange}
}

func (t *ToolIndicator) Observe(ev streamevent.Event) {
	if t == nil {
		return
	}
	switch p := ev.Payload.(type) {
	case streamevent.ToolCall:
		t.set(ToolActivity{ToolName: strings.TrimSpace(p.ToolName), ToolCallID: p.ToolCallID, Phase: ToolPhaseCalling, Since: time.Now()})
	case streamevent.ToolResult:
		t.set(ToolActivity{ToolName: strings.TrimSpace(p.ToolName), ToolCallID: p.ToolCallID, Phase: ToolPhaseResult, IsError: p.IsError, Since: time.Now()})
	case streamevent.Ping, nil:
	default:
		t.clear(0, true)
	}
}

func (t *ToolIndicator) Current() (ToolActivity, bool) {
	if t == nil {
		return ToolActivity{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ToolActivity{}, false
	}
	return *t.current, true
}

// Stop clears the indicator without notifying.
func (t *ToolIndicator) Stop() {
	if t == nil {
		return
	}
	t.clear(0, false)
}

func (t *ToolIndicator) set(act ToolActivity) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.current = &act
	t.timer = time.AfterFunc(t.clearAfter, func() { t.clear(gen, true) })
	onChange := t.onChange
	t.mu.Unlock()

	if onChange != nil {
		onChange(act, true)
	}
}

// clear drops the current activity. A non-zero gen only clears the activity it
// was scheduled for.
func (t *ToolIndicator) clear(gen uint64, notify bool) {
	t.mu.Lock()
	if gen != 0 && gen != t.gen {
		t.mu.Unlock()
		return
	}
	if t.current == nil {
		t.mu.Unlock()
		return
	}
	prev := *t.current
	t.current = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	onChange := t.onChange
	t.mu.Unlock()

	if notify && onChange != nil {
		onChange(prev, false)
	}
}
