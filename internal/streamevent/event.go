package streamevent

import (
	"strings"
	"time"

	"github.com/floegence/redeven-stream/internal/message"
)

// EventType is the closed set of event kinds the server may push.
type EventType string

const (
	TypeMessageStart   EventType = "message_start"
	TypeMessageEnd     EventType = "message_end"
	TypeTextDelta      EventType = "text_delta"
	TypeTextComplete   EventType = "text_complete"
	TypeContentAdded   EventType = "content_added"
	TypeContentUpdated EventType = "content_updated"
	TypeContentRemoved EventType = "content_removed"
	TypeTaskStarted    EventType = "task_started"
	TypeTaskProgress   EventType = "task_progress"
	TypeTaskCompleted  EventType = "task_completed"
	TypeTaskFailed     EventType = "task_failed"
	TypeToolCall       EventType = "tool_call"
	TypeToolResult     EventType = "tool_result"
	TypeError          EventType = "error"
	TypePing           EventType = "ping"
)

// AllTypes lists every EventType in wire order.
var AllTypes = []EventType{
	TypeMessageStart, TypeMessageEnd, TypeTextDelta, TypeTextComplete,
	TypeContentAdded, TypeContentUpdated, TypeContentRemoved,
	TypeTaskStarted, TypeTaskProgress, TypeTaskCompleted, TypeTaskFailed,
	TypeToolCall, TypeToolResult, TypeError, TypePing,
}

func ParseEventType(raw string) (EventType, bool) {
	v := EventType(strings.TrimSpace(strings.ToLower(raw)))
	for _, t := range AllTypes {
		if t == v {
			return v, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further events follow for the message.
func (t EventType) IsTerminal() bool {
	return t == TypeMessageEnd || t == TypeError
}

func (t EventType) IsTool() bool {
	return t == TypeToolCall || t == TypeToolResult
}

// Event is one decoded stream frame.
type Event struct {
	EventID   string
	Type      EventType
	MessageID string
	SessionID string
	// Sequence increases per message and doubles as the resume cursor.
	Sequence  int64
	Payload   Payload
	Metadata  map[string]any
	Timestamp time.Time
}

// New builds an event whose type is taken from p.
func New(sessionID string, messageID string, seq int64, p Payload) Event {
	ev := Event{
		SessionID: sessionID,
		MessageID: messageID,
		Sequence:  seq,
		Payload:   p,
	}
	if p != nil {
		ev.Type = p.EventType()
	}
	return ev
}

// Payload is implemented by exactly one struct per EventType.
type Payload interface {
	EventType() EventType
}

type MessageStart struct {
	Role string `json:"role,omitempty"`
}

// MessageEnd may carry the server's cleaned final aggregate.
type MessageEnd struct {
	Status     string             `json:"status,omitempty"`
	FinalState *message.Aggregate `json:"final_state,omitempty"`
}

type TextDelta struct {
	Delta string `json:"delta"`
}

type TextComplete struct {
	ContentID string  `json:"content_id,omitempty"`
	Text      *string `json:"text,omitempty"`
}

type ContentAdded struct {
	ContentID     string              `json:"content_id,omitempty"`
	ContentType   message.ContentType `json:"content_type"`
	Sequence      *int64              `json:"sequence,omitempty"`
	IsPlaceholder bool                `json:"is_placeholder,omitempty"`
	// Placeholder is display text shown until the real content arrives.
	Placeholder string         `json:"placeholder,omitempty"`
	Text        string         `json:"text,omitempty"`
	Media       *message.Media `json:"media,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ContentUpdated is a partial update: nil fields are left untouched.
type ContentUpdated struct {
	ContentID   string               `json:"content_id"`
	ContentType *message.ContentType `json:"content_type,omitempty"`
	Sequence    *int64               `json:"sequence,omitempty"`
	Text        *string              `json:"text,omitempty"`
	Media       *message.Media       `json:"media,omitempty"`
	Data        map[string]any       `json:"data,omitempty"`
	TaskID      *string              `json:"task_id,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
}

type ContentRemoved struct {
	ContentID string `json:"content_id"`
}

type TaskStarted struct {
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type,omitempty"`
	Status      string         `json:"status,omitempty"`
	Progress    *float64       `json:"progress,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolArgs    map[string]any `json:"tool_args,omitempty"`
	Steps       []string       `json:"steps,omitempty"`
}

type TaskProgress struct {
	TaskID      string   `json:"task_id"`
	Progress    *float64 `json:"progress,omitempty"`
	Status      *string  `json:"status,omitempty"`
	CurrentStep *string  `json:"current_step,omitempty"`
	Steps       []string `json:"steps,omitempty"`
}

type TaskCompleted struct {
	TaskID string `json:"task_id"`
	Result any    `json:"result,omitempty"`
}

type TaskFailed struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

type ToolCall struct {
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

type ToolResult struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name"`
	Result     any    `json:"result,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ServerError is the payload of an "error" event.
type ServerError struct {
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type Ping struct{}

func (MessageStart) EventType() EventType   { return TypeMessageStart }
func (MessageEnd) EventType() EventType     { return TypeMessageEnd }
func (TextDelta) EventType() EventType      { return TypeTextDelta }
func (TextComplete) EventType() EventType   { return TypeTextComplete }
func (ContentAdded) EventType() EventType   { return TypeContentAdded }
func (ContentUpdated) EventType() EventType { return TypeContentUpdated }
func (ContentRemoved) EventType() EventType { return TypeContentRemoved }
func (TaskStarted) EventType() EventType    { return TypeTaskStarted }
func (TaskProgress) EventType() EventType   { return TypeTaskProgress }
func (TaskCompleted) EventType() EventType  { return TypeTaskCompleted }
func (TaskFailed) EventType() EventType     { return TypeTaskFailed }
func (ToolCall) EventType() EventType       { return TypeToolCall }
func (ToolResult) EventType() EventType     { return TypeToolResult }
func (ServerError) EventType() EventType    { return TypeError }
func (Ping) EventType() EventType           { return TypePing }
