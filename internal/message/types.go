// Package message holds the client-side model of one streamed assistant reply.
//
// Notes:
// - An Aggregate is a value. Code that changes one works on a Clone and hands the new value back.
// - JSON field names are snake_case and match the server's message snapshot shape.
package message

import (
	"strings"
	"time"
)

// ContentType tags the payload carried by a ContentBlock.
type ContentType string

const (
	ContentText             ContentType = "text"
	ContentImage            ContentType = "image"
	ContentAudio            ContentType = "audio"
	ContentVideo            ContentType = "video"
	ContentFile             ContentType = "file"
	ContentCode             ContentType = "code"
	ContentPlan             ContentType = "plan"
	ContentToolCall         ContentType = "tool_call"
	ContentToolOutput       ContentType = "tool_output"
	ContentExecutionStatus  ContentType = "execution_status"
	ContentEvaluationResult ContentType = "evaluation_result"
	ContentReflection       ContentType = "reflection"
)

func NormalizeContentType(raw string) (ContentType, bool) {
	v := ContentType(strings.TrimSpace(strings.ToLower(raw)))
	switch v {
	case ContentText, ContentImage, ContentAudio, ContentVideo, ContentFile, ContentCode,
		ContentPlan, ContentToolCall, ContentToolOutput, ContentExecutionStatus,
		ContentEvaluationResult, ContentReflection:
		return v, true
	default:
		return "", false
	}
}

// IsMedia reports whether blocks of this type carry a Media reference.
func (t ContentType) IsMedia() bool {
	switch t {
	case ContentImage, ContentAudio, ContentVideo, ContentFile:
		return true
	default:
		return false
	}
}

// MetaPhase marks a text block as a structured status surface (plan, evaluation, ...).
// Such blocks never receive text deltas.
const MetaPhase = "phase"

// Media references uploaded or generated binary content.
type Media struct {
	URL          string `json:"url"`
	MimeType     string `json:"mime_type,omitempty"`
	Name         string `json:"name,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// ContentBlock is one displayable unit of a message.
type ContentBlock struct {
	ContentID     string         `json:"content_id"`
	ContentType   ContentType    `json:"content_type"`
	Sequence      int64          `json:"sequence"`
	IsPlaceholder bool           `json:"is_placeholder,omitempty"`
	Text          string         `json:"text,omitempty"`
	Media         *Media         `json:"media,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	// TaskID is a lookup key into the task registry; the block does not own the task.
	TaskID    string         `json:"task_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsPureText reports whether the block may receive streamed text deltas.
func (b ContentBlock) IsPureText() bool {
	if b.ContentType != ContentText || b.IsPlaceholder {
		return false
	}
	_, hasPhase := b.Metadata[MetaPhase]
	return !hasPhase
}

type TaskType string

const (
	TaskPlanning      TaskType = "planning"
	TaskExecutionStep TaskType = "execution_step"
	TaskToolExecution TaskType = "tool_execution"
	TaskEvaluation    TaskType = "evaluation"
	TaskReflection    TaskType = "reflection"
)

func NormalizeTaskType(raw string) TaskType {
	v := TaskType(strings.TrimSpace(strings.ToLower(raw)))
	switch v {
	case TaskPlanning, TaskExecutionStep, TaskToolExecution, TaskEvaluation, TaskReflection:
		return v
	default:
		return TaskExecutionStep
	}
}

// TaskStatus is the task lifecycle: pending -> running -> completed|failed|cancelled.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func NormalizeTaskStatus(raw string) (TaskStatus, bool) {
	v := TaskStatus(strings.TrimSpace(strings.ToLower(raw)))
	switch v {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return v, true
	default:
		return "", false
	}
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

type Task struct {
	TaskID      string         `json:"task_id"`
	TaskType    TaskType       `json:"task_type"`
	Status      TaskStatus     `json:"status"`
	Progress    float64        `json:"progress"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolArgs    map[string]any `json:"tool_args,omitempty"`
	Steps       []string       `json:"steps,omitempty"`
	CurrentStep string         `json:"current_step,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ClampProgress keeps progress inside [0, 1].
func ClampProgress(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ErrorKind says which boundary produced a message-level failure.
type ErrorKind string

const (
	ErrorKindServer    ErrorKind = "server"
	ErrorKindTransport ErrorKind = "transport"
	ErrorKindSubmit    ErrorKind = "submit"
)

type ErrorInfo struct {
	Kind    ErrorKind      `json:"kind"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Status values reported by the get-message-status endpoint.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

func IsTerminalStatus(raw string) bool {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}
