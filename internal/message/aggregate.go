package message

import (
	"maps"
	"slices"
	"time"
)

const RoleAssistant = "assistant"

// Aggregate is the reconstructed state of one message.
type Aggregate struct {
	MessageID     string          `json:"message_id"`
	SessionID     string          `json:"session_id"`
	Role          string          `json:"role,omitempty"`
	ContentBlocks []ContentBlock  `json:"content_blocks"`
	PendingTasks  map[string]Task `json:"pending_tasks"`
	// CompletedTasks never shares a task id with PendingTasks.
	CompletedTasks []Task         `json:"completed_tasks"`
	IsComplete     bool           `json:"is_complete"`
	IsStreaming    bool           `json:"is_streaming"`
	Error          *ErrorInfo     `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// LastSequence is the highest event sequence applied so far.
	LastSequence      int64    `json:"last_sequence"`
	RemovedContentIDs []string `json:"removed_content_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an empty assistant aggregate.
func New(sessionID string, messageID string, at time.Time) Aggregate {
	return Aggregate{
		MessageID:    messageID,
		SessionID:    sessionID,
		Role:         RoleAssistant,
		PendingTasks: map[string]Task{},
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

// Clone returns a deep copy that shares no mutable state with a.
func (a Aggregate) Clone() Aggregate {
	out := a
	if a.ContentBlocks != nil {
		out.ContentBlocks = make([]ContentBlock, len(a.ContentBlocks))
		for i, b := range a.ContentBlocks {
			out.ContentBlocks[i] = b.Clone()
		}
	}
	out.PendingTasks = make(map[string]Task, len(a.PendingTasks))
	for id, t := range a.PendingTasks {
		out.PendingTasks[id] = t.Clone()
	}
	if a.CompletedTasks != nil {
		out.CompletedTasks = make([]Task, len(a.CompletedTasks))
		for i, t := range a.CompletedTasks {
			out.CompletedTasks[i] = t.Clone()
		}
	}
	if a.Error != nil {
		e := *a.Error
		e.Details = cloneMap(a.Error.Details)
		out.Error = &e
	}
	out.Metadata = cloneMap(a.Metadata)
	out.RemovedContentIDs = slices.Clone(a.RemovedContentIDs)
	return out
}

func (b ContentBlock) Clone() ContentBlock {
	out := b
	if b.Media != nil {
		m := *b.Media
		out.Media = &m
	}
	out.Data = cloneMap(b.Data)
	out.Metadata = cloneMap(b.Metadata)
	return out
}

func (t Task) Clone() Task {
	out := t
	out.ToolArgs = cloneMap(t.ToolArgs)
	out.Steps = slices.Clone(t.Steps)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// cloneMap copies one level deep; nested values are treated as immutable.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// SortBlocks orders blocks by sequence; equal sequences keep arrival order.
func SortBlocks(blocks []ContentBlock) {
	slices.SortStableFunc(blocks, func(x, y ContentBlock) int {
		switch {
		case x.Sequence < y.Sequence:
			return -1
		case x.Sequence > y.Sequence:
			return 1
		default:
			return 0
		}
	})
}

func BlocksSorted(blocks []ContentBlock) bool {
	return slices.IsSortedFunc(blocks, func(x, y ContentBlock) int {
		switch {
		case x.Sequence < y.Sequence:
			return -1
		case x.Sequence > y.Sequence:
			return 1
		default:
			return 0
		}
	})
}

// BlockIndex returns the index of the block with contentID, or -1.
func (a Aggregate) BlockIndex(contentID string) int {
	if contentID == "" {
		return -1
	}
	for i := range a.ContentBlocks {
		if a.ContentBlocks[i].ContentID == contentID {
			return i
		}
	}
	return -1
}

// LastPureTextIndex returns the index of the last block eligible for text deltas, or -1.
func (a Aggregate) LastPureTextIndex() int {
	for i := len(a.ContentBlocks) - 1; i >= 0; i-- {
		if a.ContentBlocks[i].ContentType != ContentText {
			continue
		}
		if a.ContentBlocks[i].IsPureText() {
			return i
		}
	}
	return -1
}

// NextSequence is one past the highest block sequence.
func (a Aggregate) NextSequence() int64 {
	var hi int64 = -1
	for _, b := range a.ContentBlocks {
		if b.Sequence > hi {
			hi = b.Sequence
		}
	}
	return hi + 1
}

func (a Aggregate) WasRemoved(contentID string) bool {
	return slices.Contains(a.RemovedContentIDs, contentID)
}

func (a Aggregate) HasCompletedTask(taskID string) bool {
	for _, t := range a.CompletedTasks {
		if t.TaskID == taskID {
			return true
		}
	}
	return false
}

// Text concatenates the text of all pure-text blocks in display order.
func (a Aggregate) Text() string {
	out := ""
	for _, b := range a.ContentBlocks {
		if b.IsPureText() {
			out += b.Text
		}
	}
	return out
}

// Done reports whether no further updates are expected for this aggregate.
func (a Aggregate) Done() bool {
	return a.IsComplete || (!a.IsStreaming && a.Error != nil)
}
