package reconcile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/redeven-stream/internal/message"
	"github.com/floegence/redeven-stream/internal/streamevent"
)

var (
	// ErrStale marks events that reference content or tasks the aggregate does not
	// hold (unknown, or already finished). They are ignored, not reported as failures.
	ErrStale = errors.New("stale event")

	ErrMissingPayload     = errors.New("missing payload")
	ErrMissingTaskID      = errors.New("missing task_id")
	ErrMissingContentType = errors.New("missing content_type")
	ErrWrongMessage       = errors.New("event belongs to another message")
	ErrUnhandledPayload   = errors.New("unhandled payload type")
)

// MetaError is the aggregate metadata key holding a server error's code and message.
const MetaError = "error"

// Apply folds ev into agg and returns the resulting aggregate. agg is never
// mutated. On error the returned aggregate is agg itself.
//
// Events carrying a sequence at or below agg.LastSequence are replays and are
// returned unchanged. now is used only when the event has no timestamp.
func Apply(agg message.Aggregate, ev streamevent.Event, now time.Time) (message.Aggregate, error) {
	if ev.Type == streamevent.TypePing {
		return agg, nil
	}
	if ev.Payload == nil {
		return agg, ErrMissingPayload
	}
	if _, ok := ev.Payload.(streamevent.Ping); ok {
		return agg, nil
	}
	if ev.MessageID != "" && agg.MessageID != "" && ev.MessageID != agg.MessageID {
		return agg, fmt.Errorf("%w: %s", ErrWrongMessage, ev.MessageID)
	}
	if ev.Sequence > 0 && ev.Sequence <= agg.LastSequence {
		return agg, nil
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = now
	}

	next := agg.Clone()
	var (
		changed bool
		err     error
	)
	switch p := ev.Payload.(type) {
	case streamevent.MessageStart:
		changed = applyMessageStart(&next, p)
	case streamevent.MessageEnd:
		changed = applyMessageEnd(&next, p)
	case streamevent.TextDelta:
		changed = applyTextDelta(&next, p, ev, at)
	case streamevent.TextComplete:
		changed = applyTextComplete(&next, p, at)
	case streamevent.ContentAdded:
		changed, err = applyContentAdded(&next, p, ev, at)
	case streamevent.ContentUpdated:
		changed, err = applyContentUpdated(&next, p, at)
	case streamevent.ContentRemoved:
		changed = applyContentRemoved(&next, p)
	case streamevent.TaskStarted:
		changed, err = applyTaskStarted(&next, p, at)
	case streamevent.TaskProgress:
		changed, err = applyTaskProgress(&next, p, at)
	case streamevent.TaskCompleted:
		changed, err = finishTask(&next, p.TaskID, message.TaskCompleted, "", at)
	case streamevent.TaskFailed:
		changed, err = finishTask(&next, p.TaskID, message.TaskFailed, p.Error, at)
	case streamevent.ToolCall, streamevent.ToolResult:
		// Tool activity is ephemeral; see ToolIndicator.
	case streamevent.ServerError:
		changed = applyServerError(&next, p)
	default:
		return agg, fmt.Errorf("%w: %T", ErrUnhandledPayload, p)
	}
	if err != nil {
		return agg, err
	}

	// A finished aggregate is frozen; late events that change nothing leave
	// even the cursor alone.
	if !changed && agg.Done() {
		return agg, nil
	}
	if ev.Sequence > next.LastSequence {
		next.LastSequence = ev.Sequence
	}
	if changed && at.After(next.UpdatedAt) {
		next.UpdatedAt = at
	}
	return next, nil
}

// Finalize replaces local with the server's final snapshot, forcing it complete
// with no pending tasks. Identity and bookkeeping missing from the snapshot are
// taken from local.
func Finalize(local message.Aggregate, snapshot message.Aggregate) message.Aggregate {
	out := snapshot.Clone()
	if out.MessageID == "" {
		out.MessageID = local.MessageID
	}
	if out.SessionID == "" {
		out.SessionID = local.SessionID
	}
	if out.Role == "" {
		out.Role = local.Role
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	if out.UpdatedAt.Before(local.UpdatedAt) {
		out.UpdatedAt = local.UpdatedAt
	}
	if local.LastSequence > out.LastSequence {
		out.LastSequence = local.LastSequence
	}
	for _, id := range local.RemovedContentIDs {
		if !out.WasRemoved(id) {
			out.RemovedContentIDs = append(out.RemovedContentIDs, id)
		}
	}
	out.IsComplete = true
	out.IsStreaming = false
	out.PendingTasks = map[string]message.Task{}
	message.SortBlocks(out.ContentBlocks)
	return out
}

func applyMessageStart(a *message.Aggregate, p streamevent.MessageStart) bool {
	changed := false
	if role := strings.TrimSpace(p.Role); role != "" && a.Role == "" {
		a.Role = role
		changed = true
	}
	if !a.IsComplete && !a.IsStreaming {
		a.IsStreaming = true
		changed = true
	}
	return changed
}

func applyMessageEnd(a *message.Aggregate, p streamevent.MessageEnd) bool {
	if p.FinalState != nil {
		*a = Finalize(*a, *p.FinalState)
		return true
	}
	failed := strings.EqualFold(strings.TrimSpace(p.Status), message.StatusFailed)
	if a.IsComplete && !a.IsStreaming && len(a.PendingTasks) == 0 && (!failed || a.Error != nil) {
		return false
	}
	a.IsComplete = true
	a.IsStreaming = false
	a.PendingTasks = map[string]message.Task{}
	if failed && a.Error == nil {
		a.Error = &message.ErrorInfo{Kind: message.ErrorKindServer, Code: message.StatusFailed, Message: "message ended with status failed"}
	}
	return true
}

func applyTextDelta(a *message.Aggregate, p streamevent.TextDelta, ev streamevent.Event, at time.Time) bool {
	if p.Delta == "" {
		return false
	}
	if idx := a.LastPureTextIndex(); idx >= 0 {
		b := &a.ContentBlocks[idx]
		b.Text += p.Delta
		b.UpdatedAt = at
		return true
	}
	a.ContentBlocks = append(a.ContentBlocks, message.ContentBlock{
		ContentID:   derivedContentID(a.MessageID, ev),
		ContentType: message.ContentText,
		Sequence:    a.NextSequence(),
		Text:        p.Delta,
		CreatedAt:   at,
		UpdatedAt:   at,
	})
	message.SortBlocks(a.ContentBlocks)
	return true
}

func applyTextComplete(a *message.Aggregate, p streamevent.TextComplete, at time.Time) bool {
	if p.Text == nil {
		return false
	}
	idx := a.BlockIndex(strings.TrimSpace(p.ContentID))
	if idx < 0 {
		return false
	}
	b := &a.ContentBlocks[idx]
	if b.Text == *p.Text {
		return false
	}
	b.Text = *p.Text
	b.UpdatedAt = at
	return true
}

func applyContentAdded(a *message.Aggregate, p streamevent.ContentAdded, ev streamevent.Event, at time.Time) (bool, error) {
	raw := strings.TrimSpace(string(p.ContentType))
	if raw == "" {
		return false, ErrMissingContentType
	}
	ct, ok := message.NormalizeContentType(raw)
	if !ok {
		// Unknown types are kept verbatim for renderers that understand them.
		ct = message.ContentType(raw)
	}

	id := strings.TrimSpace(p.ContentID)
	if id == "" {
		id = derivedContentID(a.MessageID, ev)
	}
	if a.BlockIndex(id) >= 0 || a.WasRemoved(id) {
		return false, nil
	}

	seq := a.NextSequence()
	if p.Sequence != nil {
		seq = *p.Sequence
	}
	b := message.ContentBlock{
		ContentID:     id,
		ContentType:   ct,
		Sequence:      seq,
		IsPlaceholder: p.IsPlaceholder,
		Text:          p.Text,
		TaskID:        strings.TrimSpace(p.TaskID),
		Data:          p.Data,
		Metadata:      p.Metadata,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	if p.Media != nil {
		m := *p.Media
		b.Media = &m
	}
	if b.IsPlaceholder && p.Placeholder != "" {
		b.Text = p.Placeholder
	}
	a.ContentBlocks = append(a.ContentBlocks, b.Clone())
	message.SortBlocks(a.ContentBlocks)
	return true, nil
}

func applyContentUpdated(a *message.Aggregate, p streamevent.ContentUpdated, at time.Time) (bool, error) {
	id := strings.TrimSpace(p.ContentID)
	idx := a.BlockIndex(id)
	if idx < 0 {
		return false, fmt.Errorf("%w: content %q not found", ErrStale, id)
	}
	b := &a.ContentBlocks[idx]
	b.IsPlaceholder = false
	b.UpdatedAt = at
	if p.ContentType != nil && strings.TrimSpace(string(*p.ContentType)) != "" {
		if ct, ok := message.NormalizeContentType(string(*p.ContentType)); ok {
			b.ContentType = ct
		} else {
			b.ContentType = *p.ContentType
		}
	}
	if p.Text != nil {
		b.Text = *p.Text
	}
	if p.Media != nil {
		m := *p.Media
		b.Media = &m
	}
	if p.TaskID != nil {
		b.TaskID = strings.TrimSpace(*p.TaskID)
	}
	b.Data = mergeKeys(b.Data, p.Data)
	b.Metadata = mergeKeys(b.Metadata, p.Metadata)
	if p.Sequence != nil && *p.Sequence != b.Sequence {
		b.Sequence = *p.Sequence
		message.SortBlocks(a.ContentBlocks)
	}
	return true, nil
}

func applyContentRemoved(a *message.Aggregate, p streamevent.ContentRemoved) bool {
	id := strings.TrimSpace(p.ContentID)
	idx := a.BlockIndex(id)
	if idx < 0 {
		return false
	}
	a.ContentBlocks = append(a.ContentBlocks[:idx], a.ContentBlocks[idx+1:]...)
	if !a.WasRemoved(id) {
		a.RemovedContentIDs = append(a.RemovedContentIDs, id)
	}
	return true
}

func applyTaskStarted(a *message.Aggregate, p streamevent.TaskStarted, at time.Time) (bool, error) {
	id := strings.TrimSpace(p.TaskID)
	if id == "" {
		return false, ErrMissingTaskID
	}
	if _, ok := a.PendingTasks[id]; ok || a.HasCompletedTask(id) {
		return false, nil
	}
	status, ok := message.NormalizeTaskStatus(p.Status)
	if !ok {
		status = message.TaskPending
	}
	t := message.Task{
		TaskID:      id,
		TaskType:    message.NormalizeTaskType(p.TaskType),
		Status:      status,
		Title:       strings.TrimSpace(p.Title),
		Description: strings.TrimSpace(p.Description),
		ToolName:    strings.TrimSpace(p.ToolName),
		ToolArgs:    p.ToolArgs,
		Steps:       p.Steps,
		StartedAt:   at,
		UpdatedAt:   at,
	}
	if p.Progress != nil {
		t.Progress = message.ClampProgress(*p.Progress)
	}
	t = t.Clone()
	if status.IsTerminal() {
		t.CompletedAt = &at
		a.CompletedTasks = append(a.CompletedTasks, t)
		return true, nil
	}
	a.PendingTasks[id] = t
	return true, nil
}

func applyTaskProgress(a *message.Aggregate, p streamevent.TaskProgress, at time.Time) (bool, error) {
	id := strings.TrimSpace(p.TaskID)
	if id == "" {
		return false, ErrMissingTaskID
	}
	t, ok := a.PendingTasks[id]
	if !ok {
		return false, fmt.Errorf("%w: task %q not pending", ErrStale, id)
	}
	if p.Progress != nil {
		t.Progress = message.ClampProgress(*p.Progress)
	}
	if p.CurrentStep != nil {
		t.CurrentStep = strings.TrimSpace(*p.CurrentStep)
	}
	if p.Steps != nil {
		t.Steps = append([]string(nil), p.Steps...)
	}
	t.UpdatedAt = at
	if p.Status != nil {
		if status, ok := message.NormalizeTaskStatus(*p.Status); ok {
			t.Status = status
		}
	}
	if t.Status.IsTerminal() {
		delete(a.PendingTasks, id)
		t.CompletedAt = &at
		a.CompletedTasks = append(a.CompletedTasks, t)
		return true, nil
	}
	a.PendingTasks[id] = t
	return true, nil
}

func finishTask(a *message.Aggregate, taskID string, status message.TaskStatus, errText string, at time.Time) (bool, error) {
	id := strings.TrimSpace(taskID)
	if id == "" {
		return false, ErrMissingTaskID
	}
	t, ok := a.PendingTasks[id]
	if !ok {
		return false, fmt.Errorf("%w: task %q not pending", ErrStale, id)
	}
	delete(a.PendingTasks, id)
	t.Status = status
	t.UpdatedAt = at
	t.CompletedAt = &at
	if status == message.TaskCompleted {
		t.Progress = 1
	}
	if errText = strings.TrimSpace(errText); errText != "" {
		t.Error = errText
	}
	a.CompletedTasks = append(a.CompletedTasks, t)
	return true, nil
}

func applyServerError(a *message.Aggregate, p streamevent.ServerError) bool {
	msg := strings.TrimSpace(p.Message)
	if msg == "" {
		msg = "server reported an error"
	}
	info := &message.ErrorInfo{
		Kind:    message.ErrorKindServer,
		Code:    strings.TrimSpace(p.Code),
		Message: msg,
	}
	if len(p.Details) > 0 {
		info.Details = make(map[string]any, len(p.Details))
		for k, v := range p.Details {
			info.Details[k] = v
		}
	}
	a.IsComplete = true
	a.IsStreaming = false
	a.PendingTasks = map[string]message.Task{}
	a.Error = info
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	a.Metadata[MetaError] = map[string]any{"code": info.Code, "message": info.Message}
	return true
}

// mergeKeys applies patch onto base key by key; a nil value deletes the key.
func mergeKeys(base map[string]any, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	if len(base) == 0 {
		return nil
	}
	return base
}

var contentIDNamespace = uuid.MustParse("6f1c2a7e-3d0b-4b8e-9a55-2f7d1e4c8b10")

// derivedContentID names content the server sent without an id. The id is
// stable for a given event so a replay maps onto the same block.
func derivedContentID(messageID string, ev streamevent.Event) string {
	key := strings.TrimSpace(ev.EventID)
	if key == "" && ev.Sequence > 0 {
		key = "seq:" + strconv.FormatInt(ev.Sequence, 10)
	}
	if key == "" {
		return "blk_" + uuid.NewString()
	}
	return "blk_" + uuid.NewSHA1(contentIDNamespace, []byte(messageID+"/"+key)).String()
}
