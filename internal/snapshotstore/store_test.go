package snapshotstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/floegence/redeven-stream/internal/message"
)

func TestStore_SaveAndGet(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "stream.sqlite")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agg := message.New("s1", "m1", at)
	agg.ContentBlocks = []message.ContentBlock{{ContentID: "c1", ContentType: message.ContentText, Text: "hello\nworld"}}
	agg.CompletedTasks = []message.Task{{TaskID: "t1", Status: message.TaskCompleted, Progress: 1}}
	agg.IsComplete = true
	agg.LastSequence = 12
	if err := s.SaveMessage(ctx, agg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	got, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got == nil {
		t.Fatalf("message missing")
	}
	if got.Text() != "hello\nworld" || got.LastSequence != 12 || !got.IsComplete {
		t.Fatalf("got=%+v", got)
	}
	if len(got.CompletedTasks) != 1 || got.CompletedTasks[0].TaskID != "t1" {
		t.Fatalf("CompletedTasks=%+v", got.CompletedTasks)
	}
	if got.PendingTasks == nil {
		t.Fatalf("PendingTasks=nil, want empty map")
	}

	missing, err := s.GetMessage(ctx, "nope")
	if err != nil {
		t.Fatalf("GetMessage missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing=%+v, want nil", missing)
	}
}

func TestStore_UpsertAndList(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "nested", "stream.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		agg := message.New("s1", id, base.Add(time.Duration(i)*time.Minute))
		agg.ContentBlocks = []message.ContentBlock{{ContentID: "c", ContentType: message.ContentText, Text: strings.Repeat("x", 300)}}
		if err := s.SaveMessage(ctx, agg); err != nil {
			t.Fatalf("SaveMessage %s: %v", id, err)
		}
	}
	other := message.New("s2", "o1", base)
	if err := s.SaveMessage(ctx, other); err != nil {
		t.Fatalf("SaveMessage other: %v", err)
	}

	// Re-saving m1 with a failure moves it to the top.
	m1 := message.New("s1", "m1", base)
	m1.UpdatedAt = base.Add(time.Hour)
	m1.Error = &message.ErrorInfo{Kind: message.ErrorKindTransport, Message: "gave up"}
	if err := s.SaveMessage(ctx, m1); err != nil {
		t.Fatalf("SaveMessage m1 again: %v", err)
	}

	list, err := s.ListSessionMessages(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("ListSessionMessages: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len(list)=%d, want 3", len(list))
	}
	if list[0].MessageID != "m1" || list[0].ErrorKind != "transport" {
		t.Fatalf("list[0]=%+v", list[0])
	}
	if list[1].MessageID != "m3" || list[2].MessageID != "m2" {
		t.Fatalf("order=%s,%s", list[1].MessageID, list[2].MessageID)
	}
	if n := len([]rune(list[1].TextPreview)); n != 160 {
		t.Fatalf("preview length=%d, want 160", n)
	}
	if list[0].CreatedAtUnixMs != base.UnixMilli() {
		t.Fatalf("CreatedAtUnixMs=%d, want original", list[0].CreatedAtUnixMs)
	}

	if err := s.DeleteMessage(ctx, "m2"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	list, err = s.ListSessionMessages(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("ListSessionMessages after delete: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list)=%d, want 2", len(list))
	}
}

func TestStore_Reopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "stream.sqlite")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveMessage(context.Background(), message.New("s1", "m1", time.Now())); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	_ = s.Close()

	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	got, err := s.GetMessage(context.Background(), "m1")
	if err != nil || got == nil {
		t.Fatalf("GetMessage after reopen=%v,%v", got, err)
	}
	if err := s.SaveMessage(context.Background(), message.Aggregate{MessageID: "x"}); err == nil {
		t.Fatalf("SaveMessage without session err=nil")
	}
}
