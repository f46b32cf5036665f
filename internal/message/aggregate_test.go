package message

import (
	"testing"
	"time"
)

func TestAggregate_CloneIsDeep(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := New("s1", "m1", at)
	a.ContentBlocks = []ContentBlock{{
		ContentID:   "c1",
		ContentType: ContentImage,
		Media:       &Media{URL: "https://example.com/a.png"},
		Data:        map[string]any{"k": "v"},
	}}
	a.PendingTasks["t1"] = Task{TaskID: "t1", Steps: []string{"a"}}
	a.Error = &ErrorInfo{Kind: ErrorKindServer, Details: map[string]any{"x": 1}}
	a.RemovedContentIDs = []string{"gone"}

	b := a.Clone()
	b.ContentBlocks[0].Media.URL = "changed"
	b.ContentBlocks[0].Data["k"] = "changed"
	tk := b.PendingTasks["t1"]
	tk.Steps[0] = "changed"
	b.PendingTasks["t1"] = tk
	b.Error.Details["x"] = 2
	b.RemovedContentIDs[0] = "changed"

	if got := a.ContentBlocks[0].Media.URL; got != "https://example.com/a.png" {
		t.Fatalf("Media.URL=%q, want original", got)
	}
	if got := a.ContentBlocks[0].Data["k"]; got != "v" {
		t.Fatalf("Data[k]=%v, want v", got)
	}
	if got := a.PendingTasks["t1"].Steps[0]; got != "a" {
		t.Fatalf("Steps[0]=%q, want a", got)
	}
	if got := a.Error.Details["x"]; got != 1 {
		t.Fatalf("Details[x]=%v, want 1", got)
	}
	if got := a.RemovedContentIDs[0]; got != "gone" {
		t.Fatalf("RemovedContentIDs[0]=%q, want gone", got)
	}
}

func TestSortBlocks_StableOnEqualSequence(t *testing.T) {
	t.Parallel()

	blocks := []ContentBlock{
		{ContentID: "b", Sequence: 2},
		{ContentID: "x", Sequence: 1},
		{ContentID: "y", Sequence: 1},
		{ContentID: "a", Sequence: 0},
	}
	SortBlocks(blocks)
	want := []string{"a", "x", "y", "b"}
	for i, id := range want {
		if blocks[i].ContentID != id {
			t.Fatalf("blocks[%d]=%q, want %q", i, blocks[i].ContentID, id)
		}
	}
	if !BlocksSorted(blocks) {
		t.Fatalf("BlocksSorted=false after SortBlocks")
	}
}

func TestAggregate_LastPureTextIndex(t *testing.T) {
	t.Parallel()

	a := Aggregate{ContentBlocks: []ContentBlock{
		{ContentID: "t1", ContentType: ContentText, Sequence: 0},
		{ContentID: "p1", ContentType: ContentText, Sequence: 1, IsPlaceholder: true},
		{ContentID: "ph", ContentType: ContentText, Sequence: 2, Metadata: map[string]any{MetaPhase: "thinking"}},
		{ContentID: "img", ContentType: ContentImage, Sequence: 3},
	}}
	if got := a.LastPureTextIndex(); got != 0 {
		t.Fatalf("LastPureTextIndex=%d, want 0", got)
	}
	if got := a.NextSequence(); got != 4 {
		t.Fatalf("NextSequence=%d, want 4", got)
	}
	if got := (Aggregate{}).NextSequence(); got != 0 {
		t.Fatalf("empty NextSequence=%d, want 0", got)
	}
}

func TestAggregate_Done(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a    Aggregate
		want bool
	}{
		{name: "streaming", a: Aggregate{IsStreaming: true}, want: false},
		{name: "complete", a: Aggregate{IsComplete: true}, want: true},
		{name: "submit failure", a: Aggregate{Error: &ErrorInfo{Kind: ErrorKindSubmit}}, want: true},
		{name: "idle", a: Aggregate{}, want: false},
	}
	for _, tc := range cases {
		if got := tc.a.Done(); got != tc.want {
			t.Fatalf("%s: Done=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNormalizers(t *testing.T) {
	t.Parallel()

	if ct, ok := NormalizeContentType(" Tool_Call "); !ok || ct != ContentToolCall {
		t.Fatalf("NormalizeContentType=%q,%v, want tool_call,true", ct, ok)
	}
	if _, ok := NormalizeContentType("hologram"); ok {
		t.Fatalf("NormalizeContentType(hologram) ok=true, want false")
	}
	if got := NormalizeTaskType("nope"); got != TaskExecutionStep {
		t.Fatalf("NormalizeTaskType=%q, want %q", got, TaskExecutionStep)
	}
	if s, ok := NormalizeTaskStatus("CANCELLED"); !ok || !s.IsTerminal() {
		t.Fatalf("NormalizeTaskStatus=%q,%v, want terminal", s, ok)
	}
	if got := ClampProgress(1.5); got != 1 {
		t.Fatalf("ClampProgress(1.5)=%v, want 1", got)
	}
	if got := ClampProgress(-0.5); got != 0 {
		t.Fatalf("ClampProgress(-0.5)=%v, want 0", got)
	}
	if !IsTerminalStatus("completed") || IsTerminalStatus("processing") {
		t.Fatalf("IsTerminalStatus mismatch")
	}
}
