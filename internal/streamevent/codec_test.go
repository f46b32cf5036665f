package streamevent

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/floegence/redeven-stream/internal/message"
)

func TestDecode_TextDelta(t *testing.T) {
	t.Parallel()

	raw := `{"event_id":"e1","event_type":"text_delta","message_id":"m1","session_id":"s1","sequence":7,"payload":{"delta":"Hel"},"timestamp":"2026-03-01T10:00:00Z"}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != TypeTextDelta {
		t.Fatalf("Type=%q, want %q", ev.Type, TypeTextDelta)
	}
	if ev.Sequence != 7 {
		t.Fatalf("Sequence=%d, want 7", ev.Sequence)
	}
	if ev.MessageID != "m1" || ev.SessionID != "s1" || ev.EventID != "e1" {
		t.Fatalf("ids=%q/%q/%q", ev.MessageID, ev.SessionID, ev.EventID)
	}
	p, ok := ev.Payload.(TextDelta)
	if !ok {
		t.Fatalf("Payload=%T, want TextDelta", ev.Payload)
	}
	if p.Delta != "Hel" {
		t.Fatalf("Delta=%q, want Hel", p.Delta)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("Timestamp=%v, want %v", ev.Timestamp, want)
	}
}

func TestDecode_EveryTypeHasPayload(t *testing.T) {
	t.Parallel()

	for _, et := range AllTypes {
		raw := `{"event_type":"` + string(et) + `","message_id":"m1","session_id":"s1","sequence":1,"timestamp":1767225600}`
		ev, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("%s: Decode: %v", et, err)
		}
		if ev.Payload == nil {
			t.Fatalf("%s: Payload=nil", et)
		}
		if got := ev.Payload.EventType(); got != et {
			t.Fatalf("%s: Payload.EventType=%q", et, got)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: "  "},
		{name: "not json", raw: "data: hello"},
		{name: "array", raw: `[1,2]`},
		{name: "missing type", raw: `{"message_id":"m1","sequence":1}`},
		{name: "unknown type", raw: `{"event_type":"teleport","sequence":1}`},
		{name: "negative sequence", raw: `{"event_type":"ping","sequence":-1}`},
		{name: "fractional sequence", raw: `{"event_type":"ping","sequence":1.5}`},
		{name: "payload not object", raw: `{"event_type":"text_delta","sequence":1,"payload":"hi"}`},
		{name: "payload wrong shape", raw: `{"event_type":"task_started","sequence":1,"payload":{"task_id":42}}`},
	}
	for _, tc := range cases {
		_, err := Decode([]byte(tc.raw))
		if err == nil {
			t.Fatalf("%s: Decode err=nil, want malformed", tc.name)
		}
		var me *MalformedEventError
		if !errors.As(err, &me) {
			t.Fatalf("%s: err=%T, want *MalformedEventError", tc.name, err)
		}
	}
}

func TestDecode_LenientFields(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"event_type":"TEXT_DELTA","sequence":"12","payload":{"text":"hi"},"timestamp":"2026-03-01T10:00:00.250"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Sequence != 12 {
		t.Fatalf("Sequence=%d, want 12", ev.Sequence)
	}
	if p := ev.Payload.(TextDelta); p.Delta != "hi" {
		t.Fatalf("Delta=%q, want hi", p.Delta)
	}
	if ev.Timestamp.Nanosecond() != 250_000_000 {
		t.Fatalf("Timestamp=%v, want .250", ev.Timestamp)
	}

	ev, err = Decode([]byte(`{"event_type":"error","sequence":3,"payload":{"error":"boom"},"timestamp":"yesterday"}`))
	if err != nil {
		t.Fatalf("Decode error event: %v", err)
	}
	if p := ev.Payload.(ServerError); p.Message != "boom" {
		t.Fatalf("Message=%q, want boom", p.Message)
	}
	if !ev.Timestamp.IsZero() {
		t.Fatalf("Timestamp=%v, want zero", ev.Timestamp)
	}

	ev, err = Decode([]byte(`{"event_type":"ping","sequence":4,"timestamp":1767225600123}`))
	if err != nil {
		t.Fatalf("Decode ping: %v", err)
	}
	if got := ev.Timestamp.UnixMilli(); got != 1767225600123 {
		t.Fatalf("UnixMilli=%d, want 1767225600123", got)
	}
}

func TestDecode_MessageEndFinalState(t *testing.T) {
	t.Parallel()

	raw := `{"event_type":"message_end","message_id":"m1","sequence":9,"payload":{"status":"completed","final_state":{"message_id":"m1","session_id":"s1","content_blocks":[{"content_id":"c1","content_type":"text","sequence":0,"text":"done"}],"pending_tasks":{},"completed_tasks":[],"is_complete":true,"is_streaming":false,"last_sequence":9}}}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p := ev.Payload.(MessageEnd)
	if p.FinalState == nil {
		t.Fatalf("FinalState=nil")
	}
	if got := p.FinalState.Text(); got != "done" {
		t.Fatalf("FinalState.Text=%q, want done", got)
	}
}

func TestEncode_DecodeKeepsPayload(t *testing.T) {
	t.Parallel()

	seq := int64(3)
	ev := New("s1", "m1", 5, ContentAdded{
		ContentID:   "c1",
		ContentType: message.ContentCode,
		Sequence:    &seq,
		Text:        "fmt.Println()",
		Data:        map[string]any{"language": "go"},
	})
	ev.Timestamp = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	b, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(b), `"event_type":"content_added"`) {
		t.Fatalf("encoded=%s, missing event_type", b)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p := got.Payload.(ContentAdded)
	if p.ContentID != "c1" || p.ContentType != message.ContentCode || p.Sequence == nil || *p.Sequence != 3 {
		t.Fatalf("payload=%+v", p)
	}
	if p.Data["language"] != "go" {
		t.Fatalf("Data=%v", p.Data)
	}
	if !got.Timestamp.Equal(ev.Timestamp) {
		t.Fatalf("Timestamp=%v, want %v", got.Timestamp, ev.Timestamp)
	}
}

func TestEncode_RejectsMismatchedPayload(t *testing.T) {
	t.Parallel()

	ev := New("s1", "m1", 1, TextDelta{Delta: "x"})
	ev.Type = TypeToolCall
	if _, err := Encode(ev); err == nil {
		t.Fatalf("Encode err=nil, want mismatch error")
	}
}
