package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/floegence/redeven-stream/internal/message"
	"github.com/floegence/redeven-stream/internal/reconnect"
)

func textAgg(id string, text string, seq int64) message.Aggregate {
	agg := message.New("s1", id, time.Unix(0, 0))
	agg.ContentBlocks = []message.ContentBlock{{ContentID: "c1", ContentType: message.ContentText, Text: text}}
	agg.LastSequence = seq
	return agg
}

func decodeLines(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestPrinter_JSONLines(t *testing.T) {
	t.Parallel()

	var out, errw bytes.Buffer
	p := &printer{out: &out, errw: &errw, printed: map[string]string{}}

	p.Update(textAgg("a1", "Hel", 1))
	p.Update(textAgg("a1", "Hel", 1))
	p.Update(textAgg("a1", "Hello", 2))
	p.Connection(reconnect.Snapshot{State: reconnect.StateReconnecting, MessageID: "a1", Attempt: 1})
	final := textAgg("a1", "Hello", 3)
	final.IsComplete = true
	p.Final(final, errors.New("boom"))

	lines := decodeLines(t, out.String())
	if len(lines) != 4 {
		t.Fatalf("lines=%d, want 4: %s", len(lines), out.String())
	}
	if lines[0]["type"] != "delta" || lines[0]["text"] != "Hel" || lines[1]["text"] != "lo" {
		t.Fatalf("deltas=%v %v", lines[0], lines[1])
	}
	if lines[2]["type"] != "connection" || lines[2]["state"] != string(reconnect.StateReconnecting) {
		t.Fatalf("connection=%v", lines[2])
	}
	if lines[3]["type"] != "final" || lines[3]["error"] != "boom" || lines[3]["message"] == nil {
		t.Fatalf("final=%v", lines[3])
	}
	if errw.Len() != 0 {
		t.Fatalf("stderr=%q, want empty", errw.String())
	}
}

func TestPrinter_TerminalStreamsText(t *testing.T) {
	t.Parallel()

	var out, errw bytes.Buffer
	p := &printer{out: &out, errw: &errw, tty: true, printed: map[string]string{}}

	p.Update(textAgg("a1", "Hel", 1))
	p.Update(textAgg("a1", "Hello", 2))
	p.Final(textAgg("a1", "Hello there", 3), nil)
	if got := out.String(); got != "Hello there\n" {
		t.Fatalf("out=%q", got)
	}

	// A final snapshot that rewrote the streamed text is printed in full.
	out.Reset()
	p.Update(textAgg("a2", "Helo", 1))
	p.Final(textAgg("a2", "Hello", 2), nil)
	if got := out.String(); got != "Helo\nHello\n" {
		t.Fatalf("out=%q", got)
	}

	out.Reset()
	p.Final(textAgg("a3", "fresh", 1), nil)
	if got := out.String(); got != "fresh\n" {
		t.Fatalf("out=%q", got)
	}
}
