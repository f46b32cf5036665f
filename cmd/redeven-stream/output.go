package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/floegence/redeven-stream/internal/faultlog"
	"github.com/floegence/redeven-stream/internal/message"
	"github.com/floegence/redeven-stream/internal/reconcile"
	"github.com/floegence/redeven-stream/internal/reconnect"
	"github.com/floegence/redeven-stream/internal/snapshotstore"
)

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
	ansiRed   = "\033[91m"
)

// printer writes command output. On a terminal it streams reply text as it
// grows and puts status lines on stderr; otherwise every line on stdout is one
// JSON object.
type printer struct {
	out  io.Writer
	errw io.Writer
	tty  bool

	mu      sync.Mutex
	printed map[string]string
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		errw:    os.Stderr,
		tty:     isTerminalWriter(out),
		printed: map[string]string{},
	}
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

type outputLine struct {
	Type      string             `json:"type"`
	MessageID string             `json:"message_id,omitempty"`
	Sequence  int64              `json:"sequence,omitempty"`
	Text      string             `json:"text,omitempty"`
	Tool      string             `json:"tool,omitempty"`
	Active    *bool              `json:"active,omitempty"`
	State     string             `json:"state,omitempty"`
	Attempt   int                `json:"attempt,omitempty"`
	Error     string             `json:"error,omitempty"`
	Message   *message.Aggregate `json:"message,omitempty"`
}

func (p *printer) writeJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = p.out.Write(b)
}

// Update prints the text the reply gained since the last call. Text that was
// rewritten rather than appended is left for Final.
func (p *printer) Update(agg message.Aggregate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	text := agg.Text()
	prev := p.printed[agg.MessageID]
	if !strings.HasPrefix(text, prev) || len(text) == len(prev) {
		return
	}
	delta := text[len(prev):]
	p.printed[agg.MessageID] = text
	if p.tty {
		fmt.Fprint(p.out, delta)
		return
	}
	p.writeJSON(outputLine{Type: "delta", MessageID: agg.MessageID, Sequence: agg.LastSequence, Text: delta})
}

func (p *printer) Final(agg message.Aggregate, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.tty {
		line := outputLine{Type: "final", MessageID: agg.MessageID}
		if agg.MessageID != "" {
			line.Message = &agg
		}
		if err != nil {
			line.Error = err.Error()
		}
		p.writeJSON(line)
		return
	}

	text := agg.Text()
	prev, streamed := p.printed[agg.MessageID]
	switch {
	case !streamed:
		fmt.Fprint(p.out, text)
	case strings.HasPrefix(text, prev):
		fmt.Fprint(p.out, text[len(prev):])
	default:
		// The final snapshot replaced what was streamed.
		fmt.Fprintf(p.out, "\n%s", text)
	}
	if text != "" && !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(p.out)
	}
	p.printTasks(agg)
	if err != nil {
		fmt.Fprintf(p.errw, "%serror: %v%s\n", ansiRed, err, ansiReset)
	}
}

func (p *printer) Tool(act reconcile.ToolActivity, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.tty {
		p.writeJSON(outputLine{Type: "tool", Tool: act.ToolName, Active: &active, State: string(act.Phase)})
		return
	}
	if !active {
		return
	}
	status := "running"
	if act.Phase == reconcile.ToolPhaseResult {
		status = "done"
		if act.IsError {
			status = "failed"
		}
	}
	fmt.Fprintf(p.errw, "\n%s[tool %s: %s]%s\n", ansiDim, act.ToolName, status, ansiReset)
}

func (p *printer) Connection(s reconnect.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.tty {
		line := outputLine{Type: "connection", MessageID: s.MessageID, State: string(s.State), Attempt: s.Attempt}
		if s.Err != nil {
			line.Error = s.Err.Error()
		}
		p.writeJSON(line)
		return
	}
	switch s.State {
	case reconnect.StateReconnecting:
		fmt.Fprintf(p.errw, "\n%s[connection lost; reconnect attempt %d]%s\n", ansiDim, s.Attempt, ansiReset)
	case reconnect.StateFailed:
		fmt.Fprintf(p.errw, "\n%s[gave up reconnecting]%s\n", ansiRed, ansiReset)
	}
}

func (p *printer) printTasks(agg message.Aggregate) {
	if len(agg.CompletedTasks) == 0 && len(agg.PendingTasks) == 0 {
		return
	}
	pending := make([]message.Task, 0, len(agg.PendingTasks))
	for _, t := range agg.PendingTasks {
		pending = append(pending, t)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].StartedAt.Before(pending[j].StartedAt) })

	fmt.Fprintf(p.errw, "%s", ansiDim)
	for _, t := range agg.CompletedTasks {
		fmt.Fprintf(p.errw, "  [%s] %s\n", t.Status, taskLabel(t))
	}
	for _, t := range pending {
		fmt.Fprintf(p.errw, "  [%s %3.0f%%] %s\n", t.Status, t.Progress*100, taskLabel(t))
	}
	fmt.Fprintf(p.errw, "%s", ansiReset)
}

func taskLabel(t message.Task) string {
	switch {
	case strings.TrimSpace(t.Title) != "":
		return t.Title
	case strings.TrimSpace(t.ToolName) != "":
		return t.ToolName
	default:
		return t.TaskID
	}
}

func (p *printer) History(items []snapshotstore.Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.tty {
		for _, it := range items {
			p.writeJSON(it)
		}
		return
	}
	tw := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MESSAGE\tUPDATED\tSTATE\tPREVIEW")
	for _, it := range items {
		state := "complete"
		if it.ErrorKind != "" {
			state = "error:" + it.ErrorKind
		} else if !it.IsComplete {
			state = "partial"
		}
		updated := time.UnixMilli(it.UpdatedAtUnixMs).Local().Format(time.DateTime)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.MessageID, updated, state, strings.ReplaceAll(it.TextPreview, "\n", " "))
	}
	_ = tw.Flush()
}

func (p *printer) Faults(items []faultlog.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.tty {
		for _, it := range items {
			p.writeJSON(it)
		}
		return
	}
	tw := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tMESSAGE\tSEQ\tERROR")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", it.CreatedAt, it.Kind, it.MessageID, it.Sequence, it.Error)
	}
	_ = tw.Flush()
}

func (p *printer) Show(agg message.Aggregate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.tty {
		p.writeJSON(agg)
		return
	}
	for _, b := range agg.ContentBlocks {
		switch {
		case b.ContentType == message.ContentText || b.ContentType == message.ContentCode:
			fmt.Fprintln(p.out, b.Text)
		case b.Media != nil:
			fmt.Fprintf(p.out, "%s[%s] %s%s\n", ansiDim, b.ContentType, b.Media.URL, ansiReset)
		default:
			fmt.Fprintf(p.out, "%s[%s]%s\n", ansiDim, b.ContentType, ansiReset)
		}
	}
	p.printTasks(agg)
	if agg.Error != nil {
		fmt.Fprintf(p.errw, "%serror (%s): %s%s\n", ansiRed, agg.Error.Kind, agg.Error.Message, ansiReset)
	}
}
