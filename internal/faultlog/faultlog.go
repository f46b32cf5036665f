// Package faultlog keeps a small rotating JSONL record of stream faults under
// the state dir: malformed frames, events that could not be applied, submit
// failures and streams that gave up reconnecting.
package faultlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(2 << 20)
	defaultMaxBackups = 3

	activeName    = "faults.jsonl"
	rotatedPrefix = "faults-"
	rotatedSuffix = ".jsonl"
)

// Kind names the boundary a fault came from.
type Kind string

const (
	KindMalformedEvent     Kind = "malformed_event"
	KindEventNotApplied    Kind = "event_not_applied"
	KindSubmitFailed       Kind = "submit_failed"
	KindReconnectExhausted Kind = "reconnect_exhausted"
)

type Entry struct {
	CreatedAt string `json:"created_at"`
	Kind      Kind   `json:"kind"`

	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`

	Error string `json:"error,omitempty"`
	// Detail is small and kind specific. Never put tokens here.
	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// Dir holds the active file and its rotated backups.
	Dir string
	// MaxBytes is the rotation threshold of the active file.
	MaxBytes int64
	// MaxBackups is how many rotated files are kept.
	MaxBackups int
	Now        func() time.Time
}

type Log struct {
	log        *slog.Logger
	dir        string
	activePath string
	maxBytes   int64
	maxBackups int
	now        func() time.Time

	mu sync.Mutex
}

func Open(opts Options) (*Log, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing fault log dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	activePath := filepath.Join(dir, activeName)
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &Log{
		log:        logger,
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		now:        now,
	}, nil
}

// Record appends e. Failures are logged and otherwise ignored: a fault record
// must never turn into a fault of its own.
func (l *Log) Record(e Entry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = l.now().UTC().Format(time.RFC3339Nano)
	}

	f, err := os.OpenFile(l.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		l.log.Warn("fault log append failed", "error", err)
		return
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	err = enc.Encode(&e)
	_ = f.Close()
	if err != nil {
		l.log.Warn("fault log encode failed", "error", err)
		return
	}
	l.rotateLocked()
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	l.mu.Lock()
	files := append([]string{l.activePath}, l.rotatedLocked(true)...)
	l.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range files {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path, limit-len(out))
		if err != nil {
			l.log.Warn("fault log read failed", "path", path, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// rotatedLocked lists rotated files, newest first when newestFirst is set.
// Names carry UnixMilli so lexical order is age order.
func (l *Log) rotatedLocked(newestFirst bool) []string {
	ents, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, ent := range ents {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, rotatedPrefix) || !strings.HasSuffix(name, rotatedSuffix) {
			continue
		}
		out = append(out, filepath.Join(l.dir, name))
	}
	sort.Strings(out)
	if newestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func (l *Log) rotateLocked() {
	st, err := os.Stat(l.activePath)
	if err != nil || st.Size() <= l.maxBytes {
		return
	}
	dst := filepath.Join(l.dir, fmt.Sprintf("%s%d%s", rotatedPrefix, l.now().UnixMilli(), rotatedSuffix))
	if err := os.Rename(l.activePath, dst); err != nil {
		l.log.Warn("fault log rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(l.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	rotated := l.rotatedLocked(false)
	if len(rotated) <= l.maxBackups {
		return
	}
	for _, p := range rotated[:len(rotated)-l.maxBackups] {
		_ = os.Remove(p)
	}
}

func readNewestFirst(path string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
