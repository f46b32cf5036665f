package streamtest

import (
	"strconv"
	"sync"
	"time"

	"github.com/floegence/redeven-stream/internal/message"
	"github.com/floegence/redeven-stream/internal/streamevent"
)

type storedFrame struct {
	seq  int64
	data []byte
}

// Stream is the server side of one message's event log.
type Stream struct {
	sessionID string
	messageID string

	mu      sync.Mutex
	frames  []storedFrame
	seq     int64
	subs    map[int]chan []byte
	nextSub int
	ended   bool
	reject  int
	overlap int64
	status  string
	final   *message.Aggregate
}

// Emit appends p with the next sequence and pushes it to live connections.
// A terminal event ends the stream: live connections close after receiving it.
func (st *Stream) Emit(p streamevent.Payload) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	ev := streamevent.New(st.sessionID, st.messageID, st.seq, p)
	ev.EventID = "evt_" + st.messageID + "_" + strconv.FormatInt(st.seq, 10)
	ev.Timestamp = time.Unix(1767225600+st.seq, 0).UTC()
	st.pushLocked(ev)
	return st.seq
}

// EmitRaw pushes a frame verbatim, e.g. malformed input. It carries no sequence
// and is not replayed.
func (st *Stream) EmitRaw(frame []byte) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, ch := range st.subs {
		st.sendLocked(id, ch, frame)
	}
}

func (st *Stream) pushLocked(ev streamevent.Event) {
	data, err := streamevent.Encode(ev)
	if err != nil {
		panic(err)
	}
	st.frames = append(st.frames, storedFrame{seq: ev.Sequence, data: data})
	for id, ch := range st.subs {
		st.sendLocked(id, ch, data)
	}
	if ev.Type.IsTerminal() {
		st.ended = true
		if st.status == message.StatusProcessing || st.status == message.StatusPending {
			st.status = message.StatusCompleted
			if ev.Type == streamevent.TypeError {
				st.status = message.StatusFailed
			}
		}
		st.dropLocked()
	}
}

func (st *Stream) sendLocked(id int, ch chan []byte, frame []byte) {
	select {
	case ch <- frame:
	default:
		// Slow reader; cut it off like a real server would.
		close(ch)
		delete(st.subs, id)
	}
}

// Drop closes every live connection without ending the stream.
func (st *Stream) Drop() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.dropLocked()
}

func (st *Stream) dropLocked() {
	for id, ch := range st.subs {
		close(ch)
		delete(st.subs, id)
	}
}

// RejectConnections makes the next n connection attempts fail with 503.
func (st *Stream) RejectConnections(n int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.reject = n
}

// ReplayOverlap makes later connections replay n events at or before their
// cursor, as servers with inexact resume boundaries do.
func (st *Stream) ReplayOverlap(n int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.overlap = n
}

// SetStatus controls the status endpoint. final is returned as the message
// snapshot when non-nil.
func (st *Stream) SetStatus(status string, final *message.Aggregate) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status = status
	if final != nil {
		c := final.Clone()
		st.final = &c
	} else {
		st.final = nil
	}
}

// Live reports the number of open connections.
func (st *Stream) Live() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

func (st *Stream) takeReject() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.reject <= 0 {
		return false
	}
	st.reject--
	return true
}

func (st *Stream) snapshot() (string, *message.Aggregate) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.final == nil {
		return st.status, nil
	}
	c := st.final.Clone()
	return st.status, &c
}

// attach returns the frames after lastID and, unless the stream ended, a
// channel for live frames.
func (st *Stream) attach(lastID int64) ([][]byte, chan []byte, int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	lastID -= st.overlap
	var backlog [][]byte
	for _, f := range st.frames {
		if f.seq > lastID {
			backlog = append(backlog, f.data)
		}
	}
	if st.ended {
		return backlog, nil, -1
	}
	st.nextSub++
	id := st.nextSub
	ch := make(chan []byte, 1024)
	st.subs[id] = ch
	return backlog, ch, id
}

func (st *Stream) detach(id int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if ch, ok := st.subs[id]; ok {
		close(ch)
		delete(st.subs, id)
	}
}
