// Package aggstore holds the live message aggregates of a client and notifies
// observers on every change.
package aggstore

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/floegence/redeven-stream/internal/message"
)

// Observer is called after every change with a copy of the new aggregate.
// Observers run on the goroutine that made the change, outside the store lock.
type Observer func(agg message.Aggregate)

// Persister saves aggregates once they are done.
type Persister interface {
	SaveMessage(ctx context.Context, agg message.Aggregate) error
}

type Options struct {
	Logger    *slog.Logger
	Persister Persister
	// PersistTimeout bounds one SaveMessage call. Defaults to 5s.
	PersistTimeout time.Duration
}

type Store struct {
	log            *slog.Logger
	persister      Persister
	persistTimeout time.Duration

	mu        sync.Mutex
	byID      map[string]message.Aggregate
	order     []string
	observers map[uint64]Observer
	nextObs   uint64
}

func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	timeout := opts.PersistTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{
		log:            logger,
		persister:      opts.Persister,
		persistTimeout: timeout,
		byID:           map[string]message.Aggregate{},
		observers:      map[uint64]Observer{},
	}
}

// Put inserts or replaces the aggregate with agg.MessageID.
func (s *Store) Put(agg message.Aggregate) {
	id := strings.TrimSpace(agg.MessageID)
	if id == "" {
		return
	}
	agg = agg.Clone()
	agg.MessageID = id

	s.mu.Lock()
	prev, existed := s.byID[id]
	if !existed {
		s.order = append(s.order, id)
	}
	s.byID[id] = agg
	obs := s.observersLocked()
	s.mu.Unlock()

	s.changed(prev, existed, agg, obs)
}

func (s *Store) Get(messageID string) (message.Aggregate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.byID[strings.TrimSpace(messageID)]
	if !ok {
		return message.Aggregate{}, false
	}
	return agg.Clone(), true
}

// Update replaces the aggregate for messageID with fn(current). Updates to the
// store are serialized, so fn always sees the latest value. It reports false
// when messageID is unknown.
func (s *Store) Update(messageID string, fn func(message.Aggregate) message.Aggregate) (message.Aggregate, bool) {
	id := strings.TrimSpace(messageID)
	if fn == nil {
		return s.Get(id)
	}

	s.mu.Lock()
	prev, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return message.Aggregate{}, false
	}
	next := fn(prev.Clone())
	next.MessageID = id
	s.byID[id] = next
	obs := s.observersLocked()
	s.mu.Unlock()

	s.changed(prev, true, next, obs)
	return next.Clone(), true
}

// Rename moves the aggregate stored as oldID to newID, keeping its position.
// Used when the server assigns the real id to a provisional message.
func (s *Store) Rename(oldID string, newID string) (message.Aggregate, bool) {
	oldID = strings.TrimSpace(oldID)
	newID = strings.TrimSpace(newID)
	if oldID == "" || newID == "" {
		return message.Aggregate{}, false
	}

	s.mu.Lock()
	agg, ok := s.byID[oldID]
	if !ok {
		s.mu.Unlock()
		return message.Aggregate{}, false
	}
	if oldID == newID {
		s.mu.Unlock()
		return agg.Clone(), true
	}
	delete(s.byID, oldID)
	agg.MessageID = newID
	if _, exists := s.byID[newID]; exists {
		// The target already exists; drop the provisional entry's slot.
		s.order = removeID(s.order, oldID)
	} else {
		for i, id := range s.order {
			if id == oldID {
				s.order[i] = newID
				break
			}
		}
	}
	s.byID[newID] = agg
	obs := s.observersLocked()
	s.mu.Unlock()

	s.notify(agg, obs)
	return agg.Clone(), true
}

func (s *Store) Remove(messageID string) {
	id := strings.TrimSpace(messageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	s.order = removeID(s.order, id)
}

// List returns the aggregates of sessionID in insertion order. An empty
// sessionID lists everything.
func (s *Store) List(sessionID string) []message.Aggregate {
	sessionID = strings.TrimSpace(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Aggregate, 0, len(s.order))
	for _, id := range s.order {
		agg := s.byID[id]
		if sessionID != "" && agg.SessionID != sessionID {
			continue
		}
		out = append(out, agg.Clone())
	}
	return out
}

// Subscribe registers fn and returns a func that removes it.
func (s *Store) Subscribe(fn Observer) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextObs++
	id := s.nextObs
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) observersLocked() []Observer {
	if len(s.observers) == 0 {
		return nil
	}
	out := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		out = append(out, fn)
	}
	return out
}

func (s *Store) changed(prev message.Aggregate, existed bool, next message.Aggregate, obs []Observer) {
	s.notify(next, obs)
	if s.persister == nil || !next.Done() {
		return
	}
	if existed && prev.Done() && prev.LastSequence == next.LastSequence && prev.UpdatedAt.Equal(next.UpdatedAt) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	if err := s.persister.SaveMessage(ctx, next); err != nil {
		s.log.Warn("persist message failed", "message_id", next.MessageID, "error", err)
	}
}

func (s *Store) notify(agg message.Aggregate, obs []Observer) {
	for _, fn := range obs {
		fn(agg.Clone())
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
