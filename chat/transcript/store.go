// Package transcript holds the ordered conversation state. The Store is the
// only mutation path; renderers and persistence observe it through Snapshot
// and Subscribe.
package transcript

import (
	"errors"
	"sync"
)

// ErrNoActiveAssistantTurn is returned when text is applied while no open
// assistant message exists. It means fragments arrived out of sequence.
var ErrNoActiveAssistantTurn = errors.New("no active assistant turn")

// Handle addresses a message by its position in the transcript.
type Handle int

// EventKind distinguishes new entries from in-place content growth.
type EventKind int

const (
	EventAppended EventKind = iota
	EventExtended
)

func (k EventKind) String() string {
	switch k {
	case EventAppended:
		return "appended"
	case EventExtended:
		return "extended"
	default:
		return "unknown"
	}
}

// Event describes one store mutation. Message is the entry after the change;
// Delta carries the appended text for EventExtended.
type Event struct {
	Kind    EventKind
	Index   int
	Message Message
	Delta   string
}

type entry struct {
	msg    Message
	sealed bool
}

type subscriber struct {
	id int
	fn func(Event)
}

// Store is an append-only transcript.
//
// Only the most recently appended assistant message can be extended, and only
// until it is sealed. Appending a new assistant message seals the previous one.
// Readers may call Snapshot from any goroutine; mutations are expected from a
// single goroutine at a time and subscribers run on that goroutine after the
// mutation is visible.
type Store struct {
	mu      sync.RWMutex
	entries []entry
	live    Handle // open assistant message, -1 if none

	subMu  sync.Mutex
	subs   []subscriber
	nextID int
}

// NewStore creates a store seeded with the given messages. Seed messages are
// sealed.
func NewStore(seed ...Message) *Store {
	s := &Store{live: -1}
	for _, m := range seed {
		s.entries = append(s.entries, entry{msg: m, sealed: true})
	}
	return s
}

// Append adds msg to the end of the transcript and returns its handle.
func (s *Store) Append(msg Message) Handle {
	s.mu.Lock()
	h := Handle(len(s.entries))
	sealed := msg.Role != RoleAssistant
	if !sealed {
		if s.live >= 0 {
			s.entries[s.live].sealed = true
		}
		s.live = h
	}
	s.entries = append(s.entries, entry{msg: msg, sealed: sealed})
	s.mu.Unlock()

	s.notify(Event{Kind: EventAppended, Index: int(h), Message: msg})
	return h
}

// AppendToLastAssistant concatenates text onto the last assistant message.
func (s *Store) AppendToLastAssistant(text string) error {
	s.mu.RLock()
	h := Handle(-1)
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].msg.Role == RoleAssistant {
			h = Handle(i)
			break
		}
	}
	s.mu.RUnlock()
	if h < 0 {
		return ErrNoActiveAssistantTurn
	}
	return s.Extend(h, text)
}

// Extend concatenates text onto the open assistant message addressed by h.
// The entry keeps its position; subscribers see it updated in place.
func (s *Store) Extend(h Handle, text string) error {
	s.mu.Lock()
	if h < 0 || int(h) >= len(s.entries) || h != s.live || s.entries[h].sealed {
		s.mu.Unlock()
		return ErrNoActiveAssistantTurn
	}
	s.entries[h].msg.Content += text
	msg := s.entries[h].msg
	s.mu.Unlock()

	s.notify(Event{Kind: EventExtended, Index: int(h), Message: msg, Delta: text})
	return nil
}

// Seal closes the message addressed by h for further extension. Sealing an
// already sealed or unknown handle is a no-op.
func (s *Store) Seal(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h < 0 || int(h) >= len(s.entries) {
		return
	}
	s.entries[h].sealed = true
	if s.live == h {
		s.live = -1
	}
}

// Snapshot returns a copy of the transcript.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

// At returns the message addressed by h.
func (s *Store) At(h Handle) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h < 0 || int(h) >= len(s.entries) {
		return Message{}, false
	}
	return s.entries[h].msg, true
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe registers fn for every append and extension. Callbacks for a
// single notification fire in subscription order. fn must not mutate the store.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) notify(ev Event) {
	s.subMu.Lock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.fn(ev)
	}
}
