package transcript

import (
	"sync"

	"github.com/rs/zerolog"
)

// Store is an ordered, append-only message log. All mutation funnels through
// a single mutex-serialized path so concurrent event callbacks never observe
// a half-applied update; mutations are applied strictly in arrival order.
// Subscribers are notified synchronously after each mutation.
type Store struct {
	mu          sync.Mutex
	messages    []Message
	version     uint64
	subscribers map[int]func()
	nextSubID   int
	log         zerolog.Logger
}

// NewStore creates an empty Store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		subscribers: make(map[int]func()),
		log:         log.With().Str("component", "transcript").Logger(),
	}
}

// Append adds a message to the end of the log. If the new message is
// streaming, any previously streaming message is finalized first so that at
// most one message streams at a time.
func (s *Store) Append(msg Message) {
	s.mu.Lock()
	if msg.Streaming {
		s.finalizeStreamingLocked(msg.ID)
	}
	s.messages = append(s.messages, msg)
	s.version++
	s.mu.Unlock()

	s.notify()
}

// Patch applies fn to the message with the given id, in place. Returns false
// when no such message exists. The single-streaming invariant is re-enforced
// after fn runs.
func (s *Store) Patch(id string, fn func(*Message)) bool {
	s.mu.Lock()
	idx := -1
	for i := range s.messages {
		if s.messages[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		s.log.Warn().Str("message_id", id).Msg("patch targets unknown message")
		return false
	}

	fn(&s.messages[idx])
	if s.messages[idx].Streaming {
		s.finalizeStreamingLocked(id)
	}
	s.version++
	s.mu.Unlock()

	s.notify()
	return true
}

// finalizeStreamingLocked clears Streaming on every message except keep.
func (s *Store) finalizeStreamingLocked(keep string) {
	for i := range s.messages {
		if s.messages[i].ID != keep && s.messages[i].Streaming {
			s.messages[i].Streaming = false
		}
	}
}

// Clear removes all messages. This is the only path that deletes messages.
func (s *Store) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.version++
	s.mu.Unlock()

	s.notify()
}

// Snapshot returns a deep copy of the current log together with its version.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	for i := range msgs {
		if len(msgs[i].ToolCalls) > 0 {
			tcs := make([]ToolCall, len(msgs[i].ToolCalls))
			copy(tcs, msgs[i].ToolCalls)
			msgs[i].ToolCalls = tcs
		}
	}

	return Snapshot{Version: s.version, Messages: msgs}
}

// Version returns the current mutation counter.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Subscribe registers fn to run synchronously after each mutation. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// notify invokes subscribers outside the lock; mutations all arrive from one
// stream loop, so notification order matches mutation order.
func (s *Store) notify() {
	s.mu.Lock()
	subs := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}
