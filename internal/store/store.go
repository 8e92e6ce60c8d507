package store

import (
	"slices"
	"sync"

	"github.com/matheus3301/dmsync/internal/logging"
	"go.uber.org/zap"
)

// Store is the in-memory message store. It exclusively owns every
// conversation log and is shared by all sync engines.
type Store struct {
	mu     sync.Mutex
	logs   map[string]*convLog
	subs   map[string][]*subscription // per conversation, in subscription order
	logger *zap.Logger
}

type subscription struct {
	mu     sync.Mutex
	active bool
	fn     Listener
}

// New creates an empty store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logs:   make(map[string]*convLog),
		subs:   make(map[string][]*subscription),
		logger: logger,
	}
}

// Merge applies incoming messages to a conversation log. Messages already in
// the log (by ID) are ignored, so re-applying a batch is a no-op. Entries
// without an ID or addressed to another conversation are dropped and counted
// without affecting the rest of the batch.
func (s *Store) Merge(conversationID string, incoming []Message) MergeResult {
	return s.MergeWith(conversationID, incoming, nil)
}

// MergeWith is Merge with a hook that runs after the log is updated and
// before any listener is notified. first is called for every merge, even
// one that appended nothing.
func (s *Store) MergeWith(conversationID string, incoming []Message, first Listener) MergeResult {
	res := MergeResult{ConversationID: conversationID}

	s.mu.Lock()
	l, ok := s.logs[conversationID]
	if !ok {
		l = newConvLog()
		s.logs[conversationID] = l
	}

	fresh := make([]Message, 0, len(incoming))
	seen := make(map[int64]struct{}, len(incoming))
	for _, m := range incoming {
		if m.ID == 0 || (m.ConversationID != "" && m.ConversationID != conversationID) {
			l.malformed++
			res.Rejected++
			continue
		}
		if _, dup := l.ids[m.ID]; dup {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.ConversationID = conversationID
		fresh = append(fresh, m)
	}
	slices.SortFunc(fresh, func(a, b Message) int { return a.Cursor().Compare(b.Cursor()) })
	l.insert(fresh)

	res.AppendedCount = len(fresh)
	res.Appended = fresh
	res.Latest = l.latest()

	var listeners []*subscription
	if res.AppendedCount > 0 {
		listeners = slices.Clone(s.subs[conversationID])
	}
	s.mu.Unlock()

	if res.Rejected > 0 {
		s.logger.Warn("dropped malformed messages",
			logging.Conversation(conversationID), zap.Int("rejected", res.Rejected))
	}

	if first != nil {
		first(res)
	}
	for _, sub := range listeners {
		sub.mu.Lock()
		if sub.active {
			sub.fn(res)
		}
		sub.mu.Unlock()
	}
	return res
}

// Log returns a copy of a conversation's log.
func (s *Store) Log(conversationID string) ConversationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ConversationLog{ConversationID: conversationID}
	if l, ok := s.logs[conversationID]; ok {
		out.Messages = slices.Clone(l.msgs)
	}
	return out
}

// Latest returns the newest message of a conversation.
func (s *Store) Latest(conversationID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[conversationID]; ok {
		if m := l.latest(); m != nil {
			return *m, true
		}
	}
	return Message{}, false
}

// Malformed returns how many entries were dropped for a conversation.
func (s *Store) Malformed(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[conversationID]; ok {
		return l.malformed
	}
	return 0
}

// Conversations returns the ids of all conversations holding messages.
func (s *Store) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.logs))
	for id, l := range s.logs {
		if len(l.msgs) > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Subscribe registers fn for merges affecting conversationID. Listeners run
// synchronously on the merging goroutine, in the order they subscribed.
// Once the returned function returns, fn is never called again. It must not
// be called from inside fn.
func (s *Store) Subscribe(conversationID string, fn Listener) func() {
	sub := &subscription{active: true, fn: fn}

	s.mu.Lock()
	s.subs[conversationID] = append(s.subs[conversationID], sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.subs[conversationID] = slices.DeleteFunc(s.subs[conversationID], func(x *subscription) bool { return x == sub })
		if len(s.subs[conversationID]) == 0 {
			delete(s.subs, conversationID)
		}
		s.mu.Unlock()

		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
}
