package sync

import (
	gosync "sync"

	"github.com/matheus3301/dmsync/internal/logging"
	"github.com/matheus3301/dmsync/internal/store"
	"go.uber.org/zap"
)

// Tracker holds the per-conversation sync watermark: the last applied
// (timestamp, id) position. Cursors only move forward.
type Tracker struct {
	mu      gosync.Mutex
	cursors map[string]store.Cursor
	logger  *zap.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{cursors: make(map[string]store.Cursor), logger: logger}
}

// Get returns the cursor for a conversation, or the epoch cursor if unseen.
func (t *Tracker) Get(conversationID string) store.Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursors[conversationID]
}

// Advance moves the cursor to c if c is not behind the current value.
// Regressions are logged and ignored.
func (t *Tracker) Advance(conversationID string, c store.Cursor) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.cursors[conversationID]
	if c.Compare(cur) < 0 {
		t.logger.Warn("rejected cursor regression",
			logging.Conversation(conversationID),
			logging.Cursor(cur.Timestamp, cur.ID),
			zap.Int64("proposed_ts", c.Timestamp),
			zap.Int64("proposed_id", c.ID))
		return false
	}
	t.cursors[conversationID] = c
	return true
}

// Reset discards a conversation's cursor.
func (t *Tracker) Reset(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, conversationID)
}
