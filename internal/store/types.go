package store

// Message is a server-confirmed chat message. Timestamp is the server
// timestamp in unix milliseconds.
type Message struct {
	ID             int64
	ConversationID string
	SenderID       string
	Body           string
	Timestamp      int64
	ClientTempID   string
}

// Cursor returns the ordering key of the message.
func (m Message) Cursor() Cursor {
	return Cursor{Timestamp: m.Timestamp, ID: m.ID}
}

// Cursor is a position in a conversation's message sequence, ordered by
// (Timestamp, ID). The zero value sorts before every message.
type Cursor struct {
	Timestamp int64
	ID        int64
}

// Compare returns -1, 0 or +1 depending on whether c sorts before, equal to
// or after other.
func (c Cursor) Compare(other Cursor) int {
	switch {
	case c.Timestamp < other.Timestamp:
		return -1
	case c.Timestamp > other.Timestamp:
		return 1
	case c.ID < other.ID:
		return -1
	case c.ID > other.ID:
		return 1
	}
	return 0
}

// IsZero reports whether c is the epoch cursor.
func (c Cursor) IsZero() bool {
	return c.Timestamp == 0 && c.ID == 0
}

// ConversationLog is a read-only snapshot of one conversation.
type ConversationLog struct {
	ConversationID string
	Messages       []Message
}

// Latest returns the newest message, if any.
func (l ConversationLog) Latest() (Message, bool) {
	if len(l.Messages) == 0 {
		return Message{}, false
	}
	return l.Messages[len(l.Messages)-1], true
}

// MergeResult describes the effect of a single Merge call.
type MergeResult struct {
	ConversationID string
	AppendedCount  int
	// Appended holds the newly inserted messages in log order.
	Appended []Message
	// Latest is the newest message of the log after the merge.
	Latest   *Message
	Rejected int
}

// Listener is called after a merge appended at least one message.
type Listener func(MergeResult)
