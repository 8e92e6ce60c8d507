package devserver

import (
	"database/sql"
	"errors"
	"time"
)

// Message is a stored message row.
type Message struct {
	ID             int64
	ConversationID string
	SenderID       string
	Body           string
	Timestamp      int64
	ClientTempID   string
}

// InsertMessage stores a message stamped with the server clock. A retried
// send (same sender and client temp id) returns the original row and
// created=false.
func (db *DB) InsertMessage(conversationID, senderID, body, clientTempID string) (m *Message, created bool, err error) {
	db.insertMu.Lock()
	defer db.insertMu.Unlock()

	if clientTempID != "" {
		existing, err := db.messageByTempID(senderID, clientTempID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	ts := max(time.Now().UnixMilli(), db.lastTS)
	var tempID sql.NullString
	if clientTempID != "" {
		tempID = sql.NullString{String: clientTempID, Valid: true}
	}
	res, err := db.Exec(`
		INSERT INTO messages (conversation_id, sender_id, body, timestamp, client_temp_id)
		VALUES (?, ?, ?, ?, ?)`,
		conversationID, senderID, body, ts, tempID)
	if err != nil {
		return nil, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	db.lastTS = ts
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Timestamp:      ts,
		ClientTempID:   clientTempID,
	}, true, nil
}

func (db *DB) messageByTempID(senderID, clientTempID string) (*Message, error) {
	var m Message
	var tempID sql.NullString
	err := db.QueryRow(`
		SELECT id, conversation_id, sender_id, body, timestamp, client_temp_id
		FROM messages WHERE sender_id = ? AND client_temp_id = ?`, senderID, clientTempID).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.Timestamp, &tempID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ClientTempID = tempID.String
	return &m, nil
}

// MessagesSince returns messages positioned at or after (afterTS, afterID)
// using keyset pagination, oldest first.
func (db *DB) MessagesSince(conversationID string, afterTS, afterID int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, body, timestamp, client_temp_id
		FROM messages
		WHERE conversation_id = ? AND (timestamp > ? OR (timestamp = ? AND id >= ?))
		ORDER BY timestamp ASC, id ASC
		LIMIT ?`, conversationID, afterTS, afterTS, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var tempID sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.Timestamp, &tempID); err != nil {
			return nil, err
		}
		m.ClientTempID = tempID.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Senders returns the distinct ids of users who have posted to a conversation.
func (db *DB) Senders(conversationID string) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT sender_id FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
