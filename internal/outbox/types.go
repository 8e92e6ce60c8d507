package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/dmsync/internal/transport"
)

// State is the lifecycle state of a locally submitted message.
type State string

const (
	Pending   State = "pending"
	Confirmed State = "confirmed"
	Failed    State = "failed"
)

// FailReason distinguishes an outright send failure from a send the server
// acknowledged but sync never delivered.
type FailReason string

const (
	ReasonSendFailed  FailReason = "send_failed"
	ReasonUnconfirmed FailReason = "unconfirmed"
)

// PendingSend is a locally submitted, not yet confirmed message.
type PendingSend struct {
	ClientTempID   string
	ConversationID string
	Body           string
	SubmittedAt    time.Time
	State          State
	Attempts       int

	// AckID and AckedAt are set once the server acknowledged the send.
	AckID   int64
	AckedAt time.Time

	FailReason FailReason
	LastError  string

	seq uint64
}

// ChangeKind names a PendingSend transition.
type ChangeKind string

const (
	ChangeSubmitted ChangeKind = "submitted"
	ChangeAcked     ChangeKind = "acked"
	ChangeConfirmed ChangeKind = "confirmed"
	ChangeFailed    ChangeKind = "failed"
	ChangeRetried   ChangeKind = "retried"
	ChangeDiscarded ChangeKind = "discarded"
)

// Change is delivered to observers after every transition.
type Change struct {
	Kind ChangeKind
	Send PendingSend
	// MessageID is the confirming server message for ChangeConfirmed.
	MessageID int64
}

// Sender delivers a message to the server.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, body, clientTempID string) (transport.SendAck, error)
}

// Identity names the signed-in user; sync copies of their own sends carry
// this id as sender.
type Identity interface {
	UserID() string
}

// Config tunes the reconciler.
type Config struct {
	// ConfirmTimeout bounds the wait between a send acknowledgement and the
	// sync delivery of the same message.
	ConfirmTimeout time.Duration
	// MaxAttempts bounds send attempts before a send is marked failed.
	MaxAttempts int
	// SendsPerSecond throttles outgoing sends; zero means unlimited.
	SendsPerSecond float64
	// RetryInterval is the first delay between send attempts.
	RetryInterval time.Duration
	// SweepInterval is how often unconfirmed sends are checked.
	SweepInterval time.Duration
	// ClockSkew widens the timestamp window used when matching sync copies
	// by body, for servers whose clock runs behind ours. Zero means 2s,
	// negative means no allowance.
	ClockSkew time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	switch {
	case c.ClockSkew == 0:
		c.ClockSkew = 2 * time.Second
	case c.ClockSkew < 0:
		c.ClockSkew = 0
	}
	return c
}

var (
	// ErrUnknownSend is returned for client temp ids not in the outbox.
	ErrUnknownSend = errors.New("unknown send")
	// ErrNotFailed is returned when retrying or discarding a send that has not failed.
	ErrNotFailed = errors.New("send has not failed")
	// ErrEmptyBody is returned by Submit for blank messages.
	ErrEmptyBody = errors.New("message body is empty")
)
