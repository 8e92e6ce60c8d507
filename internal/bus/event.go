package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix ("sync.", "outbox.", ...).
const (
	KindStatusChanged = "core.status_changed"

	KindFetchFailed = "sync.fetch_failed"
	KindRecovered   = "sync.recovered"
	KindDisposed    = "sync.disposed"

	KindSendPending   = "outbox.pending"
	KindSendAcked     = "outbox.acked"
	KindSendConfirmed = "outbox.confirmed"
	KindSendFailed    = "outbox.failed"
	KindSendDiscarded = "outbox.discarded"

	KindActivated      = "conversation.activated"
	KindDeactivated    = "conversation.deactivated"
	KindSummaryChanged = "conversation.summary_changed"

	KindCredentialChanged = "auth.credential_changed"
)
