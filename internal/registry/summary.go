package registry

import (
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/store"
)

// Summary is the conversation list entry for one conversation.
type Summary struct {
	ConversationID     string
	Latest             *store.Message
	HasUnconfirmedSend bool
	UnreadCount        int
	Active             bool
}

// ItemKind tells confirmed messages apart from local echoes in a View.
type ItemKind string

const (
	ItemConfirmed ItemKind = "confirmed"
	ItemPending   ItemKind = "pending"
	ItemFailed    ItemKind = "failed"
)

// Item is one displayable line of a conversation.
type Item struct {
	Kind    ItemKind
	Message store.Message
	// Send is set for local echoes.
	Send *outbox.PendingSend
}

// Summary returns the summary of one conversation.
func (r *Registry) Summary(id string) Summary {
	s := Summary{ConversationID: id}
	if latest, ok := r.deps.Store.Latest(id); ok {
		s.Latest = &latest
	}
	if r.deps.Outbox != nil {
		s.HasUnconfirmedSend = r.deps.Outbox.HasUnconfirmed(id)
	}

	r.mu.Lock()
	if c, ok := r.convs[id]; ok {
		s.UnreadCount = c.unread
	}
	_, s.Active = r.active[id]
	r.mu.Unlock()
	return s
}

// Summaries returns one summary per known conversation, the most recently
// updated first.
func (r *Registry) Summaries() []Summary {
	known := make(map[string]struct{})
	for _, id := range r.deps.Store.Conversations() {
		known[id] = struct{}{}
	}
	r.mu.Lock()
	for id := range r.convs {
		known[id] = struct{}{}
	}
	r.mu.Unlock()

	out := make([]Summary, 0, len(known))
	for id := range known {
		out = append(out, r.Summary(id))
	}
	sortSummaries(out)
	return out
}

// View returns the confirmed log of a conversation followed by its local
// echoes in submission order. A confirmed send leaves the echo list and shows
// up at its server position in the log.
func (r *Registry) View(id string) []Item {
	var sends []outbox.PendingSend
	if r.deps.Outbox != nil {
		sends = r.deps.Outbox.Sends(id)
	}
	log := r.deps.Store.Log(id)

	ids := make(map[int64]struct{}, len(log.Messages))
	temps := make(map[string]struct{})
	items := make([]Item, 0, len(log.Messages)+len(sends))
	for _, m := range log.Messages {
		ids[m.ID] = struct{}{}
		if m.ClientTempID != "" {
			temps[m.ClientTempID] = struct{}{}
		}
		items = append(items, Item{Kind: ItemConfirmed, Message: m})
	}
	for i := range sends {
		ps := sends[i]
		// The server copy is already in the log.
		if _, ok := ids[ps.AckID]; ok && ps.AckID != 0 {
			continue
		}
		if _, ok := temps[ps.ClientTempID]; ok {
			continue
		}
		if _, ok := r.deps.Outbox.Get(ps.ClientTempID); !ok {
			continue
		}
		kind := ItemPending
		if ps.State == outbox.Failed {
			kind = ItemFailed
		}
		items = append(items, Item{
			Kind: kind,
			Message: store.Message{
				ConversationID: ps.ConversationID,
				Body:           ps.Body,
				Timestamp:      ps.SubmittedAt.UnixMilli(),
				ClientTempID:   ps.ClientTempID,
			},
			Send: &ps,
		})
	}
	return items
}
