package outbox

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/logging"
	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Reconciler tracks locally submitted messages from the optimistic echo
// until sync delivers the server copy.
type Reconciler struct {
	mu        sync.Mutex
	sends     map[string]*PendingSend
	seq       uint64
	observers []func(Change)

	sender   Sender
	identity Identity
	limiter  *rate.Limiter
	cfg      Config
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciler. identity may be nil, in which case sync copies
// are matched only by acknowledgement id or client temp id.
func New(sender Sender, identity Identity, cfg Config, b *bus.Bus, logger *zap.Logger) *Reconciler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	burst := 1
	if cfg.SendsPerSecond > 0 {
		limit = rate.Limit(cfg.SendsPerSecond)
		burst = max(1, int(cfg.SendsPerSecond))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		sends:    make(map[string]*PendingSend),
		sender:   sender,
		identity: identity,
		limiter:  rate.NewLimiter(limit, burst),
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Observe registers fn to be called after every state change.
func (r *Reconciler) Observe(fn func(Change)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Start begins the periodic check for acknowledged but unconfirmed sends.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop abandons in-flight sends and stops the sweep loop. Sends that were
// in flight stay pending.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.ctx.Done():
			return
		}
	}
}

// Submit records a message for optimistic display and sends it in the
// background. The returned client temp id identifies the local echo.
func (r *Reconciler) Submit(conversationID, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyBody
	}
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}

	r.mu.Lock()
	r.seq++
	ps := &PendingSend{
		ClientTempID:   uuid.NewString(),
		ConversationID: conversationID,
		Body:           body,
		SubmittedAt:    r.now(),
		State:          Pending,
		seq:            r.seq,
	}
	r.sends[ps.ClientTempID] = ps
	snapshot := *ps
	r.mu.Unlock()

	r.logger.Debug("send submitted", logging.Conversation(conversationID), logging.ClientTemp(ps.ClientTempID))
	r.notify(Change{Kind: ChangeSubmitted, Send: snapshot})
	r.dispatch(snapshot)
	return snapshot.ClientTempID, nil
}

func (r *Reconciler) dispatch(ps PendingSend) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.send(ps)
	}()
}

var errGone = errors.New("send no longer pending")

func (r *Reconciler) send(ps PendingSend) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), r.ctx)

	var ack transport.SendAck
	op := func() error {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return backoff.Permanent(err)
		}
		if !r.beginAttempt(ps.ClientTempID) {
			return backoff.Permanent(errGone)
		}
		var err error
		ack, err = r.sender.SendMessage(r.ctx, ps.ConversationID, ps.Body, ps.ClientTempID)
		if err != nil && transport.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn("send attempt failed, retrying",
			logging.ClientTemp(ps.ClientTempID), zap.Error(err), zap.Duration("retry_in", next))
	}

	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
		r.onAck(ps.ClientTempID, ack)
	case errors.Is(err, errGone):
	case r.ctx.Err() != nil:
		// Shutting down; the send stays pending.
	default:
		r.OnSendFailure(ps.ClientTempID, err)
	}
}

func (r *Reconciler) beginAttempt(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.sends[id]
	if !ok || ps.State != Pending {
		return false
	}
	ps.Attempts++
	return true
}

func (r *Reconciler) onAck(id string, ack transport.SendAck) {
	r.mu.Lock()
	ps, ok := r.sends[id]
	if !ok || ps.State != Pending {
		r.mu.Unlock()
		return
	}
	ps.AckID = ack.ID
	ps.AckedAt = r.now()
	snapshot := *ps
	r.mu.Unlock()

	r.logger.Debug("send acknowledged", logging.ClientTemp(id), logging.MessageID(ack.ID))
	r.notify(Change{Kind: ChangeAcked, Send: snapshot})
}

// OnSendFailure marks a send failed after the transport gave up on it.
func (r *Reconciler) OnSendFailure(clientTempID string, err error) {
	r.mu.Lock()
	ps, ok := r.sends[clientTempID]
	if !ok || ps.State != Pending {
		r.mu.Unlock()
		return
	}
	ps.State = Failed
	ps.FailReason = ReasonSendFailed
	if err != nil {
		ps.LastError = err.Error()
	}
	snapshot := *ps
	r.mu.Unlock()

	r.logger.Warn("send failed", logging.Conversation(snapshot.ConversationID),
		logging.ClientTemp(clientTempID), zap.Error(err), zap.Int("attempts", snapshot.Attempts))
	r.notify(Change{Kind: ChangeFailed, Send: snapshot})
}

// OnSyncMerge confirms pending sends whose server copy was just merged.
// Each appended message confirms at most one send; among body matches the
// oldest submission wins.
func (r *Reconciler) OnSyncMerge(conversationID string, appended []store.Message) {
	self := ""
	if r.identity != nil {
		self = r.identity.UserID()
	}

	var confirmed []Change
	r.mu.Lock()
	candidates := r.sortedLocked(conversationID)
	for _, m := range appended {
		ps := matchExact(candidates, m)
		if ps == nil && self != "" && m.SenderID == self {
			ps = r.matchBody(candidates, m)
		}
		if ps == nil {
			continue
		}
		ps.State = Confirmed
		delete(r.sends, ps.ClientTempID)
		confirmed = append(confirmed, Change{Kind: ChangeConfirmed, Send: *ps, MessageID: m.ID})
		candidates = slices.DeleteFunc(candidates, func(c *PendingSend) bool { return c == ps })
	}
	r.mu.Unlock()

	for _, c := range confirmed {
		r.logger.Debug("send confirmed", logging.ClientTemp(c.Send.ClientTempID), logging.MessageID(c.MessageID))
		r.notify(c)
	}
}

// matchExact finds a send identified by the server copy itself: through the
// echoed client temp id or the id returned in the send acknowledgement.
// Failed sends qualify, since the server may have stored them after all.
func matchExact(candidates []*PendingSend, m store.Message) *PendingSend {
	for _, ps := range candidates {
		if m.ClientTempID != "" && m.ClientTempID == ps.ClientTempID {
			return ps
		}
		if ps.AckID != 0 && ps.AckID == m.ID {
			return ps
		}
	}
	return nil
}

func (r *Reconciler) matchBody(candidates []*PendingSend, m store.Message) *PendingSend {
	for _, ps := range candidates {
		if ps.State != Pending || ps.AckID != 0 {
			continue
		}
		if ps.Body != m.Body {
			continue
		}
		if m.Timestamp < ps.SubmittedAt.Add(-r.cfg.ClockSkew).UnixMilli() {
			continue
		}
		return ps
	}
	return nil
}

// Sweep fails acknowledged sends whose sync copy did not arrive within
// ConfirmTimeout.
func (r *Reconciler) Sweep() {
	now := r.now()
	var expired []Change

	r.mu.Lock()
	for _, ps := range r.sends {
		if ps.State != Pending || ps.AckedAt.IsZero() {
			continue
		}
		if now.Sub(ps.AckedAt) < r.cfg.ConfirmTimeout {
			continue
		}
		ps.State = Failed
		ps.FailReason = ReasonUnconfirmed
		ps.LastError = "server acknowledged the message but sync never delivered it"
		expired = append(expired, Change{Kind: ChangeFailed, Send: *ps})
	}
	r.mu.Unlock()

	for _, c := range expired {
		r.logger.Warn("send unconfirmed", logging.Conversation(c.Send.ConversationID),
			logging.ClientTemp(c.Send.ClientTempID), logging.MessageID(c.Send.AckID))
		r.notify(c)
	}
}

// Retry re-sends a failed message under the same client temp id.
func (r *Reconciler) Retry(clientTempID string) error {
	r.mu.Lock()
	ps, ok := r.sends[clientTempID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSend
	}
	if ps.State != Failed {
		r.mu.Unlock()
		return ErrNotFailed
	}
	ps.State = Pending
	ps.SubmittedAt = r.now()
	ps.Attempts = 0
	ps.AckID = 0
	ps.AckedAt = time.Time{}
	ps.FailReason = ""
	ps.LastError = ""
	snapshot := *ps
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeRetried, Send: snapshot})
	r.dispatch(snapshot)
	return nil
}

// Discard drops a failed message.
func (r *Reconciler) Discard(clientTempID string) error {
	r.mu.Lock()
	ps, ok := r.sends[clientTempID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSend
	}
	if ps.State != Failed {
		r.mu.Unlock()
		return ErrNotFailed
	}
	delete(r.sends, clientTempID)
	snapshot := *ps
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeDiscarded, Send: snapshot})
	return nil
}

// Get returns a send still tracked by the outbox.
func (r *Reconciler) Get(clientTempID string) (PendingSend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.sends[clientTempID]; ok {
		return *ps, true
	}
	return PendingSend{}, false
}

// Sends returns pending and failed sends of a conversation in submission order.
func (r *Reconciler) Sends(conversationID string) []PendingSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingSend
	for _, ps := range r.sortedLocked(conversationID) {
		out = append(out, *ps)
	}
	return out
}

// Pending returns the sends of a conversation still awaiting confirmation.
func (r *Reconciler) Pending(conversationID string) []PendingSend {
	return filterState(r.Sends(conversationID), Pending)
}

// Failed returns the failed sends of a conversation.
func (r *Reconciler) Failed(conversationID string) []PendingSend {
	return filterState(r.Sends(conversationID), Failed)
}

// HasUnconfirmed reports whether a conversation has pending or failed sends.
func (r *Reconciler) HasUnconfirmed(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ps := range r.sends {
		if ps.ConversationID == conversationID {
			return true
		}
	}
	return false
}

func (r *Reconciler) sortedLocked(conversationID string) []*PendingSend {
	var out []*PendingSend
	for _, ps := range r.sends {
		if ps.ConversationID == conversationID {
			out = append(out, ps)
		}
	}
	slices.SortFunc(out, func(a, b *PendingSend) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

func filterState(in []PendingSend, s State) []PendingSend {
	var out []PendingSend
	for _, ps := range in {
		if ps.State == s {
			out = append(out, ps)
		}
	}
	return out
}

func (r *Reconciler) notify(c Change) {
	r.mu.Lock()
	observers := slices.Clone(r.observers)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(c)
	}
	r.bus.Emit(busKind(c.Kind), c)
}

func busKind(k ChangeKind) string {
	switch k {
	case ChangeAcked:
		return bus.KindSendAcked
	case ChangeConfirmed:
		return bus.KindSendConfirmed
	case ChangeFailed:
		return bus.KindSendFailed
	case ChangeDiscarded:
		return bus.KindSendDiscarded
	}
	return bus.KindSendPending
}
