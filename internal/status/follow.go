package status

import (
	"context"
	"fmt"

	"github.com/matheus3301/dmsync/internal/bus"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"go.uber.org/zap"
)

// Follower drives a Machine from credential and sync events: no credential
// means AuthRequired, any conversation backing off means Degraded.
type Follower struct {
	m       *Machine
	logger  *zap.Logger
	failing map[string]struct{}
	authed  bool
}

// NewFollower creates a follower. authed is the credential state at boot.
func NewFollower(m *Machine, authed bool, logger *zap.Logger) *Follower {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Follower{m: m, logger: logger, failing: make(map[string]struct{}), authed: authed}
}

// Run consumes events until ctx is done. It performs the boot transition
// before reading the first event.
func (f *Follower) Run(ctx context.Context, b *bus.Bus) {
	creds, unsubCreds := b.Subscribe("auth.", 16)
	defer unsubCreds()
	syncs, unsubSync := b.Subscribe("sync.", 256)
	defer unsubSync()

	f.settle()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-creds:
			f.Handle(evt)
		case evt := <-syncs:
			f.Handle(evt)
		}
	}
}

// Handle applies a single event.
func (f *Follower) Handle(evt bus.Event) {
	switch evt.Kind {
	case bus.KindCredentialChanged:
		if ok, isBool := evt.Payload.(bool); isBool {
			f.authed = ok
		}
	case bus.KindFetchFailed:
		if ff, ok := evt.Payload.(intsync.FetchFailure); ok {
			f.failing[ff.ConversationID] = struct{}{}
		}
	case bus.KindRecovered, bus.KindDisposed:
		if id, ok := evt.Payload.(string); ok {
			delete(f.failing, id)
		}
	default:
		return
	}
	f.settle()
}

func (f *Follower) settle() {
	want, reason := Running, ""
	switch {
	case !f.authed:
		want, reason = AuthRequired, "no credential"
	case len(f.failing) > 0:
		want, reason = Degraded, fmt.Sprintf("%d conversation(s) failing to sync", len(f.failing))
	}
	if f.m.Current() == Stopped {
		return
	}
	if err := f.m.Set(want, reason); err != nil {
		f.logger.Warn("status transition rejected", zap.Error(err))
	}
}
