package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/store"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"github.com/matheus3301/dmsync/internal/transport"
	"go.uber.org/zap"
)

// fakeServer is an in-memory message server used as both fetcher and sender.
type fakeServer struct {
	mu      sync.Mutex
	msgs    map[string][]store.Message
	nextID  int64
	nextTS  int64
	fetches map[string]int
	// hold, when set, delays acks until closed; the message is stored first.
	hold chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		msgs:    make(map[string][]store.Message),
		nextID:  9,
		nextTS:  200,
		fetches: make(map[string]int),
	}
}

func (s *fakeServer) FetchMessagesSince(_ context.Context, conv string, since store.Cursor, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[conv]++
	var out []store.Message
	for _, m := range s.msgs[conv] {
		if m.Cursor().Compare(since) >= 0 {
			out = append(out, m)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeServer) SendMessage(_ context.Context, conv, body, tempID string) (transport.SendAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := store.Message{ID: s.nextID, ConversationID: conv, SenderID: "me", Body: body, Timestamp: s.nextTS, ClientTempID: tempID}
	s.nextID++
	s.nextTS++
	s.msgs[conv] = append(s.msgs[conv], m)
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		<-hold
	}
	s.mu.Lock()
	return transport.SendAck{ID: m.ID, Timestamp: m.Timestamp}, nil
}

func (s *fakeServer) add(m store.Message) {
	s.mu.Lock()
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], m)
	s.mu.Unlock()
}

func (s *fakeServer) fetchCount(conv string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[conv]
}

type staticIdentity string

func (s staticIdentity) UserID() string { return string(s) }

type fixture struct {
	reg     *Registry
	srv     *fakeServer
	store   *store.Store
	cursors *intsync.Tracker
	outbox  *outbox.Reconciler
	bus     *bus.Bus
}

func newFixture(t *testing.T, maxActive int) *fixture {
	t.Helper()
	logger := zap.NewNop()
	srv := newFakeServer()
	b := bus.New()
	st := store.New(logger)
	cursors := intsync.NewTracker(logger)
	ob := outbox.New(srv, staticIdentity("me"), outbox.Config{RetryInterval: 5 * time.Millisecond, SweepInterval: time.Hour}, b, logger)
	ob.Start()

	reg := New(Deps{
		Store:    st,
		Cursors:  cursors,
		Outbox:   ob,
		Fetcher:  srv,
		Identity: staticIdentity("me"),
		Bus:      b,
		Logger:   logger,
	}, Config{
		MaxActive: maxActive,
		Engine:    intsync.Config{BaseInterval: 10 * time.Millisecond, MaxInterval: 40 * time.Millisecond, FetchTimeout: time.Second},
	})
	t.Cleanup(func() {
		reg.Close()
		ob.Stop()
	})
	return &fixture{reg: reg, srv: srv, store: st, cursors: cursors, outbox: ob, bus: b}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestActivateRefcount(t *testing.T) {
	f := newFixture(t, 4)

	if err := f.reg.Activate("c1"); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Activate("c1"); err != nil {
		t.Fatal(err)
	}
	if n := len(f.reg.Active()); n != 1 {
		t.Fatalf("Active() = %d engines, want 1", n)
	}

	if err := f.reg.Deactivate("c1"); err != nil {
		t.Fatal(err)
	}
	if !f.reg.IsActive("c1") {
		t.Fatal("conversation deactivated while still referenced")
	}
	if err := f.reg.Deactivate("c1"); err != nil {
		t.Fatal(err)
	}
	if f.reg.IsActive("c1") {
		t.Fatal("conversation still active after last reference released")
	}
	if err := f.reg.Deactivate("c1"); !errors.Is(err, ErrNotActive) {
		t.Errorf("Deactivate(inactive) = %v, want ErrNotActive", err)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	f := newFixture(t, 2)
	f.srv.add(store.Message{ID: 1, ConversationID: "b", SenderID: "bob", Body: "x", Timestamp: 10})

	ch, unsub := f.bus.Subscribe(bus.KindDeactivated, 4)
	defer unsub()

	for _, id := range []string{"a", "b"} {
		if err := f.reg.Activate(id); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "b cursor", func() bool { return !f.cursors.Get("b").IsZero() })

	// Touch a so b becomes the least recently used.
	if err := f.reg.Activate("a"); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Activate("c"); err != nil {
		t.Fatal(err)
	}

	if f.reg.IsActive("b") {
		t.Error("b still active, want evicted")
	}
	if !f.reg.IsActive("a") || !f.reg.IsActive("c") {
		t.Error("a and c should stay active")
	}
	if got := f.cursors.Get("b"); !got.IsZero() {
		t.Errorf("cursor of evicted conversation = %+v, want discarded", got)
	}

	select {
	case evt := <-ch:
		if evt.Payload != "b" {
			t.Errorf("deactivated %v, want b", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for deactivation event")
	}

	// The log survives eviction; only the engine and cursor go away.
	if n := len(f.store.Log("b").Messages); n != 1 {
		t.Errorf("log of b has %d messages after eviction, want 1", n)
	}
}

func TestDeactivatedEngineStopsFetching(t *testing.T) {
	f := newFixture(t, 4)
	if err := f.reg.Activate("c1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a few fetches", func() bool { return f.srv.fetchCount("c1") >= 2 })

	if err := f.reg.Deactivate("c1"); err != nil {
		t.Fatal(err)
	}
	n := f.srv.fetchCount("c1")
	time.Sleep(50 * time.Millisecond)
	if got := f.srv.fetchCount("c1"); got != n {
		t.Errorf("fetches went from %d to %d after deactivation", n, got)
	}
}

func TestSubmitConfirmEndToEnd(t *testing.T) {
	f := newFixture(t, 4)
	if err := f.reg.Activate("c1"); err != nil {
		t.Fatal(err)
	}

	id, err := f.outbox.Submit("c1", "hi")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "confirmation", func() bool {
		_, pending := f.outbox.Get(id)
		return !pending
	})

	view := f.reg.View("c1")
	count := 0
	for _, it := range view {
		if it.Message.Body == "hi" {
			count++
			if it.Kind != ItemConfirmed || it.Message.ID != 9 {
				t.Errorf("item = %+v, want confirmed id 9", it)
			}
		}
	}
	if count != 1 {
		t.Fatalf("view shows %d copies of hi, want 1: %+v", count, view)
	}

	s := f.reg.Summary("c1")
	if s.HasUnconfirmedSend {
		t.Error("summary still reports an unconfirmed send")
	}
	if s.UnreadCount != 0 {
		t.Errorf("own message counted as unread: %d", s.UnreadCount)
	}
}

// TestViewDuringMergeShowsOneCopy checks a view taken from a store listener
// while sync delivers the server copy of a send whose ack is still in flight.
func TestViewDuringMergeShowsOneCopy(t *testing.T) {
	f := newFixture(t, 4)
	hold := make(chan struct{})
	f.srv.mu.Lock()
	f.srv.hold = hold
	f.srv.mu.Unlock()
	t.Cleanup(func() { close(hold) })

	var mu sync.Mutex
	copies := -1
	unsub := f.store.Subscribe("c1", func(store.MergeResult) {
		n := 0
		for _, it := range f.reg.View("c1") {
			if it.Message.Body == "hi" {
				n++
			}
		}
		mu.Lock()
		copies = max(copies, n)
		mu.Unlock()
	})
	defer unsub()

	if err := f.reg.Activate("c1"); err != nil {
		t.Fatal(err)
	}
	id, err := f.outbox.Submit("c1", "hi")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "merge of the server copy", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return copies >= 0
	})
	mu.Lock()
	got := copies
	mu.Unlock()
	if got != 1 {
		t.Errorf("view during merge notification shows %d copies of hi, want 1", got)
	}
	if ps, pending := f.outbox.Get(id); pending {
		t.Errorf("send still tracked after sync copy: %+v", ps)
	}
}

func TestViewHidesEchoWhoseCopyIsLogged(t *testing.T) {
	f := newFixture(t, 4)
	hold := make(chan struct{})
	f.srv.mu.Lock()
	f.srv.hold = hold
	f.srv.mu.Unlock()
	t.Cleanup(func() { close(hold) })

	id, err := f.outbox.Submit("c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	// Merged straight into the store, bypassing the outbox: only the log
	// knows the echo has landed.
	f.store.Merge("c1", []store.Message{{ID: 50, ConversationID: "c1", SenderID: "me", Body: "hi", Timestamp: 5, ClientTempID: id}})

	view := f.reg.View("c1")
	if len(view) != 1 || view[0].Kind != ItemConfirmed || view[0].Message.ID != 50 {
		t.Errorf("view = %+v, want only the confirmed copy", view)
	}
}

func TestViewShowsEchoBeforeSync(t *testing.T) {
	f := newFixture(t, 4)
	f.store.Merge("c1", []store.Message{{ID: 1, ConversationID: "c1", SenderID: "bob", Body: "yo", Timestamp: 5}})

	id, err := f.outbox.Submit("c1", "hi")
	if err != nil {
		t.Fatal(err)
	}

	// Not active, so nothing fetches the server copy.
	view := f.reg.View("c1")
	if len(view) != 2 {
		t.Fatalf("view = %+v, want log entry plus echo", view)
	}
	if view[0].Kind != ItemConfirmed || view[0].Message.ID != 1 {
		t.Errorf("view[0] = %+v, want confirmed id 1", view[0])
	}
	if view[1].Kind != ItemPending || view[1].Message.ClientTempID != id || view[1].Send == nil {
		t.Errorf("view[1] = %+v, want pending echo %s", view[1], id)
	}
}

func TestSummariesUnreadAndOrder(t *testing.T) {
	f := newFixture(t, 4)
	f.srv.add(store.Message{ID: 1, ConversationID: "old", SenderID: "bob", Body: "a", Timestamp: 10})
	f.srv.add(store.Message{ID: 2, ConversationID: "new", SenderID: "ann", Body: "b", Timestamp: 20})
	f.srv.add(store.Message{ID: 3, ConversationID: "new", SenderID: "ann", Body: "c", Timestamp: 30})
	f.srv.add(store.Message{ID: 4, ConversationID: "new", SenderID: "me", Body: "d", Timestamp: 40})

	for _, id := range []string{"old", "new", "empty"} {
		if err := f.reg.Activate(id); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "sync", func() bool {
		return len(f.store.Log("new").Messages) == 3 && len(f.store.Log("old").Messages) == 1
	})

	sums := f.reg.Summaries()
	if len(sums) != 3 {
		t.Fatalf("Summaries() = %+v, want 3", sums)
	}
	order := []string{sums[0].ConversationID, sums[1].ConversationID, sums[2].ConversationID}
	if order[0] != "new" || order[1] != "old" || order[2] != "empty" {
		t.Errorf("order = %v, want [new old empty]", order)
	}
	if sums[0].UnreadCount != 2 {
		t.Errorf("unread(new) = %d, want 2", sums[0].UnreadCount)
	}
	if sums[0].Latest == nil || sums[0].Latest.ID != 4 {
		t.Errorf("latest(new) = %+v, want id 4", sums[0].Latest)
	}
	if !sums[0].Active {
		t.Error("active flag not set")
	}

	f.reg.MarkRead("new")
	if got := f.reg.Summary("new").UnreadCount; got != 0 {
		t.Errorf("unread after MarkRead = %d, want 0", got)
	}
}

func TestWake(t *testing.T) {
	f := newFixture(t, 4)
	if err := f.reg.Wake("nope"); !errors.Is(err, ErrNotActive) {
		t.Errorf("Wake(inactive) = %v, want ErrNotActive", err)
	}
	if err := f.reg.Activate("c1"); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Wake("c1"); err != nil {
		t.Errorf("Wake(c1) = %v", err)
	}
	f.reg.WakeAll()
}

func TestClose(t *testing.T) {
	f := newFixture(t, 4)
	if err := f.reg.Activate("c1"); err != nil {
		t.Fatal(err)
	}
	f.reg.Close()

	if f.reg.IsActive("c1") {
		t.Error("engine survived Close")
	}
	if err := f.reg.Activate("c2"); !errors.Is(err, ErrClosed) {
		t.Errorf("Activate after Close = %v, want ErrClosed", err)
	}
}
