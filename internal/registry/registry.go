package registry

import (
	"cmp"
	"container/list"
	"errors"
	"slices"
	"sync"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/logging"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/store"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"go.uber.org/zap"
)

// ErrNotActive is returned for operations that need an active conversation.
var ErrNotActive = errors.New("conversation not active")

// ErrClosed is returned by Activate after Close.
var ErrClosed = errors.New("registry closed")

// Identity names the signed-in user. Messages from anyone else count as unread.
type Identity interface {
	UserID() string
}

// Config bounds the registry.
type Config struct {
	// MaxActive caps the number of concurrently active conversations.
	MaxActive int
	Engine    intsync.Config
}

// Deps are the shared collaborators handed to every engine.
type Deps struct {
	Store    *store.Store
	Cursors  *intsync.Tracker
	Outbox   *outbox.Reconciler
	Fetcher  intsync.Fetcher
	Creds    intsync.Credentials
	Identity Identity
	Bus      *bus.Bus
	Logger   *zap.Logger
}

type activation struct {
	id     string
	engine *intsync.Engine
	refs   int
	elem   *list.Element
}

type convState struct {
	unread int
	unsub  func()
}

// Registry owns the set of active conversations and their sync engines.
//
// lifeMu serializes activation changes and is held while engines are
// disposed. mu guards the maps and the recency list; it is never held while
// calling into an engine that may be applying a fetch, since store and
// outbox callbacks take mu from the engine goroutine.
type Registry struct {
	lifeMu sync.Mutex

	mu     sync.Mutex
	active map[string]*activation
	lru    *list.List // front is most recently used
	convs  map[string]*convState
	closed bool

	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New creates a registry and starts observing the outbox.
func New(deps Deps, cfg Config) *Registry {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 16
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := &Registry{
		active: make(map[string]*activation),
		lru:    list.New(),
		convs:  make(map[string]*convState),
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger,
	}
	if deps.Outbox != nil {
		deps.Outbox.Observe(r.onOutboxChange)
	}
	return r
}

// Activate starts syncing a conversation, or adds a reference to an already
// active one. Activating beyond MaxActive deactivates the least recently
// used conversation regardless of its reference count.
func (r *Registry) Activate(id string) error {
	if id == "" {
		return errors.New("conversation id is required")
	}

	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if a, ok := r.active[id]; ok {
		a.refs++
		r.lru.MoveToFront(a.elem)
		r.mu.Unlock()
		return nil
	}

	r.ensureConvLocked(id)
	a := &activation{id: id, refs: 1}
	a.engine = intsync.NewEngine(id, intsync.Deps{
		Fetcher:  r.deps.Fetcher,
		Store:    r.deps.Store,
		Cursors:  r.deps.Cursors,
		Observer: r.observer(),
		Creds:    r.deps.Creds,
		Bus:      r.deps.Bus,
		Logger:   r.logger,
	}, r.cfg.Engine)
	a.elem = r.lru.PushFront(a)
	r.active[id] = a

	var evicted []*activation
	for r.lru.Len() > r.cfg.MaxActive {
		oldest := r.lru.Back()
		victim := oldest.Value.(*activation)
		r.lru.Remove(oldest)
		delete(r.active, victim.id)
		evicted = append(evicted, victim)
	}
	r.mu.Unlock()

	for _, victim := range evicted {
		r.logger.Info("evicting least recently used conversation", logging.Conversation(victim.id), zap.Int("refs", victim.refs))
		r.dispose(victim)
	}

	a.engine.Start()
	r.logger.Info("conversation activated", logging.Conversation(id))
	r.deps.Bus.Emit(bus.KindActivated, id)
	r.emitSummary(id)
	return nil
}

// Deactivate releases one reference. The engine is disposed and the cursor
// discarded when the last reference goes away.
func (r *Registry) Deactivate(id string) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	r.mu.Lock()
	a, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotActive
	}
	a.refs--
	if a.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	r.lru.Remove(a.elem)
	delete(r.active, id)
	r.mu.Unlock()

	r.dispose(a)
	return nil
}

// dispose stops an engine that was already removed from the active set.
// Callers hold lifeMu but not mu.
func (r *Registry) dispose(a *activation) {
	a.engine.Stop()
	r.deps.Cursors.Reset(a.id)
	r.logger.Info("conversation deactivated", logging.Conversation(a.id))
	r.deps.Bus.Emit(bus.KindDeactivated, a.id)
	r.emitSummary(a.id)
}

// Close disposes every engine and stops tracking store merges.
func (r *Registry) Close() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []*activation
	for e := r.lru.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(*activation))
	}
	r.lru.Init()
	clear(r.active)
	var unsubs []func()
	for _, c := range r.convs {
		if c.unsub != nil {
			unsubs = append(unsubs, c.unsub)
			c.unsub = nil
		}
	}
	r.mu.Unlock()

	for _, a := range all {
		r.dispose(a)
	}
	for _, unsub := range unsubs {
		unsub()
	}
}

// Active returns the status of every active engine, most recently used first.
func (r *Registry) Active() []intsync.Status {
	r.mu.Lock()
	engines := make([]*intsync.Engine, 0, r.lru.Len())
	for e := r.lru.Front(); e != nil; e = e.Next() {
		engines = append(engines, e.Value.(*activation).engine)
	}
	r.mu.Unlock()

	out := make([]intsync.Status, 0, len(engines))
	for _, eng := range engines {
		out = append(out, eng.Status())
	}
	return out
}

// IsActive reports whether a conversation currently has an engine.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Status returns the engine status of an active conversation.
func (r *Registry) Status(id string) (intsync.Status, error) {
	eng := r.engine(id)
	if eng == nil {
		return intsync.Status{}, ErrNotActive
	}
	return eng.Status(), nil
}

// Wake asks an active conversation to fetch now.
func (r *Registry) Wake(id string) error {
	eng := r.engine(id)
	if eng == nil {
		return ErrNotActive
	}
	eng.Wake()
	return nil
}

// WakeAll asks every active conversation to fetch now.
func (r *Registry) WakeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.active {
		a.engine.Wake()
	}
}

// MarkRead resets the unread count of a conversation.
func (r *Registry) MarkRead(id string) {
	r.mu.Lock()
	c, ok := r.convs[id]
	changed := ok && c.unread > 0
	if changed {
		c.unread = 0
	}
	r.mu.Unlock()

	if changed {
		r.emitSummary(id)
	}
}

func (r *Registry) engine(id string) *intsync.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.active[id]; ok {
		return a.engine
	}
	return nil
}

// ensureConvLocked starts tracking merges for a conversation the first time
// it is seen.
func (r *Registry) ensureConvLocked(id string) *convState {
	c, ok := r.convs[id]
	if ok {
		if c.unsub == nil && !r.closed {
			c.unsub = r.deps.Store.Subscribe(id, r.onMerge)
		}
		return c
	}
	c = &convState{}
	c.unsub = r.deps.Store.Subscribe(id, r.onMerge)
	r.convs[id] = c
	return c
}

func (r *Registry) onMerge(res store.MergeResult) {
	self := ""
	if r.deps.Identity != nil {
		self = r.deps.Identity.UserID()
	}

	r.mu.Lock()
	c, ok := r.convs[res.ConversationID]
	if ok {
		for _, m := range res.Appended {
			if m.SenderID != self {
				c.unread++
			}
		}
	}
	r.mu.Unlock()

	r.emitSummary(res.ConversationID)
}

func (r *Registry) onOutboxChange(c outbox.Change) {
	conv := c.Send.ConversationID
	if c.Kind == outbox.ChangeAcked {
		// The acknowledged message is on the server now; fetch it.
		if eng := r.engine(conv); eng != nil {
			eng.Wake()
		}
	}
	r.emitSummary(conv)
}

// observer returns the merge observer handed to engines.
func (r *Registry) observer() intsync.MergeObserver {
	if r.deps.Outbox == nil {
		return nil
	}
	return r.deps.Outbox
}

func (r *Registry) emitSummary(id string) {
	if r.deps.Bus == nil {
		return
	}
	r.deps.Bus.Emit(bus.KindSummaryChanged, r.Summary(id))
}

// sortSummaries orders by latest message, newest first. Conversations
// without messages go last, by id.
func sortSummaries(s []Summary) {
	slices.SortFunc(s, func(a, b Summary) int {
		switch {
		case a.Latest == nil && b.Latest == nil:
			return cmp.Compare(a.ConversationID, b.ConversationID)
		case a.Latest == nil:
			return 1
		case b.Latest == nil:
			return -1
		}
		if c := b.Latest.Cursor().Compare(a.Latest.Cursor()); c != 0 {
			return c
		}
		return cmp.Compare(a.ConversationID, b.ConversationID)
	})
}
