package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/logging"
	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/transport"
	"go.uber.org/zap"
)

// Fetcher retrieves messages positioned at or after a cursor.
type Fetcher interface {
	FetchMessagesSince(ctx context.Context, conversationID string, since store.Cursor, limit int) ([]store.Message, error)
}

// MergeObserver is told about messages a fetch appended to the store.
type MergeObserver interface {
	OnSyncMerge(conversationID string, appended []store.Message)
}

// Credentials reports whether a bearer credential is installed.
type Credentials interface {
	Available() bool
}

// Config tunes a sync engine.
type Config struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	FetchTimeout time.Duration
	PageSize     int
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = 2 * time.Second
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = 60 * time.Second
		if c.MaxInterval < c.BaseInterval {
			c.MaxInterval = c.BaseInterval
		}
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	return c
}

// Deps are the collaborators shared by every engine.
type Deps struct {
	Fetcher  Fetcher
	Store    *store.Store
	Cursors  *Tracker
	Observer MergeObserver
	Creds    Credentials
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Status is a snapshot of an engine for display.
type Status struct {
	ConversationID string
	Phase          Phase
	Cursor         store.Cursor
	Failures       int
	LastError      string
	LastSyncAt     time.Time
}

// Retrying reports whether the last fetch failed and a retry is scheduled.
func (s Status) Retrying() bool {
	return s.Failures > 0
}

// FetchFailure is the payload of sync.fetch_failed events.
type FetchFailure struct {
	ConversationID string
	Error          string
	Failures       int
	RetryIn        time.Duration
}

// Engine keeps one conversation in sync. All fetches for the conversation run
// on the engine's goroutine, so at most one is in flight and cursor advances
// are sequenced.
type Engine struct {
	conversationID string
	deps           Deps
	cfg            Config
	logger         *zap.Logger
	backoff        *backoff.ExponentialBackOff

	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce gosync.Once

	// mu guards the fields below and is held while a fetch result is
	// applied, so Stop never returns in the middle of an apply.
	mu         gosync.Mutex
	phase      Phase
	failures   int
	lastErr    error
	lastSyncAt time.Time
}

// NewEngine creates a stopped engine for one conversation.
func NewEngine(conversationID string, deps Deps, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		conversationID: conversationID,
		deps:           deps,
		cfg:            cfg,
		logger:         deps.Logger.With(logging.Conversation(conversationID)),
		backoff:        b,
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		phase:          Idle,
	}
}

// ConversationID returns the conversation this engine syncs.
func (e *Engine) ConversationID() string { return e.conversationID }

// Start launches the engine loop. The first fetch is issued immediately.
func (e *Engine) Start() {
	e.startOnce.Do(func() { go e.run() })
}

// Wake requests a fetch as soon as the engine is idle.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Stop disposes the engine. A fetch still in flight is abandoned and its
// result is never applied. Once Stop returns the engine no longer touches
// the store, the cursor or the observer.
func (e *Engine) Stop() {
	e.cancel()

	e.mu.Lock()
	if e.phase == Disposed {
		e.mu.Unlock()
		return
	}
	e.phase = Disposed
	e.mu.Unlock()

	e.startOnce.Do(func() { close(e.done) })
	e.deps.Bus.Emit(bus.KindDisposed, e.conversationID)
}

// Done is closed when the engine loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		ConversationID: e.conversationID,
		Phase:          e.phase,
		Failures:       e.failures,
		LastSyncAt:     e.lastSyncAt,
	}
	if e.deps.Cursors != nil {
		st.Cursor = e.deps.Cursors.Get(e.conversationID)
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

func (e *Engine) run() {
	defer close(e.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		case <-e.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		next := e.cycle()
		if e.ctx.Err() != nil {
			return
		}
		timer.Reset(next)
	}
}

// cycle runs one fetch and returns the delay until the next one.
func (e *Engine) cycle() time.Duration {
	if e.deps.Creds != nil && !e.deps.Creds.Available() {
		e.setPhase(Idle)
		return e.cfg.BaseInterval
	}
	if !e.setPhase(Fetching) {
		return 0
	}

	since := e.deps.Cursors.Get(e.conversationID)
	fctx, cancel := context.WithTimeout(e.ctx, e.cfg.FetchTimeout)
	batch, err := e.deps.Fetcher.FetchMessagesSince(fctx, e.conversationID, since, e.cfg.PageSize)
	cancel()

	if e.ctx.Err() != nil {
		return 0
	}
	if err != nil {
		return e.fail(err)
	}

	applied, advanced := e.apply(since, batch)
	if !applied {
		return 0
	}
	// A full page only means more is waiting if it moved the cursor; the
	// fetch is inclusive, so a page that repeats the cursor message or holds
	// only malformed entries would otherwise be fetched again at once.
	if advanced && e.cfg.PageSize > 0 && len(batch) >= e.cfg.PageSize {
		return 0
	}
	return e.cfg.BaseInterval
}

// apply merges a fetched batch. applied is false if the engine was disposed
// while the fetch was in flight, in which case nothing is applied. advanced
// reports whether the cursor moved past since.
func (e *Engine) apply(since store.Cursor, batch []store.Message) (applied, advanced bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase == Disposed {
		return false, false
	}
	e.transitionLocked(Applying)

	// Sends are confirmed before store listeners see the merge, so nothing
	// observes a server copy next to its still-pending echo.
	res := e.deps.Store.MergeWith(e.conversationID, batch, func(mr store.MergeResult) {
		if mr.AppendedCount > 0 && e.deps.Observer != nil {
			e.deps.Observer.OnSyncMerge(e.conversationID, mr.Appended)
		}
	})

	var maxCursor store.Cursor
	found := false
	for _, m := range batch {
		if m.ID == 0 || (m.ConversationID != "" && m.ConversationID != e.conversationID) {
			continue
		}
		if !found || m.Cursor().Compare(maxCursor) > 0 {
			maxCursor = m.Cursor()
			found = true
		}
	}
	if found && maxCursor.Compare(since) > 0 {
		advanced = e.deps.Cursors.Advance(e.conversationID, maxCursor)
	}

	if e.failures > 0 {
		e.logger.Info("sync recovered", zap.Int("failures", e.failures))
		e.deps.Bus.Emit(bus.KindRecovered, e.conversationID)
	}
	e.failures = 0
	e.lastErr = nil
	e.lastSyncAt = time.Now()
	e.backoff.Reset()

	if res.AppendedCount > 0 {
		e.logger.Debug("applied fetch",
			zap.Int("appended", res.AppendedCount),
			zap.Int("rejected", res.Rejected),
			logging.Cursor(maxCursor.Timestamp, maxCursor.ID))
	}

	e.transitionLocked(Idle)
	return true, advanced
}

func (e *Engine) fail(err error) time.Duration {
	if errors.Is(err, transport.ErrNoCredential) {
		e.setPhase(Idle)
		return e.cfg.BaseInterval
	}

	e.mu.Lock()
	if e.phase == Disposed {
		e.mu.Unlock()
		return 0
	}
	e.transitionLocked(BackingOff)
	e.failures++
	e.lastErr = err
	failures := e.failures
	delay := e.backoff.NextBackOff()
	e.mu.Unlock()

	if delay == backoff.Stop || delay > e.cfg.MaxInterval {
		delay = e.cfg.MaxInterval
	}

	var netErr *transport.NetworkError
	var srvErr *transport.ServerError
	fields := []zap.Field{zap.Error(err), zap.Int("failures", failures), zap.Duration("retry_in", delay)}
	switch {
	case errors.As(err, &srvErr):
		fields = append(fields, zap.Int("status", srvErr.Code))
	case errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded):
		fields = append(fields, zap.Bool("network", true))
	}
	e.logger.Warn("fetch failed, backing off", fields...)

	e.deps.Bus.Emit(bus.KindFetchFailed, FetchFailure{
		ConversationID: e.conversationID,
		Error:          err.Error(),
		Failures:       failures,
		RetryIn:        delay,
	})
	return delay
}

// setPhase moves to a new phase unless the engine is disposed.
func (e *Engine) setPhase(to Phase) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == Disposed {
		return false
	}
	e.transitionLocked(to)
	return true
}

func (e *Engine) transitionLocked(to Phase) {
	if err := checkTransition(e.phase, to); err != nil {
		e.logger.Error("engine state machine", zap.Error(err))
	}
	e.phase = to
}
