package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by engine calls made after Close.
var ErrClosed = errors.New("chatsync: engine closed")

// Status is the engine's observable loading and error state.
type Status struct {
	ConversationID string
	// Counterpart is nil until the conversation has loaded.
	Counterpart *Counterpart

	LoadingConversation bool
	LoadingHistory      bool
	ConversationErr     error
	HistoryErr          error

	Subscription    SubscriptionState
	SubscriptionErr error
}

// ============================================================================
// Options
// ============================================================================

type EngineOption func(*Engine)

func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithKeepAliveInterval sets how often the live channel is pinged.
func WithKeepAliveInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.keepAlive = d
		}
	}
}

// WithReconnect turns on reconnect-with-backoff for the live feed. Without it
// a dropped feed leaves the engine in SubError until the next Activate.
func WithReconnect(p ReconnectPolicy) EngineOption {
	return func(e *Engine) {
		p.defaults()
		e.reconnect = &p
	}
}

// WithClock overrides the timestamp source of provisional messages.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// ============================================================================
// Engine
// ============================================================================

// Engine synchronizes the message log of the active conversation.
type Engine struct {
	store     Store
	feed      Feed
	self      string
	log       zerolog.Logger
	keepAlive time.Duration
	reconnect *ReconnectPolicy
	now       func() time.Time

	rec *reconciler
	sub *subscriber

	// mu serializes Activate and Close.
	mu sync.Mutex

	stateMu        sync.RWMutex
	epoch          uint64
	conversationID string
	closed         bool
	cancelActive   context.CancelFunc
	status         Status
}

// NewEngine creates an engine for the local user self. Close releases it.
func NewEngine(store Store, feed Feed, self string, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		feed:      feed,
		self:      self,
		log:       zerolog.Nop(),
		keepAlive: DefaultKeepAliveInterval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "chatsync").Str("self", self).Logger()

	e.rec = newReconciler(e.log.With().Str("component", "reconciler").Logger())
	e.sub = &subscriber{
		feed:      feed,
		self:      self,
		interval:  e.keepAlive,
		reconnect: e.reconnect,
		log:       e.log.With().Str("component", "subscriber").Logger(),
		forward: func(epoch uint64, msg Message) {
			e.rec.append(epoch, Entry{Message: msg, State: StateConfirmed})
		},
		caughtUp: e.catchUp,
	}
	return e
}

// Activate makes conversationID the active conversation. The previous
// subscription is closed and the log reset before anything new is opened.
// Conversation metadata and history load in parallel with the subscription.
//
// Load failures leave the engine usable and are reported through Status.
// The returned error is the subscription failure, if any.
func (e *Engine) Activate(ctx context.Context, conversationID string) error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return ErrClosed
	}
	if e.cancelActive != nil {
		e.cancelActive()
	}
	e.stateMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.sub.close()

	actCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return ErrClosed
	}
	e.epoch++
	epoch := e.epoch
	e.conversationID = conversationID
	e.cancelActive = cancel
	e.status = Status{
		ConversationID:      conversationID,
		LoadingConversation: true,
		LoadingHistory:      true,
	}
	e.stateMu.Unlock()

	e.rec.reset(epoch)
	e.log.Info().Str("conversation_id", conversationID).Uint64("epoch", epoch).Msg("activating conversation")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.loadConversation(actCtx, epoch, conversationID)
	}()
	go func() {
		defer wg.Done()
		e.loadHistory(actCtx, epoch, conversationID)
	}()

	err := e.sub.open(actCtx, epoch, conversationID)
	wg.Wait()
	return err
}

// Messages returns a copy of the ordered log.
func (e *Engine) Messages() []Entry {
	return e.rec.snapshot()
}

// OnChange registers fn to receive the log after every change. Calls are made
// from one goroutine, in order; bursts may be coalesced into the latest log.
func (e *Engine) OnChange(fn func([]Entry)) {
	e.rec.subscribe(fn)
}

// Status returns the current loading, error and subscription state.
func (e *Engine) Status() Status {
	e.stateMu.RLock()
	st := e.status
	e.stateMu.RUnlock()
	st.Subscription, st.SubscriptionErr = e.sub.status()
	return st
}

// Self returns the local user's identifier.
func (e *Engine) Self() string {
	return e.self
}

// Close releases the subscription and its keep-alive and stops the log.
// It is safe to call more than once.
func (e *Engine) Close() error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	if e.cancelActive != nil {
		e.cancelActive()
	}
	e.stateMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sub.close()
	e.rec.stop()
	e.log.Info().Msg("engine closed")
	return nil
}

// active returns the current epoch and conversation.
func (e *Engine) active() (uint64, string, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.epoch, e.conversationID, e.closed
}

// updateStatus applies fn if epoch is still current.
func (e *Engine) updateStatus(epoch uint64, fn func(*Status)) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if epoch != e.epoch {
		return
	}
	fn(&e.status)
}
