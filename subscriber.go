package chatsync

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SubscriptionState is the live subscriber's state.
type SubscriptionState string

const (
	SubIdle          SubscriptionState = "idle"
	SubSubscribing   SubscriptionState = "subscribing"
	SubSubscribed    SubscriptionState = "subscribed"
	SubUnsubscribing SubscriptionState = "unsubscribing"
	SubError         SubscriptionState = "error"
)

const DefaultKeepAliveInterval = 30 * time.Second

// ============================================================================
// Reconnect
// ============================================================================

// ReconnectPolicy enables reconnect-with-backoff after a feed transport
// failure. Each successful reconnect is followed by a catch-up history fetch.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (p *ReconnectPolicy) defaults() {
	if p.BaseDelay == 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 10
	}
}

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(p ReconnectPolicy) *reconnector {
	return &reconnector{
		baseDelay:   p.BaseDelay,
		maxDelay:    p.MaxDelay,
		maxAttempts: p.MaxAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// subscriber
// ============================================================================

// subscriber owns the engine's single live Subscription and its keep-alive.
type subscriber struct {
	feed      Feed
	self      string
	interval  time.Duration
	reconnect *ReconnectPolicy
	log       zerolog.Logger

	// forward receives inserts from other participants.
	forward func(epoch uint64, msg Message)
	// caughtUp is called after a reconnect so missed inserts can be fetched.
	caughtUp func(ctx context.Context, epoch uint64, conversationID string)

	mu     sync.Mutex
	state  SubscriptionState
	err    error
	sub    Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *subscriber) status() (SubscriptionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return SubIdle, nil
	}
	return s.state, s.err
}

func (s *subscriber) setState(state SubscriptionState, err error) {
	s.mu.Lock()
	s.state = state
	s.err = err
	s.mu.Unlock()
}

// open subscribes to conversationID for epoch. Any previous subscription is
// closed first, so at most one is ever live.
func (s *subscriber) open(ctx context.Context, epoch uint64, conversationID string) error {
	s.close()

	s.mu.Lock()
	s.state = SubSubscribing
	s.err = nil
	s.mu.Unlock()

	log := s.log.With().Str("conversation_id", conversationID).Uint64("epoch", epoch).Logger()
	log.Debug().Msg("subscribing")

	sub, err := s.feed.Subscribe(ctx, conversationID, s.inserter(epoch))
	if err != nil {
		log.Error().Err(err).Msg("subscribe failed")
		s.setState(SubError, err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.sub = sub
	s.cancel = cancel
	s.state = SubSubscribed
	s.mu.Unlock()
	ActiveSubscriptions.Inc()
	log.Info().Msg("subscribed")

	s.wg.Add(1)
	go s.maintain(loopCtx, epoch, conversationID, sub, log)
	return nil
}

// close stops the keep-alive, then closes the live subscription.
func (s *subscriber) close() {
	s.mu.Lock()
	if s.sub == nil && s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.state = SubUnsubscribing
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.state = SubIdle
	s.err = nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", sub.ConversationID()).Msg("close subscription")
		}
		ActiveSubscriptions.Dec()
		s.log.Info().Str("conversation_id", sub.ConversationID()).Msg("unsubscribed")
	}
}

func (s *subscriber) inserter(epoch uint64) func(Message) {
	return func(msg Message) {
		InsertsReceived.Inc()
		if msg.SenderID == s.self {
			// The optimistic send path already represents our own messages.
			EchoesDropped.Inc()
			s.log.Debug().Str("id", msg.ID).Msg("dropping own echo")
			return
		}
		s.forward(epoch, msg)
	}
}

// maintain runs the keep-alive ticker and watches the subscription for
// transport failure until ctx is cancelled.
func (s *subscriber) maintain(ctx context.Context, epoch uint64, conversationID string, sub Subscription, log zerolog.Logger) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sub.SendKeepAlive(ctx); err != nil && ctx.Err() == nil {
				KeepAliveFailures.Inc()
				log.Warn().Err(err).Msg("keep-alive failed")
			}
		case <-sub.Done():
			err := sub.Err()
			if err == nil || ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("live feed lost")
			s.setState(SubError, err)

			if s.reconnect == nil {
				return
			}
			next := s.reconnectLoop(ctx, epoch, conversationID, sub, log)
			if next == nil {
				return
			}
			sub = next
			ticker.Reset(s.interval)
		}
	}
}

// reconnectLoop retries Subscribe with backoff. It returns the new
// subscription, or nil when attempts are exhausted or ctx is cancelled.
func (s *subscriber) reconnectLoop(ctx context.Context, epoch uint64, conversationID string, dead Subscription, log zerolog.Logger) Subscription {
	_ = dead.Close()
	ActiveSubscriptions.Dec()
	s.mu.Lock()
	s.sub = nil
	s.mu.Unlock()

	recon := newReconnector(*s.reconnect)
	for recon.shouldReconnect() {
		delay := recon.nextDelay()
		ReconnectAttempts.Inc()
		log.Info().Int("attempt", recon.attempt).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		s.mu.Lock()
		s.state = SubSubscribing
		s.mu.Unlock()

		sub, err := s.feed.Subscribe(ctx, conversationID, s.inserter(epoch))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("reconnect failed")
			s.setState(SubError, err)
			continue
		}
		if ctx.Err() != nil {
			_ = sub.Close()
			return nil
		}

		s.mu.Lock()
		s.sub = sub
		s.state = SubSubscribed
		s.err = nil
		s.mu.Unlock()
		ActiveSubscriptions.Inc()
		log.Info().Msg("resubscribed")

		if s.caughtUp != nil {
			s.caughtUp(ctx, epoch, conversationID)
		}
		return sub
	}
	log.Error().Int("attempts", recon.attempt).Msg("giving up on live feed")
	return nil
}
