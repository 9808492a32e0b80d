package chatsync

import (
	"context"
)

// loadConversation fetches the conversation and resolves the counterpart.
// Failures are recorded in Status and never retried.
func (e *Engine) loadConversation(ctx context.Context, epoch uint64, conversationID string) {
	log := e.log.With().Str("conversation_id", conversationID).Logger()

	conv, err := e.store.FetchConversation(ctx, conversationID)
	if err != nil {
		FetchFailures.WithLabelValues("conversation").Inc()
		log.Error().Err(err).Msg("fetch conversation")
		e.updateStatus(epoch, func(s *Status) {
			s.LoadingConversation = false
			s.ConversationErr = err
		})
		return
	}

	cp := &Counterpart{ID: conv.Counterpart(e.self)}
	cp.Address = cp.ID
	cp.Name = cp.ID

	// The counterpart keeps its address as a name when the profile is unavailable.
	user, err := e.store.ResolveUser(ctx, cp.ID)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("counterpart", cp.ID).Msg("resolve counterpart")
	case user != nil:
		if user.Name != "" {
			cp.Name = user.Name
		}
		if user.Address != "" {
			cp.Address = user.Address
		}
	}
	log.Debug().Str("counterpart", cp.ID).Str("name", cp.Name).Msg("conversation loaded")

	e.updateStatus(epoch, func(s *Status) {
		s.LoadingConversation = false
		s.Counterpart = cp
	})
}

// loadHistory seeds the log with the stored backlog. Inserts that arrived
// before it are kept after the history; see reconciler.load.
func (e *Engine) loadHistory(ctx context.Context, epoch uint64, conversationID string) {
	log := e.log.With().Str("conversation_id", conversationID).Logger()

	msgs, err := e.store.FetchMessages(ctx, conversationID)
	if err != nil {
		FetchFailures.WithLabelValues("history").Inc()
		log.Error().Err(err).Msg("fetch history")
		e.updateStatus(epoch, func(s *Status) {
			s.LoadingHistory = false
			s.HistoryErr = err
		})
		return
	}

	e.rec.load(epoch, msgs)
	log.Debug().Int("count", len(msgs)).Msg("history loaded")
	e.updateStatus(epoch, func(s *Status) {
		s.LoadingHistory = false
	})
}

// catchUp refetches history after the live feed reconnects. Messages missed
// while it was down are appended; entries already shown do not move.
func (e *Engine) catchUp(ctx context.Context, epoch uint64, conversationID string) {
	msgs, err := e.store.FetchMessages(ctx, conversationID)
	if err != nil {
		FetchFailures.WithLabelValues("history").Inc()
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("catch-up fetch")
		return
	}
	e.rec.merge(epoch, msgs)
}
