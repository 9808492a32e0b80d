package chatsync

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const provisionalPrefix = "local-"

// newProvisionalID returns a placeholder ID. ULIDs from ulid.Make are
// monotonic within the process, so provisional IDs sort in send order.
func newProvisionalID() string {
	return provisionalPrefix + ulid.Make().String()
}

// Send posts body to the active conversation optimistically: a provisional
// entry is appended at once and later replaced by the stored record, or
// removed if the store rejects it. A blank body is a no-op and returns nil, nil.
//
// A request-kind message without a RequestID gets a generated one.
func (e *Engine) Send(ctx context.Context, body string, opts *SendOptions) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		EmptySends.Inc()
		return nil, nil
	}

	epoch, conversationID, closed := e.active()
	if closed {
		return nil, ErrClosed
	}
	if conversationID == "" {
		return nil, NewError(CodeValidation, "no active conversation", nil)
	}

	kind := KindText
	requestID := ""
	if opts != nil {
		if opts.Kind != "" {
			kind = opts.Kind
		}
		requestID = opts.RequestID
	}
	if kind == KindRequest && requestID == "" {
		requestID = uuid.NewString()
	}

	provisional := Message{
		ID:             newProvisionalID(),
		ConversationID: conversationID,
		SenderID:       e.self,
		Body:           body,
		CreatedAt:      e.now().UTC(),
		Kind:           kind,
		RequestID:      requestID,
	}
	log := e.log.With().Str("conversation_id", conversationID).Str("local_id", provisional.ID).Logger()

	e.rec.append(epoch, Entry{Message: provisional, State: StateProvisional})

	created, err := e.store.CreateMessage(ctx, &provisional)
	if err != nil {
		e.rec.remove(epoch, provisional.ID)
		SendsTotal.WithLabelValues("rolled_back").Inc()
		log.Warn().Err(err).Msg("send failed, provisional message removed")
		return nil, err
	}

	e.rec.replace(epoch, provisional.ID, *created)
	SendsTotal.WithLabelValues("confirmed").Inc()
	log.Debug().Str("id", created.ID).Msg("send confirmed")
	return created, nil
}
