package pgstore

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/heartline-app/chatsync"
)

const (
	notifyInsert = "insert"
	notifyPing   = "ping"
)

// notification is the NOTIFY payload written by the insert trigger and by
// keep-alives. Inserts carry IDs only; the row is read back by the listener.
type notification struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
}

// fetchTimeout bounds the read of one notified row.
const fetchTimeout = 5 * time.Second

// ChannelName returns the NOTIFY channel of a conversation.
func ChannelName(conversationID string) string {
	return ChannelPrefix + conversationID
}

// Feed is a chatsync.Feed over LISTEN/NOTIFY. Each subscription holds one
// dedicated connection taken out of the pool.
type Feed struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ chatsync.Feed = (*Feed)(nil)

func NewFeed(pool *pgxpool.Pool, log zerolog.Logger) *Feed {
	return &Feed{pool: pool, log: log.With().Str("component", "pgfeed").Logger()}
}

func (f *Feed) Subscribe(ctx context.Context, conversationID string, onInsert func(chatsync.Message)) (chatsync.Subscription, error) {
	if _, err := parseID(conversationID); err != nil {
		return nil, err
	}
	pooled, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, chatsync.NewError(chatsync.CodeTransport, "acquire listener connection", err)
	}

	channel := ChannelName(conversationID)
	if _, err := pooled.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		pooled.Release()
		return nil, chatsync.NewError(chatsync.CodeTransport, "listen", err)
	}
	// The connection now carries a LISTEN and must never go back to the pool.
	conn := pooled.Hijack()

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		pool:           f.pool,
		conn:           conn,
		channel:        channel,
		conversationID: conversationID,
		onInsert:       onInsert,
		cancel:         cancel,
		done:           make(chan struct{}),
		log:            f.log.With().Str("channel", channel).Logger(),
	}
	go sub.listen(subCtx)
	sub.log.Debug().Msg("listening")
	return sub, nil
}

// ============================================================================
// subscription
// ============================================================================

type subscription struct {
	pool           *pgxpool.Pool
	conn           *pgx.Conn
	channel        string
	conversationID string
	onInsert       func(chatsync.Message)
	cancel         context.CancelFunc
	log            zerolog.Logger

	mu      sync.Mutex
	closing bool
	err     error
	done    chan struct{}
}

func (s *subscription) ConversationID() string { return s.conversationID }

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SendKeepAlive publishes a ping on the channel through the pool, which also
// proves the database is reachable. The listener discards pings.
func (s *subscription) SendKeepAlive(ctx context.Context) error {
	select {
	case <-s.done:
		return chatsync.NewError(chatsync.CodeTransport, "subscription closed", nil)
	default:
	}
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, `{"type":"`+notifyPing+`"}`); err != nil {
		return chatsync.NewError(chatsync.CodeTransport, "keep-alive", err)
	}
	return nil
}

// Close stops listening and closes the dedicated connection. No insert is
// delivered after it returns.
func (s *subscription) Close() error {
	s.mu.Lock()
	already := s.closing
	s.closing = true
	s.mu.Unlock()
	if already {
		<-s.done
		return nil
	}

	s.cancel()
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.conn.Close(ctx); err != nil {
		s.log.Debug().Err(err).Msg("close listener connection")
	}
	s.log.Debug().Msg("unlistened")
	return nil
}

func (s *subscription) listen(ctx context.Context) {
	defer close(s.done)

	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closing {
				s.err = chatsync.NewError(chatsync.CodeTransport, "wait for notification", err)
			}
			s.mu.Unlock()
			return
		}
		if n.Channel != s.channel {
			continue
		}

		var p notification
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			s.log.Warn().Err(err).Msg("malformed notification")
			continue
		}
		if p.Type != notifyInsert || p.ChatID != s.conversationID {
			continue
		}
		id, err := strconv.ParseInt(p.ID, 10, 64)
		if err != nil {
			s.log.Warn().Str("id", p.ID).Msg("malformed notification id")
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		msg, err := loadMessage(fetchCtx, s.pool, id)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Int64("id", id).Msg("read notified message")
			}
			continue
		}

		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if closing {
			continue
		}
		s.onInsert(msg)
	}
}
