// Package pgstore is a PostgreSQL backend for chatsync: a Store over a pgx
// pool and a Feed built on LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/heartline-app/chatsync"
)

// Store is a chatsync.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ chatsync.Store = (*Store)(nil)

// Connect creates a pgx pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	// Every live subscription pins one connection.
	if cfg.MaxConns < 8 {
		cfg.MaxConns = 8
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// normalizeDSN strips driver suffixes some .env files carry.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

func New(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return &Store{pool: pool, log: log.With().Str("component", "pgstore").Logger()}
}

// Open connects to dsn and returns a Store that owns the pool.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	pool, err := Connect(ctx, dsn)
	if err != nil {
		return nil, chatsync.NewError(chatsync.CodeTransport, "connect", err)
	}
	return New(pool, log), nil
}

// Pool exposes the underlying pool, e.g. to build a Feed on it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ============================================================================
// chatsync.Store
// ============================================================================

func (s *Store) FetchConversation(ctx context.Context, conversationID string) (*chatsync.Conversation, error) {
	id, err := parseID(conversationID)
	if err != nil {
		return nil, err
	}
	var conv chatsync.Conversation
	var rowID int64
	err = s.pool.QueryRow(ctx, `
		SELECT id, user_1, user_2 FROM chats WHERE id = $1
	`, id).Scan(&rowID, &conv.ParticipantA, &conv.ParticipantB)
	if err != nil {
		return nil, mapErr("conversation "+conversationID, err)
	}
	conv.ID = formatID(rowID)
	return &conv, nil
}

// FetchMessages returns the conversation's messages in insertion order.
func (s *Store) FetchMessages(ctx context.Context, conversationID string) ([]chatsync.Message, error) {
	id, err := parseID(conversationID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, mapErr("messages "+conversationID, err)
	}
	defer rows.Close()

	var msgs []chatsync.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("messages "+conversationID, err)
	}
	return msgs, nil
}

// CreateMessage inserts msg. The insert trigger publishes it to listeners.
func (s *Store) CreateMessage(ctx context.Context, msg *chatsync.Message) (*chatsync.Message, error) {
	chatID, err := parseID(msg.ConversationID)
	if err != nil {
		return nil, err
	}
	kind := msg.Kind
	if kind == "" {
		kind = chatsync.KindText
	}
	var requestID *string
	if msg.RequestID != "" {
		requestID = &msg.RequestID
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (chat_id, sender, message, type, request_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+messageColumns+`
	`, chatID, msg.SenderID, msg.Body, string(kind), requestID)
	created, err := scanMessage(row)
	if err != nil {
		return nil, mapErr("create message", err)
	}
	s.log.Debug().Str("conversation_id", created.ConversationID).Str("id", created.ID).Msg("message stored")
	return &created, nil
}

func (s *Store) ResolveUser(ctx context.Context, id string) (*chatsync.User, error) {
	var u chatsync.User
	err := s.pool.QueryRow(ctx, `
		SELECT address, name FROM users WHERE address = $1
	`, id).Scan(&u.Address, &u.Name)
	if err != nil {
		return nil, mapErr("user "+id, err)
	}
	return &u, nil
}

// ============================================================================
// Directory
// ============================================================================

// ListConversations returns every conversation address takes part in.
func (s *Store) ListConversations(ctx context.Context, address string) ([]chatsync.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_1, user_2 FROM chats
		WHERE user_1 = $1 OR user_2 = $1
		ORDER BY id ASC
	`, address)
	if err != nil {
		return nil, mapErr("list conversations", err)
	}
	defer rows.Close()

	var convs []chatsync.Conversation
	for rows.Next() {
		var c chatsync.Conversation
		var id int64
		if err := rows.Scan(&id, &c.ParticipantA, &c.ParticipantB); err != nil {
			return nil, mapErr("scan conversation", err)
		}
		c.ID = formatID(id)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list conversations", err)
	}
	return convs, nil
}

// FindConversation returns the conversation between two participants in
// either order.
func (s *Store) FindConversation(ctx context.Context, userA, userB string) (*chatsync.Conversation, error) {
	var c chatsync.Conversation
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_1, user_2 FROM chats
		WHERE (user_1 = $1 AND user_2 = $2) OR (user_1 = $2 AND user_2 = $1)
		ORDER BY id ASC
		LIMIT 1
	`, userA, userB).Scan(&id, &c.ParticipantA, &c.ParticipantB)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("conversation between %s and %s", userA, userB), err)
	}
	c.ID = formatID(id)
	return &c, nil
}

// CreateConversation opens a conversation between two users.
func (s *Store) CreateConversation(ctx context.Context, userA, userB string) (*chatsync.Conversation, error) {
	c := chatsync.Conversation{ParticipantA: userA, ParticipantB: userB}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chats (user_1, user_2) VALUES ($1, $2) RETURNING id
	`, userA, userB).Scan(&id)
	if err != nil {
		return nil, mapErr("create conversation", err)
	}
	c.ID = formatID(id)
	return &c, nil
}

// SaveUser creates or renames a user.
func (s *Store) SaveUser(ctx context.Context, u *chatsync.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (address, name) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET name = EXCLUDED.name
	`, u.Address, u.Name)
	if err != nil {
		return mapErr("save user", err)
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

// messageColumns is the column list scanMessage expects.
const messageColumns = "id, chat_id, sender, message, type, COALESCE(request_id, ''), created_at"

// loadMessage reads one message row by ID.
func loadMessage(ctx context.Context, pool *pgxpool.Pool, id int64) (chatsync.Message, error) {
	row := pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		return chatsync.Message{}, mapErr("message "+formatID(id), err)
	}
	return m, nil
}

func scanMessage(row pgx.Row) (chatsync.Message, error) {
	var m chatsync.Message
	var id, chatID int64
	var kind string
	err := row.Scan(&id, &chatID, &m.SenderID, &m.Body, &kind, &m.RequestID, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	m.ID = formatID(id)
	m.ConversationID = formatID(chatID)
	m.Kind = chatsync.MessageKind(kind)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// parseID converts a conversation ID to its bigserial key. IDs that cannot
// exist in the table are reported as not found.
func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, chatsync.NewError(chatsync.CodeNotFound, "conversation "+id, nil)
	}
	return n, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

const pgForeignKeyViolation = "23503"

func mapErr(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return chatsync.NewError(chatsync.CodeNotFound, what, nil)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return chatsync.NewError(chatsync.CodeNotFound, what, err)
	}
	return chatsync.NewError(chatsync.CodeTransport, what, err)
}
