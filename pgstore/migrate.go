package pgstore

import (
	"context"

	"github.com/heartline-app/chatsync"
)

// ChannelPrefix prefixes the NOTIFY channel of every conversation.
const ChannelPrefix = "chat_messages_"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	address    TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chats (
	id         BIGSERIAL PRIMARY KEY,
	user_1     TEXT NOT NULL,
	user_2     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS chats_user_1_idx ON chats (user_1);
CREATE INDEX IF NOT EXISTS chats_user_2_idx ON chats (user_2);

CREATE TABLE IF NOT EXISTS messages (
	id         BIGSERIAL PRIMARY KEY,
	chat_id    BIGINT NOT NULL REFERENCES chats (id) ON DELETE CASCADE,
	sender     TEXT NOT NULL,
	message    TEXT NOT NULL,
	type       TEXT NOT NULL DEFAULT 'text',
	request_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_chat_id_idx ON messages (chat_id, id);

CREATE OR REPLACE FUNCTION chatsync_notify_message() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + ChannelPrefix + `' || NEW.chat_id, json_build_object(
		'type', 'insert',
		'id', NEW.id::text,
		'chat_id', NEW.chat_id::text
	)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS messages_notify ON messages;
CREATE TRIGGER messages_notify AFTER INSERT ON messages
	FOR EACH ROW EXECUTE FUNCTION chatsync_notify_message();
`

// Migrate creates the tables and the insert trigger. It is idempotent.
// The trigger publishes only row IDs, so NOTIFY's payload limit never
// constrains message size.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return chatsync.NewError(chatsync.CodeTransport, "migrate", err)
	}
	s.log.Info().Msg("schema migrated")
	return nil
}
